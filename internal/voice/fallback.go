package voice

import (
	"net/http"
	"strconv"

	"github.com/flowpbx/frontdesk/internal/callcontrol"
	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/phone"
)

// handleFallback runs when the human bridge ends. A completed dial hangs up;
// internal callers are never sent to voicemail.
func (h *Handler) handleFallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("CallSid")
	log := h.logger.With("call_sid", callSid)
	pol := h.policy.Load(ctx)
	b := h.builder(pol)

	fail := func(err error) {
		log.Error("building fallback document", "error", err)
		writeTwiML(w, http.StatusInternalServerError, callcontrol.FallbackErrorDocument(pol.Voice))
	}

	dialStatus := r.PostFormValue("DialCallStatus")
	if dialStatus == "completed" {
		doc, err := b.Hangup()
		if err != nil {
			fail(err)
			return
		}
		writeTwiML(w, http.StatusOK, doc)
		return
	}

	set := phone.BuildInternalSet(h.cfg.Internal)
	if phone.IsInternalCaller(r.PostFormValue("From"), set) {
		doc, err := b.InternalFallback()
		if err != nil {
			fail(err)
			return
		}
		writeTwiML(w, http.StatusOK, doc)
		return
	}

	doc, err := b.Voicemail()
	if err != nil {
		fail(err)
		return
	}
	if callSid != "" {
		h.appendTimeline(ctx, log, callSid, "fallback_voicemail", map[string]any{"dial_status": dialStatus})
	}
	h.record(DecisionVoicemail)
	writeTwiML(w, http.StatusOK, doc)
}

func (h *Handler) handleVoicemailComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("CallSid")
	log := h.logger.With("call_sid", callSid)
	pol := h.policy.Load(ctx)

	recordingSid := r.PostFormValue("RecordingSid")
	duration, _ := strconv.Atoi(r.PostFormValue("RecordingDuration"))

	if callSid != "" && recordingSid != "" {
		inserted, err := h.recordings.Create(ctx, &models.RecordingEvent{
			CallSid:         callSid,
			RecordingSid:    recordingSid,
			Status:          "completed",
			Kind:            models.RecordingVoicemail,
			URL:             r.PostFormValue("RecordingUrl"),
			DurationSeconds: duration,
		})
		switch {
		case err != nil:
			log.Error("storing voicemail", "error", err)
		case inserted:
			h.appendTimeline(ctx, log, callSid, "voicemail_received", map[string]any{
				"recording_sid":    recordingSid,
				"duration_seconds": duration,
			})
			log.Info("voicemail stored", "duration_seconds", duration)
		}
		if err := h.sessions.UpdateStatus(ctx, callSid, models.StatusCompleted); err != nil {
			log.Error("completing call session", "error", err)
		}
	} else {
		log.Warn("voicemail callback without call or recording id")
	}

	doc, err := h.builder(pol).VoicemailSaved()
	respond(w, log, pol.Voice, doc, err)
}

// handleRecordingStatus stores a bridged call recording once per
// call, recording and status.
func (h *Handler) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("CallSid")
	recordingSid := r.PostFormValue("RecordingSid")
	status := r.PostFormValue("RecordingStatus")
	if callSid == "" || recordingSid == "" || status == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", callSid)

	duration, _ := strconv.Atoi(r.PostFormValue("RecordingDuration"))
	inserted, err := h.recordings.Create(ctx, &models.RecordingEvent{
		CallSid:         callSid,
		RecordingSid:    recordingSid,
		Status:          status,
		Kind:            models.RecordingCall,
		URL:             r.PostFormValue("RecordingUrl"),
		DurationSeconds: duration,
	})
	if err != nil {
		log.Error("storing recording event", "error", err)
	} else if inserted {
		h.appendTimeline(ctx, log, callSid, "recording_status", map[string]any{
			"recording_sid": recordingSid,
			"status":        status,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDialStatus records progress of the bridged leg on the parent call.
func (h *Handler) handleDialStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("ParentCallSid")
	child := r.PostFormValue("CallSid")
	if callSid == "" {
		callSid = child
	}
	if callSid == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", callSid)
	h.appendTimeline(ctx, log, callSid, "dial_status", map[string]any{
		"status":         r.PostFormValue("CallStatus"),
		"child_call_sid": child,
	})
	w.WriteHeader(http.StatusNoContent)
}
