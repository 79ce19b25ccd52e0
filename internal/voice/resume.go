package voice

import (
	"net/http"
	"path"

	"github.com/flowpbx/frontdesk/internal/callcontrol"
	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/phone"
)

// handleResume serves both the Connect action (the relay stream ended) and
// the live redirect target issued by the relay on handoff. The stored
// session decides between hanging up and bridging to a human.
func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("CallSid")
	if callSid == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", callSid)
	pol := h.policy.Load(ctx)
	b := h.builder(pol)

	from, to := r.PostFormValue("From"), r.PostFormValue("To")
	var recording bool
	var reason string
	if s := h.loadSession(ctx, log, callSid); s != nil {
		// A handed-off call is bridged even if the relay already recorded
		// the end of the stream.
		if s.Status == models.StatusCompleted && !s.Handoff {
			doc, err := b.Hangup()
			respond(w, log, pol.Voice, doc, err)
			return
		}
		if s.From != "" {
			from, to = s.From, s.To
		}
		recording = s.Consent == models.ConsentGranted
		reason = s.HandoffReason
	}

	set := phone.BuildInternalSet(h.cfg.Internal)
	target := phone.SafeDialTarget(h.cfg.Internal.BusinessTarget, from, to, set)
	if phone.IsInternalCaller(from, set) || target == "" {
		doc, err := b.Goodbye()
		respond(w, log, pol.Voice, doc, err)
		return
	}

	if err := h.sessions.UpdateStatus(ctx, callSid, models.StatusBridging); err != nil {
		log.Error("updating call status", "error", err)
	}
	h.appendTimeline(ctx, log, callSid, "stream_resumed", map[string]any{
		"trigger": path.Base(r.URL.Path),
		"reason":  reason,
	})
	h.record(DecisionBridge)
	log.Info("resuming call with human bridge", "reason", reason)

	doc, err := b.Handoff(callcontrol.Dial{Target: target, CallerID: to, Recording: recording})
	respond(w, log, pol.Voice, doc, err)
}
