package voice

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flowpbx/frontdesk/internal/callcontrol"
	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/phone"
)

// inbound holds the validated fields of an answer webhook.
type inbound struct {
	CallSid    string
	From       string
	To         string
	AnsweredBy string
}

// parseInbound validates CallSid, From and To. It reports false when any is
// missing or a number is not E.164.
func parseInbound(r *http.Request) (inbound, bool) {
	in := inbound{
		CallSid:    r.PostFormValue("CallSid"),
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
	}
	if in.CallSid == "" || !phone.IsE164(in.From) || !phone.IsE164(in.To) {
		return in, false
	}
	return in, true
}

// recordingFlag parses the recording_enabled query flag. ok is false when the
// flag is absent or unparseable.
func recordingFlag(r *http.Request) (enabled, ok bool) {
	raw := r.URL.Query().Get("recording_enabled")
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	in, ok := parseInbound(r)
	if !ok {
		h.logger.Warn("rejecting malformed answer webhook", "call_sid", in.CallSid)
		h.record(DecisionRejected)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", in.CallSid)

	pol := h.policy.Load(ctx)
	b := h.builder(pol)

	if !phone.IsE164(h.cfg.Internal.BusinessTarget) {
		log.Error("business target missing or not E.164, check the business-target setting")
		writeTwiML(w, http.StatusInternalServerError, callcontrol.ErrorDocument(pol.Voice))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(in.From) {
		log.Warn("caller webhook rate exceeded")
		h.record(DecisionRateLimited)
		doc, err := b.RateLimited()
		if err != nil {
			respond(w, log, pol.Voice, "", err)
			return
		}
		writeTwiML(w, http.StatusTooManyRequests, doc)
		return
	}

	machine := pol.IsMachine(in.AnsweredBy)

	recording, known := recordingFlag(r)
	if !known {
		if s := h.loadSession(ctx, log, in.CallSid); s != nil && s.Consent != models.ConsentUnknown {
			recording, known = s.Consent == models.ConsentGranted, true
		}
	}
	if !known {
		h.createSession(r, log, in, machine)
		h.appendTimeline(ctx, log, in.CallSid, "consent_requested", nil)
		h.record(DecisionConsent)
		doc, err := b.ConsentGather()
		respond(w, log, pol.Voice, doc, err)
		return
	}

	set := phone.BuildInternalSet(h.cfg.Internal)
	internal := phone.IsInternalCaller(in.From, set)
	target := phone.SafeDialTarget(h.cfg.Internal.BusinessTarget, in.From, in.To, set)

	h.appendTimeline(ctx, log, in.CallSid, "inbound_received", map[string]any{
		"from":        in.From,
		"to":          in.To,
		"answered_by": in.AnsweredBy,
	})
	h.createSession(r, log, in, machine)

	dial := callcontrol.Dial{Target: target, CallerID: in.To, Recording: recording}

	var (
		doc      string
		err      error
		mode     models.CallMode
		decision string
	)
	switch {
	case internal || target == "":
		mode, decision = models.ModeLLM, DecisionAdmin
		var s callcontrol.Stream
		if s, err = h.streamFor(in.CallSid); err == nil {
			doc, err = b.AdminStream(s)
		}
	case h.relayEligible(r, pol, machine):
		mode, decision = models.ModeLLM, DecisionRelay
		var s callcontrol.Stream
		if s, err = h.streamFor(in.CallSid); err == nil {
			doc, err = b.GreetingWithStream(pol.BusinessName, recording, s, dial)
		}
	default:
		mode, decision = models.ModeBridge, DecisionBridge
		doc, err = b.BridgeToHuman(pol.BusinessName, dial)
	}
	if err != nil {
		respond(w, log, pol.Voice, "", err)
		return
	}

	status := models.StatusBridging
	if mode == models.ModeLLM {
		status = models.StatusStreaming
	}
	if err := h.sessions.SetMode(ctx, in.CallSid, mode, pol.PickupMode, status); err != nil {
		log.Error("setting call mode", "error", err)
	}
	h.appendTimeline(ctx, log, in.CallSid, "twiml_sent", map[string]any{
		"mode":        string(mode),
		"pickup_mode": pol.PickupMode,
	})
	h.record(decision)
	log.Info("inbound call routed", "mode", mode, "internal", internal, "recording", recording)

	writeTwiML(w, http.StatusOK, doc)
}

// relayEligible applies the pickup policy, then admission control. Admission
// is only consulted when the policy would otherwise stream.
func (h *Handler) relayEligible(r *http.Request, pol Policy, machine bool) bool {
	pickup := (machine && pol.AMDEnable) || pol.PickupMode == PickupImmediate
	if !pickup || !pol.StreamEnabled {
		return false
	}
	return h.admission.HasCapacity(r.Context(), pol.ConcurrencyCeiling, pol.AdmissionLookback)
}

func (h *Handler) createSession(r *http.Request, log *slog.Logger, in inbound, machine bool) {
	_, err := h.sessions.Create(r.Context(), &models.CallSession{
		CallSid:     in.CallSid,
		From:        in.From,
		To:          in.To,
		Status:      models.StatusInitiated,
		Consent:     models.ConsentUnknown,
		AnsweredBy:  in.AnsweredBy,
		AMDDetected: machine,
	})
	if err != nil {
		log.Error("creating call session", "error", err)
	}
}

func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := r.PostFormValue("CallSid")
	if callSid == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", callSid)
	pol := h.policy.Load(ctx)

	granted := r.PostFormValue("Digits") == "1"
	consent := models.ConsentDeclined
	if granted {
		consent = models.ConsentGranted
	}
	if err := h.sessions.SetConsent(ctx, callSid, consent); err != nil {
		log.Error("storing recording consent", "error", err)
	}
	h.appendTimeline(ctx, log, callSid, "consent_resolved", map[string]any{"consent": string(consent)})

	doc, err := h.builder(pol).ResumeAnswer(granted)
	respond(w, log, pol.Voice, doc, err)
}

// handleAction receives the greeting's digit escape. Zero bridges to a human
// when a safe target exists; anything else reconnects the relay.
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in, ok := parseInbound(r)
	if !ok {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	log := h.logger.With("call_sid", in.CallSid)
	pol := h.policy.Load(ctx)
	b := h.builder(pol)

	recording, known := recordingFlag(r)
	if !known {
		if s := h.loadSession(ctx, log, in.CallSid); s != nil {
			recording = s.Consent == models.ConsentGranted
		}
	}

	set := phone.BuildInternalSet(h.cfg.Internal)
	target := ""
	if !phone.IsInternalCaller(in.From, set) {
		target = phone.SafeDialTarget(h.cfg.Internal.BusinessTarget, in.From, in.To, set)
	}
	dial := callcontrol.Dial{Target: target, CallerID: in.To, Recording: recording}

	if r.PostFormValue("Digits") == "0" && target != "" {
		if err := h.sessions.UpdateStatus(ctx, in.CallSid, models.StatusBridging); err != nil {
			log.Error("updating call status", "error", err)
		}
		h.appendTimeline(ctx, log, in.CallSid, "escape_pressed", nil)
		h.record(DecisionBridge)
		doc, err := b.Handoff(dial)
		respond(w, log, pol.Voice, doc, err)
		return
	}

	s, err := h.streamFor(in.CallSid)
	if err != nil {
		respond(w, log, pol.Voice, "", err)
		return
	}
	var doc string
	if target == "" {
		doc, err = b.StreamOnly(s)
	} else {
		doc, err = b.StreamWithFallback(s, dial)
	}
	respond(w, log, pol.Voice, doc, err)
}
