package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/go-chi/chi/v5"
)

type callSessionResponse struct {
	CallSid          string         `json:"call_sid"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Status           string         `json:"status"`
	Consent          string         `json:"consent"`
	AnsweredBy       string         `json:"answered_by,omitempty"`
	AMDDetected      bool           `json:"amd_detected"`
	Mode             string         `json:"mode,omitempty"`
	PickupMode       string         `json:"pickup_mode,omitempty"`
	Handoff          bool           `json:"handoff"`
	HandoffReason    string         `json:"handoff_reason,omitempty"`
	FailPath         string         `json:"fail_path,omitempty"`
	ReviewFlag       bool           `json:"review_flag"`
	ReviewReason     string         `json:"review_reason,omitempty"`
	ReviewConfidence *float64       `json:"review_confidence,omitempty"`
	StreamSid        string         `json:"stream_sid,omitempty"`
	Transcript       string         `json:"transcript,omitempty"`
	CapturedFields   map[string]any `json:"captured_fields,omitempty"`
	DurationSeconds  int            `json:"duration_seconds"`
	TurnCount        int            `json:"turn_count"`
	AvgSentiment     *float64       `json:"avg_sentiment,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
}

func toCallSessionResponse(s models.CallSession) callSessionResponse {
	return callSessionResponse{
		CallSid:          s.CallSid,
		From:             s.From,
		To:               s.To,
		Status:           string(s.Status),
		Consent:          string(s.Consent),
		AnsweredBy:       s.AnsweredBy,
		AMDDetected:      s.AMDDetected,
		Mode:             string(s.Mode),
		PickupMode:       s.PickupMode,
		Handoff:          s.Handoff,
		HandoffReason:    s.HandoffReason,
		FailPath:         s.FailPath,
		ReviewFlag:       s.ReviewFlag,
		ReviewReason:     s.ReviewReason,
		ReviewConfidence: s.ReviewConfidence,
		StreamSid:        s.StreamSid,
		Transcript:       s.Transcript,
		CapturedFields:   s.CapturedFields,
		DurationSeconds:  s.DurationSeconds,
		TurnCount:        s.TurnCount,
		AvgSentiment:     s.AvgSentiment,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
	}
}

type timelineEventResponse struct {
	Seq        int64          `json:"seq"`
	EventID    string         `json:"event_id"`
	Event      string         `json:"event"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type evidenceResponse struct {
	StartedAt    time.Time  `json:"started_at"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	ElapsedMs    int64      `json:"elapsed_ms"`
	FellBack     bool       `json:"fell_back"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type safetyLogResponse struct {
	ID             string    `json:"id"`
	EventType      string    `json:"event_type"`
	Reason         string    `json:"reason"`
	Confidence     float64   `json:"confidence"`
	SanitizedText  string    `json:"sanitized_text"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type recordingResponse struct {
	RecordingSid    string    `json:"recording_sid"`
	Status          string    `json:"status"`
	Kind            string    `json:"kind"`
	URL             string    `json:"url,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

type callDetailResponse struct {
	Session    callSessionResponse     `json:"session"`
	Timeline   []timelineEventResponse `json:"timeline"`
	Evidence   *evidenceResponse       `json:"stream_evidence"`
	Safety     []safetyLogResponse     `json:"safety_logs"`
	Recordings []recordingResponse     `json:"recordings"`
}

// handleListCalls returns the most recent call sessions.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit, msg := parseLimit(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sessions, err := s.deps.Sessions.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list call sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callSessionResponse, len(sessions))
	for i, cs := range sessions {
		items[i] = toCallSessionResponse(cs)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetCall returns one call with its timeline, handshake evidence,
// safety escalations and recordings.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callSid := chi.URLParam(r, "callSid")
	log := s.logger.With("call_sid", callSid)

	cs, err := s.deps.Sessions.Get(ctx, callSid)
	if err != nil {
		log.Error("failed to get call session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cs == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	resp := callDetailResponse{
		Session:    toCallSessionResponse(*cs),
		Timeline:   []timelineEventResponse{},
		Safety:     []safetyLogResponse{},
		Recordings: []recordingResponse{},
	}

	events, err := s.deps.Timeline.ListByCall(ctx, callSid)
	if err != nil {
		log.Error("failed to list timeline", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, e := range events {
		resp.Timeline = append(resp.Timeline, timelineEventResponse{
			Seq:        e.Seq,
			EventID:    e.EventID,
			Event:      e.Event,
			OccurredAt: e.OccurredAt,
			Metadata:   e.Metadata,
		})
	}

	ev, err := s.deps.Evidence.Get(ctx, callSid)
	if err != nil {
		log.Error("failed to get stream evidence", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ev != nil {
		resp.Evidence = &evidenceResponse{
			StartedAt:    ev.StartedAt,
			ConnectedAt:  ev.ConnectedAt,
			ElapsedMs:    ev.ElapsedMs,
			FellBack:     ev.FellBack,
			ErrorMessage: ev.ErrorMessage,
		}
	}

	logs, err := s.deps.Safety.ListByCall(ctx, callSid)
	if err != nil {
		log.Error("failed to list safety logs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, l := range logs {
		resp.Safety = append(resp.Safety, safetyLogResponse{
			ID:             l.ID,
			EventType:      l.EventType,
			Reason:         l.Reason,
			Confidence:     l.Confidence,
			SanitizedText:  l.SanitizedText,
			SentimentScore: l.SentimentScore,
			CreatedAt:      l.CreatedAt,
		})
	}

	recs, err := s.deps.Recordings.ListByCall(ctx, callSid)
	if err != nil {
		log.Error("failed to list recordings", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, rec := range recs {
		resp.Recordings = append(resp.Recordings, recordingResponse{
			RecordingSid:    rec.RecordingSid,
			Status:          rec.Status,
			Kind:            string(rec.Kind),
			URL:             rec.URL,
			DurationSeconds: rec.DurationSeconds,
			CreatedAt:       rec.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
