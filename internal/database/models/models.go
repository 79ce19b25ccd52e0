package models

import "time"

// CallStatus is the lifecycle state of a call session.
type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusStreaming CallStatus = "streaming"
	StatusBridging  CallStatus = "bridging"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
)

var transitions = map[CallStatus][]CallStatus{
	StatusInitiated: {StatusStreaming, StatusBridging, StatusCompleted, StatusFailed},
	StatusStreaming: {StatusBridging, StatusCompleted, StatusFailed},
	StatusBridging:  {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed. Moving to
// the same non-terminal status is allowed and is a no-op.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which next may be entered.
func Predecessors(next CallStatus) []CallStatus {
	var out []CallStatus
	for _, from := range []CallStatus{StatusInitiated, StatusStreaming, StatusBridging, StatusCompleted, StatusFailed} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// Consent is the caller's recording consent decision.
type Consent string

const (
	ConsentUnknown  Consent = "unknown"
	ConsentGranted  Consent = "granted"
	ConsentDeclined Consent = "declined"
)

// CallMode is how a call was routed.
type CallMode string

const (
	ModeBridge CallMode = "bridge"
	ModeLLM    CallMode = "llm"
)

// CallSession is the per-call record, keyed by the carrier call id.
type CallSession struct {
	CallSid          string
	From             string
	To               string
	Status           CallStatus
	Consent          Consent
	AnsweredBy       string
	AMDDetected      bool
	Mode             CallMode
	PickupMode       string
	Handoff          bool
	HandoffReason    string
	FailPath         string
	ReviewFlag       bool
	ReviewReason     string
	ReviewConfidence *float64
	ReviewSentiment  *float64
	StreamSid        string
	Transcript       string
	CapturedFields   map[string]any
	DurationSeconds  int
	TurnCount        int
	AvgSentiment     *float64
	StartedAt        time.Time
	EndedAt          *time.Time
	UpdatedAt        time.Time
}

// CallCompletion is the bookkeeping written when a relayed call ends.
// A handed-off call moves to bridging rather than completed so the resume
// route still connects the caller to a human.
type CallCompletion struct {
	Handoff         bool
	DurationSeconds int
	Transcript      string
	CapturedFields  map[string]any
	TurnCount       int
	AvgSentiment    *float64
	EndedAt         time.Time
}

// TimelineEvent is one append-only entry in a call's history.
type TimelineEvent struct {
	Seq        int64
	EventID    string
	CallSid    string
	Event      string
	OccurredAt time.Time
	Metadata   map[string]any
}

// StreamEvidence records the outcome and timing of a relay handshake.
type StreamEvidence struct {
	CallSid      string
	StartedAt    time.Time
	ConnectedAt  *time.Time
	ElapsedMs    int64
	FellBack     bool
	ErrorMessage string
}

// SafetyLog is an escalation recorded by the safety evaluator.
type SafetyLog struct {
	ID             string
	CallSid        string
	EventType      string
	Reason         string
	Confidence     float64
	SanitizedText  string
	SentimentScore *float64
	CreatedAt      time.Time
}

// RecordingKind distinguishes bridged call recordings from voicemail.
type RecordingKind string

const (
	RecordingCall      RecordingKind = "call"
	RecordingVoicemail RecordingKind = "voicemail"
)

// RecordingEvent is a carrier recording callback, stored once per key.
type RecordingEvent struct {
	IdempotencyKey  string
	CallSid         string
	RecordingSid    string
	Status          string
	Kind            RecordingKind
	URL             string
	DurationSeconds int
	CreatedAt       time.Time
}

// VoiceSetting is a runtime override of the voice policy.
type VoiceSetting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
