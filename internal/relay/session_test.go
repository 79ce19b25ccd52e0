package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/frontdesk/internal/safety"
)

const testCallSid = "CA00000000000000000000000000000001"

type harness struct {
	t          *testing.T
	clock      *ManualClock
	carrier    *fakeConn
	provider   *fakeConn
	stores     *fakeStores
	notifier   *fakeNotifier
	redirector *fakeRedirector
	manager    *Manager
	session    *Session
	done       chan struct{}
}

type harnessOption func(*CallOptions, *ManagerDeps)

func withFailOpen(v bool) harnessOption {
	return func(o *CallOptions, _ *ManagerDeps) { o.FailOpen = v }
}

func withEvaluator(e safety.Evaluator) harnessOption {
	return func(_ *CallOptions, d *ManagerDeps) { d.Evaluator = e }
}

func withDialError(err error) harnessOption {
	return func(_ *CallOptions, d *ManagerDeps) { d.Dialer = &fakeDialer{err: err} }
}

// newHarness starts a session on a manual clock and waits until its timers
// are armed.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		clock:      NewManualClock(time.Time{}),
		carrier:    newFakeConn(),
		provider:   newFakeConn(),
		stores:     &fakeStores{},
		notifier:   &fakeNotifier{},
		redirector: &fakeRedirector{},
		done:       make(chan struct{}),
	}
	callOpts := CallOptions{FailOpen: true, Voice: "alloy"}
	deps := ManagerDeps{
		Stores:     h.stores.stores(),
		Dialer:     &fakeDialer{conn: h.provider},
		Evaluator:  neutralEvaluator,
		Notifier:   h.notifier,
		Redirector: h.redirector,
		Clock:      h.clock,
		Logger:     discardLogger(),
	}
	for _, o := range opts {
		o(&callOpts, &deps)
	}
	deps.Options = func(context.Context) CallOptions { return callOpts }
	h.manager = NewManager(DefaultConfig(), deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.session = h.manager.newSession(ctx, testCallSid, h.carrier)
	go func() {
		h.session.Run(ctx)
		close(h.done)
	}()
	waitFor(t, "timers armed", func() bool {
		select {
		case <-h.done:
			return true
		default:
			return h.clock.Pending() >= 2
		}
	})
	return h
}

func (h *harness) waitProvider() {
	h.t.Helper()
	waitFor(h.t, "session update", func() bool { return h.provider.writes(`"session.update"`) == 1 })
}

func (h *harness) startStream() {
	h.t.Helper()
	h.carrier.send(`{"event":"start","start":{"streamSid":"MZ1","callSid":"` + testCallSid + `"}}`)
	waitFor(h.t, "stream start", func() bool { return h.stores.hasEvent("stream_started") })
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not end")
	}
}

// finish hangs up the carrier side and waits for the session to end.
func (h *harness) finish() {
	h.t.Helper()
	h.carrier.Close()
	h.wait()
}

func TestWatchdogFiresAtHandshakeTimeout(t *testing.T) {
	h := newHarness(t)

	h.clock.Advance(2999 * time.Millisecond)
	if got := h.stores.handoffList(); len(got) != 0 {
		t.Fatalf("handoff before timeout: %+v", got)
	}

	h.clock.Advance(time.Millisecond)
	h.wait()

	handoffs := h.stores.handoffList()
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(handoffs))
	}
	if handoffs[0].reason != ReasonHandshakeTimeout || handoffs[0].failPath != "watchdog_bridge" {
		t.Errorf("handoff = %+v", handoffs[0])
	}
	if handoffs[0].captured["stream_fallback"] != true {
		t.Errorf("captured = %v, want stream_fallback", handoffs[0].captured)
	}
	if !h.stores.hasEvent("handshake_timeout") {
		t.Error("expected handshake_timeout timeline event")
	}
	ev := h.stores.evidence[len(h.stores.evidence)-1]
	if !ev.FellBack || ev.ElapsedMs != 3000 || ev.ConnectedAt != nil {
		t.Errorf("evidence = %+v", ev)
	}
	if !h.carrier.isClosed() {
		t.Error("carrier socket left open")
	}
	if h.redirector.count() != 0 {
		t.Error("watchdog must not request a live redirect")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers after teardown = %d", n)
	}
	if s := h.manager.Stats(); s.HandshakeTimeouts != 1 || s.Handoffs != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestStartCancelsWatchdog(t *testing.T) {
	h := newHarness(t)
	h.startStream()

	h.clock.Advance(5 * time.Second)
	if got := h.stores.handoffList(); len(got) != 0 {
		t.Fatalf("unexpected handoff: %+v", got)
	}
	if h.stores.streamSid != "MZ1" {
		t.Errorf("stream sid = %q", h.stores.streamSid)
	}
	ev := h.stores.evidence[0]
	if ev.FellBack || ev.ConnectedAt == nil {
		t.Errorf("evidence = %+v", ev)
	}
	if !h.stores.begun {
		t.Error("evidence row not started")
	}

	h.finish()
	if h.session.State() != StateTerminating {
		t.Errorf("state = %v", h.session.State())
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers after teardown = %d", n)
	}
}

func TestStartJustBeforeWatchdog(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(2999 * time.Millisecond)
	h.startStream()

	h.clock.Advance(2 * time.Second)
	if got := h.stores.handoffList(); len(got) != 0 {
		t.Fatalf("watchdog fired after start: %+v", got)
	}
	if h.stores.hasEvent("handshake_timeout") {
		t.Error("unexpected handshake_timeout timeline event")
	}
	h.finish()

	ev := h.stores.evidence[0]
	if ev.FellBack || ev.ElapsedMs != 2999 || ev.ConnectedAt == nil {
		t.Errorf("evidence = %+v, want connected at 2999 ms without fallback", ev)
	}
	if s := h.manager.Stats(); s.HandshakeTimeouts != 0 || s.Handshakes != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSilenceNudgeThenHandoff(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.clock.Advance(5999 * time.Millisecond)
	if n := h.provider.writes(nudgeText); n != 0 {
		t.Fatalf("nudged after %d ms idle", 5999)
	}
	h.clock.Advance(time.Millisecond)
	if n := h.provider.writes(nudgeText); n != 1 {
		t.Fatalf("nudges = %d, want 1", n)
	}
	if n := h.provider.writes(`"response.create"`); n != 1 {
		t.Errorf("response.create = %d, want 1", n)
	}

	h.clock.Advance(2999 * time.Millisecond)
	if got := h.stores.handoffList(); len(got) != 0 {
		t.Fatalf("handoff inside nudge window: %+v", got)
	}
	h.clock.Advance(time.Millisecond)

	handoffs := h.stores.handoffList()
	if len(handoffs) != 1 || handoffs[0].reason != ReasonSilenceTimeout || handoffs[0].failPath != "silence_bridge" {
		t.Fatalf("handoffs = %+v", handoffs)
	}
	if !h.stores.hasEvent("silence_timeout") {
		t.Error("expected silence_timeout timeline event")
	}
	waitFor(t, "redirect", func() bool { return h.redirector.count() == 1 })

	// No further nudges once the call is handed off.
	h.clock.Advance(20 * time.Second)
	if n := h.provider.writes(nudgeText); n != 1 {
		t.Errorf("nudges after handoff = %d, want 1", n)
	}

	h.finish()
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers after teardown = %d", n)
	}
	if s := h.manager.Stats(); s.SilenceTimeouts != 1 {
		t.Errorf("silence timeouts = %d", s.SilenceTimeouts)
	}
}

func TestActivityDuringNudgeWindowRearms(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.clock.Advance(6 * time.Second)
	if n := h.provider.writes(nudgeText); n != 1 {
		t.Fatalf("nudges = %d, want 1", n)
	}

	h.provider.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })

	h.clock.Advance(3 * time.Second)
	if got := h.stores.handoffList(); len(got) != 0 {
		t.Fatalf("handoff despite activity: %+v", got)
	}

	// Idle since 6s; the tick at 12s is the first to see 6s of silence.
	h.clock.Advance(2999 * time.Millisecond)
	if n := h.provider.writes(nudgeText); n != 1 {
		t.Fatalf("nudges = %d, want 1", n)
	}
	h.clock.Advance(time.Millisecond)
	if n := h.provider.writes(nudgeText); n != 2 {
		t.Fatalf("nudges = %d, want 2", n)
	}
	h.clock.Advance(3 * time.Second)
	if got := h.stores.handoffList(); len(got) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(got))
	}

	h.finish()
}

func TestCarrierMediaCountsAsActivity(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.clock.Advance(4 * time.Second)
	h.carrier.send(`{"event":"media","media":{"payload":"dGVzdA=="}}`)
	waitFor(t, "audio to provider", func() bool { return h.provider.writes(`"input_audio_buffer.append"`) == 1 })
	if h.provider.writes(`"audio":"dGVzdA=="`) != 1 {
		t.Error("payload not forwarded unchanged")
	}

	h.clock.Advance(4 * time.Second)
	if n := h.provider.writes(nudgeText); n != 0 {
		t.Errorf("nudged %d times despite caller audio", n)
	}
	h.finish()
}

func TestProviderErrorFailOpen(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.provider.send(`{"type":"error","error":{"type":"server_error","message":"boom"}}`)
	waitFor(t, "provider_error event", func() bool { return h.stores.hasEvent("provider_error") })

	if n := h.carrier.writes(`"event":"clear"`); n != 1 {
		t.Errorf("clear frames = %d, want 1", n)
	}
	handoffs := h.stores.handoffList()
	if len(handoffs) != 1 || handoffs[0].reason != ReasonProviderError || handoffs[0].failPath != "fail_open_bridge" {
		t.Fatalf("handoffs = %+v", handoffs)
	}
	waitFor(t, "redirect", func() bool { return h.redirector.count() == 1 })

	// A second error does not flag again.
	h.provider.send(`{"type":"error","error":{"message":"again"}}`)
	h.provider.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })
	if got := h.stores.handoffList(); len(got) != 1 {
		t.Errorf("handoffs = %d, want 1", len(got))
	}
	h.finish()
	if s := h.manager.Stats(); s.ProviderErrors != 2 {
		t.Errorf("provider errors = %d, want 2", s.ProviderErrors)
	}
}

func TestProviderErrorFailClosed(t *testing.T) {
	h := newHarness(t, withFailOpen(false))
	h.waitProvider()
	h.startStream()

	h.provider.send(`{"type":"error","error":{"message":"boom"}}`)
	h.provider.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })

	if got := h.stores.handoffList(); len(got) != 0 {
		t.Errorf("handoffs = %+v, want none", got)
	}
	if n := h.carrier.writes(`"event":"clear"`); n != 0 {
		t.Errorf("clear frames = %d, want 0", n)
	}
	h.finish()
}

func TestProviderDialFailure(t *testing.T) {
	for _, failOpen := range []bool{true, false} {
		t.Run(fmt.Sprintf("fail_open=%v", failOpen), func(t *testing.T) {
			h := newHarness(t, withDialError(errors.New("refused")), withFailOpen(failOpen))
			h.wait()

			want := 0
			if failOpen {
				want = 1
			}
			if got := h.stores.handoffList(); len(got) != want {
				t.Fatalf("handoffs = %d, want %d", len(got), want)
			}
			if !h.stores.hasEvent("provider_error") {
				t.Error("expected provider_error timeline event")
			}
			if !h.carrier.isClosed() {
				t.Error("carrier socket left open")
			}
		})
	}
}

func TestStopCompletesCall(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.provider.send(`{"type":"response.audio_transcript.delta","delta":"Hello "}`)
	h.provider.send(`{"type":"response.audio_transcript.delta","delta":"there"}`)
	h.provider.send(`{"type":"response.done","response":{"output":"{\"name\":\"Ann\"}"}}`)
	h.provider.send(`{"type":"response.done","response":{"output":{"reason":"booking"}}}`)
	h.provider.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })

	h.clock.Advance(1500 * time.Millisecond)
	h.carrier.send(`{"event":"stop"}`)
	h.wait()

	c := h.stores.completion
	if c == nil {
		t.Fatal("call not completed")
	}
	if c.Handoff {
		t.Error("completion flagged as handoff")
	}
	if c.Transcript != "Hello there" {
		t.Errorf("transcript = %q", c.Transcript)
	}
	if c.TurnCount != 2 {
		t.Errorf("turns = %d, want 2", c.TurnCount)
	}
	if c.DurationSeconds != 1 {
		t.Errorf("duration = %d, want 1", c.DurationSeconds)
	}
	if c.CapturedFields["name"] != "Ann" || c.CapturedFields["reason"] != "booking" {
		t.Errorf("captured = %v", c.CapturedFields)
	}
	if c.CapturedFields["turns"] != 2 || c.CapturedFields["dur_s"] != 1 {
		t.Errorf("bookkeeping fields = %v", c.CapturedFields)
	}
	if _, ok := c.CapturedFields["sent"]; ok || c.AvgSentiment != nil {
		t.Error("sentiment recorded without any scores")
	}
	if h.notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", h.notifier.count())
	}
	if !h.stores.hasEvent("stream_completed") {
		t.Error("expected stream_completed timeline event")
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("pending timers after teardown = %d", n)
	}
}

func TestStopAfterHandoffKeepsCallBridgeable(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()
	h.startStream()

	h.clock.Advance(9 * time.Second)
	if got := h.stores.handoffList(); len(got) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(got))
	}
	waitFor(t, "redirect", func() bool { return h.redirector.count() == 1 })

	// Leaving the stream for the handoff route makes the carrier send stop.
	h.carrier.send(`{"event":"stop"}`)
	h.wait()

	c := h.stores.completion
	if c == nil {
		t.Fatal("call bookkeeping not written")
	}
	if !c.Handoff {
		t.Error("completion after handoff must not close the call")
	}
	if h.notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", h.notifier.count())
	}
}

func TestAudioBeforeStartIsDropped(t *testing.T) {
	h := newHarness(t)
	h.waitProvider()

	h.provider.send(`{"type":"response.audio.delta","delta":"early"}`)
	h.startStream()
	h.provider.send(`{"type":"response.audio.delta","delta":"late"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })
	if h.carrier.writes("early") != 0 {
		t.Error("audio forwarded before the stream started")
	}
	h.finish()
}

func TestSafetyEscalationAndSentimentBound(t *testing.T) {
	score := -0.2
	eval := safety.EvaluatorFunc(func(_ context.Context, text string, _ safety.Context) (safety.Result, error) {
		return safety.Result{Action: safety.ActionEscalate, Reason: "keyword", Sentiment: &score}, nil
	})
	h := newHarness(t, withEvaluator(eval))
	h.waitProvider()
	h.startStream()

	const turns = 12
	for i := range turns {
		h.provider.send(fmt.Sprintf(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"turn %d"}`, i))
	}
	waitFor(t, "escalations", func() bool { return h.stores.safetyCount() == turns })
	h.finish()

	if got := len(h.session.SentimentHistory()); got != safety.MaxSentimentHistory {
		t.Errorf("sentiment history = %d, want %d", got, safety.MaxSentimentHistory)
	}
	entry := h.stores.safetyLogs[0]
	if entry.Confidence != safety.DefaultConfidence {
		t.Errorf("confidence = %v, want default", entry.Confidence)
	}
	if !strings.HasPrefix(entry.SanitizedText, "turn ") {
		t.Errorf("sanitized text = %q", entry.SanitizedText)
	}
	if len(h.stores.reviews) != turns {
		t.Errorf("reviews = %d, want %d", len(h.stores.reviews), turns)
	}
	if s := h.manager.Stats(); s.Escalations != turns {
		t.Errorf("escalations = %d", s.Escalations)
	}
}

func TestCommittedTranscriptIsEvaluated(t *testing.T) {
	var seen []string
	eval := safety.EvaluatorFunc(func(_ context.Context, text string, _ safety.Context) (safety.Result, error) {
		seen = append(seen, text)
		return safety.Result{Action: safety.ActionEscalate, Reason: "legal threat", Confidence: 0.9}, nil
	})
	h := newHarness(t, withEvaluator(eval))
	h.waitProvider()
	h.startStream()

	h.provider.send(`{"type":"conversation.item.input_audio_buffer.committed","item":{"transcript":"I am filing a lawsuit"}}`)
	waitFor(t, "escalation", func() bool { return h.stores.safetyCount() == 1 })
	h.finish()

	entry := h.stores.safetyLogs[0]
	if entry.EventType != "safety_escalation" {
		t.Errorf("event type = %q", entry.EventType)
	}
	if entry.Confidence != 0.9 || entry.Reason != "legal threat" {
		t.Errorf("entry = %+v", entry)
	}
	if len(seen) != 1 || seen[0] != "I am filing a lawsuit" {
		t.Errorf("evaluated = %q", seen)
	}
}

func TestEvaluatorPanicDoesNotEndCall(t *testing.T) {
	eval := safety.EvaluatorFunc(func(context.Context, string, safety.Context) (safety.Result, error) {
		panic("bad evaluator")
	})
	h := newHarness(t, withEvaluator(eval))
	h.waitProvider()
	h.startStream()

	h.provider.send(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`)
	h.provider.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "audio to carrier", func() bool { return h.carrier.writes(`"event":"media"`) == 1 })
	h.finish()
	if h.stores.safetyCount() != 0 {
		t.Error("unexpected safety log")
	}
}

func TestManagerRejectsDuplicateCall(t *testing.T) {
	provider := newFakeConn()
	m := NewManager(DefaultConfig(), ManagerDeps{
		Stores: (&fakeStores{}).stores(),
		Dialer: &fakeDialer{conn: provider},
		Clock:  NewManualClock(time.Time{}),
		Logger: discardLogger(),
	})

	first := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- m.Serve(context.Background(), testCallSid, first) }()
	waitFor(t, "session registered", func() bool { return m.ActiveCount() == 1 })

	second := newFakeConn()
	if err := m.Serve(context.Background(), testCallSid, second); err == nil {
		t.Fatal("expected duplicate session to be refused")
	}
	if !second.isClosed() {
		t.Error("refused socket left open")
	}

	m.CloseAll()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll did not end the session")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("active = %d after close", m.ActiveCount())
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnecting:    "connecting",
		StateAwaitingStart: "awaiting_start",
		StateRelaying:      "relaying",
		StateTerminating:   "terminating",
		State(42):          "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
