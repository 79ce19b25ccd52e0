package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/notify"
	"github.com/flowpbx/frontdesk/internal/safety"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a relay session.
type State int

const (
	StateConnecting    State = iota // provider socket not open yet
	StateAwaitingStart              // provider open, carrier start not seen
	StateRelaying                   // both sides live
	StateTerminating                // tearing down, no further work
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateRelaying:
		return "relaying"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Handoff reasons and the fail paths recorded with them.
const (
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonSilenceTimeout   = "silence_timeout"
	ReasonProviderError    = "provider_error"

	failPathWatchdog = "watchdog_bridge"
	failPathSilence  = "silence_bridge"
	failPathFailOpen = "fail_open_bridge"
)

type eventKind int

const (
	evCarrier eventKind = iota
	evCarrierClosed
	evProvider
	evProviderClosed
	evProviderReady
	evProviderFailed
	evWatchdog
	evSilenceTick
	evNudgeExpired
	evVerdict
)

type event struct {
	kind    eventKind
	data    []byte
	conn    Conn
	err     error
	verdict verdict
	// ack is closed once the loop has handled the event.
	ack chan struct{}
}

type verdict struct {
	text   string
	result safety.Result
}

// Session relays one call between the carrier media socket and the speech
// provider. All mutable state is owned by the loop goroutine; socket readers,
// timers and safety evaluations only post events to it.
type Session struct {
	callSid    string
	cfg        Config
	opts       CallOptions
	carrier    Conn
	dialer     Dialer
	clock      Clock
	stores     Stores
	evaluator  safety.Evaluator
	notifier   notify.Notifier
	redirector Redirector
	stats      *Stats
	logger     *slog.Logger

	events chan event
	done   chan struct{}

	// Loop-owned state.
	state        State
	provider     Conn
	startedAt    time.Time
	started      bool
	streamSid    string
	lastActivity time.Time
	nudgePending bool
	nudgeAt      time.Time
	handedOff    bool
	transcript   strings.Builder
	captured     map[string]any
	turns        int
	sentiment    []float64
	endReason    string

	watchdog Timer
	silence  Timer
	nudge    Timer
}

// State returns the session state. It is only meaningful once the session
// has finished running.
func (s *Session) State() State { return s.state }

// post delivers ev to the loop and waits until it is handled. It reports
// false when the loop has already exited.
func (s *Session) post(ev event) bool {
	ev.ack = make(chan struct{})
	select {
	case s.events <- ev:
	case <-s.done:
		return false
	}
	select {
	case <-ev.ack:
	case <-s.done:
	}
	return true
}

func (s *Session) timerFunc(kind eventKind) func() {
	return func() { s.post(event{kind: kind}) }
}

// Run relays until either socket closes, the carrier stops the stream, a
// fallback fires or ctx ends. The carrier socket is closed on return.
func (s *Session) Run(ctx context.Context) {
	s.startedAt = s.clock.Now()
	s.lastActivity = s.startedAt
	s.state = StateConnecting

	s.store("beginning stream evidence", func(ctx context.Context) error {
		return s.stores.Evidence.Begin(ctx, s.callSid, s.startedAt)
	})
	s.watchdog = s.clock.AfterFunc(s.cfg.HandshakeTimeout, s.timerFunc(evWatchdog))
	s.silence = s.clock.AfterFunc(s.cfg.SilenceInterval, s.timerFunc(evSilenceTick))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.readCarrier()
		return nil
	})
	g.Go(func() error {
		s.runProvider(gctx)
		return nil
	})

	s.loop(ctx)
	s.teardown()
	close(s.done)
	cancel()
	_ = g.Wait()

	s.logger.Info("relay session ended", "reason", s.endReason, "turns", s.turns, "handoff", s.handedOff)
}

func (s *Session) loop(ctx context.Context) {
	for s.state != StateTerminating {
		select {
		case <-ctx.Done():
			s.terminate("context ended")
		case ev := <-s.events:
			s.handle(ev)
			close(ev.ack)
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evCarrier:
		s.onCarrier(ev.data)
	case evCarrierClosed:
		s.terminate("carrier closed")
	case evProvider:
		s.onProvider(ev.data)
	case evProviderClosed:
		s.terminate("provider closed")
	case evProviderReady:
		s.onProviderReady(ev.conn)
	case evProviderFailed:
		s.onProviderFailed(ev.err)
	case evWatchdog:
		s.onWatchdog()
	case evSilenceTick:
		s.onSilenceTick()
	case evNudgeExpired:
		s.onNudgeExpired()
	case evVerdict:
		s.onVerdict(ev.verdict)
	}
}

func (s *Session) terminate(reason string) {
	if s.state == StateTerminating {
		return
	}
	s.state = StateTerminating
	s.endReason = reason
}

// teardown stops every timer and closes both sockets.
func (s *Session) teardown() {
	for _, t := range []Timer{s.watchdog, s.silence, s.nudge} {
		if t != nil {
			t.Stop()
		}
	}
	s.closeConn(s.carrier)
	if s.provider != nil {
		s.closeConn(s.provider)
	}
}

func (s *Session) closeConn(c Conn) {
	_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()
}

func (s *Session) readCarrier() {
	for {
		_, data, err := s.carrier.ReadMessage()
		if err != nil {
			s.post(event{kind: evCarrierClosed, err: err})
			return
		}
		if !s.post(event{kind: evCarrier, data: data}) {
			return
		}
	}
}

func (s *Session) runProvider(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.post(event{kind: evProviderFailed, err: err})
		return
	}
	if !s.post(event{kind: evProviderReady, conn: conn}) {
		conn.Close() //nolint:errcheck
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.post(event{kind: evProviderClosed, err: err})
			return
		}
		if !s.post(event{kind: evProvider, data: data}) {
			return
		}
	}
}

func (s *Session) write(c Conn, data []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) sendProvider(data []byte) {
	if s.provider == nil {
		return
	}
	if err := s.write(s.provider, data); err != nil {
		s.logger.Warn("writing to speech provider", "error", err)
		s.terminate("provider write failed")
	}
}

func (s *Session) sendCarrier(data []byte) {
	if err := s.write(s.carrier, data); err != nil {
		s.logger.Warn("writing to carrier", "error", err)
		s.terminate("carrier write failed")
	}
}

func (s *Session) touch() {
	s.lastActivity = s.clock.Now()
	if s.nudgePending {
		s.nudgePending = false
		if s.nudge != nil {
			s.nudge.Stop()
		}
	}
}

func (s *Session) onCarrier(data []byte) {
	var f carrierFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Debug("ignoring unparseable carrier frame", "error", err)
		return
	}
	switch f.Event {
	case "start":
		if f.Start != nil {
			s.onStart(f.Start.StreamSid)
		}
	case "media":
		s.touch()
		if f.Media == nil || s.provider == nil {
			return
		}
		msg, err := audioAppendMessage(f.Media.Payload)
		if err != nil {
			s.logger.Error("encoding audio append", "error", err)
			return
		}
		s.sendProvider(msg)
	case "stop":
		s.onStop()
	}
}

func (s *Session) onStart(streamSid string) {
	if s.started {
		return
	}
	s.started = true
	s.streamSid = streamSid
	s.watchdog.Stop()
	if s.provider != nil {
		s.state = StateRelaying
	}

	now := s.clock.Now()
	elapsed := now.Sub(s.startedAt).Milliseconds()
	s.store("recording handshake evidence", func(ctx context.Context) error {
		return s.stores.Evidence.Upsert(ctx, &models.StreamEvidence{
			CallSid:     s.callSid,
			StartedAt:   s.startedAt,
			ConnectedAt: &now,
			ElapsedMs:   elapsed,
		})
	})
	s.store("storing stream id", func(ctx context.Context) error {
		return s.stores.Sessions.SetStreamSid(ctx, s.callSid, streamSid)
	})
	s.appendTimeline("stream_started", map[string]any{"handshake_ms": elapsed})
	s.stats.handshakes.Add(1)
	s.logger.Info("carrier stream started", "handshake_ms", elapsed)
}

func (s *Session) onStop() {
	now := s.clock.Now()
	duration := int(now.Sub(s.startedAt).Seconds())
	avg := safety.Average(s.sentiment)

	fields := make(map[string]any, len(s.captured)+3)
	maps.Copy(fields, s.captured)
	fields["dur_s"] = duration
	fields["turns"] = s.turns
	if avg != nil {
		fields["sent"] = *avg
	}

	s.store("completing call session", func(ctx context.Context) error {
		return s.stores.Sessions.Complete(ctx, s.callSid, models.CallCompletion{
			Handoff:         s.handedOff,
			DurationSeconds: duration,
			Transcript:      s.transcript.String(),
			CapturedFields:  fields,
			TurnCount:       s.turns,
			AvgSentiment:    avg,
			EndedAt:         now,
		})
	})
	s.appendTimeline("stream_completed", map[string]any{
		"duration_seconds": duration,
		"turns":            s.turns,
		"handoff":          s.handedOff,
	})
	if !s.notifier.Enqueue(s.callSid) {
		s.logger.Debug("transcript delivery not queued")
	}
	s.terminate("carrier stop")
}

func (s *Session) onProviderReady(conn Conn) {
	s.provider = conn
	if s.started {
		s.state = StateRelaying
	} else {
		s.state = StateAwaitingStart
	}
	msg, err := sessionUpdateMessage(s.cfg.Instructions, s.opts.Voice)
	if err != nil {
		s.logger.Error("encoding session update", "error", err)
		return
	}
	s.sendProvider(msg)
}

func (s *Session) onProviderFailed(err error) {
	s.logger.Error("speech provider unavailable", "error", err)
	s.stats.providerErrors.Add(1)
	if s.opts.FailOpen {
		s.handoff(ReasonProviderError, failPathFailOpen, nil)
	}
	s.appendTimeline("provider_error", map[string]any{"stage": "dial"})
	s.terminate("provider dial failed")
}

func (s *Session) onProvider(data []byte) {
	s.touch()
	var m providerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Debug("ignoring unparseable provider message", "error", err)
		return
	}
	switch m.Type {
	case "response.audio.delta":
		if s.streamSid == "" {
			return
		}
		frame, err := carrierMediaFrame(s.streamSid, m.Delta)
		if err != nil {
			s.logger.Error("encoding carrier media", "error", err)
			return
		}
		s.sendCarrier(frame)
	case "response.audio_transcript.delta":
		s.transcript.WriteString(m.Delta)
	case "response.done":
		s.turns++
		if m.Response != nil {
			if fields := parseCapturedFields(m.Response.Output); fields != nil {
				if s.captured == nil {
					s.captured = make(map[string]any, len(fields))
				}
				maps.Copy(s.captured, fields)
			}
		}
	case "conversation.item.input_audio_buffer.committed",
		"conversation.item.input_audio_transcription.completed":
		if text := m.userTranscript(); text != "" {
			s.evaluate(text)
		}
	case "error":
		s.onProviderError(m)
	}
}

func (s *Session) onProviderError(m providerMessage) {
	msg := ""
	if m.Error != nil {
		msg = m.Error.Message
	}
	s.logger.Error("speech provider error", "message", msg)
	s.stats.providerErrors.Add(1)
	if !s.opts.FailOpen {
		return
	}
	if s.streamSid != "" {
		if frame, err := carrierClearFrame(s.streamSid); err == nil {
			s.sendCarrier(frame)
		}
	}
	if s.handoff(ReasonProviderError, failPathFailOpen, nil) {
		s.appendTimeline("provider_error", map[string]any{"stage": "stream", "message": msg})
		s.redirect()
	}
}

func (s *Session) onWatchdog() {
	if s.started || s.state == StateTerminating {
		return
	}
	now := s.clock.Now()
	elapsed := now.Sub(s.startedAt).Milliseconds()
	s.logger.Warn("carrier stream handshake timed out", "elapsed_ms", elapsed)
	s.stats.handshakeTimeouts.Add(1)

	s.store("recording handshake fallback", func(ctx context.Context) error {
		return s.stores.Evidence.Upsert(ctx, &models.StreamEvidence{
			CallSid:      s.callSid,
			StartedAt:    s.startedAt,
			ElapsedMs:    elapsed,
			FellBack:     true,
			ErrorMessage: "handshake timeout",
		})
	})
	s.handoff(ReasonHandshakeTimeout, failPathWatchdog, map[string]any{
		"stream_fallback": true,
		"handshake_ms":    elapsed,
	})
	s.appendTimeline("handshake_timeout", map[string]any{"elapsed_ms": elapsed})
	s.terminate("handshake timeout")
}

func (s *Session) onSilenceTick() {
	if s.state == StateTerminating {
		return
	}
	s.silence = s.clock.AfterFunc(s.cfg.SilenceInterval, s.timerFunc(evSilenceTick))

	if s.nudgePending || s.handedOff || s.provider == nil {
		return
	}
	now := s.clock.Now()
	if now.Sub(s.lastActivity) < s.cfg.SilenceThreshold {
		return
	}
	msgs, err := nudgeMessages()
	if err != nil {
		s.logger.Error("encoding nudge", "error", err)
		return
	}
	for _, m := range msgs {
		s.sendProvider(m)
	}
	s.nudgePending = true
	s.nudgeAt = now
	s.nudge = s.clock.AfterFunc(s.cfg.NudgeWindow, s.timerFunc(evNudgeExpired))
	s.logger.Info("caller silent, nudging", "idle_ms", now.Sub(s.lastActivity).Milliseconds())
}

func (s *Session) onNudgeExpired() {
	if !s.nudgePending || s.state == StateTerminating {
		return
	}
	s.nudgePending = false
	if s.lastActivity.After(s.nudgeAt) {
		return
	}
	if s.handoff(ReasonSilenceTimeout, failPathSilence, nil) {
		s.stats.silenceTimeouts.Add(1)
		s.appendTimeline("silence_timeout", nil)
		s.redirect()
	}
}

// handoff flags the session for a human bridge. Only the first reason is
// recorded; it reports whether this call set the flag.
func (s *Session) handoff(reason, failPath string, captured map[string]any) bool {
	if s.handedOff {
		return false
	}
	s.handedOff = true
	s.stats.handoffs.Add(1)
	s.logger.Info("call flagged for handoff", "reason", reason, "fail_path", failPath)
	s.store("flagging handoff", func(ctx context.Context) error {
		return s.stores.Sessions.FlagHandoff(ctx, s.callSid, reason, failPath, captured)
	})
	return true
}

// redirect asks the carrier to move the live call to the handoff route. It
// runs off the loop since the carrier API call may be slow.
func (s *Session) redirect() {
	if s.redirector == nil {
		return
	}
	callSid := s.callSid
	timeout := s.cfg.StoreTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.redirector.Redirect(ctx, callSid); err != nil {
			s.logger.Error("redirecting call to handoff", "error", err)
		}
	}()
}

// evaluate runs the safety evaluator in its own goroutine and posts the
// verdict back to the loop.
func (s *Session) evaluate(text string) {
	c := safety.Context{
		DurationSeconds:  int(s.clock.Now().Sub(s.startedAt).Seconds()),
		TurnCount:        s.turns,
		SentimentHistory: append([]float64(nil), s.sentiment...),
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("safety evaluator panicked", "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		res, err := s.evaluator.Evaluate(ctx, text, c)
		if err != nil {
			s.logger.Warn("safety evaluation failed", "error", err)
			return
		}
		s.post(event{kind: evVerdict, verdict: verdict{text: text, result: res}})
	}()
}

func (s *Session) onVerdict(v verdict) {
	res := v.result
	if res.Sentiment != nil {
		s.sentiment = safety.AppendSentiment(s.sentiment, *res.Sentiment)
	}
	if res.Action != safety.ActionEscalate {
		return
	}
	confidence := res.Confidence
	if confidence == 0 {
		confidence = safety.DefaultConfidence
	}
	s.stats.escalations.Add(1)
	s.logger.Warn("safety escalation", "reason", res.Reason, "confidence", confidence)

	s.store("recording safety escalation", func(ctx context.Context) error {
		return s.stores.Safety.Create(ctx, &models.SafetyLog{
			CallSid:        s.callSid,
			EventType:      "safety_escalation",
			Reason:         res.Reason,
			Confidence:     confidence,
			SanitizedText:  safety.Sanitize(v.text),
			SentimentScore: res.Sentiment,
		})
	})
	s.store("flagging review", func(ctx context.Context) error {
		return s.stores.Sessions.FlagReview(ctx, s.callSid, res.Reason, confidence, res.Sentiment)
	})
	s.appendTimeline("safety_escalation", map[string]any{"reason": res.Reason, "confidence": confidence})
}

// SentimentHistory returns a copy of the bounded sentiment history. Like
// State it is only meaningful once Run has returned.
func (s *Session) SentimentHistory() []float64 {
	return append([]float64(nil), s.sentiment...)
}

func (s *Session) appendTimeline(name string, metadata map[string]any) {
	s.store(fmt.Sprintf("appending %s", name), func(ctx context.Context) error {
		return s.stores.Timeline.Append(ctx, s.callSid, name, metadata)
	})
}

// store runs one best-effort write with its own timeout.
func (s *Session) store(what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Error(what, "error", err)
	}
}
