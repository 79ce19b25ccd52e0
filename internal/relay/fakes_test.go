package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/safety"
	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory socket. Frames sent on in are returned by
// ReadMessage; writes are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	c.written = append(c.written, string(data))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(s string) { c.in <- []byte(s) }

// writes returns how many recorded writes contain substr.
func (c *fakeConn) writes(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.written {
		if strings.Contains(w, substr) {
			n++
		}
	}
	return n
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type handoffCall struct {
	reason   string
	failPath string
	captured map[string]any
}

// fakeStores implements every store interface the relay writes to.
type fakeStores struct {
	mu         sync.Mutex
	streamSid  string
	handoffs   []handoffCall
	reviews    []string
	completion *models.CallCompletion
	evidence   []models.StreamEvidence
	begun      bool
	timeline   []string
	safetyLogs []models.SafetyLog
}

func (f *fakeStores) stores() Stores {
	return Stores{Sessions: f, Evidence: f, Timeline: f, Safety: f}
}

func (f *fakeStores) SetStreamSid(_ context.Context, _, streamSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamSid = streamSid
	return nil
}

func (f *fakeStores) FlagHandoff(_ context.Context, _, reason, failPath string, captured map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handoffs = append(f.handoffs, handoffCall{reason: reason, failPath: failPath, captured: captured})
	return nil
}

func (f *fakeStores) FlagReview(_ context.Context, _, reason string, _ float64, _ *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, reason)
	return nil
}

func (f *fakeStores) Complete(_ context.Context, _ string, c models.CallCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completion = &c
	return nil
}

func (f *fakeStores) Begin(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = true
	return nil
}

func (f *fakeStores) Upsert(_ context.Context, e *models.StreamEvidence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidence = append(f.evidence, *e)
	return nil
}

func (f *fakeStores) Append(_ context.Context, _, event string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline = append(f.timeline, event)
	return nil
}

func (f *fakeStores) Create(_ context.Context, entry *models.SafetyLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.safetyLogs = append(f.safetyLogs, *entry)
	return nil
}

func (f *fakeStores) hasEvent(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.timeline {
		if e == name {
			return true
		}
	}
	return false
}

func (f *fakeStores) handoffList() []handoffCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]handoffCall(nil), f.handoffs...)
}

func (f *fakeStores) safetyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.safetyLogs)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Enqueue(callSid string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, callSid)
	return true
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeRedirector struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRedirector) Redirect(_ context.Context, callSid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callSid)
	return nil
}

func (r *fakeRedirector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// neutralEvaluator allows everything without scoring sentiment.
var neutralEvaluator = safety.EvaluatorFunc(func(context.Context, string, safety.Context) (safety.Result, error) {
	return safety.Result{Safe: true, Action: safety.ActionAllow}, nil
})

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
