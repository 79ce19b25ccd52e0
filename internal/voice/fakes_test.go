package voice

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/frontdesk/internal/database"
	"github.com/flowpbx/frontdesk/internal/database/models"
)

type fakeSessions struct {
	mu   sync.Mutex
	rows map[string]*models.CallSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{rows: make(map[string]*models.CallSession)}
}

func (f *fakeSessions) Create(_ context.Context, s *models.CallSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[s.CallSid]; ok {
		return false, nil
	}
	cp := *s
	f.rows[s.CallSid] = &cp
	return true, nil
}

func (f *fakeSessions) Get(_ context.Context, callSid string) (*models.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[callSid]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// mutate applies fn to a non-terminal row.
func (f *fakeSessions) mutate(callSid string, fn func(s *models.CallSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[callSid]; ok && !s.Status.Terminal() {
		fn(s)
	}
}

func (f *fakeSessions) SetConsent(_ context.Context, callSid string, c models.Consent) error {
	f.mutate(callSid, func(s *models.CallSession) { s.Consent = c })
	return nil
}

func (f *fakeSessions) SetMode(_ context.Context, callSid string, mode models.CallMode, pickup string, status models.CallStatus) error {
	f.mutate(callSid, func(s *models.CallSession) {
		s.Mode, s.PickupMode = mode, pickup
		if s.Status.CanTransition(status) {
			s.Status = status
		}
	})
	return nil
}

func (f *fakeSessions) UpdateStatus(_ context.Context, callSid string, status models.CallStatus) error {
	f.mutate(callSid, func(s *models.CallSession) {
		if s.Status.CanTransition(status) {
			s.Status = status
		}
	})
	return nil
}

func (f *fakeSessions) SetStreamSid(_ context.Context, callSid, streamSid string) error {
	f.mutate(callSid, func(s *models.CallSession) { s.StreamSid = streamSid })
	return nil
}

func (f *fakeSessions) FlagHandoff(_ context.Context, callSid, reason, failPath string, _ map[string]any) error {
	f.mutate(callSid, func(s *models.CallSession) {
		s.Handoff, s.HandoffReason, s.FailPath = true, reason, failPath
	})
	return nil
}

func (f *fakeSessions) FlagReview(_ context.Context, callSid, reason string, confidence float64, _ *float64) error {
	f.mutate(callSid, func(s *models.CallSession) {
		s.ReviewFlag, s.ReviewReason, s.ReviewConfidence = true, reason, &confidence
	})
	return nil
}

func (f *fakeSessions) Complete(_ context.Context, callSid string, c models.CallCompletion) error {
	f.mutate(callSid, func(s *models.CallSession) {
		s.Status = models.StatusCompleted
		if c.Handoff {
			s.Status = models.StatusBridging
		}
	})
	return nil
}

func (f *fakeSessions) ListRecent(context.Context, int) ([]models.CallSession, error) {
	return nil, nil
}

func (f *fakeSessions) CountByStatus(context.Context) (map[models.CallStatus]int64, error) {
	return nil, nil
}

func (f *fakeSessions) CountStartedSince(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeTimeline struct {
	mu     sync.Mutex
	events []models.TimelineEvent
}

func (f *fakeTimeline) Append(_ context.Context, callSid, event string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, models.TimelineEvent{
		Seq:      int64(len(f.events) + 1),
		CallSid:  callSid,
		Event:    event,
		Metadata: metadata,
	})
	return nil
}

func (f *fakeTimeline) ListByCall(_ context.Context, callSid string) ([]models.TimelineEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TimelineEvent
	for _, e := range f.events {
		if e.CallSid == callSid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeTimeline) names(callSid string) []string {
	events, _ := f.ListByCall(context.Background(), callSid)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Event)
	}
	return out
}

func (f *fakeTimeline) count(callSid, event string) int {
	n := 0
	for _, name := range f.names(callSid) {
		if name == event {
			n++
		}
	}
	return n
}

type fakeRecordings struct {
	mu     sync.Mutex
	events map[string]models.RecordingEvent
}

func (f *fakeRecordings) Create(_ context.Context, rec *models.RecordingEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string]models.RecordingEvent)
	}
	key := database.RecordingKey(rec.CallSid, rec.RecordingSid, rec.Status)
	if _, ok := f.events[key]; ok {
		return false, nil
	}
	f.events[key] = *rec
	return true, nil
}

func (f *fakeRecordings) ListByCall(_ context.Context, callSid string) ([]models.RecordingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RecordingEvent
	for _, e := range f.events {
		if e.CallSid == callSid {
			out = append(out, e)
		}
	}
	return out, nil
}

type staticPolicy struct {
	p     Policy
	panic bool
}

func (s *staticPolicy) Load(context.Context) Policy {
	if s.panic {
		panic("policy store exploded")
	}
	return s.p
}

type fakeAdmission struct {
	capacity bool
	calls    int
}

func (f *fakeAdmission) HasCapacity(context.Context, int, time.Duration) bool {
	f.calls++
	return f.capacity
}

type fakeTokens struct{}

func (fakeTokens) Issue(callSid string) (string, time.Time, error) {
	return "tok-" + callSid, time.Now().Add(time.Minute), nil
}

type fakeLimiter struct{ allow bool }

func (f fakeLimiter) Allow(string) bool { return f.allow }

type fakeCounter struct {
	n     int
	err   error
	since time.Time
}

func (f *fakeCounter) CountPending(_ context.Context, since time.Time) (int, error) {
	f.since = since
	return f.n, f.err
}

type fakeSettings struct {
	rows []models.VoiceSetting
	err  error
}

func (f *fakeSettings) Get(context.Context, string) (string, error) { return "", errors.New("unused") }
func (f *fakeSettings) Set(context.Context, string, string) error   { return errors.New("unused") }
func (f *fakeSettings) GetAll(context.Context) ([]models.VoiceSetting, error) {
	return f.rows, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// node is a generic TwiML element.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []node     `xml:",any"`
}

func (n node) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func (n node) verbs() string {
	names := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		names = append(names, c.XMLName.Local)
	}
	return strings.Join(names, ",")
}

// find returns the first element named name in a depth-first walk.
func (n node) find(name string) (node, bool) {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c, true
		}
		if found, ok := c.find(name); ok {
			return found, true
		}
	}
	return node{}, false
}

func parseTwiML(t *testing.T, body string) node {
	t.Helper()
	var root node
	if err := xml.Unmarshal([]byte(body), &root); err != nil {
		t.Fatalf("parsing TwiML %q: %v", body, err)
	}
	if root.XMLName.Local != "Response" {
		t.Fatalf("root element = %q, want Response", root.XMLName.Local)
	}
	return root
}
