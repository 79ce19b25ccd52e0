package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/notify"
	"github.com/flowpbx/frontdesk/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubRelay struct{ s relay.StatsSnapshot }

func (r stubRelay) Stats() relay.StatsSnapshot { return r.s }

type stubDelivery struct{ s notify.Stats }

func (d stubDelivery) Stats() notify.Stats { return d.s }

type stubSessions struct {
	counts map[models.CallStatus]int64
	err    error
}

func (s stubSessions) CountByStatus(context.Context) (map[models.CallStatus]int64, error) {
	return s.counts, s.err
}

type stubPending struct {
	n     int
	since time.Time
}

func (p *stubPending) CountPending(_ context.Context, since time.Time) (int, error) {
	p.since = since
	return p.n, nil
}

func TestCollectorOutput(t *testing.T) {
	pending := &stubPending{n: 3}
	c := NewCollector(CollectorDeps{
		Relay: stubRelay{relay.StatsSnapshot{
			Active: 2, Handshakes: 7, HandshakeTimeouts: 1, Handoffs: 3,
			SilenceTimeouts: 1, ProviderErrors: 1, Escalations: 4,
		}},
		Delivery: stubDelivery{notify.Stats{Delivered: 5, Failed: 1, Dropped: 0}},
		Sessions: stubSessions{counts: map[models.CallStatus]int64{
			models.StatusCompleted: 9, models.StatusStreaming: 2,
		}},
		Pending:   pending,
		Lookback:  30 * time.Second,
		StartTime: time.Now(),
	})

	expected := `
# HELP frontdesk_relay_sessions_active Number of live relay sessions
# TYPE frontdesk_relay_sessions_active gauge
frontdesk_relay_sessions_active 2
# HELP frontdesk_relay_handoffs_total Relay sessions flagged for a human bridge
# TYPE frontdesk_relay_handoffs_total counter
frontdesk_relay_handoffs_total 3
# HELP frontdesk_transcript_deliveries_total Transcript delivery outcomes
# TYPE frontdesk_transcript_deliveries_total counter
frontdesk_transcript_deliveries_total{outcome="delivered"} 5
frontdesk_transcript_deliveries_total{outcome="dropped"} 0
frontdesk_transcript_deliveries_total{outcome="failed"} 1
# HELP frontdesk_call_sessions Stored call sessions by status
# TYPE frontdesk_call_sessions gauge
frontdesk_call_sessions{status="bridging"} 0
frontdesk_call_sessions{status="completed"} 9
frontdesk_call_sessions{status="failed"} 0
frontdesk_call_sessions{status="initiated"} 0
frontdesk_call_sessions{status="streaming"} 2
# HELP frontdesk_relay_handshakes_pending Relay handshakes inside the admission window still waiting for the carrier
# TYPE frontdesk_relay_handshakes_pending gauge
frontdesk_relay_handshakes_pending 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"frontdesk_relay_sessions_active",
		"frontdesk_relay_handoffs_total",
		"frontdesk_transcript_deliveries_total",
		"frontdesk_call_sessions",
		"frontdesk_relay_handshakes_pending",
	)
	if err != nil {
		t.Fatal(err)
	}
	if age := time.Since(pending.since); age < 30*time.Second || age > 40*time.Second {
		t.Errorf("pending lookback = %v, want about 30s", age)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(CollectorDeps{StartTime: time.Now()})
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Fatalf("expected only the uptime metric, got %d", n)
	}
}

func TestCollectorSkipsFailedQueries(t *testing.T) {
	c := NewCollector(CollectorDeps{
		Sessions:  stubSessions{err: errors.New("db down")},
		StartTime: time.Now(),
	})
	if n := testutil.CollectAndCount(c, "frontdesk_call_sessions"); n != 0 {
		t.Fatalf("expected no session metrics on error, got %d", n)
	}
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	d := NewDecisions()
	if err := reg.Register(NewCollector(CollectorDeps{StartTime: time.Now()})); err != nil {
		t.Fatalf("register collector: %v", err)
	}
	if err := reg.Register(d.Collector()); err != nil {
		t.Fatalf("register decisions: %v", err)
	}
}

func TestDecisions(t *testing.T) {
	d := NewDecisions()
	d.RecordDecision("relay")
	d.RecordDecision("relay")
	d.RecordDecision("bridge")

	if got := testutil.ToFloat64(d.counter.WithLabelValues("relay")); got != 2 {
		t.Errorf("relay = %v, want 2", got)
	}
	if got := testutil.ToFloat64(d.counter.WithLabelValues("bridge")); got != 1 {
		t.Errorf("bridge = %v, want 1", got)
	}
}
