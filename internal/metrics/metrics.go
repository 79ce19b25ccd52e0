package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/frontdesk/internal/database/models"
	"github.com/flowpbx/frontdesk/internal/notify"
	"github.com/flowpbx/frontdesk/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
)

// RelayStatsProvider exposes relay session counters.
type RelayStatsProvider interface {
	Stats() relay.StatsSnapshot
}

// DeliveryStatsProvider exposes transcript delivery counters.
type DeliveryStatsProvider interface {
	Stats() notify.Stats
}

// SessionCounter returns call session counts grouped by status.
type SessionCounter interface {
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
}

// PendingHandshakeCounter counts relay handshakes still waiting for the
// carrier start frame.
type PendingHandshakeCounter interface {
	CountPending(ctx context.Context, since time.Time) (int, error)
}

var sessionStatuses = []models.CallStatus{
	models.StatusInitiated,
	models.StatusStreaming,
	models.StatusBridging,
	models.StatusCompleted,
	models.StatusFailed,
}

// Collector is a prometheus.Collector that gathers frontdesk metrics at
// scrape time.
type Collector struct {
	relay     RelayStatsProvider
	delivery  DeliveryStatsProvider
	sessions  SessionCounter
	pending   PendingHandshakeCounter
	lookback  time.Duration
	startTime time.Time
	logger    *slog.Logger

	relayActiveDesc       *prometheus.Desc
	handshakesDesc        *prometheus.Desc
	handshakeTimeoutsDesc *prometheus.Desc
	handoffsDesc          *prometheus.Desc
	silenceTimeoutsDesc   *prometheus.Desc
	providerErrorsDesc    *prometheus.Desc
	escalationsDesc       *prometheus.Desc
	deliveriesDesc        *prometheus.Desc
	sessionsDesc          *prometheus.Desc
	pendingDesc           *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// CollectorDeps are the collector's sources. Any of them may be nil.
type CollectorDeps struct {
	Relay    RelayStatsProvider
	Delivery DeliveryStatsProvider
	Sessions SessionCounter
	Pending  PendingHandshakeCounter
	// Lookback is the admission window used for the pending handshake gauge.
	Lookback  time.Duration
	StartTime time.Time
	Logger    *slog.Logger
}

// NewCollector creates a metrics collector.
func NewCollector(deps CollectorDeps) *Collector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		relay:     deps.Relay,
		delivery:  deps.Delivery,
		sessions:  deps.Sessions,
		pending:   deps.Pending,
		lookback:  deps.Lookback,
		startTime: deps.StartTime,
		logger:    logger,

		relayActiveDesc: prometheus.NewDesc(
			"frontdesk_relay_sessions_active",
			"Number of live relay sessions",
			nil, nil,
		),
		handshakesDesc: prometheus.NewDesc(
			"frontdesk_relay_handshakes_total",
			"Carrier stream handshakes completed",
			nil, nil,
		),
		handshakeTimeoutsDesc: prometheus.NewDesc(
			"frontdesk_relay_handshake_timeouts_total",
			"Relay sessions abandoned by the handshake watchdog",
			nil, nil,
		),
		handoffsDesc: prometheus.NewDesc(
			"frontdesk_relay_handoffs_total",
			"Relay sessions flagged for a human bridge",
			nil, nil,
		),
		silenceTimeoutsDesc: prometheus.NewDesc(
			"frontdesk_relay_silence_timeouts_total",
			"Handoffs caused by an unanswered silence nudge",
			nil, nil,
		),
		providerErrorsDesc: prometheus.NewDesc(
			"frontdesk_relay_provider_errors_total",
			"Speech provider dial failures and error events",
			nil, nil,
		),
		escalationsDesc: prometheus.NewDesc(
			"frontdesk_safety_escalations_total",
			"Utterances escalated by the safety evaluator",
			nil, nil,
		),
		deliveriesDesc: prometheus.NewDesc(
			"frontdesk_transcript_deliveries_total",
			"Transcript delivery outcomes",
			[]string{"outcome"}, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"frontdesk_call_sessions",
			"Stored call sessions by status",
			[]string{"status"}, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"frontdesk_relay_handshakes_pending",
			"Relay handshakes inside the admission window still waiting for the carrier",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"frontdesk_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.relayActiveDesc
	ch <- c.handshakesDesc
	ch <- c.handshakeTimeoutsDesc
	ch <- c.handoffsDesc
	ch <- c.silenceTimeoutsDesc
	ch <- c.providerErrorsDesc
	ch <- c.escalationsDesc
	ch <- c.deliveriesDesc
	ch <- c.sessionsDesc
	ch <- c.pendingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all sources at scrape
// time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.relay != nil {
		s := c.relay.Stats()
		ch <- prometheus.MustNewConstMetric(c.relayActiveDesc, prometheus.GaugeValue, float64(s.Active))
		ch <- prometheus.MustNewConstMetric(c.handshakesDesc, prometheus.CounterValue, float64(s.Handshakes))
		ch <- prometheus.MustNewConstMetric(c.handshakeTimeoutsDesc, prometheus.CounterValue, float64(s.HandshakeTimeouts))
		ch <- prometheus.MustNewConstMetric(c.handoffsDesc, prometheus.CounterValue, float64(s.Handoffs))
		ch <- prometheus.MustNewConstMetric(c.silenceTimeoutsDesc, prometheus.CounterValue, float64(s.SilenceTimeouts))
		ch <- prometheus.MustNewConstMetric(c.providerErrorsDesc, prometheus.CounterValue, float64(s.ProviderErrors))
		ch <- prometheus.MustNewConstMetric(c.escalationsDesc, prometheus.CounterValue, float64(s.Escalations))
	}

	if c.delivery != nil {
		s := c.delivery.Stats()
		ch <- prometheus.MustNewConstMetric(c.deliveriesDesc, prometheus.CounterValue, float64(s.Delivered), "delivered")
		ch <- prometheus.MustNewConstMetric(c.deliveriesDesc, prometheus.CounterValue, float64(s.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.deliveriesDesc, prometheus.CounterValue, float64(s.Dropped), "dropped")
	}

	if c.sessions != nil {
		counts, err := c.sessions.CountByStatus(ctx)
		if err != nil {
			c.logger.Error("metrics: failed to count call sessions", "error", err)
		} else {
			for _, st := range sessionStatuses {
				ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
			}
		}
	}

	if c.pending != nil {
		n, err := c.pending.CountPending(ctx, time.Now().Add(-c.lookback))
		if err != nil {
			c.logger.Error("metrics: failed to count pending handshakes", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(n))
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
