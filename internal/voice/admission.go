package voice

import (
	"context"
	"log/slog"
	"time"
)

// PendingCounter counts relay handshakes that started at or after since and
// have not connected yet.
type PendingCounter interface {
	CountPending(ctx context.Context, since time.Time) (int, error)
}

// Admission gates the AI relay on the number of outstanding handshakes.
type Admission struct {
	counter PendingCounter
	now     func() time.Time
	logger  *slog.Logger
}

// NewAdmission creates an Admission backed by counter.
func NewAdmission(counter PendingCounter, logger *slog.Logger) *Admission {
	return &Admission{
		counter: counter,
		now:     time.Now,
		logger:  logger.With("subsystem", "admission"),
	}
}

// HasCapacity reports whether fewer than ceiling handshakes are pending
// within lookback. A failed count is treated as no capacity.
func (a *Admission) HasCapacity(ctx context.Context, ceiling int, lookback time.Duration) bool {
	pending, err := a.counter.CountPending(ctx, a.now().Add(-lookback))
	if err != nil {
		a.logger.Error("counting pending handshakes, bridging directly", "error", err)
		return false
	}
	if pending >= ceiling {
		a.logger.Info("relay at capacity, bridging directly", "pending", pending, "ceiling", ceiling)
		return false
	}
	return true
}
