package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Sender delivers one transcript.
type Sender interface {
	SendTranscript(ctx context.Context, callSid string) error
}

// Notifier accepts transcript delivery jobs without blocking the caller.
type Notifier interface {
	Enqueue(callSid string) bool
}

// Nop is a Notifier that discards every job.
type Nop struct{}

// Enqueue implements Notifier.
func (Nop) Enqueue(string) bool { return false }

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	BaseBackoff time.Duration
	MaxRetries  uint64
	// AttemptTimeout bounds each delivery attempt.
	AttemptTimeout time.Duration
}

// DefaultDispatcherConfig returns the production settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:        2,
		QueueSize:      64,
		BaseBackoff:    500 * time.Millisecond,
		MaxRetries:     4,
		AttemptTimeout: 10 * time.Second,
	}
}

// Stats counts dispatcher outcomes.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// Dispatcher is a bounded worker pool delivering transcripts with retry.
type Dispatcher struct {
	sender Sender
	cfg    DispatcherConfig
	logger *slog.Logger

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts cfg.Workers goroutines delivering through sender.
func NewDispatcher(sender Sender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender: sender,
		cfg:    cfg,
		logger: logger.With("subsystem", "notify"),
		jobs:   make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules delivery for callSid. It never blocks: when the queue is
// full or the dispatcher is closed the job is dropped and false is returned.
func (d *Dispatcher) Enqueue(callSid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.jobs <- callSid:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("transcript queue full, dropping delivery", "call_sid", callSid)
		return false
	}
}

// Stats returns the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting jobs and waits for queued ones until ctx ends, after
// which in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("draining transcript queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for callSid := range d.jobs {
		d.deliver(callSid)
	}
}

func (d *Dispatcher) deliver(callSid string) {
	backoff := retry.WithMaxRetries(d.cfg.MaxRetries, retry.NewExponential(d.cfg.BaseBackoff))

	attempts := 0
	err := retry.Do(d.ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()

		err := d.sender.SendTranscript(attemptCtx, callSid)
		if err == nil {
			return nil
		}
		if Retryable(err) && d.ctx.Err() == nil {
			d.logger.Debug("transcript delivery attempt failed", "call_sid", callSid, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		d.failed.Add(1)
		if errors.Is(err, context.Canceled) {
			d.logger.Warn("transcript delivery cancelled", "call_sid", callSid, "attempts", attempts)
			return
		}
		d.logger.Error("transcript delivery failed", "call_sid", callSid, "attempts", attempts, "error", err)
		return
	}
	d.delivered.Add(1)
	d.logger.Info("transcript delivered", "call_sid", callSid, "attempts", attempts)
}
