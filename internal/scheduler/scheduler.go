package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/notify"
)

// Func is a deadline callback. It must re-check record state before acting.
type Func func(ctx context.Context) error

// Config holds retry settings.
type Config struct {
	RetryAttempts int           // retries after the first failure
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 5,
		RetryBackoff:  time.Second,
	}
}

// Scheduler is the ExpirationScheduler.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	sink    notify.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	recordID string
	at       time.Time
	fn       Func
	timer    clock.Timer
}

// New creates a scheduler. sink receives reconciliation events and may be nil.
func New(cfg Config, c clock.Clock, sink notify.Sink, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		clock:   c,
		sink:    sink,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds callbacks to ctx; cancelling it stops in-flight retries.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"retry_attempts", s.cfg.RetryAttempts,
		"retry_backoff", s.cfg.RetryBackoff,
	)
	return nil
}

// Stop disarms every timer and waits for running callbacks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.cancel()
	s.mu.Unlock()
	s.metrics.TimersPending(0)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// Schedule arms fn for recordID at at, replacing any earlier timer. A
// deadline in the past fires as soon as possible.
func (s *Scheduler) Schedule(recordID string, at time.Time, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.entries[recordID]; ok {
		old.timer.Stop()
	}

	e := &entry{recordID: recordID, at: at, fn: fn}
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(e, 0) })
	s.entries[recordID] = e
	s.metrics.TimersPending(len(s.entries))

	s.logger.Debug("deadline scheduled", "record_id", recordID, "at", at)
}

// Cancel disarms recordID's timer. It reports whether one was armed.
func (s *Scheduler) Cancel(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[recordID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, recordID)
	s.metrics.TimersPending(len(s.entries))
	return true
}

// Pending returns the number of armed records.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Deadline returns the armed deadline for recordID.
func (s *Scheduler) Deadline(recordID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[recordID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) fire(e *entry, attempt int) {
	s.mu.Lock()
	if s.stopped || s.entries[e.recordID] != e {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := e.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[e.recordID] != e {
		// Rescheduled or cancelled while running.
		return
	}

	if err == nil {
		delete(s.entries, e.recordID)
		s.metrics.TimersPending(len(s.entries))
		s.metrics.TimerFired("ok")
		return
	}

	if attempt >= s.cfg.RetryAttempts || s.stopped || ctx.Err() != nil {
		delete(s.entries, e.recordID)
		s.metrics.TimersPending(len(s.entries))
		s.metrics.TimerFired("exhausted")
		s.metrics.ReconciliationItem()
		s.logger.Error("deadline callback failed, reconciliation required",
			"record_id", e.recordID,
			"attempts", attempt+1,
			"error", err,
		)
		s.sink.Publish(model.Event{
			Type:     model.EventReconciliation,
			RecordID: e.recordID,
			At:       s.clock.Now(),
			Detail:   map[string]string{"error": err.Error()},
		})
		return
	}

	delay := s.backoff(attempt)
	s.metrics.TimerFired("retry")
	s.logger.Warn("deadline callback failed, retrying",
		"record_id", e.recordID,
		"attempt", attempt+1,
		"backoff", delay,
		"error", err,
	)
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(e, attempt+1) })
}

// backoff returns RetryBackoff * 2^attempt with jitter in [0.5, 1.5).
func (s *Scheduler) backoff(attempt int) time.Duration {
	base := s.cfg.RetryBackoff
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}
