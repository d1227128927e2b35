package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/model"
)

// ReconcilerConfig controls the recovery sweep.
type ReconcilerConfig struct {
	Interval    time.Duration // 0 = sweep only on Start
	Concurrency int           // records resumed in parallel
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Armed    int
	Resolved int
	Resumed  int
	Orphans  int
	Failed   int
}

// Reconciler rebuilds in-memory state from the stores: it re-arms deadlines
// for live records and finishes settlement legs left open by a crash or a
// failed step.
type Reconciler struct {
	core   *Core
	cfg    ReconcilerConfig
	logger *slog.Logger

	cron    *cron.Cron
	running atomic.Bool
	mu      sync.Mutex
	last    SweepStats
}

// NewReconciler creates a reconciler over core.
func NewReconciler(core *Core, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		core:   core,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start sweeps once, then every Interval.
func (r *Reconciler) Start(ctx context.Context) error {
	stats, err := r.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("initial sweep: %w", err)
	}
	r.logger.Info("reconciler started",
		"interval", r.cfg.Interval,
		"armed", stats.Armed,
		"resumed", stats.Resumed,
	)

	if r.cfg.Interval <= 0 {
		return nil
	}
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("reconciliation sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts periodic sweeps and waits for a running one.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the stats of the most recent sweep.
func (r *Reconciler) Last() SweepStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Sweep runs one reconciliation pass. Per-record failures are logged and
// counted; only failing to list the stores returns an error.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return SweepStats{}, nil
	}
	defer r.running.Store(false)

	var stats SweepStats
	c := r.core

	active, err := c.Records.ListActive(ctx)
	if err != nil {
		c.Metrics.Sweep("error")
		return stats, fmt.Errorf("list active records: %w", err)
	}
	for _, rec := range active {
		if rec.ExpiresAt.IsZero() || c.Scheduler == nil {
			continue
		}
		if _, armed := c.Scheduler.Deadline(rec.ID); armed {
			continue
		}
		c.arm(rec)
		stats.Armed++
	}

	open, err := c.Vault.Open(ctx)
	if err != nil {
		c.Metrics.Sweep("error")
		return stats, fmt.Errorf("list open holds: %w", err)
	}
	ids := recordIDs(open)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := r.reconcile(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			stats.Resolved += res.Resolved
			stats.Resumed += res.Resumed
			stats.Orphans += res.Orphans
			if err != nil {
				stats.Failed++
				c.Metrics.ReconciliationItem()
				r.logger.Error("failed to reconcile record", "record_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if stats.Failed > 0 {
		result = "partial"
	}
	c.Metrics.Sweep(result)

	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()

	if stats.Armed+stats.Resolved+stats.Resumed+stats.Orphans+stats.Failed > 0 {
		r.logger.Info("reconciliation sweep",
			"armed", stats.Armed,
			"resolved", stats.Resolved,
			"resumed", stats.Resumed,
			"orphans", stats.Orphans,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

// reconcile finishes one record's open holds under its lock.
func (r *Reconciler) reconcile(ctx context.Context, recordID string) (SweepStats, error) {
	var stats SweepStats
	c := r.core

	unlock := c.Lock(recordID)
	defer unlock()

	holds, err := c.Vault.Holds(ctx, recordID)
	if err != nil {
		return stats, err
	}

	var errs []error
	held := make([]escrow.Hold, 0, len(holds))
	for _, h := range holds {
		if h.Status != escrow.StatusHeld && h.Status.Open() {
			resolved, err := c.Vault.Resolve(ctx, h)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Resolved++
			h = resolved
		}
		if h.Status == escrow.StatusHeld {
			held = append(held, h)
		}
	}
	if len(held) == 0 {
		return stats, errors.Join(errs...)
	}

	rec, err := c.Records.Get(ctx, recordID)
	if errors.Is(err, model.ErrRecordNotFound) {
		// The record was never created after its first hold.
		for _, h := range held {
			if _, err := c.Vault.Refund(ctx, h.RecordID, h.Leg); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Orphans++
		}
		return stats, errors.Join(errs...)
	}
	if err != nil {
		return stats, errors.Join(append(errs, err)...)
	}

	p, ok := c.Protocol(rec.Kind)
	if !ok {
		return stats, errors.Join(append(errs, fmt.Errorf("no protocol for %s", rec.Kind))...)
	}
	if err := p.Resume(ctx, rec, held); err != nil {
		return stats, errors.Join(append(errs, err)...)
	}
	stats.Resumed++
	c.Metrics.Resumed(string(rec.Kind))
	return stats, errors.Join(errs...)
}

func recordIDs(holds []escrow.Hold) []string {
	seen := make(map[string]struct{}, len(holds))
	ids := make([]string, 0, len(holds))
	for _, h := range holds {
		if _, ok := seen[h.RecordID]; ok {
			continue
		}
		seen[h.RecordID] = struct{}{}
		ids = append(ids, h.RecordID)
	}
	sort.Strings(ids)
	return ids
}
