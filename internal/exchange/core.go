package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/ledger"
	"github.com/rickgao/exchange-core/internal/lockset"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/notify"
	"github.com/rickgao/exchange-core/internal/record"
	"github.com/rickgao/exchange-core/internal/scheduler"
)

// Deps are the collaborators shared by every engine.
type Deps struct {
	Records   record.Store
	Ledger    *ledger.Ledger
	Vault     *escrow.Vault
	Scheduler *scheduler.Scheduler // nil disables deadlines
	Sink      notify.Sink
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Result is what a verb returns: the record after the verb and the events it
// produced. Events have already been published to the sink.
type Result struct {
	Record model.Record  `json:"record"`
	Events []model.Event `json:"events,omitempty"`
}

// Protocol is the part of an engine the core and the reconciler drive.
type Protocol interface {
	Kind() model.Kind

	// Expire is the deadline callback. It re-checks state and is a no-op on
	// terminal records.
	Expire(ctx context.Context, recordID string) (Result, error)

	// Resume finishes the settlement legs of rec given its open holds. It
	// runs under the record lock.
	Resume(ctx context.Context, rec model.Record, holds []escrow.Hold) error
}

// Core implements record bookkeeping for the engines.
type Core struct {
	Deps

	locks *lockset.Set

	mu        sync.RWMutex
	protocols map[model.Kind]Protocol
}

// New creates a Core. Sink, Clock and Logger default when nil.
func New(d Deps) *Core {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Sink == nil {
		d.Sink = notify.Discard
	}
	return &Core{
		Deps:      d,
		locks:     lockset.New(),
		protocols: make(map[model.Kind]Protocol),
	}
}

// Register makes p the handler for its kind's deadlines and recovery.
func (c *Core) Register(p Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocols[p.Kind()] = p
}

// Protocol returns the registered handler for kind.
func (c *Core) Protocol(kind model.Kind) (Protocol, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.protocols[kind]
	return p, ok
}

// Now returns the core clock's time.
func (c *Core) Now() time.Time {
	return c.Clock.Now()
}

// Lock serializes work on one record.
func (c *Core) Lock(recordID string) (unlock func()) {
	return c.locks.Lock(recordID)
}

// LockAccounts takes the ledger locks for ids in ascending order.
func (c *Core) LockAccounts(ids ...string) (unlock func()) {
	return c.Ledger.Lock(ids...)
}

// Load returns record id, which must be of kind.
func (c *Core) Load(ctx context.Context, id string, kind model.Kind) (model.Record, error) {
	rec, err := c.Records.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Kind != kind {
		return model.Record{}, fmt.Errorf("%w: %s is a %s", model.ErrRecordNotFound, id, rec.Kind)
	}
	return rec, nil
}

// NewID returns a fresh record id.
func (c *Core) NewID() string {
	return uuid.NewString()
}

// Create stores a new record in its kind's initial state and arms its
// deadline. rec.ID is generated when empty.
func (c *Core) Create(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.ID == "" {
		rec.ID = c.NewID()
	}
	if rec.State == "" {
		rec.State = model.InitialState(rec.Kind)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.Now()
	}
	rec.Version = 1

	if err := c.Records.Create(ctx, rec); err != nil {
		return model.Record{}, err
	}
	c.Metrics.Transition(string(rec.Kind), string(rec.State))
	c.Logger.Info("record created",
		"record_id", rec.ID,
		"kind", rec.Kind,
		"participants", rec.Participants,
		"expires_at", rec.ExpiresAt,
	)

	c.arm(rec)
	return rec, nil
}

// Commit stores next as the successor of prev. The transition must be
// allowed by the kind's state graph and prev must still be current. A
// terminal record is disarmed and archived; a moved deadline is re-armed.
func (c *Core) Commit(ctx context.Context, prev, next model.Record, reason string) (model.Record, error) {
	if !model.CanTransition(prev.Kind, prev.State, next.State) {
		return model.Record{}, fmt.Errorf("%w: %s %s cannot move from %s to %s",
			model.ErrInvalidState, prev.Kind, prev.ID, prev.State, next.State)
	}

	now := c.Now()
	next.ID = prev.ID
	next.Kind = prev.Kind
	next.Version = prev.Version
	next.History = append(next.History, model.Transition{
		From:   prev.State,
		To:     next.State,
		At:     now,
		Reason: reason,
	})

	saved, err := c.Records.Update(ctx, next)
	if err != nil {
		return model.Record{}, err
	}
	if saved.State != prev.State {
		c.Metrics.Transition(string(saved.Kind), string(saved.State))
	}

	switch {
	case saved.Terminal():
		if c.Scheduler != nil {
			c.Scheduler.Cancel(saved.ID)
		}
		if err := c.Records.Archive(ctx, saved.ID, now); err != nil {
			c.Logger.Warn("failed to archive record", "record_id", saved.ID, "error", err)
		} else {
			at := now
			saved.ArchivedAt = &at
		}
		c.Logger.Info("record finished",
			"record_id", saved.ID,
			"kind", saved.Kind,
			"state", saved.State,
			"reason", reason,
		)
	case !saved.ExpiresAt.Equal(prev.ExpiresAt):
		c.arm(saved)
	}
	return saved, nil
}

// Finish publishes events and wraps them with rec.
func (c *Core) Finish(rec model.Record, events ...model.Event) Result {
	if len(events) > 0 {
		c.Sink.Publish(events...)
	}
	return Result{Record: rec, Events: events}
}

// Observe starts timing a verb; call the returned function with the verb's
// error when it returns.
func (c *Core) Observe(kind model.Kind, verb string) func(err error) {
	start := c.Now()
	return func(err error) {
		c.Metrics.Verb(string(kind), verb, resultLabel(err), c.Now().Sub(start))
	}
}

// Arm schedules rec's deadline if it has one and is not terminal.
func (c *Core) Arm(rec model.Record) {
	c.arm(rec)
}

func (c *Core) arm(rec model.Record) {
	if c.Scheduler == nil || rec.ExpiresAt.IsZero() || rec.Terminal() {
		return
	}
	p, ok := c.Protocol(rec.Kind)
	if !ok {
		c.Logger.Warn("no protocol registered for deadline", "record_id", rec.ID, "kind", rec.Kind)
		return
	}
	id := rec.ID
	c.Scheduler.Schedule(id, rec.ExpiresAt, func(ctx context.Context) error {
		_, err := p.Expire(ctx, id)
		if errors.Is(err, model.ErrRecordNotFound) {
			return nil
		}
		return err
	})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case model.IsValidation(err), errors.Is(err, model.ErrConcurrentModification):
		return "rejected"
	}
	return "error"
}
