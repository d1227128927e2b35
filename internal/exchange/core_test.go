package exchange_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/exchange/exchangetest"
	"github.com/rickgao/exchange-core/internal/model"
)

// stub expires trades and records Resume calls.
type stub struct {
	core *exchange.Core

	mu      sync.Mutex
	expired []string
	resumed map[string][]escrow.Hold
}

func newStub(core *exchange.Core) *stub {
	s := &stub{core: core, resumed: make(map[string][]escrow.Hold)}
	core.Register(s)
	return s
}

func (s *stub) Kind() model.Kind { return model.KindTrade }

func (s *stub) Expire(ctx context.Context, id string) (exchange.Result, error) {
	unlock := s.core.Lock(id)
	defer unlock()
	rec, err := s.core.Load(ctx, id, model.KindTrade)
	if err != nil || rec.Terminal() {
		return exchange.Result{Record: rec}, err
	}
	next := rec.Clone()
	next.State = model.StateExpired
	saved, err := s.core.Commit(ctx, rec, next, "deadline")
	if err != nil {
		return exchange.Result{}, err
	}
	s.mu.Lock()
	s.expired = append(s.expired, id)
	s.mu.Unlock()
	return s.core.Finish(saved), nil
}

func (s *stub) Resume(_ context.Context, rec model.Record, holds []escrow.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed[rec.ID] = holds
	return nil
}

func newTrade(expires time.Time) model.Record {
	return model.Record{
		Kind:         model.KindTrade,
		ExpiresAt:    expires,
		Participants: []string{"a", "b"},
		Trade:        &model.TradeTerms{Initiator: "a", Target: "b"},
	}
}

func TestCore_CreateArmsDeadline(t *testing.T) {
	ctx := context.Background()
	h := exchangetest.New(t)
	s := newStub(h.Core)

	rec, err := h.Core.Create(ctx, newTrade(exchangetest.Start.Add(time.Minute)))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, model.StateProposed, rec.State)

	at, ok := h.Scheduler.Deadline(rec.ID)
	require.True(t, ok)
	assert.Equal(t, exchangetest.Start.Add(time.Minute), at)

	h.Clock.Advance(time.Minute)
	assert.Equal(t, []string{rec.ID}, s.expired)
	assert.Equal(t, model.StateExpired, h.Record(t, rec.ID).State)
	assert.Zero(t, h.Scheduler.Pending())
}

func TestCore_Commit(t *testing.T) {
	ctx := context.Background()
	h := exchangetest.New(t)
	newStub(h.Core)

	rec, err := h.Core.Create(ctx, newTrade(exchangetest.Start.Add(time.Hour)))
	require.NoError(t, err)

	bad := rec.Clone()
	bad.State = model.StateSettled
	_, err = h.Core.Commit(ctx, rec, bad, "skip")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	next := rec.Clone()
	next.State = model.StateNegotiating
	saved, err := h.Core.Commit(ctx, rec, next, "offer")
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
	require.Len(t, saved.History, 1)
	assert.Equal(t, model.Transition{From: model.StateProposed, To: model.StateNegotiating, At: exchangetest.Start, Reason: "offer"}, saved.History[0])

	stale := rec.Clone()
	stale.State = model.StateNegotiating
	_, err = h.Core.Commit(ctx, rec, stale, "late")
	assert.ErrorIs(t, err, model.ErrConcurrentModification)

	done := saved.Clone()
	done.State = model.StateCancelled
	final, err := h.Core.Commit(ctx, saved, done, "cancel")
	require.NoError(t, err)
	require.NotNil(t, final.ArchivedAt)
	assert.NotNil(t, h.Record(t, rec.ID).ArchivedAt)
	assert.Zero(t, h.Scheduler.Pending())

	again := final.Clone()
	again.State = model.StateNegotiating
	_, err = h.Core.Commit(ctx, final, again, "revive")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestCore_CommitRearmsMovedDeadline(t *testing.T) {
	ctx := context.Background()
	h := exchangetest.New(t)
	newStub(h.Core)

	rec, err := h.Core.Create(ctx, newTrade(exchangetest.Start.Add(time.Minute)))
	require.NoError(t, err)

	next := rec.Clone()
	next.State = model.StateNegotiating
	next.ExpiresAt = exchangetest.Start.Add(time.Hour)
	_, err = h.Core.Commit(ctx, rec, next, "extend")
	require.NoError(t, err)

	at, ok := h.Scheduler.Deadline(rec.ID)
	require.True(t, ok)
	assert.Equal(t, exchangetest.Start.Add(time.Hour), at)
}

func TestReconciler_Sweep(t *testing.T) {
	ctx := context.Background()
	h := exchangetest.New(t)
	s := newStub(h.Core)
	h.Fund(t, "a", 1000, nil)
	h.Fund(t, "c", 1000, nil)

	// A live record the scheduler does not know about.
	unarmed := newTrade(exchangetest.Start.Add(time.Minute))
	unarmed.ID = "unarmed"
	unarmed.State = model.StateProposed
	unarmed.Version = 1
	require.NoError(t, h.Records.Create(ctx, unarmed))

	// A hold whose record was never written.
	_, err := h.Vault.Hold(ctx, escrow.Spec{RecordID: "ghost", Leg: "lot", AccountID: "c", Money: 300})
	require.NoError(t, err)

	// A hold on a live record.
	rec, err := h.Core.Create(ctx, newTrade(exchangetest.Start.Add(time.Hour)))
	require.NoError(t, err)
	_, err = h.Vault.Hold(ctx, escrow.Spec{RecordID: rec.ID, Leg: "initiator-1", AccountID: "a", Money: 200})
	require.NoError(t, err)

	r := exchange.NewReconciler(h.Core, exchange.ReconcilerConfig{Concurrency: 2}, nil)
	stats, err := r.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Armed)
	assert.Equal(t, 1, stats.Orphans)
	assert.Equal(t, 1, stats.Resumed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, stats, r.Last())

	assert.Equal(t, int64(1000), h.Balance(t, "c"), "orphan refunded")
	require.Len(t, s.resumed[rec.ID], 1)
	assert.Equal(t, "initiator-1", s.resumed[rec.ID][0].Leg)

	_, armed := h.Scheduler.Deadline("unarmed")
	assert.True(t, armed)
}

func TestReconciler_ResolvesPendingHold(t *testing.T) {
	ctx := context.Background()
	h := exchangetest.New(t)
	s := newStub(h.Core)
	h.Fund(t, "a", 1000, nil)

	rec, err := h.Core.Create(ctx, newTrade(exchangetest.Start.Add(time.Hour)))
	require.NoError(t, err)

	// Simulate a crash between the debit and marking the hold held.
	pending := escrow.Hold{
		RecordID:  rec.ID,
		Leg:       "initiator-1",
		AccountID: "a",
		Money:     250,
		Status:    escrow.StatusPending,
	}
	require.NoError(t, h.Holds.Create(ctx, pending))
	_, err = h.Ledger.Adjust(ctx, "a", pending.Offer().Debit(), escrow.HoldKey(rec.ID, "initiator-1"))
	require.NoError(t, err)

	r := exchange.NewReconciler(h.Core, exchange.ReconcilerConfig{}, nil)
	stats, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, stats.Resumed)

	hold, err := h.Holds.Get(ctx, rec.ID, "initiator-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, hold.Status)
	assert.Len(t, s.resumed[rec.ID], 1)
}

func TestReconciler_StartStop(t *testing.T) {
	h := exchangetest.New(t)
	newStub(h.Core)

	r := exchange.NewReconciler(h.Core, exchange.ReconcilerConfig{Interval: time.Hour}, nil)
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}
