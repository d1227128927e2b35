package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/model"
)

func newTestLedger(maxBalance int64) (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, Config{MaxBalance: maxBalance}, nil), store
}

func TestLedger_AdjustCreditsAndDebits(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(0)

	acct, err := l.Adjust(ctx, "alice", model.Delta{Balance: 500, Items: model.Items{"Sword": 2}}, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(2), acct.Quantity("sword"))

	acct, err = l.Adjust(ctx, "alice", model.Delta{Balance: -200, Items: model.Items{"sword ": -2}}, "spend")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.Balance)
	assert.Empty(t, acct.Inventory)
}

func TestLedger_AdjustRejectsNegativeResults(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(0)

	_, err := l.Adjust(ctx, "bob", model.Delta{Balance: 100, Items: model.Items{"gem": 1}}, "seed")
	require.NoError(t, err)

	tests := []struct {
		name  string
		delta model.Delta
		want  error
	}{
		{"overdraw balance", model.Delta{Balance: -101}, model.ErrInsufficientFunds},
		{"overdraw items", model.Delta{Items: model.Items{"gem": -2}}, model.ErrInsufficientItems},
		{"missing item", model.Delta{Items: model.Items{"crown": -1}}, model.ErrInsufficientItems},
		{"partial success not applied", model.Delta{Balance: -50, Items: model.Items{"gem": -5}}, model.ErrInsufficientItems},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Adjust(ctx, "bob", tt.delta, "")
			require.ErrorIs(t, err, tt.want)

			id, ok := model.AccountOf(err)
			assert.True(t, ok)
			assert.Equal(t, "bob", id)
		})
	}

	acct, err := l.Account(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(1), acct.Quantity("gem"))
	assert.Equal(t, 1, store.EntryCount())
}

func TestLedger_BalanceLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(1000)

	_, err := l.Adjust(ctx, "carol", model.Delta{Balance: 1000}, "a")
	require.NoError(t, err)

	_, err = l.Adjust(ctx, "carol", model.Delta{Balance: 1}, "b")
	assert.ErrorIs(t, err, model.ErrBalanceLimit)

	// Spending is always allowed.
	acct, err := l.Adjust(ctx, "carol", model.Delta{Balance: -1}, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(999), acct.Balance)
}

func TestLedger_SettleIgnoresBalanceLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(1000)

	_, err := l.Adjust(ctx, "carol", model.Delta{Balance: 900}, "a")
	require.NoError(t, err)

	acct, err := l.Settle(ctx, "carol", model.Delta{Balance: 500}, "release:r1/initiator-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1400), acct.Balance)

	// Settle keeps the idempotency key and the non-negative floor.
	acct, err = l.Settle(ctx, "carol", model.Delta{Balance: 500}, "release:r1/initiator-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1400), acct.Balance)

	_, err = l.Settle(ctx, "carol", model.Delta{Balance: -2000}, "refund:x")
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestLedger_CheckHeadroom(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(1000)
	_, err := l.Adjust(ctx, "carol", model.Delta{Balance: 900}, "a")
	require.NoError(t, err)

	tests := []struct {
		name    string
		ledger  *Ledger
		amount  int64
		wantErr bool
	}{
		{"fits exactly", l, 100, false},
		{"one over", l, 101, true},
		{"debit", l, -500, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ledger.CheckHeadroom(ctx, "carol", tt.amount)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, model.ErrBalanceLimit)
			id, ok := model.AccountOf(err)
			assert.True(t, ok)
			assert.Equal(t, "carol", id)
		})
	}

	unlimited, _ := newTestLedger(0)
	assert.NoError(t, unlimited.CheckHeadroom(ctx, "carol", 1<<40))
}

func TestLedger_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(0)

	for i := 0; i < 3; i++ {
		acct, err := l.Adjust(ctx, "dave", model.Delta{Balance: 250}, "release:r1/bid-1")
		require.NoError(t, err)
		assert.Equal(t, int64(250), acct.Balance)
	}

	applied, err := l.Applied(ctx, "release:r1/bid-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, store.EntryCount())

	applied, err = l.Applied(ctx, "release:r1/bid-2")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestLedger_UnknownAccountIsEmpty(t *testing.T) {
	l, _ := newTestLedger(0)

	acct, err := l.Account(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", acct.ID)
	assert.Zero(t, acct.Balance)

	_, err = l.Account(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestLedger_ConcurrentAdjustsSerialize(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(0)

	_, err := l.Adjust(ctx, "erin", model.Delta{Balance: 100}, "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Adjust(ctx, "erin", model.Delta{Balance: -10}, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	acct, err := l.Account(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 10, succeeded)
	assert.Zero(t, acct.Balance)
}
