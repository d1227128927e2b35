package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/database/dbtest"
	"github.com/rickgao/exchange-core/internal/model"
)

func TestPostgresStore_Apply(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx := context.Background()
	l := New(NewPostgresStore(pool), Config{MaxBalance: 10_000}, nil)

	acct, err := l.Adjust(ctx, "alice", model.Delta{Balance: 500, Items: model.Items{"sword": 1}}, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)

	// Replayed key is a no-op.
	acct, err = l.Adjust(ctx, "alice", model.Delta{Balance: 500, Items: model.Items{"sword": 1}}, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(1), acct.Quantity("sword"))

	_, err = l.Adjust(ctx, "alice", model.Delta{Items: model.Items{"sword": -2}}, "overdraw")
	require.ErrorIs(t, err, model.ErrInsufficientItems)

	applied, err := l.Applied(ctx, "overdraw")
	require.NoError(t, err)
	assert.False(t, applied, "rejected entry must roll back")

	acct, err = l.Adjust(ctx, "alice", model.Delta{Balance: -500, Items: model.Items{"sword": -1}}, "spend")
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
	assert.Empty(t, acct.Inventory)
}
