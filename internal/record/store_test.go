package record

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/database/dbtest"
	"github.com/rickgao/exchange-core/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func contest(id, actor, target string) model.Record {
	return model.Record{
		ID:           id,
		Kind:         model.KindContest,
		State:        model.StateActive,
		CreatedAt:    t0,
		ExpiresAt:    t0.Add(35 * time.Second),
		Participants: []string{actor, target},
		Contest:      &model.ContestTerms{Actor: actor, Target: target, MaxInput: 10},
	}
}

func trade(id, a, b string) model.Record {
	return model.Record{
		ID:           id,
		Kind:         model.KindTrade,
		State:        model.StateProposed,
		CreatedAt:    t0,
		Participants: []string{a, b},
		Trade:        &model.TradeTerms{Initiator: a, Target: b},
	}
}

// runStoreTests exercises the Store contract against any implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, trade("t1", "alice", "bob")))
		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Trade.Initiator)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrRecordNotFound)
	})

	t.Run("update compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, trade("t1", "alice", "bob")))

		a, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		b := a.Clone()

		a.State = model.StateNegotiating
		a.Trade.InitiatorOffer.Money = 500
		updated, err := s.Update(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)

		b.State = model.StateCancelled
		_, err = s.Update(ctx, b)
		assert.ErrorIs(t, err, model.ErrConcurrentModification)

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.StateNegotiating, got.State)
		assert.Equal(t, int64(500), got.Trade.InitiatorOffer.Money)
	})

	t.Run("terminal records are frozen and archived", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, trade("t1", "alice", "bob")))

		rec, _ := s.Get(ctx, "t1")
		require.ErrorIs(t, s.Archive(ctx, "t1", t0), model.ErrInvalidState)

		rec.State = model.StateCancelled
		rec, err := s.Update(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, s.Archive(ctx, "t1", t0.Add(time.Minute)))
		require.NoError(t, s.Archive(ctx, "t1", t0.Add(time.Hour)))

		got, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got.ArchivedAt)
		assert.True(t, got.ArchivedAt.Equal(t0.Add(time.Minute)))

		rec.State = model.StateNegotiating
		_, err = s.Update(ctx, rec)
		assert.Error(t, err)
	})

	t.Run("one active contest per target", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, contest("c1", "mallory", "alice")))
		err := s.Create(ctx, contest("c2", "trudy", "alice"))
		require.ErrorIs(t, err, model.ErrAlreadyActive)

		rec, _ := s.Get(ctx, "c1")
		rec.State = model.StateFailed
		_, err = s.Update(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, s.Create(ctx, contest("c2", "trudy", "alice")))
	})

	t.Run("queries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, trade("t1", "alice", "bob")))
		require.NoError(t, s.Create(ctx, trade("t2", "carol", "alice")))
		require.NoError(t, s.Create(ctx, contest("c1", "alice", "dave")))

		active, err := s.ActiveByParticipant(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, active, 3)

		rec, _ := s.Get(ctx, "c1")
		rec.State = model.StateSucceeded
		_, err = s.Update(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, s.Archive(ctx, "c1", t0.Add(time.Minute)))

		all, err := s.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		recent, err := s.RecentByParticipant(ctx, "alice", model.KindContest, t0)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "c1", recent[0].ID)

		recent, err = s.RecentByParticipant(ctx, "alice", model.KindContest, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, recent)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store { return NewPostgresStore(dbtest.Pool(t)) })
}
