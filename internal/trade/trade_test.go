package trade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange/exchangetest"
	"github.com/rickgao/exchange-core/internal/model"
)

func setup(t *testing.T, cfg Config, opts ...exchangetest.Option) (*Engine, *exchangetest.Harness) {
	t.Helper()
	h := exchangetest.New(t, opts...)
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	return New(h.Core, cfg, nil), h
}

func money(n int64) model.Offer { return model.Offer{Money: n} }

func items(id string, q int64) model.Offer {
	return model.Offer{Items: model.Items{id: q}}
}

func TestTrade_LiteralScenario(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 1000, nil)
	h.Fund(t, "B", 0, model.Items{"itemX": 1})

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID
	assert.Equal(t, model.StateProposed, res.Record.State)

	_, err = e.AddOffer(ctx, id, "A", money(500))
	require.NoError(t, err)
	_, err = e.AddOffer(ctx, id, "B", items("itemX", 1))
	require.NoError(t, err)

	res, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StateNegotiating, res.Record.State)

	res, err = e.Accept(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, res.Record.State)
	assert.NotNil(t, res.Record.ArchivedAt)

	assert.Equal(t, int64(500), h.Balance(t, "A"))
	assert.Equal(t, int64(1), h.Quantity(t, "A", "itemX"))
	assert.Equal(t, int64(500), h.Balance(t, "B"))
	assert.Equal(t, int64(0), h.Quantity(t, "B", "itemX"))
	assert.Zero(t, h.Escrowed(t))
	assert.Zero(t, h.Scheduler.Pending())
	assert.Len(t, h.Events.OfType(model.EventSettled), 1)
}

func TestTrade_Conservation(t *testing.T) {
	tests := []struct {
		name   string
		offerA model.Offer
		offerB model.Offer
	}{
		{"money for money", money(300), money(120)},
		{"items for items", items("gem", 2), items("Sword", 1)},
		{"mixed", model.Offer{Money: 50, Items: model.Items{"gem": 1}}, model.Offer{Money: 10, Items: model.Items{"sword": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, h := setup(t, Config{})
			h.Fund(t, "A", 1000, model.Items{"gem": 5})
			h.Fund(t, "B", 1000, model.Items{"sword": 3})
			before := h.Total(t, "A", "B")
			gems := h.Quantity(t, "A", "gem") + h.Quantity(t, "B", "gem")
			swords := h.Quantity(t, "A", "sword") + h.Quantity(t, "B", "sword")

			res, err := e.Propose(ctx, "A", "B")
			require.NoError(t, err)
			id := res.Record.ID
			_, err = e.AddOffer(ctx, id, "A", tt.offerA)
			require.NoError(t, err)
			_, err = e.AddOffer(ctx, id, "B", tt.offerB)
			require.NoError(t, err)
			_, err = e.Accept(ctx, id, "B")
			require.NoError(t, err)
			res, err = e.Accept(ctx, id, "A")
			require.NoError(t, err)
			require.Equal(t, model.StateSettled, res.Record.State)

			assert.Equal(t, before, h.Total(t, "A", "B"))
			assert.Equal(t, gems, h.Quantity(t, "A", "gem")+h.Quantity(t, "B", "gem"))
			assert.Equal(t, swords, h.Quantity(t, "A", "sword")+h.Quantity(t, "B", "sword"))
			assert.Equal(t, 1000-tt.offerA.Money+tt.offerB.Money, h.Balance(t, "A"))
		})
	}
}

func TestTrade_OfferResetsAcceptance(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 1000, nil)
	h.Fund(t, "B", 1000, nil)

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID
	_, err = e.AddOffer(ctx, id, "A", money(100))
	require.NoError(t, err)
	_, err = e.AddOffer(ctx, id, "B", money(100))
	require.NoError(t, err)
	res, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	require.True(t, res.Record.Trade.InitiatorAccepted)

	res, err = e.AddOffer(ctx, id, "B", money(50))
	require.NoError(t, err)
	assert.False(t, res.Record.Trade.InitiatorAccepted)
	assert.False(t, res.Record.Trade.TargetAccepted)
	assert.Equal(t, int64(150), res.Record.Trade.TargetOffer.Money)

	res, err = e.Accept(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StateNegotiating, res.Record.State, "a reset flag must be given again")
}

func TestTrade_EmptyOfferLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 1000, nil)

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID
	_, err = e.AddOffer(ctx, id, "A", money(100))
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	before := h.Record(t, id)
	entries := h.Entries()

	_, err = e.Accept(ctx, id, "B")
	require.ErrorIs(t, err, model.ErrEmptyOffer)

	after := h.Record(t, id)
	assert.Equal(t, before.Version, after.Version)
	assert.False(t, after.Trade.TargetAccepted)
	assert.Equal(t, entries, h.Entries())
	assert.Equal(t, int64(1000), h.Balance(t, "A"))
}

func TestTrade_InsufficientAtSettlement(t *testing.T) {
	tests := []struct {
		name  string
		spend func(t *testing.T, h *exchangetest.Harness)
		blame string
		want  error
	}{
		{
			name: "initiator spent money",
			spend: func(t *testing.T, h *exchangetest.Harness) {
				_, err := h.Ledger.Adjust(context.Background(), "A", model.Delta{Balance: -800}, "shop")
				require.NoError(t, err)
			},
			blame: "A",
			want:  model.ErrInsufficientFunds,
		},
		{
			name: "target sold item",
			spend: func(t *testing.T, h *exchangetest.Harness) {
				_, err := h.Ledger.Adjust(context.Background(), "B", model.Delta{Items: model.Items{"itemX": -1}}, "sell")
				require.NoError(t, err)
			},
			blame: "B",
			want:  model.ErrInsufficientItems,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, h := setup(t, Config{})
			h.Fund(t, "A", 1000, nil)
			h.Fund(t, "B", 0, model.Items{"itemX": 1})

			res, err := e.Propose(ctx, "A", "B")
			require.NoError(t, err)
			id := res.Record.ID
			_, err = e.AddOffer(ctx, id, "A", money(500))
			require.NoError(t, err)
			_, err = e.AddOffer(ctx, id, "B", items("itemX", 1))
			require.NoError(t, err)
			_, err = e.Accept(ctx, id, "A")
			require.NoError(t, err)

			tt.spend(t, h)
			balA, qtyB := h.Balance(t, "A"), h.Quantity(t, "B", "itemX")

			_, err = e.Accept(ctx, id, "B")
			require.ErrorIs(t, err, tt.want)
			acct, ok := model.AccountOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.blame, acct)

			rec := h.Record(t, id)
			assert.Equal(t, model.StateNegotiating, rec.State)
			assert.False(t, rec.Trade.InitiatorAccepted)
			assert.False(t, rec.Trade.TargetAccepted)
			assert.Equal(t, balA, h.Balance(t, "A"))
			assert.Equal(t, qtyB, h.Quantity(t, "B", "itemX"))
			assert.Zero(t, h.Escrowed(t))
		})
	}
}

func TestTrade_BalanceLimitAtSettlement(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{}, exchangetest.WithMaxBalance(1000))
	h.Fund(t, "A", 500, nil)
	h.Fund(t, "B", 900, model.Items{"itemX": 1})

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID
	_, err = e.AddOffer(ctx, id, "A", money(500))
	require.NoError(t, err)
	_, err = e.AddOffer(ctx, id, "B", items("itemX", 1))
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)

	entries := h.Entries()
	_, err = e.Accept(ctx, id, "B")
	require.ErrorIs(t, err, model.ErrBalanceLimit)
	acct, ok := model.AccountOf(err)
	require.True(t, ok)
	assert.Equal(t, "B", acct)

	rec := h.Record(t, id)
	assert.Equal(t, model.StateNegotiating, rec.State)
	assert.False(t, rec.Trade.InitiatorAccepted)
	assert.False(t, rec.Trade.TargetAccepted)
	assert.Equal(t, entries, h.Entries(), "nothing was escrowed")
	assert.Equal(t, int64(500), h.Balance(t, "A"))
	assert.Equal(t, int64(900), h.Balance(t, "B"))
	assert.Equal(t, int64(1), h.Quantity(t, "B", "itemX"))
	assert.Zero(t, h.Escrowed(t))

	open, err := h.Vault.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Once B has room the same terms settle.
	_, err = h.Ledger.Adjust(ctx, "B", model.Delta{Balance: -400}, "spend")
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	res, err = e.Accept(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, res.Record.State)
	assert.Equal(t, int64(1000), h.Balance(t, "B"))
	assert.Equal(t, int64(1), h.Quantity(t, "A", "itemX"))
}

// Run with -race: every accept below contends on A's account.
func TestTrade_ConcurrentAcceptsShareAccount(t *testing.T) {
	const (
		trades = 20
		price  = 100
	)
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 1000, nil)

	ids := make([]string, trades)
	sellers := []string{"A"}
	for i := range ids {
		seller := fmt.Sprintf("B%02d", i)
		sellers = append(sellers, seller)
		h.Fund(t, seller, 0, model.Items{"gem": 1})

		res, err := e.Propose(ctx, "A", seller)
		require.NoError(t, err)
		ids[i] = res.Record.ID
		_, err = e.AddOffer(ctx, ids[i], "A", money(price))
		require.NoError(t, err)
		_, err = e.AddOffer(ctx, ids[i], seller, items("gem", 1))
		require.NoError(t, err)
		_, err = e.Accept(ctx, ids[i], seller)
		require.NoError(t, err)
	}
	before := h.Total(t, sellers...)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Accept(ctx, id, "A")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ok++
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1000/price, ok)
	for _, err := range errs {
		assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	}
	assert.Equal(t, before, h.Total(t, sellers...))
	assert.Zero(t, h.Balance(t, "A"))
	assert.Equal(t, int64(ok), h.Quantity(t, "A", "gem"))
	assert.Zero(t, h.Escrowed(t))

	settled := 0
	for _, id := range ids {
		switch rec := h.Record(t, id); rec.State {
		case model.StateSettled:
			settled++
		default:
			assert.Equal(t, model.StateNegotiating, rec.State)
		}
	}
	assert.Equal(t, ok, settled)
}

func TestTrade_SettlesAfterFailedAttempt(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 500, nil)
	h.Fund(t, "B", 0, model.Items{"itemX": 1})

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID
	_, err = e.AddOffer(ctx, id, "A", money(500))
	require.NoError(t, err)
	_, err = e.AddOffer(ctx, id, "B", items("itemX", 1))
	require.NoError(t, err)

	_, err = h.Ledger.Adjust(ctx, "B", model.Delta{Items: model.Items{"itemX": -1}}, "lend")
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "B")
	require.ErrorIs(t, err, model.ErrInsufficientItems)
	require.Equal(t, int64(500), h.Balance(t, "A"), "partial hold refunded")

	_, err = h.Ledger.Adjust(ctx, "B", model.Delta{Items: model.Items{"itemX": 1}}, "return")
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	require.NoError(t, err)
	res, err = e.Accept(ctx, id, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, res.Record.State)
	assert.Equal(t, int64(0), h.Balance(t, "A"))
	assert.Equal(t, int64(500), h.Balance(t, "B"))
	assert.Equal(t, int64(1), h.Quantity(t, "A", "itemX"))
}

func TestTrade_Validation(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{MaxActivePerUser: 1})
	h.Fund(t, "A", 100, nil)

	_, err := e.Propose(ctx, "A", "A")
	assert.ErrorIs(t, err, model.ErrSelfTargetNotAllowed)

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID

	_, err = e.Propose(ctx, "A", "C")
	assert.ErrorIs(t, err, model.ErrAlreadyActive)

	_, err = e.AddOffer(ctx, id, "C", money(1))
	assert.ErrorIs(t, err, model.ErrNotParticipant)

	_, err = e.AddOffer(ctx, id, "A", money(101))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	_, err = e.AddOffer(ctx, id, "A", money(-5))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = e.AddOffer(ctx, id, "A", model.Offer{})
	assert.ErrorIs(t, err, model.ErrEmptyOffer)

	_, err = e.Accept(ctx, "missing", "A")
	assert.ErrorIs(t, err, model.ErrRecordNotFound)

	_, err = e.Cancel(ctx, id, "B")
	require.NoError(t, err)
	_, err = e.Accept(ctx, id, "A")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestTrade_Expiry(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{TTL: time.Minute})

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	expiring := res.Record.ID
	res, err = e.Propose(ctx, "C", "D")
	require.NoError(t, err)
	cancelled := res.Record.ID
	_, err = e.Cancel(ctx, cancelled, "C")
	require.NoError(t, err)

	h.Clock.Advance(time.Minute)

	assert.Equal(t, model.StateExpired, h.Record(t, expiring).State)
	assert.Equal(t, model.StateCancelled, h.Record(t, cancelled).State)
	expired := h.Events.OfType(model.EventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring, expired[0].RecordID)

	res, err = e.Expire(ctx, expiring)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, res.Record.State)
	assert.Empty(t, res.Events)
}

func TestTrade_ResumeRefundsUnsettledLegs(t *testing.T) {
	ctx := context.Background()
	e, h := setup(t, Config{})
	h.Fund(t, "A", 1000, nil)

	res, err := e.Propose(ctx, "A", "B")
	require.NoError(t, err)
	id := res.Record.ID

	hold, err := h.Vault.Hold(ctx, escrow.Spec{RecordID: id, Leg: "initiator-9", AccountID: "A", Money: 400})
	require.NoError(t, err)
	require.Equal(t, int64(600), h.Balance(t, "A"))

	require.NoError(t, e.Resume(ctx, h.Record(t, id), []escrow.Hold{hold}))
	assert.Equal(t, int64(1000), h.Balance(t, "A"))
	assert.Zero(t, h.Escrowed(t))
}
