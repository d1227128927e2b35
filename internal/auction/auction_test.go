package auction

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange/exchangetest"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/modifier"
)

func testConfig() Config {
	return Config{
		FloorRate:        decimal.RequireFromString("0.5"),
		MinIncrementRate: decimal.RequireFromString("0.05"),
		DefaultDuration:  time.Hour,
		MinDuration:      time.Minute,
		MaxDuration:      24 * time.Hour,
	}
}

func setup(t *testing.T, mods modifier.Source, opts ...exchangetest.Option) (*House, *exchangetest.Harness) {
	t.Helper()
	h := exchangetest.New(t, opts...)
	catalog := NewStaticCatalog(map[string]int64{"Relic": 1000})
	return New(h.Core, testConfig(), catalog, mods, nil), h
}

func refundsFor(h *exchangetest.Harness, user string) int {
	n := 0
	for _, e := range h.Events.OfType(model.EventRefunded) {
		for _, u := range e.Users {
			if u == user {
				n++
			}
		}
	}
	return n
}

func TestAuction_LiteralScenario(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	h.Fund(t, "U2", 5000, nil)
	h.Fund(t, "U3", 5000, nil)

	res, err := a.Create(ctx, "S", "relic", 0, 1000, time.Hour)
	require.NoError(t, err)
	id := res.Record.ID
	assert.Equal(t, int64(1), res.Record.Auction.Quantity)
	assert.Equal(t, int64(0), h.Quantity(t, "S", "relic"), "lot escrowed")

	_, err = a.PlaceBid(ctx, id, "U2", 1100)
	require.NoError(t, err)
	assert.Equal(t, int64(3900), h.Balance(t, "U2"))

	res, err = a.PlaceBid(ctx, id, "U3", 1200)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), h.Balance(t, "U2"), "U2 refunded 1100")
	assert.Equal(t, int64(3800), h.Balance(t, "U3"))
	require.Len(t, res.Events, 3)
	assert.Equal(t, model.EventOutbid, res.Events[1].Type)

	h.Clock.Advance(time.Hour)

	rec := h.Record(t, id)
	assert.Equal(t, model.StateSettled, rec.State)
	assert.Equal(t, int64(1200), h.Balance(t, "S"))
	assert.Equal(t, int64(1), h.Quantity(t, "U3", "relic"))
	assert.Equal(t, int64(5000), h.Balance(t, "U2"))
	assert.Equal(t, 1, refundsFor(h, "U2"))
	assert.Zero(t, h.Escrowed(t))
}

func TestAuction_RefundsEachOutbidBidderOnce(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	bidders := []string{"B1", "B2", "B3", "B4", "B5"}
	for _, b := range bidders {
		h.Fund(t, b, 10000, nil)
	}

	res, err := a.Create(ctx, "S", "relic", 1, 600, 0)
	require.NoError(t, err)
	id := res.Record.ID

	amount := a.MinimumBid(res.Record.Auction)
	for _, b := range bidders {
		res, err = a.PlaceBid(ctx, id, b, amount)
		require.NoError(t, err)
		amount = a.MinimumBid(res.Record.Auction)
	}
	final := res.Record.Auction.CurrentBid

	_, err = a.End(ctx, id)
	require.NoError(t, err)

	for _, b := range bidders[:len(bidders)-1] {
		assert.Equal(t, int64(10000), h.Balance(t, b), b)
		assert.Equal(t, 1, refundsFor(h, b), b)
	}
	assert.Equal(t, 10000-final, h.Balance(t, "B5"))
	assert.Equal(t, 0, refundsFor(h, "B5"))
	assert.Equal(t, final, h.Balance(t, "S"))
	assert.Zero(t, h.Escrowed(t))
}

func TestAuction_MinimumBidAppliesIncrement(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	h.Fund(t, "B", 5000, nil)

	res, err := a.Create(ctx, "S", "relic", 1, 1000, 0)
	require.NoError(t, err)
	id := res.Record.ID
	assert.Equal(t, int64(1000), res.Record.Auction.CurrentBid)
	assert.Equal(t, int64(1050), a.MinimumBid(res.Record.Auction))

	for _, amount := range []int64{1000, 1049} {
		_, err = a.PlaceBid(ctx, id, "B", amount)
		assert.ErrorIs(t, err, model.ErrBidTooLow, amount)
	}
	res, err = a.PlaceBid(ctx, id, "B", 1050)
	require.NoError(t, err)
	assert.Equal(t, int64(1050+53), a.MinimumBid(res.Record.Auction), "ceil(1050 * 0.05)")
}

func TestAuction_RaiseOwnBid(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	h.Fund(t, "B", 1600, nil)
	h.Fund(t, "C", 5000, nil)

	res, err := a.Create(ctx, "S", "relic", 1, 1000, 0)
	require.NoError(t, err)
	id := res.Record.ID

	_, err = a.PlaceBid(ctx, id, "B", 1050)
	require.NoError(t, err)

	// Only the 450 difference is held, so 550 is enough.
	res, err = a.PlaceBid(ctx, id, "B", 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), h.Balance(t, "B"))
	assert.Equal(t, int64(1500), h.Escrowed(t))
	assert.Equal(t, []string{"bid-1", "bid-2"}, res.Record.Auction.HighestLegs)
	assert.Equal(t, "450", res.Events[0].Detail["held"])
	assert.Zero(t, refundsFor(h, "B"))

	// Outbidding the raised bid refunds both legs under one refund.
	res, err = a.PlaceBid(ctx, id, "C", 1575)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), h.Balance(t, "B"))
	assert.Equal(t, 1, refundsFor(h, "B"))
	assert.Equal(t, int64(1575), h.Escrowed(t))

	_, err = a.PlaceBid(ctx, id, "C", 2000)
	require.NoError(t, err)
	_, err = a.End(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), h.Balance(t, "S"))
	assert.Equal(t, int64(3000), h.Balance(t, "C"))
	assert.Equal(t, int64(1), h.Quantity(t, "C", "relic"))
	assert.Zero(t, h.Escrowed(t))
}

func TestAuction_SellerBalanceLimit(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil, exchangetest.WithMaxBalance(1000))
	h.Fund(t, "S", 900, model.Items{"relic": 1})
	h.Fund(t, "B", 1000, nil)

	res, err := a.Create(ctx, "S", "relic", 1, 500, 0)
	require.NoError(t, err)
	id := res.Record.ID

	_, err = a.PlaceBid(ctx, id, "B", 525)
	require.ErrorIs(t, err, model.ErrBalanceLimit)
	acct, ok := model.AccountOf(err)
	require.True(t, ok)
	assert.Equal(t, "S", acct)
	assert.Equal(t, int64(1000), h.Balance(t, "B"))
	assert.Empty(t, h.Record(t, id).Auction.Bids)
	assert.Zero(t, h.Escrowed(t))

	_, err = h.Ledger.Adjust(ctx, "S", model.Delta{Balance: -500}, "spend")
	require.NoError(t, err)
	_, err = a.PlaceBid(ctx, id, "B", 600)
	require.NoError(t, err)

	// The seller fills up again before the end; the sale still completes.
	_, err = h.Ledger.Adjust(ctx, "S", model.Delta{Balance: 600}, "deposit")
	require.NoError(t, err)
	res, err = a.End(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateSettled, res.Record.State)
	assert.Equal(t, int64(1600), h.Balance(t, "S"))
	assert.Equal(t, int64(1), h.Quantity(t, "B", "relic"))

	open, err := h.Vault.Open(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAuction_Validation(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 2})
	h.Fund(t, "B", 100, nil)

	_, err := a.Create(ctx, "S", "relic", 1, 499, 0)
	assert.ErrorIs(t, err, model.ErrBidTooLow, "floor is ceil(1000 * 0.5)")

	_, err = a.Create(ctx, "S", "relic", 3, 5000, 0)
	assert.ErrorIs(t, err, model.ErrInsufficientItems)

	_, err = a.Create(ctx, "S", "relic", 1, 0, 0)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	res, err := a.Create(ctx, "S", "relic", 1, 500, time.Second)
	require.NoError(t, err)
	id := res.Record.ID
	assert.Equal(t, exchangetest.Start.Add(time.Minute), res.Record.Auction.EndsAt, "duration clamped to minimum")

	_, err = a.PlaceBid(ctx, id, "S", 600)
	assert.ErrorIs(t, err, model.ErrSelfTargetNotAllowed)

	_, err = a.PlaceBid(ctx, id, "B", 524)
	assert.ErrorIs(t, err, model.ErrBidTooLow, "500 + ceil(500 * 0.05)")

	_, err = a.PlaceBid(ctx, id, "B", 525)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Empty(t, h.Record(t, id).Auction.Bids)

	h.Clock.Advance(time.Minute)
	_, err = a.PlaceBid(ctx, id, "B", 50)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestAuction_FloorModifier(t *testing.T) {
	ctx := context.Background()
	mods := modifier.Static{{
		Name:       "collector week",
		Target:     modifier.AuctionFloor,
		Multiplier: decimal.NewNullDecimal(decimal.NewFromInt(2)),
	}}
	a, h := setup(t, mods)
	h.Fund(t, "S", 0, model.Items{"relic": 1})

	assert.Equal(t, int64(1000), a.Floor("relic", 1, exchangetest.Start))
	_, err := a.Create(ctx, "S", "relic", 1, 999, 0)
	assert.ErrorIs(t, err, model.ErrBidTooLow)
}

func TestAuction_Unsold(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})

	res, err := a.Create(ctx, "S", "relic", 1, 500, time.Hour)
	require.NoError(t, err)

	h.Clock.Advance(time.Hour)

	assert.Equal(t, model.StateUnsold, h.Record(t, res.Record.ID).State)
	assert.Equal(t, int64(1), h.Quantity(t, "S", "relic"))
	assert.Len(t, h.Events.OfType(model.EventUnsold), 1)
}

func TestAuction_EndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	h.Fund(t, "B", 1000, nil)

	res, err := a.Create(ctx, "S", "relic", 1, 500, 0)
	require.NoError(t, err)
	id := res.Record.ID
	_, err = a.PlaceBid(ctx, id, "B", 700)
	require.NoError(t, err)

	first, err := a.End(ctx, id)
	require.NoError(t, err)
	entries := h.Entries()

	second, err := a.End(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Record.State, second.Record.State)
	assert.Equal(t, first.Record.Version, second.Record.Version)
	assert.Empty(t, second.Events)
	assert.Equal(t, entries, h.Entries())
	assert.Equal(t, int64(700), h.Balance(t, "S"))
}

func TestAuction_ResumeRefundsStrayBids(t *testing.T) {
	ctx := context.Background()
	a, h := setup(t, nil)
	h.Fund(t, "S", 0, model.Items{"relic": 1})
	h.Fund(t, "B", 1000, nil)
	h.Fund(t, "C", 1000, nil)

	res, err := a.Create(ctx, "S", "relic", 1, 500, 0)
	require.NoError(t, err)
	id := res.Record.ID
	_, err = a.PlaceBid(ctx, id, "B", 600)
	require.NoError(t, err)

	// A hold whose record update never happened.
	_, err = h.Vault.Hold(ctx, escrow.Spec{RecordID: id, Leg: "bid-9", AccountID: "C", Money: 800})
	require.NoError(t, err)

	holds, err := h.Vault.Holds(ctx, id)
	require.NoError(t, err)
	require.NoError(t, a.Resume(ctx, h.Record(t, id), holds))

	assert.Equal(t, int64(1000), h.Balance(t, "C"))
	assert.Equal(t, int64(400), h.Balance(t, "B"), "highest bid stays held")
	assert.Equal(t, int64(600), h.Escrowed(t))
}
