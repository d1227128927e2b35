package auction

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/modifier"
)

// LotLeg is the escrow leg holding the auctioned items.
const LotLeg = "lot"

// Config holds auction rules.
type Config struct {
	FloorRate        decimal.Decimal
	MinIncrementRate decimal.Decimal
	DefaultDuration  time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration
	MaxOpenPerSeller int // 0 = unlimited
}

// House is the AuctionHouse.
type House struct {
	core      *exchange.Core
	cfg       Config
	catalog   Catalog
	modifiers modifier.Source
	logger    *slog.Logger
}

// New creates the house and registers it with core. catalog and mods may be
// nil.
func New(core *exchange.Core, cfg Config, catalog Catalog, mods modifier.Source, logger *slog.Logger) *House {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = StaticCatalog(nil)
	}
	if mods == nil {
		mods = modifier.None
	}
	h := &House{core: core, cfg: cfg, catalog: catalog, modifiers: mods, logger: logger}
	core.Register(h)
	return h
}

// Kind implements exchange.Protocol.
func (h *House) Kind() model.Kind { return model.KindAuction }

// Floor returns the lowest acceptable starting bid for qty of item at now.
func (h *House) Floor(item string, qty int64, now time.Time) int64 {
	ref, ok := h.catalog.ReferenceValue(item)
	if !ok {
		return 0
	}
	base := decimal.NewFromInt(ref).
		Mul(decimal.NewFromInt(qty)).
		Mul(h.cfg.FloorRate).
		Ceil().
		IntPart()
	return modifier.Apply(base, h.modifiers.Rules(modifier.AuctionFloor, now))
}

// MinimumBid returns the lowest bid the auction accepts next. CurrentBid
// starts at the starting bid, so the first bid also clears the increment.
func (h *House) MinimumBid(a *model.AuctionTerms) int64 {
	raise := decimal.NewFromInt(a.CurrentBid).Mul(h.cfg.MinIncrementRate).Ceil().IntPart()
	return a.CurrentBid + raise
}

// Create escrows qty of item from seller and opens an auction. qty 0 means
// one; duration 0 means the default and is clamped to the configured range.
func (h *House) Create(ctx context.Context, seller, item string, qty, startingBid int64, duration time.Duration) (res exchange.Result, err error) {
	done := h.core.Observe(model.KindAuction, "create")
	defer func() { done(err) }()

	item = model.NormalizeItemID(item)
	if qty == 0 {
		qty = 1
	}
	if seller == "" || item == "" || qty < 0 || startingBid <= 0 {
		return exchange.Result{}, fmt.Errorf("%w: auction needs a seller, an item and a positive starting bid", model.ErrInvalidAmount)
	}

	now := h.core.Now()
	if floor := h.Floor(item, qty, now); startingBid < floor {
		return exchange.Result{}, fmt.Errorf("%w: starting bid %d is below the floor %d", model.ErrBidTooLow, startingBid, floor)
	}
	if err := h.checkLimit(ctx, seller); err != nil {
		return exchange.Result{}, err
	}
	duration = h.clamp(duration)

	id := h.core.NewID()
	unlock := h.core.Lock(id)
	defer unlock()

	if _, err := h.core.Vault.Hold(ctx, escrow.Spec{
		RecordID:  id,
		Leg:       LotLeg,
		AccountID: seller,
		Items:     model.Items{item: qty},
	}); err != nil {
		return exchange.Result{}, err
	}

	rec, err := h.core.Create(ctx, model.Record{
		ID:           id,
		Kind:         model.KindAuction,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
		Participants: []string{seller},
		Auction: &model.AuctionTerms{
			Seller:      seller,
			Item:        item,
			Quantity:    qty,
			StartingBid: startingBid,
			CurrentBid:  startingBid,
			EndsAt:      now.Add(duration),
		},
	})
	if err != nil {
		if _, rerr := h.core.Vault.Refund(ctx, id, LotLeg); rerr != nil {
			h.logger.Error("failed to return lot after create failure", "record_id", id, "error", rerr)
		}
		return exchange.Result{}, err
	}

	ev := model.NewEvent(model.EventCreated, rec, now, seller).WithAmount(startingBid)
	ev.Items = model.Items{item: qty}
	return h.core.Finish(rec, ev), nil
}

// PlaceBid holds amount from bidder, makes it the highest bid and refunds
// the bid it replaces. When the highest bidder raises their own bid only the
// difference is held, and the earlier legs stay part of the winning bid.
func (h *House) PlaceBid(ctx context.Context, id, bidder string, amount int64) (res exchange.Result, err error) {
	done := h.core.Observe(model.KindAuction, "bid")
	defer func() { done(err) }()

	unlock := h.core.Lock(id)
	defer unlock()

	rec, err := h.core.Load(ctx, id, model.KindAuction)
	if err != nil {
		return exchange.Result{}, err
	}
	a := rec.Auction
	now := h.core.Now()
	if rec.State != model.StateOpen || !now.Before(a.EndsAt) {
		return exchange.Result{}, fmt.Errorf("%w: auction is closed", model.ErrInvalidState)
	}
	if bidder == a.Seller {
		return exchange.Result{}, model.ErrSelfTargetNotAllowed
	}
	if minBid := h.MinimumBid(a); amount < minBid {
		return exchange.Result{}, fmt.Errorf("%w: minimum is %d", model.ErrBidTooLow, minBid)
	}

	prevBidder, prevLegs, prevAmount := a.HighestBidder, a.HighestLegs, a.CurrentBid
	raising := bidder == prevBidder
	held := amount
	if raising {
		held = amount - prevAmount
	}
	if held <= 0 {
		return exchange.Result{}, fmt.Errorf("%w: bid must exceed %d", model.ErrBidTooLow, prevAmount)
	}

	// Rejected holds leave void legs behind, so number legs by every entry
	// the record has ever had. The lot is the first.
	existing, err := h.core.Vault.Holds(ctx, id)
	if err != nil {
		return exchange.Result{}, err
	}
	leg := fmt.Sprintf("bid-%d", len(existing))

	unlockAccounts := h.core.LockAccounts(bidder, prevBidder, a.Seller)
	defer unlockAccounts()

	// The winning bid is credited to the seller at End.
	if err := h.core.Ledger.CheckHeadroom(ctx, a.Seller, amount); err != nil {
		return exchange.Result{}, err
	}
	if _, err := h.core.Vault.Hold(ctx, escrow.Spec{
		RecordID:  id,
		Leg:       leg,
		AccountID: bidder,
		Money:     held,
	}); err != nil {
		return exchange.Result{}, err
	}

	next := rec.Clone()
	na := next.Auction
	na.CurrentBid = amount
	na.HighestBidder = bidder
	if raising {
		na.HighestLegs = append(na.HighestLegs, leg)
	} else {
		na.HighestLegs = []string{leg}
	}
	na.Bids = append(na.Bids, model.Bid{Bidder: bidder, Amount: amount, Leg: leg, At: now})
	if !next.HasParticipant(bidder) {
		next.Participants = append(next.Participants, bidder)
	}

	saved, err := h.core.Commit(ctx, rec, next, "bid by "+bidder)
	if err != nil {
		h.refund(ctx, id, leg)
		return exchange.Result{}, err
	}

	events := []model.Event{
		model.NewEvent(model.EventBidPlaced, saved, now, a.Seller, bidder).
			WithAmount(amount).
			WithDetail("bidder", bidder).
			WithDetail("held", fmt.Sprint(held)),
	}
	if !raising && len(prevLegs) > 0 {
		for _, l := range prevLegs {
			h.refund(ctx, id, l)
		}
		events = append(events,
			model.NewEvent(model.EventOutbid, saved, now, prevBidder).WithAmount(amount),
			model.NewEvent(model.EventRefunded, saved, now, prevBidder).WithAmount(prevAmount).WithDetail("legs", strings.Join(prevLegs, ",")),
		)
	}
	return h.core.Finish(saved, events...), nil
}

// End closes the auction: the highest bid goes to the seller and the lot to
// the winner, or the lot returns to the seller. Ending a finished auction
// returns it unchanged.
func (h *House) End(ctx context.Context, id string) (res exchange.Result, err error) {
	done := h.core.Observe(model.KindAuction, "end")
	defer func() { done(err) }()

	unlock := h.core.Lock(id)
	defer unlock()

	rec, err := h.core.Load(ctx, id, model.KindAuction)
	if err != nil {
		return exchange.Result{}, err
	}
	if rec.Terminal() {
		return exchange.Result{Record: rec}, nil
	}

	a := rec.Auction
	next := rec.Clone()
	now := h.core.Now()

	if a.HighestBidder == "" {
		next.State = model.StateUnsold
		saved, err := h.core.Commit(ctx, rec, next, "no bids")
		if err != nil {
			return exchange.Result{}, err
		}
		h.refund(ctx, id, LotLeg)
		ev := model.NewEvent(model.EventUnsold, saved, now, a.Seller)
		ev.Items = model.Items{a.Item: a.Quantity}
		return h.core.Finish(saved, ev), nil
	}

	next.State = model.StateSettled
	saved, err := h.core.Commit(ctx, rec, next, "sold to "+a.HighestBidder)
	if err != nil {
		return exchange.Result{}, err
	}
	for _, l := range a.HighestLegs {
		h.release(ctx, id, l, a.Seller)
	}
	h.release(ctx, id, LotLeg, a.HighestBidder)

	ev := model.NewEvent(model.EventSettled, saved, now, a.Seller, a.HighestBidder).
		WithAmount(a.CurrentBid).
		WithDetail("winner", a.HighestBidder)
	ev.Items = model.Items{a.Item: a.Quantity}
	return h.core.Finish(saved, ev), nil
}

// Expire implements exchange.Protocol.
func (h *House) Expire(ctx context.Context, id string) (exchange.Result, error) {
	return h.End(ctx, id)
}

// Resume implements exchange.Protocol. An open auction refunds every bid
// leg but the highest bid's; a settled one delivers the highest bid and the
// lot and refunds the rest; an unsold one refunds everything.
func (h *House) Resume(ctx context.Context, rec model.Record, holds []escrow.Hold) error {
	a := rec.Auction
	for _, hold := range holds {
		winning := slices.Contains(a.HighestLegs, hold.Leg)
		var err error
		switch {
		case rec.State == model.StateOpen:
			if hold.Leg == LotLeg || winning {
				continue
			}
			_, err = h.core.Vault.Refund(ctx, hold.RecordID, hold.Leg)
		case rec.State == model.StateSettled && hold.Leg == LotLeg:
			_, err = h.core.Vault.Release(ctx, hold.RecordID, hold.Leg, a.HighestBidder)
		case rec.State == model.StateSettled && winning:
			_, err = h.core.Vault.Release(ctx, hold.RecordID, hold.Leg, a.Seller)
		default:
			_, err = h.core.Vault.Refund(ctx, hold.RecordID, hold.Leg)
		}
		if err != nil {
			return fmt.Errorf("resume auction %s leg %s: %w", rec.ID, hold.Leg, err)
		}
	}
	return nil
}

func (h *House) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = h.cfg.DefaultDuration
	}
	if h.cfg.MinDuration > 0 && d < h.cfg.MinDuration {
		d = h.cfg.MinDuration
	}
	if h.cfg.MaxDuration > 0 && d > h.cfg.MaxDuration {
		d = h.cfg.MaxDuration
	}
	return d
}

func (h *House) checkLimit(ctx context.Context, seller string) error {
	if h.cfg.MaxOpenPerSeller <= 0 {
		return nil
	}
	active, err := h.core.Records.ActiveByParticipant(ctx, seller)
	if err != nil {
		return err
	}
	n := 0
	for _, r := range active {
		if r.Kind == model.KindAuction && r.Auction.Seller == seller {
			n++
		}
	}
	if n >= h.cfg.MaxOpenPerSeller {
		return fmt.Errorf("%w: %d open auctions", model.ErrAlreadyActive, n)
	}
	return nil
}

func (h *House) refund(ctx context.Context, id, leg string) {
	if _, err := h.core.Vault.Refund(ctx, id, leg); err != nil {
		h.logger.Error("auction refund failed, left for reconciliation",
			"record_id", id,
			"leg", leg,
			"error", err,
		)
	}
}

func (h *House) release(ctx context.Context, id, leg, dest string) {
	if _, err := h.core.Vault.Release(ctx, id, leg, dest); err != nil {
		h.logger.Error("auction release failed, left for reconciliation",
			"record_id", id,
			"leg", leg,
			"destination", dest,
			"error", err,
		)
	}
}
