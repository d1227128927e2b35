package wager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/modifier"
)

// Sides accepted by Resolve in place of a user id.
const (
	SideChallenger = "challenger"
	SideOpponent   = "opponent"
)

// Config holds wager rules.
type Config struct {
	HouseFeeRate      decimal.Decimal
	MinStake          int64
	MaxStake          int64 // 0 = unlimited
	PendingTTL        time.Duration
	ResolveTTL        time.Duration
	MaxPendingPerUser int   // 0 = unlimited
	WinnerXP          int64 // 0 = no experience reward
}

// Broker is the WagerBroker.
type Broker struct {
	core      *exchange.Core
	cfg       Config
	modifiers modifier.Source
	logger    *slog.Logger
}

// New creates the broker and registers it with core. mods may be nil.
func New(core *exchange.Core, cfg Config, mods modifier.Source, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if mods == nil {
		mods = modifier.None
	}
	b := &Broker{core: core, cfg: cfg, modifiers: mods, logger: logger}
	core.Register(b)
	return b
}

// Kind implements exchange.Protocol.
func (b *Broker) Kind() model.Kind { return model.KindWager }

// Propose offers a wager of stake to opponent. Nothing is escrowed yet.
func (b *Broker) Propose(ctx context.Context, challenger, opponent string, stake int64, description string) (res exchange.Result, err error) {
	done := b.core.Observe(model.KindWager, "propose")
	defer func() { done(err) }()

	if challenger == "" || opponent == "" {
		return exchange.Result{}, fmt.Errorf("%w: wager needs two users", model.ErrNotParticipant)
	}
	if challenger == opponent {
		return exchange.Result{}, model.ErrSelfTargetNotAllowed
	}
	if stake <= 0 || stake < b.cfg.MinStake || (b.cfg.MaxStake > 0 && stake > b.cfg.MaxStake) {
		return exchange.Result{}, fmt.Errorf("%w: stake %d outside [%d, %d]", model.ErrInvalidAmount, stake, b.cfg.MinStake, b.cfg.MaxStake)
	}
	if err := b.checkLimit(ctx, challenger); err != nil {
		return exchange.Result{}, err
	}
	acct, err := b.core.Ledger.Account(ctx, challenger)
	if err != nil {
		return exchange.Result{}, err
	}
	if acct.Balance < stake {
		return exchange.Result{}, &model.AccountError{AccountID: challenger, Err: model.ErrInsufficientFunds}
	}

	now := b.core.Now()
	rec, err := b.core.Create(ctx, model.Record{
		Kind:         model.KindWager,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.PendingTTL),
		Participants: []string{challenger, opponent},
		Wager: &model.WagerTerms{
			Challenger:   challenger,
			Opponent:     opponent,
			Stake:        stake,
			Description:  description,
			HouseFeeRate: b.cfg.HouseFeeRate.String(),
		},
	})
	if err != nil {
		return exchange.Result{}, err
	}
	return b.core.Finish(rec, model.NewEvent(model.EventProposed, rec, now, challenger, opponent).WithAmount(stake)), nil
}

// Accept is the opponent taking the wager: both balances are re-read, both
// stakes escrowed and the wager becomes active.
func (b *Broker) Accept(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := b.core.Observe(model.KindWager, "accept")
	defer func() { done(err) }()

	unlock := b.core.Lock(id)
	defer unlock()

	rec, err := b.pending(ctx, id, user)
	if err != nil {
		return exchange.Result{}, err
	}
	w := rec.Wager

	unlockAccounts := b.core.LockAccounts(w.Challenger, w.Opponent)
	defer unlockAccounts()

	for _, u := range []string{w.Challenger, w.Opponent} {
		acct, err := b.core.Ledger.Account(ctx, u)
		if err != nil {
			return exchange.Result{}, err
		}
		if acct.Balance < w.Stake {
			return exchange.Result{}, &model.AccountError{AccountID: u, Err: model.ErrInsufficientFunds}
		}
		// Winning nets at most the other side's stake.
		if err := b.core.Ledger.CheckHeadroom(ctx, u, w.Stake); err != nil {
			return exchange.Result{}, err
		}
	}

	challengerLeg, opponentLeg := legs(rec.Version)
	if err := b.hold(ctx, id, challengerLeg, w.Challenger, w.Stake); err != nil {
		return exchange.Result{}, err
	}
	if err := b.hold(ctx, id, opponentLeg, w.Opponent, w.Stake); err != nil {
		b.refund(ctx, id, challengerLeg)
		return exchange.Result{}, err
	}

	now := b.core.Now()
	next := rec.Clone()
	next.State = model.StateActive
	next.ExpiresAt = now.Add(b.cfg.ResolveTTL)
	saved, err := b.core.Commit(ctx, rec, next, "accepted")
	if err != nil {
		// Stakes stay held; the reconciler refunds them against the
		// still-pending record.
		return exchange.Result{}, err
	}
	return b.core.Finish(saved,
		model.NewEvent(model.EventActivated, saved, now, w.Challenger, w.Opponent).WithAmount(w.Stake),
	), nil
}

// Decline is the opponent refusing a pending wager.
func (b *Broker) Decline(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := b.core.Observe(model.KindWager, "decline")
	defer func() { done(err) }()

	unlock := b.core.Lock(id)
	defer unlock()

	rec, err := b.pending(ctx, id, user)
	if err != nil {
		return exchange.Result{}, err
	}
	next := rec.Clone()
	next.State = model.StateDeclined
	saved, err := b.core.Commit(ctx, rec, next, "declined")
	if err != nil {
		return exchange.Result{}, err
	}
	return b.core.Finish(saved, model.NewEvent(model.EventDeclined, saved, b.core.Now(), rec.Participants...)), nil
}

// Cancel withdraws a wager. The challenger may cancel while pending; either
// participant may cancel while active, refunding both stakes.
func (b *Broker) Cancel(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := b.core.Observe(model.KindWager, "cancel")
	defer func() { done(err) }()

	unlock := b.core.Lock(id)
	defer unlock()

	rec, err := b.core.Load(ctx, id, model.KindWager)
	if err != nil {
		return exchange.Result{}, err
	}
	if !rec.HasParticipant(user) {
		return exchange.Result{}, model.ErrNotParticipant
	}
	switch {
	case rec.State == model.StateActive:
	case rec.State == model.StatePending && user == rec.Wager.Challenger:
	case rec.State == model.StatePending:
		return exchange.Result{}, fmt.Errorf("%w: the opponent declines a pending wager", model.ErrInvalidState)
	default:
		return exchange.Result{}, fmt.Errorf("%w: wager is %s", model.ErrInvalidState, rec.State)
	}
	return b.cancel(ctx, rec, "cancelled by "+user, model.NewEvent(model.EventCancelled, rec, b.core.Now(), rec.Participants...).WithDetail("by", user))
}

// Resolve settles an active wager in favour of winner, given as a side
// (SideChallenger, SideOpponent) or a participant id. Resolving a resolved
// wager returns the recorded outcome.
func (b *Broker) Resolve(ctx context.Context, id, user, winner string) (res exchange.Result, err error) {
	done := b.core.Observe(model.KindWager, "resolve")
	defer func() { done(err) }()

	unlock := b.core.Lock(id)
	defer unlock()

	rec, err := b.core.Load(ctx, id, model.KindWager)
	if err != nil {
		return exchange.Result{}, err
	}
	if !rec.HasParticipant(user) {
		return exchange.Result{}, model.ErrNotParticipant
	}
	if rec.State == model.StateResolved {
		return exchange.Result{Record: rec}, nil
	}
	if rec.State != model.StateActive {
		return exchange.Result{}, fmt.Errorf("%w: wager is %s", model.ErrInvalidState, rec.State)
	}

	w := rec.Wager
	winnerID, loserID, err := sides(w, winner)
	if err != nil {
		return exchange.Result{}, err
	}

	now := b.core.Now()
	fee, payout := b.Split(w, now)

	next := rec.Clone()
	next.State = model.StateResolved
	next.Wager.Winner = winnerID
	next.Wager.Payout = payout
	next.Wager.HouseFee = fee
	saved, err := b.core.Commit(ctx, rec, next, "resolved by "+user)
	if err != nil {
		return exchange.Result{}, err
	}

	if err := b.settle(ctx, saved, nil); err != nil {
		b.logger.Error("wager payout failed, left for reconciliation", "record_id", id, "error", err)
	}

	reward := model.Reward(model.Money{Amount: payout})
	if b.cfg.WinnerXP > 0 {
		reward = model.Composite{Parts: []model.Reward{reward, model.Experience{Amount: b.cfg.WinnerXP}}}
	}
	money, xp := model.Flatten(reward)

	events := []model.Event{
		model.NewEvent(model.EventResolved, saved, now, winnerID, loserID).
			WithAmount(money).
			WithDetail("winner", winnerID).
			WithDetail("house_fee", strconv.FormatInt(fee, 10)),
	}
	if xp > 0 {
		events = append(events, model.NewEvent(model.EventExperience, saved, now, winnerID).WithAmount(xp))
	}
	return b.core.Finish(saved, events...), nil
}

// Split returns the house fee and winner payout for w at now:
// fee = floor(2*stake*rate) after modifiers, capped at the stake.
func (b *Broker) Split(w *model.WagerTerms, now time.Time) (fee, payout int64) {
	rate, err := decimal.NewFromString(w.HouseFeeRate)
	if err != nil {
		rate = b.cfg.HouseFeeRate
	}
	pot := 2 * w.Stake
	base := decimal.NewFromInt(pot).Mul(rate).Floor().IntPart()
	fee = modifier.Apply(base, b.modifiers.Rules(modifier.WagerHouseFee, now))
	if fee > w.Stake {
		fee = w.Stake
	}
	return fee, pot - fee
}

// Expire implements exchange.Protocol: a pending wager expires, an active
// one past its resolve deadline is cancelled with refunds.
func (b *Broker) Expire(ctx context.Context, id string) (exchange.Result, error) {
	unlock := b.core.Lock(id)
	defer unlock()

	rec, err := b.core.Load(ctx, id, model.KindWager)
	if err != nil {
		return exchange.Result{}, err
	}
	now := b.core.Now()

	switch rec.State {
	case model.StatePending:
		next := rec.Clone()
		next.State = model.StateExpired
		saved, err := b.core.Commit(ctx, rec, next, "deadline")
		if err != nil {
			return exchange.Result{}, err
		}
		return b.core.Finish(saved, model.NewEvent(model.EventExpired, saved, now, rec.Participants...)), nil
	case model.StateActive:
		return b.cancel(ctx, rec, "resolve deadline", model.NewEvent(model.EventCancelled, rec, now, rec.Participants...).WithDetail("by", "deadline"))
	}
	return exchange.Result{Record: rec}, nil
}

// Resume implements exchange.Protocol.
func (b *Broker) Resume(ctx context.Context, rec model.Record, holds []escrow.Hold) error {
	switch rec.State {
	case model.StateActive:
		return nil
	case model.StateResolved:
		return b.settle(ctx, rec, holds)
	}
	for _, h := range holds {
		if _, err := b.core.Vault.Refund(ctx, h.RecordID, h.Leg); err != nil {
			return fmt.Errorf("resume wager %s leg %s: %w", rec.ID, h.Leg, err)
		}
	}
	return nil
}

// cancel commits cancelled and refunds every held stake.
func (b *Broker) cancel(ctx context.Context, rec model.Record, reason string, ev model.Event) (exchange.Result, error) {
	next := rec.Clone()
	next.State = model.StateCancelled
	saved, err := b.core.Commit(ctx, rec, next, reason)
	if err != nil {
		return exchange.Result{}, err
	}

	events := []model.Event{ev}
	holds, err := b.held(ctx, rec.ID)
	if err != nil {
		b.logger.Error("failed to list wager stakes, left for reconciliation", "record_id", rec.ID, "error", err)
	}
	for _, h := range holds {
		if _, err := b.core.Vault.Refund(ctx, h.RecordID, h.Leg); err != nil {
			b.logger.Error("wager refund failed, left for reconciliation", "record_id", rec.ID, "leg", h.Leg, "error", err)
			continue
		}
		events = append(events, model.NewEvent(model.EventRefunded, saved, b.core.Now(), h.AccountID).WithAmount(h.Money))
	}
	return b.core.Finish(saved, events...), nil
}

// settle pays out a resolved wager's held stakes. holds nil means look them up.
func (b *Broker) settle(ctx context.Context, rec model.Record, holds []escrow.Hold) error {
	if holds == nil {
		var err error
		if holds, err = b.held(ctx, rec.ID); err != nil {
			return err
		}
	}
	w := rec.Wager
	for _, h := range holds {
		var err error
		if h.AccountID == w.Winner {
			_, err = b.core.Vault.Release(ctx, h.RecordID, h.Leg, w.Winner)
		} else {
			_, err = b.core.Vault.ReleaseLessFee(ctx, h.RecordID, h.Leg, w.Winner, w.HouseFee)
		}
		if err != nil {
			return fmt.Errorf("settle wager %s leg %s: %w", rec.ID, h.Leg, err)
		}
	}
	return nil
}

// pending loads a pending wager that user is the opponent of.
func (b *Broker) pending(ctx context.Context, id, user string) (model.Record, error) {
	rec, err := b.core.Load(ctx, id, model.KindWager)
	if err != nil {
		return model.Record{}, err
	}
	if user != rec.Wager.Opponent {
		return model.Record{}, fmt.Errorf("%w: only the opponent may answer", model.ErrNotParticipant)
	}
	if rec.State != model.StatePending {
		return model.Record{}, fmt.Errorf("%w: wager is %s", model.ErrInvalidState, rec.State)
	}
	return rec, nil
}

func (b *Broker) held(ctx context.Context, id string) ([]escrow.Hold, error) {
	all, err := b.core.Vault.Holds(ctx, id)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, h := range all {
		if h.Status == escrow.StatusHeld || h.Status == escrow.StatusReleasing || h.Status == escrow.StatusRefunding {
			out = append(out, h)
		}
	}
	return out, nil
}

func (b *Broker) checkLimit(ctx context.Context, user string) error {
	if b.cfg.MaxPendingPerUser <= 0 {
		return nil
	}
	active, err := b.core.Records.ActiveByParticipant(ctx, user)
	if err != nil {
		return err
	}
	n := 0
	for _, r := range active {
		if r.Kind == model.KindWager && r.State == model.StatePending && r.Wager.Challenger == user {
			n++
		}
	}
	if n >= b.cfg.MaxPendingPerUser {
		return fmt.Errorf("%w: %d pending wagers", model.ErrAlreadyActive, n)
	}
	return nil
}

func (b *Broker) hold(ctx context.Context, id, leg, account string, stake int64) error {
	_, err := b.core.Vault.Hold(ctx, escrow.Spec{RecordID: id, Leg: leg, AccountID: account, Money: stake})
	return err
}

func (b *Broker) refund(ctx context.Context, id, leg string) {
	if _, err := b.core.Vault.Refund(ctx, id, leg); err != nil {
		b.logger.Error("wager refund failed, left for reconciliation", "record_id", id, "leg", leg, "error", err)
	}
}

// legs names the stake legs of one accept attempt.
func legs(version int64) (challenger, opponent string) {
	return fmt.Sprintf("%s-%d", SideChallenger, version), fmt.Sprintf("%s-%d", SideOpponent, version)
}

func sides(w *model.WagerTerms, winner string) (winnerID, loserID string, err error) {
	switch winner {
	case SideChallenger, w.Challenger:
		return w.Challenger, w.Opponent, nil
	case SideOpponent, w.Opponent:
		return w.Opponent, w.Challenger, nil
	}
	return "", "", fmt.Errorf("%w: %q is not a side of this wager", model.ErrNotParticipant, winner)
}
