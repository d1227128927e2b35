package contest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/modifier"
)

const (
	lootLeg    = "loot"
	penaltyLeg = "penalty"
)

// Config holds contest rules.
type Config struct {
	Window            time.Duration
	Grace             time.Duration
	MaxInput          int
	MinLevel          int
	MinTargetBalance  int64
	Cooldown          time.Duration
	BaseSuccessChance decimal.Decimal
	SuccessBonusRange decimal.Decimal
	MinStealPct       decimal.Decimal
	MaxStealPct       decimal.Decimal
	PenaltyPct        decimal.Decimal
}

// Random draws the success roll in [0, 1).
type Random interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Arbiter is the ContestedTransferArbiter.
type Arbiter struct {
	core      *exchange.Core
	cfg       Config
	rnd       Random
	modifiers modifier.Source
	logger    *slog.Logger
}

// New creates the arbiter and registers it with core. rnd and mods may be nil.
func New(core *exchange.Core, cfg Config, rnd Random, mods modifier.Source, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	if rnd == nil {
		rnd = globalRand{}
	}
	if mods == nil {
		mods = modifier.None
	}
	if cfg.MaxInput <= 0 {
		cfg.MaxInput = 1
	}
	a := &Arbiter{core: core, cfg: cfg, rnd: rnd, modifiers: mods, logger: logger}
	core.Register(a)
	return a
}

// Kind implements exchange.Protocol.
func (a *Arbiter) Kind() model.Kind { return model.KindContest }

// Start opens a contest by actor against target.
func (a *Arbiter) Start(ctx context.Context, actor, target string, actorLevel int) (res exchange.Result, err error) {
	done := a.core.Observe(model.KindContest, "start")
	defer func() { done(err) }()

	if actor == "" || target == "" {
		return exchange.Result{}, fmt.Errorf("%w: contest needs two users", model.ErrNotParticipant)
	}
	if actor == target {
		return exchange.Result{}, model.ErrSelfTargetNotAllowed
	}
	if actorLevel < a.cfg.MinLevel {
		return exchange.Result{}, fmt.Errorf("%w: level %d, need %d", model.ErrLevelTooLow, actorLevel, a.cfg.MinLevel)
	}

	targetAcct, err := a.core.Ledger.Account(ctx, target)
	if err != nil {
		return exchange.Result{}, err
	}
	if targetAcct.Balance < a.cfg.MinTargetBalance {
		return exchange.Result{}, fmt.Errorf("%w: %s has %d", model.ErrTargetBelowMinimum, target, targetAcct.Balance)
	}
	actorAcct, err := a.core.Ledger.Account(ctx, actor)
	if err != nil {
		return exchange.Result{}, err
	}

	now := a.core.Now()
	if err := a.checkEligible(ctx, actor, target, now); err != nil {
		return exchange.Result{}, err
	}

	windowEnd := now.Add(a.cfg.Window)
	rec, err := a.core.Create(ctx, model.Record{
		Kind:         model.KindContest,
		CreatedAt:    now,
		ExpiresAt:    windowEnd.Add(a.cfg.Grace),
		Participants: []string{actor, target},
		Contest: &model.ContestTerms{
			Actor:                actor,
			Target:               target,
			ActorLevel:           actorLevel,
			WindowStart:          now,
			WindowEnd:            windowEnd,
			MaxInput:             a.cfg.MaxInput,
			ActorBalanceAtStart:  actorAcct.Balance,
			TargetBalanceAtStart: targetAcct.Balance,
		},
	})
	if err != nil {
		return exchange.Result{}, err
	}
	return a.core.Finish(rec, model.NewEvent(model.EventStarted, rec, now, actor, target)), nil
}

// RegisterInput counts one input from the actor. Inputs after the window or
// beyond the maximum are rejected with model.ErrInvalidState and leave the
// record unchanged. The input that reaches the maximum finalizes.
func (a *Arbiter) RegisterInput(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := a.core.Observe(model.KindContest, "input")
	defer func() { done(err) }()

	unlock := a.core.Lock(id)
	defer unlock()

	rec, err := a.core.Load(ctx, id, model.KindContest)
	if err != nil {
		return exchange.Result{}, err
	}
	c := rec.Contest
	if user != c.Actor {
		return exchange.Result{}, fmt.Errorf("%w: only the actor supplies input", model.ErrNotParticipant)
	}
	now := a.core.Now()
	switch {
	case rec.State != model.StateActive:
		return exchange.Result{}, fmt.Errorf("%w: contest is %s", model.ErrInvalidState, rec.State)
	case now.After(c.WindowEnd):
		return exchange.Result{}, fmt.Errorf("%w: window closed", model.ErrInvalidState)
	case c.InputCount >= c.MaxInput:
		return exchange.Result{}, fmt.Errorf("%w: input limit reached", model.ErrInvalidState)
	}

	next := rec.Clone()
	next.Contest.InputCount++
	saved, err := a.core.Commit(ctx, rec, next, "input")
	if err != nil {
		return exchange.Result{}, err
	}
	ev := model.NewEvent(model.EventInputRegistered, saved, now, c.Actor).
		WithAmount(int64(saved.Contest.InputCount))

	first := a.core.Finish(saved, ev)
	if saved.Contest.InputCount < saved.Contest.MaxInput {
		return first, nil
	}
	out, err := a.finalize(ctx, saved)
	if err != nil {
		// The input counted; the deadline retries the finalize.
		a.logger.Warn("finalize on max input failed", "record_id", id, "error", err)
		return first, nil
	}
	out.Events = append(first.Events, out.Events...)
	return out, nil
}

// Finalize decides the contest now. Either participant may call it.
func (a *Arbiter) Finalize(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := a.core.Observe(model.KindContest, "finalize")
	defer func() { done(err) }()

	unlock := a.core.Lock(id)
	defer unlock()

	rec, err := a.core.Load(ctx, id, model.KindContest)
	if err != nil {
		return exchange.Result{}, err
	}
	if !rec.HasParticipant(user) {
		return exchange.Result{}, model.ErrNotParticipant
	}
	return a.finalize(ctx, rec)
}

// Expire implements exchange.Protocol.
func (a *Arbiter) Expire(ctx context.Context, id string) (exchange.Result, error) {
	unlock := a.core.Lock(id)
	defer unlock()

	rec, err := a.core.Load(ctx, id, model.KindContest)
	if err != nil {
		return exchange.Result{}, err
	}
	return a.finalize(ctx, rec)
}

// Resume implements exchange.Protocol.
func (a *Arbiter) Resume(ctx context.Context, rec model.Record, holds []escrow.Hold) error {
	for _, h := range holds {
		var err error
		switch {
		case rec.State == model.StateSucceeded && strings.HasPrefix(h.Leg, lootLeg):
			_, err = a.core.Vault.Release(ctx, h.RecordID, h.Leg, rec.Contest.Actor)
		case rec.State == model.StateFailed && strings.HasPrefix(h.Leg, penaltyLeg):
			_, err = a.core.Vault.Forfeit(ctx, h.RecordID, h.Leg)
		default:
			_, err = a.core.Vault.Refund(ctx, h.RecordID, h.Leg)
		}
		if err != nil {
			return fmt.Errorf("resume contest %s leg %s: %w", rec.ID, h.Leg, err)
		}
	}
	return nil
}

// Efficiency is inputs/max clamped to 1.
func Efficiency(inputs, maxInput int) decimal.Decimal {
	if maxInput <= 0 {
		return decimal.Zero
	}
	eff := decimal.NewFromInt(int64(inputs)).Div(decimal.NewFromInt(int64(maxInput)))
	if eff.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return eff
}

// StealBounds returns [floor(balance*minPct), floor(balance*maxPct)].
func (a *Arbiter) StealBounds(balance int64) (lo, hi int64) {
	b := decimal.NewFromInt(balance)
	return b.Mul(a.cfg.MinStealPct).Floor().IntPart(), b.Mul(a.cfg.MaxStealPct).Floor().IntPart()
}

// finalize decides rec under its record lock. Terminal records are returned
// unchanged.
func (a *Arbiter) finalize(ctx context.Context, rec model.Record) (exchange.Result, error) {
	if rec.Terminal() {
		return exchange.Result{Record: rec}, nil
	}
	c := rec.Contest

	unlock := a.core.LockAccounts(c.Actor, c.Target)
	defer unlock()

	targetAcct, err := a.core.Ledger.Account(ctx, c.Target)
	if err != nil {
		return exchange.Result{}, err
	}
	actorAcct, err := a.core.Ledger.Account(ctx, c.Actor)
	if err != nil {
		return exchange.Result{}, err
	}

	now := a.core.Now()
	outcome := &model.ContestOutcome{
		TargetBalance: targetAcct.Balance,
		ActorBalance:  actorAcct.Balance,
		DecidedAt:     now,
	}
	next := rec.Clone()
	next.Contest.Outcome = outcome

	if targetAcct.Balance < a.cfg.MinTargetBalance {
		next.State = model.StateVoided
		saved, err := a.core.Commit(ctx, rec, next, "target below minimum")
		if err != nil {
			return exchange.Result{}, err
		}
		return a.core.Finish(saved, model.NewEvent(model.EventVoided, saved, now, c.Actor, c.Target)), nil
	}

	eff := Efficiency(c.InputCount, c.MaxInput)
	chance := a.cfg.BaseSuccessChance.Add(eff.Mul(a.cfg.SuccessBonusRange))
	roll := a.rnd.Float64()
	outcome.Efficiency = eff.String()
	outcome.SuccessChance = chance.String()
	outcome.Roll = roll

	if decimal.NewFromFloat(roll).LessThan(chance) {
		amount := a.stealAmount(targetAcct.Balance, eff, now)
		outcome.Amount = amount
		next.State = model.StateSucceeded
		return a.decide(ctx, rec, next, lootLeg, c.Target, amount, model.EventSucceeded)
	}

	amount := a.penalty(actorAcct.Balance, c.ActorBalanceAtStart)
	outcome.Amount = amount
	next.State = model.StateFailed
	return a.decide(ctx, rec, next, penaltyLeg, c.Actor, amount, model.EventFailed)
}

// decide escrows amount from source, commits next, then settles the leg:
// loot goes to the actor, a penalty is burned.
func (a *Arbiter) decide(ctx context.Context, rec, next model.Record, leg, source string, amount int64, typ model.EventType) (exchange.Result, error) {
	c := rec.Contest
	leg = fmt.Sprintf("%s-%d", leg, rec.Version)

	if amount > 0 {
		if _, err := a.core.Vault.Hold(ctx, escrow.Spec{
			RecordID:  rec.ID,
			Leg:       leg,
			AccountID: source,
			Money:     amount,
		}); err != nil {
			return exchange.Result{}, err
		}
	}

	saved, err := a.core.Commit(ctx, rec, next, string(typ))
	if err != nil {
		return exchange.Result{}, err
	}

	if amount > 0 {
		var serr error
		if typ == model.EventSucceeded {
			_, serr = a.core.Vault.Release(ctx, rec.ID, leg, c.Actor)
		} else {
			_, serr = a.core.Vault.Forfeit(ctx, rec.ID, leg)
		}
		if serr != nil {
			a.logger.Error("contest settlement failed, left for reconciliation",
				"record_id", rec.ID,
				"leg", leg,
				"error", serr,
			)
		}
	}

	a.logger.Info("contest decided",
		"record_id", rec.ID,
		"state", saved.State,
		"amount", amount,
		"roll", saved.Contest.Outcome.Roll,
		"chance", saved.Contest.Outcome.SuccessChance,
	)
	return a.core.Finish(saved, model.NewEvent(typ, saved, a.core.Now(), c.Actor, c.Target).WithAmount(amount)), nil
}

// stealAmount is floor(balance * (min + eff*(max-min))) after modifiers,
// clamped to StealBounds.
func (a *Arbiter) stealAmount(balance int64, eff decimal.Decimal, now time.Time) int64 {
	pct := a.cfg.MinStealPct.Add(eff.Mul(a.cfg.MaxStealPct.Sub(a.cfg.MinStealPct)))
	base := decimal.NewFromInt(balance).Mul(pct).Floor().IntPart()
	amount := modifier.Apply(base, a.modifiers.Rules(modifier.ContestSteal, now))

	lo, hi := a.StealBounds(balance)
	switch {
	case amount < lo:
		return lo
	case amount > hi:
		return hi
	}
	return amount
}

// penalty is floor(balance * pct), never more than the same share of the
// balance at start.
func (a *Arbiter) penalty(balance, atStart int64) int64 {
	p := decimal.NewFromInt(balance).Mul(a.cfg.PenaltyPct).Floor().IntPart()
	bound := decimal.NewFromInt(atStart).Mul(a.cfg.PenaltyPct).Floor().IntPart()
	if p > bound {
		p = bound
	}
	if p < 0 {
		return 0
	}
	return p
}

func (a *Arbiter) checkEligible(ctx context.Context, actor, target string, now time.Time) error {
	for _, user := range []string{actor, target} {
		active, err := a.core.Records.ActiveByParticipant(ctx, user)
		if err != nil {
			return err
		}
		for _, r := range active {
			if r.Kind != model.KindContest {
				continue
			}
			if r.Contest.Actor == actor {
				return fmt.Errorf("%w: %s is already running a contest", model.ErrAlreadyActive, actor)
			}
			if r.Contest.Target == target {
				return fmt.Errorf("%w: %s is already being contested", model.ErrAlreadyActive, target)
			}
		}
	}

	if a.cfg.Cooldown <= 0 {
		return nil
	}
	recent, err := a.core.Records.RecentByParticipant(ctx, actor, model.KindContest, now.Add(-a.cfg.Cooldown))
	if err != nil {
		return err
	}
	for _, r := range recent {
		if r.Contest.Actor == actor && r.ArchivedAt != nil {
			wait := r.ArchivedAt.Add(a.cfg.Cooldown).Sub(now)
			return fmt.Errorf("%w: %s left", model.ErrOnCooldown, wait.Round(time.Second))
		}
	}
	return nil
}
