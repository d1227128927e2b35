package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/model"
)

// Config holds trade limits.
type Config struct {
	TTL              time.Duration
	MaxActivePerUser int // 0 = unlimited
}

// Engine is the NegotiationEngine.
type Engine struct {
	core   *exchange.Core
	cfg    Config
	logger *slog.Logger
}

// New creates the engine and registers it with core.
func New(core *exchange.Core, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{core: core, cfg: cfg, logger: logger}
	core.Register(e)
	return e
}

// Kind implements exchange.Protocol.
func (e *Engine) Kind() model.Kind { return model.KindTrade }

// Propose opens a trade from initiator to target.
func (e *Engine) Propose(ctx context.Context, initiator, target string) (res exchange.Result, err error) {
	done := e.core.Observe(model.KindTrade, "propose")
	defer func() { done(err) }()

	if initiator == "" || target == "" {
		return exchange.Result{}, fmt.Errorf("%w: trade needs two users", model.ErrNotParticipant)
	}
	if initiator == target {
		return exchange.Result{}, model.ErrSelfTargetNotAllowed
	}
	if err := e.checkLimit(ctx, initiator); err != nil {
		return exchange.Result{}, err
	}

	now := e.core.Now()
	rec, err := e.core.Create(ctx, model.Record{
		Kind:         model.KindTrade,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.TTL),
		Participants: []string{initiator, target},
		Trade: &model.TradeTerms{
			Initiator: initiator,
			Target:    target,
		},
	})
	if err != nil {
		return exchange.Result{}, err
	}
	return e.core.Finish(rec, model.NewEvent(model.EventProposed, rec, now, initiator, target)), nil
}

// AddOffer appends offer to user's side. The caller must currently own the
// cumulative offer. Both accept flags are reset.
func (e *Engine) AddOffer(ctx context.Context, id, user string, offer model.Offer) (res exchange.Result, err error) {
	done := e.core.Observe(model.KindTrade, "add_offer")
	defer func() { done(err) }()

	offer.Items = offer.Items.Clone()
	if offer.Money < 0 || !offer.Items.Valid() {
		return exchange.Result{}, fmt.Errorf("%w: offer must be positive", model.ErrInvalidAmount)
	}
	if offer.IsEmpty() {
		return exchange.Result{}, model.ErrEmptyOffer
	}

	unlock := e.core.Lock(id)
	defer unlock()

	rec, err := e.open(ctx, id, user)
	if err != nil {
		return exchange.Result{}, err
	}

	next := rec.Clone()
	t := next.Trade
	side := &t.TargetOffer
	if user == t.Initiator {
		side = &t.InitiatorOffer
	}
	cumulative := side.Plus(offer)

	acct, err := e.core.Ledger.Account(ctx, user)
	if err != nil {
		return exchange.Result{}, err
	}
	if err := acct.Covers(cumulative); err != nil {
		return exchange.Result{}, &model.AccountError{AccountID: user, Err: err}
	}

	*side = cumulative
	t.InitiatorAccepted, t.TargetAccepted = false, false
	next.State = model.StateNegotiating

	saved, err := e.core.Commit(ctx, rec, next, "offer by "+user)
	if err != nil {
		return exchange.Result{}, err
	}
	ev := model.NewEvent(model.EventOfferUpdated, saved, e.core.Now(), t.Initiator, t.Target).
		WithAmount(offer.Money).
		WithDetail("by", user)
	ev.Items = offer.Items
	return e.core.Finish(saved, ev), nil
}

// Accept sets user's accept flag. When both flags are set the trade settles.
func (e *Engine) Accept(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := e.core.Observe(model.KindTrade, "accept")
	defer func() { done(err) }()

	unlock := e.core.Lock(id)
	defer unlock()

	rec, err := e.open(ctx, id, user)
	if err != nil {
		return exchange.Result{}, err
	}

	next := rec.Clone()
	t := next.Trade
	if user == t.Initiator {
		t.InitiatorAccepted = true
	} else {
		t.TargetAccepted = true
	}

	now := e.core.Now()
	accepted := model.NewEvent(model.EventAccepted, rec, now, t.Initiator, t.Target).WithDetail("by", user)

	if !t.InitiatorAccepted || !t.TargetAccepted {
		saved, err := e.core.Commit(ctx, rec, next, "accepted by "+user)
		if err != nil {
			return exchange.Result{}, err
		}
		return e.core.Finish(saved, accepted), nil
	}

	if t.InitiatorOffer.IsEmpty() || t.TargetOffer.IsEmpty() {
		return exchange.Result{}, fmt.Errorf("%w: both sides must offer something", model.ErrEmptyOffer)
	}
	return e.settle(ctx, rec, next, accepted)
}

// settle holds both offers, commits settled and releases them crosswise.
func (e *Engine) settle(ctx context.Context, rec, next model.Record, accepted model.Event) (exchange.Result, error) {
	t := next.Trade
	unlock := e.core.LockAccounts(t.Initiator, t.Target)
	defer unlock()

	initLeg, targetLeg := legs(rec.Version)

	net := t.TargetOffer.Money - t.InitiatorOffer.Money
	if err := e.core.Ledger.CheckHeadroom(ctx, t.Initiator, net); err != nil {
		return exchange.Result{}, e.abort(ctx, rec, err)
	}
	if err := e.core.Ledger.CheckHeadroom(ctx, t.Target, -net); err != nil {
		return exchange.Result{}, e.abort(ctx, rec, err)
	}

	if _, err := e.hold(ctx, rec.ID, initLeg, t.Initiator, t.InitiatorOffer); err != nil {
		return exchange.Result{}, e.abort(ctx, rec, err)
	}
	if _, err := e.hold(ctx, rec.ID, targetLeg, t.Target, t.TargetOffer); err != nil {
		if _, rerr := e.core.Vault.Refund(ctx, rec.ID, initLeg); rerr != nil {
			e.logger.Error("failed to refund partial trade hold",
				"record_id", rec.ID,
				"leg", initLeg,
				"error", rerr,
			)
		}
		return exchange.Result{}, e.abort(ctx, rec, err)
	}

	next.State = model.StateSettled
	saved, err := e.core.Commit(ctx, rec, next, "settled")
	if err != nil {
		// Both legs stay held; the reconciler refunds them against the
		// unchanged record.
		return exchange.Result{}, err
	}

	e.release(ctx, rec.ID, initLeg, t.Target)
	e.release(ctx, rec.ID, targetLeg, t.Initiator)

	now := e.core.Now()
	return e.core.Finish(saved,
		accepted,
		model.NewEvent(model.EventSettled, saved, now, t.Initiator, t.Target).
			WithDetail("initiator_money", fmt.Sprint(t.InitiatorOffer.Money)).
			WithDetail("target_money", fmt.Sprint(t.TargetOffer.Money)),
	), nil
}

// abort returns the trade to negotiation with both flags cleared and passes
// cause through.
func (e *Engine) abort(ctx context.Context, rec model.Record, cause error) error {
	next := rec.Clone()
	next.State = model.StateNegotiating
	next.Trade.InitiatorAccepted, next.Trade.TargetAccepted = false, false
	if _, err := e.core.Commit(ctx, rec, next, "settlement failed"); err != nil {
		e.logger.Warn("failed to reset trade after settlement failure",
			"record_id", rec.ID,
			"error", err,
		)
	}
	return cause
}

// Cancel ends the trade. Nothing is escrowed, so nothing is refunded.
func (e *Engine) Cancel(ctx context.Context, id, user string) (res exchange.Result, err error) {
	done := e.core.Observe(model.KindTrade, "cancel")
	defer func() { done(err) }()

	unlock := e.core.Lock(id)
	defer unlock()

	rec, err := e.open(ctx, id, user)
	if err != nil {
		return exchange.Result{}, err
	}
	next := rec.Clone()
	next.State = model.StateCancelled
	saved, err := e.core.Commit(ctx, rec, next, "cancelled by "+user)
	if err != nil {
		return exchange.Result{}, err
	}
	ev := model.NewEvent(model.EventCancelled, saved, e.core.Now(), rec.Participants...).WithDetail("by", user)
	return e.core.Finish(saved, ev), nil
}

// Expire implements exchange.Protocol.
func (e *Engine) Expire(ctx context.Context, id string) (res exchange.Result, err error) {
	unlock := e.core.Lock(id)
	defer unlock()

	rec, err := e.core.Load(ctx, id, model.KindTrade)
	if err != nil {
		return exchange.Result{}, err
	}
	if rec.Terminal() {
		return exchange.Result{Record: rec}, nil
	}

	next := rec.Clone()
	next.State = model.StateExpired
	saved, err := e.core.Commit(ctx, rec, next, "deadline")
	if err != nil {
		return exchange.Result{}, err
	}
	return e.core.Finish(saved, model.NewEvent(model.EventExpired, saved, e.core.Now(), rec.Participants...)), nil
}

// Resume implements exchange.Protocol: a settled trade delivers its held
// legs crosswise, any other trade refunds them.
func (e *Engine) Resume(ctx context.Context, rec model.Record, holds []escrow.Hold) error {
	for _, h := range holds {
		var err error
		if rec.State == model.StateSettled {
			_, err = e.core.Vault.Release(ctx, h.RecordID, h.Leg, counterparty(rec.Trade, h.AccountID))
		} else {
			_, err = e.core.Vault.Refund(ctx, h.RecordID, h.Leg)
		}
		if err != nil {
			return fmt.Errorf("resume trade %s leg %s: %w", rec.ID, h.Leg, err)
		}
	}
	return nil
}

// open loads a live trade that user is party to.
func (e *Engine) open(ctx context.Context, id, user string) (model.Record, error) {
	rec, err := e.core.Load(ctx, id, model.KindTrade)
	if err != nil {
		return model.Record{}, err
	}
	if !rec.HasParticipant(user) {
		return model.Record{}, model.ErrNotParticipant
	}
	if rec.State != model.StateProposed && rec.State != model.StateNegotiating {
		return model.Record{}, fmt.Errorf("%w: trade is %s", model.ErrInvalidState, rec.State)
	}
	return rec, nil
}

func (e *Engine) checkLimit(ctx context.Context, user string) error {
	if e.cfg.MaxActivePerUser <= 0 {
		return nil
	}
	active, err := e.core.Records.ActiveByParticipant(ctx, user)
	if err != nil {
		return err
	}
	n := 0
	for _, r := range active {
		if r.Kind == model.KindTrade {
			n++
		}
	}
	if n >= e.cfg.MaxActivePerUser {
		return fmt.Errorf("%w: %d open trades", model.ErrAlreadyActive, n)
	}
	return nil
}

func (e *Engine) hold(ctx context.Context, recordID, leg, account string, offer model.Offer) (escrow.Hold, error) {
	return e.core.Vault.Hold(ctx, escrow.Spec{
		RecordID:  recordID,
		Leg:       leg,
		AccountID: account,
		Money:     offer.Money,
		Items:     offer.Items,
	})
}

func (e *Engine) release(ctx context.Context, recordID, leg, dest string) {
	if _, err := e.core.Vault.Release(ctx, recordID, leg, dest); err != nil {
		e.logger.Error("trade release failed, left for reconciliation",
			"record_id", recordID,
			"leg", leg,
			"error", err,
		)
	}
}

// legs names the escrow legs of one settlement attempt. A refunded leg's
// ledger keys are spent, so each attempt gets fresh names.
func legs(version int64) (initiator, target string) {
	return fmt.Sprintf("initiator-%d", version), fmt.Sprintf("target-%d", version)
}

func counterparty(t *model.TradeTerms, account string) string {
	if account == t.Initiator {
		return t.Target
	}
	return t.Initiator
}
