package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/lockset"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
)

// ErrNoAccount is returned for an empty account id.
var ErrNoAccount = errors.New("account id is required")

// Config bounds balances.
type Config struct {
	MaxBalance int64 // 0 = unlimited
}

// Ledger is the AccountLedger.
type Ledger struct {
	store   Store
	cfg     Config
	locks   *lockset.Set
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used to stamp entries.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a Ledger over store.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		locks:  lockset.New(),
		clock:  clock.Real(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Account returns the current snapshot of id.
func (l *Ledger) Account(ctx context.Context, id string) (model.Account, error) {
	if id == "" {
		return model.Account{}, ErrNoAccount
	}
	acct, err := l.store.Get(ctx, id)
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return acct, nil
}

// Adjust applies delta to id under key and returns the resulting snapshot.
// An empty key gets a unique one. Validation failures are returned as
// *model.AccountError naming id.
func (l *Ledger) Adjust(ctx context.Context, id string, delta model.Delta, key string) (model.Account, error) {
	return l.apply(ctx, id, delta, key, l.cfg.MaxBalance)
}

// Settle is Adjust without the balance ceiling. The escrow vault credits
// through it: the value was debited from an account when it was held, so
// returning or delivering it must not be refused.
func (l *Ledger) Settle(ctx context.Context, id string, delta model.Delta, key string) (model.Account, error) {
	return l.apply(ctx, id, delta, key, 0)
}

// CheckHeadroom returns ErrBalanceLimit, naming id, when crediting amount
// to id's current balance would pass the ceiling. Engines call it under
// Lock before escrowing anything, so a settlement that would overflow is
// refused while the record can still back out.
func (l *Ledger) CheckHeadroom(ctx context.Context, id string, amount int64) error {
	if l.cfg.MaxBalance <= 0 || amount <= 0 {
		return nil
	}
	acct, err := l.Account(ctx, id)
	if err != nil {
		return err
	}
	if acct.Balance+amount > l.cfg.MaxBalance {
		l.metrics.LedgerAdjust(resultLabel(model.ErrBalanceLimit))
		return &model.AccountError{
			AccountID: id,
			Err: fmt.Errorf("%w: %d + %d exceeds %d",
				model.ErrBalanceLimit, acct.Balance, amount, l.cfg.MaxBalance),
		}
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, id string, delta model.Delta, key string, maxBalance int64) (model.Account, error) {
	if id == "" {
		return model.Account{}, ErrNoAccount
	}
	if !validItems(delta.Items) {
		return model.Account{}, fmt.Errorf("%w: empty item id", model.ErrInvalidAmount)
	}
	if key == "" {
		key = "adhoc:" + uuid.NewString()
	}
	delta.Items = delta.Items.Clone()

	acct, err := l.store.Apply(ctx, Entry{
		Key:        key,
		AccountID:  id,
		Delta:      delta,
		MaxBalance: maxBalance,
		At:         l.clock.Now(),
	})
	if err != nil {
		if model.IsValidation(err) {
			l.metrics.LedgerAdjust(resultLabel(err))
			return model.Account{}, &model.AccountError{AccountID: id, Err: err}
		}
		l.metrics.LedgerAdjust("error")
		l.logger.Error("ledger adjust failed",
			"account_id", id,
			"key", key,
			"error", err,
		)
		return model.Account{}, fmt.Errorf("adjust %s: %w", id, err)
	}

	l.metrics.LedgerAdjust("ok")
	l.logger.Debug("ledger adjusted",
		"account_id", id,
		"key", key,
		"balance_delta", delta.Balance,
		"balance", acct.Balance,
	)
	return acct, nil
}

// Applied reports whether key was applied.
func (l *Ledger) Applied(ctx context.Context, key string) (bool, error) {
	return l.store.Applied(ctx, key)
}

// Lock acquires the per-account locks for ids in ascending order and
// returns the release function. Adjust does not lock; callers that read a
// balance and then act on it across accounts hold Lock for the duration.
func (l *Ledger) Lock(ids ...string) (unlock func()) {
	return l.locks.Lock(ids...)
}

func validItems(items model.Items) bool {
	for id := range items {
		if model.NormalizeItemID(id) == "" {
			return false
		}
	}
	return true
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientItems):
		return "insufficient_items"
	case errors.Is(err, model.ErrBalanceLimit):
		return "balance_limit"
	}
	return "rejected"
}
