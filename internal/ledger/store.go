package ledger

import (
	"context"
	"time"

	"github.com/rickgao/exchange-core/internal/model"
)

// Entry is one keyed adjustment.
type Entry struct {
	Key        string
	AccountID  string
	Delta      model.Delta
	MaxBalance int64
	At         time.Time
}

// Store persists accounts and applied entries.
type Store interface {
	// Get returns the account, or a zero-balance account if it has never
	// been adjusted.
	Get(ctx context.Context, id string) (model.Account, error)

	// Apply atomically applies e unless e.Key was applied before, and
	// returns the resulting snapshot. Validation failures leave no trace.
	Apply(ctx context.Context, e Entry) (model.Account, error)

	// Applied reports whether key has been applied.
	Applied(ctx context.Context, key string) (bool, error)
}

// ApplyDelta computes the account after d, enforcing non-negative balance
// and quantities and the balance ceiling (0 = unlimited).
func ApplyDelta(acct model.Account, d model.Delta, maxBalance int64) (model.Account, error) {
	next := acct
	next.Balance = acct.Balance + d.Balance
	if next.Balance < 0 {
		return model.Account{}, model.ErrInsufficientFunds
	}
	if maxBalance > 0 && d.Balance > 0 && next.Balance > maxBalance {
		return model.Account{}, model.ErrBalanceLimit
	}

	next.Inventory = acct.Inventory.Clone()
	for id, q := range d.Items {
		if q == 0 {
			continue
		}
		key := model.NormalizeItemID(id)
		have := next.Inventory[key]
		if have+q < 0 {
			return model.Account{}, model.ErrInsufficientItems
		}
		if next.Inventory == nil {
			next.Inventory = make(model.Items)
		}
		if have+q == 0 {
			delete(next.Inventory, key)
		} else {
			next.Inventory[key] = have + q
		}
	}
	return next, nil
}
