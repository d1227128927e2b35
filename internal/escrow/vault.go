package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
)

// Ledger is the account ledger the vault debits and credits. Hold debits go
// through Adjust; release and refund credits go through Settle, which skips the
// balance ceiling so escrowed value always reaches its destination.
type Ledger interface {
	Adjust(ctx context.Context, id string, delta model.Delta, key string) (model.Account, error)
	Settle(ctx context.Context, id string, delta model.Delta, key string) (model.Account, error)
	Applied(ctx context.Context, key string) (bool, error)
}

// Vault is the EscrowVault.
type Vault struct {
	store   Store
	ledger  Ledger
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a vault. c and m may be nil.
func New(store Store, ledger Ledger, c clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	return &Vault{store: store, ledger: ledger, clock: c, metrics: m, logger: logger}
}

// Hold debits spec's account into a new entry. A rejected debit marks the
// entry void and returns the ledger error. Holding a leg that is already
// held for the same account is a no-op.
func (v *Vault) Hold(ctx context.Context, spec Spec) (Hold, error) {
	if spec.RecordID == "" || spec.Leg == "" || spec.AccountID == "" {
		return Hold{}, fmt.Errorf("%w: hold needs record, leg and account", model.ErrInvalidAmount)
	}
	offer := model.Offer{Money: spec.Money, Items: spec.Items.Clone()}
	if spec.Money < 0 || !offer.Items.Valid() || offer.IsEmpty() {
		return Hold{}, fmt.Errorf("%w: hold %s/%s", model.ErrInvalidAmount, spec.RecordID, spec.Leg)
	}

	now := v.clock.Now()
	h := Hold{
		RecordID:  spec.RecordID,
		Leg:       spec.Leg,
		AccountID: spec.AccountID,
		Money:     offer.Money,
		Items:     offer.Items,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := v.store.Create(ctx, h); err != nil {
		if !errors.Is(err, ErrHoldExists) {
			v.metrics.EscrowOp("hold", "error")
			return Hold{}, err
		}
		existing, gerr := v.store.Get(ctx, spec.RecordID, spec.Leg)
		if gerr != nil {
			return Hold{}, gerr
		}
		if existing.Status == StatusHeld && existing.AccountID == spec.AccountID {
			return existing, nil
		}
		return Hold{}, fmt.Errorf("%w: %s is %s", ErrHoldExists, existing.ref(), existing.Status)
	}

	if _, err := v.ledger.Adjust(ctx, h.AccountID, offer.Debit(), HoldKey(h.RecordID, h.Leg)); err != nil {
		if model.IsValidation(err) {
			if _, serr := v.advance(ctx, h, StatusPending, StatusVoid); serr != nil {
				v.logger.Warn("failed to void hold", "hold", h.ref(), "error", serr)
			}
			v.metrics.EscrowOp("hold", "rejected")
		} else {
			// Outcome unknown; the entry stays pending for Resolve.
			v.metrics.EscrowOp("hold", "error")
		}
		return Hold{}, err
	}

	held, err := v.advance(ctx, h, StatusPending, StatusHeld)
	if err != nil {
		v.metrics.EscrowOp("hold", "error")
		return Hold{}, err
	}
	v.metrics.EscrowOp("hold", "ok")
	return held, nil
}

// Release delivers a held leg to dest.
func (v *Vault) Release(ctx context.Context, recordID, leg, dest string) (Hold, error) {
	return v.settle(ctx, recordID, leg, StatusReleasing, dest, 0)
}

// ReleaseLessFee delivers a held leg to dest minus fee; the fee is burned.
func (v *Vault) ReleaseLessFee(ctx context.Context, recordID, leg, dest string, fee int64) (Hold, error) {
	return v.settle(ctx, recordID, leg, StatusReleasing, dest, fee)
}

// Forfeit burns a held leg.
func (v *Vault) Forfeit(ctx context.Context, recordID, leg string) (Hold, error) {
	return v.settle(ctx, recordID, leg, StatusReleasing, "", -1)
}

// Refund returns a held leg to its source.
func (v *Vault) Refund(ctx context.Context, recordID, leg string) (Hold, error) {
	return v.settle(ctx, recordID, leg, StatusRefunding, "", 0)
}

// Holds lists a record's entries.
func (v *Vault) Holds(ctx context.Context, recordID string) ([]Hold, error) {
	return v.store.ListByRecord(ctx, recordID)
}

// Open lists entries that may still hold value.
func (v *Vault) Open(ctx context.Context) ([]Hold, error) {
	return v.store.ListOpen(ctx)
}

// Resolve finishes an interrupted entry. A pending entry becomes held or
// void depending on whether its debit was applied; a releasing or refunding
// entry completes its credit. Other entries are returned unchanged.
func (v *Vault) Resolve(ctx context.Context, h Hold) (Hold, error) {
	switch h.Status {
	case StatusPending:
		applied, err := v.ledger.Applied(ctx, HoldKey(h.RecordID, h.Leg))
		if err != nil {
			return Hold{}, err
		}
		to := StatusVoid
		if applied {
			to = StatusHeld
		}
		v.logger.Info("resolved pending hold", "hold", h.ref(), "status", to)
		return v.advance(ctx, h, StatusPending, to)
	case StatusReleasing, StatusRefunding:
		return v.complete(ctx, h)
	}
	return h, nil
}

// settle records intent then credits. fee < 0 forfeits everything.
func (v *Vault) settle(ctx context.Context, recordID, leg string, intent Status, dest string, fee int64) (Hold, error) {
	op := "release"
	if intent == StatusRefunding {
		op = "refund"
	} else if fee < 0 {
		op = "forfeit"
	}

	h, err := v.store.Get(ctx, recordID, leg)
	if err != nil {
		return Hold{}, err
	}

	if intent == StatusRefunding {
		dest = h.AccountID
	}
	if fee < 0 {
		fee = h.Money
	}
	if fee > h.Money {
		return Hold{}, fmt.Errorf("%w: fee %d exceeds held %d", model.ErrInvalidAmount, fee, h.Money)
	}
	if op == "release" && dest == "" {
		return Hold{}, fmt.Errorf("%w: release %s needs a destination", model.ErrInvalidAmount, h.ref())
	}

	switch h.Status {
	case StatusHeld:
		next := h
		next.Status = intent
		next.Destination = dest
		next.Fee = fee
		next.UpdatedAt = v.clock.Now()
		if err := v.store.Swap(ctx, next, StatusHeld); err != nil {
			v.metrics.EscrowOp(op, "error")
			return Hold{}, err
		}
		h = next
	case intent:
		// Interrupted earlier; finish with the recorded destination.
	case finalFor(intent, op):
		return h, nil
	default:
		return Hold{}, fmt.Errorf("%w: cannot %s %s while %s", ErrHoldState, op, h.ref(), h.Status)
	}

	done, err := v.complete(ctx, h)
	if err != nil {
		v.metrics.EscrowOp(op, "error")
		return Hold{}, err
	}
	v.metrics.EscrowOp(op, "ok")
	return done, nil
}

// complete performs the credit for an entry in releasing or refunding.
func (v *Vault) complete(ctx context.Context, h Hold) (Hold, error) {
	var (
		key   string
		final Status
	)
	credit := model.Offer{Money: h.Money - h.Fee, Items: h.Items}

	switch {
	case h.Status == StatusRefunding:
		key, final = refundKey(h), StatusRefunded
		credit = h.Offer()
	case h.Destination == "":
		key, final = releaseKey(h), StatusForfeited
		credit = model.Offer{}
	default:
		key, final = releaseKey(h), StatusReleased
	}

	if !credit.IsEmpty() {
		dest := h.Destination
		if h.Status == StatusRefunding {
			dest = h.AccountID
		}
		if _, err := v.ledger.Settle(ctx, dest, credit.Credit(), key); err != nil {
			v.logger.Error("escrow credit failed",
				"hold", h.ref(),
				"destination", dest,
				"error", err,
			)
			return Hold{}, err
		}
	}

	return v.advance(ctx, h, h.Status, final)
}

func (v *Vault) advance(ctx context.Context, h Hold, from, to Status) (Hold, error) {
	h.Status = to
	h.UpdatedAt = v.clock.Now()
	if err := v.store.Swap(ctx, h, from); err != nil {
		return Hold{}, fmt.Errorf("mark %s %s: %w", h.ref(), to, err)
	}
	return h, nil
}

func finalFor(intent Status, op string) Status {
	switch {
	case intent == StatusRefunding:
		return StatusRefunded
	case op == "forfeit":
		return StatusForfeited
	}
	return StatusReleased
}
