// Package exchangetest wires an in-memory exchange core for engine tests.
package exchangetest

import (
	"context"
	"testing"
	"time"

	"github.com/rickgao/exchange-core/internal/clock"
	"github.com/rickgao/exchange-core/internal/escrow"
	"github.com/rickgao/exchange-core/internal/exchange"
	"github.com/rickgao/exchange-core/internal/ledger"
	"github.com/rickgao/exchange-core/internal/model"
	"github.com/rickgao/exchange-core/internal/notify"
	"github.com/rickgao/exchange-core/internal/record"
	"github.com/rickgao/exchange-core/internal/scheduler"
)

// Start is the manual clock's initial time.
var Start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Harness is an exchange core over memory stores and a manual clock.
type Harness struct {
	Core      *exchange.Core
	Clock     *clock.Manual
	Ledger    *ledger.Ledger
	Accounts  *ledger.MemoryStore
	Vault     *escrow.Vault
	Holds     *escrow.MemoryStore
	Records   *record.MemoryStore
	Scheduler *scheduler.Scheduler
	Events    *notify.Collector
}

// Option configures a Harness.
type Option func(*options)

type options struct {
	ledger ledger.Config
}

// WithMaxBalance sets the ledger's balance ceiling.
func WithMaxBalance(n int64) Option {
	return func(o *options) { o.ledger.MaxBalance = n }
}

// New builds a harness. The scheduler retries once with a short backoff.
func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	h := &Harness{
		Clock:    clock.NewManual(Start),
		Accounts: ledger.NewMemoryStore(),
		Holds:    escrow.NewMemoryStore(),
		Records:  record.NewMemoryStore(),
		Events:   &notify.Collector{},
	}
	h.Ledger = ledger.New(h.Accounts, o.ledger, nil, ledger.WithClock(h.Clock))
	h.Vault = escrow.New(h.Holds, h.Ledger, h.Clock, nil, nil)
	h.Scheduler = scheduler.New(scheduler.Config{RetryAttempts: 1, RetryBackoff: time.Second}, h.Clock, h.Events, nil, nil)
	h.Core = exchange.New(exchange.Deps{
		Records:   h.Records,
		Ledger:    h.Ledger,
		Vault:     h.Vault,
		Scheduler: h.Scheduler,
		Sink:      h.Events,
		Clock:     h.Clock,
	})

	t.Cleanup(func() {
		_ = h.Scheduler.Stop(context.Background())
	})
	return h
}

// Fund credits an account.
func (h *Harness) Fund(t testing.TB, id string, balance int64, items model.Items) {
	t.Helper()
	if _, err := h.Ledger.Adjust(context.Background(), id, model.Delta{Balance: balance, Items: items}, ""); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

// Account returns the current snapshot.
func (h *Harness) Account(t testing.TB, id string) model.Account {
	t.Helper()
	acct, err := h.Ledger.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("account %s: %v", id, err)
	}
	return acct
}

// Balance returns id's balance.
func (h *Harness) Balance(t testing.TB, id string) int64 {
	t.Helper()
	return h.Account(t, id).Balance
}

// Quantity returns id's quantity of item.
func (h *Harness) Quantity(t testing.TB, id, item string) int64 {
	t.Helper()
	return h.Account(t, id).Quantity(item)
}

// Total sums the balances of ids.
func (h *Harness) Total(t testing.TB, ids ...string) int64 {
	t.Helper()
	var sum int64
	for _, id := range ids {
		sum += h.Balance(t, id)
	}
	return sum
}

// Escrowed sums money in holds that still hold value.
func (h *Harness) Escrowed(t testing.TB) int64 {
	t.Helper()
	open, err := h.Vault.Open(context.Background())
	if err != nil {
		t.Fatalf("open holds: %v", err)
	}
	var sum int64
	for _, hold := range open {
		sum += hold.Money
	}
	return sum
}

// Record returns the stored record.
func (h *Harness) Record(t testing.TB, id string) model.Record {
	t.Helper()
	rec, err := h.Records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
	return rec
}

// Entries returns the number of applied ledger entries.
func (h *Harness) Entries() int {
	return h.Accounts.EntryCount()
}
