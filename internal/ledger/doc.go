// Package ledger owns account balances and inventories.
//
// Every mutation is an Adjust carrying an idempotency key; a key that was
// already applied returns the current snapshot without changing anything, so
// settlement steps can be retried safely. A single Adjust is atomic in the
// store. Operations spanning several accounts take Lock, which acquires
// per-account locks in ascending id order.
package ledger
