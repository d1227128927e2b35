// Package exchange holds what the four protocol engines share: loading and
// committing records under a per-record lock with version compare-and-swap,
// arming deadlines, publishing events, and the reconciler that re-drives
// interrupted settlements from the record store and the escrow vault.
package exchange
