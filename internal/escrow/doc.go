// Package escrow is the vault for value in flight.
//
// A hold moves money and items out of an account into a persisted entry keyed
// by (record, leg). The entry walks
//
//	pending -> held -> releasing -> released
//	                \-> refunding -> refunded
//	                \-> releasing -> forfeited (whole amount burned)
//	pending -> void (debit rejected)
//
// Intent (releasing, refunding) is recorded before the ledger credit, and
// every ledger step uses a key derived from (record, leg), so a crash at any
// point leaves an entry that Resolve can finish without double-paying.
package escrow
