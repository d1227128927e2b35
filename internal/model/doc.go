// Package model defines the shared domain types of the exchange engine.
//
// Conventions:
//   - Money: int64 whole currency units, never negative in an account
//   - Items: map of normalised item id to quantity
//   - IDs: uuid strings for records, opaque strings for accounts (chat user ids)
//   - Timestamps: time.Time in UTC
//
// A Record is a tagged union: Kind selects which of the Trade, Auction, Wager
// or Contest terms is populated.
package model
