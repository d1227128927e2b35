// Package database provides PostgreSQL connection pools, transactions and the
// schema for the ledger, escrow vault and exchange record stores.
//
// Tables:
//   - accounts, account_items: balances and inventory
//   - ledger_entries: applied idempotency keys
//   - escrow_holds: vault entries keyed by (record_id, leg)
//   - exchange_records: records with their JSONB payload and audit trail
package database
