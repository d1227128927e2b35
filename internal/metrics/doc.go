// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Ledger adjustments and escrow operations by outcome
//   - Exchange verbs, record transitions and verb latency
//   - Scheduler timers, retries and reconciliation items
//   - Reconciler sweeps and resumed settlements
//   - Notification feed subscribers and dropped events
//   - Gateway requests, compare-and-swap retries and rate limiting
//
// A nil *Metrics is valid and records nothing.
package metrics
