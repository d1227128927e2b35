// Package scheduler fires record deadlines.
//
// Each record has at most one armed timer, keyed by record id; scheduling
// again replaces it and Cancel disarms it. A callback that fails is retried
// with exponential backoff and jitter. When retries run out the failure is
// logged and published as a reconciliation item rather than dropped.
package scheduler
