// Package record persists exchange records.
//
// Update is a compare-and-swap on Version: the caller passes the record it
// read, and the store bumps Version only if nobody else committed first,
// otherwise it fails with model.ErrConcurrentModification. Terminal records
// are archived, never deleted.
package record
