// Package journal appends every published exchange event to Postgres.
//
// Writer is a notify.Sink. Events queue in an outbox and are inserted in
// batches into exchange_events, flushed when a batch fills or on a timer.
// Event ids are derived from the event contents, so replaying the same
// event is absorbed by ON CONFLICT DO NOTHING.
package journal
