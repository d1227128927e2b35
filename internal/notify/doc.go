// Package notify delivers exchange events to the presentation layer.
//
// Engines publish to a Sink. The daemon's Sink is an Outbox: an unbounded,
// growable queue drained by a Feed that fans events out to websocket
// subscribers. Client is the subscriber side, with reconnect and backoff.
//
//	engines --Publish--> Outbox --drain--> Feed --ws--> Client(s)
package notify
