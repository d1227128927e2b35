// Package api is a Go client for the exchange gateway.
//
// Verbs map one-to-one onto gateway routes. Failed requests return
// *APIError, which unwraps to the engine's sentinel error so callers can use
// errors.Is(err, model.ErrBidTooLow) across the wire.
//
// Only requests the gateway never processed are retried: GETs on 5xx and
// any request rejected by the rate limiter.
package api
