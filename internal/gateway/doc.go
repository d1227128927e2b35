// Package gateway exposes the exchange verbs over HTTP/JSON.
//
// Every verb lives under /v1 and acts on behalf of the user named in the
// X-Actor-ID header. Engine errors map to a stable code and HTTP status;
// lost compare-and-swap races are retried before they reach the caller.
package gateway
