// Package contest arbitrates contested transfers: a time-boxed attempt by
// one account to take a bounded share of another's balance, with the odds
// set by how many inputs the actor lands inside the window.
//
// A contest finalizes exactly once, whichever of the max-input path, an
// explicit finalize or the deadline gets there first; later calls return the
// recorded outcome.
package contest
