// Package wager is the wager broker for two-party bets with a house fee.
//
// Stakes are escrowed when the opponent accepts, not at proposal. On
// resolution the winner's own stake is released whole and the loser's stake
// is released to the winner less the house fee, which is burned, so
// payout + fee == 2 * stake.
package wager
