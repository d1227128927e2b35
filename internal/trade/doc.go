// Package trade is the negotiation engine for two-party item and currency
// swaps.
//
// Nothing is escrowed while the parties negotiate. When the second party
// accepts, both offers are held under the two account locks and released
// crosswise in one step; if either side can no longer cover its offer, the
// partial hold is refunded and the trade returns to negotiation.
package trade
