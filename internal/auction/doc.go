// Package auction is the auction house: a seller escrows a lot, bidders
// escrow their bids, and at the deadline the highest bid is exchanged for
// the lot or the lot goes back unsold.
//
// At most one bid leg is live at a time. A new bid is held first, the record
// is switched to name it as highest, and only then is the previous bid
// refunded. A refund that fails is retried by the reconciler, which refunds
// every bid leg the record does not name.
package auction
