package model

import "time"

// -----------------------------------------------------------------------------
// Ledger Types
// -----------------------------------------------------------------------------

// Account is a user's spendable balance and inventory.
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Inventory Items     `json:"inventory"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Quantity returns the held quantity of an item.
func (a Account) Quantity(itemID string) int64 {
	return a.Inventory[NormalizeItemID(itemID)]
}

// Delta is a signed change applied to one account.
type Delta struct {
	Balance int64 `json:"balance"`
	Items   Items `json:"items,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Balance == 0 && d.Items.IsEmpty()
}

// Offer is one side's contribution to a trade, or the contents of an escrow leg.
type Offer struct {
	Money int64 `json:"money"`
	Items Items `json:"items,omitempty"`
}

// IsEmpty reports whether the offer contains nothing.
func (o Offer) IsEmpty() bool {
	return o.Money == 0 && o.Items.IsEmpty()
}

// Plus returns the union of two offers.
func (o Offer) Plus(other Offer) Offer {
	return Offer{
		Money: o.Money + other.Money,
		Items: o.Items.Plus(other.Items),
	}
}

// Debit is the ledger delta that removes the offer from its owner.
func (o Offer) Debit() Delta {
	return Delta{Balance: -o.Money, Items: o.Items.Negate()}
}

// Credit is the ledger delta that delivers the offer to a recipient.
func (o Offer) Credit() Delta {
	return Delta{Balance: o.Money, Items: o.Items.Clone()}
}

// -----------------------------------------------------------------------------
// Exchange Records
// -----------------------------------------------------------------------------

// Kind selects the protocol a record belongs to.
type Kind string

const (
	KindTrade   Kind = "trade"
	KindAuction Kind = "auction"
	KindWager   Kind = "wager"
	KindContest Kind = "contest"
)

// Record is one in-flight or archived exchange.
type Record struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	State        State        `json:"state"`
	Version      int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Participants []string     `json:"participants"`
	ArchivedAt   *time.Time   `json:"archived_at,omitempty"`
	History      []Transition `json:"history,omitempty"`

	Trade   *TradeTerms   `json:"trade,omitempty"`
	Auction *AuctionTerms `json:"auction,omitempty"`
	Wager   *WagerTerms   `json:"wager,omitempty"`
	Contest *ContestTerms `json:"contest,omitempty"`
}

// Transition is one audit-trail entry.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// HasParticipant reports whether userID is party to the record.
func (r Record) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Terminal reports whether the record has reached a terminal state.
func (r Record) Terminal() bool {
	return r.State.Terminal()
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r Record) Clone() Record {
	c := r
	c.Participants = append([]string(nil), r.Participants...)
	c.History = append([]Transition(nil), r.History...)
	if r.ArchivedAt != nil {
		at := *r.ArchivedAt
		c.ArchivedAt = &at
	}
	if r.Trade != nil {
		t := *r.Trade
		t.InitiatorOffer.Items = r.Trade.InitiatorOffer.Items.Clone()
		t.TargetOffer.Items = r.Trade.TargetOffer.Items.Clone()
		c.Trade = &t
	}
	if r.Auction != nil {
		a := *r.Auction
		a.Bids = append([]Bid(nil), r.Auction.Bids...)
		a.HighestLegs = append([]string(nil), r.Auction.HighestLegs...)
		c.Auction = &a
	}
	if r.Wager != nil {
		w := *r.Wager
		c.Wager = &w
	}
	if r.Contest != nil {
		ct := *r.Contest
		if r.Contest.Outcome != nil {
			o := *r.Contest.Outcome
			ct.Outcome = &o
		}
		c.Contest = &ct
	}
	return c
}

// TradeTerms is the Trade variant.
type TradeTerms struct {
	Initiator         string `json:"initiator"`
	Target            string `json:"target"`
	InitiatorOffer    Offer  `json:"initiator_offer"`
	TargetOffer       Offer  `json:"target_offer"`
	InitiatorAccepted bool   `json:"initiator_accepted"`
	TargetAccepted    bool   `json:"target_accepted"`
}

// AuctionTerms is the Auction variant.
type AuctionTerms struct {
	Seller        string    `json:"seller"`
	Item          string    `json:"item"`
	Quantity      int64     `json:"quantity"`
	StartingBid   int64     `json:"starting_bid"`
	CurrentBid    int64     `json:"current_bid"`
	HighestBidder string    `json:"highest_bidder,omitempty"`
	HighestLegs   []string  `json:"highest_legs,omitempty"` // escrow legs that together hold CurrentBid
	Bids          []Bid     `json:"bids,omitempty"`
	EndsAt        time.Time `json:"ends_at"`
}

// Bid is one accepted auction bid.
type Bid struct {
	Bidder string    `json:"bidder"`
	Amount int64     `json:"amount"`
	Leg    string    `json:"leg"`
	At     time.Time `json:"at"`
}

// WagerTerms is the Wager variant.
type WagerTerms struct {
	Challenger   string `json:"challenger"`
	Opponent     string `json:"opponent"`
	Stake        int64  `json:"stake"`
	Description  string `json:"description"`
	HouseFeeRate string `json:"house_fee_rate"`
	Winner       string `json:"winner,omitempty"`
	Payout       int64  `json:"payout,omitempty"`
	HouseFee     int64  `json:"house_fee,omitempty"`
}

// ContestTerms is the ContestedTransfer variant.
type ContestTerms struct {
	Actor                string          `json:"actor"`
	Target               string          `json:"target"`
	ActorLevel           int             `json:"actor_level"`
	WindowStart          time.Time       `json:"window_start"`
	WindowEnd            time.Time       `json:"window_end"`
	InputCount           int             `json:"input_count"`
	MaxInput             int             `json:"max_input"`
	ActorBalanceAtStart  int64           `json:"actor_balance_at_start"`
	TargetBalanceAtStart int64           `json:"target_balance_at_start"`
	Outcome              *ContestOutcome `json:"outcome,omitempty"`
}

// ContestOutcome records how a contest was decided.
type ContestOutcome struct {
	Efficiency    string    `json:"efficiency"`
	SuccessChance string    `json:"success_chance"`
	Roll          float64   `json:"roll"`
	Amount        int64     `json:"amount"`
	TargetBalance int64     `json:"target_balance"`
	ActorBalance  int64     `json:"actor_balance"`
	DecidedAt     time.Time `json:"decided_at"`
}
