package model

// State is a record's position in its protocol's state graph.
type State string

const (
	// Trade
	StateProposed    State = "proposed"
	StateNegotiating State = "negotiating"

	// Auction
	StateOpen   State = "open"
	StateUnsold State = "unsold"

	// Wager
	StatePending  State = "pending"
	StateActive   State = "active"
	StateResolved State = "resolved"
	StateDeclined State = "declined"

	// Contest
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateVoided    State = "voided"

	// Shared
	StateSettled   State = "settled"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether no transition leaves this state.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateCancelled, StateExpired, StateDeclined,
		StateUnsold, StateResolved, StateSucceeded, StateFailed, StateVoided:
		return true
	}
	return false
}

// transitions is the per-kind state graph.
var transitions = map[Kind]map[State][]State{
	KindTrade: {
		StateProposed:    {StateProposed, StateNegotiating, StateCancelled, StateExpired},
		StateNegotiating: {StateNegotiating, StateSettled, StateCancelled, StateExpired},
	},
	KindAuction: {
		StateOpen: {StateOpen, StateSettled, StateUnsold},
	},
	KindWager: {
		StatePending: {StateActive, StateDeclined, StateCancelled, StateExpired},
		StateActive:  {StateResolved, StateCancelled},
	},
	KindContest: {
		StateActive: {StateActive, StateSucceeded, StateFailed, StateVoided},
	},
}

// InitialState is the state a freshly created record of kind starts in.
func InitialState(kind Kind) State {
	switch kind {
	case KindTrade:
		return StateProposed
	case KindAuction:
		return StateOpen
	case KindWager:
		return StatePending
	case KindContest:
		return StateActive
	}
	return ""
}

// CanTransition reports whether kind permits from -> to. Self-loops are
// allowed only where the graph lists them (in-place updates such as a new bid).
func CanTransition(kind Kind, from, to State) bool {
	for _, s := range transitions[kind][from] {
		if s == to {
			return true
		}
	}
	return false
}
