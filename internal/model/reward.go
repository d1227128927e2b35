package model

// Reward is what a settlement grants a user. Implementations are Money,
// Experience and Composite; the unexported method seals the set.
type Reward interface {
	reward()
}

// Money is a currency reward, settled through the ledger.
type Money struct{ Amount int64 }

// Experience is an XP reward, forwarded to the external XP subsystem as an event.
type Experience struct{ Amount int64 }

// Composite bundles several rewards.
type Composite struct{ Parts []Reward }

func (Money) reward()      {}
func (Experience) reward() {}
func (Composite) reward()  {}

// Flatten totals a reward tree into its money and experience components.
func Flatten(r Reward) (money, xp int64) {
	switch v := r.(type) {
	case nil:
	case Money:
		money += v.Amount
	case Experience:
		xp += v.Amount
	case Composite:
		for _, p := range v.Parts {
			m, x := Flatten(p)
			money += m
			xp += x
		}
	default:
		panic("model: unknown reward type")
	}
	return money, xp
}
