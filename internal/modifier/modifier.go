// Package modifier adjusts settlement amounts by configured event rules, such
// as a fee-free weekend or a double-loot hour.
package modifier

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-core/internal/config"
)

// Target names the amount a rule adjusts.
type Target string

const (
	WagerHouseFee Target = "wager.house_fee"
	ContestSteal  Target = "contest.steal"
	AuctionFloor  Target = "auction.floor"
)

// Rule scales and then offsets an amount while active.
type Rule struct {
	Name       string
	Target     Target
	Multiplier decimal.NullDecimal // unset = 1
	Bonus      int64
	From       time.Time // zero = no start bound
	Until      time.Time // zero = no end bound
}

// ActiveAt reports whether the rule applies at t. Until is exclusive.
func (r Rule) ActiveAt(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.Until.IsZero() && !t.Before(r.Until) {
		return false
	}
	return true
}

// Apply returns floor(base * product of multipliers) + sum of bonuses,
// clamped at zero. Rule order does not matter.
func Apply(base int64, rules []Rule) int64 {
	factor := decimal.NewFromInt(1)
	var bonus int64
	for _, r := range rules {
		if r.Multiplier.Valid {
			factor = factor.Mul(r.Multiplier.Decimal)
		}
		bonus += r.Bonus
	}

	out := decimal.NewFromInt(base).Mul(factor).Floor().IntPart() + bonus
	if out < 0 {
		return 0
	}
	return out
}

// Snapshot returns the rules for target active at now.
func Snapshot(rules []Rule, target Target, now time.Time) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Target == target && r.ActiveAt(now) {
			out = append(out, r)
		}
	}
	return out
}

// Source supplies the rules active for a target.
type Source interface {
	Rules(target Target, now time.Time) []Rule
}

// Static is a fixed rule list.
type Static []Rule

// Rules implements Source.
func (s Static) Rules(target Target, now time.Time) []Rule {
	return Snapshot(s, target, now)
}

// None is a Source with no rules.
var None Source = Static(nil)

// FromConfig converts configured modifiers.
func FromConfig(cfgs []config.ModifierConfig) Static {
	out := make(Static, 0, len(cfgs))
	for _, c := range cfgs {
		r := Rule{
			Name:   c.Name,
			Target: Target(c.Target),
			Bonus:  c.Bonus,
			From:   c.From,
			Until:  c.Until,
		}
		if c.Multiplier.IsSet() {
			r.Multiplier = decimal.NewNullDecimal(c.Multiplier.Decimal)
		}
		out = append(out, r)
	}
	return out
}
