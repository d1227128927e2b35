package modifier

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/exchange-core/internal/config"
)

func mult(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		base  int64
		rules []Rule
		want  int64
	}{
		{"no rules", 100, nil, 100},
		{"single multiplier floors", 101, []Rule{{Multiplier: mult("0.5")}}, 50},
		{"multipliers compose", 1000, []Rule{{Multiplier: mult("2")}, {Multiplier: mult("1.5")}}, 3000},
		{"bonus adds after scaling", 100, []Rule{{Multiplier: mult("2"), Bonus: 5}, {Bonus: 3}}, 208},
		{"zero multiplier", 100, []Rule{{Multiplier: mult("0")}}, 0},
		{"unset multiplier is identity", 100, []Rule{{Bonus: 1}}, 101},
		{"clamped at zero", 10, []Rule{{Bonus: -50}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Apply(tt.base, tt.rules); got != tt.want {
				t.Errorf("Apply(%d) = %d, want %d", tt.base, got, tt.want)
			}
		})
	}
}

func TestApply_OrderIndependent(t *testing.T) {
	a := []Rule{{Multiplier: mult("1.1"), Bonus: 7}, {Multiplier: mult("0.9"), Bonus: -2}}
	b := []Rule{a[1], a[0]}
	if Apply(12345, a) != Apply(12345, b) {
		t.Errorf("Apply depends on rule order: %d vs %d", Apply(12345, a), Apply(12345, b))
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rules := Static{
		{Name: "always", Target: WagerHouseFee},
		{Name: "window", Target: WagerHouseFee, From: now.Add(-time.Hour), Until: now.Add(time.Hour)},
		{Name: "ended", Target: WagerHouseFee, Until: now},
		{Name: "future", Target: WagerHouseFee, From: now.Add(time.Minute)},
		{Name: "other", Target: ContestSteal},
	}

	got := rules.Rules(WagerHouseFee, now)
	if len(got) != 2 || got[0].Name != "always" || got[1].Name != "window" {
		t.Errorf("Rules() = %+v, want [always window]", got)
	}
	if len(None.Rules(ContestSteal, now)) != 0 {
		t.Error("None.Rules() returned rules")
	}
}

func TestFromConfig(t *testing.T) {
	rules := FromConfig([]config.ModifierConfig{
		{Name: "free", Target: "wager.house_fee", Multiplier: config.NewRate("0")},
		{Name: "flat", Target: "contest.steal", Bonus: 25},
	})

	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if !rules[0].Multiplier.Valid || !rules[0].Multiplier.Decimal.IsZero() {
		t.Errorf("rules[0].Multiplier = %+v, want explicit zero", rules[0].Multiplier)
	}
	if rules[1].Multiplier.Valid {
		t.Error("rules[1].Multiplier should be unset")
	}
	if got := Apply(400, rules.Rules(ContestSteal, time.Now())); got != 425 {
		t.Errorf("Apply = %d, want 425", got)
	}
}
