package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *ExchangeConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level %q is invalid", c.Log.Level)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}

	if c.Ledger.MaxBalance < 1 {
		return errors.New("ledger.max_balance must be >= 1")
	}

	if c.Trade.MaxActivePerUser < 1 {
		return errors.New("trade.max_active_per_user must be >= 1")
	}

	if err := unitRate("auction.floor_rate", c.Auction.FloorRate); err != nil {
		return err
	}
	if err := unitRate("auction.min_increment_rate", c.Auction.MinIncrementRate); err != nil {
		return err
	}
	if c.Auction.MinDuration > c.Auction.MaxDuration {
		return fmt.Errorf("auction.min_duration (%s) cannot exceed max_duration (%s)", c.Auction.MinDuration, c.Auction.MaxDuration)
	}
	for item, v := range c.Auction.Catalog {
		if v < 1 {
			return fmt.Errorf("auction.catalog.%s must be >= 1", item)
		}
	}

	if err := unitRate("wager.house_fee_rate", c.Wager.HouseFeeRate); err != nil {
		return err
	}
	if c.Wager.MinStake < 1 {
		return errors.New("wager.min_stake must be >= 1")
	}
	if c.Wager.MaxStake != 0 && c.Wager.MaxStake < c.Wager.MinStake {
		return fmt.Errorf("wager.max_stake (%d) cannot be below min_stake (%d)", c.Wager.MaxStake, c.Wager.MinStake)
	}

	if c.Contest.MaxInput < 1 {
		return errors.New("contest.max_input must be >= 1")
	}
	for name, r := range map[string]Rate{
		"contest.base_success_chance": c.Contest.BaseSuccessChance,
		"contest.success_bonus_range": c.Contest.SuccessBonusRange,
		"contest.min_steal_pct":       c.Contest.MinStealPct,
		"contest.max_steal_pct":       c.Contest.MaxStealPct,
		"contest.penalty_pct":         c.Contest.PenaltyPct,
	} {
		if err := unitRate(name, r); err != nil {
			return err
		}
	}
	if c.Contest.MinStealPct.GreaterThan(c.Contest.MaxStealPct.Decimal) {
		return errors.New("contest.min_steal_pct cannot exceed max_steal_pct")
	}

	if c.Scheduler.RetryAttempts < 0 {
		return errors.New("scheduler.retry_attempts must be >= 0")
	}
	if c.Scheduler.SweepConcurrency < 1 {
		return errors.New("scheduler.sweep_concurrency must be >= 1")
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.CASRetries < 0 {
		return errors.New("gateway.cas_retries must be >= 0")
	}
	if c.Gateway.PublicKeyPath != "" && c.Gateway.KeyID == "" {
		return errors.New("gateway.key_id is required when public_key_path is set")
	}

	if c.Journal.Enabled {
		if c.Database.Driver != "postgres" {
			return errors.New("journal.enabled requires database.driver postgres")
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
	}

	for i, m := range c.Modifiers {
		switch m.Target {
		case "wager.house_fee", "contest.steal", "auction.floor":
		default:
			return fmt.Errorf("modifiers[%d].target %q is unknown", i, m.Target)
		}
		if m.Multiplier.IsNegative() {
			return fmt.Errorf("modifiers[%d].multiplier must be >= 0", i)
		}
		if !m.From.IsZero() && !m.Until.IsZero() && m.Until.Before(m.From) {
			return fmt.Errorf("modifiers[%d].until is before from", i)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if c.Metrics.Port == c.Gateway.Port {
		return fmt.Errorf("metrics.port and gateway.port must differ, both %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func unitRate(name string, r Rate) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be between 0 and 1, got %s", name, r.String())
	}
	return nil
}
