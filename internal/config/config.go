package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig is the root configuration for an exchange daemon.
type ExchangeConfig struct {
	Instance  InstanceConfig   `yaml:"instance"`
	Log       LogConfig        `yaml:"log"`
	Database  DatabaseConfig   `yaml:"database"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Trade     TradeConfig      `yaml:"trade"`
	Auction   AuctionConfig    `yaml:"auction"`
	Wager     WagerConfig      `yaml:"wager"`
	Contest   ContestConfig    `yaml:"contest"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Feed      FeedConfig       `yaml:"feed"`
	Journal   JournalConfig    `yaml:"journal"`
	Modifiers []ModifierConfig `yaml:"modifiers"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// LogConfig selects the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig selects the storage backend for ledger, escrow and records.
type DatabaseConfig struct {
	Driver   string   `yaml:"driver"` // "memory" or "postgres"
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	AppName  string `yaml:"app_name"` // reported as application_name
}

// LedgerConfig bounds account balances.
type LedgerConfig struct {
	MaxBalance int64 `yaml:"max_balance"`
}

// TradeConfig holds negotiated trade settings.
type TradeConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	MaxActivePerUser int           `yaml:"max_active_per_user"`
}

// AuctionConfig holds auction house settings.
type AuctionConfig struct {
	FloorRate        Rate             `yaml:"floor_rate"`         // starting bid floor as a fraction of reference value
	MinIncrementRate Rate             `yaml:"min_increment_rate"` // minimum raise as a fraction of the current bid
	DefaultDuration  time.Duration    `yaml:"default_duration"`
	MinDuration      time.Duration    `yaml:"min_duration"`
	MaxDuration      time.Duration    `yaml:"max_duration"`
	MaxOpenPerSeller int              `yaml:"max_open_per_seller"`
	Catalog          map[string]int64 `yaml:"catalog"` // item id -> reference value
}

// WagerConfig holds wager broker settings.
type WagerConfig struct {
	HouseFeeRate      Rate          `yaml:"house_fee_rate"`
	MinStake          int64         `yaml:"min_stake"`
	MaxStake          int64         `yaml:"max_stake"` // 0 = unlimited
	PendingTTL        time.Duration `yaml:"pending_ttl"`
	ResolveTTL        time.Duration `yaml:"resolve_ttl"`
	MaxPendingPerUser int           `yaml:"max_pending_per_user"`
	WinnerXP          int64         `yaml:"winner_xp"`
}

// ContestConfig holds contested transfer settings.
type ContestConfig struct {
	Window            time.Duration `yaml:"window"`
	Grace             time.Duration `yaml:"grace"`
	MaxInput          int           `yaml:"max_input"`
	MinLevel          int           `yaml:"min_level"`
	MinTargetBalance  int64         `yaml:"min_target_balance"`
	Cooldown          time.Duration `yaml:"cooldown"`
	BaseSuccessChance Rate          `yaml:"base_success_chance"`
	SuccessBonusRange Rate          `yaml:"success_bonus_range"`
	MinStealPct       Rate          `yaml:"min_steal_pct"`
	MaxStealPct       Rate          `yaml:"max_steal_pct"`
	PenaltyPct        Rate          `yaml:"penalty_pct"`
}

// SchedulerConfig holds deadline timer and reconciler settings.
type SchedulerConfig struct {
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
}

// GatewayConfig holds HTTP command gateway settings.
type GatewayConfig struct {
	Port          int           `yaml:"port"`
	CASRetries    int           `yaml:"cas_retries"`
	RateLimit     float64       `yaml:"rate_limit"` // requests per second per actor
	RateBurst     int           `yaml:"rate_burst"`
	PublicKeyPath string        `yaml:"public_key_path"` // enables signed requests when set
	KeyID         string        `yaml:"key_id"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
}

// FeedConfig holds event feed settings.
type FeedConfig struct {
	OutboxSize       int           `yaml:"outbox_size"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// JournalConfig holds event journal settings. The journal needs the
// postgres driver.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// ModifierConfig declares one modifier rule.
type ModifierConfig struct {
	Name       string    `yaml:"name"`
	Target     string    `yaml:"target"` // wager.house_fee, contest.steal, auction.floor
	Multiplier Rate      `yaml:"multiplier"`
	Bonus      int64     `yaml:"bonus"`
	From       time.Time `yaml:"from"`
	Until      time.Time `yaml:"until"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Rate is a decimal fraction read from YAML, e.g. 0.05. A Rate that was never
// set is distinguishable from an explicit zero.
type Rate struct {
	decimal.Decimal
	set bool
}

// NewRate returns a set Rate.
func NewRate(s string) Rate {
	return Rate{Decimal: decimal.RequireFromString(s), set: true}
}

// IsSet reports whether the rate was configured.
func (r Rate) IsSet() bool {
	return r.set
}

// UnmarshalYAML parses a scalar decimal.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rate must be a scalar", value.Line)
	}
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid rate %q: %w", value.Line, value.Value, err)
	}
	r.Decimal = d
	r.set = true
	return nil
}
