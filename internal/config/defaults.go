package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultLogLevel         = "info"
	DefaultDriver           = "memory"
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultMaxBalance       = 1_000_000_000
	DefaultTradeTTL         = 10 * time.Minute
	DefaultMaxActiveTrades  = 3
	DefaultFloorRate        = "0.5"
	DefaultMinIncrementRate = "0.05"
	DefaultAuctionDuration  = time.Hour
	DefaultMinAuction       = time.Minute
	DefaultMaxAuction       = 24 * time.Hour
	DefaultMaxOpenPerSeller = 5
	DefaultHouseFeeRate     = "0.05"
	DefaultMinStake         = 1
	DefaultWagerPendingTTL  = 5 * time.Minute
	DefaultWagerResolveTTL  = 24 * time.Hour
	DefaultMaxPendingWagers = 3
	DefaultContestWindow    = 30 * time.Second
	DefaultContestGrace     = 5 * time.Second
	DefaultMaxInput         = 30
	DefaultMinLevel         = 5
	DefaultMinTargetBalance = 1000
	DefaultContestCooldown  = time.Hour
	DefaultBaseSuccess      = "0.3"
	DefaultSuccessBonus     = "0.4"
	DefaultMinStealPct      = "0.1"
	DefaultMaxStealPct      = "0.2"
	DefaultPenaltyPct       = "0.1"
	DefaultRetryAttempts    = 5
	DefaultRetryBackoff     = 1 * time.Second
	DefaultSweepInterval    = 1 * time.Minute
	DefaultSweepConcurrency = 8
	DefaultGatewayPort      = 8080
	DefaultCASRetries       = 3
	DefaultRateLimit        = 5.0
	DefaultRateBurst        = 10
	DefaultMaxClockSkew     = 30 * time.Second
	DefaultOutboxSize       = 1024
	DefaultSubscriberBuffer = 256
	DefaultFeedPingInterval = 30 * time.Second
	DefaultFeedWriteTimeout = 5 * time.Second
	DefaultJournalBatch     = 500
	DefaultJournalFlush     = time.Second
	DefaultJournalBuffer    = 4096
	DefaultMetricsPort      = 9090
	DefaultMetricsPath      = "/metrics"
	DefaultModifierMultiple = "1"
)

func (c *ExchangeConfig) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	applyDBDefaults(&c.Database.Postgres)
	if c.Database.Postgres.AppName == "" {
		c.Database.Postgres.AppName = c.Instance.ID
	}

	if c.Ledger.MaxBalance == 0 {
		c.Ledger.MaxBalance = DefaultMaxBalance
	}

	// Trade defaults
	if c.Trade.TTL == 0 {
		c.Trade.TTL = DefaultTradeTTL
	}
	if c.Trade.MaxActivePerUser == 0 {
		c.Trade.MaxActivePerUser = DefaultMaxActiveTrades
	}

	// Auction defaults
	setRate(&c.Auction.FloorRate, DefaultFloorRate)
	setRate(&c.Auction.MinIncrementRate, DefaultMinIncrementRate)
	if c.Auction.DefaultDuration == 0 {
		c.Auction.DefaultDuration = DefaultAuctionDuration
	}
	if c.Auction.MinDuration == 0 {
		c.Auction.MinDuration = DefaultMinAuction
	}
	if c.Auction.MaxDuration == 0 {
		c.Auction.MaxDuration = DefaultMaxAuction
	}
	if c.Auction.MaxOpenPerSeller == 0 {
		c.Auction.MaxOpenPerSeller = DefaultMaxOpenPerSeller
	}

	// Wager defaults
	setRate(&c.Wager.HouseFeeRate, DefaultHouseFeeRate)
	if c.Wager.MinStake == 0 {
		c.Wager.MinStake = DefaultMinStake
	}
	if c.Wager.PendingTTL == 0 {
		c.Wager.PendingTTL = DefaultWagerPendingTTL
	}
	if c.Wager.ResolveTTL == 0 {
		c.Wager.ResolveTTL = DefaultWagerResolveTTL
	}
	if c.Wager.MaxPendingPerUser == 0 {
		c.Wager.MaxPendingPerUser = DefaultMaxPendingWagers
	}

	// Contest defaults
	if c.Contest.Window == 0 {
		c.Contest.Window = DefaultContestWindow
	}
	if c.Contest.Grace == 0 {
		c.Contest.Grace = DefaultContestGrace
	}
	if c.Contest.MaxInput == 0 {
		c.Contest.MaxInput = DefaultMaxInput
	}
	if c.Contest.MinLevel == 0 {
		c.Contest.MinLevel = DefaultMinLevel
	}
	if c.Contest.MinTargetBalance == 0 {
		c.Contest.MinTargetBalance = DefaultMinTargetBalance
	}
	if c.Contest.Cooldown == 0 {
		c.Contest.Cooldown = DefaultContestCooldown
	}
	setRate(&c.Contest.BaseSuccessChance, DefaultBaseSuccess)
	setRate(&c.Contest.SuccessBonusRange, DefaultSuccessBonus)
	setRate(&c.Contest.MinStealPct, DefaultMinStealPct)
	setRate(&c.Contest.MaxStealPct, DefaultMaxStealPct)
	setRate(&c.Contest.PenaltyPct, DefaultPenaltyPct)

	// Scheduler defaults
	if c.Scheduler.RetryAttempts == 0 {
		c.Scheduler.RetryAttempts = DefaultRetryAttempts
	}
	if c.Scheduler.RetryBackoff == 0 {
		c.Scheduler.RetryBackoff = DefaultRetryBackoff
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = DefaultSweepInterval
	}
	if c.Scheduler.SweepConcurrency == 0 {
		c.Scheduler.SweepConcurrency = DefaultSweepConcurrency
	}

	// Gateway defaults
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultGatewayPort
	}
	if c.Gateway.CASRetries == 0 {
		c.Gateway.CASRetries = DefaultCASRetries
	}
	if c.Gateway.RateLimit == 0 {
		c.Gateway.RateLimit = DefaultRateLimit
	}
	if c.Gateway.RateBurst == 0 {
		c.Gateway.RateBurst = DefaultRateBurst
	}
	if c.Gateway.MaxClockSkew == 0 {
		c.Gateway.MaxClockSkew = DefaultMaxClockSkew
	}

	// Feed defaults
	if c.Feed.OutboxSize == 0 {
		c.Feed.OutboxSize = DefaultOutboxSize
	}
	if c.Feed.SubscriberBuffer == 0 {
		c.Feed.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultFeedPingInterval
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultFeedWriteTimeout
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultJournalBatch
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultJournalFlush
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}

	for i := range c.Modifiers {
		setRate(&c.Modifiers[i].Multiplier, DefaultModifierMultiple)
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func setRate(r *Rate, def string) {
	if !r.IsSet() {
		*r = NewRate(def)
	}
}
