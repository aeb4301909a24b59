// Package params defines all configuration for the engine. Config starts
// from Default() and is overlaid with an optional YAML file (configs/engine.yaml
// is the shipped example; no file is read unless a path is given) whose keys
// are overridable via FUNDCAST_* environment variables. Unknown keys are
// rejected at load time.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Book    BookConfig    `mapstructure:"book"`
	AMM     AMMConfig     `mapstructure:"amm"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	SLO     SLOConfig     `mapstructure:"slo"`
	Cache   CacheConfig   `mapstructure:"cache"`
	TaskQ   TaskQConfig   `mapstructure:"taskq"`
	Storage StorageConfig `mapstructure:"storage"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type EngineConfig struct {
	// Default engine for new markets: "order-book" or "amm".
	Default string `mapstructure:"default"`
	// QueueDepth bounds each market writer's command channel.
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

type BookConfig struct {
	// PriceTicks is the top of the integer price grid.
	PriceTicks int64 `mapstructure:"price_ticks"`
	// MarketOrderPolicy: "partial-ok" or "all-or-none".
	MarketOrderPolicy string `mapstructure:"market_order_policy"`
}

type AMMConfig struct {
	FeeBps int64 `mapstructure:"fee_bps"`
}

type RiskConfig struct {
	// SelfTrade: "prevent" or "allow".
	SelfTrade string `mapstructure:"self_trade"`
}

type BreakerConfig struct {
	WindowSize       int           `mapstructure:"window_size"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	SlowThreshold    float64       `mapstructure:"slow_threshold"`
	SlowCallMs       int           `mapstructure:"slow_threshold_ms"`
	MinSamples       int           `mapstructure:"min_samples"`
	CooldownMs       int           `mapstructure:"cooldown_ms"`
	MaxCooldownMs    int           `mapstructure:"max_cooldown_ms"`
	HalfOpenProbes   int           `mapstructure:"half_open_probes"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

type SLOConfig struct {
	Window     time.Duration      `mapstructure:"window"`
	BucketSize time.Duration      `mapstructure:"bucket_size"`
	Targets    map[string]float64 `mapstructure:"targets"`
}

type CacheConfig struct {
	L1Capacity int           `mapstructure:"l1_capacity"`
	L1TTL      time.Duration `mapstructure:"l1_ttl"`
	L2TTL      time.Duration `mapstructure:"l2_ttl"`
}

type TaskQConfig struct {
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Factor float64       `mapstructure:"factor"`
	Cap    time.Duration `mapstructure:"cap"`
	Jitter float64       `mapstructure:"jitter"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// CheckpointEvery is a cron spec (e.g. "@every 1m").
	CheckpointEvery string `mapstructure:"checkpoint_every"`
}

type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func Default() Config {
	return Config{
		Engine: EngineConfig{
			Default:        "order-book",
			QueueDepth:     256,
			EnqueueTimeout: 2 * time.Second,
		},
		Book: BookConfig{
			PriceTicks:        9999,
			MarketOrderPolicy: "partial-ok",
		},
		AMM:  AMMConfig{FeeBps: 30},
		Risk: RiskConfig{SelfTrade: "prevent"},
		Breaker: BreakerConfig{
			WindowSize:       100,
			FailureThreshold: 0.5,
			SlowThreshold:    0.8,
			SlowCallMs:       1000,
			MinSamples:       10,
			CooldownMs:       5000,
			MaxCooldownMs:    120000,
			HalfOpenProbes:   3,
			CallTimeout:      10 * time.Second,
		},
		SLO: SLOConfig{
			Window:     30 * 24 * time.Hour,
			BucketSize: time.Hour,
			Targets: map[string]float64{
				"engine.submit":    0.999,
				"engine.cancel":    0.999,
				"engine.lifecycle": 0.999,
			},
		},
		Cache: CacheConfig{
			L1Capacity: 4096,
			L1TTL:      30 * time.Second,
			L2TTL:      5 * time.Minute,
		},
		TaskQ: TaskQConfig{
			Workers:     4,
			MaxAttempts: 5,
			Backoff: BackoffConfig{
				Base:   time.Second,
				Factor: 2,
				Cap:    time.Minute,
				Jitter: 0.2,
			},
		},
		Storage: StorageConfig{
			Path:            "./data/engine.db",
			CheckpointEvery: "@every 1m",
		},
		Feed:    FeedConfig{Enabled: true, Addr: ":8090"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from a YAML file with FUNDCAST_* env overrides,
// starting from the defaults. An empty path skips the file. Environment
// variables override only keys present in the file; an env var for a key
// the file does not contain is not read.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("FUNDCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	// UnmarshalExact rejects unknown keys.
	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks all enumerated options and value ranges.
func (c *Config) Validate() error {
	switch c.Engine.Default {
	case "order-book", "amm":
	default:
		return fmt.Errorf("engine.default must be order-book or amm, got %q", c.Engine.Default)
	}
	if c.Book.PriceTicks < 2 {
		return fmt.Errorf("book.price_ticks must be at least 2, got %d", c.Book.PriceTicks)
	}
	switch c.Book.MarketOrderPolicy {
	case "partial-ok", "all-or-none":
	default:
		return fmt.Errorf("book.market_order_policy must be partial-ok or all-or-none, got %q", c.Book.MarketOrderPolicy)
	}
	if c.AMM.FeeBps < 0 || c.AMM.FeeBps >= 10000 {
		return fmt.Errorf("amm.fee_bps must be in [0, 10000), got %d", c.AMM.FeeBps)
	}
	switch c.Risk.SelfTrade {
	case "prevent", "allow":
	default:
		return fmt.Errorf("risk.self_trade must be prevent or allow, got %q", c.Risk.SelfTrade)
	}
	if c.Breaker.WindowSize <= 0 {
		return fmt.Errorf("breaker.window_size must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.FailureThreshold > 1 {
		return fmt.Errorf("breaker.failure_threshold must be in (0, 1]")
	}
	if c.Breaker.HalfOpenProbes <= 0 {
		return fmt.Errorf("breaker.half_open_probes must be positive")
	}
	if c.SLO.BucketSize <= 0 || c.SLO.Window < c.SLO.BucketSize || c.SLO.Window%c.SLO.BucketSize != 0 {
		return fmt.Errorf("slo.window must be a positive multiple of slo.bucket_size")
	}
	for name, target := range c.SLO.Targets {
		if target <= 0 || target > 1 {
			return fmt.Errorf("slo target %s must be in (0, 1], got %f", name, target)
		}
	}
	if c.Cache.L1Capacity <= 0 {
		return fmt.Errorf("cache.l1_capacity must be positive")
	}
	if c.TaskQ.Workers <= 0 {
		return fmt.Errorf("taskq.workers must be positive")
	}
	if c.TaskQ.MaxAttempts <= 0 {
		return fmt.Errorf("taskq.max_attempts must be positive")
	}
	if c.TaskQ.Backoff.Jitter < 0 || c.TaskQ.Backoff.Jitter > 1 {
		return fmt.Errorf("taskq.backoff.jitter must be in [0, 1]")
	}
	return nil
}
