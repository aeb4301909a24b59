package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
book:
  price_ticks: 9999
  market_order_policy: all-or-none
amm:
  fee_bps: 50
taskq:
  workers: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "all-or-none", cfg.Book.MarketOrderPolicy)
	assert.Equal(t, int64(50), cfg.AMM.FeeBps)
	assert.Equal(t, 8, cfg.TaskQ.Workers)
	// untouched sections keep their defaults
	assert.Equal(t, "order-book", cfg.Engine.Default)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
book:
  price_ticks: 9999
  no_such_option: true
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad engine", func(c *Config) { c.Engine.Default = "quantum" }},
		{"bad policy", func(c *Config) { c.Book.MarketOrderPolicy = "maybe" }},
		{"tiny grid", func(c *Config) { c.Book.PriceTicks = 1 }},
		{"fee too high", func(c *Config) { c.AMM.FeeBps = 10000 }},
		{"bad self trade", func(c *Config) { c.Risk.SelfTrade = "sometimes" }},
		{"zero window", func(c *Config) { c.Breaker.WindowSize = 0 }},
		{"threshold over one", func(c *Config) { c.Breaker.FailureThreshold = 1.5 }},
		{"no probes", func(c *Config) { c.Breaker.HalfOpenProbes = 0 }},
		{"slo window misaligned", func(c *Config) { c.SLO.Window = c.SLO.BucketSize * 3 / 2 }},
		{"slo target zero", func(c *Config) { c.SLO.Targets["x"] = 0 }},
		{"no cache", func(c *Config) { c.Cache.L1Capacity = 0 }},
		{"no workers", func(c *Config) { c.TaskQ.Workers = 0 }},
		{"jitter range", func(c *Config) { c.TaskQ.Backoff.Jitter = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	assert.Error(t, err)
}
