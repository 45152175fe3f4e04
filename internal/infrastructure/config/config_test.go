package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_core/internal/domain/entities"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/settlement"},
		Admin:    AdminConfig{JWTSecret: "secret"},
		Treasury: TreasuryConfig{
			UserID:        "00000000-0000-0000-0000-000000000001",
			FeeUserID:     "00000000-0000-0000-0000-000000000002",
			SpreadPercent: "2.5",
		},
		Sweep:    SweepConfig{BaseDelay: time.Minute, Multiplier: 3, MaxRetries: 5},
		Webhooks: WebhookConfig{BaseDelay: 30 * time.Second, MaxAttempts: 8, MaxDelay: 6 * time.Hour},
		Chains: map[string]ChainConfig{
			"tron": {
				Enabled:               true,
				Providers:             []ProviderConfig{{Name: "trongrid", URL: "https://api.trongrid.io"}},
				RequiredConfirmations: 19,
				Assets: []AssetConfig{
					{Symbol: "usdt", Contract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Decimals: 6, DustThreshold: "1"},
				},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validate(validConfig()))

	t.Run("unknown chain", func(t *testing.T) {
		cfg := validConfig()
		cfg.Chains["dogecoin"] = ChainConfig{}
		assert.Error(t, validate(cfg))
	})

	t.Run("enabled chain without providers", func(t *testing.T) {
		cfg := validConfig()
		cc := cfg.Chains["tron"]
		cc.Providers = nil
		cfg.Chains["tron"] = cc
		assert.Error(t, validate(cfg))
	})

	t.Run("sweep without hot wallet", func(t *testing.T) {
		cfg := validConfig()
		cc := cfg.Chains["tron"]
		cc.SweepEnabled = true
		cfg.Chains["tron"] = cc
		assert.Error(t, validate(cfg))
	})

	t.Run("spread out of range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Treasury.SpreadPercent = "100"
		assert.Error(t, validate(cfg))
	})

	t.Run("flat sweep backoff", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sweep.Multiplier = 1
		assert.ErrorContains(t, validate(cfg), "sweep retry policy")
	})

	t.Run("unset sweep multiplier", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sweep.Multiplier = 0
		assert.Error(t, validate(cfg))
	})

	t.Run("webhook retries disabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhooks.MaxAttempts = 0
		assert.ErrorContains(t, validate(cfg), "webhook retry policy")
	})

	t.Run("missing treasury user", func(t *testing.T) {
		cfg := validConfig()
		cfg.Treasury.UserID = ""
		assert.Error(t, validate(cfg))
	})
}

func TestAssetList(t *testing.T) {
	cfg := validConfig()
	assets, err := cfg.Chains["tron"].AssetList(entities.ChainTron)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "USDT", assets[0].Symbol)
	assert.Equal(t, entities.ChainTron, assets[0].Chain)
	assert.True(t, assets[0].DustThreshold.Equal(decimal.NewFromInt(1)))

	bad := ChainConfig{Assets: []AssetConfig{{Symbol: "X", DustThreshold: "abc"}}}
	_, err = bad.AssetList(entities.ChainTron)
	assert.Error(t, err)
}

func TestEnabledChains(t *testing.T) {
	cfg := validConfig()
	cfg.Chains["bitcoin"] = ChainConfig{Enabled: false}
	assert.Equal(t, []entities.Chain{entities.ChainTron}, cfg.EnabledChains())
}
