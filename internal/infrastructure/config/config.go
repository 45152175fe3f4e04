package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/pkg/failover"
	"github.com/rail-service/settlement_core/pkg/retry"
)

// Config holds all configuration for the application
type Config struct {
	Environment string                 `mapstructure:"environment"`
	LogLevel    string                 `mapstructure:"log_level"`
	Server      ServerConfig           `mapstructure:"server"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Admin       AdminConfig            `mapstructure:"admin"`
	Chains      map[string]ChainConfig `mapstructure:"chains"`
	Sweep       SweepConfig            `mapstructure:"sweep"`
	Webhooks    WebhookConfig          `mapstructure:"webhooks"`
	Treasury    TreasuryConfig         `mapstructure:"treasury"`
	Vault       VaultConfig            `mapstructure:"vault"`
	Secrets     SecretsConfig          `mapstructure:"secrets"`
	Alerts      AlertConfig            `mapstructure:"alerts"`
	Tracing     TracingConfig          `mapstructure:"tracing"`
	Workers     WorkerConfig           `mapstructure:"workers"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	QueryTimeout    int    `mapstructure:"query_timeout"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	ClusterMode  bool     `mapstructure:"cluster_mode"`
	ClusterAddrs []string `mapstructure:"cluster_addrs"`
	MaxRetries   int      `mapstructure:"max_retries"`
	PoolSize     int      `mapstructure:"pool_size"`
}

// AdminConfig guards the operator routes.
type AdminConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TOTPSecret string        `mapstructure:"totp_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

// ProviderConfig is one upstream endpoint for a chain.
type ProviderConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type AssetConfig struct {
	Symbol        string `mapstructure:"symbol"`
	Contract      string `mapstructure:"contract"`
	Decimals      int32  `mapstructure:"decimals"`
	DustThreshold string `mapstructure:"dust_threshold"`
	SweepEnabled  bool   `mapstructure:"sweep_enabled"`
}

// ChainConfig drives the watcher, tracker and sweep engine of one chain.
type ChainConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Network string `mapstructure:"network"`
	ChainID int64  `mapstructure:"chain_id"`

	Providers         []ProviderConfig `mapstructure:"providers"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	Burst             int              `mapstructure:"burst"`
	CallTimeout       time.Duration    `mapstructure:"call_timeout"`
	MaxRetries        uint64           `mapstructure:"max_retries"`

	PollInterval          time.Duration `mapstructure:"poll_interval"`
	ConfirmInterval       time.Duration `mapstructure:"confirm_interval"`
	RequiredConfirmations int64         `mapstructure:"required_confirmations"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	BatchThreshold        int           `mapstructure:"batch_threshold"`
	BatchSize             int           `mapstructure:"batch_size"`
	BatchDelay            time.Duration `mapstructure:"batch_delay"`
	LogRangeLimit         int64         `mapstructure:"log_range_limit"`
	// UnfoundExpiry expires confirming deposits whose transaction is still unknown to the chain.
	UnfoundExpiry time.Duration `mapstructure:"unfound_expiry"`

	SweepEnabled      bool   `mapstructure:"sweep_enabled"`
	HotWallet         string `mapstructure:"hot_wallet"`
	TreasuryAddress   string `mapstructure:"treasury_address"`
	TreasuryKeySecret string `mapstructure:"treasury_key_secret"`
	GasFundingAmount  string `mapstructure:"gas_funding_amount"`
	GasTransferFee    string `mapstructure:"gas_transfer_fee"`
	FeeLimit          int64  `mapstructure:"fee_limit"`

	Assets []AssetConfig `mapstructure:"assets"`
}

// AssetList converts the configured assets of a chain into domain assets.
func (c ChainConfig) AssetList(chain entities.Chain) ([]entities.Asset, error) {
	assets := make([]entities.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		dust := decimal.Zero
		if a.DustThreshold != "" {
			d, err := decimal.NewFromString(a.DustThreshold)
			if err != nil {
				return nil, fmt.Errorf("%s/%s dust threshold: %w", chain, a.Symbol, err)
			}
			dust = d
		}
		assets = append(assets, entities.Asset{
			Symbol:        entities.NormalizeCurrency(a.Symbol),
			Chain:         chain,
			Contract:      a.Contract,
			Decimals:      a.Decimals,
			DustThreshold: dust,
			SweepEnabled:  a.SweepEnabled,
		})
	}
	return assets, nil
}

// PoolConfig builds the provider failover settings for the chain client.
func (c ChainConfig) PoolConfig() failover.Config {
	cfg := failover.DefaultConfig()
	cfg.Endpoints = make([]failover.Endpoint, 0, len(c.Providers))
	for _, p := range c.Providers {
		cfg.Endpoints = append(cfg.Endpoints, failover.Endpoint{Name: p.Name, URL: strings.TrimRight(p.URL, "/"), APIKey: p.APIKey})
	}
	if c.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst > 0 {
		cfg.Burst = c.Burst
	}
	if c.CallTimeout > 0 {
		cfg.CallTimeout = c.CallTimeout
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	return cfg
}

// GasAmounts returns the per-address top-up and the treasury's own transfer fee.
func (c ChainConfig) GasAmounts() (funding, fee decimal.Decimal, err error) {
	funding, fee = decimal.Zero, decimal.Zero
	if c.GasFundingAmount != "" {
		if funding, err = decimal.NewFromString(c.GasFundingAmount); err != nil {
			return funding, fee, fmt.Errorf("gas funding amount: %w", err)
		}
	}
	if c.GasTransferFee != "" {
		if fee, err = decimal.NewFromString(c.GasTransferFee); err != nil {
			return funding, fee, fmt.Errorf("gas transfer fee: %w", err)
		}
	}
	return funding, fee, nil
}

type SweepConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	ReaperSchedule string        `mapstructure:"reaper_schedule"`
}

// Policy is the sweep queue retry schedule.
func (s SweepConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:  s.BaseDelay,
		Multiplier: s.Multiplier,
		MaxRetries: s.MaxRetries,
		MaxDelay:   s.MaxDelay,
	}
}

type WebhookConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Secret      string        `mapstructure:"secret"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Policy is the webhook delivery retry schedule; delays double per attempt.
func (w WebhookConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:  w.BaseDelay,
		Multiplier: 2,
		MaxRetries: w.MaxAttempts,
		MaxDelay:   w.MaxDelay,
	}
}

type TreasuryConfig struct {
	UserID        string            `mapstructure:"user_id"`
	FeeUserID     string            `mapstructure:"fee_user_id"`
	SpreadPercent string            `mapstructure:"spread_percent"`
	StaticRates   map[string]string `mapstructure:"static_rates"`
	RateSourceURL string            `mapstructure:"rate_source_url"`
	RateCacheTTL  time.Duration     `mapstructure:"rate_cache_ttl"`
}

// VaultConfig names the secrets that hold vault key material.
type VaultConfig struct {
	MasterSecretName string `mapstructure:"master_secret_name"`
	SeedName         string `mapstructure:"seed_name"`
}

type SecretsConfig struct {
	Provider string        `mapstructure:"provider"`
	Region   string        `mapstructure:"region"`
	Prefix   string        `mapstructure:"prefix"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AlertConfig struct {
	Provider       string   `mapstructure:"provider"`
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key"`
	FromEmail      string   `mapstructure:"from_email"`
	FromName       string   `mapstructure:"from_name"`
	Recipients     []string `mapstructure:"recipients"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type WorkerConfig struct {
	LeaseEnabled bool          `mapstructure:"lease_enabled"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// EnabledChains returns the configured chains that are switched on.
func (c *Config) EnabledChains() []entities.Chain {
	var out []entities.Chain
	for _, chain := range entities.SupportedChains {
		if cc, ok := c.Chains[string(chain)]; ok && cc.Enabled {
			out = append(out, chain)
		}
	}
	return out
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.rate_limit_per_min", 100)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "settlement_core")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 3600)
	viper.SetDefault("database.query_timeout", 30)
	viper.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.cluster_mode", false)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("admin.token_ttl", "15m")

	// Sweep retry queue: 1m, 3m, 9m, 27m, 81m
	viper.SetDefault("sweep.interval", "30s")
	viper.SetDefault("sweep.batch_size", 20)
	viper.SetDefault("sweep.base_delay", "1m")
	viper.SetDefault("sweep.multiplier", 3.0)
	viper.SetDefault("sweep.max_retries", 5)
	viper.SetDefault("sweep.stale_after", "15m")
	viper.SetDefault("sweep.reaper_schedule", "@every 5m")

	viper.SetDefault("webhooks.interval", "10s")
	viper.SetDefault("webhooks.batch_size", 50)
	viper.SetDefault("webhooks.timeout", "10s")
	viper.SetDefault("webhooks.base_delay", "30s")
	viper.SetDefault("webhooks.max_attempts", 8)
	viper.SetDefault("webhooks.max_delay", "6h")

	viper.SetDefault("treasury.spread_percent", "2.5")
	viper.SetDefault("treasury.rate_cache_ttl", "30s")

	viper.SetDefault("vault.master_secret_name", "VAULT_MASTER_SECRET")
	viper.SetDefault("vault.seed_name", "VAULT_HD_SEED")

	viper.SetDefault("secrets.provider", "env")
	viper.SetDefault("secrets.region", "us-east-1")
	viper.SetDefault("secrets.prefix", "settlement/")
	viper.SetDefault("secrets.cache_ttl", "5m")

	viper.SetDefault("alerts.provider", "log")
	viper.SetDefault("alerts.from_email", "alerts@settlement.local")
	viper.SetDefault("alerts.from_name", "Settlement Core")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sample_rate", 0.1)

	viper.SetDefault("workers.lease_enabled", true)
	viper.SetDefault("workers.lease_ttl", "2m")
}

func overrideFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	if redisURL := os.Getenv("REDIS_HOST"); redisURL != "" {
		viper.Set("redis.host", redisURL)
	}

	if jwtSecret := os.Getenv("ADMIN_JWT_SECRET"); jwtSecret != "" {
		viper.Set("admin.jwt_secret", jwtSecret)
	}
	if totp := os.Getenv("ADMIN_TOTP_SECRET"); totp != "" {
		viper.Set("admin.totp_secret", totp)
	}

	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		viper.Set("webhooks.secret", secret)
	}
	if endpoints := os.Getenv("WEBHOOK_ENDPOINTS"); endpoints != "" {
		var urls []string
		for _, part := range strings.Split(endpoints, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		viper.Set("webhooks.endpoints", urls)
	}

	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		viper.Set("alerts.sendgrid_api_key", key)
		viper.Set("alerts.provider", "sendgrid")
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	if config.Admin.JWTSecret == "" {
		return fmt.Errorf("admin JWT secret is required")
	}

	if config.Treasury.UserID == "" || config.Treasury.FeeUserID == "" {
		return fmt.Errorf("treasury and fee user ids are required")
	}
	spread, err := decimal.NewFromString(config.Treasury.SpreadPercent)
	if err != nil {
		return fmt.Errorf("treasury spread: %w", err)
	}
	if spread.IsNegative() || spread.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("treasury spread must be in [0, 100)")
	}

	if err := config.Sweep.Policy().Validate(); err != nil {
		return fmt.Errorf("sweep retry policy: %w", err)
	}
	if err := config.Webhooks.Policy().Validate(); err != nil {
		return fmt.Errorf("webhook retry policy: %w", err)
	}

	for name, cc := range config.Chains {
		chain := entities.Chain(name)
		if err := chain.Validate(); err != nil {
			return err
		}
		if !cc.Enabled {
			continue
		}
		if len(cc.Providers) == 0 {
			return fmt.Errorf("chain %s has no providers", name)
		}
		if cc.RequiredConfirmations <= 0 {
			return fmt.Errorf("chain %s requires a positive confirmation threshold", name)
		}
		if cc.SweepEnabled && cc.HotWallet == "" {
			return fmt.Errorf("chain %s sweeps without a hot wallet", name)
		}
		if _, err := cc.AssetList(chain); err != nil {
			return err
		}
		if _, _, err := cc.GasAmounts(); err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
	}

	return nil
}
