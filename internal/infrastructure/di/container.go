package di

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/rail-service/settlement_core/internal/adapters/bitcoin"
	"github.com/rail-service/settlement_core/internal/adapters/ethereum"
	"github.com/rail-service/settlement_core/internal/adapters/solana"
	"github.com/rail-service/settlement_core/internal/adapters/tron"
	"github.com/rail-service/settlement_core/internal/domain/entities"
	"github.com/rail-service/settlement_core/internal/domain/repositories"
	"github.com/rail-service/settlement_core/internal/domain/services/chain"
	"github.com/rail-service/settlement_core/internal/domain/services/confirmation"
	"github.com/rail-service/settlement_core/internal/domain/services/deposit"
	"github.com/rail-service/settlement_core/internal/domain/services/ledger"
	"github.com/rail-service/settlement_core/internal/domain/services/sweep"
	"github.com/rail-service/settlement_core/internal/domain/services/treasury"
	"github.com/rail-service/settlement_core/internal/domain/services/vault"
	"github.com/rail-service/settlement_core/internal/domain/services/webhook"
	"github.com/rail-service/settlement_core/internal/infrastructure/adapters"
	"github.com/rail-service/settlement_core/internal/infrastructure/cache"
	"github.com/rail-service/settlement_core/internal/infrastructure/config"
	infrarepos "github.com/rail-service/settlement_core/internal/infrastructure/repositories"
	"github.com/rail-service/settlement_core/internal/workers/chain_watcher"
	"github.com/rail-service/settlement_core/internal/workers/queue_reaper"
	"github.com/rail-service/settlement_core/internal/workers/sweep_retry"
	"github.com/rail-service/settlement_core/internal/workers/webhook_delivery"
	pkgcrypto "github.com/rail-service/settlement_core/pkg/crypto"
	"github.com/rail-service/settlement_core/pkg/logger"
	"github.com/rail-service/settlement_core/pkg/ratelimit"
	"github.com/rail-service/settlement_core/pkg/scheduler"
	"github.com/rail-service/settlement_core/pkg/secrets"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	Clock  clockwork.Clock

	// Redis is nil when the cache could not be reached at startup.
	Redis       cache.RedisClient
	RateLimiter *ratelimit.TieredLimiter
	Secrets     secrets.Provider

	// Repositories
	WalletRepo       repositories.WalletRepository
	LedgerRepo       repositories.LedgerRepository
	SweepQueueRepo   repositories.SweepQueueRepository
	WebhookQueueRepo repositories.WebhookQueueRepository
	Transactor       repositories.Transactor

	// Domain services
	Vault         *vault.Vault
	Chains        chain.Registry
	Assets        map[entities.Chain][]entities.Asset
	LedgerService *ledger.Service
	Webhooks      *webhook.Dispatcher
	Deliverer     *webhook.Deliverer
	Alerts        *adapters.AlertService
	SweepEngine   *sweep.Engine
	Treasury      *treasury.Engine
	Watchers      map[entities.Chain]*deposit.Watcher
	Accounts      Accounts

	// Workers
	ChainWorkers     []*chain_watcher.Worker
	SweepRetryWorker *sweep_retry.Worker
	WebhookWorker    *webhook_delivery.Worker
	QueueReaper      *queue_reaper.Worker
}

// Accounts are the internal users that hold treasury liquidity and fees.
type Accounts struct {
	Treasury uuid.UUID
	Fees     uuid.UUID
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		Clock:  clockwork.NewRealClock(),

		WalletRepo:       infrarepos.NewWalletRepository(db),
		LedgerRepo:       infrarepos.NewLedgerRepository(db),
		SweepQueueRepo:   infrarepos.NewSweepQueueRepository(db),
		WebhookQueueRepo: infrarepos.NewWebhookQueueRepository(db),
		Transactor:       infrarepos.NewSQLTransactor(db),
	}

	accounts, err := parseAccounts(cfg.Treasury)
	if err != nil {
		return nil, err
	}
	c.Accounts = accounts

	c.initializeCache()

	if c.Secrets, err = secrets.NewProvider(ctx, secrets.Config{
		Provider: cfg.Secrets.Provider,
		Region:   cfg.Secrets.Region,
		Prefix:   cfg.Secrets.Prefix,
		CacheTTL: cfg.Secrets.CacheTTL,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize secrets provider: %w", err)
	}

	if err := c.initializeVault(ctx); err != nil {
		return nil, err
	}
	if err := c.initializeChains(); err != nil {
		return nil, err
	}
	if err := c.initializeDomainServices(); err != nil {
		return nil, err
	}
	if err := c.initializeWorkers(); err != nil {
		return nil, err
	}

	log.Info("Container initialized",
		"chains", len(c.Chains),
		"webhook_endpoints", len(cfg.Webhooks.Endpoints),
		"redis", c.Redis != nil)
	return c, nil
}

func parseAccounts(cfg config.TreasuryConfig) (Accounts, error) {
	treasuryID, err := uuid.Parse(cfg.UserID)
	if err != nil {
		return Accounts{}, fmt.Errorf("treasury user id: %w", err)
	}
	feeID, err := uuid.Parse(cfg.FeeUserID)
	if err != nil {
		return Accounts{}, fmt.Errorf("fee user id: %w", err)
	}
	return Accounts{Treasury: treasuryID, Fees: feeID}, nil
}

// initializeCache connects to Redis. Every consumer has an in-process
// fallback, so a missing cache only degrades the service.
func (c *Container) initializeCache() {
	client, err := cache.NewRedisClient(&c.Config.Redis, c.Logger)
	if err != nil {
		c.Logger.Warn("Redis unavailable, continuing without cache", "error", err)
		return
	}
	c.Redis = client
	c.RateLimiter = ratelimit.NewTieredLimiter(client.Client(), ratelimit.TieredConfig{
		ClientLimit:  int64(c.Config.Server.RateLimitPerMin),
		ClientWindow: time.Minute,
		EndpointLimits: map[string]ratelimit.EndpointLimit{
			"/api/v1/swaps":                    {Limit: 30, Window: time.Minute},
			"/api/v1/users/:user_id/addresses": {Limit: 20, Window: time.Minute},
			"/api/v1/admin/treasury/credit":    {Limit: 10, Window: time.Minute},
			"/api/v1/admin/treasury/debit":     {Limit: 10, Window: time.Minute},
		},
	}, c.Logger)
}

func (c *Container) initializeVault(ctx context.Context) error {
	master, err := c.Secrets.GetSecret(ctx, c.Config.Vault.MasterSecretName)
	if err != nil {
		return fmt.Errorf("failed to load vault master secret: %w", err)
	}
	cipher, err := pkgcrypto.NewCipher([]byte(master), "wallet-keys")
	if err != nil {
		return fmt.Errorf("failed to initialize key cipher: %w", err)
	}

	seedHex, err := c.Secrets.GetSecret(ctx, c.Config.Vault.SeedName)
	if err != nil {
		return fmt.Errorf("failed to load vault seed: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return fmt.Errorf("vault seed must be hex: %w", err)
	}

	treasuryKeys := make(map[entities.Chain]string)
	for _, ch := range c.Config.EnabledChains() {
		if name := c.Config.Chains[string(ch)].TreasuryKeySecret; name != "" {
			treasuryKeys[ch] = name
		}
	}

	c.Vault, err = vault.New(vault.Config{
		BitcoinNetwork:     c.Config.Chains[string(entities.ChainBitcoin)].Network,
		TreasuryKeySecrets: treasuryKeys,
	}, seed, cipher, c.WalletRepo, c.Transactor, c.Secrets, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	return nil
}

func (c *Container) initializeChains() error {
	c.Chains = make(chain.Registry)
	c.Assets = make(map[entities.Chain][]entities.Asset)

	for _, ch := range c.Config.EnabledChains() {
		cc := c.Config.Chains[string(ch)]
		assets, err := cc.AssetList(ch)
		if err != nil {
			return err
		}
		client, err := c.newChainClient(ch, cc)
		if err != nil {
			return fmt.Errorf("failed to initialize %s client: %w", ch, err)
		}
		c.Chains[ch] = client
		c.Assets[ch] = assets
		c.Logger.Info("Chain client initialized", "chain", ch, "providers", len(cc.Providers), "assets", len(assets))
	}
	return nil
}

func (c *Container) newChainClient(ch entities.Chain, cc config.ChainConfig) (chain.Client, error) {
	log := c.Logger.With("chain", string(ch))
	switch ch {
	case entities.ChainTron:
		return tron.NewClient(tron.Config{Pool: cc.PoolConfig(), FeeLimit: cc.FeeLimit}, log)
	case entities.ChainEthereum:
		return ethereum.NewClient(ethereum.Config{
			Pool:          cc.PoolConfig(),
			ChainID:       cc.ChainID,
			LogRangeLimit: cc.LogRangeLimit,
		}, log)
	case entities.ChainBitcoin:
		return bitcoin.NewClient(bitcoin.Config{Pool: cc.PoolConfig(), Params: c.Vault.BitcoinParams()}, log)
	case entities.ChainSolana:
		return solana.NewClient(solana.Config{Pool: cc.PoolConfig()}, log)
	default:
		return nil, fmt.Errorf("unsupported chain: %s", ch)
	}
}

// initializeDomainServices initializes all domain services with their dependencies
func (c *Container) initializeDomainServices() error {
	cfg := c.Config

	c.LedgerService = ledger.NewService(c.WalletRepo, c.LedgerRepo, c.Transactor, c.Logger)
	c.Webhooks = webhook.NewDispatcher(c.WebhookQueueRepo, cfg.Webhooks.Endpoints, c.Clock, c.Logger)

	var err error
	c.Deliverer, err = webhook.NewDeliverer(c.WebhookQueueRepo, webhook.DeliveryConfig{
		Secret:    cfg.Webhooks.Secret,
		BatchSize: cfg.Webhooks.BatchSize,
		Timeout:   cfg.Webhooks.Timeout,
		Policy:    cfg.Webhooks.Policy(),
	}, c.Clock, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize webhook deliverer: %w", err)
	}

	if c.Alerts, err = adapters.NewAlertService(c.Logger, cfg.Alerts); err != nil {
		return fmt.Errorf("failed to initialize alerts: %w", err)
	}

	sweepChains := make(map[entities.Chain]sweep.ChainConfig, len(c.Chains))
	for ch := range c.Chains {
		cc := cfg.Chains[string(ch)]
		funding, fee, err := cc.GasAmounts()
		if err != nil {
			return fmt.Errorf("chain %s: %w", ch, err)
		}
		sweepChains[ch] = sweep.ChainConfig{
			Enabled:             cc.SweepEnabled,
			HotWallet:           cc.HotWallet,
			Assets:              c.Assets[ch],
			MinGasFunding:       funding,
			TreasuryTransferFee: fee,
		}
	}
	c.SweepEngine, err = sweep.NewEngine(sweep.Config{
		Chains:    sweepChains,
		Policy:    cfg.Sweep.Policy(),
		BatchSize: cfg.Sweep.BatchSize,
	}, c.Chains, c.WalletRepo, c.SweepQueueRepo, c.LedgerService, c.Vault, c.Alerts, c.Webhooks, c.Clock, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sweep engine: %w", err)
	}

	spread, err := decimal.NewFromString(cfg.Treasury.SpreadPercent)
	if err != nil {
		return fmt.Errorf("treasury spread: %w", err)
	}
	rates, err := c.newRateProvider()
	if err != nil {
		return err
	}
	c.Treasury, err = treasury.NewEngine(treasury.Config{
		TreasuryUserID: c.Accounts.Treasury,
		FeeUserID:      c.Accounts.Fees,
		SpreadPercent:  spread,
	}, c.LedgerService, rates, c.Webhooks, c.Clock, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize treasury: %w", err)
	}

	c.Watchers = make(map[entities.Chain]*deposit.Watcher, len(c.Chains))
	return nil
}

// newRateProvider layers the live source over the configured static table
// and caches the result in Redis when available.
func (c *Container) newRateProvider() (treasury.RateProvider, error) {
	cfg := c.Config.Treasury
	var sources treasury.FallbackRates

	if cfg.RateSourceURL != "" {
		var live treasury.RateProvider = treasury.NewHTTPRates(cfg.RateSourceURL, 10*time.Second, c.Logger)
		if c.Redis != nil {
			live = treasury.NewCachedRates(live, c.Redis, cfg.RateCacheTTL, c.Logger)
		}
		sources = append(sources, live)
	}
	if len(cfg.StaticRates) > 0 {
		static, err := treasury.NewStaticRates(cfg.StaticRates)
		if err != nil {
			return nil, fmt.Errorf("treasury static rates: %w", err)
		}
		sources = append(sources, static)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("treasury needs a rate source url or static rates")
	}
	return sources, nil
}

func (c *Container) initializeWorkers() error {
	cfg := c.Config

	var opts []scheduler.Option
	var lease scheduler.Lease
	if cfg.Workers.LeaseEnabled && c.Redis != nil {
		lease = cache.NewLease(c.Redis.Client(), "settlement:lease", c.Logger)
		opts = append(opts, scheduler.WithLease(lease, cfg.Workers.LeaseTTL))
	}

	for ch, client := range c.Chains {
		cc := cfg.Chains[string(ch)]
		watcher := deposit.NewWatcher(deposit.Config{
			Chain:                 ch,
			Assets:                c.Assets[ch],
			RequiredConfirmations: cc.RequiredConfirmations,
			MaxConcurrency:        cc.MaxConcurrency,
			BatchThreshold:        cc.BatchThreshold,
			BatchSize:             cc.BatchSize,
			BatchDelay:            cc.BatchDelay,
		}, client, c.WalletRepo, c.LedgerService, c.Webhooks, c.Clock, c.Logger)
		tracker := confirmation.NewTracker(confirmation.Config{
			Chain:                 ch,
			RequiredConfirmations: cc.RequiredConfirmations,
			Assets:                c.Assets[ch],
			BatchSize:             cc.BatchSize,
			ExpireAfter:           cc.UnfoundExpiry,
		}, client, c.LedgerService, c.SweepEngine, c.Webhooks, c.Logger, confirmation.WithClock(c.Clock))

		c.Watchers[ch] = watcher
		c.ChainWorkers = append(c.ChainWorkers, chain_watcher.NewWorker(ch, watcher, tracker, chain_watcher.Config{
			PollInterval:    cc.PollInterval,
			ConfirmInterval: cc.ConfirmInterval,
		}, c.Logger, opts...))
	}

	c.SweepRetryWorker = sweep_retry.NewWorker(c.SweepEngine, cfg.Sweep.Interval, c.Logger, opts...)
	c.WebhookWorker = webhook_delivery.NewWorker(c.Deliverer, cfg.Webhooks.Interval, c.Logger, opts...)
	c.QueueReaper = queue_reaper.NewWorker(map[string]queue_reaper.StaleResetter{
		"sweep":   c.SweepQueueRepo,
		"webhook": c.WebhookQueueRepo,
	}, queue_reaper.Config{
		Schedule:   cfg.Sweep.ReaperSchedule,
		StaleAfter: cfg.Sweep.StaleAfter,
	}, lease, c.Clock, c.Logger)
	return nil
}

// StartWorkers launches every background loop.
func (c *Container) StartWorkers(ctx context.Context) error {
	for _, w := range c.ChainWorkers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s watcher: %w", w.Chain(), err)
		}
	}
	if err := c.SweepRetryWorker.Start(ctx); err != nil {
		return fmt.Errorf("start sweep retry worker: %w", err)
	}
	if err := c.WebhookWorker.Start(ctx); err != nil {
		return fmt.Errorf("start webhook worker: %w", err)
	}
	return c.QueueReaper.Start()
}

// StopWorkers stops the loops and waits for in-flight ticks.
func (c *Container) StopWorkers(ctx context.Context) error {
	var firstErr error
	for _, w := range c.ChainWorkers {
		if err := w.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.SweepRetryWorker.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.WebhookWorker.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	c.QueueReaper.Stop()
	return firstErr
}

// Close releases external connections.
func (c *Container) Close() error {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("Failed to close redis", "error", err)
		}
	}
	return c.DB.Close()
}
