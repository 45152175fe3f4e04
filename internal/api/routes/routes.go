package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rail-service/settlement_core/internal/api/handlers"
	"github.com/rail-service/settlement_core/internal/api/handlers/admin"
	"github.com/rail-service/settlement_core/internal/api/middleware"
	"github.com/rail-service/settlement_core/internal/infrastructure/database"
	"github.com/rail-service/settlement_core/internal/infrastructure/di"
	"github.com/rail-service/settlement_core/pkg/auth"
)

// Version is stamped at build time.
var Version = "dev"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	handlers.RegisterValidators()

	router := gin.New()

	// Global middleware - order matters
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(container.Config.Server.RateLimitPerMin, container.RateLimiter, container.Logger))
	router.Use(middleware.SecurityHeaders())

	deps := map[string]handlers.Pinger{"postgres": dbPinger{container}}
	if container.Redis != nil {
		deps["redis"] = container.Redis
	}
	watchers := make([]handlers.WatcherStatus, 0, len(container.Watchers))
	for _, w := range container.Watchers {
		watchers = append(watchers, w)
	}
	healthHandler := handlers.NewHealthHandler(deps, watchers, container.Logger, Version)
	walletHandlers := handlers.NewWalletHandlers(container.LedgerService, container.Vault, handlers.AssetCatalog(container.Assets), container.Logger)
	swapHandlers := handlers.NewSwapHandlers(container.Treasury, container.Logger)
	adminHandlers := admin.NewAdminHandlers(
		container.LedgerService,
		container.SweepEngine,
		container.Deliverer,
		admin.Accounts{Treasury: container.Accounts.Treasury, Fees: container.Accounts.Fees},
		container.Logger,
	)

	// Health checks (no auth required)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	secret := container.Config.Admin.JWTSecret
	v1 := router.Group("/api/v1")
	v1.Use(middleware.OperatorAuth(secret, auth.RoleService, auth.RoleTreasuryAdmin))
	{
		users := v1.Group("/users/:user_id")
		{
			users.GET("/balances", walletHandlers.GetBalances)
			users.GET("/entries", walletHandlers.ListEntries)
			users.POST("/addresses", walletHandlers.ProvisionAddress)
		}

		swaps := v1.Group("/swaps")
		{
			swaps.GET("/quote", swapHandlers.GetQuote)
			swaps.POST("", swapHandlers.CreateSwap)
		}
	}

	adminGroup := router.Group("/api/v1/admin")
	adminGroup.Use(middleware.OperatorAuth(secret, auth.RoleTreasuryAdmin))
	{
		treasury := adminGroup.Group("/treasury")
		treasury.Use(middleware.RequireTOTP(container.Config.Admin.TOTPSecret))
		{
			treasury.POST("/credit", adminHandlers.CreditTreasury)
			treasury.POST("/debit", adminHandlers.DebitTreasury)
		}

		adminGroup.GET("/sweeps/failed", adminHandlers.ListFailedSweeps)
		adminGroup.POST("/sweeps/:id/requeue", adminHandlers.RequeueSweep)
		adminGroup.GET("/webhooks/failed", adminHandlers.ListFailedWebhooks)
		adminGroup.POST("/webhooks/:id/requeue", adminHandlers.RequeueWebhook)
	}

	return router
}

type dbPinger struct {
	container *di.Container
}

func (p dbPinger) Ping(ctx context.Context) error {
	return database.HealthCheck(ctx, p.container.DB)
}
