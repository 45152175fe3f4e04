package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/settlement_core/internal/domain/services/deposit"
	"github.com/rail-service/settlement_core/pkg/logger"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatcherStatus reports one chain watcher's snapshot.
type WatcherStatus interface {
	Status() deposit.Status
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	deps      map[string]Pinger
	watchers  []WatcherStatus
	logger    *logger.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(deps map[string]Pinger, watchers []WatcherStatus, log *logger.Logger, version string) *HealthHandler {
	return &HealthHandler{
		deps:      deps,
		watchers:  watchers,
		logger:    log,
		version:   version,
		startTime: time.Now(),
	}
}

// Liveness handles GET /health/live
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /health/ready: every dependency must answer a ping.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	healthy := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
		h.logger.Warn("Readiness check failed", "checks", checks)
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

// Health handles GET /health: readiness plus per-chain watcher state.
// A chain whose every watched address is failing makes the response degraded.
func (h *HealthHandler) Health(c *gin.Context) {
	detail := c.Query("detail") == "true"

	chains := make([]deposit.Status, 0, len(h.watchers))
	degraded := false
	for _, w := range h.watchers {
		s := w.Status()
		if s.Watched > 0 && s.Failing == s.Watched {
			degraded = true
		}
		if !detail {
			s.Addresses = nil
		}
		chains = append(chains, s)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Chain < chains[j].Chain })

	status := "ok"
	if degraded {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"version":  h.version,
		"uptime":   time.Since(h.startTime).Round(time.Second).String(),
		"watchers": chains,
	})
}
