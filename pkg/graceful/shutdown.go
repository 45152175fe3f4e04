package graceful

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/settlement_core/pkg/logger"
)

// Stopper is anything with a context-bounded stop, such as a scheduled loop.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StopFunc adapts a function to Stopper.
type StopFunc func(ctx context.Context) error

func (f StopFunc) Stop(ctx context.Context) error { return f(ctx) }

type namedStopper struct {
	name string
	s    Stopper
}

// ShutdownManager stops registered components in reverse registration order,
// then the HTTP server, then closers such as the database.
type ShutdownManager struct {
	server   *http.Server
	stoppers []namedStopper
	closers  []func() error
	timeout  time.Duration
	logger   *logger.Logger
}

func NewShutdownManager(server *http.Server, timeout time.Duration, logger *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		server:  server,
		timeout: timeout,
		logger:  logger,
	}
}

func (sm *ShutdownManager) Register(name string, s Stopper) {
	sm.stoppers = append(sm.stoppers, namedStopper{name: name, s: s})
}

// OnClose registers a final closer (database, redis, tracer).
func (sm *ShutdownManager) OnClose(fn func() error) {
	sm.closers = append(sm.closers, fn)
}

// WaitForShutdown blocks until SIGINT/SIGTERM and then runs Shutdown.
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sm.logger.Info("Shutting down gracefully...")
	sm.Shutdown()
}

// Shutdown stops everything within the configured timeout.
func (sm *ShutdownManager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	for i := len(sm.stoppers) - 1; i >= 0; i-- {
		ns := sm.stoppers[i]
		if err := ns.s.Stop(ctx); err != nil {
			sm.logger.Warn("Component shutdown error", "component", ns.name, "error", err)
		}
	}

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.Error("Server forced shutdown", "error", err)
		}
	}

	for _, closeFn := range sm.closers {
		if err := closeFn(); err != nil {
			sm.logger.Warn("Close error", "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
