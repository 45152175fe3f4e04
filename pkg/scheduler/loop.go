package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rail-service/settlement_core/pkg/logger"
)

// Task is one tick of a periodic job.
type Task func(ctx context.Context)

// Lease guards a tick so only one replica runs it at a time.
// Acquire returns ok=false when another holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Loop runs a Task on a ticker until Stop is called or its context is cancelled.
type Loop struct {
	name           string
	interval       time.Duration
	task           Task
	clock          clockwork.Clock
	logger         *logger.Logger
	lease          Lease
	leaseTTL       time.Duration
	runImmediately bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock swaps the wall clock, typically for a fake clock in tests.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithLogger(log *logger.Logger) Option {
	return func(l *Loop) { l.logger = log }
}

// WithLease makes each tick acquire a named lease first and skip when it is held elsewhere.
func WithLease(lease Lease, ttl time.Duration) Option {
	return func(l *Loop) {
		l.lease = lease
		l.leaseTTL = ttl
	}
}

// WithImmediateRun controls whether the task runs once before the first tick.
func WithImmediateRun(run bool) Option {
	return func(l *Loop) { l.runImmediately = run }
}

// New creates a stopped Loop.
func New(name string, interval time.Duration, task Task, opts ...Option) *Loop {
	l := &Loop{
		name:           name,
		interval:       interval,
		task:           task,
		clock:          clockwork.NewRealClock(),
		logger:         logger.NewNop(),
		runImmediately: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.leaseTTL <= 0 {
		l.leaseTTL = interval
	}
	return l
}

// Name returns the loop's name.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop in its own goroutine.
func (l *Loop) Start(ctx context.Context) error {
	if l.interval <= 0 {
		return fmt.Errorf("loop %s: interval must be positive", l.name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("loop %s is already running", l.name)
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	ticker := l.clock.NewTicker(l.interval)
	go l.run(ctx, ticker, l.stopCh, l.doneCh)

	l.logger.Info("Scheduled loop started", "loop", l.name, "interval", l.interval.String())
	return nil
}

func (l *Loop) run(ctx context.Context, ticker clockwork.Ticker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	if l.runImmediately {
		l.RunOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Scheduled loop stopped (context cancelled)", "loop", l.name)
			return
		case <-stopCh:
			l.logger.Info("Scheduled loop stopped", "loop", l.name)
			return
		case <-ticker.Chan():
			l.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single tick synchronously, honouring the lease if configured.
func (l *Loop) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if l.lease != nil {
		release, ok, err := l.lease.Acquire(ctx, "loop:"+l.name, l.leaseTTL)
		if err != nil {
			l.logger.Warn("Failed to acquire loop lease", "loop", l.name, "error", err)
			return
		}
		if !ok {
			l.logger.Debug("Loop lease held by another worker", "loop", l.name)
			return
		}
		defer release()
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Scheduled task panicked", "loop", l.name, "panic", r)
		}
	}()
	l.task(ctx)
}

// Stop signals the loop and waits for the in-flight tick to finish or ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	doneCh := l.doneCh
	l.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loop %s did not stop in time: %w", l.name, ctx.Err())
	}
}

// Running reports whether Start has been called without a matching Stop.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Sleep waits d on clock unless ctx is cancelled first.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
