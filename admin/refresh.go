package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ineyio/quotaguard"
)

// Sweeper drops expired state and returns how many entries were removed.
type Sweeper func(now time.Time) int

// Refresher periodically drops the quota and budget caches so that writes
// made behind the engine's back (another instance, a migration) become
// visible within one schedule tick.
type Refresher struct {
	engine   *quotaguard.Engine
	schedule string
	sweepers []Sweeper
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRefresher creates a refresher for a cron schedule ("@every 1m",
// "*/5 * * * *").
func NewRefresher(engine *quotaguard.Engine, schedule string, logger *slog.Logger, sweepers ...Sweeper) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		engine:   engine,
		schedule: schedule,
		sweepers: sweepers,
		cron:     cron.New(),
		logger:   logger.With("component", "refresher"),
	}
}

// Start schedules the refresh job. An empty schedule does nothing.
// The job stops when ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.schedule == "" {
		r.logger.Info("refresh schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return fmt.Errorf("quotaguard: invalid refresh schedule %q: %w", r.schedule, err)
	}
	if _, err := r.cron.AddFunc(r.schedule, r.Run); err != nil {
		return fmt.Errorf("quotaguard: schedule refresh: %w", err)
	}

	r.cron.Start()
	r.running = true
	r.logger.Info("refresher started", "schedule", r.schedule)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Run performs one refresh cycle.
func (r *Refresher) Run() {
	r.engine.Registry().RefreshAll()
	r.engine.Governor().RefreshCache()

	swept := 0
	for _, sweep := range r.sweepers {
		swept += sweep(time.Now())
	}
	r.logger.Debug("caches refreshed", "swept", swept)
}

// Stop stops the schedule and waits for a running cycle to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	r.running = false
	r.logger.Info("refresher stopped")
}

// Running reports whether the schedule is active.
func (r *Refresher) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
