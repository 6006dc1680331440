// Package scheduler drives the sequence engine from a single periodic timer.
// Overlapping ticks are prevented by an injected Guard, never by blocking the
// timer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
)

// Guard is the "tick in flight" flag
type Guard struct {
	running atomic.Bool
}

// TryAcquire marks a tick as running. It returns false if one already is.
func (g *Guard) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

// Release marks the running tick as finished
func (g *Guard) Release() {
	g.running.Store(false)
}

// Running reports whether a tick holds the guard
func (g *Guard) Running() bool {
	return g.running.Load()
}

// Engine is the work a tick performs
type Engine interface {
	ProcessWebhookTimeouts(ctx context.Context) (int, error)
	ProcessDueSteps(ctx context.Context) (int, error)
	StartScheduledCampaigns(ctx context.Context) (int, error)
}

// Maintenance is the once-per-day sender upkeep
type Maintenance interface {
	ResetDailySendCounts(ctx context.Context) (int, error)
	RecalculateBounceRates(ctx context.Context, window time.Duration) (int, error)
}

// Backlog counts outstanding work for the backlog gauges
type Backlog interface {
	CountBacklog(ctx context.Context, now time.Time) (due, expired int, err error)
}

// Config contains scheduler settings
type Config struct {
	Interval     time.Duration
	DailyReset   bool
	BounceWindow time.Duration
}

// Options are the collaborators of the scheduler. Engine is required.
type Options struct {
	Engine      Engine
	Maintenance Maintenance
	Backlog     Backlog
	Guard       *Guard
}

// TickResult summarizes one tick
type TickResult struct {
	Resumed   int
	Processed int
	Started   int
	Errors    int
}

// Scheduler runs ticks on a fixed interval
type Scheduler struct {
	engine      Engine
	maintenance Maintenance
	backlog     Backlog
	guard       *Guard
	cfg         Config
	logger      *slog.Logger

	// Now is replaceable in tests
	Now func() time.Time

	mu      sync.Mutex
	lastDay string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. A nil Guard gets a private one.
func New(opts Options, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BounceWindow <= 0 {
		cfg.BounceWindow = 7 * 24 * time.Hour
	}
	guard := opts.Guard
	if guard == nil {
		guard = &Guard{}
	}

	return &Scheduler{
		engine:      opts.Engine,
		maintenance: opts.Maintenance,
		backlog:     opts.Backlog,
		guard:       guard,
		cfg:         cfg,
		logger:      logger.With("component", "scheduler"),
		Now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the tick loop
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "interval", s.cfg.Interval)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			// A tick that outlives the interval makes the next one skip
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick runs one pass: expired webhook waits, due steps, then scheduled
// campaigns. It returns false without doing anything if another tick is in
// flight. Failures are logged and never escape the tick.
func (s *Scheduler) Tick(ctx context.Context) (result *TickResult, ran bool) {
	if !s.guard.TryAcquire() {
		metrics.IncTicks("skipped")
		s.logger.Debug("tick skipped, previous tick still running")
		return nil, false
	}
	defer s.guard.Release()

	start := time.Now()
	result = &TickResult{}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler tick", "panic", r)
			metrics.IncTicks("panic")
			result.Errors++
			ran = true
		}
		metrics.ObserveTickDuration(time.Since(start).Seconds())
	}()

	s.maintain(ctx)

	var err error
	if result.Resumed, err = s.engine.ProcessWebhookTimeouts(ctx); err != nil {
		s.logger.Error("failed to process webhook timeouts", "error", err)
		result.Errors++
	}
	if result.Processed, err = s.engine.ProcessDueSteps(ctx); err != nil {
		s.logger.Error("failed to process due steps", "error", err)
		result.Errors++
	}
	if result.Started, err = s.engine.StartScheduledCampaigns(ctx); err != nil {
		s.logger.Error("failed to start scheduled campaigns", "error", err)
		result.Errors++
	}

	s.updateBacklog(ctx)

	if result.Errors > 0 {
		metrics.IncTicks("error")
	} else {
		metrics.IncTicks("ok")
	}
	if result.Resumed+result.Processed+result.Started > 0 {
		s.logger.Info("tick finished",
			"resumed", result.Resumed,
			"processed", result.Processed,
			"campaigns_started", result.Started,
			"duration", time.Since(start),
		)
	}
	return result, true
}

// maintain resets sender counters the first tick after UTC midnight. The
// first tick after startup only records the day.
func (s *Scheduler) maintain(ctx context.Context) {
	if !s.cfg.DailyReset || s.maintenance == nil {
		return
	}

	day := s.Now().UTC().Format(time.DateOnly)
	s.mu.Lock()
	last := s.lastDay
	s.lastDay = day
	s.mu.Unlock()
	if last == "" || last == day {
		return
	}

	if err := s.RunDaily(ctx); err != nil {
		s.logger.Error("daily sender maintenance failed", "error", err)
	}
}

// RunDaily resets daily send counts and recalculates bounce rates
func (s *Scheduler) RunDaily(ctx context.Context) error {
	if s.maintenance == nil {
		return nil
	}
	reset, err := s.maintenance.ResetDailySendCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset daily send counts: %w", err)
	}
	updated, err := s.maintenance.RecalculateBounceRates(ctx, s.cfg.BounceWindow)
	if err != nil {
		return fmt.Errorf("failed to recalculate bounce rates: %w", err)
	}
	s.logger.Info("daily sender maintenance done", "reset", reset, "bounce_rates", updated)
	return nil
}

func (s *Scheduler) updateBacklog(ctx context.Context) {
	if s.backlog == nil {
		return
	}
	due, expired, err := s.backlog.CountBacklog(ctx, s.Now())
	if err != nil {
		s.logger.Debug("failed to count backlog", "error", err)
		return
	}
	metrics.SetBacklog(due, expired)
}
