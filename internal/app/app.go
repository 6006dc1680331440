package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/api"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/inbound"
	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/sender"
	"github.com/foxzi/outreach/internal/sequence"
)

// App is the main application
type App struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	database *db.DB
	state    *bolt.DB
	store    *repository.Store
	registry *sender.Registry
	engine   *sequence.Engine

	scheduler  *scheduler.Scheduler
	outbox     *events.Outbox
	emitter    *events.Emitter
	emitOnce   sync.Once
	dispatcher *events.Dispatcher
	cleaner    *events.Cleaner
	amqp       *events.AMQPDeliverer
	limiter    *ratelimit.Limiter

	collector     *metrics.Collector
	metricsServer *metrics.Server
	apiServer     *api.Server
	inboundServer *inbound.Server
}

// New creates a new application. Nothing is started until Run.
func New(cfg *config.Config, version string) (*App, error) {
	logger := NewLogger(cfg.Logging)
	a := &App{config: cfg, version: version, logger: logger}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.database = database
	if err := database.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0755); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	state, err := bolt.Open(cfg.State.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open state store %s: %w", cfg.State.Path, err)
	}
	a.state = state

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger
	var err error

	a.store = repository.NewStore(a.database.DB)
	a.registry = sender.NewRegistry(a.database.DB, logger)

	a.outbox, err = events.NewOutbox(a.state)
	if err != nil {
		return fmt.Errorf("failed to create event outbox: %w", err)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector, err = metrics.NewCollector(a.state, m, a.outbox, 0, logger)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
	}

	opts := sequence.Options{
		Mailer: mailer.NewClient(mailer.Options{
			Hostname:       cfg.Server.Hostname,
			ConnectTimeout: cfg.Mailer.ConnectTimeout,
			Timeout:        cfg.Mailer.Timeout,
			InsecureTLS:    cfg.Mailer.InsecureTLS,
			Keyring:        dkim.NewKeyring(),
		}, logger),
		Senders:  sender.NewSelector(a.store.Senders),
		Health:   a.registry,
		Throttle: ratelimit.NewThrottle(cfg.Scheduler.SendRatePerSecond, cfg.Scheduler.SendBurst),
	}

	if cfg.Events.Enabled {
		a.setupEvents()
		opts.Emitter = a.emitter
	}

	if cfg.RateLimit.Enabled {
		a.limiter, err = ratelimit.NewLimiter(a.state, limiterConfig(&cfg.RateLimit), logger)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		opts.Limiter = a.limiter
		logger.Info("rate limiting enabled")
	}

	var tracker *mailer.Tracker
	if cfg.TrackingEnabled() {
		tracker = mailer.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
		opts.Tracker = tracker
	}

	a.engine = sequence.New(a.store, opts, sequence.Config{
		Workers:       cfg.Scheduler.Workers,
		BatchSize:     cfg.Scheduler.BatchSize,
		MaxRetries:    cfg.Scheduler.MaxRetries,
		RetryInterval: cfg.Scheduler.RetryInterval,
		DeferInterval: cfg.Scheduler.DeferInterval,
	}, logger)

	a.scheduler = scheduler.New(scheduler.Options{
		Engine:      a.engine,
		Maintenance: a.registry,
		Backlog:     a.store.CampaignContacts,
	}, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		DailyReset:   cfg.Scheduler.DailyReset,
		BounceWindow: cfg.Scheduler.BounceWindow,
	}, logger)

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(api.Options{
			Engine:       a.engine,
			Store:        a.store,
			Maintenance:  a.registry,
			Tracker:      tracker,
			BounceWindow: cfg.Scheduler.BounceWindow,
			Version:      a.version,
		}, &cfg.API, logger)
	}

	if cfg.Inbound.Enabled {
		a.inboundServer = inbound.NewServer(&cfg.Inbound, a.engine, a.store.CampaignContacts, logger)
	}

	return nil
}

// setupEvents creates the emitter and the configured delivery sinks
func (a *App) setupEvents() {
	cfg := a.config.Events
	logger := a.logger

	a.emitter = events.NewEmitter(a.outbox, cfg.BufferSize, logger)

	client := &http.Client{Timeout: cfg.Timeout}
	var sinks []events.Deliverer
	for _, w := range cfg.Webhooks {
		sinks = append(sinks, events.NewWebhookDeliverer(w.URL, w.Secret, w.Owner, w.Events, client))
	}
	if cfg.AMQP.Enabled {
		a.amqp = events.NewAMQPDeliverer(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey, logger)
		sinks = append(sinks, a.amqp)
	}
	if len(sinks) == 0 {
		logger.Warn("events enabled without webhooks or AMQP, events stay in the outbox")
	}

	a.dispatcher = events.NewDispatcher(a.outbox, sinks, events.DispatcherConfig{
		Workers:         cfg.Workers,
		RetryInterval:   cfg.RetryInterval,
		MaxRetries:      cfg.MaxRetries,
		ProcessInterval: cfg.ProcessInterval,
		Timeout:         cfg.Timeout,
	}, logger)

	if cfg.Retention > 0 {
		a.cleaner = events.NewCleaner(a.outbox, cfg.Retention, cfg.CleanupInterval, logger)
	}
}

func limiterConfig(cfg *config.RateLimitConfig) *ratelimit.Config {
	convert := func(v *config.LimitValues) *ratelimit.LimitConfig {
		if v == nil {
			return nil
		}
		return &ratelimit.LimitConfig{
			MessagesPerHour: v.MessagesPerHour,
			MessagesPerDay:  v.MessagesPerDay,
		}
	}

	rl := &ratelimit.Config{
		Global:                 convert(cfg.Global),
		DefaultSender:          convert(cfg.DefaultSender),
		DefaultRecipientDomain: convert(cfg.DefaultRecipientDomain),
	}
	if len(cfg.RecipientDomains) > 0 {
		rl.RecipientDomains = make(map[string]*ratelimit.LimitConfig, len(cfg.RecipientDomains))
		for domain, v := range cfg.RecipientDomains {
			rl.RecipientDomains[domain] = convert(v)
		}
	}
	return rl
}

// Config returns the loaded configuration
func (a *App) Config() *config.Config {
	return a.config
}

// Store returns the record store
func (a *App) Store() *repository.Store {
	return a.store
}

// Registry returns the sender health registry
func (a *App) Registry() *sender.Registry {
	return a.registry
}

// Outbox returns the event outbox
func (a *App) Outbox() *events.Outbox {
	return a.outbox
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Tick runs a single scheduler tick in the foreground. Events it emits reach
// the outbox on Close.
func (a *App) Tick(ctx context.Context) (*scheduler.TickResult, bool) {
	a.startEmitter(ctx)
	return a.scheduler.Tick(ctx)
}

func (a *App) startEmitter(ctx context.Context) {
	if a.emitter == nil {
		return
	}
	a.emitOnce.Do(func() { a.emitter.Start(ctx) })
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	logAttrs := []any{
		"version", a.version,
		"hostname", a.config.Server.Hostname,
		"database", a.config.Database.Path,
	}
	if a.apiServer != nil {
		logAttrs = append(logAttrs, "api_addr", a.config.API.ListenAddr)
	}
	if a.inboundServer != nil {
		logAttrs = append(logAttrs, "inbound_addr", a.config.Inbound.ListenAddr)
	}
	a.logger.Info("starting outreach", logAttrs...)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.startEmitter(ctx)
	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}
	if a.cleaner != nil {
		a.cleaner.Start(ctx)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.config.Scheduler.Enabled {
		a.scheduler.Start(ctx)
	} else {
		a.logger.Info("scheduler disabled, run `outreach tick` to process due steps")
	}

	// Channel to collect errors
	errCh := make(chan error, 3)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.inboundServer != nil {
		go func() {
			if err := a.inboundServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("inbound server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing work first; an in-flight tick completes
	a.scheduler.Stop()

	if a.inboundServer != nil {
		if err := a.inboundServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("inbound server shutdown error", "error", err)
		}
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	// Flush buffered events to the outbox before the dispatcher stops
	if a.emitter != nil {
		a.emitter.Stop()
		a.dispatcher.Stop()
	}
	if a.cleaner != nil {
		a.cleaner.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close flushes pending events and releases storage handles. Servers and
// the scheduler must already be stopped.
func (a *App) Close() {
	if a.emitter != nil {
		a.emitter.Stop()
	}

	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.logger.Error("amqp close error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Error("state store close error", "error", err)
		}
		a.state = nil
	}

	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
		a.database = nil
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
