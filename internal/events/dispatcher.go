package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
)

// Deliverer pushes an event to one external sink
type Deliverer interface {
	// Name identifies the sink, e.g. "webhook:https://crm.example.com/hook"
	Name() string
	Deliver(ctx context.Context, ev *Event) error
}

// PermanentError marks a delivery failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// DispatcherConfig contains dispatcher configuration
type DispatcherConfig struct {
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessInterval time.Duration
	Timeout         time.Duration
}

// Dispatcher drains the outbox into the configured sinks
type Dispatcher struct {
	outbox          *Outbox
	sinks           []Deliverer
	workers         int
	retryInterval   time.Duration
	maxRetries      int
	processInterval time.Duration
	timeout         time.Duration
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(outbox *Outbox, sinks []Deliverer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		outbox:          outbox,
		sinks:           sinks,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		maxRetries:      cfg.MaxRetries,
		processInterval: cfg.ProcessInterval,
		timeout:         cfg.Timeout,
		logger:          logger.With("component", "events"),
		stopCh:          make(chan struct{}),
	}
}

// Start requeues interrupted deliveries and starts the workers
func (d *Dispatcher) Start(ctx context.Context) {
	if n, err := d.outbox.RequeueInflight(ctx); err != nil {
		d.logger.Error("failed to requeue interrupted deliveries", "error", err)
	} else if n > 0 {
		d.logger.Info("requeued interrupted deliveries", "count", n)
	}

	d.logger.Info("starting event dispatcher", "workers", d.workers, "sinks", len(d.sinks))

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop stops the dispatcher gracefully
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("event dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	ticker := time.NewTicker(d.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			// drain everything due before waiting for the next tick
			for d.ProcessOne(ctx, logger) {
			}
		}
	}
}

// ProcessOne delivers one due event. It reports whether an event was claimed.
func (d *Dispatcher) ProcessOne(ctx context.Context, logger *slog.Logger) bool {
	ev, err := d.outbox.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue event", "error", err)
		return false
	}
	if ev == nil {
		return false
	}

	logger = logger.With("event_id", ev.ID, "event", ev.Name)

	var failures []string
	permanent := true
	for _, sink := range d.sinks {
		if ev.deliveredTo(sink.Name()) {
			continue
		}

		deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Deliver(deliverCtx, ev)
		cancel()

		kind := sinkKind(sink.Name())
		if err == nil {
			ev.DeliveredTo = append(ev.DeliveredTo, sink.Name())
			metrics.IncEventsDelivered(kind, "success")
			continue
		}

		metrics.IncEventsDelivered(kind, "failure")
		failures = append(failures, fmt.Sprintf("%s: %v", sink.Name(), err))
		var perr *PermanentError
		if !errors.As(err, &perr) {
			permanent = false
		}
	}

	if len(failures) == 0 {
		if err := d.outbox.MarkDelivered(ctx, ev); err != nil {
			logger.Error("failed to mark event delivered", "error", err)
		}
		logger.Debug("event delivered")
		return true
	}

	ev.Attempts++
	ev.LastError = strings.Join(failures, "; ")
	logger.Warn("event delivery failed", "error", ev.LastError, "attempts", ev.Attempts)

	if !permanent && ev.Attempts < d.maxRetries {
		backoff := d.calculateBackoff(ev.Attempts)
		if err := d.outbox.Defer(ctx, ev, d.outbox.Now().Add(backoff)); err != nil {
			logger.Error("failed to defer event", "error", err)
		}
		return true
	}

	logger.Error("event moved to dead letter queue", "attempts", ev.Attempts, "max_retries", d.maxRetries)
	if err := d.outbox.MoveToDLQ(ctx, ev); err != nil {
		logger.Error("failed to move event to DLQ", "error", err)
	}
	return true
}

// calculateBackoff returns retry_interval * 2^(n-1), capped at one hour
func (d *Dispatcher) calculateBackoff(attempts int) time.Duration {
	if attempts > 12 {
		attempts = 12
	}
	backoff := time.Duration(1<<(attempts-1)) * d.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}

func sinkKind(name string) string {
	kind, _, _ := strings.Cut(name, ":")
	return kind
}
