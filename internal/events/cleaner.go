package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically removes delivered events past their retention
type Cleaner struct {
	outbox   *Outbox
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// NewCleaner creates a cleaner. A zero maxAge keeps events forever.
func NewCleaner(outbox *Outbox, maxAge, interval time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		outbox:   outbox,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With("component", "events"),
		done:     make(chan struct{}),
	}
}

// Start starts the cleanup loop
func (c *Cleaner) Start(ctx context.Context) {
	if c.maxAge <= 0 || c.interval <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("event cleaner started", "retention", c.maxAge, "interval", c.interval)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.outbox.CleanupDelivered(ctx, c.maxAge)
	if err != nil {
		c.logger.Error("failed to cleanup delivered events", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up delivered events", "deleted", deleted)
	}
}
