package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// OutboxStats is the event outbox backlog
type OutboxStats struct {
	Pending    int64
	DeadLetter int64
}

// OutboxStatsProvider reports the event outbox backlog
type OutboxStatsProvider interface {
	OutboxStats(ctx context.Context) (*OutboxStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// sample is one persisted counter series
type sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector keeps selected counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	outbox        OutboxStatsProvider
	flushInterval time.Duration
	startTime     time.Time
	logger        *slog.Logger

	counters map[string]prometheus.Collector
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counter values
func NewCollector(db *bolt.DB, m *Metrics, outbox OutboxStatsProvider, flushInterval time.Duration, logger *slog.Logger) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		outbox:        outbox,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		logger:        logger.With("component", "metrics_collector"),
		counters: map[string]prometheus.Collector{
			"outreach_emails_sent_total":        m.EmailsSentTotal,
			"outreach_emails_failed_total":      m.EmailsFailedTotal,
			"outreach_sender_bounces_total":     m.SenderBouncesTotal,
			"outreach_replies_total":            m.RepliesTotal,
			"outreach_events_delivered_total":   m.EventsDeliveredTotal,
			"outreach_ratelimit_exceeded_total": m.RateLimitExceededTotal,
		},
		stopCh: make(chan struct{}),
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.gaugeLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.Persist()
}

func (c *Collector) load() error {
	var samples []sample
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &samples); err != nil {
			c.logger.Warn("discarding unreadable persisted counters", "error", err)
			samples = nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range samples {
		switch col := c.counters[s.Name].(type) {
		case prometheus.Counter:
			col.Add(s.Value)
		case *prometheus.CounterVec:
			counter, err := col.GetMetricWith(s.Labels)
			if err != nil {
				c.logger.Warn("skipping persisted counter", "name", s.Name, "error", err)
				continue
			}
			counter.Add(s.Value)
		}
	}
	return nil
}

// Persist writes the current values of the persisted counters
func (c *Collector) Persist() error {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	var samples []sample
	for _, mf := range families {
		if _, ok := c.counters[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := sample{Name: mf.GetName(), Value: metric.GetCounter().GetValue()}
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				s.Labels = make(map[string]string, len(pairs))
				for _, lp := range pairs {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			samples = append(samples, s)
		}
	}

	data, err := json.Marshal(samples)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Persist(); err != nil {
				c.logger.Error("failed to persist counters", "error", err)
			}
		}
	}
}

func (c *Collector) gaugeLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.CollectGauges(ctx)
		}
	}
}

// CollectGauges refreshes uptime, goroutine and outbox gauges
func (c *Collector) CollectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.outbox == nil {
		return
	}
	stats, err := c.outbox.OutboxStats(ctx)
	if err != nil {
		c.logger.Debug("failed to read outbox stats", "error", err)
		return
	}
	c.metrics.OutboxPending.Set(float64(stats.Pending))
	c.metrics.OutboxDeadLetter.Set(float64(stats.DeadLetter))
}
