package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the outreach service
type Metrics struct {
	// Scheduler
	TicksTotal          *prometheus.CounterVec
	TickDurationSeconds prometheus.Histogram
	StepsExecutedTotal  *prometheus.CounterVec
	WebhookResumesTotal *prometheus.CounterVec

	// Sending
	EmailsSentTotal      prometheus.Counter
	EmailsFailedTotal    *prometheus.CounterVec
	SenderExhaustedTotal prometheus.Counter
	SenderBouncesTotal   prometheus.Counter

	// Replies
	RepliesTotal         *prometheus.CounterVec
	InboundMessagesTotal *prometheus.CounterVec
	InboundAuthTotal     *prometheus.CounterVec

	// Events
	EventsEmittedTotal   *prometheus.CounterVec
	EventsDroppedTotal   prometheus.Counter
	EventsDeliveredTotal *prometheus.CounterVec

	// Backlog gauges
	DueContacts      prometheus.Gauge
	ExpiredWaits     prometheus.Gauge
	OutboxPending    prometheus.Gauge
	OutboxDeadLetter prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_scheduler_ticks_total",
				Help: "Scheduler ticks by result (completed, skipped, failed)",
			},
			[]string{"result"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_scheduler_tick_duration_seconds",
				Help:    "Duration of a completed scheduler tick",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
		),
		StepsExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_steps_executed_total",
				Help: "Sequence steps executed by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		WebhookResumesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_webhook_resumes_total",
				Help: "Webhook waits resumed by source (event, timeout)",
			},
			[]string{"source"},
		),

		EmailsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_emails_sent_total",
				Help: "Total number of emails accepted by the relay",
			},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_emails_failed_total",
				Help: "Failed sends by error type (temporary, permanent, bounce)",
			},
			[]string{"error_type"},
		),
		SenderExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_sender_exhausted_total",
				Help: "Sends deferred because no sender account was available",
			},
		),
		SenderBouncesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_sender_bounces_total",
				Help: "Bounces recorded against sender accounts",
			},
		),

		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_replies_total",
				Help: "Classified replies by intent",
			},
			[]string{"intent"},
		),
		InboundMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_inbound_messages_total",
				Help: "Messages received by the inbound SMTP listener by result",
			},
			[]string{"result"},
		),
		InboundAuthTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_inbound_auth_total",
				Help: "Inbound SMTP authentication attempts by result",
			},
			[]string{"result"},
		),

		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_events_emitted_total",
				Help: "Lifecycle events handed to the emitter by name",
			},
			[]string{"event"},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_events_dropped_total",
				Help: "Lifecycle events dropped because the emitter buffer was full",
			},
		),
		EventsDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_events_delivered_total",
				Help: "Event deliveries by sink and result",
			},
			[]string{"sink", "result"},
		),

		DueContacts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_due_contacts",
				Help: "Contacts due at the start of the last tick",
			},
		),
		ExpiredWaits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_expired_waits",
				Help: "Webhook waits past their timeout at the start of the last tick",
			},
		),
		OutboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_event_outbox_pending",
				Help: "Events awaiting delivery",
			},
		),
		OutboxDeadLetter: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_event_outbox_dead_letter",
				Help: "Events that exhausted their delivery attempts",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickDurationSeconds,
		m.StepsExecutedTotal,
		m.WebhookResumesTotal,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.SenderExhaustedTotal,
		m.SenderBouncesTotal,
		m.RepliesTotal,
		m.InboundMessagesTotal,
		m.InboundAuthTotal,
		m.EventsEmittedTotal,
		m.EventsDroppedTotal,
		m.EventsDeliveredTotal,
		m.DueContacts,
		m.ExpiredWaits,
		m.OutboxPending,
		m.OutboxDeadLetter,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncTicks counts a scheduler tick outcome
func IncTicks(result string) {
	if m := Global(); m != nil {
		m.TicksTotal.WithLabelValues(result).Inc()
	}
}

// ObserveTickDuration records how long a tick took
func ObserveTickDuration(seconds float64) {
	if m := Global(); m != nil {
		m.TickDurationSeconds.Observe(seconds)
	}
}

// IncStepsExecuted counts an executed step
func IncStepsExecuted(kind, result string) {
	if m := Global(); m != nil {
		m.StepsExecutedTotal.WithLabelValues(kind, result).Inc()
	}
}

// IncWebhookResumes counts a resumed webhook wait
func IncWebhookResumes(source string) {
	if m := Global(); m != nil {
		m.WebhookResumesTotal.WithLabelValues(source).Inc()
	}
}

// IncEmailsSent counts an email accepted by the relay
func IncEmailsSent() {
	if m := Global(); m != nil {
		m.EmailsSentTotal.Inc()
	}
}

// IncEmailsFailed counts a failed send
func IncEmailsFailed(errorType string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(errorType).Inc()
	}
}

// IncSenderExhausted counts a send deferred for lack of a sender
func IncSenderExhausted() {
	if m := Global(); m != nil {
		m.SenderExhaustedTotal.Inc()
	}
}

// IncSenderBounces counts a bounce recorded against a sender
func IncSenderBounces() {
	if m := Global(); m != nil {
		m.SenderBouncesTotal.Inc()
	}
}

// IncReplies counts a classified reply
func IncReplies(intent string) {
	if m := Global(); m != nil {
		m.RepliesTotal.WithLabelValues(intent).Inc()
	}
}

// IncInboundMessages counts an inbound SMTP message
func IncInboundMessages(result string) {
	if m := Global(); m != nil {
		m.InboundMessagesTotal.WithLabelValues(result).Inc()
	}
}

// IncInboundAuth counts an inbound SMTP auth attempt
func IncInboundAuth(result string) {
	if m := Global(); m != nil {
		m.InboundAuthTotal.WithLabelValues(result).Inc()
	}
}

// IncEventsEmitted counts an emitted event
func IncEventsEmitted(event string) {
	if m := Global(); m != nil {
		m.EventsEmittedTotal.WithLabelValues(event).Inc()
	}
}

// IncEventsDropped counts an event dropped on a full buffer
func IncEventsDropped() {
	if m := Global(); m != nil {
		m.EventsDroppedTotal.Inc()
	}
}

// IncEventsDelivered counts a delivery attempt
func IncEventsDelivered(sink, result string) {
	if m := Global(); m != nil {
		m.EventsDeliveredTotal.WithLabelValues(sink, result).Inc()
	}
}

// SetBacklog updates the due and expired-wait gauges
func SetBacklog(due, expiredWaits int) {
	if m := Global(); m != nil {
		m.DueContacts.Set(float64(due))
		m.ExpiredWaits.Set(float64(expiredWaits))
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
