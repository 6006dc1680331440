package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	// Vectors without observations are not gathered, plain metrics are
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"outreach_emails_sent_total",
		"outreach_event_outbox_pending",
		"outreach_uptime_seconds",
		"outreach_scheduler_tick_duration_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestGlobalHelpersWithoutInstance(t *testing.T) {
	SetGlobal(nil)

	// Must not panic
	IncTicks("completed")
	IncEmailsSent()
	IncEmailsFailed("temporary")
	IncReplies("interested")
	SetBacklog(3, 1)
	IncEventsDropped()
}

func TestGlobalHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncEmailsSent()
	IncEmailsSent()
	IncEmailsFailed("bounce")
	IncStepsExecuted("email", "sent")
	SetBacklog(7, 2)

	var metric dto.Metric
	if err := m.EmailsSentTotal.Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("emails sent = %v, want 2", got)
	}

	metric.Reset()
	if err := m.EmailsFailedTotal.WithLabelValues("bounce").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("bounce failures = %v, want 1", got)
	}

	metric.Reset()
	if err := m.DueContacts.Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != 7 {
		t.Errorf("due contacts = %v, want 7", got)
	}
}
