package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	name string
	mu   sync.Mutex
	errs []error
	got  []string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	if err == nil {
		s.got = append(s.got, ev.ID)
	}
	return err
}

func (s *fakeSink) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcherRetriesOnlyFailedSinks(t *testing.T) {
	outbox, now := setupOutbox(t)
	ctx := context.Background()

	ok := &fakeSink{name: "webhook:ok"}
	flaky := &fakeSink{name: "amqp:flaky", errs: []error{errors.New("broker down")}}
	d := NewDispatcher(outbox, []Deliverer{ok, flaky}, DispatcherConfig{RetryInterval: time.Minute}, discardLogger())

	outbox.Enqueue(ctx, newEvent("e1", EmailSent))

	if !d.ProcessOne(ctx, discardLogger()) {
		t.Fatal("expected an event to be processed")
	}
	ev, _ := outbox.Get(ctx, "e1")
	if ev.Status != StatusPending || ev.Attempts != 1 {
		t.Fatalf("after failure: status=%s attempts=%d", ev.Status, ev.Attempts)
	}
	if !ev.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Errorf("NextAttemptAt = %v, want +1m", ev.NextAttemptAt)
	}

	if d.ProcessOne(ctx, discardLogger()) {
		t.Fatal("deferred event should not be due yet")
	}

	*now = now.Add(time.Minute)
	d.ProcessOne(ctx, discardLogger())

	ev, _ = outbox.Get(ctx, "e1")
	if ev.Status != StatusDelivered {
		t.Fatalf("Status = %s, want delivered", ev.Status)
	}
	if ok.delivered() != 1 {
		t.Errorf("healthy sink received %d deliveries, want 1", ok.delivered())
	}
	if flaky.delivered() != 1 {
		t.Errorf("flaky sink received %d deliveries, want 1", flaky.delivered())
	}
}

func TestDispatcherDeadLetters(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		attempts int
	}{
		{"permanent error", []error{&PermanentError{Err: errors.New("410 gone")}}, 1},
		{"retries exhausted", []error{errors.New("a"), errors.New("b"), errors.New("c")}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox, now := setupOutbox(t)
			ctx := context.Background()

			sink := &fakeSink{name: "webhook:x", errs: tt.errs}
			d := NewDispatcher(outbox, []Deliverer{sink}, DispatcherConfig{MaxRetries: 3, RetryInterval: time.Second}, discardLogger())
			outbox.Enqueue(ctx, newEvent("e1", EmailSent))

			for i := 0; i < 5; i++ {
				d.ProcessOne(ctx, discardLogger())
				*now = now.Add(time.Hour)
			}

			ev, _ := outbox.Get(ctx, "e1")
			if ev.Status != StatusDead {
				t.Fatalf("Status = %s, want dead", ev.Status)
			}
			if ev.Attempts != tt.attempts {
				t.Errorf("Attempts = %d, want %d", ev.Attempts, tt.attempts)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	outbox, _ := setupOutbox(t)
	d := NewDispatcher(outbox, nil, DispatcherConfig{RetryInterval: time.Minute}, discardLogger())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := d.calculateBackoff(tt.attempts); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSinkKind(t *testing.T) {
	if got := sinkKind("webhook:https://x.test/hook"); got != "webhook" {
		t.Errorf("sinkKind() = %q", got)
	}
	if got := sinkKind("amqp:outreach.events"); got != "amqp" {
		t.Errorf("sinkKind() = %q", got)
	}
}
