package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupOutbox(t *testing.T) (*Outbox, *time.Time) {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	outbox, err := NewOutbox(db)
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	outbox.Now = func() time.Time { return now }
	return outbox, &now
}

func newEvent(id, name string) *Event {
	return &Event{
		ID:         id,
		OwnerID:    "owner-1",
		Name:       name,
		Payload:    json.RawMessage(`{"campaign_id":"c-1"}`),
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestOutboxDequeueOrderAndDueTime(t *testing.T) {
	outbox, now := setupOutbox(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		if err := outbox.Enqueue(ctx, newEvent(id, EmailSent)); err != nil {
			t.Fatal(err)
		}
		*now = now.Add(time.Millisecond)
	}

	first, err := outbox.Dequeue(ctx)
	if err != nil || first == nil || first.ID != "e1" {
		t.Fatalf("Dequeue() = %+v, %v; want e1", first, err)
	}
	if first.Status != StatusDelivering {
		t.Errorf("Status = %s, want delivering", first.Status)
	}

	if err := outbox.Defer(ctx, first, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	second, _ := outbox.Dequeue(ctx)
	if second == nil || second.ID != "e2" {
		t.Fatalf("Dequeue() = %+v, want e2", second)
	}

	if ev, _ := outbox.Dequeue(ctx); ev != nil {
		t.Fatalf("deferred event dequeued early: %+v", ev)
	}

	*now = now.Add(time.Minute)
	again, _ := outbox.Dequeue(ctx)
	if again == nil || again.ID != "e1" {
		t.Fatalf("Dequeue() after backoff = %+v, want e1", again)
	}
}

func TestOutboxDeadLetterRetry(t *testing.T) {
	outbox, _ := setupOutbox(t)
	ctx := context.Background()

	outbox.Enqueue(ctx, newEvent("e1", EmailBounced))
	ev, _ := outbox.Dequeue(ctx)
	ev.Attempts = 8
	ev.LastError = "boom"
	if err := outbox.MoveToDLQ(ctx, ev); err != nil {
		t.Fatal(err)
	}

	stats, err := outbox.OutboxStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 0 || stats.DeadLetter != 1 {
		t.Errorf("OutboxStats() = %+v, want 0 pending 1 dead", stats)
	}

	dead, err := outbox.ListDLQ(ctx, 10, 0)
	if err != nil || len(dead) != 1 || dead[0].LastError != "boom" {
		t.Fatalf("ListDLQ() = %+v, %v", dead, err)
	}

	if err := outbox.RetryFromDLQ(ctx, "e1"); err != nil {
		t.Fatalf("RetryFromDLQ() error = %v", err)
	}
	if err := outbox.RetryFromDLQ(ctx, "e1"); err == nil {
		t.Error("retrying an event that is no longer dead should fail")
	}

	retried, _ := outbox.Dequeue(ctx)
	if retried == nil || retried.Attempts != 0 || retried.LastError != "" {
		t.Fatalf("retried event = %+v", retried)
	}

	stats, _ = outbox.OutboxStats(ctx)
	if stats.DeadLetter != 0 {
		t.Errorf("DeadLetter = %d, want 0", stats.DeadLetter)
	}
}

func TestOutboxDeleteFromDLQ(t *testing.T) {
	outbox, _ := setupOutbox(t)
	ctx := context.Background()

	outbox.Enqueue(ctx, newEvent("e1", EmailSent))
	ev, _ := outbox.Dequeue(ctx)
	outbox.MoveToDLQ(ctx, ev)

	if err := outbox.DeleteFromDLQ(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := outbox.Get(ctx, "e1"); got != nil {
		t.Errorf("event still stored after delete: %+v", got)
	}
}

func TestOutboxRequeueInflight(t *testing.T) {
	outbox, _ := setupOutbox(t)
	ctx := context.Background()

	outbox.Enqueue(ctx, newEvent("e1", EmailSent))
	if ev, _ := outbox.Dequeue(ctx); ev == nil {
		t.Fatal("expected a claimed event")
	}

	n, err := outbox.RequeueInflight(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueInflight() = %d, %v; want 1", n, err)
	}

	ev, _ := outbox.Dequeue(ctx)
	if ev == nil || ev.ID != "e1" {
		t.Fatalf("requeued event not dequeued: %+v", ev)
	}
}

func TestOutboxCleanupDelivered(t *testing.T) {
	outbox, now := setupOutbox(t)
	ctx := context.Background()

	outbox.Enqueue(ctx, newEvent("old", EmailSent))
	ev, _ := outbox.Dequeue(ctx)
	outbox.MarkDelivered(ctx, ev)

	*now = now.Add(48 * time.Hour)
	outbox.Enqueue(ctx, newEvent("fresh", EmailSent))
	ev, _ = outbox.Dequeue(ctx)
	outbox.MarkDelivered(ctx, ev)

	deleted, err := outbox.CleanupDelivered(ctx, 24*time.Hour)
	if err != nil || deleted != 1 {
		t.Fatalf("CleanupDelivered() = %d, %v; want 1", deleted, err)
	}
	if got, _ := outbox.Get(ctx, "fresh"); got == nil {
		t.Error("fresh delivered event should be kept")
	}
	if n, _ := outbox.CleanupDelivered(ctx, 0); n != 0 {
		t.Errorf("zero retention should delete nothing, deleted %d", n)
	}
}

func TestIndexKeysSortChronologically(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	a := makeIndexKey(base.Add(100*time.Millisecond), "z")
	b := makeIndexKey(base.Add(120*time.Millisecond), "a")
	if string(a) >= string(b) {
		t.Errorf("index keys out of order: %s >= %s", a, b)
	}
	if got := parseTimestampFromKey(b); !got.Equal(base.Add(120 * time.Millisecond)) {
		t.Errorf("parseTimestampFromKey() = %v", got)
	}
}
