package events

import (
	"context"
	"testing"
)

func TestEmitterStoresEvents(t *testing.T) {
	outbox, _ := setupOutbox(t)
	e := NewEmitter(outbox, 16, discardLogger())
	e.Start(context.Background())

	e.Emit("owner-1", CampaignCompleted, map[string]string{"campaign_id": "c-1"})
	e.Emit("owner-1", EmailSent, map[string]string{"campaign_contact_id": "cc-1"})
	e.Stop()

	stats, err := outbox.OutboxStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 {
		t.Fatalf("Pending = %d, want 2", stats.Pending)
	}

	ev, _ := outbox.Dequeue(context.Background())
	if ev.OwnerID != "owner-1" || ev.Name == "" || len(ev.Payload) == 0 {
		t.Errorf("stored event = %+v", ev)
	}
}

func TestEmitterNeverBlocks(t *testing.T) {
	outbox, _ := setupOutbox(t)
	e := NewEmitter(outbox, 1, discardLogger())

	// writer not started: the second emit must be dropped, not block
	e.Emit("owner-1", EmailSent, nil)
	e.Emit("owner-1", EmailSent, nil)
	e.Emit("owner-1", EmailSent, make(chan int))

	e.Start(context.Background())
	e.Stop()

	stats, _ := outbox.OutboxStats(context.Background())
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}

	e.Emit("owner-1", EmailSent, nil)

	var nilEmitter *Emitter
	nilEmitter.Emit("owner-1", EmailSent, nil)
}

func TestEmitterOutlivesStartContext(t *testing.T) {
	tests := []struct {
		name  string
		start bool
	}{
		{"writer running", true},
		{"writer never started", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox, _ := setupOutbox(t)
			e := NewEmitter(outbox, 16, discardLogger())

			ctx, cancel := context.WithCancel(context.Background())
			if tt.start {
				e.Start(ctx)
			}
			cancel()

			// Work still in flight after shutdown begins keeps emitting
			e.Emit("owner-1", EmailSent, map[string]string{"campaign_contact_id": "cc-1"})
			e.Emit("owner-1", CampaignCompleted, map[string]string{"campaign_id": "c-1"})
			e.Stop()

			stats, err := outbox.OutboxStats(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if stats.Pending != 2 {
				t.Errorf("Pending = %d, want 2", stats.Pending)
			}
		})
	}
}
