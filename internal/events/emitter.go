package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/outreach/internal/metrics"
)

// Emitter hands events to the outbox without blocking the caller. When the
// buffer is full the event is dropped and counted.
type Emitter struct {
	outbox *Outbox
	ch     chan *Event
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEmitter creates an emitter with the given buffer capacity
func NewEmitter(outbox *Outbox, bufferSize int, logger *slog.Logger) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Emitter{
		outbox: outbox,
		ch:     make(chan *Event, bufferSize),
		logger: logger.With("component", "events"),
		done:   make(chan struct{}),
	}
}

// Emit queues an event. It never blocks and never fails the caller.
func (e *Emitter) Emit(ownerID, name string, payload any) {
	if e == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to encode event payload", "event", name, "error", err)
		return
	}

	ev := &Event{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Name:       name,
		Payload:    data,
		OccurredAt: time.Now().UTC(),
	}

	select {
	case <-e.done:
		metrics.IncEventsDropped()
		return
	default:
	}

	select {
	case e.ch <- ev:
		metrics.IncEventsEmitted(name)
	default:
		metrics.IncEventsDropped()
		e.logger.Warn("event buffer full, dropping event", "event", name, "owner_id", ownerID)
	}
}

// Start starts writing buffered events to the outbox. The writer keeps
// running after ctx is cancelled; only Stop ends it.
func (e *Emitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(context.WithoutCancel(ctx))
}

// Stop flushes buffered events and stops the writer
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	// Catch events that raced past the done check after the writer exited
	e.drain(context.Background())
}

func (e *Emitter) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case ev := <-e.ch:
			e.store(ctx, ev)
		case <-e.done:
			e.drain(ctx)
			return
		}
	}
}

func (e *Emitter) drain(ctx context.Context) {
	for {
		select {
		case ev := <-e.ch:
			e.store(ctx, ev)
		default:
			return
		}
	}
}

func (e *Emitter) store(ctx context.Context, ev *Event) {
	if err := e.outbox.Enqueue(ctx, ev); err != nil {
		e.logger.Error("failed to store event", "event", ev.Name, "event_id", ev.ID, "error", err)
	}
}
