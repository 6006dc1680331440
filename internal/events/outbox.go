package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/outreach/internal/metrics"
)

var (
	bucketEvents     = []byte("events")
	bucketPending    = []byte("events_pending")
	bucketDeadLetter = []byte("events_dead_letter")
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Outbox is the durable event store backed by bbolt
type Outbox struct {
	// Now is the clock used for index keys and due checks
	Now func() time.Time

	db *bolt.DB
}

// NewOutbox creates the outbox buckets in db
func NewOutbox(db *bolt.DB) (*Outbox, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketPending, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Outbox{Now: time.Now, db: db}, nil
}

// Enqueue stores a new event as pending and due immediately
func (o *Outbox) Enqueue(ctx context.Context, ev *Event) error {
	now := o.Now()
	ev.Status = StatusPending
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = now
	}
	ev.UpdatedAt = now

	return o.db.Update(func(tx *bolt.Tx) error {
		if err := putEvent(tx, ev); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(ev.NextAttemptAt, ev.ID), []byte(ev.ID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the oldest due event. Returns nil, nil if nothing is due.
func (o *Outbox) Dequeue(ctx context.Context) (*Event, error) {
	var ev *Event
	now := o.Now()

	err := o.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketPending).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				return nil
			}

			data := events.Get(v)
			if data == nil {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}

			e.Status = StatusDelivering
			e.UpdatedAt = now
			if err := putEvent(tx, &e); err != nil {
				return err
			}
			ev = &e
			return nil
		}
		return nil
	})

	return ev, err
}

// MarkDelivered records a successful delivery to every sink
func (o *Outbox) MarkDelivered(ctx context.Context, ev *Event) error {
	ev.Status = StatusDelivered
	ev.LastError = ""
	ev.UpdatedAt = o.Now()
	return o.db.Update(func(tx *bolt.Tx) error {
		return putEvent(tx, ev)
	})
}

// Defer schedules another attempt at next
func (o *Outbox) Defer(ctx context.Context, ev *Event, next time.Time) error {
	ev.Status = StatusPending
	ev.NextAttemptAt = next
	ev.UpdatedAt = o.Now()

	return o.db.Update(func(tx *bolt.Tx) error {
		if err := putEvent(tx, ev); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(makeIndexKey(next, ev.ID), []byte(ev.ID))
	})
}

// MoveToDLQ parks an event that exhausted its attempts
func (o *Outbox) MoveToDLQ(ctx context.Context, ev *Event) error {
	ev.Status = StatusDead
	ev.UpdatedAt = o.Now()

	return o.db.Update(func(tx *bolt.Tx) error {
		if err := putEvent(tx, ev); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(ev.UpdatedAt, ev.ID), []byte(ev.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		return nil
	})
}

// RequeueInflight returns events claimed by a process that died mid-delivery
// to the pending index. Call before starting the dispatcher.
func (o *Outbox) RequeueInflight(ctx context.Context) (int, error) {
	requeued := 0
	now := o.Now()

	err := o.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		pending := tx.Bucket(bucketPending)

		var stuck []*Event
		err := events.ForEach(func(k, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status == StatusDelivering {
				stuck = append(stuck, &e)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range stuck {
			e.Status = StatusPending
			e.NextAttemptAt = now
			e.UpdatedAt = now
			if err := putEvent(tx, e); err != nil {
				return err
			}
			if err := pending.Put(makeIndexKey(now, e.ID), []byte(e.ID)); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})

	return requeued, err
}

// Get retrieves an event by ID. Returns nil, nil when it does not exist.
func (o *Outbox) Get(ctx context.Context, id string) (*Event, error) {
	var ev *Event
	err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return nil
		}
		ev = &Event{}
		return json.Unmarshal(data, ev)
	})
	return ev, err
}

// ListDLQ returns dead-lettered events, oldest first
func (o *Outbox) ListDLQ(ctx context.Context, limit, offset int) ([]*Event, error) {
	var list []*Event

	err := o.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			data := events.Get(v)
			if data == nil {
				continue
			}
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			list = append(list, &e)

			if limit > 0 && len(list) >= limit {
				break
			}
		}
		return nil
	})

	return list, err
}

// RetryFromDLQ moves a dead-lettered event back to pending with a fresh
// attempt budget. Sinks that already accepted it are not retried.
func (o *Outbox) RetryFromDLQ(ctx context.Context, id string) error {
	now := o.Now()

	return o.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("event not found: %s", id)
		}

		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if e.Status != StatusDead {
			return fmt.Errorf("event %s is not dead-lettered", id)
		}

		if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}

		e.Status = StatusPending
		e.Attempts = 0
		e.LastError = ""
		e.NextAttemptAt = now
		e.UpdatedAt = now
		if err := putEvent(tx, &e); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put(makeIndexKey(now, e.ID), []byte(e.ID))
	})
}

// DeleteFromDLQ permanently deletes a dead-lettered event
func (o *Outbox) DeleteFromDLQ(ctx context.Context, id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		if err := removeFromIndex(tx.Bucket(bucketDeadLetter), id); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Delete([]byte(id))
	})
}

// OutboxStats reports the pending and dead-letter backlog for the metrics collector
func (o *Outbox) OutboxStats(ctx context.Context) (*metrics.OutboxStats, error) {
	stats := &metrics.OutboxStats{}
	err := o.db.View(func(tx *bolt.Tx) error {
		stats.Pending = int64(tx.Bucket(bucketPending).Stats().KeyN)
		stats.DeadLetter = int64(tx.Bucket(bucketDeadLetter).Stats().KeyN)
		return nil
	})
	return stats, err
}

// CleanupDelivered removes delivered events older than maxAge
func (o *Outbox) CleanupDelivered(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := o.Now().Add(-maxAge)
	deleted := 0

	err := o.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket(bucketEvents)

		var toDelete [][]byte
		err := events.ForEach(func(k, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status == StatusDelivered && e.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := events.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

func putEvent(tx *bolt.Tx, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := tx.Bucket(bucketEvents).Put([]byte(ev.ID), data); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func removeFromIndex(bucket *bolt.Bucket, id string) error {
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + "|" + id)
}

func parseTimestampFromKey(key []byte) time.Time {
	s, _, _ := strings.Cut(string(key), "|")
	ts, _ := time.Parse(indexTimeFormat, s)
	return ts
}
