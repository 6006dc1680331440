// Package events delivers lifecycle notifications to external subscribers.
// Emit never blocks the caller: events are buffered, written to a bbolt
// outbox and drained by a dispatcher with retry and dead-lettering.
package events

import (
	"encoding/json"
	"time"
)

// Event names
const (
	EmailSent             = "email.sent"
	EmailOpened           = "email.opened"
	EmailClicked          = "email.clicked"
	EmailBounced          = "email.bounced"
	ReplyReceived         = "reply.received"
	ContactStatusChanged  = "contact.status_changed"
	ContactWaiting        = "contact.waiting"
	ContactResumed        = "contact.resumed"
	CampaignStatusChanged = "campaign.status_changed"
	CampaignCompleted     = "campaign.completed"
)

// Status is the delivery state of an outbox entry
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusDead       Status = "dead"
)

// Event is one notification and its delivery bookkeeping
type Event struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"event"`
	Payload    json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`

	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	DeliveredTo   []string  `json:"delivered_to,omitempty"` // sinks that already accepted the event
	UpdatedAt     time.Time `json:"updated_at"`
}

// envelope is the body subscribers receive
type envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	OwnerID    string          `json:"owner_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Body renders the subscriber-facing JSON document
func (e *Event) Body() ([]byte, error) {
	return json.Marshal(envelope{
		ID:         e.ID,
		Event:      e.Name,
		OwnerID:    e.OwnerID,
		OccurredAt: e.OccurredAt,
		Data:       e.Payload,
	})
}

func (e *Event) deliveredTo(sink string) bool {
	for _, s := range e.DeliveredTo {
		if s == sink {
			return true
		}
	}
	return false
}
