package models

import "time"

// Contact is a recipient owned by a user, independent of any campaign
type Contact struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Email          string            `json:"email"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	Company        string            `json:"company"`
	Title          string            `json:"title"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
	IsBounced      bool              `json:"is_bounced"`
	IsUnsubscribed bool              `json:"is_unsubscribed"`
	DCSScore       *float64          `json:"dcs_score,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ContactStatus is the per-journey state of a campaign contact
type ContactStatus string

const (
	ContactPending      ContactStatus = "pending"
	ContactActive       ContactStatus = "active"
	ContactCompleted    ContactStatus = "completed"
	ContactReplied      ContactStatus = "replied"
	ContactBounced      ContactStatus = "bounced"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactError        ContactStatus = "error"
)

// IsTerminal reports whether the status is absorbing
func (s ContactStatus) IsTerminal() bool {
	switch s {
	case ContactCompleted, ContactReplied, ContactBounced, ContactUnsubscribed, ContactError:
		return true
	}
	return false
}

// CampaignContact is the step cursor of one contact's journey through a campaign
type CampaignContact struct {
	ID                string        `json:"id"`
	CampaignID        string        `json:"campaign_id"`
	ContactID         string        `json:"contact_id"`
	Status            ContactStatus `json:"status"`
	CurrentStepOrder  int           `json:"current_step_order"`
	NextSendAt        *time.Time    `json:"next_send_at,omitempty"`
	WaitingForWebhook *string       `json:"waiting_for_webhook,omitempty"`
	WaitExpiresAt     *time.Time    `json:"wait_expires_at,omitempty"`
	RetryCount        int           `json:"retry_count"`
	LastSenderID      string        `json:"last_sender_id,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ContactView is the read-time projection a step sees: the contact, its
// cursor, its campaign owner and activity-derived flags
type ContactView struct {
	CampaignContact
	OwnerID string  `json:"owner_id"`
	Contact Contact `json:"contact"`

	EmailsSent int  `json:"emails_sent"`
	HasOpened  bool `json:"has_opened"`
	HasClicked bool `json:"has_clicked"`
	HasReplied bool `json:"has_replied"`
}

// FullName joins first and last name
func (c *Contact) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}
