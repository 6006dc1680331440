package models

import "time"

// ActivityType is the kind of event recorded in the activity log
type ActivityType string

const (
	ActivitySent    ActivityType = "sent"
	ActivityOpened  ActivityType = "opened"
	ActivityClicked ActivityType = "clicked"
	ActivityReplied ActivityType = "replied"
	ActivityBounced ActivityType = "bounced"
	ActivityError   ActivityType = "error"
)

// Activity is an immutable append-only log row
type Activity struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaign_id"`
	CampaignContactID string            `json:"campaign_contact_id"`
	StepID            string            `json:"step_id,omitempty"`
	SenderAccountID   string            `json:"sender_account_id,omitempty"`
	Type              ActivityType      `json:"type"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}
