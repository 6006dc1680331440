package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsTerminal reports whether no further lifecycle transition is possible
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// Campaign represents a multi-step outreach sequence
type Campaign struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	FromName    string         `json:"from_name"`
	ReplyTo     string         `json:"reply_to"`
	TrackOpens  bool           `json:"track_opens"`
	TrackClicks bool           `json:"track_clicks"`

	// Inter-step delay applied after each sent email, jittered in [min, max]
	StepDelayMin time.Duration `json:"step_delay_min"`
	StepDelayMax time.Duration `json:"step_delay_max"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	LaunchedAt  *time.Time `json:"launched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CampaignStats are aggregate counters derived from the activity log and contact statuses
type CampaignStats struct {
	CampaignID string `json:"campaign_id"`

	Sent    int `json:"sent"`
	Opened  int `json:"opened"`
	Clicked int `json:"clicked"`
	Replied int `json:"replied"`
	Bounced int `json:"bounced"`
	Errors  int `json:"errors"`

	Contacts     int `json:"contacts"`
	Pending      int `json:"pending"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
	Replies      int `json:"replies"`
	Bounces      int `json:"bounces"`
	Unsubscribed int `json:"unsubscribed"`
	Failed       int `json:"failed"`
}
