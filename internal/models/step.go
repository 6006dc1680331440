package models

import "time"

// StepKind is the action a step performs
type StepKind string

const (
	StepEmail       StepKind = "email"
	StepDelay       StepKind = "delay"
	StepCondition   StepKind = "condition"
	StepWebhookWait StepKind = "webhook_wait"
)

// Valid reports whether k is a known step kind
func (k StepKind) Valid() bool {
	switch k {
	case StepEmail, StepDelay, StepCondition, StepWebhookWait:
		return true
	}
	return false
}

// Step is one action in a campaign sequence. Order is 0-based and dense.
type Step struct {
	ID         string   `json:"id"`
	CampaignID string   `json:"campaign_id"`
	Order      int      `json:"order"`
	Kind       StepKind `json:"kind"`

	// Email
	Subject  string `json:"subject,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`
	BodyText string `json:"body_text,omitempty"`

	// Delay
	Delay time.Duration `json:"delay,omitempty"`

	// Condition
	ConditionField    string `json:"condition_field,omitempty"`
	ConditionOperator string `json:"condition_operator,omitempty"`
	ConditionValue    string `json:"condition_value,omitempty"`
	TrueBranchStep    *int   `json:"true_branch_step,omitempty"`
	FalseBranchStep   *int   `json:"false_branch_step,omitempty"`

	// WebhookWait
	WebhookEvent   string        `json:"webhook_event,omitempty"`
	WebhookTimeout time.Duration `json:"webhook_timeout,omitempty"`
	TimeoutStep    *int          `json:"timeout_step,omitempty"` // nil = advance to next step

	CreatedAt time.Time `json:"created_at"`
}
