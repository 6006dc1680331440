package models

import "time"

// SenderAccount is an outbound mailbox identity
type SenderAccount struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	IsActive   bool   `json:"is_active"`
	IsVerified bool   `json:"is_verified"`

	HealthScore       float64 `json:"health_score"`
	SendsToday        int     `json:"sends_today"`
	DailySendLimit    int     `json:"daily_send_limit"`
	WarmupMode        bool    `json:"warmup_mode"`
	WarmupDailyTarget int     `json:"warmup_daily_target"`
	BounceRate7d      float64 `json:"bounce_rate_7d"`

	TotalSent    int        `json:"total_sent"`
	TotalBounced int        `json:"total_bounced"`
	TotalOpened  int        `json:"total_opened"`
	LastBounceAt *time.Time `json:"last_bounce_at,omitempty"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"`
	SMTPSecurity string `json:"smtp_security"` // none, starttls, tls

	DKIMSelector string `json:"dkim_selector,omitempty"`
	DKIMKeyFile  string `json:"dkim_key_file,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveLimit is the quota the selector enforces: the warmup target while
// warming up, the daily limit otherwise
func (a *SenderAccount) EffectiveLimit() int {
	if a.WarmupMode {
		return a.WarmupDailyTarget
	}
	return a.DailySendLimit
}

// SenderPoolEntry restricts a campaign to a ranked subset of sender accounts
type SenderPoolEntry struct {
	CampaignID      string `json:"campaign_id"`
	SenderAccountID string `json:"sender_account_id"`
	Priority        int    `json:"priority"`
}
