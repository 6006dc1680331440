package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationCampaigns,
		migrationSteps,
		migrationContacts,
		migrationCampaignContacts,
		migrationActivities,
		migrationSenderAccounts,
		migrationCampaignSenderPools,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    from_name TEXT,
    reply_to TEXT,
    track_opens INTEGER NOT NULL DEFAULT 0,
    track_clicks INTEGER NOT NULL DEFAULT 0,
    step_delay_min_seconds INTEGER NOT NULL DEFAULT 0,
    step_delay_max_seconds INTEGER NOT NULL DEFAULT 0,
    scheduled_at TIMESTAMP,
    launched_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_owner ON campaigns(owner_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status, scheduled_at);
`

const migrationSteps = `
CREATE TABLE IF NOT EXISTS campaign_steps (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    step_order INTEGER NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT,
    body_html TEXT,
    body_text TEXT,
    delay_seconds INTEGER NOT NULL DEFAULT 0,
    condition_field TEXT,
    condition_operator TEXT,
    condition_value TEXT,
    true_branch_step INTEGER,
    false_branch_step INTEGER,
    webhook_event TEXT,
    webhook_timeout_seconds INTEGER NOT NULL DEFAULT 0,
    timeout_step INTEGER,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(campaign_id, step_order)
);
`

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    email TEXT NOT NULL,
    first_name TEXT,
    last_name TEXT,
    company TEXT,
    title TEXT,
    custom_fields TEXT,
    is_bounced INTEGER NOT NULL DEFAULT 0,
    is_unsubscribed INTEGER NOT NULL DEFAULT 0,
    dcs_score REAL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(owner_id, email)
);
`

const migrationCampaignContacts = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    current_step_order INTEGER NOT NULL DEFAULT 0,
    next_send_at TIMESTAMP,
    waiting_for_webhook TEXT,
    wait_expires_at TIMESTAMP,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_sender_id TEXT,
    completed_at TIMESTAMP,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(campaign_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_due ON campaign_contacts(status, next_send_at);
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_wait ON campaign_contacts(waiting_for_webhook, wait_expires_at);
`

const migrationActivities = `
CREATE TABLE IF NOT EXISTS campaign_activities (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    campaign_contact_id TEXT NOT NULL REFERENCES campaign_contacts(id) ON DELETE CASCADE,
    step_id TEXT,
    sender_account_id TEXT,
    type TEXT NOT NULL,
    idempotency_key TEXT UNIQUE,
    metadata TEXT,
    occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_contact ON campaign_activities(campaign_contact_id, type);
CREATE INDEX IF NOT EXISTS idx_activities_campaign ON campaign_activities(campaign_id, type);
CREATE INDEX IF NOT EXISTS idx_activities_sender ON campaign_activities(sender_account_id, type, occurred_at);
`

const migrationSenderAccounts = `
CREATE TABLE IF NOT EXISTS sender_accounts (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    email TEXT NOT NULL,
    name TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_verified INTEGER NOT NULL DEFAULT 0,
    health_score REAL NOT NULL DEFAULT 100 CHECK (health_score >= 0 AND health_score <= 100),
    sends_today INTEGER NOT NULL DEFAULT 0,
    daily_send_limit INTEGER NOT NULL DEFAULT 50,
    warmup_mode INTEGER NOT NULL DEFAULT 0,
    warmup_daily_target INTEGER NOT NULL DEFAULT 0,
    bounce_rate_7d REAL NOT NULL DEFAULT 0,
    total_sent INTEGER NOT NULL DEFAULT 0,
    total_bounced INTEGER NOT NULL DEFAULT 0,
    total_opened INTEGER NOT NULL DEFAULT 0,
    last_bounce_at TIMESTAMP,
    smtp_host TEXT,
    smtp_port INTEGER NOT NULL DEFAULT 587,
    smtp_username TEXT,
    smtp_password TEXT,
    smtp_security TEXT NOT NULL DEFAULT 'starttls',
    dkim_selector TEXT,
    dkim_key_file TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sender_accounts_owner ON sender_accounts(owner_id, created_at);
`

const migrationCampaignSenderPools = `
CREATE TABLE IF NOT EXISTS campaign_sender_pools (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    sender_account_id TEXT NOT NULL REFERENCES sender_accounts(id) ON DELETE CASCADE,
    priority INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (campaign_id, sender_account_id)
);
`
