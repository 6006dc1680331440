package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, owner_id, name, status, COALESCE(from_name, ''), COALESCE(reply_to, ''),
	track_opens, track_clicks, step_delay_min_seconds, step_delay_max_seconds,
	scheduled_at, launched_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var minDelay, maxDelay int64
	var scheduledAt, launchedAt, completedAt sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Status, &c.FromName, &c.ReplyTo,
		&c.TrackOpens, &c.TrackClicks, &minDelay, &maxDelay,
		&scheduledAt, &launchedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.StepDelayMin = duration(minDelay)
	c.StepDelayMax = duration(maxDelay)
	c.ScheduledAt = timePtr(scheduledAt)
	c.LaunchedAt = timePtr(launchedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = ts(time.Now())
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, owner_id, name, status, from_name, reply_to, track_opens, track_clicks,
			step_delay_min_seconds, step_delay_max_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Status, c.FromName, c.ReplyTo, c.TrackOpens, c.TrackClicks,
		seconds(c.StepDelayMin), seconds(c.StepDelayMax), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetForOwner returns a campaign only if it belongs to owner
func (r *CampaignRepository) GetForOwner(ctx context.Context, ownerID, id string) (*models.Campaign, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, nil
	}
	return c, nil
}

// ListByOwner returns the owner's campaigns, newest first
func (r *CampaignRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// Delete deletes a campaign; steps, campaign contacts, activities and pool entries cascade
func (r *CampaignRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM campaigns WHERE id = ?", id)
	return err
}

// Launch moves a draft or scheduled campaign to running and activates its
// pending contacts, all in one transaction
func (r *CampaignRepository) Launch(ctx context.Context, id string, now time.Time) (int, error) {
	now = ts(now)
	var activated int
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var status models.CampaignStatus
		err := tx.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", id).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != models.CampaignDraft && status != models.CampaignScheduled {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, models.CampaignRunning)
		}

		var steps, contacts int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM campaign_steps WHERE campaign_id = ?", id).Scan(&steps); err != nil {
			return err
		}
		if steps == 0 {
			return ErrNoSteps
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = ? AND status = ?",
			id, models.ContactPending).Scan(&contacts); err != nil {
			return err
		}
		if contacts == 0 {
			return ErrNoContacts
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET status = ?, launched_at = ?, scheduled_at = NULL, updated_at = ?
			WHERE id = ?`, models.CampaignRunning, now, now, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE campaign_contacts SET status = ?, current_step_order = 0, next_send_at = ?, updated_at = ?
			WHERE campaign_id = ? AND status = ?`,
			models.ContactActive, now, now, id, models.ContactPending)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		activated = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return activated, nil
}

// Schedule sets a draft campaign to start automatically at the given time
func (r *CampaignRepository) Schedule(ctx context.Context, id string, at, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.CampaignScheduled, ts(at), ts(now), id, models.CampaignDraft, models.CampaignScheduled)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}
	return r.checkTransition(ctx, res, id, models.CampaignScheduled)
}

// SetStatus changes a campaign's status if its current status is one of from
func (r *CampaignRepository) SetStatus(ctx context.Context, id string, to models.CampaignStatus, now time.Time, from ...models.CampaignStatus) error {
	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{to, ts(now)}
	if to.IsTerminal() {
		query += ", completed_at = ?"
		args = append(args, ts(now))
	}
	query += " WHERE id = ? AND status IN ("
	args = append(args, id)
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, s)
	}
	query += ")"

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return r.checkTransition(ctx, res, id, to)
}

func (r *CampaignRepository) checkTransition(ctx context.Context, res sql.Result, id string, to models.CampaignStatus) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
}

// CompleteIfDone marks a running campaign completed when none of its
// contacts is pending or active. Returns true if the campaign was completed.
func (r *CampaignRepository) CompleteIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	now = ts(now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM campaign_contacts
			WHERE campaign_id = ? AND status IN (?, ?)
		)`,
		models.CampaignCompleted, now, now, id, models.CampaignRunning,
		id, models.ContactPending, models.ContactActive)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListScheduledDue returns scheduled campaigns whose start time has passed
func (r *CampaignRepository) ListScheduledDue(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at",
		models.CampaignScheduled, ts(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// Stats computes campaign counters from the activity log and contact statuses
func (r *CampaignRepository) Stats(ctx context.Context, id string) (*models.CampaignStats, error) {
	stats := &models.CampaignStats{CampaignID: id}

	rows, err := r.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM campaign_activities
		WHERE campaign_id = ? GROUP BY type`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t models.ActivityType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		switch t {
		case models.ActivitySent:
			stats.Sent = n
		case models.ActivityOpened:
			stats.Opened = n
		case models.ActivityClicked:
			stats.Clicked = n
		case models.ActivityReplied:
			stats.Replied = n
		case models.ActivityBounced:
			stats.Bounced = n
		case models.ActivityError:
			stats.Errors = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	statusRows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts
		WHERE campaign_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var s models.ContactStatus
		var n int
		if err := statusRows.Scan(&s, &n); err != nil {
			return nil, err
		}
		stats.Contacts += n
		switch s {
		case models.ContactPending:
			stats.Pending = n
		case models.ContactActive:
			stats.Active = n
		case models.ContactCompleted:
			stats.Completed = n
		case models.ContactReplied:
			stats.Replies = n
		case models.ContactBounced:
			stats.Bounces = n
		case models.ContactUnsubscribed:
			stats.Unsubscribed = n
		case models.ContactError:
			stats.Failed = n
		}
	}
	return stats, statusRows.Err()
}

// SetPool replaces the sender pool of a campaign
func (r *CampaignRepository) SetPool(ctx context.Context, campaignID string, entries []models.SenderPoolEntry) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM campaign_sender_pools WHERE campaign_id = ?", campaignID); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_sender_pools (campaign_id, sender_account_id, priority)
				VALUES (?, ?, ?)`, campaignID, e.SenderAccountID, e.Priority); err != nil {
				return fmt.Errorf("failed to add pool entry %s: %w", e.SenderAccountID, err)
			}
		}
		return nil
	})
}
