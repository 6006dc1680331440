package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

// ActivityRepository is the append-only campaign activity log
type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Append inserts an activity. When IdempotencyKey is set and already present
// nothing is written and false is returned.
func (r *ActivityRepository) Append(ctx context.Context, a *models.Activity) (bool, error) {
	var metadata string
	if len(a.Metadata) > 0 {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to encode activity metadata: %w", err)
		}
		metadata = string(data)
	}

	a.ID = uuid.New().String()
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now()
	}
	a.OccurredAt = ts(a.OccurredAt)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_activities (id, campaign_id, campaign_contact_id, step_id, sender_account_id,
			type, idempotency_key, metadata, occurred_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		a.ID, a.CampaignID, a.CampaignContactID, a.StepID, a.SenderAccountID,
		a.Type, a.IdempotencyKey, metadata, a.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append %s activity: %w", a.Type, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Exists reports whether an activity with the idempotency key was recorded
func (r *ActivityRepository) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM campaign_activities WHERE idempotency_key = ?)", key).Scan(&exists)
	return exists, err
}

const activityColumns = `id, campaign_id, campaign_contact_id, COALESCE(step_id, ''), COALESCE(sender_account_id, ''),
	type, COALESCE(idempotency_key, ''), COALESCE(metadata, ''), occurred_at`

func scanActivity(row rowScanner) (*models.Activity, error) {
	a := &models.Activity{}
	var metadata string
	if err := row.Scan(&a.ID, &a.CampaignID, &a.CampaignContactID, &a.StepID, &a.SenderAccountID,
		&a.Type, &a.IdempotencyKey, &metadata, &a.OccurredAt); err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode activity metadata: %w", err)
		}
	}
	return a, nil
}

// GetByKey returns the activity recorded under an idempotency key
func (r *ActivityRepository) GetByKey(ctx context.Context, key string) (*models.Activity, error) {
	a, err := scanActivity(r.db.QueryRowContext(ctx,
		"SELECT "+activityColumns+" FROM campaign_activities WHERE idempotency_key = ?", key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByCampaignContact returns a journey's activities in order of occurrence
func (r *ActivityRepository) ListByCampaignContact(ctx context.Context, campaignContactID string) ([]models.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM campaign_activities
		WHERE campaign_contact_id = ?
		ORDER BY occurred_at, rowid`, campaignContactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

// CountByType counts a journey's activities of one type
func (r *ActivityRepository) CountByType(ctx context.Context, campaignContactID string, t models.ActivityType) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM campaign_activities WHERE campaign_contact_id = ? AND type = ?",
		campaignContactID, t).Scan(&n)
	return n, err
}
