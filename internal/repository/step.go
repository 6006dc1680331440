package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

const stepColumns = `id, campaign_id, step_order, kind, COALESCE(subject, ''), COALESCE(body_html, ''), COALESCE(body_text, ''),
	delay_seconds, COALESCE(condition_field, ''), COALESCE(condition_operator, ''), COALESCE(condition_value, ''),
	true_branch_step, false_branch_step, COALESCE(webhook_event, ''), webhook_timeout_seconds, timeout_step, created_at`

func scanStep(row rowScanner) (*models.Step, error) {
	s := &models.Step{}
	var delay, timeout int64
	var trueStep, falseStep, timeoutStep sql.NullInt64
	err := row.Scan(&s.ID, &s.CampaignID, &s.Order, &s.Kind, &s.Subject, &s.BodyHTML, &s.BodyText,
		&delay, &s.ConditionField, &s.ConditionOperator, &s.ConditionValue,
		&trueStep, &falseStep, &s.WebhookEvent, &timeout, &timeoutStep, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Delay = duration(delay)
	s.WebhookTimeout = duration(timeout)
	s.TrueBranchStep = intPtr(trueStep)
	s.FalseBranchStep = intPtr(falseStep)
	s.TimeoutStep = intPtr(timeoutStep)
	return s, nil
}

// ListSteps returns the sequence of a campaign ordered by step order
func (r *CampaignRepository) ListSteps(ctx context.Context, campaignID string) ([]models.Step, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+stepColumns+" FROM campaign_steps WHERE campaign_id = ? ORDER BY step_order", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

// GetStep returns the step at order, or nil if the sequence has no such step
func (r *CampaignRepository) GetStep(ctx context.Context, campaignID string, order int) (*models.Step, error) {
	s, err := scanStep(r.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM campaign_steps WHERE campaign_id = ? AND step_order = ?", campaignID, order))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InsertStep inserts s at s.Order, shifting later steps and branch targets
// up by one. An order beyond the end appends. Only allowed while draft.
func (r *CampaignRepository) InsertStep(ctx context.Context, s *models.Step) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := requireDraft(ctx, tx, s.CampaignID); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM campaign_steps WHERE campaign_id = ?", s.CampaignID).Scan(&count); err != nil {
			return err
		}
		if s.Order < 0 || s.Order > count {
			s.Order = count
		}

		if s.Order < count {
			// Two passes through negative orders keep UNIQUE(campaign_id, step_order) satisfied
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaign_steps SET step_order = -step_order - 1
				WHERE campaign_id = ? AND step_order >= ?`, s.CampaignID, s.Order); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaign_steps SET step_order = -step_order
				WHERE campaign_id = ? AND step_order < 0`, s.CampaignID); err != nil {
				return err
			}
			if err := shiftTargets(ctx, tx, s.CampaignID, s.Order, 1); err != nil {
				return err
			}
		}

		s.ID = uuid.New().String()
		s.CreatedAt = ts(time.Now())
		_, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_steps (id, campaign_id, step_order, kind, subject, body_html, body_text,
				delay_seconds, condition_field, condition_operator, condition_value,
				true_branch_step, false_branch_step, webhook_event, webhook_timeout_seconds, timeout_step, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.CampaignID, s.Order, s.Kind, s.Subject, s.BodyHTML, s.BodyText,
			seconds(s.Delay), s.ConditionField, s.ConditionOperator, s.ConditionValue,
			nullInt(s.TrueBranchStep), nullInt(s.FalseBranchStep), s.WebhookEvent, seconds(s.WebhookTimeout),
			nullInt(s.TimeoutStep), s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
		return nil
	})
}

// DeleteStep removes the step at order and renumbers the remainder densely.
// Only allowed while draft.
func (r *CampaignRepository) DeleteStep(ctx context.Context, campaignID string, order int) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := requireDraft(ctx, tx, campaignID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM campaign_steps WHERE campaign_id = ? AND step_order = ?", campaignID, order)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE campaign_steps SET step_order = -step_order - 1
			WHERE campaign_id = ? AND step_order > ?`, campaignID, order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaign_steps SET step_order = -step_order - 2
			WHERE campaign_id = ? AND step_order < 0`, campaignID); err != nil {
			return err
		}
		return shiftTargets(ctx, tx, campaignID, order+1, -1)
	})
}

// shiftTargets moves branch and timeout targets >= from by delta
func shiftTargets(ctx context.Context, tx *sql.Tx, campaignID string, from, delta int) error {
	for _, col := range []string{"true_branch_step", "false_branch_step", "timeout_step"} {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE campaign_steps SET %[1]s = %[1]s + ?
			WHERE campaign_id = ? AND %[1]s IS NOT NULL AND %[1]s >= ?`, col), delta, campaignID, from)
		if err != nil {
			return fmt.Errorf("failed to shift %s: %w", col, err)
		}
	}
	return nil
}

func requireDraft(ctx context.Context, tx *sql.Tx, campaignID string) error {
	var status models.CampaignStatus
	err := tx.QueryRowContext(ctx, "SELECT status FROM campaigns WHERE id = ?", campaignID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != models.CampaignDraft {
		return fmt.Errorf("%w: status is %s", ErrNotDraft, status)
	}
	return nil
}
