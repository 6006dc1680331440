package sender

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/outreach/internal/metrics"
)

const (
	bouncePenalty = 5.0
	openReward    = 1.0
)

// Registry mutates sender account health counters. Each operation is a
// single-statement update, so concurrent callers only rely on row atomicity.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger

	// Now returns the current time; replaced in tests
	Now func() time.Time
}

// NewRegistry creates a new health registry
func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logger.With("component", "sender_registry"),
		Now:    time.Now,
	}
}

func (r *Registry) now() time.Time {
	return r.Now().UTC().Truncate(time.Millisecond)
}

func (r *Registry) exec(ctx context.Context, op, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s for sender %s: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.logger.Warn("sender account not found", "op", op, "sender_id", id)
	}
	return nil
}

// ReserveSend claims one unit of the account's effective daily quota.
// It reports false when the account is inactive or already at its limit.
func (r *Registry) ReserveSend(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts SET sends_today = sends_today + 1, total_sent = total_sent + 1, updated_at = ?
		WHERE id = ? AND is_active = 1
			AND sends_today < CASE WHEN warmup_mode = 1 THEN warmup_daily_target ELSE daily_send_limit END`,
		r.now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to reserve send for sender %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseSend returns a reservation whose email was never delivered
func (r *Registry) ReleaseSend(ctx context.Context, id string) error {
	return r.exec(ctx, "release send", id, `
		UPDATE sender_accounts SET sends_today = MAX(0, sends_today - 1), total_sent = MAX(0, total_sent - 1),
			updated_at = ?
		WHERE id = ?`, r.now(), id)
}

// RecordBounce lowers health by 5, never below 0
func (r *Registry) RecordBounce(ctx context.Context, id string) error {
	now := r.now()
	if err := r.exec(ctx, "record bounce", id, `
		UPDATE sender_accounts SET health_score = MAX(0, health_score - ?), total_bounced = total_bounced + 1,
			last_bounce_at = ?, updated_at = ?
		WHERE id = ?`, bouncePenalty, now, now, id); err != nil {
		return err
	}
	metrics.IncSenderBounces()
	return nil
}

// RecordOpen raises health by 1, never above 100
func (r *Registry) RecordOpen(ctx context.Context, id string) error {
	return r.exec(ctx, "record open", id, `
		UPDATE sender_accounts SET health_score = MIN(100, health_score + ?), total_opened = total_opened + 1,
			updated_at = ?
		WHERE id = ?`, openReward, r.now(), id)
}

// ResetDailySendCounts zeroes sends_today on every account that sent today.
// Returns the number of accounts reset.
func (r *Registry) ResetDailySendCounts(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sender_accounts SET sends_today = 0, updated_at = ? WHERE sends_today > 0", r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily send counts: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Info("daily send counts reset", "accounts", n)
	return int(n), nil
}

// RecalculateBounceRates sets bounce_rate_7d to bounced/sent*100 over the
// activity log within window (7 days by default), 0 for accounts with no
// sends in the window. Returns the number of accounts updated.
func (r *Registry) RecalculateBounceRates(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	now := r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sender_accounts SET bounce_rate_7d = COALESCE((
			SELECT CASE WHEN SUM(a.type = 'sent') = 0 THEN 0
				ELSE 100.0 * SUM(a.type = 'bounced') / SUM(a.type = 'sent') END
			FROM campaign_activities a
			WHERE a.sender_account_id = sender_accounts.id AND a.occurred_at >= ?
		), 0), updated_at = ?`, now.Add(-window), now)
	if err != nil {
		return 0, fmt.Errorf("failed to recalculate bounce rates: %w", err)
	}
	n, _ := res.RowsAffected()
	r.logger.Info("bounce rates recalculated", "accounts", n, "window", window)
	return int(n), nil
}
