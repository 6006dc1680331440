package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

// SenderRepository stores sender accounts. Health counters are mutated
// through sender.Registry.
type SenderRepository struct {
	db *sql.DB
}

func NewSenderRepository(db *sql.DB) *SenderRepository {
	return &SenderRepository{db: db}
}

func senderColumns(p string) string {
	return fmt.Sprintf(`%[1]sid, %[1]sowner_id, %[1]semail, COALESCE(%[1]sname, ''), %[1]sis_active, %[1]sis_verified,
	%[1]shealth_score, %[1]ssends_today, %[1]sdaily_send_limit, %[1]swarmup_mode, %[1]swarmup_daily_target,
	%[1]sbounce_rate_7d, %[1]stotal_sent, %[1]stotal_bounced, %[1]stotal_opened, %[1]slast_bounce_at,
	COALESCE(%[1]ssmtp_host, ''), %[1]ssmtp_port, COALESCE(%[1]ssmtp_username, ''), COALESCE(%[1]ssmtp_password, ''),
	%[1]ssmtp_security, COALESCE(%[1]sdkim_selector, ''), COALESCE(%[1]sdkim_key_file, ''),
	%[1]screated_at, %[1]supdated_at`, p)
}

func scanSender(row rowScanner) (*models.SenderAccount, error) {
	a := &models.SenderAccount{}
	var lastBounce sql.NullTime
	err := row.Scan(&a.ID, &a.OwnerID, &a.Email, &a.Name, &a.IsActive, &a.IsVerified,
		&a.HealthScore, &a.SendsToday, &a.DailySendLimit, &a.WarmupMode, &a.WarmupDailyTarget,
		&a.BounceRate7d, &a.TotalSent, &a.TotalBounced, &a.TotalOpened, &lastBounce,
		&a.SMTPHost, &a.SMTPPort, &a.SMTPUsername, &a.SMTPPassword,
		&a.SMTPSecurity, &a.DKIMSelector, &a.DKIMKeyFile,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastBounceAt = timePtr(lastBounce)
	return a, nil
}

func scanSenders(rows *sql.Rows) ([]models.SenderAccount, error) {
	defer rows.Close()
	var accounts []models.SenderAccount
	for rows.Next() {
		a, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Create creates a sender account. The health score is stored as given;
// the table rejects values outside 0..100.
func (r *SenderRepository) Create(ctx context.Context, a *models.SenderAccount) error {
	a.ID = uuid.New().String()
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.SMTPPort == 0 {
		a.SMTPPort = 587
	}
	if a.SMTPSecurity == "" {
		a.SMTPSecurity = "starttls"
	}
	a.CreatedAt = ts(time.Now())
	a.UpdatedAt = a.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sender_accounts (id, owner_id, email, name, is_active, is_verified,
			health_score, sends_today, daily_send_limit, warmup_mode, warmup_daily_target,
			smtp_host, smtp_port, smtp_username, smtp_password, smtp_security, dkim_selector, dkim_key_file,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Email, a.Name, a.IsActive, a.IsVerified,
		a.HealthScore, a.SendsToday, a.DailySendLimit, a.WarmupMode, a.WarmupDailyTarget,
		a.SMTPHost, a.SMTPPort, a.SMTPUsername, a.SMTPPassword, a.SMTPSecurity, a.DKIMSelector, a.DKIMKeyFile,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sender account: %w", err)
	}
	return nil
}

// GetByID returns a sender account by ID
func (r *SenderRepository) GetByID(ctx context.Context, id string) (*models.SenderAccount, error) {
	a, err := scanSender(r.db.QueryRowContext(ctx,
		"SELECT "+senderColumns("")+" FROM sender_accounts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByOwner returns the owner's accounts in creation order
func (r *SenderRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.SenderAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+senderColumns("")+" FROM sender_accounts WHERE owner_id = ? ORDER BY created_at, id", ownerID)
	if err != nil {
		return nil, err
	}
	return scanSenders(rows)
}

// ListPool returns the accounts pooled for a campaign ordered by priority.
// Accounts of other owners are never returned.
func (r *SenderRepository) ListPool(ctx context.Context, campaignID string) ([]models.SenderAccount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+senderColumns("s.")+`
		FROM campaign_sender_pools p
		JOIN sender_accounts s ON s.id = p.sender_account_id
		JOIN campaigns c ON c.id = p.campaign_id AND c.owner_id = s.owner_id
		WHERE p.campaign_id = ?
		ORDER BY p.priority, s.created_at, s.id`, campaignID)
	if err != nil {
		return nil, err
	}
	return scanSenders(rows)
}

// SetStatus toggles the active and verified flags
func (r *SenderRepository) SetStatus(ctx context.Context, id string, active, verified bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sender_accounts SET is_active = ?, is_verified = ?, updated_at = ? WHERE id = ?",
		active, verified, ts(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete deletes a sender account; pool entries referencing it cascade
func (r *SenderRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sender_accounts WHERE id = ?", id)
	return err
}
