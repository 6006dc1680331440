package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

// ErrInvalidCursor is returned for an update that would break the cursor invariants
var ErrInvalidCursor = errors.New("invalid campaign contact state")

type CampaignContactRepository struct {
	db *sql.DB
}

func NewCampaignContactRepository(db *sql.DB) *CampaignContactRepository {
	return &CampaignContactRepository{db: db}
}

// Cursor is the position a conditional update expects to find the contact at
type Cursor struct {
	StepOrder int
	Waiting   string // event name, "" when not waiting
}

// Update is the state a conditional update writes
type Update struct {
	Status        models.ContactStatus
	StepOrder     int
	NextSendAt    *time.Time
	Waiting       *string
	WaitExpiresAt *time.Time
	RetryCount    int
	LastSenderID  string // "" keeps the stored value
	CompletedAt   *time.Time
	ErrorMessage  string
}

// Validate checks the cursor invariants: a webhook wait only while active,
// a due time exactly when active and not waiting, neither once terminal
func (u *Update) Validate() error {
	switch {
	case u.Waiting != nil && u.Status != models.ContactActive:
		return fmt.Errorf("%w: waiting for webhook while %s", ErrInvalidCursor, u.Status)
	case u.Waiting != nil && u.NextSendAt != nil:
		return fmt.Errorf("%w: scheduled while waiting for webhook", ErrInvalidCursor)
	case u.Status == models.ContactActive && u.Waiting == nil && u.NextSendAt == nil:
		return fmt.Errorf("%w: active without next_send_at", ErrInvalidCursor)
	case u.Status != models.ContactActive && u.NextSendAt != nil:
		return fmt.Errorf("%w: next_send_at set while %s", ErrInvalidCursor, u.Status)
	case u.StepOrder < 0:
		return fmt.Errorf("%w: negative step order", ErrInvalidCursor)
	}
	return nil
}

func ccColumns(p string) string {
	return fmt.Sprintf(`%[1]sid, %[1]scampaign_id, %[1]scontact_id, %[1]sstatus, %[1]scurrent_step_order,
	%[1]snext_send_at, %[1]swaiting_for_webhook, %[1]swait_expires_at, %[1]sretry_count,
	COALESCE(%[1]slast_sender_id, ''), %[1]scompleted_at, COALESCE(%[1]serror_message, ''),
	%[1]screated_at, %[1]supdated_at`, p)
}

func ccDest(cc *models.CampaignContact, nextSendAt, waitExpiresAt, completedAt *sql.NullTime, waiting *sql.NullString) []any {
	return []any{&cc.ID, &cc.CampaignID, &cc.ContactID, &cc.Status, &cc.CurrentStepOrder,
		nextSendAt, waiting, waitExpiresAt, &cc.RetryCount,
		&cc.LastSenderID, completedAt, &cc.ErrorMessage,
		&cc.CreatedAt, &cc.UpdatedAt}
}

func scanCampaignContact(row rowScanner) (*models.CampaignContact, error) {
	cc := &models.CampaignContact{}
	var nextSendAt, waitExpiresAt, completedAt sql.NullTime
	var waiting sql.NullString
	if err := row.Scan(ccDest(cc, &nextSendAt, &waitExpiresAt, &completedAt, &waiting)...); err != nil {
		return nil, err
	}
	cc.NextSendAt = timePtr(nextSendAt)
	cc.WaitExpiresAt = timePtr(waitExpiresAt)
	cc.CompletedAt = timePtr(completedAt)
	cc.WaitingForWebhook = stringPtr(waiting)
	return cc, nil
}

// Enroll adds contacts to a campaign with the given initial state. Contacts
// already enrolled, unknown, owned by someone else, bounced or unsubscribed
// are skipped. Returns the number of new campaign contacts.
func (r *CampaignContactRepository) Enroll(ctx context.Context, campaignID string, contactIDs []string, status models.ContactStatus, nextSendAt *time.Time) (int, error) {
	now := ts(time.Now())
	added := 0
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, contactID := range contactIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO campaign_contacts (id, campaign_id, contact_id, status, current_step_order,
					next_send_at, created_at, updated_at)
				SELECT ?, c.id, ct.id, ?, 0, ?, ?, ?
				FROM campaigns c JOIN contacts ct ON ct.owner_id = c.owner_id
				WHERE c.id = ? AND ct.id = ? AND ct.is_bounced = 0 AND ct.is_unsubscribed = 0`,
				uuid.New().String(), status, nullTime(nextSendAt), now, now, campaignID, contactID)
			if err != nil {
				return fmt.Errorf("failed to enroll contact %s: %w", contactID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// GetByID returns a campaign contact by ID
func (r *CampaignContactRepository) GetByID(ctx context.Context, id string) (*models.CampaignContact, error) {
	cc, err := scanCampaignContact(r.db.QueryRowContext(ctx,
		"SELECT "+ccColumns("")+" FROM campaign_contacts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cc, nil
}

// Exists reports whether a campaign contact with the ID exists
func (r *CampaignContactRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM campaign_contacts WHERE id = ?)", id).Scan(&exists)
	return exists, err
}

// GetView builds the read-time projection of a campaign contact: cursor,
// contact, campaign owner and flags derived from the activity log
func (r *CampaignContactRepository) GetView(ctx context.Context, id string) (*models.ContactView, error) {
	v := &models.ContactView{}
	var nextSendAt, waitExpiresAt, completedAt sql.NullTime
	var waiting, custom sql.NullString
	var dcs sql.NullFloat64

	dest := ccDest(&v.CampaignContact, &nextSendAt, &waitExpiresAt, &completedAt, &waiting)
	dest = append(dest, &v.OwnerID,
		&v.Contact.ID, &v.Contact.OwnerID, &v.Contact.Email, &v.Contact.FirstName, &v.Contact.LastName,
		&v.Contact.Company, &v.Contact.Title, &custom, &v.Contact.IsBounced, &v.Contact.IsUnsubscribed,
		&dcs, &v.Contact.CreatedAt, &v.Contact.UpdatedAt,
		&v.EmailsSent, &v.HasOpened, &v.HasClicked, &v.HasReplied)

	err := r.db.QueryRowContext(ctx, `
		SELECT `+ccColumns("cc.")+`, c.owner_id, `+contactColumns("ct.")+`,
			(SELECT COUNT(*) FROM campaign_activities a WHERE a.campaign_contact_id = cc.id AND a.type = 'sent'),
			EXISTS (SELECT 1 FROM campaign_activities a WHERE a.campaign_contact_id = cc.id AND a.type = 'opened'),
			EXISTS (SELECT 1 FROM campaign_activities a WHERE a.campaign_contact_id = cc.id AND a.type = 'clicked'),
			EXISTS (SELECT 1 FROM campaign_activities a WHERE a.campaign_contact_id = cc.id AND a.type = 'replied')
		FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		JOIN contacts ct ON ct.id = cc.contact_id
		WHERE cc.id = ?`, id).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	v.NextSendAt = timePtr(nextSendAt)
	v.WaitExpiresAt = timePtr(waitExpiresAt)
	v.CompletedAt = timePtr(completedAt)
	v.WaitingForWebhook = stringPtr(waiting)
	if custom.String != "" {
		if err := json.Unmarshal([]byte(custom.String), &v.Contact.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields of contact %s: %w", v.Contact.ID, err)
		}
	}
	if dcs.Valid {
		v.Contact.DCSScore = &dcs.Float64
	}
	return v, nil
}

// ListDue returns IDs of active, non-waiting contacts whose next_send_at has
// passed and whose campaign is running
func (r *CampaignContactRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT cc.id FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE cc.status = ? AND cc.waiting_for_webhook IS NULL
		AND cc.next_send_at IS NOT NULL AND cc.next_send_at <= ?
		AND c.status = ?
		ORDER BY cc.next_send_at
		LIMIT ?`,
		models.ContactActive, ts(now), models.CampaignRunning, limit)
}

// CountBacklog returns the number of due contacts and expired webhook waits
// in running campaigns
func (r *CampaignContactRepository) CountBacklog(ctx context.Context, now time.Time) (due, expired int, err error) {
	now = ts(now)
	err = r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(cc.waiting_for_webhook IS NULL AND cc.next_send_at IS NOT NULL AND cc.next_send_at <= ?), 0),
			COALESCE(SUM(cc.waiting_for_webhook IS NOT NULL AND cc.wait_expires_at IS NOT NULL AND cc.wait_expires_at <= ?), 0)
		FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE cc.status = ? AND c.status = ?`,
		now, now, models.ContactActive, models.CampaignRunning).Scan(&due, &expired)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	return due, expired, nil
}

// ListExpiredWaits returns IDs of contacts waiting for a webhook whose wait
// deadline has passed and whose campaign is running
func (r *CampaignContactRepository) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT cc.id FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE cc.status = ? AND cc.waiting_for_webhook IS NOT NULL
		AND cc.wait_expires_at IS NOT NULL AND cc.wait_expires_at <= ?
		AND c.status = ?
		ORDER BY cc.wait_expires_at
		LIMIT ?`,
		models.ContactActive, ts(now), models.CampaignRunning, limit)
}

// ListWaiting returns IDs of a contact's campaign journeys waiting for event
func (r *CampaignContactRepository) ListWaiting(ctx context.Context, contactID, event string) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT id FROM campaign_contacts
		WHERE contact_id = ? AND status = ? AND waiting_for_webhook = ?`,
		contactID, models.ContactActive, event)
}

// ListOpenByContact returns non-terminal journeys of a contact across campaigns
func (r *CampaignContactRepository) ListOpenByContact(ctx context.Context, contactID string) ([]string, error) {
	return r.listIDs(ctx, `
		SELECT id FROM campaign_contacts
		WHERE contact_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC`,
		contactID, models.ContactPending, models.ContactActive)
}

// LatestOpenByEmail returns the most recently updated open journey of any
// contact with the address, or "" if there is none
func (r *CampaignContactRepository) LatestOpenByEmail(ctx context.Context, address string) (string, error) {
	ids, err := r.listIDs(ctx, `
		SELECT cc.id FROM campaign_contacts cc
		JOIN contacts ct ON ct.id = cc.contact_id
		WHERE ct.email = ? AND cc.status IN (?, ?)
		ORDER BY cc.updated_at DESC, cc.id
		LIMIT 1`,
		strings.ToLower(strings.TrimSpace(address)), models.ContactPending, models.ContactActive)
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

func (r *CampaignContactRepository) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByCampaign returns all journeys of a campaign
func (r *CampaignContactRepository) ListByCampaign(ctx context.Context, campaignID string) ([]models.CampaignContact, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ccColumns("")+" FROM campaign_contacts WHERE campaign_id = ? ORDER BY created_at, id", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.CampaignContact
	for rows.Next() {
		cc, err := scanCampaignContact(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *cc)
	}
	return list, rows.Err()
}

// Advance writes to only if the contact is still active at cursor from.
// Returns false when another caller moved the cursor first.
func (r *CampaignContactRepository) Advance(ctx context.Context, id string, from Cursor, to Update) (bool, error) {
	if err := to.Validate(); err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET
			status = ?, current_step_order = ?, next_send_at = ?, waiting_for_webhook = ?, wait_expires_at = ?,
			retry_count = ?, last_sender_id = COALESCE(NULLIF(?, ''), last_sender_id),
			completed_at = ?, error_message = NULLIF(?, ''), updated_at = ?
		WHERE id = ? AND status = ? AND current_step_order = ? AND COALESCE(waiting_for_webhook, '') = ?`,
		to.Status, to.StepOrder, nullTime(to.NextSendAt), nullString(to.Waiting), nullTime(to.WaitExpiresAt),
		to.RetryCount, to.LastSenderID,
		nullTime(to.CompletedAt), to.ErrorMessage, ts(time.Now()),
		id, models.ContactActive, from.StepOrder, from.Waiting,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ForceTerminal moves a pending or active contact to a terminal status from
// any step. Returns false if the contact was already terminal.
func (r *CampaignContactRepository) ForceTerminal(ctx context.Context, id string, status models.ContactStatus, reason string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidCursor, status)
	}
	now = ts(now)
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET
			status = ?, next_send_at = NULL, waiting_for_webhook = NULL, wait_expires_at = NULL,
			completed_at = ?, error_message = NULLIF(?, ''), updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		status, now, reason, now, id, models.ContactPending, models.ContactActive)
	if err != nil {
		return false, fmt.Errorf("failed to terminate campaign contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
