package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/models"
	"github.com/google/uuid"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// contactColumns lists contact columns qualified with table alias p
func contactColumns(p string) string {
	return fmt.Sprintf(`%[1]sid, %[1]sowner_id, %[1]semail, COALESCE(%[1]sfirst_name, ''), COALESCE(%[1]slast_name, ''),
	COALESCE(%[1]scompany, ''), COALESCE(%[1]stitle, ''), COALESCE(%[1]scustom_fields, ''),
	%[1]sis_bounced, %[1]sis_unsubscribed, %[1]sdcs_score, %[1]screated_at, %[1]supdated_at`, p)
}

func scanContact(row rowScanner) (*models.Contact, error) {
	c := &models.Contact{}
	var custom string
	var dcs sql.NullFloat64
	err := row.Scan(&c.ID, &c.OwnerID, &c.Email, &c.FirstName, &c.LastName, &c.Company,
		&c.Title, &custom, &c.IsBounced, &c.IsUnsubscribed, &dcs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if custom != "" {
		if err := json.Unmarshal([]byte(custom), &c.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields of contact %s: %w", c.ID, err)
		}
	}
	if dcs.Valid {
		c.DCSScore = &dcs.Float64
	}
	return c, nil
}

func encodeCustomFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Create creates a new contact
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	custom, err := encodeCustomFields(c.CustomFields)
	if err != nil {
		return fmt.Errorf("failed to encode custom fields: %w", err)
	}

	c.ID = uuid.New().String()
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.CreatedAt = ts(time.Now())
	c.UpdatedAt = c.CreatedAt

	var dcs any
	if c.DCSScore != nil {
		dcs = *c.DCSScore
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, owner_id, email, first_name, last_name, company, title, custom_fields,
			is_bounced, is_unsubscribed, dcs_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Email, c.FirstName, c.LastName, c.Company, c.Title, custom,
		c.IsBounced, c.IsUnsubscribed, dcs, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		"SELECT "+contactColumns("")+" FROM contacts WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByEmail returns the owner's contact with the given address
func (r *ContactRepository) GetByEmail(ctx context.Context, ownerID, email string) (*models.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx,
		"SELECT "+contactColumns("")+" FROM contacts WHERE owner_id = ? AND email = ?",
		ownerID, strings.ToLower(strings.TrimSpace(email))))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MarkBounced flags the contact as undeliverable across all campaigns
func (r *ContactRepository) MarkBounced(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE contacts SET is_bounced = 1, updated_at = ? WHERE id = ?", ts(time.Now()), id)
	return err
}

// MarkUnsubscribed flags the contact as opted out across all campaigns
func (r *ContactRepository) MarkUnsubscribed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE contacts SET is_unsubscribed = 1, updated_at = ? WHERE id = ?", ts(time.Now()), id)
	return err
}

// Delete deletes a contact; its campaign journeys cascade
func (r *ContactRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	return err
}
