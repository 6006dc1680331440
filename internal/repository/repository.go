package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by mutations addressing a missing row
	ErrNotFound = errors.New("not found")
	// ErrNotDraft is returned when steps are edited outside the draft state
	ErrNotDraft = errors.New("campaign is not in draft")
	// ErrInvalidTransition is returned for a lifecycle change the current status forbids
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	// ErrNoSteps is returned when launching a campaign without steps
	ErrNoSteps = errors.New("campaign has no steps")
	// ErrNoContacts is returned when launching a campaign without contacts
	ErrNoContacts = errors.New("campaign has no contacts")
)

// Store groups the repositories sharing one database handle
type Store struct {
	DB               *sql.DB
	Campaigns        *CampaignRepository
	Contacts         *ContactRepository
	CampaignContacts *CampaignContactRepository
	Activities       *ActivityRepository
	Senders          *SenderRepository
}

// NewStore creates all repositories over db
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:               db,
		Campaigns:        NewCampaignRepository(db),
		Contacts:         NewContactRepository(db),
		CampaignContacts: NewCampaignContactRepository(db),
		Activities:       NewActivityRepository(db),
		Senders:          NewSenderRepository(db),
	}
}

// withTx runs fn in a transaction, committing on nil error
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ts normalizes times to UTC milliseconds so stored values compare lexically
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func duration(sec int64) time.Duration {
	return time.Duration(sec) * time.Second
}
