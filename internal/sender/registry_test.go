package sender

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
)

func setupRegistry(t *testing.T) (*Registry, *repository.Store) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(database.DB, logger), repository.NewStore(database.DB)
}

func createAccount(t *testing.T, s *repository.Store, health float64) *models.SenderAccount {
	t.Helper()
	a := &models.SenderAccount{
		OwnerID:        "owner-1",
		Email:          "sales@example.com",
		IsActive:       true,
		IsVerified:     true,
		HealthScore:    health,
		DailySendLimit: 50,
	}
	if err := s.Senders.Create(context.Background(), a); err != nil {
		t.Fatalf("Create sender: %v", err)
	}
	return a
}

func reload(t *testing.T, s *repository.Store, id string) *models.SenderAccount {
	t.Helper()
	a, err := s.Senders.GetByID(context.Background(), id)
	if err != nil || a == nil {
		t.Fatalf("GetByID(%s) = %v, %v", id, a, err)
	}
	return a
}

func TestHealthIsClamped(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	low := createAccount(t, store, 3)
	if err := reg.RecordBounce(ctx, low.ID); err != nil {
		t.Fatal(err)
	}
	got := reload(t, store, low.ID)
	if got.HealthScore != 0 {
		t.Errorf("health after bounce = %v, want 0", got.HealthScore)
	}
	if got.TotalBounced != 1 || got.LastBounceAt == nil {
		t.Errorf("bounce counters not updated: %+v", got)
	}

	high := createAccount(t, store, 99.5)
	for i := 0; i < 3; i++ {
		if err := reg.RecordOpen(ctx, high.ID); err != nil {
			t.Fatal(err)
		}
	}
	got = reload(t, store, high.ID)
	if got.HealthScore != 100 {
		t.Errorf("health after opens = %v, want 100", got.HealthScore)
	}
	if got.TotalOpened != 3 {
		t.Errorf("total opened = %d, want 3", got.TotalOpened)
	}
}

func TestReserveSendAndDailyReset(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	busy := createAccount(t, store, 100)
	idle := createAccount(t, store, 100)

	for i := 0; i < 4; i++ {
		if ok, err := reg.ReserveSend(ctx, busy.ID); err != nil || !ok {
			t.Fatalf("ReserveSend() = %v, %v", ok, err)
		}
	}
	got := reload(t, store, busy.ID)
	if got.SendsToday != 4 || got.TotalSent != 4 {
		t.Fatalf("sends_today=%d total_sent=%d, want 4/4", got.SendsToday, got.TotalSent)
	}

	n, err := reg.ResetDailySendCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d accounts, want 1", n)
	}
	got = reload(t, store, busy.ID)
	if got.SendsToday != 0 || got.TotalSent != 4 {
		t.Errorf("after reset sends_today=%d total_sent=%d, want 0/4", got.SendsToday, got.TotalSent)
	}
	if reload(t, store, idle.ID).SendsToday != 0 {
		t.Error("idle account changed")
	}
}

func TestReserveSendHonorsEffectiveLimit(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *models.SenderAccount)
		want   int
	}{
		{"daily limit", func(a *models.SenderAccount) { a.DailySendLimit = 2 }, 2},
		{"warmup target", func(a *models.SenderAccount) {
			a.DailySendLimit = 10
			a.WarmupMode = true
			a.WarmupDailyTarget = 1
		}, 1},
		{"zero limit", func(a *models.SenderAccount) { a.DailySendLimit = 0 }, 0},
		{"inactive", func(a *models.SenderAccount) { a.IsActive = false }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg, store := setupRegistry(t)

			a := &models.SenderAccount{
				OwnerID:        "owner-1",
				Email:          "sales@example.com",
				IsActive:       true,
				IsVerified:     true,
				HealthScore:    100,
				DailySendLimit: 50,
			}
			tt.mutate(a)
			if err := store.Senders.Create(ctx, a); err != nil {
				t.Fatalf("Create sender: %v", err)
			}

			reserved := 0
			for i := 0; i < 4; i++ {
				ok, err := reg.ReserveSend(ctx, a.ID)
				if err != nil {
					t.Fatal(err)
				}
				if ok {
					reserved++
				}
			}
			if reserved != tt.want {
				t.Errorf("reserved %d sends, want %d", reserved, tt.want)
			}
			if got := reload(t, store, a.ID).SendsToday; got != tt.want {
				t.Errorf("sends_today = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReserveSendIsAtomicAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	a := &models.SenderAccount{
		OwnerID:        "owner-1",
		Email:          "sales@example.com",
		IsActive:       true,
		IsVerified:     true,
		HealthScore:    100,
		DailySendLimit: 3,
	}
	if err := store.Senders.Create(ctx, a); err != nil {
		t.Fatalf("Create sender: %v", err)
	}

	var (
		wg       sync.WaitGroup
		reserved atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.ReserveSend(ctx, a.ID)
			if err != nil {
				t.Errorf("ReserveSend() error = %v", err)
				return
			}
			if ok {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := reserved.Load(); got != 3 {
		t.Errorf("reserved %d sends, want 3", got)
	}
	if got := reload(t, store, a.ID).SendsToday; got != 3 {
		t.Errorf("sends_today = %d, want 3", got)
	}
}

func TestReleaseSendReturnsQuota(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	a := createAccount(t, store, 100)
	if ok, err := reg.ReserveSend(ctx, a.ID); err != nil || !ok {
		t.Fatalf("ReserveSend() = %v, %v", ok, err)
	}
	for i := 0; i < 2; i++ {
		if err := reg.ReleaseSend(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
	}
	got := reload(t, store, a.ID)
	if got.SendsToday != 0 || got.TotalSent != 0 {
		t.Errorf("sends_today=%d total_sent=%d, want 0/0", got.SendsToday, got.TotalSent)
	}
}

func TestRecordOnMissingAccountIsNotAnError(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()
	if ok, err := reg.ReserveSend(ctx, "missing"); err != nil || ok {
		t.Errorf("ReserveSend(missing) = %v, %v, want false, nil", ok, err)
	}
	if err := reg.ReleaseSend(ctx, "missing"); err != nil {
		t.Errorf("ReleaseSend(missing) error = %v", err)
	}
}

// Bounce rate covers only activities inside the window, not lifetime totals
func TestRecalculateBounceRatesIsWindowed(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	reg.Now = func() time.Time { return now }

	acct := createAccount(t, store, 100)
	quiet := createAccount(t, store, 100)

	campaign := &models.Campaign{OwnerID: "owner-1", Name: "bounce window"}
	if err := store.Campaigns.Create(ctx, campaign); err != nil {
		t.Fatal(err)
	}
	contact := &models.Contact{OwnerID: "owner-1", Email: "lead@example.org"}
	if err := store.Contacts.Create(ctx, contact); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CampaignContacts.Enroll(ctx, campaign.ID, []string{contact.ID}, models.ContactPending, nil); err != nil {
		t.Fatal(err)
	}
	ccs, err := store.CampaignContacts.ListByCampaign(ctx, campaign.ID)
	if err != nil || len(ccs) != 1 {
		t.Fatalf("ListByCampaign = %v, %v", ccs, err)
	}

	record := func(typ models.ActivityType, at time.Time) {
		t.Helper()
		_, err := store.Activities.Append(ctx, &models.Activity{
			CampaignID:        campaign.ID,
			CampaignContactID: ccs[0].ID,
			SenderAccountID:   acct.ID,
			Type:              typ,
			OccurredAt:        at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Old traffic: 2 sent, 2 bounced
	old := now.Add(-10 * 24 * time.Hour)
	record(models.ActivitySent, old)
	record(models.ActivitySent, old)
	record(models.ActivityBounced, old)
	record(models.ActivityBounced, old)

	// Recent traffic: 4 sent, 1 bounced
	recent := now.Add(-24 * time.Hour)
	for i := 0; i < 4; i++ {
		record(models.ActivitySent, recent)
	}
	record(models.ActivityBounced, recent)

	if _, err := reg.RecalculateBounceRates(ctx, 0); err != nil {
		t.Fatal(err)
	}

	if got := reload(t, store, acct.ID).BounceRate7d; got != 25 {
		t.Errorf("bounce rate = %v, want 25", got)
	}
	if got := reload(t, store, quiet.ID).BounceRate7d; got != 0 {
		t.Errorf("bounce rate without sends = %v, want 0", got)
	}
}
