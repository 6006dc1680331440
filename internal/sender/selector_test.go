package sender

import (
	"context"
	"errors"
	"testing"

	"github.com/foxzi/outreach/internal/models"
)

func account(id string, health float64, sends, limit int) models.SenderAccount {
	return models.SenderAccount{
		ID:             id,
		IsActive:       true,
		IsVerified:     true,
		HealthScore:    health,
		SendsToday:     sends,
		DailySendLimit: limit,
	}
}

func TestScore(t *testing.T) {
	a := account("a", 90, 9, 10)
	b := account("b", 70, 0, 10)

	if got := Score(&a); got < 57.999 || got > 58.001 {
		t.Errorf("Score(a) = %v, want 58", got)
	}
	if got := Score(&b); got < 81.999 || got > 82.001 {
		t.Errorf("Score(b) = %v, want 82", got)
	}
}

func TestPick(t *testing.T) {
	warm := account("warm", 100, 5, 100)
	warm.WarmupMode = true
	warm.WarmupDailyTarget = 5

	inactive := account("inactive", 100, 0, 10)
	inactive.IsActive = false

	unverified := account("unverified", 100, 0, 10)
	unverified.IsVerified = false

	tests := []struct {
		name       string
		candidates []models.SenderAccount
		want       string
		wantErr    error
	}{
		{
			name:       "utilization outweighs health",
			candidates: []models.SenderAccount{account("a", 90, 9, 10), account("b", 70, 0, 10)},
			want:       "b",
		},
		{
			name:       "tie goes to first",
			candidates: []models.SenderAccount{account("first", 80, 1, 10), account("second", 80, 1, 10)},
			want:       "first",
		},
		{
			name:       "exhausted quota skipped",
			candidates: []models.SenderAccount{account("full", 100, 10, 10), account("low", 10, 9, 10)},
			want:       "low",
		},
		{
			name:       "warmup target is the limit",
			candidates: []models.SenderAccount{warm, account("other", 20, 0, 10)},
			want:       "other",
		},
		{
			name:       "inactive and unverified skipped",
			candidates: []models.SenderAccount{inactive, unverified, account("ok", 1, 0, 10)},
			want:       "ok",
		},
		{
			name:       "zero limit never eligible",
			candidates: []models.SenderAccount{account("zero", 100, 0, 0)},
			wantErr:    ErrNoSenderAvailable,
		},
		{
			name:       "no candidates",
			candidates: nil,
			wantErr:    ErrNoSenderAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pick(tt.candidates)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Pick() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Pick() error = %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("Pick() = %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestPickIsDeterministic(t *testing.T) {
	candidates := []models.SenderAccount{
		account("a", 75, 3, 20),
		account("b", 75, 3, 20),
		account("c", 60, 0, 20),
	}
	first, err := Pick(candidates)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		got, err := Pick(candidates)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != first.ID {
			t.Fatalf("run %d picked %s, first run picked %s", i, got.ID, first.ID)
		}
	}
}

type stubSource struct {
	pool  []models.SenderAccount
	owner []models.SenderAccount
}

func (s *stubSource) ListPool(ctx context.Context, campaignID string) ([]models.SenderAccount, error) {
	return s.pool, nil
}

func (s *stubSource) ListByOwner(ctx context.Context, ownerID string) ([]models.SenderAccount, error) {
	return s.owner, nil
}

func TestSelectBestSender(t *testing.T) {
	ctx := context.Background()

	t.Run("pool restricts candidates", func(t *testing.T) {
		src := &stubSource{
			pool:  []models.SenderAccount{account("pooled", 50, 0, 10)},
			owner: []models.SenderAccount{account("pooled", 50, 0, 10), account("better", 100, 0, 10)},
		}
		got, err := NewSelector(src).SelectBestSender(ctx, "owner", "campaign")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "pooled" {
			t.Errorf("got %s, want pooled", got.ID)
		}
	})

	t.Run("exhausted pool does not fall back", func(t *testing.T) {
		src := &stubSource{
			pool:  []models.SenderAccount{account("pooled", 50, 10, 10)},
			owner: []models.SenderAccount{account("other", 100, 0, 10)},
		}
		if _, err := NewSelector(src).SelectBestSender(ctx, "owner", "campaign"); !errors.Is(err, ErrNoSenderAvailable) {
			t.Errorf("error = %v, want ErrNoSenderAvailable", err)
		}
	})

	t.Run("empty pool uses all owner accounts", func(t *testing.T) {
		src := &stubSource{
			owner: []models.SenderAccount{account("a", 90, 9, 10), account("b", 70, 0, 10)},
		}
		got, err := NewSelector(src).SelectBestSender(ctx, "owner", "campaign")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "b" {
			t.Errorf("got %s, want b", got.ID)
		}
	})
}
