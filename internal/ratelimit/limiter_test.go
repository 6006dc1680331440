package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, db *bolt.DB, cfg *Config) *Limiter {
	t.Helper()

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	limiter, err := NewLimiter(db, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter, err := NewLimiter(setupTestDB(t), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	defer limiter.Stop()

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}
}

func TestAllowLevels(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *Config
		reqs   []*Request
		denied *Request
		level  Level
	}{
		{
			name: "global",
			cfg:  &Config{Global: &LimitConfig{MessagesPerHour: 2}},
			reqs: []*Request{
				{Sender: "a@example.com", Recipient: "x@one.test"},
				{Sender: "b@example.com", Recipient: "y@two.test"},
			},
			denied: &Request{Sender: "c@example.com", Recipient: "z@three.test"},
			level:  LevelGlobal,
		},
		{
			name: "sender",
			cfg:  &Config{DefaultSender: &LimitConfig{MessagesPerHour: 1}},
			reqs: []*Request{
				{Sender: "a@example.com", Recipient: "x@one.test"},
				{Sender: "b@example.com", Recipient: "x@one.test"},
			},
			denied: &Request{Sender: "A@Example.com", Recipient: "y@two.test"},
			level:  LevelSender,
		},
		{
			name: "recipient domain default",
			cfg:  &Config{DefaultRecipientDomain: &LimitConfig{MessagesPerDay: 2}},
			reqs: []*Request{
				{Sender: "a@example.com", Recipient: "x@gmail.com"},
				{Sender: "b@example.com", Recipient: "y@gmail.com"},
				{Sender: "a@example.com", Recipient: "x@yahoo.com"},
			},
			denied: &Request{Sender: "c@example.com", Recipient: "Z@GMAIL.com"},
			level:  LevelRecipientDomain,
		},
		{
			name: "recipient domain override",
			cfg: &Config{
				DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 100},
				RecipientDomains:       map[string]*LimitConfig{"mail.ru": {MessagesPerHour: 1}},
			},
			reqs: []*Request{
				{Sender: "a@example.com", Recipient: "x@mail.ru"},
				{Sender: "a@example.com", Recipient: "x@gmail.com"},
			},
			denied: &Request{Sender: "a@example.com", Recipient: "y@mail.ru"},
			level:  LevelRecipientDomain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := newTestLimiter(t, setupTestDB(t), tt.cfg)
			ctx := context.Background()

			for i, req := range tt.reqs {
				result, err := limiter.Allow(ctx, req)
				if err != nil {
					t.Fatalf("Allow failed: %v", err)
				}
				if !result.Allowed {
					t.Fatalf("request %d should be allowed, denied by %s", i+1, result.DeniedBy)
				}
			}

			result, err := limiter.Allow(ctx, tt.denied)
			if err != nil {
				t.Fatalf("Allow failed: %v", err)
			}
			if result.Allowed {
				t.Fatal("request should be denied")
			}
			if result.DeniedBy != tt.level {
				t.Errorf("DeniedBy = %s, want %s", result.DeniedBy, tt.level)
			}
			if result.RetryAfter <= 0 {
				t.Errorf("RetryAfter = %v, want positive", result.RetryAfter)
			}
		})
	}
}

func TestDeniedRequestIsNotCounted(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 10},
		DefaultSender: &LimitConfig{MessagesPerHour: 1},
	})
	ctx := context.Background()

	req := &Request{Sender: "a@example.com", Recipient: "x@one.test"}
	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)

	stats, _ := limiter.GetStats(ctx, LevelGlobal, "global")
	if stats.HourlyCount != 1 {
		t.Errorf("global HourlyCount = %d, want 1", stats.HourlyCount)
	}
}

func TestWindowsReset(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		DefaultSender: &LimitConfig{MessagesPerHour: 1, MessagesPerDay: 2},
	})
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	limiter.Now = func() time.Time { return now }

	ctx := context.Background()
	req := &Request{Sender: "a@example.com"}

	allow := func() bool {
		t.Helper()
		result, err := limiter.Allow(ctx, req)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		return result.Allowed
	}

	if !allow() {
		t.Fatal("first send should be allowed")
	}
	if allow() {
		t.Fatal("hourly limit should deny the second send")
	}

	now = now.Add(time.Hour)
	if !allow() {
		t.Fatal("hourly window should have reset")
	}

	now = now.Add(time.Hour)
	result, _ := limiter.Allow(ctx, req)
	if result.Allowed {
		t.Fatal("daily limit should deny the third send")
	}
	if want := 22 * time.Hour; result.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", result.RetryAfter, want)
	}

	now = now.Add(22 * time.Hour)
	if !allow() {
		t.Error("daily window should have reset")
	}
}

func TestCheckDoesNotCount(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{Global: &LimitConfig{MessagesPerHour: 1}})
	ctx := context.Background()
	req := &Request{Sender: "a@example.com"}

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, req)
		if err != nil || !result.Allowed {
			t.Fatalf("Check %d = %+v, %v", i, result, err)
		}
	}

	limiter.Allow(ctx, req)
	result, _ := limiter.Check(ctx, req)
	if result.Allowed {
		t.Error("Check should report the exhausted limit")
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global:        &LimitConfig{MessagesPerHour: 1},
		DefaultSender: &LimitConfig{MessagesPerDay: 1},
	})
	ctx := context.Background()
	req := &Request{Sender: "a@example.com", Recipient: "b@example.org"}

	if result, _ := limiter.Allow(ctx, req); !result.Allowed {
		t.Fatal("first send should be allowed")
	}
	if result, _ := limiter.Allow(ctx, req); result.Allowed {
		t.Fatal("second send should be denied")
	}

	if err := limiter.Release(ctx, req); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// Releasing more than was counted never goes negative
	if err := limiter.Release(ctx, req); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	stats, _ := limiter.GetStats(ctx, LevelSender, "a@example.com")
	if stats.DailyCount != 0 {
		t.Errorf("sender daily count = %d, want 0", stats.DailyCount)
	}

	if result, _ := limiter.Allow(ctx, req); !result.Allowed {
		t.Errorf("send after release should be allowed, denied by %s", result.DeniedBy)
	}
}

func TestGetStatsNonExistent(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{})

	stats, err := limiter.GetStats(context.Background(), LevelSender, "nobody@example.com")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("expected zero counts, got %+v", stats)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{Global: &LimitConfig{MessagesPerHour: 10}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter, err := NewLimiter(db, cfg, logger)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, &Request{Recipient: "x@one.test"})
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := limiter.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	limiter2 := newTestLimiter(t, db, cfg)
	stats, err := limiter2.GetStats(ctx, LevelGlobal, "global")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.HourlyCount != 5 {
		t.Errorf("expected persisted HourlyCount=5, got %d", stats.HourlyCount)
	}
}

func TestZeroLimits(t *testing.T) {
	limiter := newTestLimiter(t, setupTestDB(t), &Config{
		Global: &LimitConfig{MessagesPerHour: 0, MessagesPerDay: 0},
	})
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		result, _ := limiter.Allow(ctx, &Request{Sender: "a@example.com"})
		if !result.Allowed {
			t.Fatalf("request %d should be allowed with zero limits", i+1)
		}
	}
}

func TestMakeKey(t *testing.T) {
	tests := []struct {
		level    Level
		key      string
		expected string
	}{
		{LevelGlobal, "global", "global:global"},
		{LevelSender, "user@example.com", "sender:user@example.com"},
		{LevelRecipientDomain, "gmail.com", "recipient_domain:gmail.com"},
	}

	for _, tc := range tests {
		if result := makeKey(tc.level, tc.key); result != tc.expected {
			t.Errorf("makeKey(%s, %s) = %s, expected %s", tc.level, tc.key, result, tc.expected)
		}
	}
}
