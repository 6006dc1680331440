package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/models"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := fmt.Sprintf(`
server:
  hostname: mail.example.com
database:
  path: %s
state:
  path: %s
scheduler:
  enabled: false
logging:
  level: error
  format: text
%s`, filepath.Join(dir, "outreach.db"), filepath.Join(dir, "state", "state.db"), extra)

	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

func TestNewAndTick(t *testing.T) {
	cfg := testConfig(t, `
events:
  enabled: true
rate_limit:
  enabled: true
  default_sender:
    messages_per_day: 100
tracking:
  base_url: https://track.example.com
  secret: s3cret
`)

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Store() == nil || a.Registry() == nil || a.Outbox() == nil {
		t.Fatal("expected store, registry and outbox to be set")
	}
	if a.apiServer == nil {
		t.Error("expected API server to be created by default")
	}
	if a.inboundServer != nil {
		t.Error("inbound server should not be created when disabled")
	}
	if a.limiter == nil {
		t.Error("expected rate limiter when enabled")
	}

	ctx := context.Background()
	result, ran := a.Tick(ctx)
	if !ran {
		t.Fatal("Tick() did not run")
	}
	if result.Processed != 0 || result.Started != 0 || result.Errors != 0 {
		t.Errorf("Tick() on empty store = %+v", result)
	}

	// A second tick reuses the running emitter
	if _, ran := a.Tick(ctx); !ran {
		t.Error("second Tick() did not run")
	}
}

func TestNewMigratesDatabase(t *testing.T) {
	cfg := testConfig(t, "")

	a, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	c := &models.Contact{OwnerID: "owner-1", Email: "ann@example.com"}
	if err := a.Store().Contacts.Create(ctx, c); err != nil {
		t.Fatalf("Contacts.Create() error = %v", err)
	}
	if c.ID == "" {
		t.Error("expected contact ID to be assigned")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, err := New(testConfig(t, ""), "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.Close()
	a.Close()
}

func TestLimiterConfig(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Global:        &config.LimitValues{MessagesPerHour: 10, MessagesPerDay: 100},
		DefaultSender: &config.LimitValues{MessagesPerDay: 50},
		RecipientDomains: map[string]*config.LimitValues{
			"gmail.com": {MessagesPerHour: 5},
		},
	}

	rl := limiterConfig(cfg)
	if rl.Global == nil || rl.Global.MessagesPerHour != 10 || rl.Global.MessagesPerDay != 100 {
		t.Errorf("Global = %+v", rl.Global)
	}
	if rl.DefaultSender == nil || rl.DefaultSender.MessagesPerDay != 50 {
		t.Errorf("DefaultSender = %+v", rl.DefaultSender)
	}
	if rl.DefaultRecipientDomain != nil {
		t.Errorf("DefaultRecipientDomain = %+v, want nil", rl.DefaultRecipientDomain)
	}
	if d := rl.RecipientDomains["gmail.com"]; d == nil || d.MessagesPerHour != 5 {
		t.Errorf("RecipientDomains[gmail.com] = %+v", d)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"error", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger(config.LoggingConfig{Level: tt.level, Format: "text"})
			if got := logger.Enabled(context.Background(), -4); got != tt.debug {
				t.Errorf("debug enabled = %v, want %v", got, tt.debug)
			}
		})
	}
}
