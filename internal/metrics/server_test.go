package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.EmailsSentTotal.Inc()

	tests := []struct {
		name       string
		allowedIPs []string
		remoteAddr string
		path       string
		wantStatus int
	}{
		{"open metrics", nil, "203.0.113.5:5000", "/metrics", http.StatusOK},
		{"allowed client", []string{"10.0.0.0/8"}, "10.1.1.1:5000", "/metrics", http.StatusOK},
		{"denied client", []string{"10.0.0.0/8"}, "203.0.113.5:5000", "/metrics", http.StatusForbidden},
		{"health bypasses filter", []string{"10.0.0.0/8"}, "203.0.113.5:5000", "/health", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, "", "", tt.allowedIPs, logger)
			req := httptest.NewRequest("GET", tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.path == "/metrics" && rec.Code == http.StatusOK &&
				!strings.Contains(rec.Body.String(), "outreach_emails_sent_total") {
				t.Error("metrics body missing outreach_emails_sent_total")
			}
		})
	}
}

func TestServerDefaults(t *testing.T) {
	s := NewServer(New(), "", "", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if s.addr != ":9090" {
		t.Errorf("addr = %q, want :9090", s.addr)
	}
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
	if err := s.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown() before start error = %v", err)
	}
}
