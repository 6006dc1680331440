package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
)

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	for _, path := range []string{"/campaigns/a", "/campaigns/b", "/ok"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	}

	var metric dto.Metric
	if err := m.APIRequestsTotal.WithLabelValues("GET", "/campaigns/{id}", "404").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("requests for route pattern = %v, want 2", got)
	}

	metric.Reset()
	if err := m.APIRequestsTotal.WithLabelValues("GET", "/ok", "200").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("implicit 200 requests = %v, want 1", got)
	}

	metric.Reset()
	if err := m.APIErrorsTotal.WithLabelValues("not_found").Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("not_found errors = %v, want 2", got)
	}
}

func TestNormalizePathWithoutRouter(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/campaigns/550e8400-e29b-41d4-a716-446655440000/steps", nil)
	if got, want := normalizePath(req), "/api/v1/campaigns/{id}/steps"; got != want {
		t.Errorf("normalizePath() = %q, want %q", got, want)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{400, "bad_request"},
		{422, "bad_request"},
		{418, "client_error"},
	}
	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
