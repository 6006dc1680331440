package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookDeliver(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	status := http.StatusOK

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	w := NewWebhookDeliverer(srv.URL, "s3cret", "", nil, srv.Client())
	ev := newEvent("e1", ReplyReceived)

	if err := w.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if gotHeader.Get(HeaderEvent) != ReplyReceived || gotHeader.Get(HeaderDelivery) != "e1" {
		t.Errorf("headers = %v", gotHeader)
	}
	if !VerifySignature("s3cret", gotBody, gotHeader.Get(HeaderSignature)) {
		t.Error("signature does not verify")
	}

	var body struct {
		ID      string          `json:"id"`
		Event   string          `json:"event"`
		OwnerID string          `json:"owner_id"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatal(err)
	}
	if body.Event != ReplyReceived || body.OwnerID != "owner-1" || string(body.Data) != `{"campaign_id":"c-1"}` {
		t.Errorf("body = %s", gotBody)
	}

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusGone, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		status = tt.status
		err := w.Deliver(context.Background(), ev)
		if err == nil {
			t.Fatalf("status %d should fail", tt.status)
		}
		var perr *PermanentError
		if errors.As(err, &perr) != tt.permanent {
			t.Errorf("status %d permanent = %v, want %v", tt.status, !tt.permanent, tt.permanent)
		}
	}
}

func TestWebhookSubscriptionFilter(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	w := NewWebhookDeliverer(srv.URL, "", "owner-2", []string{EmailBounced}, srv.Client())

	other := newEvent("e1", EmailBounced)
	if err := w.Deliver(context.Background(), other); err != nil || calls != 0 {
		t.Fatalf("other owner's event: err=%v calls=%d", err, calls)
	}

	mine := newEvent("e2", EmailSent)
	mine.OwnerID = "owner-2"
	if w.Subscribed(mine) {
		t.Error("unsubscribed event name should be filtered")
	}

	mine.Name = EmailBounced
	if err := w.Deliver(context.Background(), mine); err != nil || calls != 1 {
		t.Fatalf("subscribed event: err=%v calls=%d", err, calls)
	}
}
