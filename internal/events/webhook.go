package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// Webhook headers sent with every delivery
const (
	HeaderEvent     = "X-Outreach-Event"
	HeaderDelivery  = "X-Outreach-Delivery"
	HeaderSignature = "X-Outreach-Signature"
)

// WebhookDeliverer POSTs events to one HTTP subscriber
type WebhookDeliverer struct {
	url    string
	secret string
	owner  string
	events map[string]bool
	client *http.Client
}

// NewWebhookDeliverer creates a deliverer. An empty owner or event list
// subscribes to everything.
func NewWebhookDeliverer(url, secret, owner string, events []string, client *http.Client) *WebhookDeliverer {
	if client == nil {
		client = http.DefaultClient
	}
	var filter map[string]bool
	if len(events) > 0 {
		filter = make(map[string]bool, len(events))
		for _, e := range events {
			filter[e] = true
		}
	}
	return &WebhookDeliverer{
		url:    url,
		secret: secret,
		owner:  owner,
		events: filter,
		client: client,
	}
}

func (w *WebhookDeliverer) Name() string {
	return "webhook:" + w.url
}

// Subscribed reports whether the subscriber wants ev
func (w *WebhookDeliverer) Subscribed(ev *Event) bool {
	if w.owner != "" && w.owner != ev.OwnerID {
		return false
	}
	return w.events == nil || w.events[ev.Name]
}

// Deliver sends ev. Events the subscriber did not ask for succeed without a request.
func (w *WebhookDeliverer) Deliver(ctx context.Context, ev *Event) error {
	if !w.Subscribed(ev) {
		return nil
	}

	body, err := ev.Body()
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to encode event: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "outreach-webhook/1")
	req.Header.Set(HeaderEvent, ev.Name)
	req.Header.Set(HeaderDelivery, ev.ID)
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{Err: err}
	}
	return err
}

// Sign computes the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value in constant time
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
