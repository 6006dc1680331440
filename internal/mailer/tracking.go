package mailer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidToken is returned for a tracking token that fails verification
var ErrInvalidToken = errors.New("invalid tracking token")

// TrackingKind tells opens and clicks apart
type TrackingKind string

const (
	TrackOpen        TrackingKind = "o"
	TrackClick       TrackingKind = "c"
	TrackUnsubscribe TrackingKind = "u"
)

// TrackingToken identifies the email a tracking request belongs to
type TrackingToken struct {
	Kind              TrackingKind `json:"k"`
	CampaignContactID string       `json:"cc"`
	StepOrder         int          `json:"s"`
	URL               string       `json:"u,omitempty"`
}

// Tracker signs tracking tokens and rewrites HTML for open and click tracking
type Tracker struct {
	baseURL string
	secret  []byte
}

// NewTracker creates a tracker serving under baseURL, e.g. https://t.example.com
func NewTracker(baseURL, secret string) *Tracker {
	return &Tracker{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
	}
}

// Sign encodes and signs a token
func (t *Tracker) Sign(tok TrackingToken) string {
	payload, _ := json.Marshal(tok)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(t.mac(payload))
}

// Parse verifies a token and decodes it
func (t *Tracker) Parse(token string) (*TrackingToken, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := enc.DecodeString(sigPart)
	if err != nil || !hmac.Equal(sig, t.mac(payload)) {
		return nil, ErrInvalidToken
	}

	var tok TrackingToken
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, ErrInvalidToken
	}
	switch tok.Kind {
	case TrackOpen, TrackClick, TrackUnsubscribe:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, tok.Kind)
	}
	return &tok, nil
}

func (t *Tracker) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, t.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// PixelURL returns the open-tracking pixel URL
func (t *Tracker) PixelURL(campaignContactID string, stepOrder int) string {
	return t.baseURL + "/t/o/" + t.Sign(TrackingToken{Kind: TrackOpen, CampaignContactID: campaignContactID, StepOrder: stepOrder})
}

// ClickURL returns the redirecting URL for a link
func (t *Tracker) ClickURL(campaignContactID string, stepOrder int, target string) string {
	return t.baseURL + "/t/c/" + t.Sign(TrackingToken{Kind: TrackClick, CampaignContactID: campaignContactID, StepOrder: stepOrder, URL: target})
}

// UnsubscribeURL returns the one-click unsubscribe URL for List-Unsubscribe
func (t *Tracker) UnsubscribeURL(campaignContactID string, stepOrder int) string {
	return t.baseURL + "/t/u/" + t.Sign(TrackingToken{Kind: TrackUnsubscribe, CampaignContactID: campaignContactID, StepOrder: stepOrder})
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*"(https?://[^"]+)"`)

// Instrument rewrites links and appends the open pixel
func (t *Tracker) Instrument(html, campaignContactID string, stepOrder int, opens, clicks bool) string {
	if html == "" {
		return html
	}

	if clicks {
		html = hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
			target := hrefPattern.FindStringSubmatch(match)[1]
			if strings.HasPrefix(target, t.baseURL+"/t/") {
				return match
			}
			return `href="` + t.ClickURL(campaignContactID, stepOrder, unescapeAmp(target)) + `"`
		})
	}

	if opens {
		pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`,
			t.PixelURL(campaignContactID, stepOrder))
		if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
			html = html[:i] + pixel + html[i:]
		} else {
			html += pixel
		}
	}

	return html
}

func unescapeAmp(s string) string {
	return strings.ReplaceAll(s, "&amp;", "&")
}
