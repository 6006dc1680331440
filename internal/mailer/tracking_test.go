package mailer

import (
	"errors"
	"strings"
	"testing"
)

func TestTrackerTokens(t *testing.T) {
	tr := NewTracker("https://t.example.com/", "secret")

	tok := TrackingToken{Kind: TrackClick, CampaignContactID: "cc-1", StepOrder: 2, URL: "https://acme.test/pricing?a=1&b=2"}
	signed := tr.Sign(tok)

	got, err := tr.Parse(signed)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if *got != tok {
		t.Errorf("Parse() = %+v, want %+v", *got, tok)
	}

	other := NewTracker("https://t.example.com", "other-secret")
	if _, err := other.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token signed with another secret: error = %v", err)
	}

	tampered := "x" + signed[1:]
	if signed[0] == 'x' {
		tampered = "y" + signed[1:]
	}
	if _, err := tr.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered token: error = %v", err)
	}

	for _, bad := range []string{"", "nodot", "###.###"} {
		if _, err := tr.Parse(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Parse(%q) error = %v", bad, err)
		}
	}
}

func TestInstrument(t *testing.T) {
	tr := NewTracker("https://t.example.com", "secret")
	html := `<html><body><p>See <a href="https://acme.test/a?x=1&amp;y=2">this</a> and <a href="mailto:a@b.c">mail</a></p></body></html>`

	out := tr.Instrument(html, "cc-1", 0, true, true)

	if strings.Contains(out, `href="https://acme.test/a`) {
		t.Error("http link was not rewritten")
	}
	if !strings.Contains(out, `href="mailto:a@b.c"`) {
		t.Error("mailto link should be left alone")
	}
	if !strings.Contains(out, `href="https://t.example.com/t/c/`) {
		t.Error("click URL missing")
	}
	pixel := strings.Index(out, "https://t.example.com/t/o/")
	if pixel < 0 || pixel > strings.Index(out, "</body>") {
		t.Error("pixel should be inserted before </body>")
	}

	// The rewritten link carries the original target
	start := strings.Index(out, "/t/c/") + len("/t/c/")
	token := out[start:]
	token = token[:strings.Index(token, `"`)]
	tok, err := tr.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if tok.URL != "https://acme.test/a?x=1&y=2" || tok.Kind != TrackClick {
		t.Errorf("click token = %+v", tok)
	}

	if got := tr.Instrument(html, "cc-1", 0, false, false); got != html {
		t.Error("disabled tracking should not change the HTML")
	}
	if got := tr.Instrument("<p>no body tag</p>", "cc-1", 0, true, false); !strings.HasSuffix(got, `style="display:none">`) {
		t.Errorf("pixel should be appended, got %q", got)
	}
}

func TestUnsubscribeURL(t *testing.T) {
	tr := NewTracker("https://t.example.com", "secret")
	u := tr.UnsubscribeURL("cc-9", 1)

	token, ok := strings.CutPrefix(u, "https://t.example.com/t/u/")
	if !ok {
		t.Fatalf("UnsubscribeURL() = %q", u)
	}
	tok, err := tr.Parse(token)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Kind != TrackUnsubscribe || tok.CampaignContactID != "cc-9" || tok.StepOrder != 1 {
		t.Errorf("token = %+v", tok)
	}
}
