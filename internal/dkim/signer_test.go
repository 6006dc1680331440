package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: Ada <ada@example.com>\r\n" +
	"To: lead@example.org\r\n" +
	"Subject: Quick question\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"Message-ID: <cc-1.0@mail.example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi there.\r\n"

func TestSignVerifies(t *testing.T) {
	kp, err := GenerateKey("example.com", "outreach", 1024)
	if err != nil {
		t.Fatal(err)
	}
	signer := NewSigner(kp.PrivateKey, "Example.COM", "outreach")
	if signer.Domain() != "example.com" {
		t.Errorf("Domain() = %q, want lowercased", signer.Domain())
	}

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signed message should start with DKIM-Signature header")
	}

	record := kp.DNSRecord()
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("lookup for %q, want %q", domain, kp.DNSName())
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verification = %+v", verifications)
	}
}

func TestPresentHeaders(t *testing.T) {
	got := presentHeaders([]byte(testMessage))
	joined := strings.Join(got, ",")
	for _, want := range []string{"From", "To", "Subject", "Message-ID", "Content-Type"} {
		if !strings.Contains(joined, want) {
			t.Errorf("header %s missing from %v", want, got)
		}
	}
	if strings.Contains(joined, "List-Unsubscribe") {
		t.Errorf("absent header signed: %v", got)
	}
}

func TestKeyring(t *testing.T) {
	tmpDir := t.TempDir()
	kp, err := GenerateKey("example.com", "s1", 1024)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(tmpDir, "s1.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	ring := NewKeyring()

	s, err := ring.Signer("sales@example.com", "", keyPath)
	if err != nil || s != nil {
		t.Fatalf("Signer without selector = %v, %v; want nil, nil", s, err)
	}

	first, err := ring.Signer("sales@Example.com", "s1", keyPath)
	if err != nil {
		t.Fatalf("Signer failed: %v", err)
	}
	if first.Domain() != "example.com" || first.Selector() != "s1" {
		t.Errorf("signer identity = %s/%s", first.Domain(), first.Selector())
	}

	second, err := ring.Signer("ops@example.com", "s1", keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("signer for the same key and domain should be cached")
	}

	if _, err := ring.Signer("not-an-address", "s1", keyPath); err == nil {
		t.Error("expected error for invalid sender address")
	}
	if _, err := ring.Signer("sales@example.com", "s1", filepath.Join(tmpDir, "missing.key")); err == nil {
		t.Error("expected error for missing key file")
	}
}
