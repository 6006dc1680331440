package dkim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	kp, err := GenerateKey("example.com", "outreach", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if got := kp.PrivateKey.N.BitLen(); got != DefaultKeyBits {
		t.Errorf("key size = %d, want %d", got, DefaultKeyBits)
	}
	if kp.Domain != "example.com" || kp.Selector != "outreach" {
		t.Errorf("unexpected key pair identity: %s/%s", kp.Domain, kp.Selector)
	}
}

func TestDNSRecord(t *testing.T) {
	kp, err := GenerateKey("example.com", "s1", 2048)
	if err != nil {
		t.Fatal(err)
	}

	if got := kp.DNSName(); got != "s1._domainkey.example.com" {
		t.Errorf("DNSName() = %q", got)
	}

	record := kp.DNSRecord()
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DNSRecord() = %q", record)
	}

	chunks := kp.DNSRecordChunks()
	if len(chunks) < 2 {
		t.Fatalf("2048-bit record should need several TXT strings, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 255 {
			t.Errorf("chunk %d has %d chars", i, len(c))
		}
	}
	if strings.Join(chunks, "") != record {
		t.Error("chunks do not join back into the record")
	}
}

func TestSaveAndLoadPrivateKey(t *testing.T) {
	tmpDir := t.TempDir()

	kp, err := GenerateKey("example.com", "outreach", 1024)
	if err != nil {
		t.Fatal(err)
	}

	keyPath := filepath.Join(tmpDir, "keys", "example.com.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatalf("SavePrivateKey failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadPrivateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(kp.PrivateKey.N) != 0 {
		t.Error("loaded key doesn't match original")
	}
}

func TestLoadPrivateKeyErrors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadPrivateKey(filepath.Join(tmpDir, "missing.pem")); err == nil {
		t.Error("expected error for non-existent file")
	}

	badFile := filepath.Join(tmpDir, "bad.pem")
	if err := os.WriteFile(badFile, []byte("not a pem"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrivateKey(badFile); err == nil {
		t.Error("expected error for invalid PEM")
	}

	certFile := filepath.Join(tmpDir, "cert.pem")
	pemData := "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"
	if err := os.WriteFile(certFile, []byte(pemData), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrivateKey(certFile); err == nil {
		t.Error("expected error for unsupported block type")
	}
}
