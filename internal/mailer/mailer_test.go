package mailer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/models"
)

type received struct {
	from string
	to   []string
	data string
	helo string
	tls  bool
}

type relayBackend struct {
	mu   sync.Mutex
	msgs []received
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &relaySession{backend: b, helo: c.Hostname(), tls: isTLS}, nil
}

func (b *relayBackend) messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.msgs...)
}

type relaySession struct {
	backend *relayBackend
	helo    string
	tls     bool
	authed  bool
	from    string
	to      []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "relay-user" || password != "relay-pass" {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "gone@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	case strings.HasPrefix(to, "busy@"):
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Try again later"}
	case strings.HasPrefix(to, "policy@"):
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Rejected by policy"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.msgs = append(s.backend.msgs, received{from: s.from, to: s.to, data: string(data), helo: s.helo, tls: s.tls})
	s.backend.mu.Unlock()
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}

func startRelay(t *testing.T) (*relayBackend, string, int) {
	t.Helper()
	return startRelayWith(t, nil, false)
}

// startRelayWith runs a relay that offers STARTTLS when tlsConfig is set,
// or speaks TLS from the first byte when implicit is also set
func startRelayWith(t *testing.T, tlsConfig *tls.Config, implicit bool) (*relayBackend, string, int) {
	t.Helper()

	be := &relayBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = tlsConfig

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	if implicit {
		l = tls.NewListener(l, tlsConfig)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return be, addr.IP.String(), addr.Port
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		DNSNames:     []string{"relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

func testAccount(host string, port int) *models.SenderAccount {
	return &models.SenderAccount{
		ID:           "acct-1",
		Email:        "ada@example.com",
		SMTPHost:     host,
		SMTPPort:     port,
		SMTPUsername: "relay-user",
		SMTPPassword: "relay-pass",
		SMTPSecurity: SecurityNone,
	}
}

func newTestClient(keyring *dkim.Keyring) *Client {
	return NewClient(Options{
		Hostname:       "outreach.test",
		ConnectTimeout: 2 * time.Second,
		Timeout:        5 * time.Second,
		Keyring:        keyring,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendDeliversSignedMessage(t *testing.T) {
	be, host, port := startRelay(t)

	keyDir := t.TempDir()
	kp, err := dkim.GenerateKey("example.com", "s1", 1024)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(keyDir, "s1.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	account := testAccount(host, port)
	account.DKIMSelector = "s1"
	account.DKIMKeyFile = keyPath

	msg := &Message{
		To:        "lead@example.org",
		Subject:   "Quick question",
		Text:      "Hi Lead",
		MessageID: MessageID("550e8400-e29b-41d4-a716-446655440000", 0, "outreach.test"),
	}

	id, err := newTestClient(dkim.NewKeyring()).Send(context.Background(), account, msg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != msg.MessageID {
		t.Errorf("Send() id = %q, want %q", id, msg.MessageID)
	}

	msgs := be.messages()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.from != "ada@example.com" || len(got.to) != 1 || got.to[0] != "lead@example.org" {
		t.Errorf("envelope = %s -> %v", got.from, got.to)
	}
	if !strings.HasPrefix(got.data, "DKIM-Signature:") {
		t.Error("message should be DKIM signed")
	}
	if !strings.Contains(got.data, "Message-ID: "+msg.MessageID) {
		t.Error("Message-ID header missing")
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	_, host, port := startRelay(t)
	client := newTestClient(nil)

	tests := []struct {
		name      string
		to        string
		password  string
		temporary bool
		bounce    bool
	}{
		{"unknown mailbox bounces", "gone@example.org", "relay-pass", false, true},
		{"greylisting is temporary", "busy@example.org", "relay-pass", true, false},
		{"policy rejection is permanent", "policy@example.org", "relay-pass", false, false},
		{"bad credentials are not a bounce", "lead@example.org", "wrong", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := testAccount(host, port)
			account.SMTPPassword = tt.password

			_, err := client.Send(context.Background(), account, &Message{To: tt.to, Subject: "s", Text: "b"})
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("Send() error = %v, want *DeliveryError", err)
			}
			if de.Temporary != tt.temporary || de.Bounce != tt.bounce {
				t.Errorf("DeliveryError = %+v, want temporary=%v bounce=%v", de, tt.temporary, tt.bounce)
			}
		})
	}
}

func TestSendSecurityModes(t *testing.T) {
	serverTLS := selfSignedTLS(t)

	tests := []struct {
		name      string
		security  string
		tlsConfig *tls.Config
		implicit  bool
		wantErr   bool
		wantTLS   bool
	}{
		{"starttls upgrade", SecurityStartTLS, serverTLS, false, false, true},
		{"implicit tls", SecurityTLS, serverTLS, true, false, true},
		{"plain", SecurityNone, nil, false, false, false},
		{"starttls not offered", SecurityStartTLS, nil, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be, host, port := startRelayWith(t, tt.tlsConfig, tt.implicit)
			client := NewClient(Options{
				Hostname:       "outreach.test",
				ConnectTimeout: 2 * time.Second,
				Timeout:        5 * time.Second,
				InsecureTLS:    true,
			}, slog.New(slog.NewTextHandler(io.Discard, nil)))

			account := testAccount(host, port)
			account.SMTPSecurity = tt.security
			_, err := client.Send(context.Background(), account, &Message{To: "lead@example.org", Subject: "s", Text: "b"})

			if tt.wantErr {
				var de *DeliveryError
				if !errors.As(err, &de) {
					t.Fatalf("Send() error = %v, want *DeliveryError", err)
				}
				if !de.Temporary || de.Bounce {
					t.Errorf("DeliveryError = %+v, want temporary non-bounce", de)
				}
				if n := len(be.messages()); n != 0 {
					t.Errorf("relay received %d messages over plaintext, want 0", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			msgs := be.messages()
			if len(msgs) != 1 {
				t.Fatalf("relay received %d messages, want 1", len(msgs))
			}
			if msgs[0].tls != tt.wantTLS {
				t.Errorf("delivered over TLS = %v, want %v", msgs[0].tls, tt.wantTLS)
			}
			if msgs[0].helo != "outreach.test" {
				t.Errorf("EHLO name = %q, want outreach.test", msgs[0].helo)
			}
		})
	}
}

func TestSendConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err = newTestClient(nil).Send(context.Background(), testAccount("127.0.0.1", port), &Message{To: "lead@example.org", Text: "x"})
	if !IsTemporary(err) {
		t.Errorf("connection refused should be temporary, got %v", err)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err       error
		temporary bool
		bounce    bool
	}{
		{&smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, false, true},
		{&smtp.SMTPError{Code: 551, Message: "user not local"}, false, true},
		{&smtp.SMTPError{Code: 553, Message: "mailbox name not allowed"}, false, true},
		{&smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 1, 2}, Message: "bad destination"}, false, true},
		{&smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 2, 2}, Message: "mailbox full"}, false, false},
		{&smtp.SMTPError{Code: 421, Message: "service not available"}, true, false},
		{errors.New("relay said 550 no such user"), false, true},
		{errors.New("something odd"), true, false},
	}

	for _, tt := range tests {
		de := categorizeError(tt.err, "RCPT TO")
		if de.Temporary != tt.temporary || de.Bounce != tt.bounce {
			t.Errorf("categorizeError(%v) = temporary=%v bounce=%v, want %v/%v",
				tt.err, de.Temporary, de.Bounce, tt.temporary, tt.bounce)
		}
	}

	if IsBounce(errors.New("plain")) || !IsTemporary(errors.New("plain")) {
		t.Error("unknown errors should be temporary and not bounces")
	}
}

func TestSendRequiresHost(t *testing.T) {
	_, err := newTestClient(nil).Send(context.Background(), &models.SenderAccount{Email: "a@b.c"}, &Message{To: "x@y.z"})
	if err == nil || IsTemporary(err) {
		t.Errorf("missing host should be a permanent error, got %v", err)
	}
}
