// Package mailer delivers campaign emails through each sender account's SMTP relay
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/models"
)

// Security modes of a sender account's relay connection
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

// Options configures a Client
type Options struct {
	Hostname       string
	ConnectTimeout time.Duration
	Timeout        time.Duration
	InsecureTLS    bool
	Keyring        *dkim.Keyring
}

// Client sends emails through authenticated relays
type Client struct {
	hostname       string
	connectTimeout time.Duration
	timeout        time.Duration
	insecureTLS    bool
	keyring        *dkim.Keyring
	logger         *slog.Logger
}

// NewClient creates a new relay client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	return &Client{
		hostname:       opts.Hostname,
		connectTimeout: opts.ConnectTimeout,
		timeout:        opts.Timeout,
		insecureTLS:    opts.InsecureTLS,
		keyring:        opts.Keyring,
		logger:         logger.With("component", "mailer"),
	}
}

// Hostname is the name used in HELO and generated Message-IDs
func (c *Client) Hostname() string {
	return c.hostname
}

// Send delivers msg from the account's address and returns the Message-ID.
// Failures are *DeliveryError.
func (c *Client) Send(ctx context.Context, account *models.SenderAccount, msg *Message) (string, error) {
	if account.SMTPHost == "" {
		return "", &DeliveryError{Message: fmt.Sprintf("sender %s has no SMTP host configured", account.Email)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), account.ID, c.hostname)
	}
	data := c.sign(account, msg.Build(account.Email))

	addr := net.JoinHostPort(account.SMTPHost, strconv.Itoa(account.SMTPPort))
	client, err := c.dial(ctx, addr, account)
	if err != nil {
		return "", err
	}
	defer client.Close()

	// Abort a stalled exchange once the overall deadline passes
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := c.deliver(client, account, msg.To, data); err != nil {
		if ctx.Err() != nil {
			return "", &DeliveryError{Temporary: true, Message: fmt.Sprintf("send to %s timed out: %v", addr, err)}
		}
		return "", err
	}

	c.logger.Debug("message relayed",
		"relay", addr,
		"from", account.Email,
		"to", msg.To,
		"message_id", msg.MessageID,
	)
	return msg.MessageID, nil
}

func (c *Client) dial(ctx context.Context, addr string, account *models.SenderAccount) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}

	if account.SMTPSecurity == SecurityTLS {
		tlsConn := tls.Client(conn, c.tlsConfig(account.SMTPHost))
		hsCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, &DeliveryError{
				Temporary: true,
				Message:   fmt.Sprintf("TLS handshake with %s failed: %v", addr, err),
			}
		}
		conn = tlsConn
	}

	if account.SMTPSecurity == SecurityStartTLS {
		// The upgrade runs before Send installs its own cancel hook
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		client, err := smtp.NewClientStartTLS(conn, c.tlsConfig(account.SMTPHost))
		stop()
		if err != nil {
			if ctx.Err() != nil {
				return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("STARTTLS with %s timed out: %v", addr, err)}
			}
			de := categorizeError(err, "STARTTLS with "+addr)
			de.Bounce = false
			return nil, de
		}
		client.CommandTimeout = c.timeout
		client.SubmissionTimeout = c.timeout
		return client, nil
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = c.timeout
	client.SubmissionTimeout = c.timeout
	return client, nil
}

func (c *Client) deliver(client *smtp.Client, account *models.SenderAccount, to string, data []byte) error {
	if err := client.Hello(c.hostname); err != nil {
		return categorizeError(err, "HELO")
	}

	if account.SMTPUsername != "" {
		auth := sasl.NewPlainClient("", account.SMTPUsername, account.SMTPPassword)
		if err := client.Auth(auth); err != nil {
			de := categorizeError(err, "AUTH")
			// Bad credentials are the account's problem, never the recipient's
			de.Bounce = false
			return de
		}
	}

	if err := client.Mail(account.Email, nil); err != nil {
		de := categorizeError(err, "MAIL FROM")
		de.Bounce = false
		return de
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, "RCPT TO "+to)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()
	return nil
}

func (c *Client) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.insecureTLS,
	}
}

// sign applies the account's DKIM key; failures send unsigned
func (c *Client) sign(account *models.SenderAccount, data []byte) []byte {
	if c.keyring == nil {
		return data
	}
	signer, err := c.keyring.Signer(account.Email, account.DKIMSelector, account.DKIMKeyFile)
	if err != nil {
		c.logger.Warn("DKIM key unavailable, sending unsigned", "sender", account.Email, "error", err)
		return data
	}
	if signer == nil {
		return data
	}
	signed, err := signer.Sign(data)
	if err != nil {
		c.logger.Warn("DKIM signing failed, sending unsigned",
			"domain", signer.Domain(),
			"error", err,
		)
		return data
	}
	return signed
}
