package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/sequence"
)

// Session implements smtp.Session and smtp.AuthSession for go-smtp
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

// NewSession creates a new SMTP session
func NewSession(b *Backend, c *smtp.Conn) *Session {
	return &Session{
		backend: b,
		conn:    c,
		logger:  b.logger.With("remote_addr", c.Conn().RemoteAddr().String()),
	}
}

func (s *Session) remoteIP() string {
	addr := s.conn.Conn().RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// AuthMechanisms returns supported authentication mechanisms
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}

	ip := s.remoteIP()
	if s.backend.CheckAuthBlocked(ip) {
		metrics.IncInboundAuth("blocked")
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many authentication failures, try again later",
		}
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		if s.backend.auth == nil || s.backend.auth.Users == nil {
			return errors.New("authentication not configured")
		}

		expected, ok := s.backend.auth.Users[username]
		if !ok || expected != password {
			s.logger.Warn("authentication failed", "username", username)
			metrics.IncInboundAuth("failure")
			s.backend.RecordAuthFailure(ip)
			return smtp.ErrAuthFailed
		}

		s.authUser = username
		s.backend.ClearAuthFailure(ip)
		metrics.IncInboundAuth("success")
		s.logger.Info("authentication successful", "username", username)
		return nil
	}), nil
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.auth != nil && s.backend.auth.Required && s.authUser == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", "from", from)
	return nil
}

// Rcpt handles RCPT TO command
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	s.logger.Debug("RCPT TO", "to", to)
	return nil
}

// Data reads a reply or bounce and hands it to the engine. Messages that
// cannot be mapped to a campaign contact are accepted and dropped.
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	result, err := s.backend.Deliver(ctx, data)
	if err != nil {
		s.logger.Error("failed to process inbound message", "error", err)
		metrics.IncInboundMessages("error")
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to process message",
		}
	}

	metrics.IncInboundMessages(result)
	s.logger.Info("inbound message processed",
		"from", s.from,
		"to", s.to,
		"size", len(data),
		"result", result,
	)
	return nil
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *Session) Logout() error {
	s.logger.Debug("session logout")
	return nil
}

// Deliver maps a raw message to a campaign contact and applies it. The
// result is one of reply, bounce, unmatched or invalid.
func (b *Backend) Deliver(ctx context.Context, data []byte) (string, error) {
	m, err := ParseMessage(data)
	if err != nil {
		b.logger.Warn("dropping unparsable message", "error", err)
		return "invalid", nil
	}

	id, err := b.resolve(ctx, m.References)
	if err != nil {
		return "", err
	}

	if m.DeliveryReport {
		if id == "" {
			if id, err = b.resolve(ctx, m.Embedded); err != nil {
				return "", err
			}
		}
		if id == "" {
			return "unmatched", nil
		}
		if err := b.handler.RecordBounce(ctx, id, firstLine(m.Body)); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return "unmatched", nil
			}
			return "", err
		}
		return "bounce", nil
	}

	if id == "" && m.From != "" {
		if id, err = b.journeys.LatestOpenByEmail(ctx, m.From); err != nil {
			return "", err
		}
	}
	if id == "" {
		b.logger.Debug("no campaign contact for reply", "from", m.From, "message_id", m.MessageID)
		return "unmatched", nil
	}

	_, err = b.handler.ProcessReply(ctx, sequence.Reply{
		CampaignContactID: id,
		MessageID:         m.MessageID,
		Subject:           m.Subject,
		Body:              m.Body,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "unmatched", nil
		}
		return "", err
	}
	return "reply", nil
}

// resolve returns the first campaign contact referenced by one of our
// Message-IDs
func (b *Backend) resolve(ctx context.Context, ids []string) (string, error) {
	for _, ref := range ids {
		ccid, _, ok := mailer.ParseMessageID(ref)
		if !ok {
			continue
		}
		exists, err := b.journeys.Exists(ctx, ccid)
		if err != nil {
			return "", err
		}
		if exists {
			return ccid, nil
		}
	}
	return "", nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:200]
	}
	return line
}
