package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/classifier"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/sequence"
)

// ReplyHandler is the engine side of the reply path
type ReplyHandler interface {
	ProcessReply(ctx context.Context, reply sequence.Reply) (*classifier.Result, error)
	RecordBounce(ctx context.Context, campaignContactID, reason string) error
}

// Journeys resolves campaign contacts for the address fallback
type Journeys interface {
	Exists(ctx context.Context, campaignContactID string) (bool, error)
	LatestOpenByEmail(ctx context.Context, address string) (string, error)
}

// authFailure tracks failed auth attempts
type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Auth brute force protection constants
const (
	maxAuthFailures   = 5
	authBlockDuration = 15 * time.Minute
	authFailureWindow = 5 * time.Minute
)

// Backend implements smtp.Backend for go-smtp
type Backend struct {
	handler  ReplyHandler
	journeys Journeys
	auth     *config.AuthConfig
	filter   *ipfilter.Filter
	timeout  time.Duration
	logger   *slog.Logger

	authFailures map[string]*authFailure
	lastPrune    time.Time
	authMu       sync.RWMutex

	// Now returns the current time; replaced in tests
	Now func() time.Time
}

// NewBackend creates a new SMTP backend. filter may be nil.
func NewBackend(handler ReplyHandler, journeys Journeys, auth *config.AuthConfig, filter *ipfilter.Filter, logger *slog.Logger) *Backend {
	return &Backend{
		handler:      handler,
		journeys:     journeys,
		auth:         auth,
		filter:       filter,
		timeout:      time.Minute,
		logger:       logger,
		authFailures: make(map[string]*authFailure),
		Now:          time.Now,
	}
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := c.Conn().RemoteAddr()
	if b.filter != nil && !b.filter.AllowedNetAddr(remote) {
		b.logger.Warn("connection rejected by ip filter", "remote_addr", remote.String())
		metrics.IncInboundMessages("rejected")
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Access denied",
		}
	}
	return NewSession(b, c), nil
}

// CheckAuthBlocked checks if IP is blocked due to too many auth failures
func (b *Backend) CheckAuthBlocked(ip string) bool {
	b.authMu.RLock()
	defer b.authMu.RUnlock()

	if f, ok := b.authFailures[ip]; ok {
		if !f.blockedAt.IsZero() && b.Now().Sub(f.blockedAt) < authBlockDuration {
			return true
		}
	}
	return false
}

// RecordAuthFailure records a failed auth attempt and reports whether the IP
// is now blocked
func (b *Backend) RecordAuthFailure(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := b.Now()
	if now.Sub(b.lastPrune) >= authFailureWindow {
		b.pruneAuthFailures(now)
		b.lastPrune = now
	}

	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}

	if now.Sub(f.lastFail) > authFailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}

	f.count++
	f.lastFail = now

	if f.count >= maxAuthFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
		return true
	}
	return false
}

// pruneAuthFailures drops records whose failure window and block have both
// expired. Callers hold authMu.
func (b *Backend) pruneAuthFailures(now time.Time) {
	for ip, f := range b.authFailures {
		if now.Sub(f.lastFail) <= authFailureWindow {
			continue
		}
		if !f.blockedAt.IsZero() && now.Sub(f.blockedAt) < authBlockDuration {
			continue
		}
		delete(b.authFailures, ip)
	}
}

// ClearAuthFailure clears auth failure record on successful auth
func (b *Backend) ClearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}
