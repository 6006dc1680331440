// Package inbound receives replies and bounces over SMTP and maps them back
// to campaign contacts through the Message-IDs the mailer generates.
package inbound

import (
	"context"
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/ipfilter"
)

// Server wraps go-smtp server with configuration
type Server struct {
	server *smtp.Server
	addr   string
	logger *slog.Logger
}

// NewServer creates the reply listener
func NewServer(cfg *config.InboundConfig, handler ReplyHandler, journeys Journeys, logger *slog.Logger) *Server {
	logger = logger.With("component", "inbound")
	filter := ipfilter.New(cfg.AllowedIPs, logger)
	backend := NewBackend(handler, journeys, &cfg.Auth, filter, logger)

	srv := smtp.NewServer(backend)
	srv.Domain = cfg.Domain
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 50
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = true

	return &Server{
		server: srv,
		addr:   cfg.ListenAddr,
		logger: logger,
	}
}

// ListenAndServe starts the SMTP server
func (s *Server) ListenAndServe() error {
	s.server.Addr = s.addr
	s.logger.Info("starting inbound SMTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down inbound SMTP server")
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}
