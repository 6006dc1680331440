// Package api is the HTTP surface of the outreach engine: owner-scoped
// campaign management under /api/v1 and the public tracking endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/classifier"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/sequence"
)

// Engine is the part of the sequence engine the API drives
type Engine interface {
	Launch(ctx context.Context, campaignID string) (int, error)
	Schedule(ctx context.Context, campaignID string, at time.Time) error
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
	EnrollContacts(ctx context.Context, campaignID string, contactIDs []string) (int, error)
	AddStep(ctx context.Context, step *models.Step) error
	DeleteStep(ctx context.Context, campaignID string, order int) error
	Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error)

	ResumeWebhookWait(ctx context.Context, campaignContactID, event string) (bool, error)
	ProcessReply(ctx context.Context, reply sequence.Reply) (*classifier.Result, error)
	RecordBounce(ctx context.Context, campaignContactID, reason string) error
	Unsubscribe(ctx context.Context, campaignContactID string) error
	RecordOpen(ctx context.Context, campaignContactID string, order int) error
	RecordClick(ctx context.Context, campaignContactID string, order int, url string) error
}

// Maintenance runs the daily sender upkeep on demand
type Maintenance interface {
	ResetDailySendCounts(ctx context.Context) (int, error)
	RecalculateBounceRates(ctx context.Context, window time.Duration) (int, error)
}

// Options are the collaborators of the API server
type Options struct {
	Engine      Engine
	Store       *repository.Store
	Maintenance Maintenance
	// Tracker enables /t/ endpoints when set
	Tracker      *mailer.Tracker
	BounceWindow time.Duration
	Version      string
}

// Server is the HTTP API server
type Server struct {
	router       *chi.Mux
	httpServer   *http.Server
	engine       Engine
	store        *repository.Store
	maintenance  Maintenance
	tracker      *mailer.Tracker
	bounceWindow time.Duration
	version      string
	config       *config.APIConfig
	filter       *ipfilter.Filter
	logger       *slog.Logger
	startTime    time.Time

	// verified caches API key digests that passed bcrypt
	verified sync.Map
}

// NewServer creates a new API server
func NewServer(opts Options, cfg *config.APIConfig, logger *slog.Logger) *Server {
	logger = logger.With("component", "api")
	if opts.BounceWindow <= 0 {
		opts.BounceWindow = 7 * 24 * time.Hour
	}

	s := &Server{
		router:       chi.NewRouter(),
		engine:       opts.Engine,
		store:        opts.Store,
		maintenance:  opts.Maintenance,
		tracker:      opts.Tracker,
		bounceWindow: opts.BounceWindow,
		version:      opts.Version,
		config:       cfg,
		filter:       ipfilter.New(cfg.AllowedIPs, logger),
		logger:       logger,
		startTime:    time.Now(),
	}

	if len(cfg.Keys) == 0 {
		logger.Warn("no API keys configured, /api/v1 will reject every request")
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Tracking links are opened by recipients and carry their own signature
	if s.tracker != nil {
		s.router.Get("/t/o/{token}", s.handleTrackOpen)
		s.router.Get("/t/c/{token}", s.handleTrackClick)
		s.router.Get("/t/u/{token}", s.handleUnsubscribe)
		s.router.Post("/t/u/{token}", s.handleUnsubscribe)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.HTTPMiddleware)
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Get("/stats", s.handleCampaignStats)
				r.Post("/launch", s.handleLaunch)
				r.Post("/schedule", s.handleSchedule)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)

				r.Get("/steps", s.handleListSteps)
				r.Post("/steps", s.handleAddStep)
				r.Delete("/steps/{order}", s.handleDeleteStep)

				r.Post("/contacts", s.handleEnroll)
				r.Put("/senders", s.handleSetPool)
			})
		})

		r.Post("/contacts", s.handleCreateContact)
		r.Get("/contacts/{id}", s.handleGetContact)

		s.registerSenderRoutes(r)

		r.Get("/campaign-contacts/{id}", s.handleGetCampaignContact)
		r.Post("/campaign-contacts/{id}/webhooks/{event}", s.handleWebhookResume)
		r.Post("/replies", s.handleReply)
		r.Post("/bounces", s.handleBounce)
		r.Post("/classify", s.handleClassify)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
