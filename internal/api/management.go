package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/dkim"
	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/models"
)

// SenderRequest is the request body for POST /api/v1/senders
type SenderRequest struct {
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	IsActive          *bool    `json:"is_active"`
	IsVerified        bool     `json:"is_verified"`
	HealthScore       *float64 `json:"health_score"`
	DailySendLimit    int      `json:"daily_send_limit"`
	WarmupMode        bool     `json:"warmup_mode"`
	WarmupDailyTarget int      `json:"warmup_daily_target"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPSecurity string `json:"smtp_security"`

	DKIMSelector string `json:"dkim_selector"`
	DKIMKeyFile  string `json:"dkim_key_file"`
}

// registerSenderRoutes registers sender account management routes
func (s *Server) registerSenderRoutes(r chi.Router) {
	r.Route("/senders", func(r chi.Router) {
		r.Post("/", s.handleCreateSender)
		r.Get("/", s.handleListSenders)
		r.Post("/reset-daily", s.handleResetDaily)
		r.Post("/recalculate-bounce-rates", s.handleRecalculateBounceRates)
	})
}

// handleCreateSender handles POST /api/v1/senders
func (s *Server) handleCreateSender(w http.ResponseWriter, r *http.Request) {
	var req SenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !email.Valid(req.Email) {
		s.sendError(w, http.StatusBadRequest, "email is not a valid address")
		return
	}
	if req.SMTPHost == "" {
		s.sendError(w, http.StatusBadRequest, "smtp_host is required")
		return
	}
	if req.DailySendLimit < 0 || req.WarmupDailyTarget < 0 {
		s.sendError(w, http.StatusBadRequest, "send limits must not be negative")
		return
	}
	health := 100.0
	if req.HealthScore != nil {
		health = *req.HealthScore
		if health < 0 || health > 100 {
			s.sendError(w, http.StatusBadRequest, "health_score must be between 0 and 100")
			return
		}
	}
	switch req.SMTPSecurity {
	case "", "none", "starttls", "tls":
	default:
		s.sendError(w, http.StatusBadRequest, "smtp_security must be none, starttls or tls")
		return
	}
	if (req.DKIMSelector == "") != (req.DKIMKeyFile == "") {
		s.sendError(w, http.StatusBadRequest, "dkim_selector and dkim_key_file must be set together")
		return
	}
	if req.DKIMKeyFile != "" {
		if _, err := dkim.LoadPrivateKey(req.DKIMKeyFile); err != nil {
			s.sendError(w, http.StatusBadRequest, "dkim_key_file is not a valid private key")
			return
		}
	}

	a := &models.SenderAccount{
		OwnerID:           ownerFrom(r),
		Email:             email.Normalize(req.Email),
		Name:              req.Name,
		IsActive:          req.IsActive == nil || *req.IsActive,
		IsVerified:        req.IsVerified,
		HealthScore:       health,
		DailySendLimit:    req.DailySendLimit,
		WarmupMode:        req.WarmupMode,
		WarmupDailyTarget: req.WarmupDailyTarget,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		SMTPUsername:      req.SMTPUsername,
		SMTPPassword:      req.SMTPPassword,
		SMTPSecurity:      req.SMTPSecurity,
		DKIMSelector:      req.DKIMSelector,
		DKIMKeyFile:       req.DKIMKeyFile,
	}
	if err := s.store.Senders.Create(r.Context(), a); err != nil {
		s.logger.Error("failed to create sender account", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create sender account")
		return
	}

	s.logger.Info("sender account created", "sender_id", a.ID, "email", a.Email)
	s.sendData(w, http.StatusCreated, a)
}

// handleListSenders handles GET /api/v1/senders
func (s *Server) handleListSenders(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.Senders.ListByOwner(r.Context(), ownerFrom(r))
	if err != nil {
		s.logger.Error("failed to list sender accounts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sender accounts")
		return
	}
	if accounts == nil {
		accounts = []models.SenderAccount{}
	}
	s.sendData(w, http.StatusOK, accounts)
}

// handleResetDaily handles POST /api/v1/senders/reset-daily
func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	n, err := s.maintenance.ResetDailySendCounts(r.Context())
	if err != nil {
		s.logger.Error("failed to reset daily send counts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to reset daily send counts")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"updated": n})
}

// handleRecalculateBounceRates handles POST /api/v1/senders/recalculate-bounce-rates
func (s *Server) handleRecalculateBounceRates(w http.ResponseWriter, r *http.Request) {
	n, err := s.maintenance.RecalculateBounceRates(r.Context(), s.bounceWindow)
	if err != nil {
		s.logger.Error("failed to recalculate bounce rates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to recalculate bounce rates")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"updated": n})
}
