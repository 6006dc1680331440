package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/email"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/sequence"
)

// Response is the envelope of every /api/v1 response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// CampaignRequest is the request body for POST /campaigns
type CampaignRequest struct {
	Name                string `json:"name"`
	FromName            string `json:"from_name"`
	ReplyTo             string `json:"reply_to"`
	TrackOpens          bool   `json:"track_opens"`
	TrackClicks         bool   `json:"track_clicks"`
	StepDelayMinSeconds int64  `json:"step_delay_min_seconds"`
	StepDelayMaxSeconds int64  `json:"step_delay_max_seconds"`
}

// CampaignResponse is a campaign as returned by the API
type CampaignResponse struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	Status              models.CampaignStatus `json:"status"`
	FromName            string                `json:"from_name"`
	ReplyTo             string                `json:"reply_to"`
	TrackOpens          bool                  `json:"track_opens"`
	TrackClicks         bool                  `json:"track_clicks"`
	StepDelayMinSeconds int64                 `json:"step_delay_min_seconds"`
	StepDelayMaxSeconds int64                 `json:"step_delay_max_seconds"`
	ScheduledAt         *time.Time            `json:"scheduled_at,omitempty"`
	LaunchedAt          *time.Time            `json:"launched_at,omitempty"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	Steps               []StepResponse        `json:"steps,omitempty"`
}

// StepRequest is the request body for POST /campaigns/{id}/steps
type StepRequest struct {
	// Order inserts at a position; omitted appends
	Order *int   `json:"order"`
	Kind  string `json:"kind"`

	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`

	DelaySeconds int64 `json:"delay_seconds"`

	ConditionField    string `json:"condition_field"`
	ConditionOperator string `json:"condition_operator"`
	ConditionValue    string `json:"condition_value"`
	TrueBranchStep    *int   `json:"true_branch_step"`
	FalseBranchStep   *int   `json:"false_branch_step"`

	WebhookEvent          string `json:"webhook_event"`
	WebhookTimeoutSeconds int64  `json:"webhook_timeout_seconds"`
	TimeoutStep           *int   `json:"timeout_step"`
}

// StepResponse is a step as returned by the API
type StepResponse struct {
	ID                    string          `json:"id"`
	Order                 int             `json:"order"`
	Kind                  models.StepKind `json:"kind"`
	Subject               string          `json:"subject,omitempty"`
	BodyHTML              string          `json:"body_html,omitempty"`
	BodyText              string          `json:"body_text,omitempty"`
	DelaySeconds          int64           `json:"delay_seconds,omitempty"`
	ConditionField        string          `json:"condition_field,omitempty"`
	ConditionOperator     string          `json:"condition_operator,omitempty"`
	ConditionValue        string          `json:"condition_value,omitempty"`
	TrueBranchStep        *int            `json:"true_branch_step,omitempty"`
	FalseBranchStep       *int            `json:"false_branch_step,omitempty"`
	WebhookEvent          string          `json:"webhook_event,omitempty"`
	WebhookTimeoutSeconds int64           `json:"webhook_timeout_seconds,omitempty"`
	TimeoutStep           *int            `json:"timeout_step,omitempty"`
}

// ScheduleRequest is the request body for POST /campaigns/{id}/schedule
type ScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// EnrollRequest is the request body for POST /campaigns/{id}/contacts
type EnrollRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

// PoolRequest is the request body for PUT /campaigns/{id}/senders
type PoolRequest struct {
	Senders []struct {
		SenderAccountID string `json:"sender_account_id"`
		Priority        int    `json:"priority"`
	} `json:"senders"`
}

// ContactRequest is the request body for POST /contacts
type ContactRequest struct {
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Company      string            `json:"company"`
	Title        string            `json:"title"`
	CustomFields map[string]string `json:"custom_fields"`
	DCSScore     *float64          `json:"dcs_score"`
}

func toCampaignResponse(c *models.Campaign) CampaignResponse {
	return CampaignResponse{
		ID:                  c.ID,
		Name:                c.Name,
		Status:              c.Status,
		FromName:            c.FromName,
		ReplyTo:             c.ReplyTo,
		TrackOpens:          c.TrackOpens,
		TrackClicks:         c.TrackClicks,
		StepDelayMinSeconds: int64(c.StepDelayMin / time.Second),
		StepDelayMaxSeconds: int64(c.StepDelayMax / time.Second),
		ScheduledAt:         c.ScheduledAt,
		LaunchedAt:          c.LaunchedAt,
		CompletedAt:         c.CompletedAt,
		CreatedAt:           c.CreatedAt,
	}
}

func toStepResponse(s *models.Step) StepResponse {
	return StepResponse{
		ID:                    s.ID,
		Order:                 s.Order,
		Kind:                  s.Kind,
		Subject:               s.Subject,
		BodyHTML:              s.BodyHTML,
		BodyText:              s.BodyText,
		DelaySeconds:          int64(s.Delay / time.Second),
		ConditionField:        s.ConditionField,
		ConditionOperator:     s.ConditionOperator,
		ConditionValue:        s.ConditionValue,
		TrueBranchStep:        s.TrueBranchStep,
		FalseBranchStep:       s.FalseBranchStep,
		WebhookEvent:          s.WebhookEvent,
		WebhookTimeoutSeconds: int64(s.WebhookTimeout / time.Second),
		TimeoutStep:           s.TimeoutStep,
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// campaign loads a campaign of the calling owner, answering 404 otherwise
func (s *Server) campaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	c, err := s.store.Campaigns.GetForOwner(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return nil, false
	}
	if c == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil, false
	}
	return c, true
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.StepDelayMinSeconds < 0 || req.StepDelayMaxSeconds < req.StepDelayMinSeconds {
		s.sendError(w, http.StatusBadRequest, "step delay must satisfy 0 <= min <= max")
		return
	}
	if req.ReplyTo != "" && !email.Valid(req.ReplyTo) {
		s.sendError(w, http.StatusBadRequest, "reply_to is not a valid address")
		return
	}

	c := &models.Campaign{
		OwnerID:      ownerFrom(r),
		Name:         req.Name,
		FromName:     req.FromName,
		ReplyTo:      req.ReplyTo,
		TrackOpens:   req.TrackOpens,
		TrackClicks:  req.TrackClicks,
		StepDelayMin: time.Duration(req.StepDelayMinSeconds) * time.Second,
		StepDelayMax: time.Duration(req.StepDelayMaxSeconds) * time.Second,
	}
	if err := s.store.Campaigns.Create(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "owner_id", c.OwnerID)
	s.sendData(w, http.StatusCreated, toCampaignResponse(c))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.Campaigns.ListByOwner(r.Context(), ownerFrom(r))
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	out := make([]CampaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, toCampaignResponse(&campaigns[i]))
	}
	s.sendData(w, http.StatusOK, out)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	steps, err := s.store.Campaigns.ListSteps(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("failed to list steps", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}

	resp := toCampaignResponse(c)
	for i := range steps {
		resp.Steps = append(resp.Steps, toStepResponse(&steps[i]))
	}
	s.sendData(w, http.StatusOK, resp)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	stats, err := s.engine.Stats(r.Context(), c.ID)
	if err != nil {
		s.sendEngineError(w, err, "load stats")
		return
	}
	s.sendData(w, http.StatusOK, stats)
}

// handleLaunch handles POST /api/v1/campaigns/{id}/launch
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	n, err := s.engine.Launch(r.Context(), c.ID)
	if err != nil {
		s.sendEngineError(w, err, "launch campaign")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{
		"status":    models.CampaignRunning,
		"activated": n,
	})
}

// handleSchedule handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScheduledAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduled_at is required (RFC 3339)")
		return
	}

	if err := s.engine.Schedule(r.Context(), c.ID, req.ScheduledAt); err != nil {
		s.sendEngineError(w, err, "schedule campaign")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{
		"status":       models.CampaignScheduled,
		"scheduled_at": req.ScheduledAt.UTC(),
	})
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Pause, models.CampaignPaused)
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Resume, models.CampaignRunning)
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.engine.Cancel, models.CampaignCancelled)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error, to models.CampaignStatus) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), c.ID); err != nil {
		s.sendEngineError(w, err, "update campaign")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"status": to})
}

// handleListSteps handles GET /api/v1/campaigns/{id}/steps
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	steps, err := s.store.Campaigns.ListSteps(r.Context(), c.ID)
	if err != nil {
		s.logger.Error("failed to list steps", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list steps")
		return
	}

	out := make([]StepResponse, 0, len(steps))
	for i := range steps {
		out = append(out, toStepResponse(&steps[i]))
	}
	s.sendData(w, http.StatusOK, out)
}

// handleAddStep handles POST /api/v1/campaigns/{id}/steps
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	step := &models.Step{
		CampaignID:        c.ID,
		Order:             -1,
		Kind:              models.StepKind(req.Kind),
		Subject:           req.Subject,
		BodyHTML:          req.BodyHTML,
		BodyText:          req.BodyText,
		Delay:             time.Duration(req.DelaySeconds) * time.Second,
		ConditionField:    req.ConditionField,
		ConditionOperator: req.ConditionOperator,
		ConditionValue:    req.ConditionValue,
		TrueBranchStep:    req.TrueBranchStep,
		FalseBranchStep:   req.FalseBranchStep,
		WebhookEvent:      req.WebhookEvent,
		WebhookTimeout:    time.Duration(req.WebhookTimeoutSeconds) * time.Second,
		TimeoutStep:       req.TimeoutStep,
	}
	if req.Order != nil {
		step.Order = *req.Order
	}

	if err := s.engine.AddStep(r.Context(), step); err != nil {
		s.sendEngineError(w, err, "add step")
		return
	}

	s.logger.Info("step added", "campaign_id", c.ID, "order", step.Order, "kind", step.Kind)
	s.sendData(w, http.StatusCreated, toStepResponse(step))
}

// handleDeleteStep handles DELETE /api/v1/campaigns/{id}/steps/{order}
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 0 {
		s.sendError(w, http.StatusBadRequest, "order must be a non-negative integer")
		return
	}

	if err := s.engine.DeleteStep(r.Context(), c.ID, order); err != nil {
		s.sendEngineError(w, err, "delete step")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"deleted": order})
}

// handleEnroll handles POST /api/v1/campaigns/{id}/contacts
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.ContactIDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "contact_ids is required")
		return
	}

	owner := ownerFrom(r)
	for _, id := range req.ContactIDs {
		ct, err := s.store.Contacts.GetByID(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to load contact", "contact_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to enroll contacts")
			return
		}
		if ct == nil || ct.OwnerID != owner {
			s.sendError(w, http.StatusBadRequest, "unknown contact: "+id)
			return
		}
	}

	n, err := s.engine.EnrollContacts(r.Context(), c.ID, req.ContactIDs)
	if err != nil {
		s.sendEngineError(w, err, "enroll contacts")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"enrolled": n})
}

// handleSetPool handles PUT /api/v1/campaigns/{id}/senders
func (s *Server) handleSetPool(w http.ResponseWriter, r *http.Request) {
	c, ok := s.campaign(w, r)
	if !ok {
		return
	}

	var req PoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	owner := ownerFrom(r)
	entries := make([]models.SenderPoolEntry, 0, len(req.Senders))
	for _, e := range req.Senders {
		a, err := s.store.Senders.GetByID(r.Context(), e.SenderAccountID)
		if err != nil {
			s.logger.Error("failed to load sender account", "sender_id", e.SenderAccountID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to set sender pool")
			return
		}
		if a == nil || a.OwnerID != owner {
			s.sendError(w, http.StatusBadRequest, "unknown sender account: "+e.SenderAccountID)
			return
		}
		entries = append(entries, models.SenderPoolEntry{
			CampaignID:      c.ID,
			SenderAccountID: a.ID,
			Priority:        e.Priority,
		})
	}

	if err := s.store.Campaigns.SetPool(r.Context(), c.ID, entries); err != nil {
		s.logger.Error("failed to set sender pool", "campaign_id", c.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to set sender pool")
		return
	}
	s.sendData(w, http.StatusOK, entries)
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !email.Valid(req.Email) {
		s.sendError(w, http.StatusBadRequest, "email is not a valid address")
		return
	}

	owner := ownerFrom(r)
	existing, err := s.store.Contacts.GetByEmail(r.Context(), owner, email.Normalize(req.Email))
	if err != nil {
		s.logger.Error("failed to look up contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	if existing != nil {
		s.sendError(w, http.StatusConflict, "contact already exists: "+existing.ID)
		return
	}

	c := &models.Contact{
		OwnerID:      owner,
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Company:      req.Company,
		Title:        req.Title,
		CustomFields: req.CustomFields,
		DCSScore:     req.DCSScore,
	}
	if err := s.store.Contacts.Create(r.Context(), c); err != nil {
		s.logger.Error("failed to create contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	s.sendData(w, http.StatusCreated, c)
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Contacts.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load contact")
		return
	}
	if c == nil || c.OwnerID != ownerFrom(r) {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return
	}
	s.sendData(w, http.StatusOK, c)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendData sends a success envelope
func (s *Server) sendData(w http.ResponseWriter, status int, data any) {
	s.sendJSON(w, status, Response{Success: true, Data: data})
}

// sendError sends an error envelope
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Error: message})
}

// sendEngineError maps engine and store errors to HTTP statuses
func (s *Server) sendEngineError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, sequence.ErrInvalidStep),
		errors.Is(err, sequence.ErrScheduleInPast):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sequence.ErrCampaignNotDraft),
		errors.Is(err, sequence.ErrCampaignClosed),
		errors.Is(err, sequence.ErrNoSteps),
		errors.Is(err, sequence.ErrNoContacts),
		errors.Is(err, repository.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		metrics.IncAPIErrors("internal")
		s.logger.Error("failed to "+action, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}
