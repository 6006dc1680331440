package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/classifier"
	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/sequence"
)

// ReplyRequest is the request body for POST /api/v1/replies
type ReplyRequest struct {
	CampaignContactID string `json:"campaign_contact_id"`
	MessageID         string `json:"message_id"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
}

// BounceRequest is the request body for POST /api/v1/bounces
type BounceRequest struct {
	CampaignContactID string `json:"campaign_contact_id"`
	Reason            string `json:"reason"`
}

// ClassifyRequest is the request body for POST /api/v1/classify
type ClassifyRequest struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	FirstName string `json:"first_name"`
	Company   string `json:"company"`
}

// journey loads a campaign contact of the calling owner, answering 404 otherwise
func (s *Server) journey(w http.ResponseWriter, r *http.Request, id string) (*models.ContactView, bool) {
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "campaign_contact_id is required")
		return nil, false
	}

	v, err := s.store.CampaignContacts.GetView(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load campaign contact", "campaign_contact_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign contact")
		return nil, false
	}
	if v == nil || v.OwnerID != ownerFrom(r) {
		s.sendError(w, http.StatusNotFound, "Campaign contact not found")
		return nil, false
	}
	return v, true
}

// handleGetCampaignContact handles GET /api/v1/campaign-contacts/{id}
func (s *Server) handleGetCampaignContact(w http.ResponseWriter, r *http.Request) {
	v, ok := s.journey(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	s.sendData(w, http.StatusOK, v)
}

// handleWebhookResume handles POST /api/v1/campaign-contacts/{id}/webhooks/{event}
func (s *Server) handleWebhookResume(w http.ResponseWriter, r *http.Request) {
	v, ok := s.journey(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	event := chi.URLParam(r, "event")

	resumed, err := s.engine.ResumeWebhookWait(r.Context(), v.ID, event)
	if err != nil {
		s.sendEngineError(w, err, "resume webhook wait")
		return
	}

	s.logger.Info("webhook received",
		"campaign_contact_id", v.ID,
		"event", event,
		"resumed", resumed,
	)
	s.sendData(w, http.StatusOK, map[string]any{"resumed": resumed})
}

// handleReply handles POST /api/v1/replies
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Subject == "" && req.Body == "" {
		s.sendError(w, http.StatusBadRequest, "subject or body is required")
		return
	}
	v, ok := s.journey(w, r, req.CampaignContactID)
	if !ok {
		return
	}

	result, err := s.engine.ProcessReply(r.Context(), sequence.Reply{
		CampaignContactID: v.ID,
		MessageID:         req.MessageID,
		Subject:           req.Subject,
		Body:              req.Body,
	})
	if err != nil {
		s.sendEngineError(w, err, "process reply")
		return
	}
	s.sendData(w, http.StatusOK, result)
}

// handleBounce handles POST /api/v1/bounces
func (s *Server) handleBounce(w http.ResponseWriter, r *http.Request) {
	var req BounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	v, ok := s.journey(w, r, req.CampaignContactID)
	if !ok {
		return
	}

	if err := s.engine.RecordBounce(r.Context(), v.ID, req.Reason); err != nil {
		s.sendEngineError(w, err, "record bounce")
		return
	}
	s.sendData(w, http.StatusOK, map[string]any{"status": models.ContactBounced})
}

// handleClassify handles POST /api/v1/classify. It only scores the text and
// changes nothing.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Subject == "" && req.Body == "" {
		s.sendError(w, http.StatusBadRequest, "subject or body is required")
		return
	}

	var contact *classifier.Contact
	if req.FirstName != "" || req.Company != "" {
		contact = &classifier.Contact{FirstName: req.FirstName, Company: req.Company}
	}
	result := classifier.Classify(req.Subject, req.Body, contact)
	s.sendData(w, http.StatusOK, result)
}
