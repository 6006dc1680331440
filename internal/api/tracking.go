package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/mailer"
	"github.com/foxzi/outreach/internal/repository"
)

// transparentGIF is a 1x1 transparent GIF
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// token verifies the signed token of a tracking URL
func (s *Server) token(r *http.Request, kind mailer.TrackingKind) (*mailer.TrackingToken, bool) {
	tok, err := s.tracker.Parse(chi.URLParam(r, "token"))
	if err != nil || tok.Kind != kind {
		s.logger.Debug("rejected tracking token", "path", r.URL.Path, "error", err)
		return nil, false
	}
	return tok, true
}

// handleTrackOpen handles GET /t/o/{token}. The pixel is served whatever
// happens to the token.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	if tok, ok := s.token(r, mailer.TrackOpen); ok {
		if err := s.engine.RecordOpen(r.Context(), tok.CampaignContactID, tok.StepOrder); err != nil &&
			!errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("failed to record open",
				"campaign_contact_id", tok.CampaignContactID,
				"step", tok.StepOrder,
				"error", err,
			)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// handleTrackClick handles GET /t/c/{token}
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.token(r, mailer.TrackClick)
	if !ok {
		http.NotFound(w, r)
		return
	}

	target, err := url.Parse(tok.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		http.NotFound(w, r)
		return
	}

	if err := s.engine.RecordClick(r.Context(), tok.CampaignContactID, tok.StepOrder, tok.URL); err != nil &&
		!errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("failed to record click",
			"campaign_contact_id", tok.CampaignContactID,
			"step", tok.StepOrder,
			"error", err,
		)
	}

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleUnsubscribe handles GET and POST /t/u/{token}. POST is the RFC 8058
// one-click form sent by mailbox providers.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.token(r, mailer.TrackUnsubscribe)
	if !ok {
		http.NotFound(w, r)
		return
	}

	err := s.engine.Unsubscribe(r.Context(), tok.CampaignContactID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.logger.Error("failed to unsubscribe",
			"campaign_contact_id", tok.CampaignContactID,
			"error", err,
		)
		http.Error(w, "Unsubscribe failed, please try again later", http.StatusInternalServerError)
		return
	}

	s.logger.Info("contact unsubscribed", "campaign_contact_id", tok.CampaignContactID, "method", r.Method)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("You have been unsubscribed.\n"))
}
