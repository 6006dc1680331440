package api

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/outreach/internal/metrics"
)

type ctxKey string

const ctxKeyOwner ctxKey = "owner"

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the API key to the owner it acts as
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check Authorization header
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check X-API-Key header
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" {
			metrics.IncAPIErrors("unauthorized")
			s.sendError(w, http.StatusUnauthorized, "API key required")
			return
		}

		owner, ok := s.lookupKey(auth)
		if !ok {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			metrics.IncAPIErrors("unauthorized")
			s.sendError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyOwner, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookupKey compares key against the configured bcrypt hashes. Matches are
// cached by digest so each key pays the bcrypt cost once per process.
func (s *Server) lookupKey(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))
	if owner, ok := s.verified.Load(digest); ok {
		return owner.(string), true
	}

	for _, k := range s.config.Keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			s.verified.Store(digest, k.Owner)
			return k.Owner, true
		}
	}
	return "", false
}

// ownerFrom returns the owner id set by authMiddleware
func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ctxKeyOwner).(string)
	return owner
}
