// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/auth"
	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/protocol"
	"github.com/relaydrive/relaydrive/internal/ratelimit"
	"github.com/relaydrive/relaydrive/internal/storage"
)

// FileStore persists file metadata.
type FileStore interface {
	CreateFile(ctx context.Context, f *postgres.FileRow) error
	GetFile(ctx context.Context, id string) (*postgres.FileRow, error)
	ListFiles(ctx context.Context, ownerID string) ([]*postgres.FileRow, error)
	Stats(ctx context.Context) (*postgres.Stats, error)
}

// Server is the HTTP server.
type Server struct {
	auth    *auth.Authenticator
	origins *auth.OriginValidator
	limiter *ratelimit.Limiter
	files   FileStore
	blobs   storage.BlobStore // nil when no relay is configured
	log     *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBlobStore sets the relay backend for file content.
func WithBlobStore(blobs storage.BlobStore) Option {
	return func(s *Server) { s.blobs = blobs }
}

// WithLogger sets the server's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(log) }
}

// NewServer creates a new server.
func NewServer(authenticator *auth.Authenticator, origins *auth.OriginValidator, limiter *ratelimit.Limiter, files FileStore, opts ...Option) *Server {
	s := &Server{
		auth:    authenticator,
		origins: origins,
		limiter: limiter,
		files:   files,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with logging and metrics middleware.
//
// Every API route passes the rate limiter first, then the origin check,
// then authentication, so a cross-origin request never reaches the
// identity lookup.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware, metrics.Middleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		protocol.WriteError(w, http.StatusNotFound, protocol.CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		protocol.WriteError(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed")
	})

	r.Get("/health", s.handleHealth)

	csrf := auth.CSRFMiddleware(s.origins)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(s.limiter, ratelimit.PolicyAuth), csrf)
			r.Post("/auth/register", s.auth.HandleRegister)
			r.Post("/auth/login", s.auth.HandleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(s.limiter, ratelimit.PolicyUpload), csrf, s.auth.Middleware)
			r.Post("/files", s.handleUpload)
		})

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(s.limiter, ratelimit.PolicyAPI), csrf)
			r.Post("/auth/logout", s.auth.HandleLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.auth.Middleware)
				r.Get("/auth/me", s.auth.HandleMe)
				r.Get("/files", s.handleListFiles)
				r.Get("/files/{id}", s.handleGetFile)
				r.Get("/files/{id}/content", s.handleContent)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.auth.AdminMiddleware)
				r.Get("/admin/stats", s.handleStats)
				r.Get("/admin/relay", s.handleRelayStatus)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"relay":  s.blobs != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.files.Stats(r.Context())
	if err != nil {
		s.logger(r).Error("stats query failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.StatsResponse{
		Users:      st.Users,
		Files:      st.Files,
		TotalBytes: st.TotalBytes,
	})
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		protocol.WriteJSON(w, http.StatusOK, protocol.RelayStatusResponse{})
		return
	}
	resp := protocol.RelayStatusResponse{
		Credentials: s.blobs.VerifyCredentials(r.Context()),
	}
	if resp.Credentials {
		resp.Destination = s.blobs.VerifyDestinationAccess(r.Context())
	}
	protocol.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) logger(r *http.Request) *zap.Logger {
	if id := logging.GetRequestID(r.Context()); id != "" {
		return s.log.With(zap.String("request_id", id))
	}
	return s.log
}
