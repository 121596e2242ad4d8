// Package api exposes the engine operations over HTTP. Handlers are thin
// wrappers that decode a request, call one service method and encode the
// result.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/docvault/internal/config"
	"github.com/sells-group/docvault/internal/extraction"
	"github.com/sells-group/docvault/internal/organizer"
	"github.com/sells-group/docvault/internal/query"
	"github.com/sells-group/docvault/internal/verification"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the services behind the HTTP routes.
type Server struct {
	Engine    *extraction.Engine
	Verifier  *verification.Service
	Organizer *organizer.Organizer
	Query     *query.Service
	Health    Pinger

	// MaxUploadBytes bounds multipart uploads; zero means 32 MiB.
	MaxUploadBytes int64
}

// Router builds the route table.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/files", func(r chi.Router) {
		r.Post("/", s.handleUpload)
		r.Delete("/{id}", s.handleDeleteFile)
		r.Post("/{id}/extractions", s.handleStartExtraction)
	})
	r.Route("/extractions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetExtraction)
		r.Post("/retry", s.handleRetry)
		r.Post("/template", s.handleAssignTemplate)
		r.Post("/reclassify", s.handleReclassify)
	})
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Post("/cancel", s.handleCancelJob)
	})

	r.Get("/verification/queue", s.handleQueue)
	r.Route("/verification/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/complete", s.handleCompleteSession)
	})
	r.Post("/fields/{id}/verify", s.handleVerify)
	r.Get("/fields/{id}/history", s.handleHistory)

	r.Get("/folders", s.handleBrowse)
	r.Get("/folders/breadcrumbs", s.handleBreadcrumbs)
	r.Post("/folders/reorganize", s.handleReorganize)

	r.Post("/query", s.handleQuery)
	r.Post("/query/feedback", s.handleQueryFeedback)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
