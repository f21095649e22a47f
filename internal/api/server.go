// Package api exposes the query pipeline over HTTP with a JSON API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/pipeline"
)

// querier is the slice of the pipeline the server needs. Satisfied by
// *pipeline.Pipeline.
type querier interface {
	Query(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Message, error)
	SubmitFeedback(ctx context.Context, responseID uuid.UUID, rating int, comments string) (feedback.Entry, error)
	RecentQueries(ctx context.Context, limit int) ([]pipeline.QueryRecord, error)
}

// Server is the HTTP front for the query pipeline.
type Server struct {
	mux      *http.ServeMux
	pipeline querier
	logger   *slog.Logger
}

// NewServer creates a Server with all routes configured. A nil logger falls
// back to slog.Default().
func NewServer(p querier, logger *slog.Logger) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:      http.NewServeMux(),
		pipeline: p,
		logger:   logger,
	}

	s.mux.HandleFunc("POST /api/query", s.handleQuery)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /api/queries", s.handleQueries)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s, nil
}

// Handler returns the server's handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = LoggingMiddleware(s.logger)(h)
	h = RecoveryMiddleware(s.logger)(h)
	return h
}

// HTTPServer builds an http.Server with sane timeouts on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
