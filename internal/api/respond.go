package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/embed"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/generate"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/knowledge"
	"github.com/mentora/mentora/internal/pipeline"
)

// errorBody is the JSON error payload. Sources is populated when a query
// retrieved citations but generation failed.
type errorBody struct {
	Error   string              `json:"error"`
	Sources []pipeline.Citation `json:"sources,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	writeJSON(w, logger, statusFor(err), errorBody{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery),
		errors.Is(err, index.ErrInvalidFilter),
		errors.Is(err, feedback.ErrInvalidRating):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, feedback.ErrResponseNotFound),
		errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, embed.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, embed.ErrUnavailable),
		errors.Is(err, generate.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
