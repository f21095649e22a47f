package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/generate"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/pipeline"
)

const defaultListLimit = 20

type queryRequest struct {
	Text           string              `json:"text"`
	ConversationID *uuid.UUID          `json:"conversation_id,omitempty"`
	Filters        map[string][]string `json:"filters,omitempty"`
}

type queryResponse struct {
	QueryID        uuid.UUID           `json:"query_id"`
	ConversationID uuid.UUID           `json:"conversation_id"`
	ResponseID     uuid.UUID           `json:"response_id"`
	Answer         string              `json:"answer"`
	Sources        []pipeline.Citation `json:"sources"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	filters, err := index.ParseFilters(req.Filters)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	result, err := s.pipeline.Query(r.Context(), pipeline.Request{
		Text:           req.Text,
		ConversationID: req.ConversationID,
		Filters:        filters,
	})
	if err != nil {
		// A generation failure still carries the retrieved sources.
		if errors.Is(err, generate.ErrUnavailable) {
			writeJSON(w, s.logger, statusFor(err), errorBody{
				Error:   err.Error(),
				Sources: result.Sources,
			})
			return
		}
		writeError(w, s.logger, err)
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []pipeline.Citation{}
	}
	writeJSON(w, s.logger, http.StatusOK, queryResponse{
		QueryID:        result.QueryID,
		ConversationID: result.ConversationID,
		ResponseID:     result.ResponseID,
		Answer:         result.Answer,
		Sources:        sources,
	})
}

type messagePayload struct {
	ID        uuid.UUID `json:"id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: "invalid conversation ID"})
		return
	}
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	msgs, err := s.pipeline.RecentMessages(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	payload := make([]messagePayload, len(msgs))
	for i, m := range msgs {
		payload[i] = messagePayload{
			ID: m.ID, Seq: m.Seq, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt,
		}
	}
	writeJSON(w, s.logger, http.StatusOK, payload)
}

type feedbackRequest struct {
	ResponseID uuid.UUID `json:"response_id"`
	Rating     int       `json:"rating"`
	Comments   string    `json:"comments"`
}

type feedbackResponse struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	if req.ResponseID == uuid.Nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: "response_id is required"})
		return
	}

	entry, err := s.pipeline.SubmitFeedback(r.Context(), req.ResponseID, req.Rating, req.Comments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, http.StatusCreated, feedbackResponse{ID: entry.ID, CreatedAt: entry.CreatedAt})
}

type queryListItem struct {
	ID             uuid.UUID           `json:"id"`
	ConversationID *uuid.UUID          `json:"conversation_id,omitempty"`
	Text           string              `json:"text"`
	Filters        map[string][]string `json:"filters"`
	CreatedAt      time.Time           `json:"created_at"`
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	records, err := s.pipeline.RecentQueries(r.Context(), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	payload := make([]queryListItem, len(records))
	for i, q := range records {
		payload[i] = queryListItem{
			ID:             q.ID,
			ConversationID: q.ConversationID,
			Text:           q.Text,
			Filters:        filtersMap(q.Filters),
			CreatedAt:      q.CreatedAt,
		}
	}
	writeJSON(w, s.logger, http.StatusOK, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func limitParam(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 200 {
		return 0, fmt.Errorf("limit must be an integer between 1 and 200")
	}
	return limit, nil
}

func filtersMap(f index.Filters) map[string][]string {
	out := map[string][]string{}
	if len(f.DocumentTypes) > 0 {
		out["document_type"] = f.DocumentTypes
	}
	if len(f.Modules) > 0 {
		out["module"] = f.Modules
	}
	if len(f.Topics) > 0 {
		out["topic"] = f.Topics
	}
	return out
}
