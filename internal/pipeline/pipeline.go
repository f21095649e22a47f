// Package pipeline orchestrates query handling: conversation context,
// query embedding, filtered vector search, feedback-weighted ranking,
// prompt assembly, generation and persistence of the exchange.
//
// Each query is an independent invocation; the only shared mutable state is
// the vector index, the embedding cache and the ranking weights, each of
// which handles its own synchronization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/prompt"
	"github.com/mentora/mentora/internal/rank"
)

// ErrEmptyQuery reports a query with no text.
var ErrEmptyQuery = errors.New("query text must not be empty")

// candidateMultiplier oversizes the index search so the ranker's diversity
// cap still has enough candidates to fill k slots.
const candidateMultiplier = 3

// Citation is one cited source in a response. The JSON shape is persisted
// with the response and read back by the feedback aggregator.
type Citation struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Module     string    `json:"module"`
	Topic      string    `json:"topic"`
	Ordinal    int       `json:"ordinal"`
	Snippet    string    `json:"snippet"`
	Similarity float64   `json:"similarity"`
	Score      float64   `json:"score"`
}

// Request is one user query.
type Request struct {
	Text           string
	ConversationID *uuid.UUID
	Filters        index.Filters
}

// Result is the outcome of one query. When generation fails, Answer is
// empty, Sources still carries the retrieved citations and the returned
// error wraps the generation failure.
type Result struct {
	QueryID        uuid.UUID
	ConversationID uuid.UUID
	ResponseID     uuid.UUID
	Answer         string
	Sources        []Citation
}

// Config tunes one pipeline instance.
type Config struct {
	// TopK is the number of sources returned per query.
	TopK int

	// ContextBudget bounds the conversation history passed to the prompt
	// assembler, in bytes.
	ContextBudget int
}

// conversations is the slice of the conversation store the pipeline needs.
type conversations interface {
	Create(ctx context.Context, contextMap map[string]string) (conversation.Conversation, error)
	Append(ctx context.Context, conversationID uuid.UUID, role, content string) (conversation.Message, error)
	Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Message, error)
	RecentContext(ctx context.Context, conversationID uuid.UUID, budget int) ([]conversation.Message, error)
}

// embedder computes the query vector. Satisfied by *embed.Cache.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// searcher answers filtered nearest-neighbor queries. Satisfied by
// *index.Index.
type searcher interface {
	Search(queryVector []float32, filters index.Filters, k int) ([]index.Candidate, error)
}

// ranker orders candidates under the current weights. Satisfied by
// *rank.Ranker.
type ranker interface {
	Rank(candidates []index.Candidate, weights map[uuid.UUID]float64, k int) []rank.Source
}

// generator produces answer text. Satisfied by *generate.Client.
type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// aggregator supplies ranking weights and accepts feedback. Satisfied by
// *feedback.Aggregator.
type aggregator interface {
	Weights() map[uuid.UUID]float64
	Submit(ctx context.Context, responseID uuid.UUID, rating int, comments string) (feedback.Entry, error)
}

// queryLog persists queries and responses. Satisfied by *Log.
type queryLog interface {
	RecordQuery(ctx context.Context, q QueryRecord) (QueryRecord, error)
	RecordResponse(ctx context.Context, r ResponseRecord) (ResponseRecord, error)
	RecentQueries(ctx context.Context, limit int) ([]QueryRecord, error)
}

// Pipeline wires the retrieval components into the four external
// operations: query, recent messages, feedback and query history.
type Pipeline struct {
	cfg       Config
	convs     conversations
	embedder  embedder
	searcher  searcher
	ranker    ranker
	assembler *prompt.Assembler
	generator generator
	agg       aggregator
	log       queryLog
	logger    *slog.Logger
}

// New creates a Pipeline. All collaborators are required; a nil logger
// falls back to slog.Default().
func New(cfg Config, convs conversations, emb embedder, search searcher, rnk ranker,
	assembler *prompt.Assembler, gen generator, agg aggregator, log queryLog, logger *slog.Logger) (*Pipeline, error) {
	if cfg.TopK < 1 {
		return nil, fmt.Errorf("top k must be positive, got %d", cfg.TopK)
	}
	if cfg.ContextBudget < 0 {
		return nil, fmt.Errorf("context budget must be non-negative, got %d", cfg.ContextBudget)
	}
	if convs == nil {
		return nil, errors.New("conversation store is required")
	}
	if emb == nil {
		return nil, errors.New("embedder is required")
	}
	if search == nil {
		return nil, errors.New("searcher is required")
	}
	if rnk == nil {
		return nil, errors.New("ranker is required")
	}
	if assembler == nil {
		return nil, errors.New("assembler is required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if agg == nil {
		return nil, errors.New("aggregator is required")
	}
	if log == nil {
		return nil, errors.New("query log is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		convs:     convs,
		embedder:  emb,
		searcher:  search,
		ranker:    rnk,
		assembler: assembler,
		generator: gen,
		agg:       agg,
		log:       log,
		logger:    logger,
	}, nil
}

// Query runs one retrieval-augmented exchange. A request without a
// conversation ID starts a new conversation implicitly.
//
// When generation fails after retries, the query, its sources and the user
// turn are still persisted, and the returned Result carries the sources
// alongside the wrapped generation error. Sources are always exactly the
// ranker's selection, never derived from the generated text.
func (p *Pipeline) Query(ctx context.Context, req Request) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, ErrEmptyQuery
	}

	convID, history, err := p.conversationContext(ctx, req)
	if err != nil {
		return Result{}, err
	}

	vector, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("embedding query: %w", err)
	}

	candidates, err := p.searcher.Search(vector, req.Filters, p.cfg.TopK*candidateMultiplier)
	if err != nil {
		return Result{}, fmt.Errorf("searching index: %w", err)
	}
	sources := p.ranker.Rank(candidates, p.agg.Weights(), p.cfg.TopK)

	rendered := p.assembler.Build(text, promptHistory(history), promptSources(sources))

	record, err := p.log.RecordQuery(ctx, QueryRecord{
		ID:             uuid.New(),
		ConversationID: &convID,
		Text:           text,
		Filters:        req.Filters,
	})
	if err != nil {
		return Result{}, err
	}
	if _, err := p.convs.Append(ctx, convID, conversation.RoleUser, text); err != nil {
		return Result{}, fmt.Errorf("appending user turn: %w", err)
	}

	citations := toCitations(sources)
	result := Result{
		QueryID:        record.ID,
		ConversationID: convID,
		Sources:        citations,
	}

	answer, genErr := p.generator.Generate(ctx, rendered)
	if genErr != nil {
		p.logger.Warn("generation failed, returning sources only",
			"query_id", record.ID, "error", genErr)
		return result, fmt.Errorf("generating answer: %w", genErr)
	}

	response, err := p.log.RecordResponse(ctx, ResponseRecord{
		ID:      uuid.New(),
		QueryID: record.ID,
		Answer:  answer,
		Sources: citations,
	})
	if err != nil {
		return result, err
	}
	if _, err := p.convs.Append(ctx, convID, conversation.RoleAssistant, answer); err != nil {
		return result, fmt.Errorf("appending assistant turn: %w", err)
	}

	result.ResponseID = response.ID
	result.Answer = answer
	p.logger.Info("query answered",
		"query_id", record.ID, "conversation_id", convID, "sources", len(citations))
	return result, nil
}

// RecentMessages returns the latest messages of a conversation in
// chronological order.
func (p *Pipeline) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Message, error) {
	return p.convs.Recent(ctx, conversationID, limit)
}

// SubmitFeedback records a rating for a response and folds it into the
// ranking weights.
func (p *Pipeline) SubmitFeedback(ctx context.Context, responseID uuid.UUID, rating int, comments string) (feedback.Entry, error) {
	return p.agg.Submit(ctx, responseID, rating, comments)
}

// RecentQueries lists the latest queries, newest first.
func (p *Pipeline) RecentQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	return p.log.RecentQueries(ctx, limit)
}

// conversationContext resolves or implicitly creates the conversation and
// loads the budgeted history window.
func (p *Pipeline) conversationContext(ctx context.Context, req Request) (uuid.UUID, []conversation.Message, error) {
	if req.ConversationID == nil {
		contextMap := map[string]string{}
		if len(req.Filters.Modules) == 1 {
			contextMap["module"] = req.Filters.Modules[0]
		}
		conv, err := p.convs.Create(ctx, contextMap)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("creating conversation: %w", err)
		}
		return conv.ID, nil, nil
	}

	history, err := p.convs.RecentContext(ctx, *req.ConversationID, p.cfg.ContextBudget)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("loading conversation context: %w", err)
	}
	return *req.ConversationID, history, nil
}

func promptHistory(msgs []conversation.Message) []prompt.Message {
	out := make([]prompt.Message, len(msgs))
	for i, m := range msgs {
		out[i] = prompt.Message{Role: m.Role, Text: m.Content}
	}
	return out
}

func promptSources(sources []rank.Source) []prompt.Source {
	out := make([]prompt.Source, len(sources))
	for i, s := range sources {
		title := s.Entry.Module
		if s.Entry.Topic != "" {
			title = fmt.Sprintf("%s / %s", s.Entry.Module, s.Entry.Topic)
		}
		out[i] = prompt.Source{Title: title, Text: s.Entry.Text}
	}
	return out
}

func toCitations(sources []rank.Source) []Citation {
	out := make([]Citation, len(sources))
	for i, s := range sources {
		out[i] = Citation{
			ChunkID:    s.Entry.ChunkID,
			DocumentID: s.Entry.DocumentID,
			Module:     s.Entry.Module,
			Topic:      s.Entry.Topic,
			Ordinal:    s.Entry.Ordinal,
			Snippet:    snippet(s.Entry.Text),
			Similarity: s.Similarity,
			Score:      s.FinalScore,
		}
	}
	return out
}

// snippet trims the chunk text to a short preview for the citation payload.
func snippet(text string) string {
	const max = 160
	if len(text) <= max {
		return text
	}
	cut := strings.LastIndexByte(text[:max], ' ')
	if cut < max/2 {
		cut = max
	}
	return text[:cut] + "…"
}
