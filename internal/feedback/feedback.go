// Package feedback records ratings on responses and folds them into
// per-document ranking weights via an exponential moving average.
//
// The aggregator is the only writer of ranking weights. The ranker reads a
// point-in-time snapshot and may lag by one update; ranking treats the
// weight as a soft signal.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInvalidRating reports a rating outside the 1..5 scale.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// ErrResponseNotFound reports feedback on a response that does not exist.
var ErrResponseNotFound = errors.New("response not found")

// neutralWeight is the starting weight for a document with no feedback.
const neutralWeight = 0.5

// Entry is one recorded feedback sample.
type Entry struct {
	ID         uuid.UUID
	ResponseID uuid.UUID
	Rating     int
	Comments   string
	CreatedAt  time.Time
}

// Aggregator persists feedback and maintains the ranking weights, both in
// PostgreSQL and as an in-memory snapshot for the ranker.
//
// Aggregator is safe for concurrent use by multiple goroutines. Concurrent
// feedback on the same document serializes on the row update; no sample is
// silently lost.
type Aggregator struct {
	pool   *pgxpool.Pool
	alpha  float64
	logger *slog.Logger

	mu      sync.RWMutex
	weights map[uuid.UUID]float64
}

// NewAggregator creates an Aggregator with smoothing factor alpha in (0, 1].
// A nil logger falls back to slog.Default().
func NewAggregator(pool *pgxpool.Pool, alpha float64, logger *slog.Logger) (*Aggregator, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha %f must be in (0, 1]", alpha)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		pool:    pool,
		alpha:   alpha,
		logger:  logger,
		weights: make(map[uuid.UUID]float64),
	}, nil
}

// Load populates the in-memory weight snapshot from storage. Called once at
// startup.
func (a *Aggregator) Load(ctx context.Context) error {
	rows, err := a.pool.Query(ctx, `SELECT document_id, weight FROM ranking_weights`)
	if err != nil {
		return fmt.Errorf("loading ranking weights: %w", err)
	}
	defer rows.Close()

	loaded := make(map[uuid.UUID]float64)
	for rows.Next() {
		var id uuid.UUID
		var weight float64
		if err := rows.Scan(&id, &weight); err != nil {
			return fmt.Errorf("scanning ranking weight: %w", err)
		}
		loaded[id] = weight
	}
	if err := rows.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.weights = loaded
	a.mu.Unlock()
	a.logger.Info("ranking weights loaded", "documents", len(loaded))
	return nil
}

// Submit records the feedback and updates the ranking weight of every
// document cited by the response: weight = weight*(1-alpha) + rating*alpha,
// with the rating normalized from 1..5 into [0, 1].
func (a *Aggregator) Submit(ctx context.Context, responseID uuid.UUID, rating int, comments string) (Entry, error) {
	if rating < 1 || rating > 5 {
		return Entry{}, fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}

	docIDs, err := a.citedDocuments(ctx, responseID)
	if err != nil {
		return Entry{}, err
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			a.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	entry := Entry{
		ID:         uuid.New(),
		ResponseID: responseID,
		Rating:     rating,
		Comments:   comments,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO feedback (id, response_id, rating, comments)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		entry.ID, responseID, rating, comments).Scan(&entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("recording feedback: %w", err)
	}

	normalized := float64(rating-1) / 4
	updated := make(map[uuid.UUID]float64, len(docIDs))
	for _, docID := range docIDs {
		// The EMA is applied in a single UPDATE so concurrent feedback on
		// the same document serializes at the row and no sample is lost.
		var weight float64
		err := tx.QueryRow(ctx, `
			INSERT INTO ranking_weights (document_id, weight, sample_count)
			VALUES ($1, $2 * (1 - $3) + $4 * $3, 1)
			ON CONFLICT (document_id) DO UPDATE SET
				weight = ranking_weights.weight * (1 - $3) + $4 * $3,
				sample_count = ranking_weights.sample_count + 1,
				updated_at = now()
			RETURNING weight`,
			docID, neutralWeight, a.alpha, normalized).Scan(&weight)
		if err != nil {
			return Entry{}, fmt.Errorf("updating ranking weight: %w", err)
		}
		updated[docID] = weight
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("committing feedback: %w", err)
	}

	a.mu.Lock()
	for docID, weight := range updated {
		a.weights[docID] = weight
	}
	a.mu.Unlock()

	a.logger.Info("feedback recorded",
		"response_id", responseID, "rating", rating, "documents", len(docIDs))
	return entry, nil
}

// Weights returns a snapshot of the current per-document weights.
func (a *Aggregator) Weights() map[uuid.UUID]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snapshot := make(map[uuid.UUID]float64, len(a.weights))
	for id, w := range a.weights {
		snapshot[id] = w
	}
	return snapshot
}

// Weight returns the current weight for one document, or the neutral weight
// when the document has no feedback yet.
func (a *Aggregator) Weight(documentID uuid.UUID) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.weights[documentID]; ok {
		return w
	}
	return neutralWeight
}

// citedDocuments returns the distinct documents cited by the response.
func (a *Aggregator) citedDocuments(ctx context.Context, responseID uuid.UUID) ([]uuid.UUID, error) {
	var sources []byte
	err := a.pool.QueryRow(ctx,
		`SELECT sources FROM responses WHERE id = $1`, responseID).Scan(&sources)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResponseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading response sources: %w", err)
	}

	var cited []struct {
		DocumentID uuid.UUID `json:"document_id"`
	}
	if err := json.Unmarshal(sources, &cited); err != nil {
		return nil, fmt.Errorf("decoding response sources: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(cited))
	docIDs := make([]uuid.UUID, 0, len(cited))
	for _, c := range cited {
		if c.DocumentID == uuid.Nil || seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		docIDs = append(docIDs, c.DocumentID)
	}
	return docIDs, nil
}
