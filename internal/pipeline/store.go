package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentora/mentora/internal/index"
)

// QueryRecord is a persisted query, kept for history listing and feedback
// attribution.
type QueryRecord struct {
	ID             uuid.UUID
	ConversationID *uuid.UUID
	Text           string
	Filters        index.Filters
	CreatedAt      time.Time
}

// ResponseRecord is a persisted response with its cited sources.
type ResponseRecord struct {
	ID        uuid.UUID
	QueryID   uuid.UUID
	Answer    string
	Sources   []Citation
	CreatedAt time.Time
}

// Log persists queries and responses in PostgreSQL.
type Log struct {
	pool *pgxpool.Pool
}

// NewLog creates a query log backed by the pool.
func NewLog(pool *pgxpool.Pool) (*Log, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Log{pool: pool}, nil
}

// RecordQuery persists the query and returns it with its timestamp set.
func (l *Log) RecordQuery(ctx context.Context, q QueryRecord) (QueryRecord, error) {
	filters, err := json.Marshal(filtersToMap(q.Filters))
	if err != nil {
		return QueryRecord{}, fmt.Errorf("encoding filters: %w", err)
	}
	err = l.pool.QueryRow(ctx, `
		INSERT INTO queries (id, conversation_id, text, filters)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		q.ID, q.ConversationID, q.Text, filters).Scan(&q.CreatedAt)
	if err != nil {
		return QueryRecord{}, fmt.Errorf("recording query: %w", err)
	}
	return q, nil
}

// RecordResponse persists the response and returns it with its timestamp
// set.
func (l *Log) RecordResponse(ctx context.Context, r ResponseRecord) (ResponseRecord, error) {
	sources := r.Sources
	if sources == nil {
		sources = []Citation{}
	}
	encoded, err := json.Marshal(sources)
	if err != nil {
		return ResponseRecord{}, fmt.Errorf("encoding sources: %w", err)
	}
	err = l.pool.QueryRow(ctx, `
		INSERT INTO responses (id, query_id, answer, sources)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		r.ID, r.QueryID, r.Answer, encoded).Scan(&r.CreatedAt)
	if err != nil {
		return ResponseRecord{}, fmt.Errorf("recording response: %w", err)
	}
	return r, nil
}

// RecentQueries returns the latest queries, newest first.
func (l *Log) RecentQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, conversation_id, text, filters, created_at
		FROM queries
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queries: %w", err)
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var q QueryRecord
		var filters []byte
		if err := rows.Scan(&q.ID, &q.ConversationID, &q.Text, &filters, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning query: %w", err)
		}
		raw := map[string][]string{}
		if len(filters) > 0 {
			if err := json.Unmarshal(filters, &raw); err != nil {
				return nil, fmt.Errorf("decoding filters: %w", err)
			}
		}
		q.Filters, err = index.ParseFilters(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, q)
	}
	return records, rows.Err()
}

// Response loads one response by ID.
func (l *Log) Response(ctx context.Context, id uuid.UUID) (ResponseRecord, error) {
	var r ResponseRecord
	var sources []byte
	err := l.pool.QueryRow(ctx, `
		SELECT id, query_id, answer, sources, created_at
		FROM responses WHERE id = $1`, id).
		Scan(&r.ID, &r.QueryID, &r.Answer, &sources, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResponseRecord{}, fmt.Errorf("response %s: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return ResponseRecord{}, fmt.Errorf("loading response: %w", err)
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &r.Sources); err != nil {
			return ResponseRecord{}, fmt.Errorf("decoding sources: %w", err)
		}
	}
	return r, nil
}

func filtersToMap(f index.Filters) map[string][]string {
	raw := map[string][]string{}
	if len(f.DocumentTypes) > 0 {
		raw["document_type"] = f.DocumentTypes
	}
	if len(f.Modules) > 0 {
		raw["module"] = f.Modules
	}
	if len(f.Topics) > 0 {
		raw["topic"] = f.Topics
	}
	return raw
}
