// Package knowledge manages the document corpus: persistence of documents,
// chunks and embeddings in PostgreSQL, and the ingestion flow that keeps the
// in-memory vector index current.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/mentora/mentora/internal/chunk"
	"github.com/mentora/mentora/internal/index"
)

// ErrNotFound reports that no document exists with the given ID.
var ErrNotFound = errors.New("document not found")

// ErrEmptyDocument reports an ingestion attempt with no content.
var ErrEmptyDocument = errors.New("document has no content")

// ErrIndexUnavailable reports that the vector index could not be rebuilt
// from storage. The in-memory index itself never fails transiently; it is
// the load from the chunks and embeddings tables that can.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// embedConcurrency caps parallel embedding calls during one ingestion.
const embedConcurrency = 4

// Document is a unit of course material in the corpus.
type Document struct {
	ID           uuid.UUID
	Title        string
	Content      string
	DocumentType string
	Module       string
	Topic        string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// embedder computes embedding vectors. Satisfied by *embed.Cache.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Invalidate(hash string)
}

const documentCols = `id, title, content, document_type, module, topic, metadata, created_at, updated_at`

// Store persists the corpus and mirrors it into the vector index.
//
// Store is safe for concurrent use by multiple goroutines. Ingestion of
// distinct documents proceeds in parallel; concurrent ingestion of the same
// document is serialized by a per-document advisory lock.
type Store struct {
	pool     *pgxpool.Pool
	splitter *chunk.Splitter
	embedder embedder
	idx      *index.Index
	logger   *slog.Logger
}

// NewStore creates a knowledge Store. A nil logger falls back to
// slog.Default().
func NewStore(pool *pgxpool.Pool, splitter *chunk.Splitter, emb embedder, idx *index.Index, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if splitter == nil {
		return nil, fmt.Errorf("splitter is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if idx == nil {
		return nil, fmt.Errorf("index is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, splitter: splitter, embedder: emb, idx: idx, logger: logger}, nil
}

// Ingest persists the document and replaces its chunks, embeddings and index
// entries. A zero document ID creates a new document; an existing ID
// re-ingests it, invalidating the previous chunks' cached embeddings.
//
// Embedding happens before the transaction so no connection is held during
// external calls.
func (s *Store) Ingest(ctx context.Context, doc Document) (Document, error) {
	if doc.Content == "" {
		return Document{}, ErrEmptyDocument
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	chunks := s.splitter.Split(doc.Content)

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// Serialize concurrent ingestion of the same document.
	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, doc.ID.String()); lockErr != nil {
		return Document{}, fmt.Errorf("acquiring advisory lock: %w", lockErr)
	}

	// Hashes carried over into the new version are not stale: their
	// embeddings rows and cached vectors stay valid across the re-ingest.
	keep := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		keep[c.ContentHash] = true
	}

	staleHashes, err := s.deleteChunks(ctx, tx, doc.ID, keep)
	if err != nil {
		return Document{}, err
	}

	doc, err = upsertDocument(ctx, tx, doc)
	if err != nil {
		return Document{}, err
	}

	chunkIDs := make([]uuid.UUID, len(chunks))
	for i, c := range chunks {
		chunkIDs[i] = uuid.New()
		if err := insertChunk(ctx, tx, chunkIDs[i], doc.ID, c); err != nil {
			return Document{}, err
		}
		if err := upsertEmbedding(ctx, tx, c.ContentHash, vectors[i]); err != nil {
			return Document{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("committing ingest transaction: %w", err)
	}

	// The index and embedding cache are derived state, updated after commit.
	for _, h := range staleHashes {
		s.embedder.Invalidate(h)
	}
	s.idx.RemoveDocument(doc.ID)
	for i, c := range chunks {
		entry := index.Entry{
			ChunkID:           chunkIDs[i],
			DocumentID:        doc.ID,
			DocumentType:      doc.DocumentType,
			Module:            doc.Module,
			Topic:             doc.Topic,
			DocumentUpdatedAt: doc.UpdatedAt,
			Ordinal:           c.Ordinal,
			Text:              c.Text,
			Vector:            vectors[i],
		}
		if err := s.idx.Upsert(entry); err != nil {
			return Document{}, fmt.Errorf("indexing chunk %d: %w", c.Ordinal, err)
		}
	}

	s.logger.Info("document ingested",
		"document_id", doc.ID, "module", doc.Module, "chunks", len(chunks))
	return doc, nil
}

// embedChunks computes vectors for all chunks with bounded parallelism.
// Duplicate content across chunks coalesces inside the embedding cache.
func (s *Store) embedChunks(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, c := range chunks {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, c.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", c.Ordinal, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Remove deletes the document, its chunks (by cascade) and its index
// entries. Removing an absent document fails with ErrNotFound.
func (s *Store) Remove(ctx context.Context, documentID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	removed := s.idx.RemoveDocument(documentID)
	s.logger.Info("document removed", "document_id", documentID, "index_entries", removed)
	return nil
}

// Get loads one document by ID.
func (s *Store) Get(ctx context.Context, documentID uuid.UUID) (Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// List returns documents ordered by most recent update.
func (s *Store) List(ctx context.Context, limit int) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentCols+` FROM documents ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// RebuildIndex reloads every persisted chunk and embedding into the vector
// index. Called at startup; the index is fully derivable from storage.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.ordinal, c.content, e.embedding,
		       d.document_type, d.module, d.topic, d.updated_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		JOIN embeddings e ON e.content_hash = c.content_hash
		ORDER BY c.document_id, c.ordinal`)
	if err != nil {
		return 0, fmt.Errorf("%w: loading index entries: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var entry index.Entry
		var vec pgvector.Vector
		if err := rows.Scan(&entry.ChunkID, &entry.DocumentID, &entry.Ordinal, &entry.Text,
			&vec, &entry.DocumentType, &entry.Module, &entry.Topic, &entry.DocumentUpdatedAt); err != nil {
			return count, fmt.Errorf("scanning index entry: %w", err)
		}
		entry.Vector = vec.Slice()
		if err := s.idx.Upsert(entry); err != nil {
			return count, fmt.Errorf("indexing chunk %s: %w", entry.ChunkID, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	s.logger.Info("vector index rebuilt", "entries", count)
	return count, nil
}

// deleteChunks removes the document's chunks and returns the content hashes
// that no other chunk still references, so their cached embeddings can be
// invalidated. Hashes in keep belong to the incoming version of the document
// and are never treated as stale.
func (s *Store) deleteChunks(ctx context.Context, q querier, documentID uuid.UUID, keep map[string]bool) ([]string, error) {
	rows, err := q.Query(ctx, `
		DELETE FROM chunks WHERE document_id = $1
		RETURNING content_hash`, documentID)
	if err != nil {
		return nil, fmt.Errorf("deleting stale chunks: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting stale hashes: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	// Keep hashes still referenced by other documents' chunks.
	stale := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if keep[h] {
			continue
		}
		var referenced bool
		err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM chunks WHERE content_hash = $1)`, h).Scan(&referenced)
		if err != nil {
			return nil, fmt.Errorf("checking hash references: %w", err)
		}
		if !referenced {
			stale = append(stale, h)
			if _, err := q.Exec(ctx, `DELETE FROM embeddings WHERE content_hash = $1`, h); err != nil {
				return nil, fmt.Errorf("deleting stale embedding: %w", err)
			}
		}
	}
	return stale, nil
}

func upsertDocument(ctx context.Context, q querier, doc Document) (Document, error) {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return Document{}, fmt.Errorf("encoding metadata: %w", err)
	}
	row := q.QueryRow(ctx, `
		INSERT INTO documents (id, title, content, document_type, module, topic, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			document_type = EXCLUDED.document_type,
			module = EXCLUDED.module,
			topic = EXCLUDED.topic,
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING `+documentCols,
		doc.ID, doc.Title, doc.Content, doc.DocumentType, doc.Module, doc.Topic, metadata)
	return scanDocument(row)
}

func insertChunk(ctx context.Context, q querier, id, documentID uuid.UUID, c chunk.Chunk) error {
	_, err := q.Exec(ctx, `
		INSERT INTO chunks (id, document_id, ordinal, content, start_offset, end_offset, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, documentID, c.Ordinal, c.Text, c.Start, c.End, c.ContentHash)
	if err != nil {
		return fmt.Errorf("inserting chunk %d: %w", c.Ordinal, err)
	}
	return nil
}

func upsertEmbedding(ctx context.Context, q querier, contentHash string, vec []float32) error {
	_, err := q.Exec(ctx, `
		INSERT INTO embeddings (content_hash, embedding)
		VALUES ($1, $2)
		ON CONFLICT (content_hash) DO NOTHING`,
		contentHash, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("upserting embedding: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	var metadata []byte
	err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.DocumentType, &doc.Module,
		&doc.Topic, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return doc, nil
}
