// Package conversation persists append-only conversation logs and serves
// the recent-context window for prompt assembly.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports that no conversation exists with the given ID.
var ErrNotFound = errors.New("conversation not found")

// Roles for messages. Conversations only ever alternate between these two.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation. Messages are never reordered or
// mutated after append.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Conversation is an ordered message log with a free-form context map.
type Conversation struct {
	ID        uuid.UUID
	Context   map[string]string
	CreatedAt time.Time
}

// Store persists conversations in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines. Appends to the
// same conversation serialize on a per-conversation advisory lock so
// sequence numbers stay gapless.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a conversation Store. A nil logger falls back to
// slog.Default().
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Create starts a new conversation with the given context map.
func (s *Store) Create(ctx context.Context, contextMap map[string]string) (Conversation, error) {
	encoded, err := json.Marshal(contextMap)
	if err != nil {
		return Conversation{}, fmt.Errorf("encoding context: %w", err)
	}

	conv := Conversation{ID: uuid.New(), Context: contextMap}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, context)
		VALUES ($1, $2)
		RETURNING created_at`, conv.ID, encoded).Scan(&conv.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// Get loads one conversation by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Conversation, error) {
	var conv Conversation
	var encoded []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, context, created_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &encoded, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("loading conversation: %w", err)
	}
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &conv.Context); err != nil {
			return Conversation{}, fmt.Errorf("decoding context: %w", err)
		}
	}
	return conv, nil
}

// Append adds a message to the end of the conversation and returns it with
// its assigned sequence number.
func (s *Store) Append(ctx context.Context, conversationID uuid.UUID, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// Serialize appends per conversation so sequence numbers never collide.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conversationID.String()); err != nil {
		return Message{}, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return Message{}, fmt.Errorf("checking conversation: %w", err)
	}
	if !exists {
		return Message{}, ErrNotFound
	}

	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content)
		VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $2),
			$3, $4)
		RETURNING seq, created_at`,
		msg.ID, conversationID, role, content).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("committing append: %w", err)
	}
	return msg, nil
}

// Recent returns the latest messages in chronological order, at most limit.
func (s *Store) Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if err := s.ensureExists(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, seq, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// RecentContext returns the most recent messages whose combined content size
// fits the byte budget, walking backward from the latest message. Messages
// are never truncated; whole messages drop from the oldest end first. The
// result is in chronological order.
func (s *Store) RecentContext(ctx context.Context, conversationID uuid.UUID, budget int) ([]Message, error) {
	if err := s.ensureExists(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, seq, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var kept []Message
	used := 0
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if used+len(msg.Content) > budget {
			break
		}
		used += len(msg.Content)
		kept = append(kept, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(kept)
	return kept, nil
}

func (s *Store) ensureExists(ctx context.Context, conversationID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
