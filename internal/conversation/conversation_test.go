package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/testutil"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	testDB, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	store, err := NewStore(testDB.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, map[string]string{"module": "confidence_intervals"})
	if err != nil {
		t.Fatal(err)
	}

	turns := []struct{ role, content string }{
		{RoleUser, "What is a confidence interval?"},
		{RoleAssistant, "A range likely to contain the true value."},
		{RoleUser, "How wide should it be?"},
	}
	for _, turn := range turns {
		if _, err := store.Append(ctx, conv.ID, turn.role, turn.content); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.Recent(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != i+1 {
			t.Errorf("message %d has seq %d, want %d", i, msg.Seq, i+1)
		}
		if msg.Content != turns[i].content {
			t.Errorf("message %d out of order: %q", i, msg.Content)
		}
	}

	got, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Context["module"] != "confidence_intervals" {
		t.Errorf("context map not persisted: %+v", got.Context)
	}
}

func TestAppend_UnknownConversation(t *testing.T) {
	store := setupStore(t)
	_, err := store.Append(context.Background(), uuid.New(), RoleUser, "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend_InvalidRole(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	conv, err := store.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, conv.ID, "system", "nope"); err == nil {
		t.Error("expected error for invalid role")
	}
}

// Concurrent appends must produce gapless, unique sequence numbers.
func TestAppend_ConcurrentSequencing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Append(ctx, conv.ID, RoleUser, "concurrent turn"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	msgs, err := store.Recent(ctx, conv.ID, writers)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != writers {
		t.Fatalf("expected %d messages, got %d", writers, len(msgs))
	}
	for i, msg := range msgs {
		if msg.Seq != i+1 {
			t.Errorf("sequence gap: message %d has seq %d", i, msg.Seq)
		}
	}
}

func TestRecentContext_BudgetWalk(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Three 100-byte messages; a 250-byte budget fits only the last two.
	for i := 0; i < 3; i++ {
		content := strings.Repeat(string(rune('a'+i)), 100)
		if _, err := store.Append(ctx, conv.ID, RoleUser, content); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := store.RecentContext(ctx, conv.ID, 250)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages within budget, got %d", len(msgs))
	}
	if msgs[0].Seq != 2 || msgs[1].Seq != 3 {
		t.Errorf("wrong messages kept: seqs %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
	if msgs[0].CreatedAt.After(msgs[1].CreatedAt) {
		t.Error("messages not in chronological order")
	}
}

func TestRecentContext_NeverTruncates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, conv.ID, RoleUser, strings.Repeat("x", 300)); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.RecentContext(ctx, conv.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("a message larger than the budget must be dropped whole, got %d messages", len(msgs))
	}
}

func TestGet_NotFound(t *testing.T) {
	store := setupStore(t)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
