package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/testutil"
)

func setupLog(t *testing.T) (*Log, *testutil.TestDB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	log, err := NewLog(tdb.Pool)
	if err != nil {
		t.Fatal(err)
	}
	return log, tdb
}

func seedConversation(t *testing.T, tdb *testutil.TestDB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := tdb.Pool.Exec(context.Background(),
		`INSERT INTO conversations (id, context) VALUES ($1, '{}')`, id)
	if err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}
	return id
}

func TestLog_RecordAndLoadResponse(t *testing.T) {
	log, tdb := setupLog(t)
	ctx := context.Background()
	convID := seedConversation(t, tdb)

	filters, err := index.ParseFilters(map[string][]string{"module": {"stats"}})
	if err != nil {
		t.Fatal(err)
	}
	query, err := log.RecordQuery(ctx, QueryRecord{
		ID:             uuid.New(),
		ConversationID: &convID,
		Text:           "what is a confidence interval?",
		Filters:        filters,
	})
	if err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}
	if query.CreatedAt.IsZero() {
		t.Error("RecordQuery did not set CreatedAt")
	}

	citation := Citation{
		ChunkID:    uuid.New(),
		DocumentID: uuid.New(),
		Module:     "stats",
		Snippet:    "a confidence interval is",
		Similarity: 0.91,
		Score:      0.95,
	}
	response, err := log.RecordResponse(ctx, ResponseRecord{
		ID:      uuid.New(),
		QueryID: query.ID,
		Answer:  "An interval estimate for a parameter.",
		Sources: []Citation{citation},
	})
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}

	loaded, err := log.Response(ctx, response.ID)
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if loaded.QueryID != query.ID {
		t.Errorf("QueryID = %s, want %s", loaded.QueryID, query.ID)
	}
	if len(loaded.Sources) != 1 || loaded.Sources[0].DocumentID != citation.DocumentID {
		t.Errorf("sources did not round-trip: %+v", loaded.Sources)
	}
}

func TestLog_ResponseNotFound(t *testing.T) {
	log, _ := setupLog(t)

	_, err := log.Response(context.Background(), uuid.New())
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("Response() error = %v, want pgx.ErrNoRows", err)
	}
}

func TestLog_RecentQueriesOrderAndFilters(t *testing.T) {
	log, tdb := setupLog(t)
	ctx := context.Background()
	convID := seedConversation(t, tdb)

	for i := 0; i < 3; i++ {
		filters, err := index.ParseFilters(map[string][]string{"topic": {fmt.Sprintf("topic-%d", i)}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := log.RecordQuery(ctx, QueryRecord{
			ID:             uuid.New(),
			ConversationID: &convID,
			Text:           fmt.Sprintf("question %d", i),
			Filters:        filters,
		}); err != nil {
			t.Fatalf("RecordQuery %d: %v", i, err)
		}
	}

	records, err := log.RecentQueries(ctx, 2)
	if err != nil {
		t.Fatalf("RecentQueries: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Text != "question 2" {
		t.Errorf("newest first: got %q, want %q", records[0].Text, "question 2")
	}
	if len(records[0].Filters.Topics) != 1 || records[0].Filters.Topics[0] != "topic-2" {
		t.Errorf("filters did not round-trip: %+v", records[0].Filters)
	}
}
