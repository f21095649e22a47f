package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/chunk"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/testutil"
)

const testDimension = 768

func TestNewStore_Validation(t *testing.T) {
	splitter, err := chunk.NewSplitter(500, 50)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.New(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	emb := &testutil.FakeEmbedder{Dimension: testDimension}

	if _, err := NewStore(nil, splitter, emb, idx, nil); err == nil {
		t.Error("expected error for nil pool")
	}
}

// setupStore spins up a PostgreSQL container with the full schema and wires
// a store against a fake embedder and a fresh index.
func setupStore(t *testing.T) (*Store, *index.Index, *testutil.FakeEmbedder) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	testDB, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	splitter, err := chunk.NewSplitter(500, 50)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.New(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	emb := &testutil.FakeEmbedder{Dimension: testDimension}

	store, err := NewStore(testDB.Pool, splitter, emb, idx, testutil.DiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return store, idx, emb
}

func sampleDocument() Document {
	return Document{
		Title:        "Confidence Intervals",
		Content:      strings.Repeat("A confidence interval expresses uncertainty about an estimate. ", 20),
		DocumentType: "reference",
		Module:       "confidence_intervals",
		Topic:        "estimation",
		Metadata:     map[string]string{"level": "intro"},
	}
}

func TestIngest_PersistsAndIndexes(t *testing.T) {
	store, idx, _ := setupStore(t)
	ctx := context.Background()

	doc, err := store.Ingest(ctx, sampleDocument())
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID == uuid.Nil {
		t.Error("ingest did not assign a document ID")
	}

	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Module != "confidence_intervals" || got.Metadata["level"] != "intro" {
		t.Errorf("persisted document mismatch: %+v", got)
	}

	if idx.Len() == 0 {
		t.Error("ingest left the vector index empty")
	}

	var chunkCount int
	err = store.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, doc.ID).Scan(&chunkCount)
	if err != nil {
		t.Fatal(err)
	}
	if chunkCount != idx.Len() {
		t.Errorf("persisted %d chunks but indexed %d", chunkCount, idx.Len())
	}
}

func TestIngest_EmptyContent(t *testing.T) {
	store, _, _ := setupStore(t)
	doc := sampleDocument()
	doc.Content = ""
	if _, err := store.Ingest(context.Background(), doc); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestIngest_ReingestReplacesChunks(t *testing.T) {
	store, idx, _ := setupStore(t)
	ctx := context.Background()

	doc, err := store.Ingest(ctx, sampleDocument())
	if err != nil {
		t.Fatal(err)
	}
	before := idx.Len()

	doc.Content = "Much shorter content after revision."
	if _, err := store.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if idx.Len() >= before {
		t.Errorf("re-ingest did not shrink the index: %d -> %d", before, idx.Len())
	}

	var chunkCount int
	err = store.pool.QueryRow(ctx,
		`SELECT count(*) FROM chunks WHERE document_id = $1`, doc.ID).Scan(&chunkCount)
	if err != nil {
		t.Fatal(err)
	}
	if chunkCount != 1 {
		t.Errorf("expected 1 chunk after re-ingest, got %d", chunkCount)
	}
}

// Re-ingesting unchanged content keeps its embeddings: hashes reused by the
// new version are neither invalidated nor deleted from storage.
func TestIngest_ReingestKeepsReusedEmbeddings(t *testing.T) {
	store, _, emb := setupStore(t)
	ctx := context.Background()

	doc, err := store.Ingest(ctx, sampleDocument())
	if err != nil {
		t.Fatal(err)
	}

	var before int
	if err := store.pool.QueryRow(ctx, `SELECT count(*) FROM embeddings`).Scan(&before); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if got := emb.Invalidated(); len(got) != 0 {
		t.Errorf("unchanged re-ingest invalidated %d hashes: %v", len(got), got)
	}

	var after int
	if err := store.pool.QueryRow(ctx, `SELECT count(*) FROM embeddings`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("embeddings rows changed across unchanged re-ingest: %d -> %d", before, after)
	}
}

func TestRemove(t *testing.T) {
	store, idx, _ := setupStore(t)
	ctx := context.Background()

	doc, err := store.Ingest(ctx, sampleDocument())
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, doc.ID); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 {
		t.Errorf("index still holds %d entries after removal", idx.Len())
	}
	if _, err := store.Get(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
	if err := store.Remove(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for double removal, got %v", err)
	}
}

func TestRebuildIndex(t *testing.T) {
	store, idx, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.Ingest(ctx, sampleDocument()); err != nil {
		t.Fatal(err)
	}
	second := sampleDocument()
	second.Module = "hypothesis_testing"
	if _, err := store.Ingest(ctx, second); err != nil {
		t.Fatal(err)
	}
	want := idx.Len()

	// A fresh index stands in for a restarted process.
	fresh, err := index.New(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	store.idx = fresh

	count, err := store.RebuildIndex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != want || fresh.Len() != want {
		t.Errorf("rebuilt %d entries, want %d", fresh.Len(), want)
	}
}

func TestList(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Ingest(ctx, sampleDocument()); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := store.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Errorf("expected 2 documents, got %d", len(docs))
	}
}
