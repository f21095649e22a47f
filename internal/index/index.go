// Package index provides an in-memory vector index over chunk embeddings
// with conjunctive attribute filtering.
//
// The index is derived state: it is rebuilt from the persisted chunks and
// embeddings at startup and kept current by ingestion. Reads proceed
// concurrently with writes, and any single search observes each entry either
// fully present or fully absent.
package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidFilter reports a filter referencing an attribute the index does
// not support. Unknown attributes are rejected at the boundary rather than
// silently ignored.
var ErrInvalidFilter = errors.New("invalid search filter")

// ErrDimensionMismatch reports a vector whose length differs from the
// dimension the index was created with.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Entry is a single indexed chunk with the filterable document attributes
// copied in at ingestion time.
type Entry struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	DocumentType      string
	Module            string
	Topic             string
	DocumentUpdatedAt time.Time

	// Ordinal and Text are carried so that search results can be cited and
	// assembled into prompts without a store round-trip.
	Ordinal int
	Text    string

	// Vector is the chunk embedding. Upsert stores a normalized copy.
	Vector []float32
}

// Candidate is a search hit with its raw cosine similarity.
type Candidate struct {
	Entry      Entry
	Similarity float64
}

// Filters restricts a search to entries matching every populated field.
// Within one field the listed values are alternatives; across fields the
// tests are conjunctive. A zero Filters matches everything.
type Filters struct {
	DocumentTypes []string
	Modules       []string
	Topics        []string
}

// ParseFilters converts a loose attribute map, as received at an API
// boundary, into typed Filters. Attributes other than document_type, module
// and topic fail with ErrInvalidFilter.
func ParseFilters(raw map[string][]string) (Filters, error) {
	var f Filters
	for key, values := range raw {
		switch key {
		case "document_type":
			f.DocumentTypes = append(f.DocumentTypes, values...)
		case "module":
			f.Modules = append(f.Modules, values...)
		case "topic":
			f.Topics = append(f.Topics, values...)
		default:
			return Filters{}, fmt.Errorf("%w: unknown attribute %q", ErrInvalidFilter, key)
		}
	}
	return f, nil
}

func (f Filters) matches(e Entry) bool {
	return matchesAny(f.DocumentTypes, e.DocumentType) &&
		matchesAny(f.Modules, e.Module) &&
		matchesAny(f.Topics, e.Topic)
}

func matchesAny(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

// Index is a thread-safe in-memory nearest-neighbor index using cosine
// similarity over fixed-dimension vectors.
type Index struct {
	dimension int

	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int) (*Index, error) {
	if dimension < 1 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}
	return &Index{
		dimension: dimension,
		entries:   make(map[uuid.UUID]Entry),
	}, nil
}

// Upsert adds the entry or replaces the existing entry for the same chunk.
// The stored vector is normalized so search reduces to a dot product.
func (ix *Index) Upsert(entry Entry) error {
	if len(entry.Vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(entry.Vector), ix.dimension)
	}
	entry.Vector = normalize(entry.Vector)

	ix.mu.Lock()
	ix.entries[entry.ChunkID] = entry
	ix.mu.Unlock()
	return nil
}

// Remove deletes the entry for the chunk if present. Removing an absent
// chunk is a no-op.
func (ix *Index) Remove(chunkID uuid.UUID) {
	ix.mu.Lock()
	delete(ix.entries, chunkID)
	ix.mu.Unlock()
}

// RemoveDocument deletes every entry belonging to the document and returns
// how many were removed. Used when a document is deleted or re-ingested.
func (ix *Index) RemoveDocument(documentID uuid.UUID) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for id, e := range ix.entries {
		if e.DocumentID == documentID {
			delete(ix.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search returns at most k entries matching the filters, highest cosine
// similarity first. Ties break on most recent document update, then on
// chunk ID, so identical inputs always produce identical orderings. An
// empty result is not an error.
func (ix *Index) Search(queryVector []float32, filters Filters, k int) ([]Candidate, error) {
	if len(queryVector) != ix.dimension {
		return nil, fmt.Errorf("%w: got %d, index holds %d", ErrDimensionMismatch, len(queryVector), ix.dimension)
	}
	if k < 1 {
		return []Candidate{}, nil
	}
	query := normalize(queryVector)

	ix.mu.RLock()
	candidates := make([]Candidate, 0, len(ix.entries))
	for _, e := range ix.entries {
		if !filters.matches(e) {
			continue
		}
		candidates = append(candidates, Candidate{Entry: e, Similarity: dot(query, e.Vector)})
	}
	ix.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Entry.DocumentUpdatedAt.Equal(b.Entry.DocumentUpdatedAt) {
			return a.Entry.DocumentUpdatedAt.After(b.Entry.DocumentUpdatedAt)
		}
		return strings.Compare(a.Entry.ChunkID.String(), b.Entry.ChunkID.String()) < 0
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// normalize returns a unit-length copy of v. A zero vector is returned
// unchanged so it simply scores zero against everything.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
