// Package rank orders retrieval candidates by blending raw similarity with
// feedback-derived document weights and enforces per-document diversity.
package rank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mentora/mentora/internal/index"
)

// Source is a ranked retrieval result ready for citation.
type Source struct {
	Entry      index.Entry
	Similarity float64
	FinalScore float64
}

// Ranker computes final scores as similarity * (1 + bonus), where bonus is
// the document's feedback weight scaled into [0, bonusMax]. The bonus is
// applied only to candidates whose similarity sits within the closeness band
// of the best candidate, so feedback reorders near-ties but can never lift
// a weakly similar result over a strongly similar one.
type Ranker struct {
	bonusMax  float64
	band      float64
	maxPerDoc int
}

// New creates a Ranker. bonusMax and band must be non-negative and
// maxPerDoc positive.
func New(bonusMax, band float64, maxPerDoc int) (*Ranker, error) {
	if bonusMax < 0 {
		return nil, fmt.Errorf("weight bonus max must be non-negative, got %f", bonusMax)
	}
	if band < 0 {
		return nil, fmt.Errorf("closeness band must be non-negative, got %f", band)
	}
	if maxPerDoc < 1 {
		return nil, fmt.Errorf("max per document must be positive, got %d", maxPerDoc)
	}
	return &Ranker{bonusMax: bonusMax, band: band, maxPerDoc: maxPerDoc}, nil
}

// Rank scores the candidates against the current document weights and
// returns at most k sources in descending final score, with no document
// contributing more than the configured cap. weights maps document ID to a
// feedback weight in [0, 1]; missing documents rank on similarity alone.
func (r *Ranker) Rank(candidates []index.Candidate, weights map[uuid.UUID]float64, k int) []Source {
	if len(candidates) == 0 || k < 1 {
		return []Source{}
	}

	best := candidates[0].Similarity
	for _, c := range candidates[1:] {
		if c.Similarity > best {
			best = c.Similarity
		}
	}

	scored := make([]Source, 0, len(candidates))
	seen := make(map[uuid.UUID]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.Entry.ChunkID] {
			continue
		}
		seen[c.Entry.ChunkID] = true

		// A multiplier above 1 lowers a negative score, so the bonus
		// applies only to positive similarities.
		final := c.Similarity
		if c.Similarity > 0 && best-c.Similarity <= r.band {
			final = c.Similarity * (1 + r.bonus(weights[c.Entry.DocumentID]))
		}
		scored = append(scored, Source{Entry: c.Entry, Similarity: c.Similarity, FinalScore: final})
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.Entry.DocumentUpdatedAt.Equal(b.Entry.DocumentUpdatedAt) {
			return a.Entry.DocumentUpdatedAt.After(b.Entry.DocumentUpdatedAt)
		}
		return strings.Compare(a.Entry.ChunkID.String(), b.Entry.ChunkID.String()) < 0
	})

	// Greedy diversity pass: walk the score-sorted list and skip candidates
	// whose document already contributed maxPerDoc sources.
	selected := make([]Source, 0, k)
	perDoc := make(map[uuid.UUID]int)
	for _, s := range scored {
		if perDoc[s.Entry.DocumentID] >= r.maxPerDoc {
			continue
		}
		selected = append(selected, s)
		perDoc[s.Entry.DocumentID]++
		if len(selected) == k {
			break
		}
	}
	return selected
}

// bonus clamps the weight into [0, 1] and scales it by bonusMax.
func (r *Ranker) bonus(weight float64) float64 {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return weight * r.bonusMax
}
