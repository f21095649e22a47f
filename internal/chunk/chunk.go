// Package chunk splits document text into overlapping passages suitable for
// embedding and citation.
//
// Splitting is deterministic: the same text with the same parameters always
// produces the same offsets and content hashes, which is what makes the
// content-addressed embedding cache reusable across re-ingestion.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunk is a bounded contiguous slice of a document's text.
type Chunk struct {
	// Ordinal is the zero-based position of the chunk within its document.
	Ordinal int

	// Text is the chunk content, exactly text[Start:End] of the source.
	Text string

	// Start and End are byte offsets into the source document.
	Start int
	End   int

	// ContentHash is the SHA-256 hex digest of the whitespace-normalized
	// Text. It keys the embedding cache and the persisted embeddings table.
	ContentHash string
}

// Splitter splits text into chunks of at most Size bytes, with consecutive
// chunks overlapping by Overlap bytes where boundaries allow.
type Splitter struct {
	size    int
	overlap int
}

// NewSplitter creates a Splitter. size must be positive and overlap must be
// in [0, size).
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap %d must be in [0, %d)", overlap, size)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Split splits text into ordered chunks covering the whole input with no
// content gap. Boundaries are chosen at the coarsest unit that fits the
// budget: paragraph, then sentence, then word. A single unit longer than the
// budget is hard-split at the budget boundary rather than dropped.
//
// Empty or all-empty input yields an empty slice, not an error.
func (s *Splitter) Split(text string) []Chunk {
	if text == "" {
		return []Chunk{}
	}

	var chunks []Chunk
	pos := 0
	for pos < len(text) {
		end := s.cut(text, pos)

		chunkText := text[pos:end]
		chunks = append(chunks, Chunk{
			Ordinal:     len(chunks),
			Text:        chunkText,
			Start:       pos,
			End:         end,
			ContentHash: Hash(chunkText),
		})

		if end == len(text) {
			break
		}

		// Step back by the overlap stride, but always make forward progress
		// and never start the next chunk mid-rune.
		next := end - s.overlap
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		if next <= pos {
			next = end
		}
		pos = next
	}

	return chunks
}

// cut returns the end offset of the chunk starting at pos.
func (s *Splitter) cut(text string, pos int) int {
	limit := pos + s.size
	if limit >= len(text) {
		return len(text)
	}

	// Prefer the latest paragraph break within the budget, then the latest
	// sentence end, then the latest word gap.
	if cut := lastParagraphEnd(text, pos, limit); cut > pos {
		return cut
	}
	if cut := lastSentenceEnd(text, pos, limit); cut > pos {
		return cut
	}
	if cut := lastWordEnd(text, pos, limit); cut > pos {
		return cut
	}

	// One unbreakable unit exceeds the budget: hard split, backing up to a
	// rune boundary so multi-byte characters are never torn.
	for limit > pos && !utf8.RuneStart(text[limit]) {
		limit--
	}
	if limit == pos {
		limit = pos + s.size // degenerate input, split at the raw budget
	}
	return limit
}

// lastParagraphEnd returns the offset just past the last "\n\n" ending at or
// before limit, or 0 if none exists after pos.
func lastParagraphEnd(text string, pos, limit int) int {
	for i := limit; i >= pos+2; i-- {
		if text[i-1] == '\n' && text[i-2] == '\n' {
			return i
		}
	}
	return 0
}

// lastSentenceEnd returns the offset just past the last sentence terminator
// followed by whitespace, at or before limit, or 0 if none exists after pos.
func lastSentenceEnd(text string, pos, limit int) int {
	for i := limit; i >= pos+2; i-- {
		if !isSpace(text[i-1]) {
			continue
		}
		switch text[i-2] {
		case '.', '!', '?':
			return i
		}
	}
	return 0
}

// lastWordEnd returns the offset of the last whitespace run at or before
// limit, or 0 if none exists after pos.
func lastWordEnd(text string, pos, limit int) int {
	for i := limit; i > pos; i-- {
		if isSpace(text[i-1]) {
			return i
		}
	}
	return 0
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Hash returns the SHA-256 hex digest of text after whitespace
// normalization. Content that differs only in whitespace hashes to the same
// key, so reformatted documents reuse their cached embeddings.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:])
}

// normalize collapses consecutive whitespace into single spaces and trims the
// ends. The chunk text itself is untouched; only the hash key is normalized.
func normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
