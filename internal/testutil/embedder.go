package testutil

import (
	"context"
	"crypto/sha256"
	"sync"
)

// FakeEmbedder derives deterministic unit-length vectors from text content.
// It satisfies the embedder interfaces consumed by the knowledge store and
// the query pipeline, so integration tests run without an external backend.
type FakeEmbedder struct {
	Dimension int

	mu          sync.Mutex
	calls       int
	invalidated []string
}

// Embed returns a vector derived from the SHA-256 digest of the text.
// Identical text always yields the identical vector.
func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, f.Dimension)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255.0 - 0.5
	}
	return vec, nil
}

// Invalidate records the hash; the fake has no cache to drop from.
func (f *FakeEmbedder) Invalidate(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, hash)
}

// Calls reports how many times Embed ran.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Invalidated returns the hashes passed to Invalidate, in call order.
func (f *FakeEmbedder) Invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}
