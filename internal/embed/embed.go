// Package embed wraps an external embedder with a content-addressed cache.
//
// The cache guarantees at most one in-flight upstream computation per
// content hash: concurrent requests for the same text share the single
// outstanding call. Upstream calls are bounded by a semaphore and a rate
// limiter, retried with exponential backoff, and cached indefinitely until
// explicit invalidation on re-ingestion.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/mentora/mentora/internal/chunk"
)

// ErrUnavailable reports that the embedding backend kept failing after the
// configured retry attempts were exhausted.
var ErrUnavailable = errors.New("embedding service unavailable")

// ErrTimeout reports that a request waited longer than the configured limit
// for an upstream call slot.
var ErrTimeout = errors.New("timed out waiting for embedding capacity")

// Config bounds the cache's upstream traffic.
type Config struct {
	// Dimension is the expected embedding vector length.
	Dimension int

	// MaxAttempts is the total number of tries per upstream call, including
	// the first.
	MaxAttempts int

	// MaxInFlight caps concurrent upstream calls.
	MaxInFlight int

	// RequestsPerSecond throttles upstream call starts. Zero disables the
	// limiter.
	RequestsPerSecond float64

	// WaitTimeout bounds how long a request may wait for a call slot before
	// failing with ErrTimeout.
	WaitTimeout time.Duration
}

func (c Config) validate() error {
	if c.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Dimension)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max in-flight must be positive, got %d", c.MaxInFlight)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative, got %f", c.RequestsPerSecond)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive, got %s", c.WaitTimeout)
	}
	return nil
}

// Cache is a thread-safe embedding cache keyed by the SHA-256 hash of the
// whitespace-normalized text. Cached vectors are shared; callers must not
// mutate them.
type Cache struct {
	embedder ai.Embedder
	cfg      Config
	logger   *slog.Logger

	group   singleflight.Group
	slots   *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.RWMutex
	vectors map[string][]float32
}

// New creates a Cache around the embedder. A nil logger falls back to
// slog.Default().
func New(embedder ai.Embedder, cfg Config, logger *slog.Logger) (*Cache, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Cache{
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:  rate.NewLimiter(limit, cfg.MaxInFlight),
		vectors:  make(map[string][]float32),
	}, nil
}

// Embed returns the embedding vector for text, computing it upstream at most
// once per content hash regardless of concurrency. All waiters on the same
// hash receive the same result or the same failure.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := chunk.Hash(text)

	c.mu.RLock()
	vec, ok := c.vectors[key]
	c.mu.RUnlock()
	if ok {
		return vec, nil
	}

	// The flight runs detached from any single caller's context so that one
	// client disconnecting cannot fail the other waiters. Each caller still
	// honors its own cancellation below.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.compute(flightCtx, key, text)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// compute performs the upstream call for one content hash, storing the
// result on success.
func (c *Cache) compute(ctx context.Context, key, text string) ([]float32, error) {
	// A flight that lost an earlier race may find the value already cached.
	c.mu.RLock()
	vec, ok := c.vectors[key]
	c.mu.RUnlock()
	if ok {
		return vec, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()

	if err := c.slots.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	defer c.slots.Release(1)

	if err := c.limiter.Wait(waitCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	vec, err := c.callUpstream(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.vectors[key] = vec
	c.mu.Unlock()

	c.logger.Debug("embedding computed", "hash", key[:12], "dimension", len(vec))
	return vec, nil
}

// callUpstream invokes the embedder with bounded exponential backoff.
func (c *Cache) callUpstream(ctx context.Context, text string) ([]float32, error) {
	dimension := int32(c.cfg.Dimension)

	var vec []float32
	operation := func() error {
		resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{
			Input: []*ai.Document{ai.DocumentFromText(text, nil)},
			Options: &genai.EmbedContentConfig{
				OutputDimensionality: &dimension,
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Embeddings) == 0 {
			return errors.New("embedder returned no embeddings")
		}
		got := resp.Embeddings[0].Embedding
		if len(got) != c.cfg.Dimension {
			return backoff.Permanent(fmt.Errorf("embedder returned dimension %d, want %d", len(got), c.cfg.Dimension))
		}
		vec = got
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		c.logger.Warn("embedding failed after retries", "attempts", c.cfg.MaxAttempts, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return vec, nil
}

// Invalidate drops the cached vector for the content hash, if present.
// Called when a document is re-ingested.
func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	delete(c.vectors, hash)
	c.mu.Unlock()
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}
