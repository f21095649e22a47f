// Package generate produces answer text from an assembled prompt via a
// Genkit model, with bounded retries on backend failure.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// ErrUnavailable reports that the generation backend kept failing after the
// configured retry attempts were exhausted.
var ErrUnavailable = errors.New("generation service unavailable")

// Client calls a named Genkit model.
type Client struct {
	g           *genkit.Genkit
	modelName   string
	maxAttempts int
	logger      *slog.Logger
}

// New creates a Client for the named model. A nil logger falls back to
// slog.Default().
func New(g *genkit.Genkit, modelName string, maxAttempts int, logger *slog.Logger) (*Client, error) {
	if g == nil {
		return nil, errors.New("genkit instance must not be nil")
	}
	if strings.TrimSpace(modelName) == "" {
		return nil, errors.New("model name must not be empty")
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{g: g, modelName: modelName, maxAttempts: maxAttempts, logger: logger}, nil
}

// Generate returns the model's answer for the prompt. The prompt is passed
// through verbatim; source attribution is the caller's responsibility and is
// never derived from the generated text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var answer string
	operation := func() error {
		response, err := genkit.Generate(ctx, c.g,
			ai.WithModelName(c.modelName),
			ai.WithPrompt(prompt),
		)
		if err != nil {
			return err
		}
		text := response.Text()
		if strings.TrimSpace(text) == "" {
			return errors.New("model returned empty response")
		}
		answer = text
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		c.logger.Warn("generation failed after retries", "model", c.modelName, "attempts", c.maxAttempts, "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return answer, nil
}

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string {
	return c.modelName
}
