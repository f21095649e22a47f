package config

import (
	"fmt"
	"os"
)

// validSSLModes are the PostgreSQL SSL modes accepted by pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for consistency. It is called by Load()
// so invalid configuration fails fast at startup.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.GenerationModel == "" {
		return fmt.Errorf("%w: generation_model must not be empty", ErrInvalidModelName)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.Retrieval.validate()
}

// ValidateAPIKey checks that the model provider credential is present.
// Separate from Validate() so offline commands (migrate, version) can run
// without a key.
func (c *Config) ValidateAPIKey() error {
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY or GOOGLE_API_KEY", ErrMissingAPIKey)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	return nil
}

func (r *Retrieval) validate() error {
	if r.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, r.ChunkSize)
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, r.ChunkOverlap)
	}
	if r.TopK < 1 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidRanking, r.TopK)
	}
	if r.MaxPerDocument < 1 {
		return fmt.Errorf("%w: max_per_document must be positive, got %d", ErrInvalidRanking, r.MaxPerDocument)
	}
	if r.FeedbackAlpha <= 0 || r.FeedbackAlpha > 1 {
		return fmt.Errorf("%w: feedback_alpha %g must be in (0, 1]", ErrInvalidRanking, r.FeedbackAlpha)
	}
	if r.WeightBonusMax < 0 {
		return fmt.Errorf("%w: weight_bonus_max must not be negative, got %g", ErrInvalidRanking, r.WeightBonusMax)
	}
	if r.ClosenessBand < 0 || r.ClosenessBand > 1 {
		return fmt.Errorf("%w: closeness_band %g must be in [0, 1]", ErrInvalidRanking, r.ClosenessBand)
	}
	if r.PromptBudget < 1 {
		return fmt.Errorf("%w: prompt_budget must be positive, got %d", ErrInvalidBudget, r.PromptBudget)
	}
	if r.HistoryFraction <= 0 || r.HistoryFraction >= 1 {
		return fmt.Errorf("%w: history_fraction %g must be in (0, 1)", ErrInvalidBudget, r.HistoryFraction)
	}
	if r.ContextBudget < 1 {
		return fmt.Errorf("%w: context_budget must be positive, got %d", ErrInvalidBudget, r.ContextBudget)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be positive, got %d", ErrInvalidRetry, r.MaxAttempts)
	}
	if r.MaxInflight < 1 {
		return fmt.Errorf("%w: max_inflight must be positive, got %d", ErrInvalidConcurrency, r.MaxInflight)
	}
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests_per_second must not be negative, got %g", ErrInvalidConcurrency, r.RequestsPerSecond)
	}
	if r.WaitTimeoutMs < 1 {
		return fmt.Errorf("%w: wait_timeout_ms must be positive, got %d", ErrInvalidConcurrency, r.WaitTimeoutMs)
	}
	return nil
}
