// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mentora/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: embedder and generation model selection
//   - Storage: PostgreSQL connection (see storage.go)
//   - Retrieval: chunking, ranking, and feedback tuning knobs
//   - Server: HTTP listen address and prompt budgets
//
// Error Handling: sentinel errors for errors.Is() checks, wrapped with
// fmt.Errorf("%w: details", ErrXxx). Validation is fail-fast in Load().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the generation model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidChunking indicates the chunk size/overlap combination is invalid.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidRanking indicates a ranking knob is out of range.
	ErrInvalidRanking = errors.New("invalid ranking parameters")

	// ErrInvalidBudget indicates a prompt/context budget is out of range.
	ErrInvalidBudget = errors.New("invalid budget")

	// ErrInvalidRetry indicates the retry policy is out of range.
	ErrInvalidRetry = errors.New("invalid retry policy")

	// ErrInvalidConcurrency indicates the external-call limits are out of range.
	ErrInvalidConcurrency = errors.New("invalid concurrency limits")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the embeddings table uses vector(768).
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultGenerationModel is the default generation model.
	DefaultGenerationModel = "googleai/gemini-2.5-flash"

	// VectorDimension is the embedding dimensionality stored and indexed.
	VectorDimension = 768
)

// Retrieval holds the tuning knobs for the query pipeline. All values the
// upstream documentation leaves open are configuration, not constants.
type Retrieval struct {
	// ChunkSize is the chunk budget in characters.
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`

	// ChunkOverlap is the overlap stride in characters between consecutive chunks.
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// TopK is the default number of sources returned by a query.
	TopK int `mapstructure:"top_k" json:"top_k"`

	// MaxPerDocument caps how many chunks of one document may appear in a result.
	MaxPerDocument int `mapstructure:"max_per_document" json:"max_per_document"`

	// FeedbackAlpha is the EMA smoothing factor for ranking weights (0,1].
	FeedbackAlpha float64 `mapstructure:"feedback_alpha" json:"feedback_alpha"`

	// WeightBonusMax clamps the ranking bonus derived from feedback weights.
	WeightBonusMax float64 `mapstructure:"weight_bonus_max" json:"weight_bonus_max"`

	// ClosenessBand is the similarity distance from the top candidate within
	// which feedback bonuses may perturb ordering.
	ClosenessBand float64 `mapstructure:"closeness_band" json:"closeness_band"`

	// PromptBudget is the total prompt size budget in characters.
	PromptBudget int `mapstructure:"prompt_budget" json:"prompt_budget"`

	// HistoryFraction is the share of PromptBudget reserved for conversation
	// context, in (0,1).
	HistoryFraction float64 `mapstructure:"history_fraction" json:"history_fraction"`

	// ContextBudget is the character budget for recent conversation context.
	ContextBudget int `mapstructure:"context_budget" json:"context_budget"`

	// MaxAttempts bounds retries against the embedding/generation backends.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`

	// MaxInflight bounds concurrent external model calls.
	MaxInflight int `mapstructure:"max_inflight" json:"max_inflight"`

	// RequestsPerSecond rate-limits external model calls. Zero disables.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`

	// WaitTimeoutMs is how long a call may wait for an inflight slot before
	// failing with a timeout.
	WaitTimeoutMs int `mapstructure:"wait_timeout_ms" json:"wait_timeout_ms"`
}

// Config stores application configuration.
type Config struct {
	// AI model configuration
	EmbedderModel   string `mapstructure:"embedder_model" json:"embedder_model"`
	GenerationModel string `mapstructure:"generation_model" json:"generation_model"`

	// Retrieval pipeline tuning
	Retrieval Retrieval `mapstructure:"retrieval" json:"retrieval"`

	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Observability (OTLP trace export; empty endpoint disables)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".mentora")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings when set.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// AI defaults
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("generation_model", DefaultGenerationModel)

	// Server defaults
	v.SetDefault("listen_addr", "127.0.0.1:3500")

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "mentora")
	v.SetDefault("postgres_password", "mentora_dev_password")
	v.SetDefault("postgres_db_name", "mentora")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Retrieval defaults
	v.SetDefault("retrieval.chunk_size", 500)
	v.SetDefault("retrieval.chunk_overlap", 50)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.max_per_document", 2)
	v.SetDefault("retrieval.feedback_alpha", 0.3)
	v.SetDefault("retrieval.weight_bonus_max", 0.25)
	v.SetDefault("retrieval.closeness_band", 0.1)
	v.SetDefault("retrieval.prompt_budget", 12000)
	v.SetDefault("retrieval.history_fraction", 0.3)
	v.SetDefault("retrieval.context_budget", 4000)
	v.SetDefault("retrieval.max_attempts", 3)
	v.SetDefault("retrieval.max_inflight", 8)
	v.SetDefault("retrieval.requests_per_second", 10)
	v.SetDefault("retrieval.wait_timeout_ms", 10000)

	// Observability defaults (empty endpoint = tracing disabled)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "mentora-retrieval")
	v.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "MENTORA_LISTEN_ADDR")
	mustBind("embedder_model", "MENTORA_EMBEDDER_MODEL")
	mustBind("generation_model", "MENTORA_GENERATION_MODEL")
	mustBind("otlp_endpoint", "MENTORA_OTLP_ENDPOINT")
	mustBind("environment", "MENTORA_ENVIRONMENT")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
	// Validation checks its presence in Validate().
}
