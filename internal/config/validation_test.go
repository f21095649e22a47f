package config

import (
	"errors"
	"testing"
)

// validConfig returns a configuration that passes Validate().
func validConfig() *Config {
	return &Config{
		EmbedderModel:   DefaultEmbedderModel,
		GenerationModel: DefaultGenerationModel,
		ListenAddr:      "127.0.0.1:3500",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresUser:    "mentora",
		PostgresDBName:  "mentora",
		PostgresSSLMode: "disable",
		Retrieval: Retrieval{
			ChunkSize:         500,
			ChunkOverlap:      50,
			TopK:              5,
			MaxPerDocument:    2,
			FeedbackAlpha:     0.3,
			WeightBonusMax:    0.25,
			ClosenessBand:     0.1,
			PromptBudget:      12000,
			HistoryFraction:   0.3,
			ContextBudget:     4000,
			MaxAttempts:       3,
			MaxInflight:       8,
			RequestsPerSecond: 10,
			WaitTimeoutMs:     10000,
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_Nil(t *testing.T) {
	var c *Config
	if err := c.Validate(); !errors.Is(err, ErrConfigNil) {
		t.Errorf("Validate() = %v, want ErrConfigNil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"empty embedder", func(c *Config) { c.EmbedderModel = "" }, ErrInvalidEmbedderModel},
		{"empty model", func(c *Config) { c.GenerationModel = "" }, ErrInvalidModelName},
		{"empty host", func(c *Config) { c.PostgresHost = "" }, ErrInvalidPostgresHost},
		{"port too low", func(c *Config) { c.PostgresPort = 0 }, ErrInvalidPostgresPort},
		{"port too high", func(c *Config) { c.PostgresPort = 70000 }, ErrInvalidPostgresPort},
		{"empty db name", func(c *Config) { c.PostgresDBName = "" }, ErrInvalidPostgresDBName},
		{"bad ssl mode", func(c *Config) { c.PostgresSSLMode = "maybe" }, ErrInvalidPostgresSSLMode},
		{"zero chunk size", func(c *Config) { c.Retrieval.ChunkSize = 0 }, ErrInvalidChunking},
		{"overlap >= size", func(c *Config) { c.Retrieval.ChunkOverlap = 500 }, ErrInvalidChunking},
		{"negative overlap", func(c *Config) { c.Retrieval.ChunkOverlap = -1 }, ErrInvalidChunking},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }, ErrInvalidRanking},
		{"zero diversity cap", func(c *Config) { c.Retrieval.MaxPerDocument = 0 }, ErrInvalidRanking},
		{"alpha zero", func(c *Config) { c.Retrieval.FeedbackAlpha = 0 }, ErrInvalidRanking},
		{"alpha above one", func(c *Config) { c.Retrieval.FeedbackAlpha = 1.5 }, ErrInvalidRanking},
		{"negative bonus clamp", func(c *Config) { c.Retrieval.WeightBonusMax = -0.1 }, ErrInvalidRanking},
		{"band above one", func(c *Config) { c.Retrieval.ClosenessBand = 1.1 }, ErrInvalidRanking},
		{"zero prompt budget", func(c *Config) { c.Retrieval.PromptBudget = 0 }, ErrInvalidBudget},
		{"history fraction one", func(c *Config) { c.Retrieval.HistoryFraction = 1 }, ErrInvalidBudget},
		{"zero context budget", func(c *Config) { c.Retrieval.ContextBudget = 0 }, ErrInvalidBudget},
		{"zero attempts", func(c *Config) { c.Retrieval.MaxAttempts = 0 }, ErrInvalidRetry},
		{"zero inflight", func(c *Config) { c.Retrieval.MaxInflight = 0 }, ErrInvalidConcurrency},
		{"negative rps", func(c *Config) { c.Retrieval.RequestsPerSecond = -1 }, ErrInvalidConcurrency},
		{"zero wait timeout", func(c *Config) { c.Retrieval.WaitTimeoutMs = 0 }, ErrInvalidConcurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
