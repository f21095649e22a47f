// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the retrieval pipeline: Genkit,
// the database pool, the vector index, the knowledge and conversation
// stores, the feedback aggregator and the pipeline itself.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentora/mentora/internal/config"
	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/knowledge"
	"github.com/mentora/mentora/internal/pipeline"
)

// App is the core application container.
type App struct {
	Config *config.Config

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Index         *index.Index
	Knowledge     *knowledge.Store
	Conversations *conversation.Store
	Feedback      *feedback.Aggregator
	Pipeline      *pipeline.Pipeline

	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	slog.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		slog.Info("database pool closed")
	}

	// Flush pending spans last so shutdown itself is traced.
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
