package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mentora/mentora/db"
	"github.com/mentora/mentora/internal/chunk"
	"github.com/mentora/mentora/internal/config"
	"github.com/mentora/mentora/internal/conversation"
	"github.com/mentora/mentora/internal/embed"
	"github.com/mentora/mentora/internal/feedback"
	"github.com/mentora/mentora/internal/generate"
	"github.com/mentora/mentora/internal/index"
	"github.com/mentora/mentora/internal/knowledge"
	"github.com/mentora/mentora/internal/observability"
	"github.com/mentora/mentora/internal/pipeline"
	"github.com/mentora/mentora/internal/prompt"
	"github.com/mentora/mentora/internal/rank"
)

// promptInstructions is the fixed preamble for every assembled prompt.
// Keeping it constant makes prompt output reproducible across queries
// with the same inputs.
const promptInstructions = `You are a teaching assistant for a university statistics course.
Answer the student's question using only the numbered sources below.
Cite sources inline as [n]. If the sources do not cover the question,
say so instead of guessing.`

// Setup initializes all application components.
//
// On error, everything already initialized is cleaned up before
// returning.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	a := &App{Config: cfg}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	if err := provideComponents(ctx, a); err != nil {
		return nil, err
	}

	return a, nil
}

// provideOtelShutdown sets up trace export before Genkit initialization
// so its TracerProvider is ready when spans start. Returns a cleanup
// that flushes pending spans with a bounded timeout.
func provideOtelShutdown(ctx context.Context, cfg *config.Config) func() {
	if cfg.OTLPEndpoint == "" {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		slog.Warn("setting up trace export, tracing disabled", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the Google AI plugin. The plugin
// reads GEMINI_API_KEY from the environment.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	return g, nil
}

// provideComponents builds the retrieval stack on top of the pool,
// Genkit instance and embedder already present in a.
func provideComponents(ctx context.Context, a *App) error {
	cfg := a.Config
	r := cfg.Retrieval
	logger := slog.Default()

	splitter, err := chunk.NewSplitter(r.ChunkSize, r.ChunkOverlap)
	if err != nil {
		return fmt.Errorf("creating splitter: %w", err)
	}

	idx, err := index.New(config.VectorDimension)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	a.Index = idx

	cache, err := embed.New(a.Embedder, embed.Config{
		Dimension:         config.VectorDimension,
		MaxAttempts:       r.MaxAttempts,
		MaxInFlight:       r.MaxInflight,
		RequestsPerSecond: r.RequestsPerSecond,
		WaitTimeout:       time.Duration(r.WaitTimeoutMs) * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedding cache: %w", err)
	}

	ranker, err := rank.New(r.WeightBonusMax, r.ClosenessBand, r.MaxPerDocument)
	if err != nil {
		return fmt.Errorf("creating ranker: %w", err)
	}

	assembler, err := prompt.New(promptInstructions, r.PromptBudget, r.HistoryFraction)
	if err != nil {
		return fmt.Errorf("creating prompt assembler: %w", err)
	}

	generator, err := generate.New(a.Genkit, cfg.GenerationModel, r.MaxAttempts, logger)
	if err != nil {
		return fmt.Errorf("creating generation client: %w", err)
	}

	store, err := knowledge.NewStore(a.DBPool, splitter, cache, idx, logger)
	if err != nil {
		return fmt.Errorf("creating knowledge store: %w", err)
	}
	a.Knowledge = store

	if _, err := store.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("rebuilding vector index: %w", err)
	}

	convs, err := conversation.NewStore(a.DBPool, logger)
	if err != nil {
		return fmt.Errorf("creating conversation store: %w", err)
	}
	a.Conversations = convs

	agg, err := feedback.NewAggregator(a.DBPool, r.FeedbackAlpha, logger)
	if err != nil {
		return fmt.Errorf("creating feedback aggregator: %w", err)
	}
	if err := agg.Load(ctx); err != nil {
		return fmt.Errorf("loading ranking weights: %w", err)
	}
	a.Feedback = agg

	queryLog, err := pipeline.NewLog(a.DBPool)
	if err != nil {
		return fmt.Errorf("creating query log: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		TopK:          r.TopK,
		ContextBudget: r.ContextBudget,
	}, convs, cache, idx, ranker, assembler, generator, agg, queryLog, logger)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	a.Pipeline = p

	return nil
}
