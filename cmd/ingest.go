package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mentora/mentora/internal/app"
	"github.com/mentora/mentora/internal/config"
	"github.com/mentora/mentora/internal/knowledge"
)

// runIngest loads one or more files into the knowledge store. Each file
// becomes a single document; chunking happens inside the store.
func runIngest() error {
	ingestFlags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	ingestFlags.SetOutput(os.Stderr)

	title := ingestFlags.String("title", "", "Document title (default: file name)")
	docType := ingestFlags.String("type", "lecture", "Document type (lecture, exercise, faq, ...)")
	module := ingestFlags.String("module", "", "Course module the document belongs to")
	topic := ingestFlags.String("topic", "", "Topic within the module")

	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	if err := ingestFlags.Parse(args); err != nil {
		return fmt.Errorf("parsing ingest flags: %w", err)
	}

	files := ingestFlags.Args()
	if len(files) == 0 {
		return fmt.Errorf("ingest requires at least one file argument")
	}
	if *title != "" && len(files) > 1 {
		return fmt.Errorf("--title only applies to a single file")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateAPIKey(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("shutdown error", "error", closeErr)
		}
	}()

	for _, path := range files {
		doc, err := ingestFile(ctx, a.Knowledge, path, *title, *docType, *module, *topic)
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		fmt.Printf("ingested %s (%s)\n", doc.Title, doc.ID)
	}

	return nil
}

func ingestFile(ctx context.Context, store *knowledge.Store, path, title, docType, module, topic string) (knowledge.Document, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's command line
	if err != nil {
		return knowledge.Document{}, fmt.Errorf("reading file: %w", err)
	}

	if title == "" {
		base := filepath.Base(path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return store.Ingest(ctx, knowledge.Document{
		Title:        title,
		Content:      string(content),
		DocumentType: docType,
		Module:       module,
		Topic:        topic,
	})
}
