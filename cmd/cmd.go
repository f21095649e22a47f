// Package cmd provides the CLI commands for mentora.
//
// Commands:
//   - serve: HTTP API server for the query pipeline
//   - ingest: load course material into the knowledge store
//   - version: show version information
//
// Signal handling and graceful shutdown are implemented for all
// commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mentora/mentora/internal/log"
)

// Execute is the main entry point for the mentora CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level, JSON: os.Getenv("MENTORA_LOG_JSON") != ""}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "ingest":
		return runIngest()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Mentora - retrieval-augmented course assistant")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mentora serve [addr]   Start HTTP API server (default: 127.0.0.1:3500)")
	fmt.Println("  mentora ingest [file]  Ingest course material into the knowledge store")
	fmt.Println("  mentora version        Show version information")
	fmt.Println("  mentora help           Show this help")
	fmt.Println()
	fmt.Println("Ingest flags:")
	fmt.Println("  --title    Document title (default: file name)")
	fmt.Println("  --type     Document type, e.g. lecture, exercise, faq")
	fmt.Println("  --module   Course module the document belongs to")
	fmt.Println("  --topic    Topic within the module")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY     Required: Gemini API key")
	fmt.Println("  DATABASE_URL       Optional: overrides postgres_* config values")
	fmt.Println("  DEBUG              Optional: enable debug logging")
	fmt.Println()
	fmt.Println("Learn more: https://github.com/mentora/mentora")
}
