// Package cmd provides the ensemble command line entry points.
//
// Commands:
//   - serve: HTTP API server (chat, documents, tasks, conversations)
//   - worker: task queue worker pool (ingestion, web search)
//   - mcp: Model Context Protocol server on stdio
//
// serve and worker are separate processes over the same database, so
// each scales independently; a deployment needs at least one of each
// for asynchronous ingestion to complete. All commands handle SIGINT
// and SIGTERM via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ensembleworks/ensemble/internal/log"
)

// Execute is the main entry point for the ensemble binary.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "worker":
		return runWorker()
	case "mcp":
		return runMCP()
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

// newLogger builds the process logger. Service modes log JSON for
// collectors; everything goes to stderr because the MCP transport owns
// stdout. The logger is also installed as the slog default so library
// code that logs on its own ends up in the same stream.
func newLogger(jsonOutput bool) log.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: jsonOutput})
	slog.SetDefault(logger)
	return logger
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("ensemble - multi-agent RAG orchestration service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ensemble serve [addr]  Start the HTTP API server (default: localhost:8080)")
	fmt.Println("  ensemble worker        Start the task worker pool")
	fmt.Println("  ensemble mcp           Start the MCP server (stdio transport)")
	fmt.Println("  ensemble version       Show version information")
	fmt.Println("  ensemble help          Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY         Required for the gemini provider (default)")
	fmt.Println("  OPENAI_API_KEY         Required for the openai provider")
	fmt.Println("  DATABASE_URL           Overrides the configured PostgreSQL settings")
	fmt.Println("  ENSEMBLE_CONFIG_DIR    Overrides the config directory (~/.ensemble)")
	fmt.Println("  DEBUG                  Enable debug logging")
}
