package cmd

import (
	"fmt"
	"os"

	"github.com/ensembleworks/ensemble/internal/config"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// runVersion displays version and effective configuration.
func runVersion() {
	fmt.Printf("ensemble %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("\nConfiguration: unavailable (%v)\n", err)
		return
	}

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Provider: %s\n", cfg.Provider)
	fmt.Printf("  Model: %s\n", cfg.FullModelName())
	fmt.Printf("  Embedder: %s (%d dims)\n", cfg.EmbedderModel, cfg.EmbeddingDim)
	fmt.Printf("  Database: %s:%d/%s\n", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDBName)
	fmt.Printf("  Server: %s\n", cfg.ServerAddr)

	switch cfg.Provider {
	case config.ProviderOpenAI:
		printKeyStatus("OPENAI_API_KEY")
	case config.ProviderOllama:
		fmt.Printf("  Ollama: %s\n", cfg.OllamaHost)
	default:
		printKeyStatus("GEMINI_API_KEY")
	}
}

// printKeyStatus reports whether a provider key is set without
// revealing more than its edges.
func printKeyStatus(envVar string) {
	key := os.Getenv(envVar)
	if key == "" {
		fmt.Printf("  %s: not set\n", envVar)
		return
	}
	if len(key) < 8 {
		fmt.Printf("  %s: configured\n", envVar)
		return
	}
	fmt.Printf("  %s: %s...%s (configured)\n", envVar, key[:4], key[len(key)-4:])
}
