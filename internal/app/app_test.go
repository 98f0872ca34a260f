package app

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/internal/log"
)

// ============================================================================
// App.Close() Tests
// ============================================================================

func TestApp_Close(t *testing.T) {
	tests := []struct {
		name     string
		setupApp func() *App
	}{
		{
			name:     "minimal app",
			setupApp: func() *App { return &App{} },
		},
		{
			name: "app with logger only",
			setupApp: func() *App {
				return &App{Logger: log.NewNop()}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.setupApp().Close(); err != nil {
				t.Errorf("Close() error = %v, want nil", err)
			}
		})
	}
}

func TestApp_CloseRunsCleanupsInOrder(t *testing.T) {
	var order []string
	a := &App{
		Logger:      log.NewNop(),
		dbCleanup:   func() { order = append(order, "db") },
		otelCleanup: func() { order = append(order, "otel") },
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The pool closes before the trace flush so teardown spans still
	// export.
	if len(order) != 2 || order[0] != "db" || order[1] != "otel" {
		t.Errorf("cleanup order = %v, want [db otel]", order)
	}
}

// ============================================================================
// Setup() Validation Tests
// ============================================================================

func TestSetup_NilConfig(t *testing.T) {
	_, err := Setup(context.Background(), nil, log.NewNop())
	if err == nil {
		t.Fatal("Setup(nil config) should fail")
	}
	if !strings.Contains(err.Error(), "config is required") {
		t.Errorf("error = %q, want mention of missing config", err)
	}
}
