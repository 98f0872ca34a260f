package app

import (
	"testing"
	"time"

	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/search"
	"github.com/ensembleworks/ensemble/internal/task"
)

// ============================================================================
// Pool Config Derivation Tests
// ============================================================================

func TestPoolConfig(t *testing.T) {
	tests := []struct {
		name        string
		queue       config.QueueConfig
		wantWorkers int
		wantPoll    time.Duration
		wantTimeout time.Duration
	}{
		{
			name: "derives handler timeout under visibility",
			queue: config.QueueConfig{
				Workers:             4,
				PollIntervalMs:      1000,
				VisibilityTimeoutMs: 60000,
			},
			wantWorkers: 4,
			wantPoll:    time.Second,
			wantTimeout: 48 * time.Second,
		},
		{
			name:        "zero visibility leaves the pool default in place",
			queue:       config.QueueConfig{Workers: 2},
			wantWorkers: 2,
			wantPoll:    0,
			wantTimeout: 0,
		},
		{
			name: "long visibility scales proportionally",
			queue: config.QueueConfig{
				VisibilityTimeoutMs: 300000,
			},
			wantTimeout: 4 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := poolConfig(tt.queue)
			if got.Workers != tt.wantWorkers {
				t.Errorf("Workers = %d, want %d", got.Workers, tt.wantWorkers)
			}
			if got.PollInterval != tt.wantPoll {
				t.Errorf("PollInterval = %v, want %v", got.PollInterval, tt.wantPoll)
			}
			if got.HandlerTimeout != tt.wantTimeout {
				t.Errorf("HandlerTimeout = %v, want %v", got.HandlerTimeout, tt.wantTimeout)
			}
		})
	}
}

func TestPoolConfig_TimeoutStaysUnderVisibility(t *testing.T) {
	for _, visibilityMs := range []int{1000, 30000, 60000, 600000} {
		queue := config.QueueConfig{VisibilityTimeoutMs: visibilityMs}
		got := poolConfig(queue)
		if got.HandlerTimeout <= 0 {
			t.Errorf("visibility %dms: HandlerTimeout = %v, want positive", visibilityMs, got.HandlerTimeout)
			continue
		}
		if got.HandlerTimeout >= queue.VisibilityTimeout() {
			t.Errorf("visibility %dms: HandlerTimeout = %v, want under %v",
				visibilityMs, got.HandlerTimeout, queue.VisibilityTimeout())
		}
	}
}

// ============================================================================
// Entry Point Assembly Tests
// ============================================================================

// testApp builds a container with enough real components for assembly
// checks. Nothing here touches the database; the stores are constructed
// but never queried.
func testApp(t *testing.T) *App {
	t.Helper()

	logger := log.NewNop()
	queue := task.NewQueue(nil, task.Config{}, logger)
	ingestor := document.NewIngestor(nil, nil, nil, nil, logger)
	retriever := retrieval.New(nil, nil, retrieval.Config{}, logger)

	return &App{
		Config:    &config.Config{},
		Logger:    logger,
		Queue:     queue,
		Ingestor:  ingestor,
		Retriever: retriever,
	}
}

func TestApp_APIServer_Uninitialized(t *testing.T) {
	apps := map[string]*App{
		"empty":       {},
		"config only": {Config: &config.Config{}},
	}
	for name, a := range apps {
		if _, err := a.APIServer(); err == nil {
			t.Errorf("%s: APIServer() should fail on an uninitialized app", name)
		}
	}
}

func TestApp_WorkerPool_Uninitialized(t *testing.T) {
	a := &App{Config: &config.Config{}}
	if _, err := a.WorkerPool(); err == nil {
		t.Fatal("WorkerPool() should fail without a queue and ingestor")
	}
}

func TestApp_WorkerPool(t *testing.T) {
	a := testApp(t)

	pool, err := a.WorkerPool()
	if err != nil {
		t.Fatalf("WorkerPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("WorkerPool() returned nil pool")
	}
}

func TestApp_WorkerPool_WithSearch(t *testing.T) {
	a := testApp(t)

	client, err := search.NewClient(search.ClientConfig{BaseURL: "http://searxng.internal:8080"}, a.Logger)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	a.Search = client

	pool, err := a.WorkerPool()
	if err != nil {
		t.Fatalf("WorkerPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("WorkerPool() returned nil pool")
	}
}

func TestApp_MCPServer(t *testing.T) {
	a := testApp(t)

	srv, err := a.MCPServer("test")
	if err != nil {
		t.Fatalf("MCPServer() error = %v", err)
	}
	if srv == nil {
		t.Fatal("MCPServer() returned nil server")
	}
}

func TestApp_MCPServer_Uninitialized(t *testing.T) {
	a := &App{Config: &config.Config{}}
	if _, err := a.MCPServer("test"); err == nil {
		t.Fatal("MCPServer() should fail on an uninitialized app")
	}
}
