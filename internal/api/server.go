package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensembleworks/ensemble/internal/log"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        log.Logger
	Chat          ChatService        // Required
	Conversations ConversationReader // Required
	Tasks         TaskService        // Required
	Documents     DocumentRemover    // Optional: nil disables DELETE /api/v1/documents/{id}
	Pool          *pgxpool.Pool      // Optional: nil skips the database ping in /ready
	QueueProbe    QueueProber        // Optional: nil skips the queue depth in /ready
	IndexProbe    IndexProber        // Optional: nil skips the index probe in /ready
	CORSOrigins   []string           // Allowed origins for CORS
	TrustProxy    bool               // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateBurst     int                // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates an API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("task service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()

	ch := &chatHandler{chat: cfg.Chat, logger: logger}
	mux.HandleFunc("POST /api/v1/chat", ch.send)

	cv := &conversationHandler{store: cfg.Conversations, logger: logger}
	mux.HandleFunc("GET /api/v1/conversations/{id}", cv.get)

	dh := &documentHandler{tasks: cfg.Tasks, documents: cfg.Documents, logger: logger}
	mux.HandleFunc("POST /api/v1/documents", dh.submit)
	if cfg.Documents != nil {
		mux.HandleFunc("DELETE /api/v1/documents/{id}", dh.remove)
	}

	th := &taskHandler{tasks: cfg.Tasks, logger: logger}
	mux.HandleFunc("GET /api/v1/tasks/{id}", th.status)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", th.cancel)

	// Rate limiter: per-IP token bucket (1 token/sec refill).
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in
	// log attributes. CORS must be before RateLimit so preflight
	// OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// A top-level mux keeps health probes outside the middleware stack.
	rh := &readinessHandler{
		pool:   cfg.Pool,
		queue:  cfg.QueueProbe,
		index:  cfg.IndexProbe,
		logger: logger,
	}
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.HandleFunc("GET /ready", rh.ready)
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
