// Package web serves the dashboard JSON API: canonical state queries, the
// upload queue surface, the live delta stream, and the visualization
// endpoints (flow snapshot, grid motion plans).
package web

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/koopa0/flowboard/internal/flow"
	"github.com/koopa0/flowboard/internal/grid"
	"github.com/koopa0/flowboard/internal/state"
	"github.com/koopa0/flowboard/internal/upload"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      *slog.Logger
	Store       *state.Store    // Required
	Manager     *upload.Manager // Required
	Engine      *flow.Engine    // Optional: nil disables the flow endpoints
	CORSOrigins []string        // Allowed origins for CORS
	TrustProxy  bool            // Trust X-Real-IP/X-Forwarded-For headers
	RateLimit   float64         // Tokens per second per IP (0 = default 10)
	RateBurst   int             // Rate limiter burst per IP (0 = default 20)
	UploadDir   string          // Spool directory for inbound files (default os.TempDir())
}

// Server is the dashboard HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("upload manager is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}

	mux := http.NewServeMux()

	dh := &documentsHandler{store: cfg.Store, logger: logger}
	mux.HandleFunc("GET /api/v1/documents", dh.list)
	mux.HandleFunc("GET /api/v1/stats", dh.stats)
	mux.HandleFunc("GET /api/v1/recent", dh.recent)

	uh := &uploadsHandler{
		manager:  cfg.Manager,
		store:    cfg.Store,
		spoolDir: cfg.UploadDir,
		logger:   logger,
	}
	mux.HandleFunc("GET /api/v1/uploads", uh.list)
	mux.HandleFunc("POST /api/v1/uploads", uh.create)
	mux.HandleFunc("POST /api/v1/uploads/{id}/retry", uh.retry)
	mux.HandleFunc("POST /api/v1/uploads/{id}/cancel", uh.cancel)
	mux.HandleFunc("DELETE /api/v1/uploads/{id}", uh.remove)

	eh := &eventsHandler{store: cfg.Store, engine: cfg.Engine, logger: logger}
	mux.HandleFunc("GET /api/v1/events", eh.stream)

	if cfg.Engine != nil {
		fh := &flowHandler{engine: cfg.Engine, logger: logger}
		mux.HandleFunc("GET /api/v1/flow", fh.snapshot)
		mux.HandleFunc("POST /api/v1/flow/control", fh.control)
	}

	gh := &gridHandler{gate: &grid.Gate{}, logger: logger}
	mux.HandleFunc("POST /api/v1/grid/plan", gh.plan)
	mux.HandleFunc("POST /api/v1/grid/done", gh.done)

	// Rate limiter: per-IP token bucket.
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	rl := newRateLimiter(limit, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
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

	// Top-level mux keeps health probes outside the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// health is a simple health check endpoint for probes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
