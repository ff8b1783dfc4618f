package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/PrzemekSekula/laser-train/internal/events"
	"github.com/PrzemekSekula/laser-train/internal/protocol"
	"github.com/PrzemekSekula/laser-train/internal/queue"
	"github.com/PrzemekSekula/laser-train/internal/storage"
)

const maxBodyBytes = 8 << 20

// TaskServer is the dispatch server as seen by the HTTP layer.
type TaskServer interface {
	Handle(ctx context.Context, req protocol.Request) (protocol.Directive, error)
	Submit(ctx context.Context, name string, args []json.RawMessage) (*queue.Handle, error)
	Await(ctx context.Context, h *queue.Handle) (json.RawMessage, error)
	Stats() queue.Stats
	AgentLastSeen() time.Time
}

// JournalReader reads the task journal.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]storage.TaskRecord, error)
	Get(ctx context.Context, taskID string) (*storage.TaskRecord, error)
}

// Config holds API server configuration
type Config struct {
	Listen             string
	RPCPath            string
	MaxConcurrentCalls int
	MaxCallTimeout     time.Duration
	// ConfigHash is reported by /healthz.
	ConfigHash string
}

// Server serves the agent rpc endpoint and the operator API.
type Server struct {
	config        Config
	tasks         TaskServer
	journal       JournalReader
	events        *events.Hub
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
	callSemaphore chan struct{}
}

// New creates a new API server instance. journal and hub may be nil.
func New(config Config, tasks TaskServer, journal JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 8
	}
	if config.MaxCallTimeout <= 0 {
		config.MaxCallTimeout = 5 * time.Minute
	}
	if config.RPCPath == "" {
		config.RPCPath = "/rpc"
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:        config,
		tasks:         tasks,
		journal:       journal,
		events:        hub,
		logger:        logger,
		startedAt:     time.Now(),
		callSemaphore: make(chan struct{}, config.MaxConcurrentCalls),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Synchronous calls hold the response open up to max_call_timeout.
		WriteTimeout: s.config.MaxCallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "rpc_path", s.config.RPCPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Agent endpoint.
	r.Post(s.config.RPCPath, s.handleRPC)

	// Operator API.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metricsHandler())
	r.Get("/events", s.handleEvents)
	r.Post("/call/{name}", s.handleCall)
	r.Post("/tasks/{name}", s.handleSubmit)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{taskID}", s.handleGetTask)

	return r
}

// loggingMiddleware logs HTTP requests. Agent polls are logged at debug
// level since one arrives every default_wait.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == s.config.RPCPath && ww.Status() < 400 {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
