// Package webui serves the operator HTTP surface: WhatsApp status and
// lifecycle commands, ad-hoc sends, task notifications, the live event
// streams, health and Prometheus metrics.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/taskwire/pkg/taskwire/channels/whatsapp"
	"github.com/jholhewres/taskwire/pkg/taskwire/database"
	"github.com/jholhewres/taskwire/pkg/taskwire/metrics"
)

// WhatsAppAPI is the connectivity service as the operator sees it.
type WhatsAppAPI interface {
	GetStatus() whatsapp.Status
	GetDetailedStatus() whatsapp.DetailedStatus
	Initialize()
	ForceRestart()
	ResetService()
}

// Sender delivers one message; it never fails its caller.
type Sender interface {
	Send(ctx context.Context, phone, body string) whatsapp.Outcome
}

// TaskNotifier announces task changes.
type TaskNotifier interface {
	NotifyAssignment(ctx context.Context, taskID int64) (whatsapp.Outcome, error)
	NotifyStatusChange(ctx context.Context, taskID, updaterID int64) (whatsapp.Outcome, error)
}

// EventStreams serves the live viewer streams.
type EventStreams interface {
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServeWebSocket(w http.ResponseWriter, r *http.Request)
}

// DatabaseHealth reports on the task database.
type DatabaseHealth interface {
	Health(ctx context.Context) database.HealthStatus
}

// Config holds the HTTP server configuration.
type Config struct {
	// Address is the listen address (default ":8085").
	Address string `yaml:"address"`

	// AuthToken is the bearer token for /api/ (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout applies to plain requests; the event streams lift it.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Address:         ":8085",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators behind the routes. Nil members disable
// their routes.
type Deps struct {
	WhatsApp WhatsAppAPI
	Sender   Sender
	Notifier TaskNotifier
	Events   EventStreams
	Database DatabaseHealth
	Metrics  *metrics.Metrics
}

// Server is the operator HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a server.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "webui"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ── Public routes ──
	s.route(mux, "GET /healthz", false, s.handleHealthz)
	if s.deps.Metrics != nil {
		s.route(mux, "GET /metrics", false, s.deps.Metrics.Handler().ServeHTTP)
	}

	// ── Protected routes ──
	if s.deps.WhatsApp != nil {
		s.route(mux, "GET /api/whatsapp/status", true, s.handleStatus)
		s.route(mux, "GET /api/whatsapp/status/detailed", true, s.handleDetailedStatus)
		s.route(mux, "POST /api/whatsapp/initialize", true, s.handleInitialize)
		s.route(mux, "POST /api/whatsapp/restart", true, s.handleRestart)
		s.route(mux, "POST /api/whatsapp/reset", true, s.handleReset)
	}
	if s.deps.Sender != nil {
		s.route(mux, "POST /api/whatsapp/send", true, s.handleSend)
	}
	if s.deps.Notifier != nil {
		s.route(mux, "POST /api/tasks/{id}/notify", true, s.handleNotify)
	}
	if s.deps.Events != nil {
		s.route(mux, "GET /api/events", true, streaming(s.deps.Events.ServeSSE))
		s.route(mux, "GET /api/ws", true, streaming(s.deps.Events.ServeWebSocket))
	}

	return mux
}

// route registers pattern with request metrics and, when protected, auth.
func (s *Server) route(mux *http.ServeMux, pattern string, protected bool, h http.HandlerFunc) {
	if protected {
		h = s.authMiddleware(h)
	}
	_, path, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, s.instrument(path, h))
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("operator API listening", "address", ln.Addr().String(), "auth", s.cfg.AuthToken != "")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("operator API server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to ShutdownTimeout for requests
// to finish.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("operator API shutdown", "error", err)
	}
	s.logger.Info("operator API stopped")
}

// ── Middleware ──

// authMiddleware validates the bearer token if one is configured.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		if !compareTokens(extractToken(r), s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// instrument records request count and latency under the route pattern.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	if s.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Metrics.RecordHTTPRequest(r.Method, route, fmt.Sprint(rec.status), time.Since(start).Seconds())
	})
}

// streaming lifts the server write timeout for long-lived responses.
func streaming(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		next(w, r)
	}
}

// ── JSON helpers ──

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
