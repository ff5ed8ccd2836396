// Package gateway exposes the manager over HTTP: a health surface, a
// status/diagnostics API, repository registration, and streaming event
// delivery over SSE and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriswritescode-dev/opencode-manager/internal/discovery"
	"github.com/chriswritescode-dev/opencode-manager/internal/events"
	"github.com/chriswritescode-dev/opencode-manager/internal/manager"
	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/repos"
)

const defaultHeartbeat = 30 * time.Second

// ConnectionManager is the slice of the connection manager the gateway
// consumes.
type ConnectionManager interface {
	Status() manager.Status
	Restart(ctx context.Context) error
}

// InstanceRegistry reports discovered agent server instances.
type InstanceRegistry interface {
	Snapshot() []discovery.InstanceRecord
	Discover(ctx context.Context) ([]discovery.InstanceRecord, error)
}

// Config holds the gateway's dependencies.
type Config struct {
	Manager    ConnectionManager
	Registry   InstanceRegistry
	Aggregator *events.Aggregator
	Repos      *repos.Store
	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer

	AuthEnabled  bool
	AuthToken    string
	AllowOrigins []string

	// ConfigFingerprint identifies the active configuration in /api/status.
	ConfigFingerprint string

	// FeedDirectories reports directories with an open upstream feed.
	FeedDirectories func() []string

	// Heartbeat is the idle keepalive interval for streaming clients.
	Heartbeat time.Duration
}

// Server is the HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the route table wrapped in CORS and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/instances", s.handleInstances)
	mux.HandleFunc("/api/discover", s.handleDiscover)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/api/repos", s.handleRepos)
	mux.HandleFunc("/api/repos/", s.handleRepoByID)
	mux.HandleFunc("/api/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/api/events", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	h = s.instrumentMiddleware(h)
	return h
}

// instrumentMiddleware times every request into the request duration
// histogram and wraps it in a server span when tracing is configured.
func (s *Server) instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

// handleHealthz is the unauthenticated liveness surface. It reports the
// latest known truth even while degraded.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Manager.Status()
	payload := map[string]any{
		"healthy":           st.Healthy,
		"state":             string(st.State),
		"port":              st.Port,
		"version":           st.Version,
		"version_supported": st.VersionSupported,
	}
	if st.LastError != "" {
		payload["last_error"] = st.LastError
	}
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleStatus returns the full diagnostics snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.cfg.Manager.Status()
	agg := s.cfg.Aggregator.GetStatus()

	var feeds []string
	if s.cfg.FeedDirectories != nil {
		feeds = s.cfg.FeedDirectories()
	}

	sessions := 0
	var instances []discovery.InstanceRecord
	if s.cfg.Registry != nil {
		instances = s.cfg.Registry.Snapshot()
		for _, rec := range instances {
			sessions += len(rec.Sessions)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connection": st,
		"events": map[string]any{
			"client_count":         agg.ClientCount,
			"active_directories":   agg.ActiveDirectories,
			"active_session_count": sessions,
			"dropped_events":       agg.DroppedEvents,
			"open_feeds":           feeds,
		},
		"instance_count":     len(instances),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

// handleInstances returns the discovery registry snapshot.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Registry == nil {
		writeJSON(w, http.StatusOK, []discovery.InstanceRecord{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Registry.Snapshot())
}

// handleDiscover forces an immediate discovery sweep.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Registry == nil {
		http.Error(w, "discovery not available", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	records, err := s.cfg.Registry.Discover(ctx)
	if err != nil {
		s.logger.Warn("forced discovery failed", "error", err)
		http.Error(w, "discovery failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleRestart stops and restarts the connection manager.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.Manager.Restart(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"restarted": false,
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restarted": true})
}

type addRepoRequest struct {
	Directory string `json:"directory"`
	Name      string `json:"name,omitempty"`
}

// handleRepos lists tracked repositories or registers a new one.
func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.cfg.Repos.List(r.Context())
		if err != nil {
			http.Error(w, "list repositories failed", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []repos.Repository{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req addRepoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		repo, err := s.cfg.Repos.Add(r.Context(), req.Directory, req.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, repo)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRepoByID serves GET and DELETE for /api/repos/{id}.
func (s *Server) handleRepoByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/repos/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		repo, err := s.cfg.Repos.Get(r.Context(), id)
		if errors.Is(err, repos.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "get repository failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, repo)
	case http.MethodDelete:
		err := s.cfg.Repos.Remove(r.Context(), id)
		if errors.Is(err, repos.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "remove repository failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSubscriptions mutates a connected client's directory set.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeSubscriptionRequest(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	var ok bool
	switch req.Action {
	case "add":
		ok = s.cfg.Aggregator.AddDirectories(req.ClientID, req.Directories...)
	case "remove":
		ok = s.cfg.Aggregator.RemoveDirectories(req.ClientID, req.Directories...)
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown client"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSSE upgrades the request into a long-lived event stream. The client
// receives a connected acknowledgement, then real events and periodic
// heartbeats only.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	dirs := splitDirectories(r.URL.Query().Get("directories"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch, cleanup := s.cfg.Aggregator.AddClient(clientID, dirs)
	defer cleanup()
	s.clientConnected(r.Context(), clientID, len(dirs))
	defer s.clientDisconnected(r.Context(), clientID)

	writeSSE(w, "connected", map[string]any{"client_id": clientID})
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, "heartbeat", map[string]any{"ts": time.Now().Unix()})
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, "event", ev)
			flusher.Flush()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.EventsDispatched.Add(r.Context(), 1,
					metric.WithAttributes(otel.AttrEventType.String(ev.Type)))
			}
		}
	}
}

func (s *Server) clientConnected(ctx context.Context, clientID string, dirs int) {
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrClientID.String(clientID))
	s.logger.Info("streaming client connected", "client_id", clientID, "directories", dirs)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Add(ctx, 1)
	}
}

func (s *Server) clientDisconnected(ctx context.Context, clientID string) {
	s.logger.Info("streaming client disconnected", "client_id", clientID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConnectedClients.Add(ctx, -1)
	}
}

func splitDirectories(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	dirs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

func writeSSE(w http.ResponseWriter, eventName string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + eventName + "\ndata: " + string(data) + "\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
