// Package discovery finds agent server instances already running on the host
// and maintains the in-memory registry of known instances.
package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/config"
	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

// SessionSummary is a lightweight session descriptor kept on an instance
// record.
type SessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
}

// InstanceRecord is the identity of one discovered agent server instance.
// The registry is a cache rebuilt from the live environment on every pass;
// losing it costs nothing.
type InstanceRecord struct {
	Port      int              `json:"port"`
	PID       int              `json:"pid,omitempty"`
	Directory string           `json:"directory,omitempty"`
	Version   string           `json:"version,omitempty"`
	Healthy   bool             `json:"healthy"`
	Sessions  []SessionSummary `json:"sessions,omitempty"`
}

// Config holds the dependencies for the discovery service.
type Config struct {
	Host     string
	Settings config.DiscoveryConfig
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// Service periodically enumerates candidate endpoints, probes them, and keeps
// the instance registry current. It is the registry's only writer.
type Service struct {
	host     string
	settings config.DiscoveryConfig
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer

	// probeFunc is a seam for tests; defaults to upstream.Probe.
	probeFunc func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult

	discoverMu sync.Mutex // serializes Discover against itself

	mu       sync.RWMutex
	registry map[int]InstanceRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a discovery service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &Service{
		host:      host,
		settings:  cfg.Settings,
		bus:       cfg.Bus,
		logger:    logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		probeFunc: upstream.Probe,
		registry:  make(map[int]InstanceRecord),
	}
}

// Start begins the discovery loop at the configured interval.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	interval := time.Duration(s.settings.IntervalSeconds) * time.Second

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// First pass immediately so the registry is useful at startup.
		s.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
	s.logger.Info("discovery started", "interval", interval)
}

// Stop cancels the discovery loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// runCycle wraps Discover so one bad cycle never stops the timer.
func (s *Service) runCycle(ctx context.Context) {
	if _, err := s.Discover(ctx); err != nil {
		s.logger.Warn("discovery cycle failed", "error", err)
	}
}

// Discover enumerates candidates, probes them, and replaces the registry with
// the new snapshot. Instances that disappeared emit a lost notification; new
// healthy ones emit a discovered notification. Safe to call concurrently with
// itself; calls are serialized.
func (s *Service) Discover(ctx context.Context) ([]InstanceRecord, error) {
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, s.tracer, "discovery.sweep")
		defer span.End()
	}

	candidates, err := enumerateCandidates(
		s.settings.ProcessNames, s.settings.PortMin, s.settings.PortMax)
	if err != nil {
		// Enumeration failure counts as zero candidates this cycle. The
		// registry is a cache of the live environment; pruning on a bad
		// cycle is recovered by the next successful pass.
		s.logger.Warn("candidate enumeration failed", "error", err)
		candidates = nil
	}

	s.mu.RLock()
	previous := make(map[int]InstanceRecord, len(s.registry))
	for port, rec := range s.registry {
		previous[port] = rec
	}
	s.mu.RUnlock()

	next := make(map[int]InstanceRecord, len(candidates))
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ep := upstream.Endpoint{Host: s.host, Port: cand.port}
		res := s.probeFunc(ctx, ep)
		if !res.Alive {
			continue
		}

		rec := InstanceRecord{
			Port:    cand.port,
			PID:     cand.pid,
			Version: res.Version,
			Healthy: true,
		}
		if prev, known := previous[cand.port]; known {
			// Keep enrichment from earlier cycles; refresh sessions lazily.
			rec.Directory = prev.Directory
			rec.Sessions = prev.Sessions
		}
		if rec.Directory == "" {
			s.enrich(ctx, ep, &rec)
		}
		next[cand.port] = rec

		if _, known := previous[cand.port]; !known {
			s.logger.Info("instance discovered",
				"port", rec.Port, "pid", rec.PID, "version", rec.Version, "directory", rec.Directory)
			if s.metrics != nil {
				s.metrics.DiscoveredCount.Add(ctx, 1)
			}
			if s.bus != nil {
				s.bus.Publish(bus.TopicInstanceDiscovered, bus.InstanceEvent{
					Port: rec.Port, PID: rec.PID, Directory: rec.Directory, Version: rec.Version,
				})
			}
		}
	}

	for port, rec := range previous {
		if _, still := next[port]; !still {
			s.logger.Info("instance lost", "port", port, "pid", rec.PID)
			if s.metrics != nil {
				s.metrics.DiscoveredCount.Add(ctx, -1)
			}
			if s.bus != nil {
				s.bus.Publish(bus.TopicInstanceLost, bus.InstanceEvent{
					Port: rec.Port, PID: rec.PID, Directory: rec.Directory, Version: rec.Version,
				})
			}
		}
	}

	s.mu.Lock()
	s.registry = next
	s.mu.Unlock()

	return s.Snapshot(), nil
}

// enrich fetches the working directory and session list for a newly-healthy
// instance. Both calls are best-effort; the first session's directory stands
// in when the project query is unavailable.
func (s *Service) enrich(ctx context.Context, ep upstream.Endpoint, rec *InstanceRecord) {
	client := upstream.NewClient(ep, 5*time.Second)

	if info, err := client.App(ctx); err == nil {
		rec.Directory = info.Path.Root
		if rec.Version == "" {
			rec.Version = info.Version
		}
	}

	sessions, err := client.Sessions(ctx)
	if err != nil {
		return
	}
	rec.Sessions = make([]SessionSummary, 0, len(sessions))
	for _, ses := range sessions {
		rec.Sessions = append(rec.Sessions, SessionSummary{
			ID:        ses.ID,
			Title:     ses.Title,
			Directory: ses.Directory,
			Created:   ses.Time.Created,
			Updated:   ses.Time.Updated,
		})
	}
	if rec.Directory == "" && len(rec.Sessions) > 0 {
		rec.Directory = rec.Sessions[0].Directory
	}
}

// RefreshSessions re-fetches session lists for all known instances. Used by
// the maintenance scheduler.
func (s *Service) RefreshSessions(ctx context.Context) {
	for _, rec := range s.Snapshot() {
		ep := upstream.Endpoint{Host: s.host, Port: rec.Port}
		client := upstream.NewClient(ep, 5*time.Second)
		sessions, err := client.Sessions(ctx)
		if err != nil {
			continue
		}
		summaries := make([]SessionSummary, 0, len(sessions))
		for _, ses := range sessions {
			summaries = append(summaries, SessionSummary{
				ID:        ses.ID,
				Title:     ses.Title,
				Directory: ses.Directory,
				Created:   ses.Time.Created,
				Updated:   ses.Time.Updated,
			})
		}
		s.mu.Lock()
		if cur, ok := s.registry[rec.Port]; ok {
			cur.Sessions = summaries
			s.registry[rec.Port] = cur
		}
		s.mu.Unlock()
	}
}

// Snapshot returns the current registry contents, ordered by port.
func (s *Service) Snapshot() []InstanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]InstanceRecord, 0, len(s.registry))
	for _, rec := range s.registry {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Port < records[j].Port })
	return records
}

// FindHealthy returns a healthy instance other than excludePort, or false
// when none is known. The connection manager uses this when falling back to
// a replacement endpoint.
func (s *Service) FindHealthy(excludePort int) (InstanceRecord, bool) {
	for _, rec := range s.Snapshot() {
		if rec.Healthy && rec.Port != excludePort {
			return rec, true
		}
	}
	return InstanceRecord{}, false
}
