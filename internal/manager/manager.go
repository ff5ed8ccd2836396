// Package manager owns the single active connection to the agent server:
// spawning or attaching, health checking, and the reconnect state machine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/config"
	"github.com/chriswritescode-dev/opencode-manager/internal/discovery"
	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

// State is a connection manager state-machine value.
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateHealthy      State = "healthy"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

const (
	startupPollInterval = 500 * time.Millisecond
	attachFallbackWait  = 10 * time.Second
	attachRetryInterval = 10 * time.Second
	discoverWait        = 5 * time.Second
)

// Status is the externally visible connection state snapshot.
type Status struct {
	State             State  `json:"state"`
	Healthy           bool   `json:"healthy"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	PID               int    `json:"pid,omitempty"`
	Version           string `json:"version,omitempty"`
	VersionSupported  bool   `json:"version_supported"`
	LastError         string `json:"last_error,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	AttachMode        bool   `json:"attach_mode"`
}

// DiscoveryService is the slice of the discovery service the manager uses to
// find replacement endpoints.
type DiscoveryService interface {
	Discover(ctx context.Context) ([]discovery.InstanceRecord, error)
	FindHealthy(excludePort int) (discovery.InstanceRecord, bool)
}

// Config holds the manager's dependencies.
type Config struct {
	Server    config.ServerConfig
	HomeDir   string
	Bus       *bus.Bus
	Discovery DiscoveryService
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
}

// Manager supervises the active agent server connection. It is the only
// writer of the connection state.
type Manager struct {
	cfg     config.ServerConfig
	homeDir string
	bus     *bus.Bus
	disc    DiscoveryService
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	// probeFunc is a seam for tests; defaults to upstream.Probe.
	probeFunc   func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult
	attachWait  time.Duration
	attachRetry time.Duration

	mu         sync.Mutex
	state      State
	endpoint   upstream.Endpoint
	version    string
	lastErr    string
	attempts   int
	child      *child
	started    bool
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Manager. Call Start to establish the connection.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg.Server,
		homeDir:     cfg.HomeDir,
		bus:         cfg.Bus,
		disc:        cfg.Discovery,
		logger:      logger,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		probeFunc:   upstream.Probe,
		attachWait:  attachFallbackWait,
		attachRetry: attachRetryInterval,
		state:       StateDisconnected,
	}
}

// Start establishes the connection. In spawn mode a startup timeout is a
// fatal error and the state stays disconnected. In attach mode finding no
// instance is not fatal: a background monitor keeps retrying discovery.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("connection manager already started")
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loopCancel = cancel
	m.mu.Unlock()

	m.transition(StateStarting, "")

	var err error
	if m.cfg.Mode == "attach" {
		err = m.startAttach(ctx, loopCtx)
	} else {
		err = m.startSpawn(ctx, loopCtx)
	}
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.loopCancel = nil
		m.mu.Unlock()
		cancel()
		m.transition(StateDisconnected, err.Error())
	}
	return err
}

// startSpawn launches the agent server and polls until it reports healthy or
// the startup timeout elapses.
func (m *Manager) startSpawn(ctx, loopCtx context.Context) error {
	port := m.cfg.DefaultPort
	c, err := m.spawnServer(port)
	if err != nil {
		return err
	}

	ep := upstream.Endpoint{Host: m.cfg.Host, Port: port}
	deadline := time.Now().Add(m.cfg.StartupTimeout())
	for {
		res := m.probe(ctx, ep)
		if res.Alive {
			m.adopt(loopCtx, ep, res.Version, c)
			return nil
		}
		if time.Now().After(deadline) {
			c.terminate(m.cfg.StopGrace())
			return fmt.Errorf("agent server did not become healthy within %s", m.cfg.StartupTimeout())
		}
		select {
		case <-ctx.Done():
			c.terminate(m.cfg.StopGrace())
			return ctx.Err()
		case waitErr := <-c.waitCh:
			return fmt.Errorf("agent server exited during startup: %v", waitErr)
		case <-time.After(startupPollInterval):
		}
	}
}

// startAttach locates an externally-owned instance: discovery first, then a
// bounded poll of the default endpoint, then an indefinite background
// monitor.
func (m *Manager) startAttach(ctx, loopCtx context.Context) error {
	if ep, version, ok := m.findAttachTarget(ctx); ok {
		m.adopt(loopCtx, ep, version, nil)
		return nil
	}

	defaultEP := upstream.Endpoint{Host: m.cfg.Host, Port: m.cfg.DefaultPort}
	deadline := time.Now().Add(m.attachWait)
	for time.Now().Before(deadline) {
		if res := m.probe(ctx, defaultEP); res.Alive {
			m.adopt(loopCtx, defaultEP, res.Version, nil)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupPollInterval):
		}
	}

	// Nothing found. Stay disconnected and keep looking at a fixed, cheap
	// cadence; the exact timing here is deliberately unexciting.
	m.transition(StateDisconnected, "no running agent server found")
	m.wg.Add(1)
	go m.attachMonitor(loopCtx)
	return nil
}

func (m *Manager) attachMonitor(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.attachRetry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ep, version, ok := m.findAttachTarget(ctx); ok {
			m.adopt(ctx, ep, version, nil)
			return
		}
		defaultEP := upstream.Endpoint{Host: m.cfg.Host, Port: m.cfg.DefaultPort}
		if res := m.probe(ctx, defaultEP); res.Alive {
			m.adopt(ctx, defaultEP, res.Version, nil)
			return
		}
	}
}

// probe runs one health probe, timed into the probe duration histogram and
// traced as an outbound call when a tracer is configured.
func (m *Manager) probe(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, m.tracer, "manager.probe",
			otel.AttrPort.Int(ep.Port))
		defer span.End()
	}
	start := time.Now()
	res := m.probeFunc(ctx, ep)
	if m.metrics != nil {
		m.metrics.ProbeDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrPort.Int(ep.Port)))
	}
	return res
}

// findAttachTarget runs one bounded discovery pass and returns the first
// healthy candidate.
func (m *Manager) findAttachTarget(ctx context.Context) (upstream.Endpoint, string, bool) {
	if m.disc == nil {
		return upstream.Endpoint{}, "", false
	}
	discCtx, cancel := context.WithTimeout(ctx, discoverWait)
	defer cancel()
	if _, err := m.disc.Discover(discCtx); err != nil {
		m.logger.Warn("attach discovery failed", "error", err)
	}
	rec, ok := m.disc.FindHealthy(0)
	if !ok {
		return upstream.Endpoint{}, "", false
	}
	return upstream.Endpoint{Host: m.cfg.Host, Port: rec.Port}, rec.Version, true
}

// adopt records a live endpoint, enters Healthy, and starts the health-check
// loop.
func (m *Manager) adopt(loopCtx context.Context, ep upstream.Endpoint, version string, c *child) {
	m.mu.Lock()
	m.endpoint = ep
	m.version = version
	m.attempts = 0
	m.lastErr = ""
	if c != nil {
		m.child = c
	}
	m.mu.Unlock()

	m.transition(StateHealthy, "")
	m.wg.Add(1)
	go m.runLoop(loopCtx)
}

// runLoop drives the health-check and reconnect cycles. Each step returns
// the delay until the next one: the health interval in steady state, the
// backoff delay while reconnecting.
func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	timer := time.NewTimer(m.cfg.HealthInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(m.step(ctx))
	}
}

// step runs one scheduled cycle of the state machine.
func (m *Manager) step(ctx context.Context) time.Duration {
	m.mu.Lock()
	state := m.state
	ep := m.endpoint
	attempts := m.attempts
	m.mu.Unlock()

	switch state {
	case StateHealthy:
		if res := m.probe(ctx, ep); !res.Alive {
			// Debounce: one failed probe does not trigger reconnection.
			m.transition(StateDegraded, "health probe failed")
		}
		return m.cfg.HealthInterval()

	case StateDegraded:
		res := m.probe(ctx, ep)
		if res.Alive {
			m.recover(ep, res.Version)
			return m.cfg.HealthInterval()
		}
		m.mu.Lock()
		m.attempts = 1
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Add(ctx, 1)
		}
		m.transition(StateReconnecting, "two consecutive health probes failed")
		return m.reconnectDelay(1)

	case StateReconnecting:
		// Cheap first: the same endpoint often comes back after a blip.
		if res := m.probe(ctx, ep); res.Alive {
			m.recover(ep, res.Version)
			return m.cfg.HealthInterval()
		}
		if m.disc != nil {
			if rec, ok := m.disc.FindHealthy(ep.Port); ok {
				alt := upstream.Endpoint{Host: m.cfg.Host, Port: rec.Port}
				if res := m.probe(ctx, alt); res.Alive {
					m.logger.Info("switching to replacement instance",
						"old_port", ep.Port, "new_port", alt.Port)
					m.recover(alt, res.Version)
					return m.cfg.HealthInterval()
				}
			}
		}
		m.mu.Lock()
		m.attempts++
		attempts = m.attempts
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ReconnectAttempts.Add(ctx, 1)
		}
		return m.reconnectDelay(attempts)

	default:
		return m.cfg.HealthInterval()
	}
}

// recover re-enters Healthy with a freshly observed version; the version is
// always refreshed on the transition that re-establishes health.
func (m *Manager) recover(ep upstream.Endpoint, version string) {
	m.mu.Lock()
	m.endpoint = ep
	m.version = version
	m.attempts = 0
	m.lastErr = ""
	m.mu.Unlock()
	m.transition(StateHealthy, "")
}

func (m *Manager) reconnectDelay(attempt int) time.Duration {
	base := time.Duration(m.cfg.ReconnectBaseSeconds) * time.Second
	max := time.Duration(m.cfg.ReconnectMaxSeconds) * time.Second
	return backoffDelay(attempt, base, max)
}

// Stop tears the connection down. Timers are cancelled first; in spawn mode
// the child is then terminated gracefully, in attach mode the external
// process is never signalled.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.loopCancel
	m.loopCancel = nil
	c := m.child
	m.child = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if m.cfg.Mode != "attach" && c != nil {
		c.terminate(m.cfg.StopGrace())
	}
	m.transition(StateDisconnected, "")
}

// Restart stops and starts the manager, used when a caller detects version
// incompatibility or corruption.
func (m *Manager) Restart(ctx context.Context) error {
	m.Stop()
	return m.Start(ctx)
}

// Status returns the current connection state snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		Healthy:           m.state == StateHealthy,
		Host:              m.endpoint.Host,
		Port:              m.endpoint.Port,
		PID:               m.child.pid(),
		Version:           m.version,
		VersionSupported:  versionSupported(m.version, m.cfg.MinVersion),
		LastError:         m.lastErr,
		ReconnectAttempts: m.attempts,
		AttachMode:        m.cfg.Mode == "attach",
	}
}

// Endpoint returns the current active endpoint. ok is false while no
// endpoint has been established.
func (m *Manager) Endpoint() (upstream.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint.Port == 0 {
		return upstream.Endpoint{}, false
	}
	return m.endpoint, true
}

// transition moves to a new state and publishes the change. The manager is
// the only component that writes the state.
func (m *Manager) transition(next State, errMsg string) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	if errMsg != "" {
		m.lastErr = errMsg
	}
	port := m.endpoint.Port
	m.mu.Unlock()

	if prev == next && errMsg == "" {
		return
	}
	m.logger.Info("connection state changed",
		"from", string(prev), "to", string(next), "port", port, "error", errMsg)
	if m.metrics != nil {
		m.metrics.StateTransitions.Add(context.Background(), 1,
			metric.WithAttributes(otel.AttrState.String(string(next))))
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicConnectionStateChanged, bus.ConnectionStateEvent{
			OldState: string(prev),
			NewState: string(next),
			Port:     port,
			Err:      errMsg,
		})
	}
}
