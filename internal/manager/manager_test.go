package manager

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/config"
	"github.com/chriswritescode-dev/opencode-manager/internal/discovery"
	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

type fakeDiscovery struct {
	records []discovery.InstanceRecord
}

func (f *fakeDiscovery) Discover(ctx context.Context) ([]discovery.InstanceRecord, error) {
	return f.records, nil
}

func (f *fakeDiscovery) FindHealthy(excludePort int) (discovery.InstanceRecord, bool) {
	for _, rec := range f.records {
		if rec.Healthy && rec.Port != excludePort {
			return rec, true
		}
	}
	return discovery.InstanceRecord{}, false
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Mode:                  "attach",
		Host:                  "127.0.0.1",
		DefaultPort:           4096,
		HealthIntervalSeconds: 60,
		StartupTimeoutSeconds: 1,
		StopGraceSeconds:      1,
		ReconnectBaseSeconds:  1,
		ReconnectMaxSeconds:   30,
	}
}

// newTestManager returns a manager whose probes are answered by results,
// keyed by port. Missing ports probe as dead.
func newTestManager(t *testing.T, disc DiscoveryService, results map[int]upstream.ProbeResult) *Manager {
	t.Helper()
	m := New(Config{
		Server:    testServerConfig(),
		HomeDir:   t.TempDir(),
		Bus:       bus.New(),
		Discovery: disc,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.probeFunc = func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
		return results[ep.Port]
	}
	m.attachWait = 0
	m.attachRetry = 20 * time.Millisecond
	return m
}

// forceHealthy puts the manager into Healthy at the given endpoint without
// running Start, so step transitions can be exercised directly.
func forceHealthy(m *Manager, port, attempts int) {
	m.mu.Lock()
	m.state = StateHealthy
	m.endpoint = upstream.Endpoint{Host: "127.0.0.1", Port: port}
	m.attempts = attempts
	m.mu.Unlock()
}

func TestSingleFailureOnlyDegrades(t *testing.T) {
	results := map[int]upstream.ProbeResult{}
	m := newTestManager(t, &fakeDiscovery{}, results)
	forceHealthy(m, 4096, 0)

	m.step(context.Background())

	st := m.Status()
	if st.State != StateDegraded {
		t.Fatalf("state = %s, want degraded", st.State)
	}
	if st.Port != 4096 {
		t.Fatalf("endpoint changed on a single failure: port %d", st.Port)
	}
	if st.ReconnectAttempts != 0 {
		t.Fatalf("reconnect attempts = %d before a second failure", st.ReconnectAttempts)
	}
}

func TestDegradedRecoversAndRefreshesVersion(t *testing.T) {
	results := map[int]upstream.ProbeResult{
		4096: {Alive: true, Version: "0.7.2"},
	}
	m := newTestManager(t, &fakeDiscovery{}, results)
	forceHealthy(m, 4096, 0)
	m.mu.Lock()
	m.state = StateDegraded
	m.version = "0.7.1"
	m.mu.Unlock()

	m.step(context.Background())

	st := m.Status()
	if st.State != StateHealthy {
		t.Fatalf("state = %s, want healthy", st.State)
	}
	if st.Version != "0.7.2" {
		t.Fatalf("version = %q, want refreshed 0.7.2", st.Version)
	}
}

func TestTwoFailuresEnterReconnecting(t *testing.T) {
	results := map[int]upstream.ProbeResult{}
	m := newTestManager(t, &fakeDiscovery{}, results)
	forceHealthy(m, 4096, 0)

	m.step(context.Background())
	delay := m.step(context.Background())

	st := m.Status()
	if st.State != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", st.State)
	}
	if st.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.ReconnectAttempts)
	}
	if delay != time.Second {
		t.Fatalf("first reconnect delay = %s, want 1s", delay)
	}
}

func TestReconnectSwitchesToDiscoveredAlternate(t *testing.T) {
	results := map[int]upstream.ProbeResult{
		5000: {Alive: true, Version: "1.1.0"},
	}
	disc := &fakeDiscovery{records: []discovery.InstanceRecord{
		{Port: 5000, Healthy: true, Version: "1.1.0"},
	}}
	m := newTestManager(t, disc, results)
	forceHealthy(m, 4096, 1)
	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	m.step(context.Background())

	st := m.Status()
	if st.State != StateHealthy {
		t.Fatalf("state = %s, want healthy after switching", st.State)
	}
	if st.Port != 5000 {
		t.Fatalf("port = %d, want alternate 5000", st.Port)
	}
	if st.Version != "1.1.0" {
		t.Fatalf("version = %q, want 1.1.0", st.Version)
	}
	if st.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d, want reset to 0", st.ReconnectAttempts)
	}
}

func TestReconnectBackoffGrowsAndCaps(t *testing.T) {
	results := map[int]upstream.ProbeResult{}
	m := newTestManager(t, &fakeDiscovery{}, results)
	forceHealthy(m, 4096, 1)
	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	prev := time.Duration(0)
	var last time.Duration
	for i := 0; i < 10; i++ {
		d := m.step(context.Background())
		if d < prev {
			t.Fatalf("delay decreased: %s after %s", d, prev)
		}
		prev = d
		last = d
	}
	if last != 30*time.Second {
		t.Fatalf("delay after 10 cycles = %s, want capped at 30s", last)
	}
	if st := m.Status(); st.State != StateReconnecting {
		t.Fatalf("state = %s, want still reconnecting", st.State)
	}
}

func TestAttachStartAdoptsDiscoveredInstance(t *testing.T) {
	results := map[int]upstream.ProbeResult{
		5101: {Alive: true, Version: "0.9.0"},
	}
	disc := &fakeDiscovery{records: []discovery.InstanceRecord{
		{Port: 5101, Healthy: true, Version: "0.9.0"},
	}}
	m := newTestManager(t, disc, results)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	st := m.Status()
	if st.State != StateHealthy {
		t.Fatalf("state = %s, want healthy", st.State)
	}
	if st.Port != 5101 || st.Version != "0.9.0" {
		t.Fatalf("adopted port=%d version=%q", st.Port, st.Version)
	}
	if !st.AttachMode {
		t.Fatal("attach mode not reported")
	}
}

func TestAttachStartWithoutInstanceKeepsLooking(t *testing.T) {
	var serverUp atomic.Bool
	m := newTestManager(t, &fakeDiscovery{}, nil)
	m.probeFunc = func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
		if serverUp.Load() && ep.Port == 4096 {
			return upstream.ProbeResult{Alive: true, Version: "1.0.0"}
		}
		return upstream.ProbeResult{}
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start should not fail in attach mode: %v", err)
	}
	defer m.Stop()

	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected while monitoring", st.State)
	}

	// A server appears later; the background monitor should adopt it.
	serverUp.Store(true)

	deadline := time.After(2 * time.Second)
	for {
		if st := m.Status(); st.State == StateHealthy {
			if st.Port != 4096 {
				t.Fatalf("monitor adopted port %d, want 4096", st.Port)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("monitor never adopted the late-arriving server")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStateChangesPublishedOnBus(t *testing.T) {
	b := bus.New()
	m := New(Config{
		Server:  testServerConfig(),
		HomeDir: t.TempDir(),
		Bus:     b,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.probeFunc = func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
		return upstream.ProbeResult{}
	}
	forceHealthy(m, 4096, 0)

	sub := b.Subscribe(bus.TopicConnectionStateChanged)
	defer b.Unsubscribe(sub)

	m.step(context.Background())

	select {
	case msg := <-sub.Ch():
		ev, ok := msg.Payload.(bus.ConnectionStateEvent)
		if !ok {
			t.Fatalf("payload type %T", msg.Payload)
		}
		if ev.OldState != string(StateHealthy) || ev.NewState != string(StateDegraded) {
			t.Fatalf("event %s -> %s, want healthy -> degraded", ev.OldState, ev.NewState)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event published")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeDiscovery{}, nil)
	m.Stop()
	m.Stop()
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st.State)
	}
}

func TestSpawnStartupTimeoutIsFatal(t *testing.T) {
	cfg := testServerConfig()
	cfg.Mode = "spawn"
	cfg.Command = "sh"
	cfg.Args = []string{"-c", "sleep 30"}

	m := New(Config{
		Server:  cfg,
		HomeDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.probeFunc = func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
		return upstream.ProbeResult{}
	}

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the spawned server never becomes healthy")
	}
	st := m.Status()
	if st.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st.State)
	}
	if st.LastError == "" {
		t.Fatal("startup failure should be surfaced as last error")
	}
	if st.PID != 0 {
		t.Fatalf("child should be terminated after startup failure, pid = %d", st.PID)
	}
}

func TestSpawnChildExitDuringStartupIsFatal(t *testing.T) {
	cfg := testServerConfig()
	cfg.Mode = "spawn"
	cfg.Command = "sh"
	cfg.Args = []string{"-c", "exit 3"}

	m := New(Config{
		Server:  cfg,
		HomeDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.probeFunc = func(ctx context.Context, ep upstream.Endpoint) upstream.ProbeResult {
		return upstream.ProbeResult{}
	}

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the spawned server exits during startup")
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st.State)
	}
}

func TestProbeAndTransitionMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	instruments, err := otel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m := newTestManager(t, &fakeDiscovery{}, map[int]upstream.ProbeResult{})
	m.metrics = instruments
	forceHealthy(m, 4096, 0)

	m.step(context.Background()) // healthy, probe fails
	m.step(context.Background()) // degraded, second failure starts reconnecting

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	recorded := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, inst := range scope.Metrics {
			recorded[inst.Name] = true
		}
	}
	for _, name := range []string{
		"manager.probe.duration",
		"manager.state.transitions",
		"manager.reconnect.attempts",
	} {
		if !recorded[name] {
			t.Fatalf("instrument %s was not recorded, got %v", name, recorded)
		}
	}
}
