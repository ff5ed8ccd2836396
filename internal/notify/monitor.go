package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
)

// Monitor subscribes to the discovery, connection, and feed topics and
// surfaces every notification through the operator log. It is the daemon's
// standing bus consumer.
type Monitor struct {
	bus    *bus.Bus
	logger *slog.Logger
	seen   atomic.Int64

	mu      sync.Mutex
	subs    []*bus.Subscription
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. Call Start to begin consuming.
func NewMonitor(b *bus.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{bus: b, logger: logger}
}

// Start opens one subscription per topic family and consumes them until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	for _, prefix := range []string{"instance.", "connection.", "feed."} {
		sub := m.bus.Subscribe(prefix)
		m.subs = append(m.subs, sub)
		m.wg.Add(1)
		go m.consume(runCtx, sub)
	}
	m.mu.Unlock()
}

// Stop unsubscribes and waits for the consumer goroutines to drain. Messages
// the bus dropped while we were slow are reported once here.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		m.bus.Unsubscribe(sub)
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	if dropped := m.bus.DroppedCount(); dropped > 0 {
		m.logger.Warn("bus dropped messages while consumers were busy", "dropped", dropped)
	}
}

// Seen returns the total number of consumed notifications.
func (m *Monitor) Seen() int64 {
	return m.seen.Load()
}

func (m *Monitor) consume(ctx context.Context, sub *bus.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Ch():
			if !open {
				return
			}
			m.seen.Add(1)
			m.log(ev)
		}
	}
}

func (m *Monitor) log(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.InstanceEvent:
		m.logger.Info("instance notification",
			"topic", ev.Topic, "port", p.Port, "pid", p.PID,
			"directory", p.Directory, "version", p.Version)
	case bus.ConnectionStateEvent:
		m.logger.Info("connection notification",
			"topic", ev.Topic, "from", p.OldState, "to", p.NewState,
			"port", p.Port, "error", p.Err)
	case bus.FeedEvent:
		m.logger.Info("feed notification", "topic", ev.Topic, "directory", p.Directory)
	default:
		m.logger.Debug("bus notification", "topic", ev.Topic)
	}
}
