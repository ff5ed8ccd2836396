// Package events fans upstream events out to connected clients keyed by
// directory subscription.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

const defaultClientBuffer = 64

// ClientEvent is one event as delivered to a subscribed client.
type ClientEvent struct {
	Directory string          `json:"directory"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"properties,omitempty"`
}

// Status is a read-only snapshot for diagnostics.
type Status struct {
	ClientCount       int      `json:"client_count"`
	ActiveDirectories []string `json:"active_directories"`
	DroppedEvents     int64    `json:"dropped_events"`
}

type client struct {
	id     string
	dirs   map[string]bool
	ch     chan ClientEvent
	closed bool
}

// Aggregator routes events to every client whose subscription set contains
// the event's directory. Delivery is per-client non-blocking: a stalled
// client drops events instead of back-pressuring dispatch.
type Aggregator struct {
	logger  *slog.Logger
	buffer  int
	metrics *otel.Metrics
	dropped atomic.Int64

	mu      sync.Mutex
	clients map[string]*client
}

// New creates an Aggregator with the given per-client channel buffer.
func New(buffer int, logger *slog.Logger) *Aggregator {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger:  logger,
		buffer:  buffer,
		clients: make(map[string]*client),
	}
}

// SetMetrics attaches metric instruments. Call before dispatching begins.
func (a *Aggregator) SetMetrics(m *otel.Metrics) {
	a.metrics = m
}

// AddClient registers a subscription and returns the client's delivery
// channel plus a cleanup function. The cleanup is idempotent: the first call
// removes the subscription and closes the channel, later calls are no-ops.
// Registering an id twice replaces the earlier subscription.
func (a *Aggregator) AddClient(clientID string, initialDirectories []string) (<-chan ClientEvent, func()) {
	c := &client{
		id:   clientID,
		dirs: make(map[string]bool, len(initialDirectories)),
		ch:   make(chan ClientEvent, a.buffer),
	}
	for _, dir := range initialDirectories {
		if dir != "" {
			c.dirs[dir] = true
		}
	}

	a.mu.Lock()
	if prev, ok := a.clients[clientID]; ok && !prev.closed {
		prev.closed = true
		close(prev.ch)
	}
	a.clients[clientID] = c
	a.mu.Unlock()

	a.logger.Debug("client subscribed", "client_id", clientID, "directories", len(c.dirs))

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			a.mu.Lock()
			if cur, ok := a.clients[clientID]; ok && cur == c {
				delete(a.clients, clientID)
			}
			if !c.closed {
				c.closed = true
				close(c.ch)
			}
			a.mu.Unlock()
			a.logger.Debug("client unsubscribed", "client_id", clientID)
		})
	}
	return c.ch, cleanup
}

// AddDirectories adds directories to a client's subscription set. Returns
// false if the client is unknown or already cleaned up.
func (a *Aggregator) AddDirectories(clientID string, directories ...string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[clientID]
	if !ok || c.closed {
		return false
	}
	for _, dir := range directories {
		if dir != "" {
			c.dirs[dir] = true
		}
	}
	return true
}

// RemoveDirectories removes directories from a client's subscription set.
// Returns false if the client is unknown or already cleaned up.
func (a *Aggregator) RemoveDirectories(clientID string, directories ...string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[clientID]
	if !ok || c.closed {
		return false
	}
	for _, dir := range directories {
		delete(c.dirs, dir)
	}
	return true
}

// Dispatch delivers an event to every client subscribed to its directory.
// A full client channel drops the event for that client only.
func (a *Aggregator) Dispatch(directory, eventType string, payload json.RawMessage) {
	ev := ClientEvent{Directory: directory, Type: eventType, Payload: payload}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clients {
		if c.closed || !c.dirs[directory] {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			a.dropped.Add(1)
			if a.metrics != nil {
				a.metrics.EventsDropped.Add(context.Background(), 1)
			}
			a.logger.Warn("client buffer full, event dropped",
				"client_id", c.id, "directory", directory, "type", eventType)
		}
	}
}

// HandleEvent adapts the aggregator to the bridge's sink contract.
func (a *Aggregator) HandleEvent(directory string, ev upstream.Event) {
	a.Dispatch(directory, ev.Type, ev.Properties)
}

// ClientCount returns the number of registered clients.
func (a *Aggregator) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// ActiveDirectories returns the union of all clients' subscribed
// directories, sorted.
func (a *Aggregator) ActiveDirectories() []string {
	a.mu.Lock()
	set := make(map[string]bool)
	for _, c := range a.clients {
		for dir := range c.dirs {
			set[dir] = true
		}
	}
	a.mu.Unlock()

	dirs := make([]string, 0, len(set))
	for dir := range set {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// GetStatus returns a diagnostics snapshot.
func (a *Aggregator) GetStatus() Status {
	return Status{
		ClientCount:       a.ClientCount(),
		ActiveDirectories: a.ActiveDirectories(),
		DroppedEvents:     a.dropped.Load(),
	}
}
