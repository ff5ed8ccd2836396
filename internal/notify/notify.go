// Package notify receives every upstream event exactly once, independent of
// client subscriptions, and hands it to a dispatcher.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

// Dispatcher consumes upstream events for side channels such as desktop or
// webhook notifications.
type Dispatcher interface {
	HandleEvent(directory string, ev upstream.Event)
}

// LogDispatcher records event traffic in the structured log. It is the
// default dispatcher; richer ones can wrap it.
type LogDispatcher struct {
	logger *slog.Logger
	seen   atomic.Int64

	mu     sync.Mutex
	byType map[string]int64
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{
		logger: logger,
		byType: make(map[string]int64),
	}
}

// HandleEvent logs the event and updates per-type counters.
func (d *LogDispatcher) HandleEvent(directory string, ev upstream.Event) {
	d.seen.Add(1)
	d.mu.Lock()
	d.byType[ev.Type]++
	d.mu.Unlock()
	d.logger.Debug("upstream event", "directory", directory, "type", ev.Type)
}

// Seen returns the total number of handled events.
func (d *LogDispatcher) Seen() int64 {
	return d.seen.Load()
}

// CountByType returns a copy of the per-type counters.
func (d *LogDispatcher) CountByType() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.byType))
	for k, v := range d.byType {
		out[k] = v
	}
	return out
}
