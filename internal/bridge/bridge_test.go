package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

type staticEndpoint struct {
	ep upstream.Endpoint
	ok atomic.Bool
}

func (s *staticEndpoint) Endpoint() (upstream.Endpoint, bool) {
	if !s.ok.Load() {
		return upstream.Endpoint{}, false
	}
	return s.ep, true
}

type memDirs struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (m *memDirs) ListTrackedDirectories(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]string(nil), m.dirs...), nil
}

func (m *memDirs) set(dirs ...string) {
	m.mu.Lock()
	m.dirs = dirs
	m.mu.Unlock()
}

type recordSink struct {
	mu     sync.Mutex
	events []upstream.Event
	dirs   []string
}

func (r *recordSink) HandleEvent(directory string, ev upstream.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.dirs = append(r.dirs, directory)
	r.mu.Unlock()
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, dirs *memDirs, sinks ...Sink) (*Bridge, *staticEndpoint) {
	t.Helper()
	eps := &staticEndpoint{ep: upstream.Endpoint{Host: "127.0.0.1", Port: 4096}}
	eps.ok.Store(true)
	b := New(Config{
		Endpoints:         eps,
		Directories:       dirs,
		Sinks:             sinks,
		Bus:               bus.New(),
		Logger:            testLogger(),
		RetryDelay:        10 * time.Millisecond,
		ReconcileInterval: 20 * time.Millisecond,
	})
	return b, eps
}

func TestEventsFlowToAllSinks(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	first := &recordSink{}
	second := &recordSink{}
	b, _ := newTestBridge(t, dirs, first, second)

	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		handle(upstream.Event{Type: "session.updated", Properties: json.RawMessage(`{"n":1}`)})
		handle(upstream.Event{Type: "message.part", Properties: json.RawMessage(`{"n":2}`)})
		<-ctx.Done()
		return ctx.Err()
	}

	b.Start(context.Background())
	defer b.Stop()

	waitFor(t, func() bool { return first.count() == 2 && second.count() == 2 })

	first.mu.Lock()
	defer first.mu.Unlock()
	if first.events[0].Type != "session.updated" || first.events[1].Type != "message.part" {
		t.Fatalf("events out of order: %v", first.events)
	}
	if first.dirs[0] != "/repo/a" {
		t.Fatalf("directory = %q, want /repo/a", first.dirs[0])
	}
}

func TestUntrackedDirectoryClosesFeedOnce(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	b, _ := newTestBridge(t, dirs)

	var closes atomic.Int64
	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		<-ctx.Done()
		closes.Add(1)
		return ctx.Err()
	}

	closed := b.bus.Subscribe(bus.TopicFeedClosed)
	defer b.bus.Unsubscribe(closed)

	b.Start(context.Background())
	defer b.Stop()

	waitFor(t, func() bool { return len(b.FeedDirectories()) == 1 })
	dirs.set()

	select {
	case msg := <-closed.Ch():
		ev := msg.Payload.(bus.FeedEvent)
		if ev.Directory != "/repo/a" {
			t.Fatalf("closed directory = %q", ev.Directory)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed never closed after untracking")
	}

	waitFor(t, func() bool { return closes.Load() == 1 })

	// Several reconcile cycles later the close count must not grow.
	time.Sleep(100 * time.Millisecond)
	if n := closes.Load(); n != 1 {
		t.Fatalf("feed closed %d times, want exactly once", n)
	}
	if len(b.FeedDirectories()) != 0 {
		t.Fatalf("feeds still open: %v", b.FeedDirectories())
	}
}

func TestFeedRetriesAfterFlatDelay(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	b, _ := newTestBridge(t, dirs)

	var attempts atomic.Int64
	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		attempts.Add(1)
		return errors.New("stream ended")
	}

	b.Start(context.Background())
	defer b.Stop()

	waitFor(t, func() bool { return attempts.Load() >= 3 })
}

func TestNoSubscribeWithoutEndpoint(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	b, eps := newTestBridge(t, dirs)
	eps.ok.Store(false)

	var attempts atomic.Int64
	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}

	b.Start(context.Background())
	defer b.Stop()

	time.Sleep(50 * time.Millisecond)
	if attempts.Load() != 0 {
		t.Fatal("subscribed while no endpoint was available")
	}

	eps.ok.Store(true)
	waitFor(t, func() bool { return attempts.Load() >= 1 })
}

func TestSinkPanicDoesNotStopOthers(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	panicking := sinkFunc(func(directory string, ev upstream.Event) { panic("boom") })
	healthy := &recordSink{}
	b, _ := newTestBridge(t, dirs, panicking, healthy)

	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		handle(upstream.Event{Type: "session.idle"})
		<-ctx.Done()
		return ctx.Err()
	}

	b.Start(context.Background())
	defer b.Stop()

	waitFor(t, func() bool { return healthy.count() == 1 })
}

type sinkFunc func(directory string, ev upstream.Event)

func (f sinkFunc) HandleEvent(directory string, ev upstream.Event) { f(directory, ev) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconcileKicksImmediatePass(t *testing.T) {
	dirs := &memDirs{dirs: []string{"/repo/a"}}
	eps := &staticEndpoint{ep: upstream.Endpoint{Host: "127.0.0.1", Port: 4096}}
	eps.ok.Store(true)
	b := New(Config{
		Endpoints:         eps,
		Directories:       dirs,
		Bus:               bus.New(),
		Logger:            testLogger(),
		RetryDelay:        10 * time.Millisecond,
		ReconcileInterval: time.Hour,
	})
	b.subscribeFunc = func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
		<-ctx.Done()
		return ctx.Err()
	}

	b.Start(context.Background())
	defer b.Stop()

	waitFor(t, func() bool { return len(b.FeedDirectories()) == 1 })

	// The interval timer will not fire for an hour; only the kick can pick
	// up the new directory.
	dirs.set("/repo/a", "/repo/b")
	b.Reconcile()

	waitFor(t, func() bool { return len(b.FeedDirectories()) == 2 })
}
