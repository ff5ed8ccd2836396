package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMonitorConsumesBusNotifications(t *testing.T) {
	b := bus.New()
	m := NewMonitor(b, testLogger())
	m.Start(context.Background())

	b.Publish(bus.TopicInstanceDiscovered, bus.InstanceEvent{Port: 4096, Version: "1.0.0"})
	b.Publish(bus.TopicConnectionStateChanged, bus.ConnectionStateEvent{
		OldState: "healthy", NewState: "degraded", Port: 4096,
	})
	b.Publish(bus.TopicFeedOpened, bus.FeedEvent{Directory: "/repo/a"})

	waitFor(t, func() bool { return m.Seen() == 3 })

	m.Stop()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriptions left open after Stop: %d", b.SubscriberCount())
	}
}

func TestMonitorIgnoresUnrelatedTopics(t *testing.T) {
	b := bus.New()
	m := NewMonitor(b, testLogger())
	m.Start(context.Background())
	defer m.Stop()

	b.Publish("scheduler.fired", struct{}{})
	b.Publish(bus.TopicInstanceLost, bus.InstanceEvent{Port: 5000})

	// Only the instance topic is subscribed; the scheduler topic must never
	// show up in the count.
	waitFor(t, func() bool { return m.Seen() == 1 })
	time.Sleep(20 * time.Millisecond)
	if m.Seen() != 1 {
		t.Fatalf("seen = %d, want 1", m.Seen())
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	b := bus.New()
	m := NewMonitor(b, testLogger())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestLogDispatcherCounts(t *testing.T) {
	d := NewLogDispatcher(testLogger())
	d.HandleEvent("/repo/a", upstream.Event{Type: "session.updated", Properties: json.RawMessage(`{}`)})
	d.HandleEvent("/repo/a", upstream.Event{Type: "session.updated"})
	d.HandleEvent("/repo/b", upstream.Event{Type: "message.part"})

	if d.Seen() != 3 {
		t.Fatalf("seen = %d, want 3", d.Seen())
	}
	counts := d.CountByType()
	if counts["session.updated"] != 2 || counts["message.part"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
