// Package bridge maintains one upstream event subscription per tracked
// working directory and fans every decoded event out to the downstream
// sinks.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/chriswritescode-dev/opencode-manager/internal/bus"
	"github.com/chriswritescode-dev/opencode-manager/internal/otel"
	"github.com/chriswritescode-dev/opencode-manager/internal/upstream"
)

const subscribeTimeout = 10 * time.Second

// EndpointSource reports the active agent server endpoint, typically the
// connection manager.
type EndpointSource interface {
	Endpoint() (upstream.Endpoint, bool)
}

// DirectorySource supplies the set of directories to watch, typically the
// repository store.
type DirectorySource interface {
	ListTrackedDirectories(ctx context.Context) ([]string, error)
}

// Sink receives every decoded upstream event with its originating
// directory.
type Sink interface {
	HandleEvent(directory string, ev upstream.Event)
}

// Config holds the bridge's dependencies.
type Config struct {
	Endpoints         EndpointSource
	Directories       DirectorySource
	Sinks             []Sink
	Bus               *bus.Bus
	Logger            *slog.Logger
	Metrics           *otel.Metrics
	RetryDelay        time.Duration
	ReconcileInterval time.Duration
}

type feed struct {
	directory string
	cancel    context.CancelFunc
}

// Bridge reconciles the tracked-directory set against open feeds and keeps
// each feed connected with a flat retry delay. Backoff lives in the
// connection manager, not here.
type Bridge struct {
	endpoints   EndpointSource
	directories DirectorySource
	sinks       []Sink
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	retryDelay  time.Duration
	reconcile   time.Duration

	// subscribeFunc is a seam for tests; defaults to a real SSE subscription.
	subscribeFunc func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error

	kick chan struct{}

	mu      sync.Mutex
	feeds   map[string]*feed
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Bridge. Call Start to begin watching.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 5 * time.Second
	}
	reconcile := cfg.ReconcileInterval
	if reconcile <= 0 {
		reconcile = 30 * time.Second
	}
	return &Bridge{
		endpoints:   cfg.Endpoints,
		directories: cfg.Directories,
		sinks:       cfg.Sinks,
		bus:         cfg.Bus,
		logger:      logger,
		metrics:     cfg.Metrics,
		retryDelay:  retry,
		reconcile:   reconcile,
		subscribeFunc: func(ctx context.Context, ep upstream.Endpoint, directory string, handle func(upstream.Event)) error {
			return upstream.NewClient(ep, subscribeTimeout).SubscribeEvents(ctx, directory, handle)
		},
		kick:  make(chan struct{}, 1),
		feeds: make(map[string]*feed),
	}
}

// Start runs an immediate reconciliation pass and then keeps reconciling on
// a fixed interval.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.mu.Unlock()

	b.reconcileOnce(runCtx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.reconcile)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				b.reconcileOnce(runCtx)
			case <-b.kick:
				b.reconcileOnce(runCtx)
			}
		}
	}()
}

// Reconcile requests an immediate reconciliation pass instead of waiting for
// the next interval. Safe to call from any goroutine; a no-op when one is
// already pending.
func (b *Bridge) Reconcile() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Stop closes every open feed and waits for their goroutines to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.cancel = nil
	b.feeds = make(map[string]*feed)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// FeedDirectories returns the directories with an open feed, for
// diagnostics.
func (b *Bridge) FeedDirectories() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirs := make([]string, 0, len(b.feeds))
	for dir := range b.feeds {
		dirs = append(dirs, dir)
	}
	return dirs
}

// reconcileOnce aligns open feeds with the tracked-directory set. A listing
// failure keeps the current feeds untouched.
func (b *Bridge) reconcileOnce(ctx context.Context) {
	dirs, err := b.directories.ListTrackedDirectories(ctx)
	if err != nil {
		b.logger.Warn("tracked directory listing failed", "error", err)
		return
	}
	desired := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		if dir != "" {
			desired[dir] = true
		}
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	var toClose []*feed
	for dir, f := range b.feeds {
		if !desired[dir] {
			delete(b.feeds, dir)
			toClose = append(toClose, f)
		}
	}
	var toOpen []string
	for dir := range desired {
		if _, ok := b.feeds[dir]; !ok {
			feedCtx, cancel := context.WithCancel(ctx)
			b.feeds[dir] = &feed{directory: dir, cancel: cancel}
			toOpen = append(toOpen, dir)
			b.wg.Add(1)
			go b.runFeed(feedCtx, dir)
		}
	}
	b.mu.Unlock()

	for _, f := range toClose {
		f.cancel()
		b.logger.Info("directory feed closed", "directory", f.directory)
		b.publishFeed(bus.TopicFeedClosed, f.directory)
	}
	for _, dir := range toOpen {
		b.logger.Info("directory feed opened", "directory", dir)
		b.publishFeed(bus.TopicFeedOpened, dir)
	}
}

// runFeed keeps one directory's subscription open until the feed is
// cancelled, retrying after a flat delay on any error or stream end.
func (b *Bridge) runFeed(ctx context.Context, directory string) {
	defer b.wg.Done()
	for {
		ep, ok := b.endpoints.Endpoint()
		if !ok {
			if !b.sleep(ctx) {
				return
			}
			continue
		}

		err := b.subscribeFunc(ctx, ep, directory, func(ev upstream.Event) {
			b.deliver(directory, ev)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn("directory feed interrupted",
				"directory", directory, "port", ep.Port, "error", err)
		}
		if b.metrics != nil {
			b.metrics.FeedReconnects.Add(ctx, 1,
				metric.WithAttributes(otel.AttrDirectory.String(directory)))
		}
		if !b.sleep(ctx) {
			return
		}
	}
}

func (b *Bridge) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retryDelay):
		return true
	}
}

// deliver hands an event to every sink. One sink misbehaving never blocks
// the others.
func (b *Bridge) deliver(directory string, ev upstream.Event) {
	for _, sink := range b.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event sink panicked",
						"directory", directory, "panic", r)
				}
			}()
			sink.HandleEvent(directory, ev)
		}()
	}
}

func (b *Bridge) publishFeed(topic, directory string) {
	if b.bus != nil {
		b.bus.Publish(topic, bus.FeedEvent{Directory: directory})
	}
}
