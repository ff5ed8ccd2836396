package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all manager metrics instruments.
type Metrics struct {
	ProbeDuration     metric.Float64Histogram
	ReconnectAttempts metric.Int64Counter
	StateTransitions  metric.Int64Counter
	DiscoveredCount   metric.Int64UpDownCounter
	EventsDispatched  metric.Int64Counter
	EventsDropped     metric.Int64Counter
	ConnectedClients  metric.Int64UpDownCounter
	FeedReconnects    metric.Int64Counter
	RequestDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ProbeDuration, err = meter.Float64Histogram("manager.probe.duration",
		metric.WithDescription("Health probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconnectAttempts, err = meter.Int64Counter("manager.reconnect.attempts",
		metric.WithDescription("Reconnect attempts against the agent server"),
	)
	if err != nil {
		return nil, err
	}

	m.StateTransitions, err = meter.Int64Counter("manager.state.transitions",
		metric.WithDescription("Connection state machine transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.DiscoveredCount, err = meter.Int64UpDownCounter("manager.discovery.instances",
		metric.WithDescription("Agent server instances in the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDispatched, err = meter.Int64Counter("manager.events.dispatched",
		metric.WithDescription("Upstream events delivered to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("manager.events.dropped",
		metric.WithDescription("Events dropped on full client buffers"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectedClients, err = meter.Int64UpDownCounter("manager.clients.connected",
		metric.WithDescription("Currently connected streaming clients"),
	)
	if err != nil {
		return nil, err
	}

	m.FeedReconnects, err = meter.Int64Counter("manager.feed.reconnects",
		metric.WithDescription("Directory feed reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("manager.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
