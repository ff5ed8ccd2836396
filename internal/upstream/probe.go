package upstream

import (
	"context"
	"time"
)

const (
	livenessTimeout = 3 * time.Second
	metadataTimeout = 5 * time.Second
)

// ProbeResult is the outcome of probing one candidate endpoint.
type ProbeResult struct {
	Alive   bool
	Version string
}

// Probe asks an endpoint whether it is alive and, if so, which version it
// runs. Network failure is reported as Alive=false, never as an error; the
// version fetch is best-effort and an alive endpoint with an unreadable /app
// still counts as alive.
func Probe(ctx context.Context, endpoint Endpoint) ProbeResult {
	client := NewClient(endpoint, 0)

	liveCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	if err := client.Health(liveCtx); err != nil {
		return ProbeResult{}
	}

	metaCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	info, err := client.App(metaCtx)
	if err != nil {
		return ProbeResult{Alive: true}
	}
	return ProbeResult{Alive: true, Version: info.Version}
}
