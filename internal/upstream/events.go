package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one decoded message from the server's event feed.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SubscribeEvents opens the SSE feed for one directory and invokes handle for
// every decoded event, in arrival order, until the stream ends or ctx is
// canceled. It returns nil on clean context cancellation and an error on any
// transport or decode-stream failure so the caller can schedule a reconnect.
func (c *Client) SubscribeEvents(ctx context.Context, directory string, handle func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eventURL(directory), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming request: the configured client timeout would kill a healthy
	// long-lived feed, so use a transport without one.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event feed for %s: unexpected status %d", directory, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			// Blank line ends one SSE message.
			if data.Len() > 0 {
				var ev Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err == nil && ev.Type != "" {
					handle(ev)
				}
				data.Reset()
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// Comment lines (": keepalive") and field lines we don't use are skipped.
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("event feed for %s: %w", directory, err)
	}
	return fmt.Errorf("event feed for %s: stream ended", directory)
}
