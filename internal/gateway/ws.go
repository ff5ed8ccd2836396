package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/chriswritescode-dev/opencode-manager/internal/events"
)

// wsMessage is the envelope pushed to WebSocket clients.
type wsMessage struct {
	Kind     string              `json:"kind"`
	ClientID string              `json:"client_id,omitempty"`
	Event    *events.ClientEvent `json:"event,omitempty"`
	TS       int64               `json:"ts,omitempty"`
}

// wsControl is an inbound subscription mutation from the client.
type wsControl struct {
	Action      string   `json:"action"`
	Directories []string `json:"directories"`
}

// handleWS upgrades the request into a WebSocket push channel. The client
// receives a connected acknowledgement, then events and heartbeats; it may
// send add/remove control messages to adjust its directory set.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	dirs := splitDirectories(r.URL.Query().Get("directories"))

	ch, cleanup := s.cfg.Aggregator.AddClient(clientID, dirs)
	defer cleanup()
	s.clientConnected(r.Context(), clientID, len(dirs))
	defer s.clientDisconnected(r.Context(), clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, wsMessage{Kind: "connected", ClientID: clientID}); err != nil {
		return
	}

	// Reader: control messages only. A read error means the client went
	// away; cancel the writer.
	go func() {
		defer cancel()
		for {
			var ctl wsControl
			if err := wsjson.Read(ctx, conn, &ctl); err != nil {
				return
			}
			switch ctl.Action {
			case "add":
				s.cfg.Aggregator.AddDirectories(clientID, ctl.Directories...)
			case "remove":
				s.cfg.Aggregator.RemoveDirectories(clientID, ctl.Directories...)
			default:
				s.logger.Debug("ws: unknown control action",
					"client_id", clientID, "action", ctl.Action)
			}
		}
	}()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := wsjson.Write(ctx, conn, wsMessage{Kind: "heartbeat", TS: time.Now().Unix()}); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, wsMessage{Kind: "event", Event: &ev}); err != nil {
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.EventsDispatched.Add(ctx, 1)
			}
		}
	}
}
