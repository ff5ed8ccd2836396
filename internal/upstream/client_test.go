package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// fakeServer runs an httptest server that mimics the agent server API and
// returns the Endpoint pointing at it.
func fakeServer(t *testing.T, mux *http.ServeMux) Endpoint {
	t.Helper()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: port}
}

func TestClient_HealthAndApp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	mux.HandleFunc("/app", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"version":"0.6.3","path":{"root":"/repo/a","cwd":"/repo/a"}}`)
	})

	ep := fakeServer(t, mux)
	c := NewClient(ep, 2*time.Second)

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	info, err := c.App(context.Background())
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if info.Version != "0.6.3" {
		t.Fatalf("version = %q, want 0.6.3", info.Version)
	}
	if info.Path.Root != "/repo/a" {
		t.Fatalf("root = %q, want /repo/a", info.Path.Root)
	}
}

func TestClient_Sessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]Session{
			{ID: "ses_1", Title: "fix tests", Directory: "/repo/a"},
			{ID: "ses_2", Title: "refactor", Directory: "/repo/b"},
		})
	})

	ep := fakeServer(t, mux)
	c := NewClient(ep, 2*time.Second)

	sessions, err := c.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "ses_1" || sessions[0].Directory != "/repo/a" {
		t.Fatalf("unexpected first session: %+v", sessions[0])
	}
}

func TestClient_HealthNon2xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ep := fakeServer(t, mux)
	c := NewClient(ep, 2*time.Second)

	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error for 503 health response")
	}
}

func TestEndpoint_Addr(t *testing.T) {
	ep := Endpoint{Port: 4096}
	if got := ep.Addr(); got != "127.0.0.1:4096" {
		t.Fatalf("Addr = %q, want 127.0.0.1:4096", got)
	}
	ep = Endpoint{Host: "::1", Port: 4096}
	if got := ep.Addr(); got != "[::1]:4096" {
		t.Fatalf("Addr = %q, want [::1]:4096", got)
	}
}
