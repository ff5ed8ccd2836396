package upstream

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestProbe_AliveWithVersion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"healthy":true}`)
	})
	mux.HandleFunc("/app", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"version":"1.0.2"}`)
	})

	res := Probe(context.Background(), fakeServer(t, mux))
	if !res.Alive {
		t.Fatal("expected alive")
	}
	if res.Version != "1.0.2" {
		t.Fatalf("version = %q, want 1.0.2", res.Version)
	}
}

func TestProbe_AliveWithoutMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// No /app handler: metadata fetch 404s but the endpoint is still alive.

	res := Probe(context.Background(), fakeServer(t, mux))
	if !res.Alive {
		t.Fatal("expected alive despite failed metadata fetch")
	}
	if res.Version != "" {
		t.Fatalf("version = %q, want empty", res.Version)
	}
}

func TestProbe_DeadEndpoint(t *testing.T) {
	// Port 1 is essentially never listening.
	res := Probe(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1})
	if res.Alive {
		t.Fatal("expected not alive for closed port")
	}
}
