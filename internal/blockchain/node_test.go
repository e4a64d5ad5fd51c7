package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPPeerClientFetchesChainAndID(t *testing.T) {
	chain := chainOfLength(t, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chain":
			json.NewEncoder(w).Encode(map[string]interface{}{"chain": chain, "length": len(chain)})
		case "/api/node/id":
			json.NewEncoder(w).Encode(map[string]string{"nodeID": "remote"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPPeerClient(time.Second)
	address := strings.TrimPrefix(srv.URL, "http://")

	id, err := client.FetchNodeID(context.Background(), address)
	if err != nil || id != "remote" {
		t.Fatalf("node id: %q %v", id, err)
	}

	length, got, err := client.FetchChain(context.Background(), address)
	if err != nil {
		t.Fatal(err)
	}
	if length != 2 || len(got) != 2 || got[1].Hash != chain[1].Hash {
		t.Fatalf("cadena inesperada: %d %d", length, len(got))
	}
	if ComputeHash(got[1].StaticData(), got[1].Nonce) != got[1].Hash {
		t.Fatal("el bloque recibido debe reproducir su hash")
	}
}

func TestHTTPPeerClientFailuresArePeerUnavailable(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chain": [`))
		},
		"missing fields": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		},
		"slow": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.Write([]byte(`{"chain": [], "length": 0, "nodeID": "x"}`))
		},
	}

	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			client := NewHTTPPeerClient(50 * time.Millisecond)

			if _, _, err := client.FetchChain(context.Background(), srv.URL); !errors.Is(err, ErrPeerUnavailable) {
				t.Errorf("FetchChain: se esperaba ErrPeerUnavailable, got %v", err)
			}
			if _, err := client.FetchNodeID(context.Background(), srv.URL); !errors.Is(err, ErrPeerUnavailable) {
				t.Errorf("FetchNodeID: se esperaba ErrPeerUnavailable, got %v", err)
			}
		})
	}
}

func TestHTTPPeerClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := srv.URL
	srv.Close()

	client := NewHTTPPeerClient(time.Second)
	if _, _, err := client.FetchChain(context.Background(), address); !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("se esperaba ErrPeerUnavailable, got %v", err)
	}
}

func TestPeerURL(t *testing.T) {
	if got := peerURL("localhost:5001", "/api/chain"); got != "http://localhost:5001/api/chain" {
		t.Fatalf("got %s", got)
	}
	if got := peerURL("https://peer.example/", "/api/chain"); got != "https://peer.example/api/chain" {
		t.Fatalf("got %s", got)
	}
}

func TestHTTPPeerClientFallsBackToUnprefixedRoutes(t *testing.T) {
	chain := chainOfLength(t, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chain":
			json.NewEncoder(w).Encode(map[string]interface{}{"chain": chain, "length": len(chain)})
		case "/node/id":
			json.NewEncoder(w).Encode(map[string]string{"nodeID": "legacy"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPPeerClient(time.Second)
	if id, err := client.FetchNodeID(context.Background(), srv.URL); err != nil || id != "legacy" {
		t.Fatalf("node id: %q %v", id, err)
	}
	length, got, err := client.FetchChain(context.Background(), srv.URL)
	if err != nil || length != 1 || got[0].Hash != chain[0].Hash {
		t.Fatalf("cadena: %d %v", length, err)
	}
}

func TestHTTPPeerClientMissingRoutes(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewHTTPPeerClient(time.Second)
	if _, err := client.FetchNodeID(context.Background(), srv.URL); !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("se esperaba ErrPeerUnavailable, got %v", err)
	}
}
