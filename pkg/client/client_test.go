package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/twinguard/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

type stubDaemon struct {
	checks atomic.Int32
}

func (s *stubDaemon) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/acl", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"entries":   []string{"alice", "bob"},
			"cid":       "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
			"loaded_at": time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	})
	mux.HandleFunc("GET /api/v1/acl/{identity}", func(w http.ResponseWriter, r *http.Request) {
		s.checks.Add(1)
		id := r.PathValue("identity")
		json.NewEncoder(w).Encode(map[string]any{"identity": id, "allowed": id == "alice"})
	})
	mux.HandleFunc("POST /api/v1/acl/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "Bearer token required"})
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"swapped": true})
	})
	mux.HandleFunc("POST /api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "brew" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "identity is not on the allow-list"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xabc", "cid": "QmCID"})
	})
	mux.HandleFunc("GET /api/v1/datalog/{address}/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"index": 4, "payload": "QmCID", "timestamp": time.Unix(1, 0).UTC()})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "policy_loaded": false, "ledger": "healthy"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestClient_ACLAndCheck(t *testing.T) {
	srv := (&stubDaemon{}).server(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	acl, err := c.ACL(ctx)
	if err != nil {
		t.Fatalf("ACL: %v", err)
	}
	if len(acl.Entries) != 2 || !strings.HasPrefix(acl.CID, "Qm") || acl.LoadedAt.Year() != 2026 {
		t.Errorf("acl = %+v", acl)
	}

	for id, want := range map[string]bool{"alice": true, "eve": false} {
		got, err := c.Check(ctx, id)
		if err != nil {
			t.Fatalf("Check(%s): %v", id, err)
		}
		if got != want {
			t.Errorf("Check(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestClient_CheckCache(t *testing.T) {
	d := &stubDaemon{}
	srv := d.server(t)
	c := client.MustNew(srv.URL, client.WithCacheTTL(time.Minute), client.WithBearerToken("good"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Check(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if n := d.checks.Load(); n != 1 {
		t.Errorf("server checks = %d, want 1 (cached)", n)
	}

	if _, err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	c.Check(ctx, "alice")
	if n := d.checks.Load(); n != 2 {
		t.Errorf("server checks = %d, want 2 after refresh cleared cache", n)
	}
}

func TestClient_Refresh_unauthorized(t *testing.T) {
	srv := (&stubDaemon{}).server(t)
	c := client.MustNew(srv.URL)

	_, err := c.Refresh(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
	if apiErr.Message != "Bearer token required" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestClient_LogAction(t *testing.T) {
	srv := (&stubDaemon{}).server(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("good"))
	ctx := context.Background()

	res, err := c.LogAction(ctx, "brew", "done")
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if res.TxHash != "0xabc" || res.CID != "QmCID" {
		t.Errorf("result = %+v", res)
	}

	_, err = c.LogAction(ctx, "steal", "done")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("err = %v, want 403 APIError", err)
	}
}

func TestClient_LatestDatalogAndHealth(t *testing.T) {
	srv := (&stubDaemon{}).server(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	entry, err := c.LatestDatalog(ctx, "4Gz")
	if err != nil {
		t.Fatalf("LatestDatalog: %v", err)
	}
	if entry.Index != 4 || entry.Payload != "QmCID" {
		t.Errorf("entry = %+v", entry)
	}

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.PolicyLoaded || h.Status != "unavailable" || h.Ledger != "healthy" {
		t.Errorf("health = %+v", h)
	}
}

func TestNew_rejectsBadTTL(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithCacheTTL(0)); err == nil {
		t.Error("expected error for zero TTL")
	}
}
