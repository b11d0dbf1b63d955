package switchd

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func newTestAPIServer(t *testing.T) *Server {
	t.Helper()
	store := NewStore(testLedger(t))
	watchers := NewWatcherSet(testLedger(t))
	return NewServer(store, watchers, t.TempDir())
}

func doSwitchJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestAPIBeginAndStatus(t *testing.T) {
	srv := newTestAPIServer(t)

	rec := doSwitchJSON(t, srv, "POST", "/switch/begin", beginSwitchRequest{Plan: "upgrade", TTLSecs: 60})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "probation" {
		t.Fatalf("expected probation, got %v", resp)
	}

	rec = doSwitchJSON(t, srv, "GET", "/switch/status/"+resp["id"], nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIBeginRejectsBadHealthCheck(t *testing.T) {
	srv := newTestAPIServer(t)
	rec := doSwitchJSON(t, srv, "POST", "/switch/begin", beginSwitchRequest{
		Plan: "bad", TTLSecs: 60,
		HealthChecks: []HealthCheck{{Kind: CheckSystemdUnit, Unit: "foo; rm -rf /"}},
	})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPICommitUnknownSwitch(t *testing.T) {
	srv := newTestAPIServer(t)
	rec := doSwitchJSON(t, srv, "POST", "/switch/commit/no-such-id", nil)
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPIWatcherLifecycle(t *testing.T) {
	srv := newTestAPIServer(t)

	rec := doSwitchJSON(t, srv, "POST", "/watcher/add", addWatcherRequest{
		Name: "sshd watcher", Check: HealthCheck{Kind: CheckSystemdUnit, Unit: "sshd"},
	})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var watcher Watcher
	json.Unmarshal(rec.Body.Bytes(), &watcher)

	rec = doSwitchJSON(t, srv, "GET", "/watcher/list", nil)
	var list []Watcher
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 watcher, got %d", len(list))
	}

	rec = doSwitchJSON(t, srv, "DELETE", "/watcher/remove/"+watcher.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIHealth(t *testing.T) {
	srv := newTestAPIServer(t)
	rec := doSwitchJSON(t, srv, "GET", "/health", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
