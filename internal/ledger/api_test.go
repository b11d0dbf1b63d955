package ledger

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newTestAPI(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	l := openTestLedger(t)
	s := NewServer(l)
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return s, r
}

func doJSON(t *testing.T, r *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAPIAppendAndQuery(t *testing.T) {
	_, r := newTestAPI(t)

	rec := doJSON(t, r, "POST", "/ledger/append", ingestRequest{Source: "osmoda-keyd", Type: "wallet.sign", Actor: "tester", Content: `{"ok":true}`})
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var event Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Actor != "osmoda-keyd:tester" {
		t.Fatalf("expected source-prefixed actor, got %q", event.Actor)
	}

	rec = doJSON(t, r, "GET", "/ledger/query?type=wallet.sign", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []Event
	json.Unmarshal(rec.Body.Bytes(), &events)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestAPIAppendRequiresTypeAndActor(t *testing.T) {
	_, r := newTestAPI(t)
	rec := doJSON(t, r, "POST", "/ledger/append", ingestRequest{Content: "no type or actor"})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPIVerify(t *testing.T) {
	_, r := newTestAPI(t)
	doJSON(t, r, "POST", "/ledger/append", ingestRequest{Type: "t", Actor: "a", Content: "c"})

	rec := doJSON(t, r, "GET", "/ledger/verify", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["chain_intact"] {
		t.Fatal("expected chain_intact true")
	}
}

func TestAPIIncidentCreateStepList(t *testing.T) {
	_, r := newTestAPI(t)

	rec := doJSON(t, r, "POST", "/incident/create", createIncidentRequest{Actor: "tester", Title: "disk full"})
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var incident Incident
	json.Unmarshal(rec.Body.Bytes(), &incident)

	rec = doJSON(t, r, "POST", "/incident/"+incident.ID+"/step", appendStepRequest{Actor: "tester", Note: "paged oncall"})
	if rec.Code != 201 {
		t.Fatalf("expected 201 appending step, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, "GET", "/incident/"+incident.ID+"/steps", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var steps []IncidentStep
	json.Unmarshal(rec.Body.Bytes(), &steps)
	if len(steps) != 1 || steps[0].Note != "paged oncall" {
		t.Fatalf("expected 1 step, got %+v", steps)
	}
}
