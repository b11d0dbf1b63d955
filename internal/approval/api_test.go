package approval

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newTestAPI(t *testing.T) *mux.Router {
	t.Helper()
	g := openTestGate(t)
	s := NewServer(g)
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
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

func TestAPICheckDestructive(t *testing.T) {
	r := newTestAPI(t)
	rec := doJSON(t, r, "GET", "/approval/check?command=rm+-rf+%2F", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["destructive"] {
		t.Fatal("expected rm -rf / to be flagged destructive")
	}
}

func TestAPIRequestApproveFlow(t *testing.T) {
	r := newTestAPI(t)

	rec := doJSON(t, r, "POST", "/approval/request", requestApprovalRequest{Command: "shutdown now", Actor: "agent-1", Reason: "maintenance"})
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var approval PendingApproval
	json.Unmarshal(rec.Body.Bytes(), &approval)
	if approval.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", approval.Status)
	}

	rec = doJSON(t, r, "POST", "/approval/"+approval.ID+"/approve", decideRequest{By: "operator"})
	if rec.Code != 200 {
		t.Fatalf("expected 200 approving, got %d: %s", rec.Code, rec.Body.String())
	}
	var decided PendingApproval
	json.Unmarshal(rec.Body.Bytes(), &decided)
	if decided.Status != StatusApproved {
		t.Fatalf("expected approved status, got %q", decided.Status)
	}
}

func TestAPIApproveAlreadyDecidedConflicts(t *testing.T) {
	r := newTestAPI(t)
	rec := doJSON(t, r, "POST", "/approval/request", requestApprovalRequest{Command: "shutdown now", Actor: "agent-1"})
	var approval PendingApproval
	json.Unmarshal(rec.Body.Bytes(), &approval)

	doJSON(t, r, "POST", "/approval/"+approval.ID+"/deny", decideRequest{By: "operator"})

	rec = doJSON(t, r, "POST", "/approval/"+approval.ID+"/approve", decideRequest{By: "operator"})
	if rec.Code != 409 {
		t.Fatalf("expected 409 for already-decided approval, got %d", rec.Code)
	}
}

func TestAPIGetMissingApproval(t *testing.T) {
	r := newTestAPI(t)
	rec := doJSON(t, r, "GET", "/approval/does-not-exist", nil)
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPIListPending(t *testing.T) {
	r := newTestAPI(t)
	doJSON(t, r, "POST", "/approval/request", requestApprovalRequest{Command: "reboot", Actor: "agent-1"})
	doJSON(t, r, "POST", "/approval/request", requestApprovalRequest{Command: "poweroff", Actor: "agent-2"})

	rec := doJSON(t, r, "GET", "/approval/pending", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var pending []PendingApproval
	json.Unmarshal(rec.Body.Bytes(), &pending)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending approvals, got %d", len(pending))
	}
}
