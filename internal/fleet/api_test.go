package fleet

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

func newTestFleetServer(t *testing.T) *Server {
	t.Helper()
	coord := NewCoordinator()
	ledger := ledgerclient.New(filepath.Join(t.TempDir(), "no-agentd.sock"), "osmoda-watch")
	return NewServer(coord, ledger)
}

func router(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func doFleetJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router(s).ServeHTTP(rec, req)
	return rec
}

func TestAPIProposeAndStatus(t *testing.T) {
	s := newTestFleetServer(t)
	rec := doFleetJSON(t, s, "POST", "/fleet/propose", proposeRequest{Plan: "upgrade", PeerIDs: []string{"a", "b"}})
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp switchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = doFleetJSON(t, s, "GET", "/fleet/status/"+resp.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIProposeRequiresPeers(t *testing.T) {
	s := newTestFleetServer(t)
	rec := doFleetJSON(t, s, "POST", "/fleet/propose", proposeRequest{Plan: "upgrade"})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPIVoteReachesQuorum(t *testing.T) {
	s := newTestFleetServer(t)
	rec := doFleetJSON(t, s, "POST", "/fleet/propose", proposeRequest{Plan: "upgrade", PeerIDs: []string{"a", "b"}})
	var resp switchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	doFleetJSON(t, s, "POST", "/fleet/vote/"+resp.ID, voteRequest{PeerID: "a", Approve: true})
	rec = doFleetJSON(t, s, "POST", "/fleet/vote/"+resp.ID, voteRequest{PeerID: "b", Approve: true})
	var voted switchResponse
	json.Unmarshal(rec.Body.Bytes(), &voted)
	if voted.Phase != "execute" {
		t.Fatalf("expected execute phase after quorum, got %s", voted.Phase)
	}
}

func TestAPIRollback(t *testing.T) {
	s := newTestFleetServer(t)
	rec := doFleetJSON(t, s, "POST", "/fleet/propose", proposeRequest{Plan: "upgrade", PeerIDs: []string{"a"}})
	var resp switchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = doFleetJSON(t, s, "POST", "/fleet/rollback/"+resp.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rolled switchResponse
	json.Unmarshal(rec.Body.Bytes(), &rolled)
	if rolled.Phase != "rolled_back" {
		t.Fatalf("expected rolled_back, got %s", rolled.Phase)
	}
}
