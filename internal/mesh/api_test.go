package mesh

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

func newTestMeshServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	identity, err := Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	roomStore, err := NewRoomStore(filepath.Join(dir, "rooms.db"))
	if err != nil {
		t.Fatalf("open room store: %v", err)
	}
	t.Cleanup(func() { roomStore.Close() })

	ledger := ledgerclient.New(filepath.Join(dir, "no-agentd.sock"), "osmoda-mesh")
	state := NewState(identity, nil, dir, "127.0.0.1:7331", ledger, roomStore)
	return NewServer(state)
}

func doMeshJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAPIHealth(t *testing.T) {
	s := newTestMeshServer(t)
	rec := doMeshJSON(t, s, "GET", "/health", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp meshHealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.IdentityReady {
		t.Fatal("expected identity_ready true")
	}
}

func TestAPIInviteCreateAndAccept(t *testing.T) {
	s := newTestMeshServer(t)

	rec := doMeshJSON(t, s, "POST", "/invite/create", createInviteRequest{TTLSecs: 600})
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created createInviteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode invite response: %v", err)
	}
	if created.InviteCode == "" {
		t.Fatal("expected non-empty invite code")
	}

	otherServer := newTestMeshServer(t)
	rec = doMeshJSON(t, otherServer, "POST", "/invite/accept", acceptInviteRequest{InviteCode: created.InviteCode})
	if rec.Code != 200 {
		t.Fatalf("expected 200 accepting invite, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted acceptInviteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode accept response: %v", err)
	}
	if accepted.Status != "connecting" {
		t.Fatalf("expected status connecting, got %q", accepted.Status)
	}

	rec = doMeshJSON(t, otherServer, "GET", "/peers", nil)
	var peers []PeerInfo
	json.Unmarshal(rec.Body.Bytes(), &peers)
	if len(peers) != 1 || peers[0].ID != accepted.PeerID {
		t.Fatalf("expected newly accepted peer in list, got %+v", peers)
	}
}

func TestAPIInviteAcceptRejectsDuplicatePeer(t *testing.T) {
	s := newTestMeshServer(t)
	inviter := newTestMeshServer(t)

	rec := doMeshJSON(t, inviter, "POST", "/invite/create", createInviteRequest{TTLSecs: 600})
	var created createInviteResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doMeshJSON(t, s, "POST", "/invite/accept", acceptInviteRequest{InviteCode: created.InviteCode})
	if rec.Code != 200 {
		t.Fatalf("expected first accept to succeed, got %d", rec.Code)
	}
	rec = doMeshJSON(t, s, "POST", "/invite/accept", acceptInviteRequest{InviteCode: created.InviteCode})
	if rec.Code != 409 {
		t.Fatalf("expected 409 for duplicate peer, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIPeerSendRequiresActiveConnection(t *testing.T) {
	s := newTestMeshServer(t)
	rec := doMeshJSON(t, s, "POST", "/peer/unknown-peer/send", sendMessageRequest{Message: Message{Type: MsgChat, Text: "hi"}})
	if rec.Code != 404 {
		t.Fatalf("expected 404 for unconnected peer, got %d", rec.Code)
	}
}

func TestAPIRoomCreateJoinSendHistory(t *testing.T) {
	s := newTestMeshServer(t)

	rec := doMeshJSON(t, s, "POST", "/room/create", createRoomRequest{Name: "general"})
	if rec.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var room Room
	json.Unmarshal(rec.Body.Bytes(), &room)
	if room.Name != "general" {
		t.Fatalf("unexpected room: %+v", room)
	}

	rec = doMeshJSON(t, s, "POST", "/room/send", sendRoomMessageRequest{RoomID: room.ID, Text: "hello room"})
	if rec.Code != 200 {
		t.Fatalf("expected 200 sending room message, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doMeshJSON(t, s, "GET", "/room/history?room_id="+room.ID, nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200 fetching history, got %d", rec.Code)
	}
	var history []StoredMessage
	json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history) != 1 || history[0].Content != "hello room" {
		t.Fatalf("expected one stored message, got %+v", history)
	}

	rec = doMeshJSON(t, s, "GET", "/rooms", nil)
	var rooms []Room
	json.Unmarshal(rec.Body.Bytes(), &rooms)
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
}

func TestAPIRoomSendRequiresRoomID(t *testing.T) {
	s := newTestMeshServer(t)
	rec := doMeshJSON(t, s, "POST", "/room/send", sendRoomMessageRequest{Text: "hello"})
	if rec.Code != 400 {
		t.Fatalf("expected 400 for missing room_id, got %d", rec.Code)
	}
}

func TestAPIIdentityGetAndRotate(t *testing.T) {
	s := newTestMeshServer(t)

	rec := doMeshJSON(t, s, "GET", "/identity", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var before PublicIdentity
	json.Unmarshal(rec.Body.Bytes(), &before)

	rec = doMeshJSON(t, s, "POST", "/identity/rotate", nil)
	if rec.Code != 200 {
		t.Fatalf("expected 200 rotating identity, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doMeshJSON(t, s, "GET", "/identity", nil)
	var after PublicIdentity
	json.Unmarshal(rec.Body.Bytes(), &after)
	if after.InstanceID == before.InstanceID {
		t.Fatal("expected instance id to change after rotation")
	}
}
