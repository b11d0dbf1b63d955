package mesh

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the mesh daemon's local HTTP API, reachable only over the
// daemon's Unix socket (never exposed on a network interface).
type Server struct {
	state *State
}

// NewServer builds a Server over shared mesh state.
func NewServer(state *State) *Server {
	return &Server{state: state}
}

// Router builds the mux router for the mesh daemon's local API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggerMiddleware)

	r.HandleFunc("/invite/create", s.handleInviteCreate).Methods("POST")
	r.HandleFunc("/invite/accept", s.handleInviteAccept).Methods("POST")

	r.HandleFunc("/peers", s.handlePeersList).Methods("GET")
	r.HandleFunc("/peer/{id}", s.handlePeerGet).Methods("GET")
	r.HandleFunc("/peer/{id}/send", s.handlePeerSend).Methods("POST")
	r.HandleFunc("/peer/{id}", s.handlePeerDisconnect).Methods("DELETE")

	r.HandleFunc("/room/create", s.handleRoomCreate).Methods("POST")
	r.HandleFunc("/room/join", s.handleRoomJoin).Methods("POST")
	r.HandleFunc("/room/send", s.handleRoomSend).Methods("POST")
	r.HandleFunc("/room/history", s.handleRoomHistory).Methods("GET")
	r.HandleFunc("/rooms", s.handleRoomsList).Methods("GET")

	r.HandleFunc("/identity/rotate", s.handleIdentityRotate).Methods("POST")
	r.HandleFunc("/identity", s.handleIdentityGet).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("mesh api request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ── Invites ──

type createInviteRequest struct {
	TTLSecs uint64 `json:"ttl_secs"`
}

type createInviteResponse struct {
	InviteCode string `json:"invite_code"`
	ExpiresAt  string `json:"expires_at"`
}

func (s *Server) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	json.NewDecoder(r.Body).Decode(&req)

	s.state.Lock()
	identity := s.state.Identity.Public
	endpoint := s.state.ListenEndpoint
	s.state.Unlock()

	invite := NewInvite(endpoint, identity.NoiseStaticPubkey, identity.MLKEMEncapKey, identity.InstanceID, time.Duration(req.TTLSecs)*time.Second)
	code, err := invite.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode invite: "+err.Error())
		return
	}
	logrus.WithField("expires_at", invite.ExpiresAt).Info("invite created")
	writeJSON(w, http.StatusOK, createInviteResponse{InviteCode: code, ExpiresAt: invite.ExpiresAt})
}

type acceptInviteRequest struct {
	InviteCode string `json:"invite_code"`
}

type acceptInviteResponse struct {
	PeerID string `json:"peer_id"`
	Status string `json:"status"`
}

func (s *Server) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, err := DecodeInvite(req.InviteCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invite: "+err.Error())
		return
	}

	s.state.Lock()
	if _, idx := s.state.FindPeer(payload.InstanceID); idx >= 0 {
		s.state.Unlock()
		writeError(w, http.StatusConflict, "peer already known")
		return
	}

	label := "peer-" + payload.InstanceID
	if len(payload.InstanceID) >= 8 {
		label = "peer-" + payload.InstanceID[:8]
	}
	peer := PeerInfo{
		ID:                payload.InstanceID,
		Label:             label,
		NoiseStaticPubkey: payload.NoiseStaticPubkey,
		MLKEMEncapKey:     payload.MLKEMEncapKey,
		Endpoint:          payload.Endpoint,
		AddedAt:           time.Now().UTC().Format(time.RFC3339),
		ConnState:         ConnConnecting,
	}
	s.state.Peers = append(s.state.Peers, peer)
	if err := s.state.PersistPeers(); err != nil {
		logrus.WithError(err).Warn("failed to persist peers")
	}
	s.state.PendingConnections = append(s.state.PendingConnections, payload.Endpoint)
	s.state.Unlock()

	logrus.WithField("peer_id", payload.InstanceID).Info("invite accepted, connection queued")
	writeJSON(w, http.StatusOK, acceptInviteResponse{PeerID: payload.InstanceID, Status: "connecting"})
}

// ── Peers ──

func (s *Server) handlePeersList(w http.ResponseWriter, r *http.Request) {
	s.state.Lock()
	peers := append([]PeerInfo(nil), s.state.Peers...)
	s.state.Unlock()
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handlePeerGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.state.Lock()
	peer, idx := s.state.FindPeer(id)
	var out PeerInfo
	if idx >= 0 {
		out = *peer
	}
	s.state.Unlock()
	if idx < 0 {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type sendMessageRequest struct {
	Message Message `json:"message"`
}

type sendMessageResponse struct {
	Delivered bool `json:"delivered"`
}

func (s *Server) handlePeerSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.state.Lock()
	conn, ok := s.state.Connections[id]
	s.state.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no active connection to peer "+id)
		return
	}

	if err := conn.SendMessage(req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, "send failed: "+err.Error())
		return
	}

	if s.state.Ledger != nil {
		s.state.Ledger.Append(r.Context(), "message.sent", id, map[string]string{"msg_type": string(req.Message.Type)}, "mesh")
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{Delivered: true})
}

func (s *Server) handlePeerDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.state.Lock()
	delete(s.state.Connections, id)
	before := len(s.state.Peers)
	filtered := s.state.Peers[:0]
	for _, p := range s.state.Peers {
		if p.ID != id {
			filtered = append(filtered, p)
		}
	}
	s.state.Peers = filtered
	removed := len(s.state.Peers) < before
	if removed {
		if err := s.state.PersistPeers(); err != nil {
			logrus.WithError(err).Warn("failed to persist after peer removal")
		}
	}
	s.state.Unlock()

	if !removed {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	if s.state.Ledger != nil {
		s.state.Ledger.Append(r.Context(), "peer.disconnect", id, map[string]string{"detail": "peer disconnected"}, "mesh")
	}
	logrus.WithField("peer_id", id).Info("peer disconnected and removed")
	writeJSON(w, http.StatusOK, map[string]string{"disconnected": id})
}

// ── Rooms ──

type createRoomRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return
	}
	if s.state.RoomStore == nil {
		writeError(w, http.StatusServiceUnavailable, "room store not configured")
		return
	}

	s.state.Lock()
	selfID := s.state.Identity.Public.InstanceID
	s.state.Unlock()

	room, err := s.state.RoomStore.CreateRoom(uuid.NewString(), req.Name, selfID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type joinRoomRequest struct {
	RoomID string `json:"room_id"`
}

func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "room_id required")
		return
	}
	if s.state.RoomStore == nil {
		writeError(w, http.StatusServiceUnavailable, "room store not configured")
		return
	}

	s.state.Lock()
	selfID := s.state.Identity.Public.InstanceID
	conns := make([]*Connection, 0, len(s.state.Connections))
	for _, c := range s.state.Connections {
		conns = append(conns, c)
	}
	s.state.Unlock()

	if err := s.state.RoomStore.JoinRoom(req.RoomID, selfID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	notify := GossipMessage{GossipType: GossipRoomJoinNotify, RoomID: req.RoomID, PeerID: selfID}
	payload, _ := json.Marshal(notify)
	msg := Message{Type: MsgChat, From: gossipSender, Text: string(payload), Room: gossipRoom}
	for _, c := range conns {
		go c.SendMessage(msg)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"joined": true})
}

type sendRoomMessageRequest struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

func (s *Server) handleRoomSend(w http.ResponseWriter, r *http.Request) {
	var req sendRoomMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "room_id required")
		return
	}
	if s.state.RoomStore == nil {
		writeError(w, http.StatusServiceUnavailable, "room store not configured")
		return
	}

	s.state.Lock()
	selfID := s.state.Identity.Public.InstanceID
	s.state.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.state.RoomStore.StoreMessage(req.RoomID, selfID, req.Text, ts); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ForwardRoomMessage(s.state, req.RoomID, selfID, selfID, req.Text)
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room_id required")
		return
	}
	if s.state.RoomStore == nil {
		writeError(w, http.StatusServiceUnavailable, "room store not configured")
		return
	}
	since := r.URL.Query().Get("since")
	history, err := s.state.RoomStore.GetHistory(roomID, since, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	if s.state.RoomStore == nil {
		writeJSON(w, http.StatusOK, []Room{})
		return
	}
	rooms, err := s.state.RoomStore.ListRooms()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// ── Identity ──

func (s *Server) handleIdentityRotate(w http.ResponseWriter, r *http.Request) {
	s.state.Lock()
	dataDir := s.state.DataDir
	s.state.Unlock()

	newIdentity, err := Generate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate new identity: "+err.Error())
		return
	}
	if err := newIdentity.saveToDisk(dataDir); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist new identity: "+err.Error())
		return
	}

	s.state.Lock()
	s.state.Identity = newIdentity
	s.state.Unlock()

	logrus.WithField("new_instance_id", newIdentity.Public.InstanceID).Info("identity rotated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"new_instance_id": newIdentity.Public.InstanceID,
		"new_pubkeys": map[string]string{
			"ed25519": newIdentity.Public.Ed25519Pubkey,
			"noise":   newIdentity.Public.NoiseStaticPubkey,
		},
	})
}

func (s *Server) handleIdentityGet(w http.ResponseWriter, r *http.Request) {
	s.state.Lock()
	identity := s.state.Identity.Public
	s.state.Unlock()
	writeJSON(w, http.StatusOK, identity)
}

// ── Health ──

type meshHealthResponse struct {
	Status         string `json:"status"`
	PeerCount      int    `json:"peer_count"`
	ConnectedCount int    `json:"connected_count"`
	IdentityReady  bool   `json:"identity_ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.state.Lock()
	resp := meshHealthResponse{
		Status:         "ok",
		PeerCount:      len(s.state.Peers),
		ConnectedCount: len(s.state.Connections),
		IdentityReady:  s.state.Identity != nil,
	}
	s.state.Unlock()
	writeJSON(w, http.StatusOK, resp)
}
