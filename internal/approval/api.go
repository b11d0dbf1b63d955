package approval

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the destructive-command approval gate over HTTP,
// mounted alongside internal/ledger's routes on agentd's socket.
type Server struct {
	gate *Gate
}

// NewServer builds a Server over an open Gate.
func NewServer(g *Gate) *Server {
	return &Server{gate: g}
}

// RegisterRoutes mounts the approval API onto an existing router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/approval/check", s.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/approval/request", s.handleRequest).Methods(http.MethodPost)
	r.HandleFunc("/approval/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/approval/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/approval/{id}/deny", s.handleDeny).Methods(http.MethodPost)
	r.HandleFunc("/approval/{id}", s.handleGet).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		writeError(w, http.StatusBadRequest, "command query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"destructive": s.gate.IsDestructive(command)})
}

type requestApprovalRequest struct {
	Command string `json:"command"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason"`
	TTLSecs uint64 `json:"ttl_secs"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req requestApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	approval, err := s.gate.RequestApproval(req.Command, req.Actor, req.Reason, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logrus.WithFields(logrus.Fields{"id": approval.ID, "actor": req.Actor}).Info("destructive command approval requested")
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	approval, found, err := s.gate.CheckApproval(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

type decideRequest struct {
	By string `json:"by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req decideRequest
	json.NewDecoder(r.Body).Decode(&req)

	approval, err := s.gate.Approve(id, req.By)
	if errors.Is(err, ErrNotPending) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logrus.WithFields(logrus.Fields{"id": id, "by": req.By}).Info("destructive command approved")
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req decideRequest
	json.NewDecoder(r.Body).Decode(&req)

	approval, err := s.gate.Deny(id, req.By)
	if errors.Is(err, ErrNotPending) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logrus.WithFields(logrus.Fields{"id": id, "by": req.By}).Info("destructive command denied")
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.ListPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}
