package ledger

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the ledger's HTTP ingest/query surface, reachable only
// over agentd's Unix socket. Every other osMODA daemon's
// internal/ledgerclient.Client posts to /ledger/append here.
type Server struct {
	ledger *Ledger
}

// NewServer builds a Server over an open Ledger.
func NewServer(l *Ledger) *Server {
	return &Server{ledger: l}
}

// RegisterRoutes mounts the ledger API onto an existing router, so
// cmd/agentd can share one router with internal/approval.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ledger/append", s.handleAppend).Methods(http.MethodPost)
	r.HandleFunc("/ledger/query", s.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/ledger/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verify", s.handleVerify).Methods(http.MethodGet)

	r.HandleFunc("/incident/create", s.handleIncidentCreate).Methods(http.MethodPost)
	r.HandleFunc("/incident/{id}/step", s.handleIncidentStep).Methods(http.MethodPost)
	r.HandleFunc("/incident/{id}/steps", s.handleIncidentSteps).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ── Ledger ingest/query ──

type ingestRequest struct {
	Source  string   `json:"source"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// handleAppend mirrors ledgerclient.Client.Append's wire shape; a
// non-empty per-daemon Source is prefixed to the stored actor as
// "source:actor", so a single events table keeps every daemon's receipts
// queryable by the same Query/FTSSearch path. The payload is stored as
// sent; Tags are not stored.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "type and actor are required")
		return
	}

	actor := req.Actor
	if req.Source != "" {
		actor = req.Source + ":" + req.Actor
	}

	event, err := s.ledger.Append(req.Type, actor, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{Type: q.Get("type"), Actor: q.Get("actor")}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
			f.Limit = n
		}
	}

	events, err := s.ledger.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q query parameter is required")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	results, err := s.ledger.FTSSearch(q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ledger.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"chain_intact": ok})
}

// ── Incidents ──

type createIncidentRequest struct {
	Actor string `json:"actor"`
	Title string `json:"title"`
}

func (s *Server) handleIncidentCreate(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	incident, err := s.ledger.CreateIncident(req.Actor, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, incident)
}

type appendStepRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) handleIncidentStep(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req appendStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}
	step, err := s.ledger.AppendStep(req.Actor, id, req.Note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (s *Server) handleIncidentSteps(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	steps, err := s.ledger.ListSteps(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("agentd api request")
	})
}
