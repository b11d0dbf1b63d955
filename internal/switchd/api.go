package switchd

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the SafeSwitch and autopilot-watcher HTTP surface,
// grounded on osmoda-watch/src/api.rs's handler set.
type Server struct {
	store    *Store
	watchers *WatcherSet
	dataDir  string
}

// NewServer builds a Server over an existing session store and watcher set.
func NewServer(store *Store, watchers *WatcherSet, dataDir string) *Server {
	return &Server{store: store, watchers: watchers, dataDir: dataDir}
}

// Router builds the mux.Router for the switch/watcher/health HTTP API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggerMiddleware)

	r.HandleFunc("/switch/begin", s.handleSwitchBegin).Methods(http.MethodPost)
	r.HandleFunc("/switch/status/{id}", s.handleSwitchStatus).Methods(http.MethodGet)
	r.HandleFunc("/switch/commit/{id}", s.handleSwitchCommit).Methods(http.MethodPost)
	r.HandleFunc("/switch/rollback/{id}", s.handleSwitchRollback).Methods(http.MethodPost)

	r.HandleFunc("/watcher/add", s.handleWatcherAdd).Methods(http.MethodPost)
	r.HandleFunc("/watcher/list", s.handleWatcherList).Methods(http.MethodGet)
	r.HandleFunc("/watcher/remove/{id}", s.handleWatcherRemove).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method": r.Method, "path": r.URL.Path, "elapsed": time.Since(start),
		}).Info("switchd request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type beginSwitchRequest struct {
	Plan         string        `json:"plan"`
	TTLSecs      uint64        `json:"ttl_secs"`
	HealthChecks []HealthCheck `json:"health_checks"`
}

func (s *Server) handleSwitchBegin(w http.ResponseWriter, r *http.Request) {
	var req beginSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, c := range req.HealthChecks {
		if err := ValidateHealthCheck(c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	session, err := s.store.Begin(req.Plan, req.TTLSecs, req.HealthChecks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id": session.ID, "previous_generation": session.PreviousGeneration, "status": string(StateProbation),
	})
}

func (s *Server) handleSwitchStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "switch session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSwitchCommit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.store.Commit(id)
	if err != nil {
		writeError(w, statusForStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSwitchRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.store.Rollback(r.Context(), id)
	if err != nil {
		writeError(w, statusForStoreErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func statusForStoreErr(err error) int {
	if err.Error() == "switch session not found" {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

type addWatcherRequest struct {
	Name         string        `json:"name"`
	Check        HealthCheck   `json:"check"`
	IntervalSecs uint64        `json:"interval_secs"`
	Actions      []WatchAction `json:"actions"`
}

func (s *Server) handleWatcherAdd(w http.ResponseWriter, r *http.Request) {
	var req addWatcherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	watcher, err := s.watchers.Add(req.Name, req.Check, req.IntervalSecs, req.Actions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := SaveWatchers(s.watchers.List(), s.dataDir); err != nil {
		logrus.WithError(err).Warn("failed to persist watcher")
	}
	writeJSON(w, http.StatusOK, watcher)
}

func (s *Server) handleWatcherList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watchers.List())
}

func (s *Server) handleWatcherRemove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.watchers.Remove(id) {
		writeError(w, http.StatusNotFound, "watcher not found")
		return
	}
	if err := SaveWatchers(s.watchers.List(), s.dataDir); err != nil {
		logrus.WithError(err).Warn("failed to persist after watcher removal")
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, id := range s.store.activeIDs() {
		_ = id
		active++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"active_switches": active,
		"watchers":       len(s.watchers.List()),
	})
}
