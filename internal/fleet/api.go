package fleet

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/internal/switchd"
)

// Server exposes the fleet coordinator over HTTP, grounded on
// osmoda-watch/src/fleet_api.rs's handler set.
type Server struct {
	coord  *Coordinator
	ledger *ledgerclient.Client
}

// NewServer builds a fleet Server over an existing coordinator.
func NewServer(coord *Coordinator, ledger *ledgerclient.Client) *Server {
	return &Server{coord: coord, ledger: ledger}
}

// RegisterRoutes mounts the fleet endpoints onto an existing router, so a
// single watchd daemon can serve SafeSwitch and fleet routes together.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/fleet/propose", s.handlePropose).Methods(http.MethodPost)
	r.HandleFunc("/fleet/status/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/fleet/vote/{id}", s.handleVote).Methods(http.MethodPost)
	r.HandleFunc("/fleet/rollback/{id}", s.handleRollback).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type switchResponse struct {
	ID              string `json:"id"`
	Plan            string `json:"plan"`
	Proposer        string `json:"proposer"`
	Phase           string `json:"phase"`
	ParticipantCount int   `json:"participant_count"`
	ApproveCount    int    `json:"approve_count"`
	DenyCount       int    `json:"deny_count"`
	QuorumRequired  int    `json:"quorum_required"`
	HasQuorum       bool   `json:"has_quorum"`
	ResultSummary   string `json:"result_summary,omitempty"`
}

func toResponse(sw *Switch) switchResponse {
	return switchResponse{
		ID: sw.ID, Plan: sw.Plan, Proposer: sw.Proposer, Phase: string(sw.Phase),
		ParticipantCount: sw.ParticipantCount(), ApproveCount: sw.ApproveCount(), DenyCount: sw.DenyCount(),
		QuorumRequired: sw.QuorumRequired(), HasQuorum: sw.HasQuorum(), ResultSummary: sw.ResultSummary,
	}
}

type proposeRequest struct {
	Plan         string                `json:"plan"`
	PeerIDs      []string              `json:"peer_ids"`
	HealthChecks []switchd.HealthCheck `json:"health_checks"`
	QuorumPercent *uint8               `json:"quorum_percent"`
	TimeoutSecs   *uint64              `json:"timeout_secs"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.PeerIDs) == 0 {
		writeError(w, http.StatusBadRequest, "peer_ids must not be empty")
		return
	}

	sw := s.coord.Propose(req.Plan, "local", req.PeerIDs, req.HealthChecks, req.QuorumPercent, req.TimeoutSecs)

	s.ledger.Append(r.Context(), "fleet.propose", sw.ID, map[string]interface{}{
		"fleet_switch_id": sw.ID, "plan": sw.Plan, "participants": sw.ParticipantCount(),
	}, "fleet", "propose")

	writeJSON(w, http.StatusCreated, toResponse(sw))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sw, ok := s.coord.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "fleet switch not found")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sw))
}

type voteRequest struct {
	PeerID  string `json:"peer_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		resp     switchResponse
		notFound bool
		conflict string
	)

	s.coord.WithLock(func() {
		sw, ok := s.coord.switches[id]
		if !ok {
			notFound = true
			return
		}
		if sw.Phase != PhasePropose {
			conflict = "fleet switch is not in proposal phase"
			return
		}
		if !sw.RecordVote(req.PeerID, req.Approve, req.Reason) {
			conflict = "duplicate vote or not a participant"
			return
		}
		if sw.HasQuorum() {
			sw.AdvanceToExecute()
		} else if sw.IsVetoed() {
			sw.Abort("proposal vetoed — insufficient approvals possible")
		}
		resp = toResponse(sw)
	})

	if notFound {
		writeError(w, http.StatusNotFound, "fleet switch not found")
		return
	}
	if conflict != "" {
		writeError(w, http.StatusConflict, conflict)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sw, ok := s.coord.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "fleet switch not found")
		return
	}

	s.coord.WithLock(func() {
		sw.Rollback("manual rollback requested")
	})

	s.ledger.Append(context.Background(), "fleet.rollback", id, map[string]interface{}{
		"fleet_switch_id": id, "reason": "manual_rollback",
	}, "fleet", "rollback")

	writeJSON(w, http.StatusOK, toResponse(sw))
}
