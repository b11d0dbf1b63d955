// Package fleet implements the fleet-wide SafeSwitch coordination
// protocol: a quorum-voted propose/vote/execute/verify state machine
// layered over per-node switchd sessions. Adapted from
// original_source/crates/osmoda-watch/src/fleet.rs.
package fleet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/internal/switchd"
)

// Phase is a fleet switch's position in the propose/vote/execute/verify
// state machine.
type Phase string

const (
	PhasePropose    Phase = "propose"
	PhaseVote       Phase = "vote"
	PhaseExecute    Phase = "execute"
	PhaseVerify     Phase = "verify"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
	PhaseAborted    Phase = "aborted"
)

// Vote is a single participant's approve/deny decision on a proposal.
type Vote struct {
	PeerID  string `json:"peer_id"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
	VotedAt string `json:"voted_at"`
}

// ParticipantStatus is a single fleet participant's progress through the
// switch lifecycle.
type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "pending"
	ParticipantVoted     ParticipantStatus = "voted"
	ParticipantExecuting ParticipantStatus = "executing"
	ParticipantHealthy   ParticipantStatus = "healthy"
	ParticipantFailed    ParticipantStatus = "failed"
)

// Participant tracks one peer's status within a fleet switch.
type Participant struct {
	PeerID         string            `json:"peer_id"`
	Status         ParticipantStatus `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	LocalSwitchID  string            `json:"local_switch_id,omitempty"`
}

const (
	defaultFleetTimeoutSecs = 300
	defaultQuorumPercent    = 51
)

// Switch is a fleet-wide SafeSwitch proposal: a deploy transaction
// coordinated across multiple peer nodes via quorum voting.
type Switch struct {
	ID              string                 `json:"id"`
	Plan            string                 `json:"plan"`
	Proposer        string                 `json:"proposer"`
	Participants    []Participant          `json:"participants"`
	Votes           []Vote                 `json:"votes"`
	QuorumPercent   uint8                  `json:"quorum_percent"`
	Phase           Phase                  `json:"phase"`
	HealthChecks    []switchd.HealthCheck  `json:"health_checks"`
	CreatedAt       string                 `json:"created_at"`
	TimeoutSecs     uint64                 `json:"timeout_secs"`
	ResultSummary   string                 `json:"result_summary,omitempty"`
}

// NewSwitch creates a fleet switch proposal in the Propose phase.
func NewSwitch(plan, proposer string, peerIDs []string, checks []switchd.HealthCheck, quorumPercent *uint8, timeoutSecs *uint64) *Switch {
	participants := make([]Participant, len(peerIDs))
	for i, pid := range peerIDs {
		participants[i] = Participant{PeerID: pid, Status: ParticipantPending}
	}

	qp := uint8(defaultQuorumPercent)
	if quorumPercent != nil {
		qp = *quorumPercent
	}
	ts := uint64(defaultFleetTimeoutSecs)
	if timeoutSecs != nil {
		ts = *timeoutSecs
	}

	return &Switch{
		ID: uuid.NewString(), Plan: plan, Proposer: proposer,
		Participants: participants, QuorumPercent: qp, Phase: PhasePropose,
		HealthChecks: checks, CreatedAt: time.Now().UTC().Format(time.RFC3339), TimeoutSecs: ts,
	}
}

// ParticipantCount returns the total number of participants.
func (s *Switch) ParticipantCount() int { return len(s.Participants) }

// QuorumRequired returns the number of approve votes needed, the integer
// ceiling of participants * quorum_percent/100, at least 1.
func (s *Switch) QuorumRequired() int {
	required := int(math.Ceil(float64(s.ParticipantCount()) * float64(s.QuorumPercent) / 100.0))
	if required < 1 {
		return 1
	}
	return required
}

// ApproveCount returns the number of approve votes received.
func (s *Switch) ApproveCount() int {
	n := 0
	for _, v := range s.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// DenyCount returns the number of deny votes received.
func (s *Switch) DenyCount() int {
	return len(s.Votes) - s.ApproveCount()
}

// HasQuorum reports whether enough approve votes have been received.
func (s *Switch) HasQuorum() bool {
	return s.ApproveCount() >= s.QuorumRequired()
}

// IsVetoed reports whether enough denies have been cast that quorum can
// no longer be reached even if every remaining participant approves.
func (s *Switch) IsVetoed() bool {
	remaining := s.ParticipantCount() - len(s.Votes)
	maxPossible := s.ApproveCount() + remaining
	return maxPossible < s.QuorumRequired()
}

// IsTimedOut reports whether the switch has exceeded its timeout window.
func (s *Switch) IsTimedOut() bool {
	created, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		return false
	}
	return time.Since(created) >= time.Duration(s.TimeoutSecs)*time.Second
}

// RecordVote records a vote from a participant. Returns false if the peer
// already voted or is not a participant.
func (s *Switch) RecordVote(peerID string, approve bool, reason string) bool {
	for _, v := range s.Votes {
		if v.PeerID == peerID {
			return false
		}
	}
	found := false
	for i := range s.Participants {
		if s.Participants[i].PeerID == peerID {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	s.Votes = append(s.Votes, Vote{PeerID: peerID, Approve: approve, Reason: reason, VotedAt: time.Now().UTC().Format(time.RFC3339)})
	for i := range s.Participants {
		if s.Participants[i].PeerID == peerID {
			s.Participants[i].Status = ParticipantVoted
		}
	}
	return true
}

// AdvanceToExecute transitions an approved proposal into Execute phase,
// marking approving participants as Executing.
func (s *Switch) AdvanceToExecute() {
	if !s.HasQuorum() {
		return
	}
	s.Phase = PhaseExecute
	for i := range s.Participants {
		for _, v := range s.Votes {
			if v.PeerID == s.Participants[i].PeerID && v.Approve {
				s.Participants[i].Status = ParticipantExecuting
			}
		}
	}
}

// RecordHealthResult records a participant's post-execution health report.
func (s *Switch) RecordHealthResult(peerID string, healthy bool, reason string) {
	for i := range s.Participants {
		if s.Participants[i].PeerID != peerID {
			continue
		}
		if healthy {
			s.Participants[i].Status = ParticipantHealthy
		} else {
			if reason == "" {
				reason = "health check failed"
			}
			s.Participants[i].Status = ParticipantFailed
			s.Participants[i].FailureReason = reason
		}
	}
}

// AllHealthy reports whether every executing/healthy participant is
// healthy. Vacuously true if no participant has reached Executing/Healthy
// yet, matching the Rust iterator's all() semantics.
func (s *Switch) AllHealthy() bool {
	for _, p := range s.Participants {
		if p.Status == ParticipantExecuting || p.Status == ParticipantHealthy {
			if p.Status != ParticipantHealthy {
				return false
			}
		}
	}
	return true
}

// AnyFailed reports whether any participant reported failure.
func (s *Switch) AnyFailed() bool {
	for _, p := range s.Participants {
		if p.Status == ParticipantFailed {
			return true
		}
	}
	return false
}

// Commit marks the switch as committed and records a result summary.
func (s *Switch) Commit() {
	s.Phase = PhaseCommitted
	healthy := 0
	for _, p := range s.Participants {
		if p.Status == ParticipantHealthy {
			healthy++
		}
	}
	s.ResultSummary = fmt.Sprintf("committed: %d/%d participants healthy", healthy, s.ParticipantCount())
}

// Rollback marks the switch as rolled back with the given reason.
func (s *Switch) Rollback(reason string) {
	s.Phase = PhaseRolledBack
	s.ResultSummary = fmt.Sprintf("rolled back: %s", reason)
}

// Abort marks the switch as aborted with the given reason.
func (s *Switch) Abort(reason string) {
	s.Phase = PhaseAborted
	s.ResultSummary = fmt.Sprintf("aborted: %s", reason)
}

// Coordinator manages the set of in-flight and historical fleet switches
// for this node.
type Coordinator struct {
	mu       sync.Mutex
	switches map[string]*Switch
}

// NewCoordinator builds an empty fleet coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{switches: make(map[string]*Switch)}
}

// Propose creates and stores a new fleet switch proposal.
func (c *Coordinator) Propose(plan, proposer string, peerIDs []string, checks []switchd.HealthCheck, quorumPercent *uint8, timeoutSecs *uint64) *Switch {
	sw := NewSwitch(plan, proposer, peerIDs, checks, quorumPercent, timeoutSecs)
	c.mu.Lock()
	c.switches[sw.ID] = sw
	c.mu.Unlock()
	return sw
}

// Get returns a fleet switch by ID.
func (c *Coordinator) Get(id string) (*Switch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw, ok := c.switches[id]
	return sw, ok
}

// List returns every fleet switch the coordinator holds.
func (c *Coordinator) List() []*Switch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Switch, 0, len(c.switches))
	for _, sw := range c.switches {
		out = append(out, sw)
	}
	return out
}

// WithLock runs fn while holding the coordinator's lock, for callers that
// need to read-then-mutate a single switch atomically (e.g. vote
// handling with auto-advance/veto).
func (c *Coordinator) WithLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

const coordinatorTickInterval = 5 * time.Second

// RunCoordinatorLoop drives every in-flight fleet switch through the
// execute, verify, and timeout phases: it kicks off a local SafeSwitch
// session per approving participant, polls those sessions for their
// commit/rollback outcome, and aborts any switch that outlives its
// timeout window. It blocks until ctx is cancelled.
func (c *Coordinator) RunCoordinatorLoop(ctx context.Context, store *switchd.Store, ledger *ledgerclient.Client, tickInterval time.Duration) {
	if tickInterval <= 0 {
		tickInterval = coordinatorTickInterval
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("fleet coordinator loop shutting down")
			return
		case <-ticker.C:
			c.tick(ctx, store, ledger)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, store *switchd.Store, ledger *ledgerclient.Client) {
	for _, id := range c.ids() {
		c.WithLock(func() {
			sw, ok := c.switches[id]
			if !ok {
				return
			}
			c.advanceLocked(ctx, sw, store, ledger)
		})
	}
}

// ids returns the IDs of every switch the coordinator holds.
func (c *Coordinator) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.switches))
	for id := range c.switches {
		ids = append(ids, id)
	}
	return ids
}

// advanceLocked runs one coordinator step for sw. Caller must hold c.mu.
func (c *Coordinator) advanceLocked(ctx context.Context, sw *Switch, store *switchd.Store, ledger *ledgerclient.Client) {
	switch sw.Phase {
	case PhaseExecute:
		c.beginExecutionLocked(ctx, sw, store, ledger)
		sw.Phase = PhaseVerify
	case PhaseVerify:
		c.pollVerificationLocked(sw, store)
		if sw.AnyFailed() {
			sw.Rollback("one or more participants failed health verification")
			ledger.Append(ctx, "fleet.rollback", sw.ID, map[string]interface{}{
				"fleet_switch_id": sw.ID, "reason": "participant_failure",
			}, "fleet", "rollback")
			logrus.WithField("fleet_switch_id", sw.ID).Warn("fleet switch rolled back: participant health failure")
		} else if sw.AllHealthy() {
			sw.Commit()
			ledger.Append(ctx, "fleet.commit", sw.ID, map[string]interface{}{
				"fleet_switch_id": sw.ID,
			}, "fleet", "commit")
			logrus.WithField("fleet_switch_id", sw.ID).Info("fleet switch committed")
		}
	}

	if isInFlight(sw.Phase) && sw.IsTimedOut() {
		sw.Abort("timeout")
		ledger.Append(ctx, "fleet.timeout", sw.ID, map[string]interface{}{
			"fleet_switch_id": sw.ID, "timeout_secs": sw.TimeoutSecs,
		}, "fleet", "timeout")
		logrus.WithField("fleet_switch_id", sw.ID).Warn("fleet switch aborted: timeout")
	}
}

// beginExecutionLocked opens a local SafeSwitch session for every
// approving participant that hasn't started one yet.
func (c *Coordinator) beginExecutionLocked(ctx context.Context, sw *Switch, store *switchd.Store, ledger *ledgerclient.Client) {
	for i := range sw.Participants {
		p := &sw.Participants[i]
		if p.Status != ParticipantExecuting || p.LocalSwitchID != "" {
			continue
		}
		sess, err := store.Begin(sw.Plan, sw.TimeoutSecs, sw.HealthChecks)
		if err != nil {
			p.Status = ParticipantFailed
			p.FailureReason = fmt.Sprintf("failed to start local switch: %v", err)
			continue
		}
		p.LocalSwitchID = sess.ID
		ledger.Append(ctx, "fleet.execute", sw.ID, map[string]interface{}{
			"fleet_switch_id": sw.ID, "peer_id": p.PeerID, "local_switch_id": sess.ID,
		}, "fleet", "execute")
	}
}

// pollVerificationLocked checks each executing participant's local
// SafeSwitch session and folds a terminal outcome into its health result.
func (c *Coordinator) pollVerificationLocked(sw *Switch, store *switchd.Store) {
	for i := range sw.Participants {
		p := &sw.Participants[i]
		if p.Status != ParticipantExecuting || p.LocalSwitchID == "" {
			continue
		}
		sess, ok := store.Get(p.LocalSwitchID)
		if !ok {
			continue
		}
		switch sess.State {
		case switchd.StateCommitted:
			sw.RecordHealthResult(p.PeerID, true, "")
		case switchd.StateRolledBack:
			sw.RecordHealthResult(p.PeerID, false, sess.Reason)
		}
	}
}

// isInFlight reports whether a phase can still time out.
func isInFlight(phase Phase) bool {
	switch phase {
	case PhaseCommitted, PhaseRolledBack, PhaseAborted:
		return false
	default:
		return true
	}
}
