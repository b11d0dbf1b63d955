package switchd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

const probationTickInterval = 5 * time.Second

// Store holds the set of active and historical SafeSwitch sessions for a
// single node and drives the probation loop that auto-commits or
// auto-rolls-back each session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ledger   *ledgerclient.Client
}

// NewStore builds an empty session store.
func NewStore(ledger *ledgerclient.Client) *Store {
	return &Store{sessions: make(map[string]*Session), ledger: ledger}
}

// Begin validates the supplied health checks, snapshots the current
// generation, and opens a new probation session.
func (s *Store) Begin(plan string, ttlSecs uint64, checks []HealthCheck) (*Session, error) {
	for _, c := range checks {
		if err := ValidateHealthCheck(c); err != nil {
			return nil, err
		}
	}

	prevGen, err := CurrentGeneration()
	if err != nil {
		return nil, fmt.Errorf("failed to get current generation: %w", err)
	}

	session := &Session{
		ID:                 uuid.NewString(),
		Plan:               plan,
		TTLSecs:            ttlSecs,
		HealthChecks:       checks,
		StartedAt:          time.Now().UTC().Format(time.RFC3339),
		PreviousGeneration: prevGen,
		State:              StateProbation,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.ledger.Append(context.Background(), "switch.begin", session.ID, map[string]interface{}{
		"switch_id": session.ID, "plan": plan, "previous_generation": prevGen,
	}, "switch", "begin")
	logrus.WithField("switch_id", session.ID).Info("SafeSwitch session started (probation)")

	return session, nil
}

// Get returns a copy of a session by ID.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Commit manually commits an active session.
func (s *Store) Commit(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("switch session not found")
	}
	if !sess.IsActive() {
		return Session{}, fmt.Errorf("switch session is not in probation")
	}
	sess.State = StateCommitted
	sess.CommittedAt = time.Now().UTC().Format(time.RFC3339)
	logrus.WithField("switch_id", id).Info("SafeSwitch committed")
	return *sess, nil
}

// Rollback manually rolls back an active session, invoking the real
// generation rollback.
func (s *Store) Rollback(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("switch session not found")
	}
	if !sess.IsActive() {
		s.mu.Unlock()
		return Session{}, fmt.Errorf("switch session is not in probation")
	}
	s.mu.Unlock()

	if _, err := RollbackGeneration(ctx); err != nil {
		logrus.WithError(err).Error("rollback failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.State = StateRolledBack
	sess.Reason = "manual rollback"
	sess.RolledBackAt = time.Now().UTC().Format(time.RFC3339)
	logrus.WithField("switch_id", id).Info("SafeSwitch rolled back (manual)")
	return *sess, nil
}

// activeIDs returns the IDs of sessions still on probation.
func (s *Store) activeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) snapshot(id string) (Session, bool) {
	return s.Get(id)
}

func (s *Store) finishRolledBack(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.IsActive() {
		return
	}
	sess.State = StateRolledBack
	sess.Reason = reason
	sess.RolledBackAt = time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) finishCommitted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.IsActive() {
		return
	}
	sess.State = StateCommitted
	sess.CommittedAt = time.Now().UTC().Format(time.RFC3339)
}

func isExpired(sess Session) bool {
	started, err := time.Parse(time.RFC3339, sess.StartedAt)
	if err != nil {
		return false
	}
	return time.Since(started) >= time.Duration(sess.TTLSecs)*time.Second
}

// RunProbationLoop ticks every 5 seconds, health-checking every active
// session and auto-committing or auto-rolling-back as appropriate. It
// blocks until ctx is cancelled.
func (s *Store) RunProbationLoop(ctx context.Context) {
	ticker := time.NewTicker(probationTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("switch probation loop shutting down")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Store) tick(ctx context.Context) {
	for _, id := range s.activeIDs() {
		sess, ok := s.snapshot(id)
		if !ok {
			continue
		}

		if !isExpired(sess) {
			passed, failures := RunHealthChecks(ctx, sess.HealthChecks)
			if !passed {
				s.triggerRollback(ctx, sess, "health_check_failure", "health check failures", failures)
			}
			continue
		}

		// TTL expired — run a final pass to decide commit vs rollback.
		passed, failures := RunHealthChecks(ctx, sess.HealthChecks)
		if passed {
			s.finishCommitted(id)
			logrus.WithField("switch_id", id).Info("TTL expired, all checks pass — auto-commit")
			continue
		}
		s.triggerRollback(ctx, sess, "ttl_expired_with_failures", "TTL expired with failures", failures)
	}
}

func (s *Store) triggerRollback(ctx context.Context, sess Session, reasonKind, reasonPrefix string, failures []string) {
	logrus.WithFields(logrus.Fields{"switch_id": sess.ID, "failures": failures}).Warn("health check failed, rolling back")

	s.ledger.Append(ctx, "rollback.triggered", sess.ID, map[string]interface{}{
		"switch_id": sess.ID, "reason": reasonKind, "failures": failures,
	}, "switch", "rollback")

	_, err := RollbackGeneration(ctx)
	if err != nil {
		logrus.WithError(err).Error("auto-rollback failed")
	}

	s.ledger.Append(ctx, "rollback.result", sess.ID, map[string]interface{}{
		"switch_id": sess.ID, "success": err == nil, "generation": sess.PreviousGeneration,
	}, "switch", "rollback")

	s.finishRolledBack(sess.ID, fmt.Sprintf("%s: %s", reasonPrefix, strings.Join(failures, "; ")))
}
