package switchd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

func testLedger(t *testing.T) *ledgerclient.Client {
	t.Helper()
	return ledgerclient.New(filepath.Join(t.TempDir(), "no-agentd.sock"), "osmoda-watch")
}

func TestSessionExpiry(t *testing.T) {
	sess := Session{
		ID: "test", Plan: "test plan", TTLSecs: 0,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		State:     StateProbation,
	}
	if !sess.IsActive() {
		t.Fatal("expected session to be active")
	}
	time.Sleep(10 * time.Millisecond)
	if !isExpired(sess) {
		t.Fatal("expected immediately-expired session")
	}
}

func TestBeginAndGetSession(t *testing.T) {
	store := NewStore(testLedger(t))
	sess, err := store.Begin("upgrade nginx", 60, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if sess.State != StateProbation {
		t.Fatalf("expected probation, got %s", sess.State)
	}

	got, ok := store.Get(sess.ID)
	if !ok {
		t.Fatal("expected to find session")
	}
	if got.ID != sess.ID {
		t.Fatalf("id mismatch")
	}
}

func TestBeginRejectsInvalidHealthCheck(t *testing.T) {
	store := NewStore(testLedger(t))
	_, err := store.Begin("bad plan", 60, []HealthCheck{{Kind: CheckSystemdUnit, Unit: "foo; rm -rf /"}})
	if err == nil {
		t.Fatal("expected invalid health check to be rejected")
	}
}

func TestCommitRequiresActiveSession(t *testing.T) {
	store := NewStore(testLedger(t))
	sess, _ := store.Begin("plan", 60, nil)

	if _, err := store.Commit(sess.ID); err != nil {
		t.Fatalf("expected commit to succeed, got %v", err)
	}
	if _, err := store.Commit(sess.ID); err == nil {
		t.Fatal("expected second commit to fail — no longer active")
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := NewStore(testLedger(t))
	if _, ok := store.Get("no-such-id"); ok {
		t.Fatal("expected unknown session to be absent")
	}
}
