package fleet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/internal/switchd"
)

func u8(v uint8) *uint8   { return &v }
func u64(v uint64) *uint64 { return &v }

func testLedger(t *testing.T) *ledgerclient.Client {
	t.Helper()
	return ledgerclient.New(filepath.Join(t.TempDir(), "no-agentd.sock"), "osmoda-watch")
}

func TestFleetSwitchCreation(t *testing.T) {
	sw := NewSwitch("upgrade nginx", "proposer-1", []string{"peer-a", "peer-b", "peer-c"}, nil, nil, nil)
	if sw.ParticipantCount() != 3 {
		t.Fatalf("expected 3 participants, got %d", sw.ParticipantCount())
	}
	if sw.QuorumRequired() != 2 {
		t.Fatalf("expected quorum 2, got %d", sw.QuorumRequired())
	}
	if sw.Phase != PhasePropose {
		t.Fatalf("expected propose phase, got %s", sw.Phase)
	}
}

func TestQuorumCalculation(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b"}, nil, u8(51), nil)
	if sw.QuorumRequired() != 2 {
		t.Fatalf("expected 2, got %d", sw.QuorumRequired())
	}

	sw2 := NewSwitch("test", "p", []string{"a", "b", "c", "d", "e"}, nil, u8(60), nil)
	if sw2.QuorumRequired() != 3 {
		t.Fatalf("expected 3, got %d", sw2.QuorumRequired())
	}
}

func TestVoting(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b", "c"}, nil, nil, nil)
	if sw.HasQuorum() {
		t.Fatal("expected no quorum yet")
	}

	if !sw.RecordVote("a", true, "") {
		t.Fatal("expected vote a to record")
	}
	if sw.HasQuorum() {
		t.Fatal("expected still no quorum")
	}

	if !sw.RecordVote("b", true, "") {
		t.Fatal("expected vote b to record")
	}
	if !sw.HasQuorum() {
		t.Fatal("expected quorum reached")
	}

	if sw.RecordVote("a", true, "") {
		t.Fatal("expected duplicate vote to be rejected")
	}
	if sw.RecordVote("unknown", true, "") {
		t.Fatal("expected non-participant vote to be rejected")
	}
}

func TestVeto(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b", "c"}, nil, nil, nil)
	sw.RecordVote("a", false, "")
	sw.RecordVote("b", false, "")
	if !sw.IsVetoed() {
		t.Fatal("expected veto with 2 denies out of 3 and quorum 2")
	}
}

func TestAdvanceToExecute(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b"}, nil, u8(51), nil)
	sw.RecordVote("a", true, "")
	sw.RecordVote("b", true, "")
	sw.AdvanceToExecute()
	if sw.Phase != PhaseExecute {
		t.Fatalf("expected execute phase, got %s", sw.Phase)
	}
}

func TestHealthResults(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b"}, nil, nil, nil)
	sw.RecordVote("a", true, "")
	sw.RecordVote("b", true, "")
	sw.AdvanceToExecute()

	sw.RecordHealthResult("a", true, "")
	if sw.AllHealthy() {
		t.Fatal("expected b still executing to block all-healthy")
	}

	sw.RecordHealthResult("b", true, "")
	if !sw.AllHealthy() {
		t.Fatal("expected all healthy")
	}
	if sw.AnyFailed() {
		t.Fatal("expected no failures")
	}
}

func TestHealthFailureTriggersRollbackPath(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a", "b"}, nil, nil, nil)
	sw.RecordVote("a", true, "")
	sw.RecordVote("b", true, "")
	sw.AdvanceToExecute()

	sw.RecordHealthResult("a", true, "")
	sw.RecordHealthResult("b", false, "nginx down")

	if !sw.AnyFailed() {
		t.Fatal("expected failure recorded")
	}
	sw.Rollback("participant b failed health check")
	if sw.Phase != PhaseRolledBack {
		t.Fatalf("expected rolled back phase, got %s", sw.Phase)
	}
}

func TestFleetTimeout(t *testing.T) {
	sw := NewSwitch("test", "p", []string{"a"}, nil, nil, u64(0))
	time.Sleep(10 * time.Millisecond)
	if !sw.IsTimedOut() {
		t.Fatal("expected immediate timeout")
	}
	sw.Abort("timeout")
	if sw.Phase != PhaseAborted {
		t.Fatalf("expected aborted phase, got %s", sw.Phase)
	}
}

func TestCoordinatorLifecycle(t *testing.T) {
	coord := NewCoordinator()
	sw := coord.Propose("upgrade plan", "me", []string{"a", "b"}, nil, nil, nil)

	if _, ok := coord.Get(sw.ID); !ok {
		t.Fatal("expected to find switch")
	}
	if len(coord.List()) != 1 {
		t.Fatalf("expected 1 switch, got %d", len(coord.List()))
	}

	sw.RecordVote("a", true, "")
	sw.RecordVote("b", true, "")
	if !sw.HasQuorum() {
		t.Fatal("expected quorum")
	}
}

func TestCoordinatorTickBeginsLocalSwitchPerExecutingParticipant(t *testing.T) {
	coord := NewCoordinator()
	store := switchd.NewStore(testLedger(t))
	ledger := testLedger(t)

	sw := coord.Propose("upgrade plan", "me", []string{"a", "b"}, nil, u8(51), nil)
	sw.RecordVote("a", true, "")
	sw.RecordVote("b", true, "")
	sw.AdvanceToExecute()

	coord.tick(context.Background(), store, ledger)

	if sw.Phase != PhaseVerify {
		t.Fatalf("expected verify phase after one tick, got %s", sw.Phase)
	}
	for _, p := range sw.Participants {
		if p.LocalSwitchID == "" {
			t.Fatalf("expected participant %s to have a local switch id", p.PeerID)
		}
		if _, ok := store.Get(p.LocalSwitchID); !ok {
			t.Fatalf("expected local switch %s to exist in the store", p.LocalSwitchID)
		}
	}
}

func TestCoordinatorTickCommitsWhenAllParticipantsHealthy(t *testing.T) {
	coord := NewCoordinator()
	store := switchd.NewStore(testLedger(t))
	ledger := testLedger(t)

	sw := coord.Propose("upgrade plan", "me", []string{"a"}, nil, u8(51), nil)
	sw.RecordVote("a", true, "")
	sw.AdvanceToExecute()

	coord.tick(context.Background(), store, ledger)
	localID := sw.Participants[0].LocalSwitchID
	if _, err := store.Commit(localID); err != nil {
		t.Fatalf("commit local switch: %v", err)
	}

	coord.tick(context.Background(), store, ledger)

	if sw.Phase != PhaseCommitted {
		t.Fatalf("expected committed phase, got %s", sw.Phase)
	}
}

func TestCoordinatorTickRollsBackOnParticipantFailure(t *testing.T) {
	coord := NewCoordinator()
	store := switchd.NewStore(testLedger(t))
	ledger := testLedger(t)

	sw := coord.Propose("upgrade plan", "me", []string{"a"}, nil, u8(51), nil)
	sw.RecordVote("a", true, "")
	sw.AdvanceToExecute()

	coord.tick(context.Background(), store, ledger)
	localID := sw.Participants[0].LocalSwitchID
	if _, err := store.Rollback(context.Background(), localID); err != nil {
		t.Fatalf("rollback local switch: %v", err)
	}

	coord.tick(context.Background(), store, ledger)

	if sw.Phase != PhaseRolledBack {
		t.Fatalf("expected rolled back phase, got %s", sw.Phase)
	}
}

func TestCoordinatorTickAbortsTimedOutSwitch(t *testing.T) {
	coord := NewCoordinator()
	store := switchd.NewStore(testLedger(t))
	ledger := testLedger(t)

	sw := coord.Propose("upgrade plan", "me", []string{"a"}, nil, nil, u64(0))
	sw.RecordVote("a", true, "")
	sw.AdvanceToExecute()
	time.Sleep(10 * time.Millisecond)

	coord.tick(context.Background(), store, ledger)

	if sw.Phase != PhaseAborted {
		t.Fatalf("expected aborted phase, got %s", sw.Phase)
	}
}
