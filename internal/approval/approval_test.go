package approval

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestGate(t *testing.T, extra ...string) *Gate {
	t.Helper()
	g, err := Open(filepath.Join(t.TempDir(), "approvals.db"), extra)
	if err != nil {
		t.Fatalf("open gate: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestIsDestructiveCommands(t *testing.T) {
	g := openTestGate(t)
	cases := map[string]bool{
		"rm -rf /var/lib":       true,
		"RM -RF /var/lib":       true,
		"echo hello":            false,
		"wallet.send":           true,
		"wallet.send.batch":     true,
		"walletsender":          false,
		"systemctl stop foo":    true,
	}
	for cmd, want := range cases {
		if got := g.IsDestructive(cmd); got != want {
			t.Errorf("IsDestructive(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestIsDestructiveExtraPatterns(t *testing.T) {
	g := openTestGate(t, "Custom.Danger")
	if !g.IsDestructive("custom.danger") {
		t.Fatal("expected extra pattern to match case-insensitively")
	}
}

func TestRequestApproveDeny(t *testing.T) {
	g := openTestGate(t)

	a, err := g.RequestApproval("rm -rf /", "agent", "cleanup", 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if a.Status != StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}

	check, found, err := g.CheckApproval(a.ID)
	if err != nil || !found {
		t.Fatalf("check approval: %v found=%v", err, found)
	}
	if check.Status != StatusPending {
		t.Fatalf("expected pending on check, got %s", check.Status)
	}

	approved, err := g.Approve(a.ID, "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	if _, err := g.Approve(a.ID, "admin"); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending on double-approve, got %v", err)
	}
}

func TestDenyTerminal(t *testing.T) {
	g := openTestGate(t)
	a, err := g.RequestApproval("reboot", "agent", "maintenance", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	denied, err := g.Deny(a.ID, "admin")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", denied.Status)
	}
}

func TestExpireStale(t *testing.T) {
	g := openTestGate(t)
	a, err := g.RequestApproval("shutdown", "agent", "test", -1*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = a

	time.Sleep(10 * time.Millisecond)
	n, err := g.ExpireStale()
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired row, got %d", n)
	}

	check, found, err := g.CheckApproval(a.ID)
	if err != nil || !found {
		t.Fatalf("check: %v found=%v", err, found)
	}
	if check.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", check.Status)
	}
}

func TestCheckApprovalMissing(t *testing.T) {
	g := openTestGate(t)
	_, found, err := g.CheckApproval("does-not-exist")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestListPending(t *testing.T) {
	g := openTestGate(t)
	if _, err := g.RequestApproval("rm -rf /a", "x", "r", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := g.RequestApproval("rm -rf /b", "x", "r", 0); err != nil {
		t.Fatal(err)
	}
	pending, err := g.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
}

func TestTTLClamp(t *testing.T) {
	g := openTestGate(t)
	a, err := g.RequestApproval("rm -rf /", "x", "r", 10*time.Hour)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, a.CreatedAt)
	expires, _ := time.Parse(time.RFC3339Nano, a.ExpiresAt)
	if expires.Sub(created) > MaxTTL {
		t.Fatalf("expected ttl clamped to %v, got %v", MaxTTL, expires.Sub(created))
	}
}
