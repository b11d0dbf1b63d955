// Package approval implements the persistent destructive-command approval
// queue: pattern matching against a built-in danger list, TTL-bound pending
// state, and single-shot terminal decisions. Ported from
// original_source/crates/agentd/src/approval.rs into a SQLite + logrus
// idiom.
package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a pending approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// DefaultTTL and MaxTTL bound an approval's lifetime: default 600s, clamped to ≤3600s.
const (
	DefaultTTL = 600 * time.Second
	MaxTTL     = 3600 * time.Second
)

// dangerousCommands and dangerousOperations seed the built-in pattern list,
// carried over from agentd/src/approval.rs's DANGEROUS_COMMANDS /
// DANGEROUS_OPERATIONS constants.
var dangerousCommands = []string{
	"rm -rf", "mkfs", "dd if=", "wipefs", "fdisk", "parted", "sgdisk", "shred",
	"> /dev/sd", "nix-collect-garbage", "nixos-rebuild", "systemctl disable",
	"systemctl mask", "systemctl stop", "userdel", "groupdel", "passwd",
	"chown -R", "chmod -R", "iptables -F", "nft flush", "reboot", "shutdown",
	"poweroff", "halt", "kill -9", "pkill", "killall",
}

var dangerousOperations = []string{
	"nix.rebuild", "system.user.create", "system.user.delete",
	"system.firewall.modify", "system.disk.format", "system.reboot",
	"system.shutdown", "wallet.send", "wallet.create", "switch.begin",
}

// ErrNotPending is returned by Approve/Deny when the target row doesn't
// exist or isn't currently pending.
var ErrNotPending = errors.New("approval not found or not in pending state")

// PendingApproval is one row of pending_approvals.
type PendingApproval struct {
	ID         string
	Command    string
	Actor      string
	Reason     string
	CreatedAt  string
	ExpiresAt  string
	Status     Status
	DecidedAt  sql.NullString
	DecidedBy  sql.NullString
}

// Gate owns the pending_approvals table and the caller-supplied extra
// pattern list.
type Gate struct {
	db             *sql.DB
	extraPatterns  []string
}

// Open creates or opens the approval gate database at path.
func Open(path string, extraPatterns []string) (*Gate, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	db.SetMaxOpenConns(1)

	g := &Gate{db: db, extraPatterns: lower(extraPatterns)}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_approvals (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			status TEXT NOT NULL,
			decided_at TEXT,
			decided_by TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_approval_status ON pending_approvals(status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate approval db: %w", err)
	}
	return g, nil
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Close releases the underlying database handle.
func (g *Gate) Close() error { return g.db.Close() }

// IsDestructive reports whether command matches the built-in or extra
// pattern lists, by substring for commands and by exact-or-prefix match
// (operation.*) for operation names.
func (g *Gate) IsDestructive(command string) bool {
	lc := strings.ToLower(command)

	for _, pat := range dangerousCommands {
		if strings.Contains(lc, pat) {
			return true
		}
	}
	for _, op := range dangerousOperations {
		if lc == op || strings.HasPrefix(lc, op+".") {
			return true
		}
	}
	for _, pat := range g.extraPatterns {
		if lc == pat || strings.Contains(lc, pat) {
			return true
		}
	}
	return false
}

func nowISO() time.Time { return time.Now().UTC() }

func fmtTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

// RequestApproval inserts a new pending approval. ttl==0 uses DefaultTTL;
// values above MaxTTL are clamped; a negative ttl yields an approval whose
// expiry is already past, so the next ExpireStale expires it.
func (g *Gate) RequestApproval(command, actor, reason string, ttl time.Duration) (PendingApproval, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	id := uuid.NewString()
	created := nowISO()
	expires := created.Add(ttl)

	_, err := g.db.Exec(
		`INSERT INTO pending_approvals (id, command, actor, reason, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, command, actor, reason, fmtTime(created), fmtTime(expires), string(StatusPending),
	)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("request approval: %w", err)
	}

	return PendingApproval{
		ID: id, Command: command, Actor: actor, Reason: reason,
		CreatedAt: fmtTime(created), ExpiresAt: fmtTime(expires), Status: StatusPending,
	}, nil
}

func (g *Gate) scanOne(row *sql.Row) (PendingApproval, error) {
	var a PendingApproval
	var status string
	err := row.Scan(&a.ID, &a.Command, &a.Actor, &a.Reason, &a.CreatedAt, &a.ExpiresAt, &status, &a.DecidedAt, &a.DecidedBy)
	if err == sql.ErrNoRows {
		return PendingApproval{}, sql.ErrNoRows
	}
	if err != nil {
		return PendingApproval{}, err
	}
	a.Status = Status(status)
	return a, nil
}

// CheckApproval looks up an approval by id. It returns (PendingApproval{}, false, nil)
// if no row matches.
func (g *Gate) CheckApproval(id string) (PendingApproval, bool, error) {
	row := g.db.QueryRow(
		`SELECT id, command, actor, reason, created_at, expires_at, status, decided_at, decided_by
		 FROM pending_approvals WHERE id = ?`, id)
	a, err := g.scanOne(row)
	if err == sql.ErrNoRows {
		return PendingApproval{}, false, nil
	}
	if err != nil {
		return PendingApproval{}, false, fmt.Errorf("check approval: %w", err)
	}
	return a, true, nil
}

func (g *Gate) decide(id, by string, final Status) (PendingApproval, error) {
	now := fmtTime(nowISO())
	res, err := g.db.Exec(
		`UPDATE pending_approvals SET status = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND status = ?`,
		string(final), now, by, id, string(StatusPending),
	)
	if err != nil {
		return PendingApproval{}, fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PendingApproval{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return PendingApproval{}, ErrNotPending
	}

	a, found, err := g.CheckApproval(id)
	if err != nil {
		return PendingApproval{}, err
	}
	if !found {
		return PendingApproval{}, ErrNotPending
	}
	return a, nil
}

// Approve transitions a pending approval to approved. Errors with
// ErrNotPending if the row is missing or not currently pending.
func (g *Gate) Approve(id, by string) (PendingApproval, error) {
	return g.decide(id, by, StatusApproved)
}

// Deny transitions a pending approval to denied.
func (g *Gate) Deny(id, by string) (PendingApproval, error) {
	return g.decide(id, by, StatusDenied)
}

// ListPending returns every pending approval, newest first.
func (g *Gate) ListPending() ([]PendingApproval, error) {
	rows, err := g.db.Query(
		`SELECT id, command, actor, reason, created_at, expires_at, status, decided_at, decided_by
		 FROM pending_approvals WHERE status = ? ORDER BY created_at DESC`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		var a PendingApproval
		var status string
		if err := rows.Scan(&a.ID, &a.Command, &a.Actor, &a.Reason, &a.CreatedAt, &a.ExpiresAt, &status, &a.DecidedAt, &a.DecidedBy); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		a.Status = Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireStale bulk-transitions pending rows whose expires_at has passed to
// expired, returning the number of rows affected. Intended to run every 30s
// from a background loop.
func (g *Gate) ExpireStale() (int64, error) {
	now := fmtTime(nowISO())
	res, err := g.db.Exec(
		`UPDATE pending_approvals SET status = ? WHERE status = ? AND expires_at < ?`,
		string(StatusExpired), string(StatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		logrus.WithField("count", n).Info("expired stale pending approvals")
	}
	return n, nil
}

// ExpiryCheckInterval is how often RunExpiryLoop ticks.
const ExpiryCheckInterval = 30 * time.Second

// RunExpiryLoop runs ExpireStale on a fixed interval until the done channel
// is closed, following the cooperative select{cancel|tick} shape (spec §9).
func (g *Gate) RunExpiryLoop(done <-chan struct{}) {
	ticker := time.NewTicker(ExpiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			logrus.Debug("approval expiry loop cancelled")
			return
		case <-ticker.C:
			if _, err := g.ExpireStale(); err != nil {
				logrus.WithError(err).Warn("approval expiry tick failed")
			}
		}
	}
}
