// Package ledger implements the append-only, hash-chained event log that
// every osMODA daemon writes to: a WAL-backed single SQLite file with
// logrus progress logging and fmt.Errorf wrapping. The hash-chain
// semantics are ported from original_source/crates/agentd/src/ledger.rs.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// GenesisPrevHash is the prev_hash of the very first event in the chain:
// a 64-character all-zero value (see DESIGN.md's Open Question
// resolution for the concatenation hash form this chain uses).
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one row of the events table.
type Event struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"ts"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// Filter narrows a Query call.
type Filter struct {
	Type   string
	Actor  string
	Limit  int64
}

// Ledger is a process-wide handle over a single WAL-mode SQLite file.
// Appends are serialized by mu — the window between reading last_hash and
// writing the new row's hash must never admit a concurrent append.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the ledger database at path, enabling WAL journaling
// and NORMAL synchronous mode, and ensures the schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1) // rusqlite-style single writer; avoids SQLITE_BUSY under our own mutex

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	logrus.WithField("path", path).Info("ledger opened")
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			actor TEXT NOT NULL,
			payload TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
		CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor);

		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS incident_steps (
			incident_id TEXT NOT NULL REFERENCES incidents(id),
			step_number INTEGER NOT NULL,
			note TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (incident_id, step_number)
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			payload, content='events', content_rowid='id'
		);
		CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, payload) VALUES (new.id, new.payload);
		END;
	`)
	return err
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// computeHash uses the concatenation form
// SHA256("{id}{ts}{type}{actor}{payload}{prev_hash}").
func computeHash(id int64, ts, typ, actor, payload, prevHash string) string {
	input := fmt.Sprintf("%d%s%s%s%s%s", id, ts, typ, actor, payload, prevHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) lastHashLocked() (string, error) {
	var hash string
	err := l.db.QueryRow(`SELECT hash FROM events ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisPrevHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Append inserts a new event, computing its hash from the database-assigned
// id and the timestamp stamped at insert time. The two-phase insert
// (placeholder hash, then UPDATE) is required because the id participates
// in the hash and is only known once the row exists.
func (l *Ledger) Append(typ, actor, payload string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.lastHashLocked()
	if err != nil {
		return Event{}, fmt.Errorf("read last hash: %w", err)
	}

	ts := nowISO()
	res, err := l.db.Exec(
		`INSERT INTO events (ts, type, actor, payload, prev_hash, hash) VALUES (?, ?, ?, ?, ?, '')`,
		ts, typ, actor, payload, prevHash,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("read inserted id: %w", err)
	}

	hash := computeHash(id, ts, typ, actor, payload, prevHash)
	if _, err := l.db.Exec(`UPDATE events SET hash = ? WHERE id = ?`, hash, id); err != nil {
		return Event{}, fmt.Errorf("finalize hash: %w", err)
	}

	return Event{
		ID: id, Timestamp: ts, Type: typ, Actor: actor,
		Payload: payload, PrevHash: prevHash, Hash: hash,
	}, nil
}

// AppendBestEffort is for non-critical callers (receipts, background
// logging) — per spec §7 propagation policy these failures are warned, not
// surfaced to the caller.
func (l *Ledger) AppendBestEffort(typ, actor, payload string) {
	if _, err := l.Append(typ, actor, payload); err != nil {
		logrus.WithError(err).WithField("type", typ).Warn("best-effort ledger append failed")
	}
}

// Query returns events matching filter, newest first by id.
func (l *Ledger) Query(f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, ts, type, actor, payload, prev_hash, hash FROM events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Actor, &e.Payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FTSResult pairs a matching event with its bm25 relevance score.
type FTSResult struct {
	Event Event
	Score float64
}

// FTSSearch runs a full-text match against the payload column.
func (l *Ledger) FTSSearch(q string, limit int) ([]FTSResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(`
		SELECT e.id, e.ts, e.type, e.actor, e.payload, e.prev_hash, e.hash, bm25(events_fts) AS score
		FROM events_fts
		JOIN events e ON e.id = events_fts.rowid
		WHERE events_fts MATCH ?
		ORDER BY score LIMIT ?`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var results []FTSResult
	for rows.Next() {
		var r FTSResult
		if err := rows.Scan(&r.Event.ID, &r.Event.Timestamp, &r.Event.Type, &r.Event.Actor,
			&r.Event.Payload, &r.Event.PrevHash, &r.Event.Hash, &r.Score); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Verify walks the chain in ascending id order, confirming prev_hash linkage
// and recomputed hashes. It returns false (logging the offending row) on the
// first mismatch rather than panicking — a broken chain is still useful
// evidence and the daemon keeps serving (spec §7).
func (l *Ledger) Verify() (bool, error) {
	rows, err := l.db.Query(`SELECT id, ts, type, actor, payload, prev_hash, hash FROM events ORDER BY id ASC`)
	if err != nil {
		return false, fmt.Errorf("query for verify: %w", err)
	}
	defer rows.Close()

	expectedPrev := GenesisPrevHash
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Actor, &e.Payload, &e.PrevHash, &e.Hash); err != nil {
			return false, fmt.Errorf("scan during verify: %w", err)
		}
		if e.PrevHash != expectedPrev {
			logrus.WithFields(logrus.Fields{
				"event_id": e.ID, "expected_prev": expectedPrev, "actual_prev": e.PrevHash,
			}).Warn("ledger chain break: prev_hash mismatch")
			return false, nil
		}
		recomputed := computeHash(e.ID, e.Timestamp, e.Type, e.Actor, e.Payload, e.PrevHash)
		if recomputed != e.Hash {
			logrus.WithFields(logrus.Fields{
				"event_id": e.ID, "expected_hash": recomputed, "actual_hash": e.Hash,
			}).Warn("ledger chain break: hash mismatch")
			return false, nil
		}
		expectedPrev = e.Hash
	}
	return true, rows.Err()
}

// EventCount returns the total number of events.
func (l *Ledger) EventCount() (int64, error) {
	var count int64
	err := l.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
