package mesh

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Room is a persisted chat room record.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

// RoomMember is one peer's membership in a room.
type RoomMember struct {
	PeerID   string `json:"peer_id"`
	JoinedAt string `json:"joined_at"`
}

// StoredMessage is a persisted room chat message.
type StoredMessage struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	MsgHash   string `json:"msg_hash"`
}

// RoomStore is the SQLite-backed persistence layer for rooms, membership,
// and gossip-synced message history.
type RoomStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewRoomStore opens (or creates) the room database at dbPath.
func NewRoomStore(dbPath string) (*RoomStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open room store db at %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			peer_id TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (room_id, peer_id)
		);
		CREATE TABLE IF NOT EXISTS room_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL REFERENCES rooms(id),
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			msg_hash TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_room_messages_room ON room_messages(room_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_room_messages_hash ON room_messages(msg_hash);
	`); err != nil {
		return nil, fmt.Errorf("create room store tables: %w", err)
	}

	return &RoomStore{db: db}, nil
}

// CreateRoom creates a room and auto-joins its creator.
func (s *RoomStore) CreateRoom(id, name, createdBy string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec("INSERT INTO rooms (id, name, created_by, created_at) VALUES (?, ?, ?, ?)", id, name, createdBy, now); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO room_members (room_id, peer_id, joined_at) VALUES (?, ?, ?)", id, createdBy, now); err != nil {
		return Room{}, fmt.Errorf("add creator as member: %w", err)
	}
	return Room{ID: id, Name: name, CreatedBy: createdBy, CreatedAt: now}, nil
}

// JoinRoom adds peerID as a member of roomID, idempotently.
func (s *RoomStore) JoinRoom(roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec("INSERT OR IGNORE INTO room_members (room_id, peer_id, joined_at) VALUES (?, ?, ?)", roomID, peerID, now)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// LeaveRoom removes peerID's membership from roomID.
func (s *RoomStore) LeaveRoom(roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM room_members WHERE room_id = ? AND peer_id = ?", roomID, peerID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// MessageHash computes the dedup hash for a (sender, content, timestamp) triple.
func MessageHash(sender, content, timestamp string) string {
	sum := sha256.Sum256([]byte(sender + "|" + content + "|" + timestamp))
	return hex.EncodeToString(sum[:])
}

// StoreMessage inserts a message, returning true if it was new (gossip
// dedup relies on the msg_hash UNIQUE constraint).
func (s *RoomStore) StoreMessage(roomID, sender, content, timestamp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := MessageHash(sender, content, timestamp)
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO room_messages (room_id, sender, content, timestamp, msg_hash) VALUES (?, ?, ?, ?, ?)",
		roomID, sender, content, timestamp, hash,
	)
	if err != nil {
		return false, fmt.Errorf("store message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetHistory returns up to limit messages for a room, optionally only
// those after the since timestamp.
func (s *RoomStore) GetHistory(roomID string, since string, limit int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	var err error
	if since != "" {
		rows, err = s.db.Query(
			`SELECT id, room_id, sender, content, timestamp, msg_hash FROM room_messages
			 WHERE room_id = ? AND timestamp > ? ORDER BY timestamp ASC LIMIT ?`,
			roomID, since, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, room_id, sender, content, timestamp, msg_hash FROM room_messages
			 WHERE room_id = ? ORDER BY timestamp DESC LIMIT ?`,
			roomID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query room messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.Timestamp, &m.MsgHash); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRooms returns all rooms, newest first.
func (s *RoomStore) ListRooms() ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, name, created_by, created_at FROM rooms ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetMembers returns a room's membership, ordered by join time.
func (s *RoomStore) GetMembers(roomID string) ([]RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT peer_id, joined_at FROM room_members WHERE room_id = ? ORDER BY joined_at", roomID)
	if err != nil {
		return nil, fmt.Errorf("get room members: %w", err)
	}
	defer rows.Close()

	var out []RoomMember
	for rows.Next() {
		var m RoomMember
		if err := rows.Scan(&m.PeerID, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RoomExists reports whether roomID has been created.
func (s *RoomStore) RoomExists(roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM rooms WHERE id = ?", roomID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LatestTimestamp returns the newest message timestamp in a room, or ""
// if the room has no messages.
func (s *RoomStore) LatestTimestamp(roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts sql.NullString
	err := s.db.QueryRow("SELECT MAX(timestamp) FROM room_messages WHERE room_id = ?", roomID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ts.String, nil
}

// Flush forces a WAL checkpoint.
func (s *RoomStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the underlying database handle.
func (s *RoomStore) Close() error {
	return s.db.Close()
}
