package mesh

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// AlertSeverity is the severity of a mesh Alert message.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// MessageType discriminates the MeshMessage wire variants.
type MessageType string

const (
	MsgHeartbeat       MessageType = "heartbeat"
	MsgHealthReport    MessageType = "health_report"
	MsgAlert           MessageType = "alert"
	MsgChat            MessageType = "chat"
	MsgLedgerSync      MessageType = "ledger_sync"
	MsgCommand         MessageType = "command"
	MsgCommandResponse MessageType = "command_response"
	MsgPeerAnnounce    MessageType = "peer_announce"
	MsgKeyRotation     MessageType = "key_rotation"
	MsgPqExchange      MessageType = "pq_exchange"
)

// MaxMessageSize bounds a single wire frame's payload at 1 MiB.
const MaxMessageSize = 1_048_576

// Message is every message type that can cross a mesh connection,
// modeled as a flat struct with a "type" discriminator, matching the
// field per variant only being populated for its own kind.
type Message struct {
	Type MessageType `json:"type"`

	// Heartbeat
	Timestamp string `json:"timestamp,omitempty"`

	// HealthReport
	Hostname string  `json:"hostname,omitempty"`
	CPU      float64 `json:"cpu,omitempty"`
	Memory   float64 `json:"memory,omitempty"`
	Uptime   uint64  `json:"uptime,omitempty"`

	// Alert
	Severity AlertSeverity `json:"severity,omitempty"`
	Title    string        `json:"title,omitempty"`
	Detail   string        `json:"detail,omitempty"`

	// Chat
	From string `json:"from,omitempty"`
	Text string `json:"text,omitempty"`
	Room string `json:"room_id,omitempty"`

	// LedgerSync
	Events json.RawMessage `json:"events,omitempty"`
	Since  string          `json:"since,omitempty"`

	// Command
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`

	// CommandResponse
	CommandID string          `json:"command_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// PeerAnnounce
	Identity *PublicIdentity `json:"identity,omitempty"`

	// KeyRotation
	NewNoisePubkey string `json:"new_noise_pubkey,omitempty"`
	NewMLKEMEK     string `json:"new_mlkem_ek,omitempty"`
	Signature      string `json:"signature,omitempty"`

	// PqExchange
	MLKEMCiphertext string `json:"mlkem_ciphertext,omitempty"`
}

// EncodeFrame prepends a 4-byte big-endian length prefix to payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// DecodeFrameLength reads a 4-byte big-endian length prefix.
func DecodeFrameLength(header [4]byte) uint32 {
	return binary.BigEndian.Uint32(header[:])
}

// ErrFrameTooLarge is returned when a received frame exceeds MaxMessageSize.
type ErrFrameTooLarge struct {
	Length uint32
}

func (e ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame too large: %d bytes (max %d)", e.Length, MaxMessageSize)
}
