package mesh

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// TransportPhase tracks a mesh connection's lifecycle.
type TransportPhase string

const (
	PhaseConnecting  TransportPhase = "connecting"
	PhaseHandshaking TransportPhase = "handshaking"
	PhasePqExchange  TransportPhase = "pq_exchange"
	PhaseConnected   TransportPhase = "connected"
	PhaseFailed      TransportPhase = "failed"
)

// Connection is an active, encrypted connection to one mesh peer.
//
// The Noise_XX handshake yields distinct send and receive cipher
// states, so unlike a design built around a single bidirectional
// cipher object, the encrypt and decrypt paths each carry their own
// mutex and never contend with each other; only the underlying
// net.Conn's read and write sides need independent locking.
type Connection struct {
	PeerID          string
	conn            net.Conn
	sendMu          sync.Mutex
	send            *noise.CipherState
	recvMu          sync.Mutex
	recv            *noise.CipherState
	Phase           TransportPhase
	FailReason      string
	PQRekeyMaterial [32]byte
}

// NewConnection builds a Connection from a completed handshake.
func NewConnection(peerID string, conn net.Conn, result *HandshakeResult) *Connection {
	return &Connection{
		PeerID:          peerID,
		conn:            conn,
		send:            result.Transport,
		recv:            result.RecvCipher,
		Phase:           PhaseConnected,
		PQRekeyMaterial: result.PQRekeyMaterial,
	}
}

// SendMessage encrypts and frames msg, then writes it to the peer.
func (c *Connection) SendMessage(msg Message) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	enc, err := c.send.Encrypt(nil, nil, blob)
	c.sendMu.Unlock()
	if err != nil {
		return err
	}

	_, err = c.conn.Write(EncodeFrame(enc))
	return err
}

// RecvMessage reads one framed message from the peer and decrypts it.
func (c *Connection) RecvMessage() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := DecodeFrameLength(header)
	if length > MaxMessageSize {
		return Message{}, ErrFrameTooLarge{Length: length}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return Message{}, err
	}

	c.recvMu.Lock()
	plain, err := c.recv.Decrypt(nil, nil, payload)
	c.recvMu.Unlock()
	if err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ReconnectBackoff is exponential backoff with a ceiling, for peer
// reconnection attempts.
type ReconnectBackoff struct {
	attempt  uint32
	BaseSecs uint64
	MaxSecs  uint64
}

// NewReconnectBackoff returns backoff starting at 1s, capped at 60s.
func NewReconnectBackoff() *ReconnectBackoff {
	return &ReconnectBackoff{BaseSecs: 1, MaxSecs: 60}
}

// NextDelay returns the delay for the current attempt and advances it.
func (b *ReconnectBackoff) NextDelay() time.Duration {
	delay := b.BaseSecs << b.attempt
	if delay > b.MaxSecs || delay < b.BaseSecs {
		delay = b.MaxSecs
	}
	b.attempt++
	return time.Duration(delay) * time.Second
}

// Reset clears the backoff after a successful connection.
func (b *ReconnectBackoff) Reset() {
	b.attempt = 0
}

// RunHeartbeatLoop sends periodic heartbeat messages until ctx is canceled
// or a send fails.
func RunHeartbeatLoop(ctx context.Context, conn *Connection, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("peer_id", conn.PeerID).Debug("heartbeat loop stopped")
			return
		case <-ticker.C:
			msg := Message{Type: MsgHeartbeat, Timestamp: time.Now().UTC().Format(time.RFC3339)}
			if err := conn.SendMessage(msg); err != nil {
				logrus.WithFields(logrus.Fields{"peer_id": conn.PeerID, "error": err}).Warn("heartbeat send failed")
				return
			}
		}
	}
}
