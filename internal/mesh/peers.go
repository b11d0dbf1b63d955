package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// PeerConnState is the connection state of a known peer.
type PeerConnState string

const (
	ConnDisconnected PeerConnState = "disconnected"
	ConnConnecting   PeerConnState = "connecting"
	ConnConnected    PeerConnState = "connected"
	ConnFailed       PeerConnState = "failed"
)

// PeerInfo is a known mesh peer's stored metadata.
type PeerInfo struct {
	ID                string        `json:"id"`
	Label             string        `json:"label"`
	NoiseStaticPubkey string        `json:"noise_static_pubkey"`
	MLKEMEncapKey     string        `json:"mlkem_encap_key"`
	Endpoint          string        `json:"endpoint"`
	AddedAt           string        `json:"added_at"`
	LastSeen          string        `json:"last_seen,omitempty"`
	ConnState         PeerConnState `json:"state"`
	FailReason        string        `json:"reason,omitempty"`
	FailedAt          string        `json:"at,omitempty"`
}

const peersFileName = "peers.json"

// SavePeers writes the peer list to dir/peers.json.
func SavePeers(peers []PeerInfo, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, peersFileName), data, 0o600)
}

// LoadPeers reads the peer list from dir/peers.json, returning nil if
// the file is absent or unreadable.
func LoadPeers(dir string) []PeerInfo {
	data, err := os.ReadFile(filepath.Join(dir, peersFileName))
	if err != nil {
		return nil
	}
	var peers []PeerInfo
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil
	}
	return peers
}
