package mesh

import (
	"path/filepath"
	"testing"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

func TestStateFindPeer(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dir := t.TempDir()
	ledger := ledgerclient.New(filepath.Join(dir, "no-agentd.sock"), "osmoda-mesh")
	peers := []PeerInfo{{ID: "peer-1"}, {ID: "peer-2"}}
	state := NewState(identity, peers, dir, "127.0.0.1:7331", ledger, nil)

	peer, idx := state.FindPeer("peer-2")
	if idx != 1 || peer.ID != "peer-2" {
		t.Fatalf("expected to find peer-2 at index 1, got idx=%d peer=%+v", idx, peer)
	}

	_, idx = state.FindPeer("does-not-exist")
	if idx != -1 {
		t.Fatalf("expected -1 for unknown peer, got %d", idx)
	}
}

func TestStatePersistPeersRoundTrip(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dir := t.TempDir()
	ledger := ledgerclient.New(filepath.Join(dir, "no-agentd.sock"), "osmoda-mesh")
	peers := []PeerInfo{{ID: "peer-1", Label: "laptop"}}
	state := NewState(identity, peers, dir, "127.0.0.1:7331", ledger, nil)

	state.Lock()
	if err := state.PersistPeers(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	state.Unlock()

	reloaded := LoadPeers(dir)
	if len(reloaded) != 1 || reloaded[0].ID != "peer-1" {
		t.Fatalf("expected persisted peer to reload, got %+v", reloaded)
	}
}
