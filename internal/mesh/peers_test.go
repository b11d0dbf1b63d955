package mesh

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadPeersRoundTrip(t *testing.T) {
	dir := t.TempDir()
	peers := []PeerInfo{
		{ID: "peer-1", Label: "laptop", Endpoint: "10.0.0.2:7331", ConnState: ConnConnected},
		{ID: "peer-2", Label: "phone", Endpoint: "10.0.0.3:7331", ConnState: ConnDisconnected, FailReason: "timeout"},
	}

	if err := SavePeers(peers, dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := LoadPeers(dir)
	if len(loaded) != len(peers) {
		t.Fatalf("expected %d peers, got %d", len(peers), len(loaded))
	}
	if loaded[0].ID != "peer-1" || loaded[1].FailReason != "timeout" {
		t.Fatalf("unexpected loaded peers: %+v", loaded)
	}
}

func TestLoadPeersReturnsNilForMissingFile(t *testing.T) {
	dir := t.TempDir()
	if peers := LoadPeers(dir); peers != nil {
		t.Fatalf("expected nil peers for missing file, got %+v", peers)
	}
}

func TestLoadPeersReturnsNilForCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, peersFileName), []byte("not json"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if peers := LoadPeers(dir); peers != nil {
		t.Fatalf("expected nil peers for corrupt file, got %+v", peers)
	}
}
