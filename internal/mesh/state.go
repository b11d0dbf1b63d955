package mesh

import (
	"sync"

	"github.com/osmoda/agentos/internal/ledgerclient"
)

// State is the mesh daemon's shared, mutex-protected process state:
// our identity, known peers, live connections, and the room store used
// for gossip-synced chat history.
type State struct {
	mu sync.Mutex

	Identity            *Identity
	Peers               []PeerInfo
	Connections         map[string]*Connection
	DataDir             string
	ListenEndpoint      string
	Ledger              *ledgerclient.Client
	PendingConnections  []string
	RoomStore           *RoomStore
}

// NewState builds process state around an already-loaded identity.
func NewState(identity *Identity, peers []PeerInfo, dataDir, listenEndpoint string, ledger *ledgerclient.Client, roomStore *RoomStore) *State {
	return &State{
		Identity:       identity,
		Peers:          peers,
		Connections:    make(map[string]*Connection),
		DataDir:        dataDir,
		ListenEndpoint: listenEndpoint,
		Ledger:         ledger,
		RoomStore:      roomStore,
	}
}

// Lock/Unlock expose the state's mutex to callers (API handlers,
// background loops) that need to read or mutate more than one field
// atomically.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// FindPeer returns the peer with the given id, if known. Caller must
// hold the lock.
func (s *State) FindPeer(id string) (*PeerInfo, int) {
	for i := range s.Peers {
		if s.Peers[i].ID == id {
			return &s.Peers[i], i
		}
	}
	return nil, -1
}

// PersistPeers writes the current peer list to disk. Caller must hold
// the lock.
func (s *State) PersistPeers() error {
	return SavePeers(s.Peers, s.DataDir)
}
