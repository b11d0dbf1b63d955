package mesh

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestState(t *testing.T, identity *Identity) *State {
	t.Helper()
	return NewState(identity, nil, t.TempDir(), "", nil, nil)
}

func TestConnectToPeerAndAcceptPeerEstablishConnection(t *testing.T) {
	serverID, err := Generate()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}
	clientID, err := Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	serverState := newTestState(t, serverID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptDone := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(acceptDone)
			return
		}
		AcceptPeer(ctx, serverState, conn)
		close(acceptDone)
	}()

	clientState := newTestState(t, clientID)
	meshConn, err := ConnectToPeer(ctx, clientState, listener.Addr().String())
	if err != nil {
		t.Fatalf("connect to peer: %v", err)
	}
	defer meshConn.Close()

	select {
	case <-acceptDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server-side handshake to complete")
	}

	clientState.Lock()
	if _, ok := clientState.Connections[serverID.Public.InstanceID]; !ok {
		t.Fatal("expected client state to register server connection")
	}
	clientState.Unlock()

	serverState.Lock()
	if _, ok := serverState.Connections[clientID.Public.InstanceID]; !ok {
		t.Fatal("expected server state to register client connection")
	}
	serverState.Unlock()
}

func TestConnectToPeerUpdatesKnownPeerState(t *testing.T) {
	serverID, err := Generate()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}
	clientID, err := Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	serverState := newTestState(t, serverID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		AcceptPeer(ctx, serverState, conn)
	}()

	clientState := newTestState(t, clientID)
	clientState.Peers = []PeerInfo{{ID: serverID.Public.InstanceID, ConnState: ConnDisconnected}}

	meshConn, err := ConnectToPeer(ctx, clientState, listener.Addr().String())
	if err != nil {
		t.Fatalf("connect to peer: %v", err)
	}
	defer meshConn.Close()

	clientState.Lock()
	peer, _ := clientState.FindPeer(serverID.Public.InstanceID)
	if peer == nil {
		t.Fatal("expected known peer to still be present")
	}
	if peer.ConnState != ConnConnected {
		t.Fatalf("expected peer to be marked connected, got %q", peer.ConnState)
	}
	if peer.LastSeen == "" {
		t.Fatal("expected last seen to be updated")
	}
	clientState.Unlock()
}

func TestConnectToPeerFailsOnUnreachableEndpoint(t *testing.T) {
	clientID, err := Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}
	clientState := newTestState(t, clientID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := ConnectToPeer(ctx, clientState, "127.0.0.1:1"); err == nil {
		t.Fatal("expected connect to unreachable endpoint to fail")
	}
}

func TestRunTCPAcceptLoopAcceptsIncomingPeer(t *testing.T) {
	serverID, err := Generate()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}
	clientID, err := Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	serverState := newTestState(t, serverID)

	// RunTCPAcceptLoop binds its own listener internally; grab a free
	// port first so the dial side has a deterministic address to use.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	acceptCtx, acceptCancel := context.WithCancel(context.Background())
	defer acceptCancel()
	go RunTCPAcceptLoop(acceptCtx, serverState, addr)

	// Give the accept loop a moment to bind before dialing.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial accept loop: %v", err)
	}

	clientState := newTestState(t, clientID)
	result, err := InitiateHandshake(context.Background(), conn, clientID)
	if err != nil {
		t.Fatalf("initiate handshake against accept loop: %v", err)
	}
	meshConn := NewConnection(result.PeerIdentity.InstanceID, conn, result)
	defer meshConn.Close()

	clientState.Lock()
	clientState.Connections[result.PeerIdentity.InstanceID] = meshConn
	clientState.Unlock()

	if result.PeerIdentity.InstanceID != serverID.Public.InstanceID {
		t.Fatalf("expected to resolve server identity, got %s", result.PeerIdentity.InstanceID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		serverState.Lock()
		_, ok := serverState.Connections[clientID.Public.InstanceID]
		serverState.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for accept loop to register inbound connection")
}

func TestRunConnectionHealthLoopDrainsPendingConnections(t *testing.T) {
	identity, err := Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	state := newTestState(t, identity)

	state.Lock()
	state.PendingConnections = []string{"127.0.0.1:1"}
	state.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go RunConnectionHealthLoop(ctx, state, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state.Lock()
		drained := state.PendingConnections == nil
		state.Unlock()
		if drained {
			cancel()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("timed out waiting for health loop to drain pending connections")
}
