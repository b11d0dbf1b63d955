package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dialTimeout bounds how long an outbound peer connection attempt may
// take before the handshake gives up.
const dialTimeout = 10 * time.Second

// ConnectToPeer dials endpoint, performs the handshake as initiator
// using identity, and registers the resulting Connection in state.
func ConnectToPeer(ctx context.Context, state *State, endpoint string) (*Connection, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	state.Lock()
	identity := state.Identity
	state.Unlock()

	result, err := InitiateHandshake(ctx, conn, identity)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", endpoint, err)
	}

	peerID := result.PeerIdentity.InstanceID
	meshConn := NewConnection(peerID, conn, result)

	state.Lock()
	state.Connections[peerID] = meshConn
	if peer, _ := state.FindPeer(peerID); peer != nil {
		peer.ConnState = ConnConnected
		peer.LastSeen = time.Now().UTC().Format(time.RFC3339)
	}
	state.Unlock()

	if state.Ledger != nil {
		state.Ledger.Append(ctx, "peer.connect", peerID, map[string]string{"detail": "peer connected", "endpoint": endpoint}, "mesh")
	}
	logrus.WithField("peer_id", peerID).Info("outbound peer connection established")
	return meshConn, nil
}

// AcceptPeer performs the responder side of a handshake on an accepted
// TCP connection and registers the resulting Connection in state.
func AcceptPeer(ctx context.Context, state *State, conn net.Conn) {
	state.Lock()
	identity := state.Identity
	state.Unlock()

	result, err := RespondHandshake(ctx, conn, identity)
	if err != nil {
		logrus.WithError(err).Warn("peer handshake failed")
		conn.Close()
		return
	}

	peerID := result.PeerIdentity.InstanceID
	meshConn := NewConnection(peerID, conn, result)
	logrus.WithField("peer_id", peerID).Info("peer handshake completed")

	state.Lock()
	state.Connections[peerID] = meshConn
	if peer, _ := state.FindPeer(peerID); peer != nil {
		peer.ConnState = ConnConnected
		peer.LastSeen = time.Now().UTC().Format(time.RFC3339)
	}
	state.Unlock()

	if state.Ledger != nil {
		state.Ledger.Append(ctx, "peer.connect", peerID, map[string]string{"detail": "peer connected"}, "mesh")
	}
}

// RunTCPAcceptLoop accepts incoming peer connections until ctx is canceled.
func RunTCPAcceptLoop(ctx context.Context, state *State, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logrus.WithError(err).WithField("addr", addr).Error("failed to bind TCP listener")
		return
	}
	defer listener.Close()
	logrus.WithField("addr", addr).Info("TCP peer listener started")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logrus.Info("TCP accept loop shutting down")
				return
			default:
				logrus.WithError(err).Warn("TCP accept error")
				continue
			}
		}
		logrus.WithField("peer", conn.RemoteAddr()).Info("incoming peer connection")
		go AcceptPeer(ctx, state, conn)
	}
}

// RunConnectionHealthLoop periodically logs connection counts and
// attempts queued pending connections. Each endpoint that fails to
// connect is retried through its own ReconnectBackoff rather than
// simply on the next tick, so repeated failures back off exponentially
// instead of hammering an unreachable peer every interval.
func RunConnectionHealthLoop(ctx context.Context, state *State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		mu       sync.Mutex
		backoffs = make(map[string]*ReconnectBackoff)
	)

	var scheduleRetry func(endpoint string)
	scheduleRetry = func(endpoint string) {
		mu.Lock()
		b, ok := backoffs[endpoint]
		if !ok {
			b = NewReconnectBackoff()
			backoffs[endpoint] = b
		}
		delay := b.NextDelay()
		mu.Unlock()

		logrus.WithFields(logrus.Fields{"endpoint": endpoint, "delay": delay}).Debug("scheduling peer reconnect")
		time.AfterFunc(delay, func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := ConnectToPeer(ctx, state, endpoint); err != nil {
				logrus.WithError(err).WithField("endpoint", endpoint).Warn("queued peer connection failed")
				scheduleRetry(endpoint)
				return
			}
			mu.Lock()
			delete(backoffs, endpoint)
			mu.Unlock()
		})
	}

	for {
		select {
		case <-ctx.Done():
			logrus.Info("connection health loop shutting down")
			return
		case <-ticker.C:
			state.Lock()
			pending := append([]string(nil), state.PendingConnections...)
			state.PendingConnections = nil
			peerCount := len(state.Peers)
			connectedCount := len(state.Connections)
			state.Unlock()

			logrus.WithFields(logrus.Fields{"peers": peerCount, "connected": connectedCount}).Debug("connection health check")

			for _, endpoint := range pending {
				ep := endpoint
				go func() {
					if _, err := ConnectToPeer(ctx, state, ep); err != nil {
						logrus.WithError(err).WithField("endpoint", ep).Warn("queued peer connection failed")
						scheduleRetry(ep)
					}
				}()
			}
		}
	}
}
