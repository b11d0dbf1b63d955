// Package meshclient is the HTTP-over-Unix-socket client other osMODA
// daemons (principally watchd) use to reach the mesh daemon's local
// API. Ported from original_source/crates/osmoda-watch/src/mesh_client.rs.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultMeshSocket = "/run/osmoda/mesh.sock"

// Client talks to the mesh daemon over its Unix domain socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// New builds a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Default builds a Client bound to the mesh daemon's default socket path.
func Default() *Client {
	return New(defaultMeshSocket)
}

// SendToPeer sends message to peerID via the mesh daemon.
func (c *Client) SendToPeer(ctx context.Context, peerID string, message interface{}) (string, error) {
	body := map[string]interface{}{"message": message}
	return c.post(ctx, fmt.Sprintf("/peer/%s/send", peerID), body)
}

// GetPeers returns the raw JSON peer list from the mesh daemon.
func (c *Client) GetPeers(ctx context.Context) (string, error) {
	return c.get(ctx, "/peers")
}

// SendToRoom broadcasts text to all members of roomID.
func (c *Client) SendToRoom(ctx context.Context, roomID, text string) (string, error) {
	body := map[string]string{"room_id": roomID, "text": text}
	return c.post(ctx, "/room/send", body)
}

func (c *Client) get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://mesh"+path, nil)
	if err != nil {
		return "", err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (string, error) {
	blob, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://mesh"+path, bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
