// Package ledgerclient is the best-effort HTTP-over-Unix-socket client that
// every osMODA daemon holds to the ledger daemon (agentd). Ported from
// original_source/crates/osmoda-keyd/src/receipt.rs's agentd_ingest, and
// generalized so switchd/watchd/meshd can reuse it for their own event
// streams instead of each daemon re-implementing the socket dial.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client posts ingest requests to agentd's /ledger/append endpoint over a
// Unix domain socket.
type Client struct {
	socketPath string
	source     string
	http       *http.Client
}

// New builds a Client bound to socketPath (agentd's listening socket) that
// tags every event with source, e.g. "osmoda-keyd" or "osmoda-watch".
func New(socketPath, source string) *Client {
	return &Client{
		socketPath: socketPath,
		source:     source,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type ingestRequest struct {
	Source  string   `json:"source"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Append posts a best-effort ledger event; failures are logged but never
// returned to the caller, matching the original's fire-and-forget receipts.
func (c *Client) Append(ctx context.Context, typ, actor string, payload interface{}, tags ...string) {
	content, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).Warn("failed to serialize ledger event payload")
		return
	}

	body, err := json.Marshal(ingestRequest{
		Source:  c.source,
		Type:    typ,
		Actor:   actor,
		Content: string(content),
		Tags:    tags,
	})
	if err != nil {
		logrus.WithError(err).Warn("failed to serialize ledger ingest request")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://agentd/ledger/append", bytes.NewReader(body))
	if err != nil {
		logrus.WithError(err).Warn("failed to build ledger ingest request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("failed to reach agentd (non-fatal)")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).Warn("agentd rejected ledger ingest request")
		return
	}
	logrus.WithFields(logrus.Fields{"type": typ, "actor": actor}).Debug("ledger event logged")
}
