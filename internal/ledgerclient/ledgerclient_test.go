package ledgerclient

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func startFakeAgentd(t *testing.T) (string, *sync.Map) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "agentd.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	received := &sync.Map{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ledger/append", func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Store(req.Type, req)
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return socketPath, received
}

func TestAppendDeliversOverUnixSocket(t *testing.T) {
	socketPath, received := startFakeAgentd(t)
	client := New(socketPath, "osmoda-keyd")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Append(ctx, "wallet.send", "agent-1", map[string]string{"chain": "ethereum"}, "wallet", "ethereum", "send")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := received.Load("wallet.send"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected agentd to receive wallet.send event")
}

func TestAppendNonFatalWhenSocketMissing(t *testing.T) {
	client := New(filepath.Join(t.TempDir(), "no-such.sock"), "osmoda-keyd")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	// Must not panic or block indefinitely.
	client.Append(ctx, "wallet.send", "agent-1", map[string]string{"chain": "ethereum"})
}
