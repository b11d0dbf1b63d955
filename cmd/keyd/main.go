// Command keyd is the osMODA key daemon: OS-native wallet management with
// policy-gated signing. It runs with no outbound network access and is
// reachable only over its Unix domain socket. Ported from
// original_source/crates/osmoda-keyd/src/main.rs into a cobra + logrus
// daemon shape.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osmoda/agentos/internal/keyd"
	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/pkg/config"
)

func main() {
	var (
		socketPath   string
		dataDir      string
		policyFile   string
		agentdSocket string
	)

	root := &cobra.Command{
		Use:   "keyd",
		Short: "osMODA key daemon: policy-gated wallet signing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, dataDir, policyFile, agentdSocket)
		},
	}

	root.Flags().StringVar(&socketPath, "socket", "/run/osmoda/keyd.sock", "Unix domain socket to listen on")
	root.Flags().StringVar(&dataDir, "data-dir", "/var/lib/osmoda/keyd", "directory for wallet keys and metadata")
	root.Flags().StringVar(&policyFile, "policy-file", "/var/lib/osmoda/keyd/policy.json", "policy rules JSON file")
	root.Flags().StringVar(&agentdSocket, "agentd-socket", "/run/osmoda/agentd.sock", "agentd socket for receipt logging")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(socketPath, dataDir, policyFile, agentdSocket string) error {
	syscall.Umask(0o077)

	cfg := config.Load()
	config.ConfigureLogging(cfg)

	logrus.WithFields(logrus.Fields{"socket": socketPath, "data_dir": dataDir}).Info("starting osmoda-keyd")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	hardenPermissions(dataDir)

	signer, err := keyd.NewLocalKeyBackend(dataDir)
	if err != nil {
		return err
	}
	policy, err := keyd.NewEngine(policyFile)
	if err != nil {
		return err
	}
	ledger := ledgerclient.New(agentdSocket, "osmoda-keyd")

	server := keyd.NewServer(signer, policy, ledger)

	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		return err
	}
	defer ln.Close()

	httpSrv := &http.Server{Handler: server.Router()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logrus.Info("shutting down osmoda-keyd")
		return httpSrv.Shutdown(context.Background())
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func hardenPermissions(dir string) {
	_ = os.Chmod(dir, 0o700)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			_ = os.Chmod(filepath.Join(dir, e.Name()), 0o600)
		}
	}
}
