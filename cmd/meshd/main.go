// Command meshd is the osMODA mesh daemon: Noise_XX + ML-KEM-768 hybrid
// post-quantum peer transport and gossip-synced room chat. Ported from
// original_source/crates/osmoda-mesh/src/main.rs into a cobra + logrus
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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/internal/mesh"
	"github.com/osmoda/agentos/pkg/config"
)

func main() {
	var (
		socketPath   string
		agentdSocket string
		dataDir      string
		listenAddr   string
		healthIntSec uint64
	)

	root := &cobra.Command{
		Use:   "meshd",
		Short: "osMODA mesh daemon: hybrid post-quantum peer transport + room gossip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, agentdSocket, dataDir, listenAddr, healthIntSec)
		},
	}

	root.Flags().StringVar(&socketPath, "socket", "/run/osmoda/mesh.sock", "Unix domain socket for the local control API")
	root.Flags().StringVar(&agentdSocket, "agentd-socket", "/run/osmoda/agentd.sock", "agentd socket for receipt logging")
	root.Flags().StringVar(&dataDir, "data-dir", "/var/lib/osmoda/mesh", "directory for identity, peers, and room history")
	root.Flags().StringVar(&listenAddr, "listen-addr", "0.0.0.0:18800", "TCP address to accept peer mesh connections on")
	root.Flags().Uint64Var(&healthIntSec, "health-interval", 30, "connection health check interval in seconds")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(socketPath, agentdSocket, dataDir, listenAddr string, healthIntSec uint64) error {
	syscall.Umask(0o077)

	cfg := config.Load()
	config.ConfigureLogging(cfg)

	logrus.WithFields(logrus.Fields{"socket": socketPath, "data_dir": dataDir, "listen_addr": listenAddr}).Info("starting osmoda-mesh")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	identity, err := mesh.LoadOrCreate(dataDir)
	if err != nil {
		return err
	}
	logrus.WithField("instance_id", identity.Public.InstanceID).Info("mesh identity ready")

	peers := mesh.LoadPeers(dataDir)
	logrus.WithField("count", len(peers)).Info("loaded known peers")

	roomStore, err := mesh.NewRoomStore(filepath.Join(dataDir, "rooms.db"))
	if err != nil {
		return err
	}
	defer roomStore.Close()

	ledger := ledgerclient.New(agentdSocket, "osmoda-mesh")

	state := mesh.NewState(identity, peers, dataDir, listenAddr, ledger, roomStore)

	server := mesh.NewServer(state)
	router := server.Router()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go mesh.RunTCPAcceptLoop(ctx, state, listenAddr)
	go mesh.RunConnectionHealthLoop(ctx, state, time.Duration(healthIntSec)*time.Second)

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
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return err
	}
	defer ln.Close()

	httpSrv := &http.Server{Handler: router}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	logrus.WithField("socket", socketPath).Info("osmoda-mesh listening")

	select {
	case <-ctx.Done():
		logrus.Info("shutting down osmoda-mesh")

		state.Lock()
		_ = state.PersistPeers()
		state.Unlock()

		return httpSrv.Shutdown(context.Background())
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
