// Command watchd is the osMODA watch daemon: SafeSwitch deploy
// transactions, autopilot health watchers, and fleet-wide quorum
// coordination. Ported from original_source/crates/osmoda-watch/src/main.rs
// into a cobra + logrus daemon shape.
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

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osmoda/agentos/internal/fleet"
	"github.com/osmoda/agentos/internal/ledgerclient"
	"github.com/osmoda/agentos/internal/switchd"
	"github.com/osmoda/agentos/pkg/config"
)

func main() {
	var (
		socketPath    string
		agentdSocket  string
		checkInterval uint64
		dataDir       string
	)

	root := &cobra.Command{
		Use:   "watchd",
		Short: "osMODA watch daemon: SafeSwitch + autopilot watchers + fleet quorum",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, agentdSocket, dataDir, checkInterval)
		},
	}

	root.Flags().StringVar(&socketPath, "socket", "/run/osmoda/watch.sock", "Unix domain socket to listen on")
	root.Flags().StringVar(&agentdSocket, "agentd-socket", "/run/osmoda/agentd.sock", "agentd socket for receipt logging")
	root.Flags().Uint64Var(&checkInterval, "check-interval", 30, "watcher check interval in seconds")
	root.Flags().StringVar(&dataDir, "data-dir", "/var/lib/osmoda/watch", "directory for persisted watcher definitions")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(socketPath, agentdSocket, dataDir string, checkInterval uint64) error {
	syscall.Umask(0o077)

	cfg := config.Load()
	config.ConfigureLogging(cfg)

	logrus.WithFields(logrus.Fields{"socket": socketPath, "data_dir": dataDir}).Info("starting osmoda-watch")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	ledger := ledgerclient.New(agentdSocket, "osmoda-watch")

	watchers := switchd.NewWatcherSet(ledger)
	loaded := switchd.LoadWatchers(dataDir)
	watchers.Restore(loaded)
	logrus.WithField("count", len(loaded)).Info("loaded watchers")

	store := switchd.NewStore(ledger)
	coordinator := fleet.NewCoordinator()

	switchServer := switchd.NewServer(store, watchers, dataDir)
	fleetServer := fleet.NewServer(coordinator, ledger)

	router := switchServer.Router()
	fleetServer.RegisterRoutes(router)
	applyBodyLimit(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchers.RunWatcherLoop(ctx, time.Duration(checkInterval)*time.Second)
	go store.RunProbationLoop(ctx)
	go coordinator.RunCoordinatorLoop(ctx, store, ledger, 5*time.Second)

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

	httpSrv := &http.Server{Handler: router}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	logrus.WithField("socket", socketPath).Info("osmoda-watch listening")

	select {
	case <-ctx.Done():
		logrus.Info("shutting down osmoda-watch")
		return httpSrv.Shutdown(context.Background())
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// applyBodyLimit caps request bodies at 1 MiB, matching the axum
// DefaultBodyLimit layer in the original watch daemon.
func applyBodyLimit(r *mux.Router) {
	const maxBody = 1024 * 1024
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Body = http.MaxBytesReader(w, req.Body, maxBody)
			next.ServeHTTP(w, req)
		})
	})
}
