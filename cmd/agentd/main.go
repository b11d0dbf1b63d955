// Command agentd is the osMODA ledger daemon: the append-only,
// hash-chained event log every other daemon's receipts write to, and
// the persistent destructive-command approval gate. Ported from
// original_source/crates/agentd/src/main.rs into a cobra + logrus
// daemon shape.
package main

import (
	"context"
	"encoding/json"
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

	"github.com/osmoda/agentos/internal/approval"
	"github.com/osmoda/agentos/internal/ledger"
	"github.com/osmoda/agentos/pkg/config"
)

func main() {
	var (
		socketPath    string
		dataDir       string
		backupDir     string
		backupIntHrs  uint64
		approvalExtra []string
	)

	root := &cobra.Command{
		Use:   "agentd",
		Short: "osMODA ledger daemon: hash-chained audit log + approval gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(socketPath, dataDir, backupDir, backupIntHrs, approvalExtra)
		},
	}

	root.Flags().StringVar(&socketPath, "socket", "/run/osmoda/agentd.sock", "Unix domain socket to listen on")
	root.Flags().StringVar(&dataDir, "data-dir", "/var/lib/osmoda/agentd", "directory for the ledger and approval databases")
	root.Flags().StringVar(&backupDir, "backup-dir", "/var/lib/osmoda/agentd/backups", "directory for periodic ledger backups")
	root.Flags().Uint64Var(&backupIntHrs, "backup-interval-hours", 24, "ledger backup interval in hours")
	root.Flags().StringSliceVar(&approvalExtra, "approval-pattern", nil, "additional destructive-command patterns")

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(socketPath, dataDir, backupDir string, backupIntHrs uint64, approvalExtra []string) error {
	syscall.Umask(0o077)

	cfg := config.Load()
	config.ConfigureLogging(cfg)

	logrus.WithFields(logrus.Fields{"socket": socketPath, "data_dir": dataDir}).Info("starting agentd")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	ledgerDB, err := ledger.Open(filepath.Join(dataDir, "ledger.db"))
	if err != nil {
		return err
	}
	defer ledgerDB.Close()

	approvalGate, err := approval.Open(filepath.Join(dataDir, "approvals.db"), approvalExtra)
	if err != nil {
		return err
	}
	defer approvalGate.Close()

	ledgerServer := ledger.NewServer(ledgerDB)
	approvalServer := approval.NewServer(approvalGate)

	router := mux.NewRouter()
	router.Use(loggerMiddleware)
	ledgerServer.RegisterRoutes(router)
	approvalServer.RegisterRoutes(router)
	router.HandleFunc("/health", handleHealth(ledgerDB)).Methods(http.MethodGet)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	go approvalGate.RunExpiryLoop(done)
	go runBackupLoop(ctx, dataDir, backupDir, time.Duration(backupIntHrs)*time.Hour)

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

	logrus.WithField("socket", socketPath).Info("agentd listening")

	select {
	case <-ctx.Done():
		logrus.Info("shutting down agentd")
		return httpSrv.Shutdown(context.Background())
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runBackupLoop periodically tars and gzips dataDir into backupDir,
// pruning older archives beyond the retention window.
func runBackupLoop(ctx context.Context, dataDir, backupDir string, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := ledger.Backup(dataDir, backupDir)
			if err != nil {
				logrus.WithError(err).Warn("ledger backup failed")
				continue
			}
			logrus.WithField("archive", path).Info("ledger backup completed")
		}
	}
}

func handleHealth(l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := l.EventCount()
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "event_count": count})
	}
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("agentd request")
	})
}
