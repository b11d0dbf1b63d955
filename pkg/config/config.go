// Package config loads the environment-variable configuration shared by the
// osMODA daemons: a best-effort .env load followed by os.Getenv reads with
// hardcoded defaults.
package config

import (
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/osmoda/agentos/pkg/utils"
)

// Config holds the settings every daemon needs: where state lives, which
// socket/port to bind, and the egress proxy used by Ring-1 sandboxes.
type Config struct {
	// StateDir is the root directory for this daemon's on-disk stores
	// (ledger.db, rooms.db, wallets, policy.json, ...).
	StateDir string
	// SocketPath is the Unix socket this daemon's HTTP/1.1 server binds to.
	// Empty means bind to ListenAddr instead (used in tests and on non-Unix).
	SocketPath string
	// ListenAddr is used when SocketPath is empty.
	ListenAddr string
	// MeshPort is the TCP port the mesh daemon listens on.
	MeshPort int
	// EgressProxy is the HTTP(S) proxy address injected into Ring-1 sandboxes.
	EgressProxy string
	// BackupDir overrides where ledger backups are written.
	BackupDir string
	// LogLevel filters logrus output.
	LogLevel string
}

// Load reads a .env file if present (ignored if missing) and assembles
// a Config from the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debugf("no .env file loaded: %v", err)
	}

	cfg := &Config{
		StateDir:    utils.EnvOrDefault("OSMODA_STATE_DIR", "/var/lib/osmoda"),
		SocketPath:  utils.EnvOrDefault("OSMODA_SOCKET", ""),
		ListenAddr:  utils.EnvOrDefault("OSMODA_LISTEN_ADDR", "127.0.0.1:8080"),
		MeshPort:    utils.EnvOrDefaultInt("OSMODA_MESH_PORT", 18800),
		EgressProxy: utils.EnvOrDefault("OSMODA_EGRESS_PROXY", "http://127.0.0.1:8443"),
		BackupDir:   utils.EnvOrDefault("OSMODA_BACKUP_DIR", ""),
		LogLevel:    utils.EnvOrDefault("LOG_LEVEL", "info"),
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = cfg.StateDir + "/backups"
	}
	return cfg
}

// ConfigureLogging sets the global logrus level from cfg.LogLevel, falling
// back to Info on an unparseable value.
func ConfigureLogging(cfg *Config) {
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
