package ledger

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// retainedBackups is the number of most-recent backup archives kept; older
// ones are pruned (spec §6).
const retainedBackups = 7

// Backup tars and gzips stateDir into backupDir, naming the archive
// backup-YYYYMMDD-HHMMSS.tar.gz, then prunes older archives beyond the
// retention window.
func Backup(stateDir, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := fmt.Sprintf("backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	archivePath := filepath.Join(backupDir, name)

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(stateDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stateDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write archive contents: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}

	if err := PruneBackups(backupDir); err != nil {
		logrus.WithError(err).Warn("backup pruning failed")
	}
	return archivePath, nil
}

// PruneBackups keeps only the retainedBackups most recent backup-*.tar.gz
// archives in dir, deleting the rest.
func PruneBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "backup-") && strings.HasSuffix(e.Name(), ".tar.gz") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // timestamped names sort chronologically

	if len(names) <= retainedBackups {
		return nil
	}
	for _, stale := range names[:len(names)-retainedBackups] {
		if err := os.Remove(filepath.Join(dir, stale)); err != nil {
			logrus.WithError(err).WithField("file", stale).Warn("failed to prune stale backup")
		}
	}
	return nil
}
