// Package reports manages the temporary folder where report artifacts are
// materialized before they are streamed to clients.
package reports

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/criteo/newman-server/internal/reporter"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// EnsureFolder makes sure path exists and holds no leftover report files.
// Regular files directly inside an existing folder are removed (subfolders
// are left alone); a missing folder is created with its parents. The
// absolute path is returned.
func EnsureFolder(path string, logger pslog.Base) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("reports folder %s: %w", path, err)
	}
	entries, err := os.ReadDir(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("create reports folder %s: %w", abs, err)
		}
		if logger != nil {
			logger.Info("reports.created", "folder", abs)
		}
		return abs, nil
	case err != nil:
		return "", fmt.Errorf("read reports folder %s: %w", abs, err)
	}
	purged := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(abs, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("purge reports folder %s: %w", abs, err)
		}
		purged++
	}
	if logger != nil {
		logger.Info("reports.purged", "folder", abs, "files", purged)
	}
	return abs, nil
}

// NextPath returns a fresh artifact path for kind inside folder:
// <folder>/<prefix>-<uuid>.<ext>. Paths never repeat, across goroutines
// and process restarts alike.
func NextPath(folder string, kind reporter.Kind) string {
	name := fmt.Sprintf("%s-%s.%s", kind.Prefix(), uuid.NewString(), kind.Extension())
	return filepath.Join(folder, name)
}
