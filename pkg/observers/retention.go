package observers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timelineExt = ".jsonl"

// PurgeArtifacts removes timeline files in dir older than maxAge. Returns
// the number of files removed.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var removed int
	var errs error
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), timelineExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// RunRetention purges dir every interval until ctx is done.
func RunRetention(ctx context.Context, dir string, maxAge, interval time.Duration, logger *slog.Logger) {
	if dir == "" || maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	purge := func() {
		n, err := PurgeArtifacts(dir, maxAge)
		if err != nil {
			logger.Warn("artifact_purge_failed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
		if n > 0 {
			logger.Info("artifacts_purged", slog.String("dir", dir), slog.Int("removed", n))
		}
	}
	purge()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}
