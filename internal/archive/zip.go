// Package archive builds the final project zip from a staging tree.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Create zips the staging tree into finalDir as {name}_{UTC-timestamp}.zip
// and returns the archive path. The walk honors the same rules as the
// sandbox tar builder: symlinks are skipped, never followed, and every
// file's resolved path must stay inside the staging root. Entries are
// written in sorted path order so the archive is deterministic for a given
// tree.
func Create(stagingDir, finalDir, name string, now time.Time, log *slog.Logger) (string, error) {
	if log == nil {
		log = slog.Default()
	}
	resolvedRoot, err := filepath.EvalSymlinks(stagingDir)
	if err != nil {
		return "", fmt.Errorf("resolve staging: %w", err)
	}
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return "", fmt.Errorf("create final dir: %w", err)
	}

	var paths []string
	err = filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn("archive walk error, skipping", "path", path, "error", err)
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			log.Warn("skipping symlink in archive", "path", path)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		resolved, rerr := filepath.EvalSymlinks(path)
		if rerr != nil || (resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator))) {
			log.Warn("skipping file outside staging", "path", path)
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	archivePath := filepath.Join(finalDir, fmt.Sprintf("%s_%s.zip", name, now.UTC().Format("20060102_150405")))
	f, err := os.Create(archivePath) //nolint:gosec // G304: path is built from a validated project name
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	for _, path := range paths {
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			continue
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return "", fmt.Errorf("zip entry %s: %w", rel, err)
		}
		src, err := os.Open(path) //nolint:gosec // G304: containment verified during walk
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return "", fmt.Errorf("open %s: %w", rel, err)
		}
		_, cerr := io.Copy(w, src)
		_ = src.Close()
		if cerr != nil {
			_ = zw.Close()
			_ = f.Close()
			return "", fmt.Errorf("zip copy %s: %w", rel, cerr)
		}
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}
	return archivePath, nil
}
