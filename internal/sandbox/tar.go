package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// BuildTar creates an in-memory tar archive of a workspace's contents for
// upload into a container.
//
// Invariants: symlinks are never archived (neither files nor directories);
// the walk does not follow them. Every file's resolved path must be a
// descendant of the workspace root — violations are skipped with a warning,
// never fatal.
func BuildTar(workspace string, log *slog.Logger) ([]byte, int, error) {
	if log == nil {
		log = slog.Default()
	}
	resolvedRoot, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve workspace: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	skipped := 0

	err = filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warn("tar walk error, skipping", "path", path, "error", err)
			skipped++
			return nil
		}
		if path == workspace {
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			skipped++
			log.Warn("skipping symlink in tar", "path", path)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil // directories materialize from file paths on extract
		}
		if !info.Mode().IsRegular() {
			skipped++
			log.Warn("skipping irregular file in tar", "path", path)
			return nil
		}

		resolved, rerr := filepath.EvalSymlinks(path)
		if rerr != nil || (resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator))) {
			skipped++
			log.Warn("skipping file outside workspace", "path", path, "resolved", resolved)
			return nil
		}

		rel, rerr := filepath.Rel(workspace, path)
		if rerr != nil {
			skipped++
			return nil
		}

		hdr := &tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: int64(info.Mode().Perm()),
			Size: info.Size(),
		}
		if werr := tw.WriteHeader(hdr); werr != nil {
			return fmt.Errorf("tar header %s: %w", rel, werr)
		}
		f, oerr := os.Open(path) //nolint:gosec // G304: path containment verified above
		if oerr != nil {
			return fmt.Errorf("open %s: %w", path, oerr)
		}
		_, cerr := io.Copy(tw, f)
		_ = f.Close()
		if cerr != nil {
			return fmt.Errorf("tar copy %s: %w", rel, cerr)
		}
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	if err := tw.Close(); err != nil {
		return nil, skipped, fmt.Errorf("close tar: %w", err)
	}
	if skipped > 0 {
		log.Info("tar archive built with skips", "workspace", workspace, "skipped", skipped)
	}
	return buf.Bytes(), skipped, nil
}

// ExtractTar unpacks a tar stream (the container's /workspace export) back
// into the host workspace, stripping the leading prefix. Symlinks and
// hardlinks are skipped; every destination must stay inside the workspace.
func ExtractTar(r io.Reader, workspace, stripPrefix string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	resolvedRoot, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name := hdr.Name
		switch {
		case name == stripPrefix:
			continue
		case strings.HasPrefix(name, stripPrefix+"/"):
			name = strings.TrimPrefix(name, stripPrefix+"/")
		default:
			continue // unexpected prefix, skip for safety
		}
		if name == "" {
			continue
		}

		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			log.Warn("skipping link in workspace export", "name", name)
			continue
		}

		cleaned := filepath.Clean(filepath.Join(resolvedRoot, filepath.FromSlash(name)))
		if cleaned != resolvedRoot && !strings.HasPrefix(cleaned, resolvedRoot+string(os.PathSeparator)) {
			log.Warn("skipping path traversal in workspace export", "name", name)
			continue
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(cleaned, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", name, err)
			}
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
			return fmt.Errorf("mkdir parent %s: %w", name, err)
		}
		f, err := os.OpenFile(cleaned, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // G304: containment verified above
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // G110: sandbox output is bounded by container disk limits
			_ = f.Close()
			return fmt.Errorf("extract %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}
}
