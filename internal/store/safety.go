package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ClearableDirs are the only project subdirectories destructive clears may
// touch. Requirements (01_input) and final archives (05_final) survive Reset.
var ClearableDirs = map[string]bool{
	"02_plan":       true,
	"03_staging":    true,
	"04_feedback":   true,
	".tumbler/logs": true,
}

// resolveWithin resolves path (expanding symlinks) and verifies the result is
// the root itself or a descendant of it. Returns domain.ErrPathEscape-wrapped
// errors on violation.
func resolveWithin(root, path string) (string, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		return "", pathEscapeError(path, resolved, resolvedRoot)
	}
	return resolved, nil
}

// linkWithin verifies a symlink's own location (not its target) is inside root.
func linkWithin(root, linkPath string) error {
	parent, err := filepath.EvalSymlinks(filepath.Dir(linkPath))
	if err != nil {
		return fmt.Errorf("resolve link parent: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	loc := filepath.Join(parent, filepath.Base(linkPath))
	if loc != resolvedRoot && !strings.HasPrefix(loc, resolvedRoot+string(os.PathSeparator)) {
		return pathEscapeError(linkPath, loc, resolvedRoot)
	}
	return nil
}

// SafeClearDir clears the contents of a project subdirectory. The directory
// must be named in ClearableDirs and resolve inside projectRoot.
//
// Policies enforced:
//   - every file is containment-checked before deletion
//   - symlinks are removed as the link, never followed; the link itself must
//     live inside the project
//   - permission errors are logged and skipped; no chmod, no force
//   - directories are removed bottom-up, only once empty
//   - mount points are never removed
//
// Returns (deleted, skipped) counts.
func (s *Store) SafeClearDir(projectRoot, relDir string) (deleted, skipped int, err error) {
	if !ClearableDirs[filepath.ToSlash(relDir)] {
		return 0, 0, fmt.Errorf("refusing to clear %q: not in allowlist", relDir)
	}

	target := filepath.Join(projectRoot, relDir)
	resolved, err := resolveWithin(projectRoot, target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("%s is not a directory", resolved)
	}
	if isMountPoint(resolved) {
		return 0, 0, fmt.Errorf("refusing to clear mount point %s", resolved)
	}

	d, sk := s.clearTree(projectRoot, resolved)
	return d, sk, nil
}

// SafeDeleteProject removes the entire project tree, including the project
// directory itself, under the same policies as SafeClearDir.
func (s *Store) SafeDeleteProject(projectRoot string) (deleted, skipped int, err error) {
	resolved, err := filepath.EvalSymlinks(projectRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("resolve project root: %w", err)
	}
	if isMountPoint(resolved) {
		return 0, 0, fmt.Errorf("refusing to delete mount point %s", resolved)
	}

	d, sk := s.clearTree(resolved, resolved)
	if err := os.Remove(resolved); err != nil {
		s.log.Warn("project directory not empty after cleanup",
			"project", filepath.Base(resolved), "skipped", sk, "error", err)
	}
	return d, sk, nil
}

// clearTree deletes files bottom-up under dir, containment-checked against
// root. Emptied subdirectories are removed; dir itself is kept (the callers
// decide whether to remove it).
func (s *Store) clearTree(root, dir string) (deleted, skipped int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("could not read directory", "dir", dir, "error", err)
		return 0, 1
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		info, err := os.Lstat(path)
		if err != nil {
			s.log.Warn("could not stat entry", "path", path, "error", err)
			skipped++
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			// Remove the link itself, never its target.
			if err := linkWithin(root, path); err != nil {
				s.log.Warn("skipping out-of-scope symlink", "path", path, "error", err)
				skipped++
				continue
			}
			if err := os.Remove(path); err != nil {
				s.log.Warn("could not delete symlink", "path", path, "error", err)
				skipped++
				continue
			}
			deleted++
			continue
		}

		if info.IsDir() {
			if isMountPoint(path) {
				s.log.Warn("skipping mount point", "path", path)
				skipped++
				continue
			}
			if _, err := resolveWithin(root, path); err != nil {
				s.log.Warn("skipping out-of-scope directory", "path", path, "error", err)
				skipped++
				continue
			}
			d, sk := s.clearTree(root, path)
			deleted += d
			skipped += sk
			if err := os.Remove(path); err != nil {
				// Not empty or not deletable; leave it.
				skipped++
			}
			continue
		}

		if _, err := resolveWithin(root, path); err != nil {
			s.log.Warn("skipping out-of-scope file", "path", path, "error", err)
			skipped++
			continue
		}
		if err := os.Remove(path); err != nil {
			// Permission errors never escalate: log and skip.
			s.log.Warn("could not delete file", "path", path, "error", err)
			skipped++
			continue
		}
		deleted++
	}
	return deleted, skipped
}
