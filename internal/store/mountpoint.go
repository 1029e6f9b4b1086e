package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/Strob0t/CodeTumbler/internal/domain"
)

// pathEscapeError wraps domain.ErrPathEscape with resolution context.
func pathEscapeError(path, resolved, root string) error {
	return fmt.Errorf("%q resolves to %q outside %q: %w", path, resolved, root, domain.ErrPathEscape)
}

// isMountPoint reports whether path is a mount point by comparing its device
// number with its parent's. Errors are treated as "is a mount point" so that
// destructive operations refuse rather than proceed.
func isMountPoint(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return true
	}
	parent := filepath.Dir(path)
	if parent == path {
		return true // filesystem root
	}
	parentInfo, err := os.Lstat(parent)
	if err != nil {
		return true
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	parentStat, ok := parentInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Dev != parentStat.Dev
}
