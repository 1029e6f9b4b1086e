package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

// Reset returns a project to a fresh idle state: plan, staging, feedback,
// logs, usage, and conversation are cleared; requirements and final archives
// are preserved, as are the project's provider overrides and budgets.
// Reset is idempotent.
func (s *Store) Reset(projectRoot string) error {
	st, err := s.LoadState(projectRoot)
	if err != nil {
		return err
	}

	for _, dir := range []string{project.PlanDir, project.StagingDir, project.FeedbackDir, project.LogsDir} {
		d, sk, err := s.SafeClearDir(projectRoot, dir)
		if err != nil {
			return fmt.Errorf("reset %s: %w", dir, err)
		}
		s.log.Info("reset cleared directory", "project", st.Name, "dir", dir,
			"deleted", d, "skipped", sk)
	}

	for _, rel := range []string{project.UsageFile, project.ConversationFile} {
		path := filepath.Join(projectRoot, rel)
		if _, err := resolveWithin(projectRoot, path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if errors.Is(err, domain.ErrPathEscape) {
				return err
			}
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("could not clear file during reset", "path", path, "error", err)
		}
		s.cache.Del(path)
	}

	st.Phase = project.PhaseIdle
	st.Iteration = 0
	st.LastScore = nil
	st.Error = ""
	st.IsRunning = false
	if err := s.SaveState(projectRoot, st); err != nil {
		return err
	}
	return s.EnsureLayout(projectRoot)
}
