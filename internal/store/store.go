// Package store persists per-project state, usage, and conversation logs as
// JSON files under each project's .tumbler directory. The filesystem is the
// single source of truth; an optional RDBMS mirror receives best-effort
// copies of every write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/domain/conversation"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/domain/usage"
	"github.com/Strob0t/CodeTumbler/internal/port/mirror"
)

const (
	cacheMaxBytes = 32 << 20 // conversation logs can be large
	cacheTTL      = time.Minute
)

// Store reads and writes project JSON files with atomic rename semantics.
type Store struct {
	mirror mirror.Mirror // nil when no RDBMS is configured
	log    *slog.Logger

	// conversation read cache; invalidated on every append
	cache *ristretto.Cache[string, []byte]

	// serializes read-modify-write cycles on a project's files
	mu sync.Mutex
}

// New creates a Store. m may be nil to disable mirroring.
func New(m mirror.Mirror, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1 << 14,
		MaxCost:     cacheMaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation cache: %w", err)
	}
	return &Store{mirror: m, log: log, cache: cache}, nil
}

// Close releases the read cache.
func (s *Store) Close() {
	s.cache.Close()
}

// EnsureLayout creates the project's workspace directories.
func (s *Store) EnsureLayout(projectRoot string) error {
	for _, dir := range []string{
		project.InputDir, project.PlanDir, project.StagingDir,
		project.FeedbackDir, project.FinalDir, project.LogsDir,
	} {
		if err := os.MkdirAll(filepath.Join(projectRoot, dir), 0o755); err != nil {
			return fmt.Errorf("ensure layout: %w", err)
		}
	}
	return nil
}

// LoadState reads state.json. Returns domain.ErrNotFound when the file does
// not exist; a corrupted file is an error, not silently replaced.
func (s *Store) LoadState(projectRoot string) (*project.State, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, project.StateFile)) //nolint:gosec // G304: path derived from validated project name
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("state for %s: %w", filepath.Base(projectRoot), domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st project.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &st, nil
}

// SaveState atomically writes state.json, preserving unknown JSON fields
// written by other tools. The caller is responsible for publishing events.
func (s *Store) SaveState(projectRoot string, st *project.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.LastUpdate = time.Now().UTC()

	merged, err := mergeUnknownFields(filepath.Join(projectRoot, project.StateFile), st)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(projectRoot, project.StateFile), merged); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.UpsertProject(context.Background(), st); err != nil {
			s.log.Warn("state mirror write failed (JSON remains authoritative)",
				"project", st.Name, "error", err)
		}
	}
	return nil
}

// mergeUnknownFields overlays the new state onto any fields already present
// in the file that the State struct does not model.
func mergeUnknownFields(path string, st *project.State) ([]byte, error) {
	newData, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	existing, err := os.ReadFile(path) //nolint:gosec // G304: path derived from validated project name
	if err != nil {
		return marshalIndent(newData)
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(existing, &base); err != nil {
		return marshalIndent(newData)
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(newData, &over); err != nil {
		return nil, fmt.Errorf("remarshal state: %w", err)
	}
	for k, v := range over {
		base[k] = v
	}
	out, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merge state: %w", err)
	}
	return out, nil
}

func marshalIndent(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}

// LoadUsage reads the usage ledger, returning an empty ledger when absent.
func (s *Store) LoadUsage(projectRoot string) (*usage.Ledger, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, project.UsageFile)) //nolint:gosec // G304: path derived from validated project name
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return usage.NewLedger(), nil
		}
		return nil, fmt.Errorf("read usage: %w", err)
	}
	var l usage.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse usage: %w", err)
	}
	return &l, nil
}

// AppendUsage adds a record to the ledger, updating per-agent totals, and
// mirrors it best-effort.
func (s *Store) AppendUsage(projectRoot string, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.LoadUsage(projectRoot)
	if err != nil {
		return err
	}
	ledger.Add(rec)

	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(projectRoot, project.UsageFile), data); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.InsertUsage(context.Background(), filepath.Base(projectRoot), rec); err != nil {
			s.log.Warn("usage mirror write failed (JSON remains authoritative)",
				"project", filepath.Base(projectRoot), "error", err)
		}
	}
	return nil
}

// TotalCost returns the project's cumulative cost in dollars.
func (s *Store) TotalCost(projectRoot string) float64 {
	ledger, err := s.LoadUsage(projectRoot)
	if err != nil {
		return 0
	}
	return ledger.TotalCost
}

// AppendConversation appends one message to the project's append-only
// conversation log (a JSON array on disk).
func (s *Store) AppendConversation(projectRoot string, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadConversationLocked(projectRoot)
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	path := filepath.Join(projectRoot, project.ConversationFile)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	s.cache.Del(path)
	return nil
}

// LoadConversation returns all messages logged for a project.
func (s *Store) LoadConversation(projectRoot string) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConversationLocked(projectRoot)
}

func (s *Store) loadConversationLocked(projectRoot string) ([]conversation.Message, error) {
	path := filepath.Join(projectRoot, project.ConversationFile)

	data, ok := s.cache.Get(path)
	if !ok {
		var err error
		data, err = os.ReadFile(path) //nolint:gosec // G304: path derived from validated project name
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("read conversation: %w", err)
		}
		s.cache.SetWithTTL(path, data, int64(len(data)), cacheTTL)
	}

	var msgs []conversation.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}
	return msgs, nil
}

// ListProjects scans the workspace root for project directories (identified
// by a .tumbler/state.json) and returns their summaries sorted by name.
func (s *Store) ListProjects(workspaceRoot string) ([]project.Summary, error) {
	entries, err := os.ReadDir(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	var out []project.Summary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		root := filepath.Join(workspaceRoot, e.Name())
		st, err := s.LoadState(root)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.log.Warn("skipping unreadable project", "project", e.Name(), "error", err)
			continue
		}
		out = append(out, project.Summary{
			Name:       st.Name,
			Phase:      st.Phase,
			Iteration:  st.Iteration,
			LastScore:  st.LastScore,
			IsRunning:  st.IsRunning,
			LastUpdate: st.LastUpdate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteMirror removes a project's mirrored rows; used by project deletion.
func (s *Store) DeleteMirror(projectName string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteProject(context.Background(), projectName); err != nil {
		s.log.Warn("mirror delete failed", "project", projectName, "error", err)
	}
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
