// Package watcher observes the workspace for externally created trigger
// files and dispatches loop advancement requests. It complements the HTTP
// API as a second, idempotent producer of the same "advance" signal.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

// Kind identifies which trigger file fired.
type Kind string

const (
	// KindRequirements: 01_input/requirements.txt appeared — start the project.
	KindRequirements Kind = "requirements"
	// KindPlan: 02_plan/PLAN.md appeared while idle — operator edited the plan.
	KindPlan Kind = "plan"
	// KindManifest: 03_staging/.manifest.json appeared while idle.
	KindManifest Kind = "manifest"
)

// Trigger is one debounced trigger-file event.
type Trigger struct {
	Project string
	Kind    Kind
	Path    string
}

// Handler receives debounced triggers. Handlers must be idempotent: the
// watcher coalesces rapid saves but duplicate triggers can still occur.
type Handler func(Trigger)

// triggerSuffixes maps normalized path suffixes to trigger kinds.
var triggerSuffixes = []struct {
	suffix string
	kind   Kind
}{
	{"/" + project.RequirementsFile, KindRequirements},
	{"/" + project.PlanFile, KindPlan},
	{"/" + project.ManifestFile, KindManifest},
}

// Watcher monitors the workspace tree with fsnotify and a per-path debounce.
type Watcher struct {
	root     string
	debounce time.Duration
	handler  Handler
	log      *slog.Logger

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a Watcher over the workspace root. debounce <= 0 selects the
// 2 s default.
func New(root string, debounce time.Duration, handler Handler, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		handler:  handler,
		log:      log,
		fsw:      fsw,
		timers:   map[string]*time.Timer{},
	}, nil
}

// Start begins watching and blocks until ctx is cancelled. fsnotify watches
// are per-directory, so the workspace tree is walked at startup and new
// directories are added as they appear.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.log.Info("file watcher started", "root", w.root, "debounce", w.debounce)

	defer func() {
		w.mu.Lock()
		w.closed = true
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
		_ = w.fsw.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New directories join the watch set (projects created at runtime).
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
			if err := w.addTree(ev.Name); err != nil {
				w.log.Warn("could not watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	normalized := filepath.ToSlash(ev.Name)
	for _, ts := range triggerSuffixes {
		if strings.HasSuffix(normalized, ts.suffix) {
			w.schedule(ev.Name, Trigger{
				Project: w.projectName(ev.Name, ts.suffix),
				Kind:    ts.kind,
				Path:    ev.Name,
			})
			return
		}
	}
}

// projectName derives the project directory name by stripping the trigger
// suffix and taking the base.
func (w *Watcher) projectName(path, suffix string) string {
	normalized := filepath.ToSlash(path)
	return filepath.Base(strings.TrimSuffix(normalized, suffix))
}

// schedule coalesces rapid saves of the same path: each event resets the
// path's debounce timer, and the handler fires once the window is quiet.
func (w *Watcher) schedule(path string, trig Trigger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.log.Info("trigger file detected", "project", trig.Project, "kind", trig.Kind)
		w.handler(trig)
	})
}

// addTree registers a directory and all its subdirectories, skipping
// symlinked directories.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip
		}
		if !d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("could not watch directory", "path", path, "error", err)
		}
		return nil
	})
}
