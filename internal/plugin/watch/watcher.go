// Package watch implements the file watcher with stability gating (C11):
// debounced bundle-change detection that only fires after a bundle has
// settled, plus a periodic rescan that catches drift the event channel
// missed.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tuning constants grounded on the original FileWatcher: a 500ms
// stability wait, a 200ms second-phase verification, and a 30s periodic
// rescan of known entries to catch drift missed after watch-buffer overflows.
const (
	DefaultStabilityWait  = 500 * time.Millisecond
	DefaultVerifyWait     = 200 * time.Millisecond
	DefaultRescanInterval = 30 * time.Second
)

// identity is the lightweight change-detection fingerprint: aggregate size
// and latest modification time in milliseconds across a bundle directory.
// Bundles in this system are staged directories rather than single archive
// files (see internal/plugin/loader.go), so identity is computed by
// walking the bundle root rather than stat'ing one file — the Go-native
// adaptation of the original's single-jar (size, mtime) pair.
type identity struct {
	size      int64
	modMillis int64
}

// Config configures a Watcher.
type Config struct {
	// Dir is the directory whose immediate entries are watched for
	// create/write/remove — non-recursive, matching the original's
	// single-directory WatchService registration.
	Dir string
	// Extensions filters eligible entry names by suffix. Empty accepts
	// every entry (this system's bundles are plain directories, not
	// files with a fixed extension).
	Extensions []string
	// StabilityWait and VerifyWait override the two debounce phases;
	// zero uses the package defaults.
	StabilityWait time.Duration
	VerifyWait    time.Duration
	// RescanInterval overrides the periodic full-rescan period; zero
	// uses DefaultRescanInterval.
	RescanInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StabilityWait <= 0 {
		c.StabilityWait = DefaultStabilityWait
	}
	if c.VerifyWait <= 0 {
		c.VerifyWait = DefaultVerifyWait
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = DefaultRescanInterval
	}
	return c
}

// ChangeFunc is invoked once per stable, settled change to an eligible
// bundle path.
type ChangeFunc func(bundlePath string)

// Watcher monitors Config.Dir for eligible bundle changes and invokes
// onChange exactly once per settled change (C11).
type Watcher struct {
	cfg      Config
	onChange ChangeFunc

	fsw *fsnotify.Watcher

	mu         sync.Mutex
	identities map[string]identity
	pending    map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Watcher over cfg, seeding its baseline identity map from
// whatever already exists in cfg.Dir. It does not start watching; call
// Start.
func New(cfg Config, onChange ChangeFunc) (*Watcher, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:        cfg,
		onChange:   onChange,
		identities: make(map[string]identity),
		pending:    make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}
	w.scanInitial()
	return w, nil
}

// scanInitial establishes a baseline identity for every eligible entry
// already present, so the first real event is a genuine change rather than
// a spurious "created from nothing."
func (w *Watcher) scanInitial() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(w.cfg.Dir, e.Name())
		if !w.eligible(path) {
			continue
		}
		if id, err := computeIdentity(path); err == nil {
			w.identities[path] = id
		}
	}
}

// Start begins the fsnotify event loop and the periodic rescan goroutine.
// It returns once both are running; cancel ctx or call Stop to shut down.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.rescanLoop(ctx)
	return nil
}

// Stop tears down the fsnotify watcher and stops the rescan loop,
// cancelling any pending stability-check timers.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) eligible(path string) bool {
	if len(w.cfg.Extensions) == 0 {
		return true
	}
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range w.cfg.Extensions {
		if strings.HasSuffix(name, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.eligible(path) {
		return
	}

	if ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename {
		w.mu.Lock()
		delete(w.identities, path)
		if t, ok := w.pending[path]; ok {
			t.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		return
	}

	w.scheduleStabilityCheck(path)
}

// scheduleStabilityCheck atomically cancels any pending check for path and
// arms a new one after StabilityWait — the cancel-and-replace must be one
// critical section so two overlapping events never race two independent
// timers for the same path.
func (w *Watcher) scheduleStabilityCheck(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.StabilityWait, func() {
		w.checkStability(path)
	})
}

func (w *Watcher) checkStability(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return
	}

	cur, err := computeIdentity(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	prev, known := w.identities[path]
	w.mu.Unlock()

	if known && prev == cur {
		return
	}

	// Snapshot now and verify nothing moved in the next VerifyWait window
	// before treating the bundle as settled.
	time.AfterFunc(w.cfg.VerifyWait, func() {
		w.verifyStability(path, cur)
	})
}

func (w *Watcher) verifyStability(path string, snapshot identity) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	cur, err := computeIdentity(path)
	if err != nil {
		return
	}

	if cur != snapshot {
		// Still changing: loop back to a full stability check.
		w.scheduleStabilityCheck(path)
		return
	}

	w.mu.Lock()
	w.identities[path] = cur
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path)
	}
}

// rescanLoop independently rescans the entries the watcher already knows
// every RescanInterval, dropping those that disappeared and firing the
// callback for any size/mtime drift the fsnotify channel missed (for
// example after a kernel-buffer overflow). Entries not yet known, such as
// the new name of a renamed bundle, are not picked up by the rescan.
func (w *Watcher) rescanLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.rescanOnce()
		}
	}
}

func (w *Watcher) rescanOnce() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.identities))
	for p := range w.identities {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	sort.Strings(paths)

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			w.mu.Lock()
			delete(w.identities, path)
			w.mu.Unlock()
			continue
		}

		cur, err := computeIdentity(path)
		if err != nil {
			continue
		}

		w.mu.Lock()
		prev := w.identities[path]
		changed := prev != cur
		if changed {
			w.identities[path] = cur
		}
		w.mu.Unlock()

		if changed && w.onChange != nil {
			w.onChange(path)
		}
	}
}

// computeIdentity walks path (a file or a bundle directory) and returns its
// aggregate size and latest modification time.
func computeIdentity(path string) (identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return identity{}, err
	}
	if !info.IsDir() {
		return identity{size: info.Size(), modMillis: info.ModTime().UnixMilli()}, nil
	}

	var id identity
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // best-effort aggregate over a possibly-racing directory
		}
		id.size += fi.Size()
		if m := fi.ModTime().UnixMilli(); m > id.modMillis {
			id.modMillis = m
		}
		return nil
	})
	if err != nil {
		return identity{}, err
	}
	return id, nil
}
