// Package reload implements the hot reload orchestrator (C12): a
// multi-phase, state-preserving swap of a running plugin's code, with a
// real bundle-backup-and-restore rollback on failure.
package reload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	plugin "github.com/kitakeyos/pluginhost/internal/plugin"
	"github.com/kitakeyos/pluginhost/pkg/errutil"
	"github.com/kitakeyos/pluginhost/pkg/pluginapi"
)

// Phase names the eight-step reload sequence plus the failure phase,
// exactly per spec.md §4.12.
type Phase string

const (
	PhaseValidating        Phase = "VALIDATING"
	PhaseCapturingState     Phase = "CAPTURING_STATE"
	PhaseGracefulShutdown   Phase = "GRACEFUL_SHUTDOWN"
	PhaseDisabling          Phase = "DISABLING"
	PhaseLoadingNewVersion  Phase = "LOADING_NEW_VERSION"
	PhaseRestoringState     Phase = "RESTORING_STATE"
	PhaseEnabling           Phase = "ENABLING"
	PhaseCompleted          Phase = "COMPLETED"
	PhaseRollingBack        Phase = "ROLLING_BACK"
)

// Options controls one reload attempt.
type Options struct {
	PreserveState   bool
	ForceReload     bool
	ShutdownTimeout time.Duration
}

// DefaultOptions mirrors the original's safe manual-reload defaults.
func DefaultOptions() Options {
	return Options{PreserveState: true, ForceReload: false, ShutdownTimeout: 10 * time.Second}
}

// AutoReloadOptions mirrors the original's faster auto-reload defaults,
// used by the file watcher's automatic trigger.
func AutoReloadOptions() Options {
	return Options{PreserveState: true, ForceReload: false, ShutdownTimeout: 5 * time.Second}
}

// PhaseRecord records how long one phase took.
type PhaseRecord struct {
	Phase    Phase
	Duration time.Duration
}

// Snapshot is the state captured before tearing down a plugin's running
// instance, sufficient to restore the same logical state into a freshly
// loaded instance of a compatible version. Matches spec.md §6's state
// snapshot file schema field-for-field.
type Snapshot struct {
	PluginName    string         `json:"pluginName"`
	Version       string         `json:"version"`
	Timestamp     int64          `json:"timestamp"`
	ConfigData    map[string]string `json:"configData"`
	CustomData    map[string]any `json:"customData"`
	ActiveTaskIDs []int64        `json:"activeTaskIds"`
}

// CompatibleWith reports whether this snapshot may be restored into a
// plugin at newVersion: exact match, or same major version with new minor
// >= old minor.
func (s Snapshot) CompatibleWith(newVersion string) bool {
	if s.Version == newVersion {
		return true
	}
	oldMajor, oldMinor, ok1 := majorMinor(s.Version)
	newMajor, newMinor, ok2 := majorMinor(newVersion)
	if !ok1 || !ok2 {
		return false
	}
	return oldMajor == newMajor && newMinor >= oldMinor
}

func majorMinor(v string) (major, minor int, ok bool) {
	parts := bytes.SplitN([]byte(v), []byte("."), 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(string(parts[0]), "%d", &major); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(string(parts[1]), "%d", &minor); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// Result is the outcome of one reload attempt.
type Result struct {
	PluginName     string
	Success        bool
	Phase          Phase
	Durations      []PhaseRecord
	TotalDuration  time.Duration
	StatePreserved bool
	Err            error
}

// Config configures an Orchestrator.
type Config struct {
	// StateDir holds persisted state snapshots, <name>.state.
	StateDir string
	// BackupDir holds pre-reload bundle backups used for real rollback.
	BackupDir string
	// MaxConcurrentReloads bounds the reload worker pool. <= 0 defaults
	// to 3.
	MaxConcurrentReloads int
}

// Orchestrator drives hot reloads of plugins managed by a plugin.Manager.
// At most one reload is in flight per plugin name; reloads of distinct
// plugins proceed concurrently, bounded by a semaphore sized from Config.
type Orchestrator struct {
	manager *plugin.Manager
	cfg     Config

	sem *semaphore.Weighted

	mu     sync.Mutex
	active map[string]struct{}

	autoQueue chan string
	autoOnce  sync.Once
	wg        sync.WaitGroup
}

// New constructs an Orchestrator over manager.
func New(manager *plugin.Manager, cfg Config) *Orchestrator {
	if cfg.MaxConcurrentReloads <= 0 {
		cfg.MaxConcurrentReloads = 3
	}
	o := &Orchestrator{
		manager:   manager,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentReloads)),
		active:    make(map[string]struct{}),
		autoQueue: make(chan string, 64),
	}
	o.wg.Add(1)
	go o.autoReloadWorker()
	return o
}

// Close stops the auto-reload worker. Reloads already in flight via
// Reload are unaffected.
func (o *Orchestrator) Close() {
	o.autoOnce.Do(func() { close(o.autoQueue) })
	o.wg.Wait()
}

func (o *Orchestrator) tryMarkActive(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[name]; busy {
		return false
	}
	o.active[name] = struct{}{}
	return true
}

func (o *Orchestrator) clearActive(name string) {
	o.mu.Lock()
	delete(o.active, name)
	o.mu.Unlock()
}

// QueueAutoReload enqueues an automatic reload of name with
// AutoReloadOptions, used by the file watcher's change callback. If a
// reload for name is already in flight, the new trigger is coalesced
// (dropped), per spec.md §4.12's debouncing-beyond-the-watcher note. A name
// that is only waiting in the queue is not detected, so each such trigger
// is queued again.
func (o *Orchestrator) QueueAutoReload(name string) {
	o.mu.Lock()
	_, busy := o.active[name]
	o.mu.Unlock()
	if busy {
		slog.Debug("auto-reload coalesced, already in flight", "plugin", name)
		return
	}
	select {
	case o.autoQueue <- name:
	default:
		slog.Warn("auto-reload queue full, dropping trigger", "plugin", name)
	}
}

func (o *Orchestrator) autoReloadWorker() {
	defer o.wg.Done()
	for name := range o.autoQueue {
		result, err := o.Reload(context.Background(), name, AutoReloadOptions())
		if err != nil {
			slog.Warn("auto-reload failed", "plugin", name, "error", err)
			continue
		}
		if result.Success {
			slog.Info("auto-reload successful", "plugin", name, "duration", result.TotalDuration)
		} else {
			slog.Warn("auto-reload failed", "plugin", name, "phase", result.Phase, "error", result.Err)
		}
	}
}

// Reload performs hot reload of name. At most one reload per name is in
// flight; a second concurrent call for the same name fails immediately.
func (o *Orchestrator) Reload(ctx context.Context, name string, opts Options) (Result, error) {
	if !o.tryMarkActive(name) {
		return Result{}, fmt.Errorf("reload: %s is already being reloaded", name)
	}
	defer o.clearActive(name)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer o.sem.Release(1)

	opID := ulid.Make().String()
	start := time.Now()
	slog.Info("starting hot reload", "plugin", name, "operation", opID)

	result := o.perform(ctx, name, opts, start)
	result.TotalDuration = time.Since(start)
	return result, nil
}

// perform runs the eight-phase sequence, recovering any panic as a
// ROLLING_BACK result rather than letting it escape.
func (o *Orchestrator) perform(ctx context.Context, name string, opts Options, start time.Time) (res Result) {
	var phases []PhaseRecord
	var backupPath string
	wasEnabled := false

	phase := func(p Phase, fn func() error) error {
		phaseStart := time.Now()
		err := fn()
		phases = append(phases, PhaseRecord{Phase: p, Duration: time.Since(phaseStart)})
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			res = o.rollback(ctx, name, backupPath, wasEnabled, phases, fmt.Errorf("panic during hot reload: %v", r))
		}
	}()

	// VALIDATING
	var inst plugin.Instance
	if err := phase(PhaseValidating, func() error {
		var ok bool
		inst, ok = o.manager.Registry().Get(name)
		if !ok {
			return &plugin.NotFoundError{Name: name}
		}
		if o.manager.Registry().GetState(name) != plugin.StateEnabled {
			return fmt.Errorf("plugin %s is not ENABLED", name)
		}
		wasEnabled = true
		if aware, ok := inst.(pluginapi.HotReloadAware); ok && !opts.ForceReload {
			if !aware.CanHotReload() {
				return fmt.Errorf("plugin %s declined hot reload", name)
			}
		}
		return nil
	}); err != nil {
		return Result{PluginName: name, Success: false, Phase: PhaseValidating, Durations: phases, Err: err}
	}

	// CAPTURING_STATE
	var snapshot *Snapshot
	_ = phase(PhaseCapturingState, func() error {
		if !opts.PreserveState {
			return nil
		}
		snapshot = o.captureState(name, inst)
		if err := o.persistSnapshot(snapshot); err != nil {
			errutil.LogError(slog.Default(), "snapshot persist failed", &plugin.StateTransitionError{Reason: "persist", Cause: err})
		}
		return nil
	})

	// GRACEFUL_SHUTDOWN
	if err := phase(PhaseGracefulShutdown, func() error {
		return o.gracefulShutdown(ctx, inst, opts)
	}); err != nil {
		if !opts.ForceReload {
			return o.rollback(ctx, name, backupPath, wasEnabled, phases, err)
		}
		slog.Warn("graceful shutdown failed, forcing reload", "plugin", name, "error", err)
	}

	// Back up the plugin's currently-staged code before tearing it down,
	// so a failure in phases 5-7 can restore it byte-for-byte (the third
	// Open Question's resolution: real rollback, not intent-only).
	oldChecksum, _ := o.manager.Loader().StagedChecksum(name)
	if staged, ok := o.manager.Loader().StagedPath(name); ok {
		if p, err := o.backupStaged(name, staged); err != nil {
			slog.Warn("pre-reload backup failed, rollback will be best-effort", "plugin", name, "error", err)
		} else {
			backupPath = p
		}
	}

	// DISABLING
	if err := phase(PhaseDisabling, func() error {
		return o.manager.Unload(name)
	}); err != nil {
		return o.rollback(ctx, name, backupPath, wasEnabled, phases, err)
	}

	// LOADING_NEW_VERSION
	meta, hadMeta := o.manager.Metadata(name)
	bundlePath := filepath.Join(o.manager.PluginsDir(), name)
	if hadMeta && meta.Source != "" {
		bundlePath = meta.Source
	}
	if err := phase(PhaseLoadingNewVersion, func() error {
		if _, err := os.Stat(bundlePath); err != nil {
			return fmt.Errorf("bundle file not found: %w", err)
		}
		o.manager.InvalidateMetadata(name)
		if !o.manager.LoadSinglePlugin(ctx, name, bundlePath) {
			return fmt.Errorf("failed to load new plugin version")
		}
		return nil
	}); err != nil {
		return o.rollback(ctx, name, backupPath, wasEnabled, phases, err)
	}

	if newChecksum, ok := o.manager.Loader().StagedChecksum(name); ok {
		if oldChecksum == newChecksum {
			slog.Warn("hot reload staged an identical bundle", "plugin", name, "checksum", newChecksum)
		} else {
			slog.Debug("hot reload staged new code", "plugin", name, "checksum", newChecksum)
		}
	}

	// RESTORING_STATE
	statePreserved := false
	_ = phase(PhaseRestoringState, func() error {
		if snapshot == nil {
			return nil
		}
		newMeta, _ := o.manager.Metadata(name)
		if !snapshot.CompatibleWith(newMeta.Version) {
			slog.Warn("snapshot version incompatible, skipping state restore", "plugin", name, "old", snapshot.Version, "new", newMeta.Version)
			return nil
		}
		if err := o.restoreState(name, snapshot); err != nil {
			errutil.LogError(slog.Default(), "state restore failed", &plugin.StateTransitionError{Reason: "restore", Cause: err})
			return nil
		}
		statePreserved = true
		return nil
	})

	// ENABLING
	if err := phase(PhaseEnabling, func() error {
		return o.manager.Enable(name)
	}); err != nil {
		return o.rollback(ctx, name, backupPath, wasEnabled, phases, err)
	}

	if inst2, ok := o.manager.Registry().Get(name); ok {
		if completer, ok := inst2.(pluginapi.HotReloadCompleter); ok {
			completer.OnHotReloadComplete()
		}
	}

	if backupPath != "" {
		_ = os.RemoveAll(backupPath)
	}

	slog.Info("hot reload completed", "plugin", name, "state_preserved", statePreserved)
	return Result{PluginName: name, Success: true, Phase: PhaseCompleted, Durations: phases, StatePreserved: statePreserved}
}

// gracefulShutdown invokes a HotReloadAware plugin's PrepareForReload with
// a bounded wait, mirroring the original's CompletableFuture.get(timeout):
// the call is not forcibly interrupted on timeout, only the wait gives up.
func (o *Orchestrator) gracefulShutdown(ctx context.Context, inst plugin.Instance, opts Options) error {
	aware, ok := inst.(pluginapi.HotReloadAware)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("prepareForReload panicked: %v", r)
			}
		}()
		done <- aware.PrepareForReload(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(opts.ShutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", opts.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// captureState gathers config, custom plugin data, and owned task ids into
// a Snapshot.
func (o *Orchestrator) captureState(name string, inst plugin.Instance) *Snapshot {
	meta, _ := o.manager.Metadata(name)

	configData := make(map[string]string)
	if store, ok := o.manager.ConfigStore(name); ok {
		for _, k := range store.Keys() {
			configData[k] = store.String(k, "")
		}
	}

	customData := make(map[string]any)
	if sp, ok := inst.(pluginapi.StatefulPlugin); ok {
		for k, v := range sp.SaveState() {
			customData[k] = v
		}
	}

	var taskIDs []int64
	if to, ok := inst.(pluginapi.TaskOwner); ok {
		for _, id := range to.ActiveTaskIDs() {
			taskIDs = append(taskIDs, int64(id))
		}
	}

	return &Snapshot{
		PluginName:    name,
		Version:       meta.Version,
		Timestamp:     time.Now().UnixMilli(),
		ConfigData:    configData,
		CustomData:    customData,
		ActiveTaskIDs: taskIDs,
	}
}

// restoreState pushes a snapshot's config and custom data back into a
// freshly loaded instance of the same plugin name.
func (o *Orchestrator) restoreState(name string, snapshot *Snapshot) error {
	if store, ok := o.manager.ConfigStore(name); ok {
		for k, v := range snapshot.ConfigData {
			if err := store.Set(k, v); err != nil {
				return err
			}
		}
		if err := store.Save(); err != nil {
			return err
		}
	}

	inst, ok := o.manager.Registry().Get(name)
	if !ok {
		return fmt.Errorf("plugin %s not registered after reload", name)
	}
	if sp, ok := inst.(pluginapi.StatefulPlugin); ok && len(snapshot.CustomData) > 0 {
		if err := sp.LoadState(snapshot.CustomData); err != nil {
			return err
		}
	}
	if to, ok := inst.(pluginapi.TaskOwner); ok && len(snapshot.ActiveTaskIDs) > 0 {
		ids := make([]pluginapi.TaskID, len(snapshot.ActiveTaskIDs))
		for i, id := range snapshot.ActiveTaskIDs {
			ids[i] = pluginapi.TaskID(id)
		}
		to.RestoreScheduledTasks(ids)
	}
	return nil
}

// persistSnapshot writes a snapshot atomically (write-temp-then-rename) to
// <StateDir>/<name>.state.
func (o *Orchestrator) persistSnapshot(s *Snapshot) error {
	if o.cfg.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.cfg.StateDir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.cfg.StateDir, s.PluginName+".state")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// backupStaged copies a plugin's currently-staged code into BackupDir so a
// failed reload can restore it. Returns the backup path.
func (o *Orchestrator) backupStaged(name, stagedPath string) (string, error) {
	if o.cfg.BackupDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(o.cfg.BackupDir, 0o750); err != nil {
		return "", err
	}
	dest := filepath.Join(o.cfg.BackupDir, fmt.Sprintf("%s-%d-reload-backup", name, time.Now().UnixNano()))
	if err := copyTree(stagedPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// rollback restores the plugin's previous code from backupPath (if any)
// over the live bundle path and reloads it, re-enabling if it was
// previously ENABLED — a real restore-and-reload rather than intent-only,
// per the third Open Question's resolution recorded in DESIGN.md.
func (o *Orchestrator) rollback(ctx context.Context, name, backupPath string, wasEnabled bool, phases []PhaseRecord, cause error) Result {
	slog.Warn("hot reload rolling back", "plugin", name, "reason", cause)
	phaseStart := time.Now()

	if backupPath == "" {
		phases = append(phases, PhaseRecord{Phase: PhaseRollingBack, Duration: time.Since(phaseStart)})
		return Result{PluginName: name, Success: false, Phase: PhaseRollingBack, Durations: phases,
			Err: fmt.Errorf("%w (no pre-reload backup available, rollback skipped)", cause)}
	}

	target := filepath.Join(o.manager.PluginsDir(), name)
	rollbackErr := func() error {
		if err := copyTree(backupPath, target); err != nil {
			return fmt.Errorf("restore backup: %w", err)
		}
		o.manager.InvalidateMetadata(name)
		if !o.manager.LoadSinglePlugin(ctx, name, target) {
			return fmt.Errorf("reload of restored bundle failed")
		}
		if wasEnabled {
			if err := o.manager.Enable(name); err != nil {
				return fmt.Errorf("re-enable after rollback: %w", err)
			}
		}
		return nil
	}()

	phases = append(phases, PhaseRecord{Phase: PhaseRollingBack, Duration: time.Since(phaseStart)})
	_ = os.RemoveAll(backupPath)

	if rollbackErr != nil {
		return Result{PluginName: name, Success: false, Phase: PhaseRollingBack, Durations: phases,
			Err: fmt.Errorf("%w (rollback also failed: %v)", cause, rollbackErr)}
	}
	return Result{PluginName: name, Success: false, Phase: PhaseRollingBack, Durations: phases,
		Err: fmt.Errorf("%w (rolled back to previous version)", cause)}
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(s, d, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // bundle paths are host-controlled
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
