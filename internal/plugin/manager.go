package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kitakeyos/pluginhost/internal/plugin/config"
	"github.com/kitakeyos/pluginhost/internal/plugin/namespace"
	"github.com/kitakeyos/pluginhost/pkg/errutil"
	"github.com/kitakeyos/pluginhost/pkg/pluginapi"
)

// Updater applies pending bundle updates before a LoadAll pass. This is
// satisfied by update.Manager's ApplyPending, composed here rather than
// imported directly to avoid a dependency cycle (update.Manager itself
// reports results this package's error types describe).
type Updater interface {
	ApplyPending(ctx context.Context) error
}

// ManagerConfig locates the plugin manager's working directories.
type ManagerConfig struct {
	// PluginsDir holds one subdirectory per bundle.
	PluginsDir string
	// DataDir is the parent of each plugin's config.properties directory.
	DataDir string
	// StagingDir is the loader's staged-copy root.
	StagingDir string
}

// Manager composes C1-C8 and the namespace loader into the full plugin
// lifecycle: discovery, dependency-ordered load, enable/disable/reload/
// unload, and shutdown (C9).
type Manager struct {
	cfg        ManagerConfig
	registry   *Registry
	bus        *EventBus
	scheduler  *Scheduler
	extensions *ExtensionManager
	loader     *Loader
	updater    Updater

	mu       sync.Mutex
	metadata map[string]Metadata
	configs  map[string]*config.Store
	order    []string // last resolved load order; shutdown runs it in reverse
}

// ManagerOption configures optional Manager dependencies.
type ManagerOption func(*Manager)

// WithUpdater wires an Updater whose ApplyPending LoadAll invokes before
// discovery, consolidating spec.md's two update-application paths per the
// Open Question decision recorded in DESIGN.md.
func WithUpdater(u Updater) ManagerOption {
	return func(m *Manager) { m.updater = u }
}

// NewManager constructs a Manager with a fresh registry, event bus,
// scheduler, extension manager, and loader built from factories.
func NewManager(cfg ManagerConfig, factories []namespace.Factory, opts ...ManagerOption) *Manager {
	ext := NewExtensionManager()
	m := &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		bus:        NewEventBus(0),
		scheduler:  NewScheduler(0, 0),
		extensions: ext,
		loader:     NewLoader(cfg.StagingDir, ext, factories...),
		metadata:   make(map[string]Metadata),
		configs:    make(map[string]*config.Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry, Bus, Scheduler, and Extensions expose the composed
// subsystems for callers that need direct access (tests, the hot-reload
// orchestrator, the composition root).
func (m *Manager) Registry() *Registry           { return m.registry }
func (m *Manager) Bus() *EventBus                { return m.bus }
func (m *Manager) Scheduler() *Scheduler         { return m.scheduler }
func (m *Manager) Extensions() *ExtensionManager { return m.extensions }
func (m *Manager) Loader() *Loader               { return m.loader }

// PluginsDir returns the configured bundle directory, for callers (the file
// watcher, the hot-reload orchestrator) that need to locate bundle paths
// outside of LoadAll's own discovery pass.
func (m *Manager) PluginsDir() string { return m.cfg.PluginsDir }

// Metadata returns the cached manifest for name, if loaded.
func (m *Manager) Metadata(name string) (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[name]
	return meta, ok
}

// ConfigStore returns the open per-plugin config store for name, if loaded.
func (m *Manager) ConfigStore(name string) (*config.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.configs[name]
	return store, ok
}

// InvalidateMetadata drops the cached manifest for name, forcing the next
// load to re-read it from disk (used by the hot-reload orchestrator after
// a bundle swap).
func (m *Manager) InvalidateMetadata(name string) {
	m.mu.Lock()
	delete(m.metadata, name)
	m.mu.Unlock()
}

// discover lists bundle directories under PluginsDir; each subdirectory is
// treated as a self-contained bundle.
func (m *Manager) discover() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.PluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin manager: read plugins dir: %w", err)
	}

	var bundles []string
	for _, e := range entries {
		if e.IsDir() {
			bundles = append(bundles, filepath.Join(m.cfg.PluginsDir, e.Name()))
		}
	}
	sort.Strings(bundles)
	return bundles, nil
}

// LoadAll optionally applies pending updates, discovers bundles, resolves
// dependency order, and loads each plugin. Per-plugin load failures are
// logged and do not abort the batch.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.updater != nil {
		if err := m.updater.ApplyPending(ctx); err != nil {
			slog.Warn("applying pending updates failed", "error", err)
		}
	}

	bundles, err := m.discover()
	if err != nil {
		return err
	}

	metaMap := make(map[string]Metadata, len(bundles))
	for _, bundlePath := range bundles {
		meta, err := m.loader.LoadMetadata(bundlePath)
		if err != nil {
			// Bundle-filename fallback: index by directory name so a
			// broken manifest still participates in best-effort loading
			// rather than vanishing from the batch silently.
			name := filepath.Base(bundlePath)
			slog.Warn("unreadable plugin metadata, using directory name", "bundle", bundlePath, "error", err)
			metaMap[name] = Metadata{Name: name, Source: bundlePath}
			continue
		}
		metaMap[meta.Name] = meta
	}

	order, err := Resolve(metaMap)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for name, meta := range metaMap {
		m.metadata[name] = meta
	}
	m.order = order
	m.mu.Unlock()

	for _, name := range order {
		meta := metaMap[name]
		if !m.loadSinglePlugin(ctx, name, meta.Source) {
			slog.Error("failed to load plugin", "plugin", name)
		}
	}
	return nil
}

// LoadSinglePlugin loads one bundle by name and path outside of LoadAll's
// batch (e.g. for the hot-reload orchestrator).
func (m *Manager) LoadSinglePlugin(ctx context.Context, name, bundlePath string) bool {
	return m.loadSinglePlugin(ctx, name, bundlePath)
}

func (m *Manager) loadSinglePlugin(ctx context.Context, name, bundlePath string) (ok bool) {
	start := time.Now()
	defer func() {
		var opErr error
		if !ok {
			opErr = fmt.Errorf("load failed")
		}
		recordOperation(name, OpLoad, time.Since(start), opErr)
		observeRegistryState(m.registry.StatusSnapshot())
	}()

	m.mu.Lock()
	meta, cached := m.metadata[name]
	m.mu.Unlock()

	if !cached {
		var err error
		meta, err = m.loader.LoadMetadata(bundlePath)
		if err != nil {
			errutil.LogError(slog.Default(), "load metadata failed", err)
			return false
		}
		m.mu.Lock()
		m.metadata[name] = meta
		m.mu.Unlock()
	}

	inst, err := m.loader.LoadPlugin(ctx, bundlePath, meta)
	if err != nil {
		errutil.LogError(slog.Default(), "load plugin failed", err)
		return false
	}

	store, err := config.Open(m.cfg.DataDir, name, nil)
	if err != nil {
		errutil.LogError(slog.Default(), "open plugin config failed", err)
		_ = m.loader.Cleanup(name)
		return false
	}

	m.mu.Lock()
	m.configs[name] = store
	m.mu.Unlock()

	pctx := newContext(name, m.bus, m.scheduler, store)
	pctx.CorrelationID = uuid.NewString()
	if aware, ok := inst.(pluginapi.ContextAware); ok {
		aware.SetContext(pctx)
	}

	if err := runGuarded(inst.OnLoad); err != nil {
		errutil.LogError(slog.Default(), "plugin OnLoad failed", err)
		_ = m.loader.Cleanup(name)
		return false
	}

	if provider, ok := inst.(pluginapi.ExtensionProvider); ok {
		candidates := make([]ExtensionCandidate, 0, len(provider.Extensions()))
		for _, c := range provider.Extensions() {
			m.extensions.RegisterExtensionPoint(c.Point)
			candidates = append(candidates, ExtensionCandidate{
				Point: c.Point, Instance: c.Instance, Ordinal: c.Ordinal,
				Description: c.Description, Enabled: c.Enabled,
			})
		}
		m.extensions.RegisterExtensions(name, candidates)
	}

	if err := m.registry.Register(name, inst); err != nil {
		errutil.LogError(slog.Default(), "plugin registration failed", err)
		_ = m.loader.Cleanup(name)
		return false
	}
	return true
}

// Enable transitions name from LOADED/DISABLED to ENABLED. Enabling an
// already-ENABLED plugin is a no-op. On any failure the plugin is forced
// into ERROR and an OperationFailedError is returned.
func (m *Manager) Enable(name string) (err error) {
	start := time.Now()
	defer func() {
		recordOperation(name, OpEnable, time.Since(start), err)
		observeRegistryState(m.registry.StatusSnapshot())
	}()

	inst, ok := m.registry.Get(name)
	if !ok {
		err = &NotFoundError{Name: name}
		return err
	}
	if m.registry.GetState(name) == StateEnabled {
		return nil
	}

	if cause := runGuarded(inst.OnEnable); cause != nil {
		m.registry.ForceState(name, StateError)
		err = &OperationFailedError{Op: OpEnable, Name: name, Cause: cause}
		return err
	}
	if cause := m.registry.SetState(name, StateEnabled); cause != nil {
		m.registry.ForceState(name, StateError)
		err = &OperationFailedError{Op: OpEnable, Name: name, Cause: cause}
		return err
	}
	return nil
}

// Disable transitions name from ENABLED to DISABLED. Disabling an
// already-DISABLED plugin is a no-op.
func (m *Manager) Disable(name string) (err error) {
	start := time.Now()
	defer func() {
		recordOperation(name, OpDisable, time.Since(start), err)
		observeRegistryState(m.registry.StatusSnapshot())
	}()

	inst, ok := m.registry.Get(name)
	if !ok {
		err = &NotFoundError{Name: name}
		return err
	}
	if m.registry.GetState(name) != StateEnabled {
		return nil
	}

	if cause := runGuarded(inst.OnDisable); cause != nil {
		m.registry.ForceState(name, StateError)
		err = &OperationFailedError{Op: OpDisable, Name: name, Cause: cause}
		return err
	}
	m.extensions.UnregisterPlugin(name)
	if cause := m.registry.SetState(name, StateDisabled); cause != nil {
		m.registry.ForceState(name, StateError)
		err = &OperationFailedError{Op: OpDisable, Name: name, Cause: cause}
		return err
	}
	return nil
}

// Unload best-effort disables an enabled plugin, calls OnUnload, tears
// down its namespace and staged copy, and removes it from the registry
// and every cache.
func (m *Manager) Unload(name string) (err error) {
	start := time.Now()
	defer func() {
		recordOperation(name, OpUnload, time.Since(start), err)
		observeRegistryState(m.registry.StatusSnapshot())
	}()

	if m.registry.GetState(name) == StateEnabled {
		if disableErr := m.Disable(name); disableErr != nil {
			errutil.LogError(slog.Default(), "best-effort disable before unload failed", disableErr)
		}
	}

	inst, ok := m.registry.Get(name)
	if !ok {
		err = &NotFoundError{Name: name}
		return err
	}

	if cause := runGuarded(inst.OnUnload); cause != nil {
		errutil.LogError(slog.Default(), "plugin OnUnload failed", cause)
	}
	if cause := m.loader.Cleanup(name); cause != nil {
		errutil.LogError(slog.Default(), "loader cleanup failed", cause)
	}
	m.registry.Unregister(name)

	m.mu.Lock()
	delete(m.metadata, name)
	delete(m.configs, name)
	m.mu.Unlock()
	return nil
}

// Reload captures the prior enabled flag, unloads the plugin, flushes its
// cached metadata, reloads the same bundle path, and re-enables it if it
// was previously enabled.
func (m *Manager) Reload(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { recordOperation(name, OpReload, time.Since(start), err) }()

	m.mu.Lock()
	meta, cached := m.metadata[name]
	m.mu.Unlock()
	if !cached {
		err = &NotFoundError{Name: name}
		return err
	}
	bundlePath := meta.Source
	wasEnabled := m.registry.GetState(name) == StateEnabled

	if cause := m.Unload(name); cause != nil {
		err = &OperationFailedError{Op: OpReload, Name: name, Cause: cause}
		return err
	}

	if !m.loadSinglePlugin(ctx, name, bundlePath) {
		err = &OperationFailedError{Op: OpReload, Name: name, Cause: fmt.Errorf("reload: failed to load %s", bundlePath)}
		return err
	}

	if wasEnabled {
		if cause := m.Enable(name); cause != nil {
			err = &OperationFailedError{Op: OpReload, Name: name, Cause: cause}
			return err
		}
	}
	return nil
}

// Shutdown disables and unloads every plugin in reverse dependency order,
// clears the extension manager, stops the scheduler, tears down loader
// staging, and shuts down the event bus.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	order := append([]string{}, m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if m.registry.GetState(name) == StateEnabled {
			if err := m.Disable(name); err != nil {
				errutil.LogError(slog.Default(), "shutdown: disable failed", err)
			}
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if _, ok := m.registry.Get(name); ok {
			if err := m.Unload(name); err != nil {
				errutil.LogError(slog.Default(), "shutdown: unload failed", err)
			}
		}
	}

	m.extensions.ClearAll()
	m.scheduler.Shutdown(ctx)
	if err := m.loader.CleanupAll(); err != nil {
		errutil.LogError(slog.Default(), "shutdown: loader cleanup failed", err)
	}
	m.bus.Shutdown(ctx)
}

// ListPlugins returns every currently registered plugin name, sorted.
func (m *Manager) ListPlugins() []string {
	all := m.registry.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runGuarded recovers a panicking lifecycle call and turns it into an
// error, matching the host/runtime guarantee that a misbehaving plugin
// never brings down the manager.
func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin call panicked: %v", r)
		}
	}()
	return fn()
}
