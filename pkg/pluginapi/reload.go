package pluginapi

import "context"

// HotReloadAware is implemented by plugins that want a say in whether and
// how they are hot reloaded. The host checks for this optionally; a
// namespace-backed (wasm/lua/binary) instance that has no Go-visible type
// simply never satisfies it and the orchestrator falls back to its default
// validation/shutdown behavior.
type HotReloadAware interface {
	// CanHotReload reports whether the plugin is currently in a state
	// safe to hot reload. Consulted unless the caller forces the reload.
	CanHotReload() bool
	// PrepareForReload runs before the plugin is disabled: flush
	// buffers, stop accepting new work, whatever the plugin needs to
	// quiesce before its code is swapped. Bounded by the orchestrator's
	// shutdown timeout.
	PrepareForReload(ctx context.Context) error
}

// HotReloadCompleter is implemented by plugins that want to know when a
// hot reload of a *different, already-restored* instance of themselves
// completed successfully — called on the new instance after ENABLING.
type HotReloadCompleter interface {
	OnHotReloadComplete()
}

// StatefulPlugin is implemented by plugins carrying runtime state beyond
// their config store, capturable and restorable across a hot reload.
type StatefulPlugin interface {
	// SaveState returns a snapshot of custom runtime data. Keys and
	// values must be JSON-marshalable.
	SaveState() map[string]any
	// LoadState restores previously captured custom data into a freshly
	// loaded instance. Called only when the snapshot's version is
	// compatible with the new instance's version.
	LoadState(data map[string]any) error
}

// TaskOwner is implemented by plugins that track their own scheduled task
// ids, letting a hot reload re-arm them after state restoration.
type TaskOwner interface {
	ActiveTaskIDs() []TaskID
	RestoreScheduledTasks(ids []TaskID)
}
