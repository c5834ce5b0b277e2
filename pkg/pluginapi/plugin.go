// Package pluginapi is the public contract a Go-native, in-process plugin
// implements and the handles its Context exposes into the host runtime's
// event bus, scheduler, and per-plugin config store. Plugins that run in an
// isolated wasm/lua/binary namespace (internal/plugin/namespace) never
// import this package directly — they speak a serialized call convention
// instead — but the host's own embedded/example plugins and tests do.
package pluginapi

// Plugin is the lifecycle contract every loaded plugin instance satisfies.
type Plugin interface {
	OnLoad() error
	OnEnable() error
	OnDisable() error
	OnUnload() error
}

// ContextAware is implemented by plugins that want their Context injected
// before OnLoad runs. The host checks for this optionally — namespace-
// backed instances have no Go-visible Context to inject.
type ContextAware interface {
	SetContext(ctx *Context)
}

// Context is a plugin instance's handle into the host runtime: its own
// name, the shared event bus, the shared task scheduler, and its private
// config store. Contexts are owned by their plugin instance and dropped
// with it.
type Context struct {
	Name      string
	Bus       Bus
	Scheduler Scheduler
	Config    Config
	// CorrelationID identifies this load for log/trace correlation across
	// the plugin's lifetime.
	CorrelationID string
}
