package pluginapi

import (
	"context"
	"time"
)

// Task is a cancellable unit of scheduled work.
type Task func(ctx context.Context) error

// TaskID is a monotonic identifier for a scheduled or submitted task.
type TaskID int64

// Scheduler is the task-scheduling handle a plugin's Context exposes.
type Scheduler interface {
	Schedule(task Task, delay time.Duration) TaskID
	RunAsync(task Task) TaskID
	Cancel(id TaskID) bool
}

// Config is the typed key/value handle a plugin's Context exposes for its
// own private, persisted configuration.
type Config interface {
	String(key, defaultValue string) string
	Int(key string, defaultValue int) int
	Bool(key string, defaultValue bool) bool
	StringList(key string) []string
	Set(key string, value any) error
	Save() error
}

// ExtensionCandidate is an extension a Go-native plugin offers at a named
// extension point, handed to the host during OnLoad. Extension is this
// package's counterpart to internal/plugin's manifest-declared candidates
// for namespace-backed bundles — same shape, different discovery path.
type ExtensionCandidate struct {
	Point       string
	Instance    any
	Ordinal     int
	Description string
	Enabled     bool
}

// ExtensionProvider is implemented by plugins that offer extensions,
// queried by the host after OnLoad succeeds.
type ExtensionProvider interface {
	Extensions() []ExtensionCandidate
}
