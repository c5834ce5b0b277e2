package plugin

import (
	"log/slog"
	"sync"
)

// Instance is the minimal contract every loaded plugin must satisfy.
type Instance interface {
	OnLoad() error
	OnEnable() error
	OnDisable() error
	OnUnload() error
}

// Status summarizes the registry's current population.
type Status struct {
	Total  int
	Counts map[State]int
}

// Registry is the authoritative, concurrency-safe map of plugin name to
// (instance, state). Invariant: a name is present in the instance map iff
// it is present in the state map.
type Registry struct {
	mu        sync.Mutex
	instances map[string]Instance
	states    map[string]State
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]Instance),
		states:    make(map[string]State),
	}
}

// Register inserts a new plugin instance in state LOADED.
func (r *Registry) Register(name string, instance Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return &AlreadyRegisteredError{Name: name}
	}
	r.instances[name] = instance
	r.states[name] = StateLoaded
	return nil
}

// Unregister removes both the instance and state for name. It returns
// whether the name existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; !exists {
		return false
	}
	delete(r.instances, name)
	delete(r.states, name)
	return true
}

// Get returns the instance for name, if registered.
func (r *Registry) Get(name string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	return inst, ok
}

// GetAll returns a snapshot copy of every registered instance.
func (r *Registry) GetAll() map[string]Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Instance, len(r.instances))
	for k, v := range r.instances {
		out[k] = v
	}
	return out
}

// GetState returns the state for name, defaulting to StateError for
// unknown names. Callers must separately check existence with Get when
// distinguishing "unknown" from "in error."
func (r *Registry) GetState(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[name]
	if !ok {
		return StateError
	}
	return s
}

// SetState performs a validated transition. It fails with NotFoundError if
// name is unknown, or InvalidTransitionError unless the transition is legal
// or the current state is StateError (recovery).
func (r *Registry) SetState(name string, newState State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.states[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	if !canTransition(cur, newState) {
		return &InvalidTransitionError{Name: name, From: cur, To: newState}
	}
	r.states[name] = newState
	return nil
}

// ForceState sets the state unconditionally, bypassing transition
// validation. Use only during recovery.
func (r *Registry) ForceState(name string, newState State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[name]; !ok {
		return
	}
	slog.Warn("forcing plugin state transition, bypassing validation", "plugin", name, "from", r.states[name], "to", newState)
	r.states[name] = newState
}

// StatusSnapshot returns the total registered count plus a count per state.
func (r *Registry) StatusSnapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[State]int{
		StateLoaded:   0,
		StateEnabled:  0,
		StateDisabled: 0,
		StateError:    0,
	}
	for _, s := range r.states {
		counts[s]++
	}
	return Status{Total: len(r.states), Counts: counts}
}
