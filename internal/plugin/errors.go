// Package plugin implements the host runtime for pluggable application
// bundles: lifecycle state machine, registry, dependency resolution,
// isolated-namespace loading, event dispatch, and task scheduling.
package plugin

import (
	"github.com/samber/oops"
)

// Error codes surfaced through oops.Code for structured logging.
const (
	CodeMetadata           = "plugin_metadata"
	CodeLoad               = "plugin_load"
	CodeNotFound           = "plugin_not_found"
	CodeAlreadyRegistered  = "plugin_already_registered"
	CodeInvalidTransition  = "plugin_invalid_transition"
	CodeMissingDependency  = "plugin_missing_dependency"
	CodeCircularDependency = "plugin_circular_dependency"
	CodeOperationFailed    = "plugin_operation_failed"
	CodeState              = "plugin_state_error"
)

// MetadataError reports that a bundle's manifest was missing or unreadable.
type MetadataError struct {
	Bundle string
	Reason string
}

func (e *MetadataError) Error() string {
	return oops.Code(CodeMetadata).
		With("bundle", e.Bundle).
		Errorf("metadata error for %s: %s", e.Bundle, e.Reason).Error()
}

// LoadError reports that namespace construction or entry instantiation failed.
type LoadError struct {
	Bundle string
	Reason string
	Cause  error
}

func (e *LoadError) Error() string {
	b := oops.Code(CodeLoad).With("bundle", e.Bundle)
	if e.Cause != nil {
		return b.Wrapf(e.Cause, "load error for %s: %s", e.Bundle, e.Reason).Error()
	}
	return b.Errorf("load error for %s: %s", e.Bundle, e.Reason).Error()
}

func (e *LoadError) Unwrap() error { return e.Cause }

// NotFoundError reports that a plugin name is not registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return oops.Code(CodeNotFound).With("name", e.Name).
		Errorf("plugin not found: %s", e.Name).Error()
}

// AlreadyRegisteredError reports a duplicate registration attempt.
type AlreadyRegisteredError struct {
	Name string
}

func (e *AlreadyRegisteredError) Error() string {
	return oops.Code(CodeAlreadyRegistered).With("name", e.Name).
		Errorf("plugin already registered: %s", e.Name).Error()
}

// InvalidTransitionError reports an illegal state-machine transition.
type InvalidTransitionError struct {
	Name string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return oops.Code(CodeInvalidTransition).
		With("name", e.Name).With("from", e.From.String()).With("to", e.To.String()).
		Errorf("invalid transition for %s: %s -> %s", e.Name, e.From, e.To).Error()
}

// MissingDependencyError reports an unmet dependency during resolution.
type MissingDependencyError struct {
	Plugin string
	Dep    string
}

func (e *MissingDependencyError) Error() string {
	return oops.Code(CodeMissingDependency).
		With("plugin", e.Plugin).With("dependency", e.Dep).
		Errorf("plugin %s requires missing dependency %s", e.Plugin, e.Dep).Error()
}

// CircularDependencyError reports a cycle found during dependency resolution.
type CircularDependencyError struct {
	CyclePath []string
}

func (e *CircularDependencyError) Error() string {
	return oops.Code(CodeCircularDependency).
		With("cycle_path", e.CyclePath).
		Errorf("circular dependency detected: %v", e.CyclePath).Error()
}

// Operation names used by OperationFailedError.
const (
	OpLoad    = "LOAD"
	OpEnable  = "ENABLE"
	OpDisable = "DISABLE"
	OpReload  = "RELOAD"
	OpUnload  = "UNLOAD"
)

// OperationFailedError wraps the underlying cause of a failed lifecycle
// operation.
type OperationFailedError struct {
	Op    string
	Name  string
	Cause error
}

func (e *OperationFailedError) Error() string {
	return oops.Code(CodeOperationFailed).
		With("op", e.Op).With("name", e.Name).
		Wrapf(e.Cause, "%s failed for %s", e.Op, e.Name).Error()
}

func (e *OperationFailedError) Unwrap() error { return e.Cause }

// StateTransitionError reports a hot-reload snapshot capture/restore failure.
type StateTransitionError struct {
	Reason string
	Cause  error
}

func (e *StateTransitionError) Error() string {
	b := oops.Code(CodeState)
	if e.Cause != nil {
		return b.Wrapf(e.Cause, "state error: %s", e.Reason).Error()
	}
	return b.Errorf("state error: %s", e.Reason).Error()
}

func (e *StateTransitionError) Unwrap() error { return e.Cause }

// UpdateError describes a single failed candidate within an update batch.
// It is surfaced inside a batch result rather than returned, so the batch
// can continue past it.
type UpdateError struct {
	Name   string
	Stage  string
	Reason string
}

func (e *UpdateError) Error() string {
	return oops.Code("plugin_update_error").
		With("name", e.Name).With("stage", e.Stage).
		Errorf("update failed for %s at %s: %s", e.Name, e.Stage, e.Reason).Error()
}
