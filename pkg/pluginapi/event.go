package pluginapi

import (
	"context"
	"time"
)

// Priority is one of five dispatch priority levels; higher values fire
// first within a single event's handler list.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

// Event is the minimal event contract delivered to registered handlers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Cancelled bool
}

// Handler is a plugin-supplied event callback.
type Handler func(ctx context.Context, event Event) error

// Registration is an opaque token returned by Bus.Register and required by
// Bus.Unregister, sidestepping the source language's reflective
// listener-identity equality (see SPEC_FULL.md §12).
type Registration struct {
	ID int64
}

// Bus is the event-dispatch handle a plugin's Context exposes. A plugin
// typically registers its handlers from OnEnable and unregisters them from
// OnDisable.
type Bus interface {
	Register(kind string, priority Priority, ignoreCancelled bool, handler Handler) (Registration, error)
	Unregister(reg Registration)
}
