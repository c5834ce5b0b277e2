package plugin

import (
	"context"
	"time"

	"github.com/kitakeyos/pluginhost/internal/plugin/config"
	"github.com/kitakeyos/pluginhost/pkg/pluginapi"
)

// busAdapter satisfies pluginapi.Bus over the host's concrete EventBus,
// translating pluginapi's priority/registration vocabulary one-to-one.
type busAdapter struct{ bus *EventBus }

func (a busAdapter) Register(kind string, priority pluginapi.Priority, ignoreCancelled bool, handler pluginapi.Handler) (pluginapi.Registration, error) {
	reg, err := a.bus.Register(kind, Priority(priority), ignoreCancelled, func(ctx context.Context, event ApplicationEvent) error {
		return handler(ctx, pluginapi.Event{Kind: event.Kind, Timestamp: event.Timestamp, Cancelled: event.Cancelled})
	})
	if err != nil {
		return pluginapi.Registration{}, err
	}
	return pluginapi.Registration{ID: reg.id}, nil
}

func (a busAdapter) Unregister(reg pluginapi.Registration) {
	a.bus.Unregister(Registration{id: reg.ID})
}

// schedulerAdapter satisfies pluginapi.Scheduler over the host's concrete
// Scheduler.
type schedulerAdapter struct{ sched *Scheduler }

func (a schedulerAdapter) Schedule(task pluginapi.Task, delay time.Duration) pluginapi.TaskID {
	return pluginapi.TaskID(a.sched.Schedule(func(ctx context.Context) error { return task(ctx) }, delay))
}

func (a schedulerAdapter) RunAsync(task pluginapi.Task) pluginapi.TaskID {
	return pluginapi.TaskID(a.sched.RunAsync(func(ctx context.Context) error { return task(ctx) }).ID)
}

func (a schedulerAdapter) Cancel(id pluginapi.TaskID) bool {
	return a.sched.Cancel(TaskID(id))
}

// configAdapter satisfies pluginapi.Config over the host's concrete
// config.Store.
type configAdapter struct{ store *config.Store }

func (a configAdapter) String(key, def string) string   { return a.store.String(key, def) }
func (a configAdapter) Int(key string, def int) int     { return a.store.Int(key, def) }
func (a configAdapter) Bool(key string, def bool) bool  { return a.store.Bool(key, def) }
func (a configAdapter) StringList(key string) []string  { return a.store.StringList(key) }
func (a configAdapter) Set(key string, value any) error { return a.store.Set(key, value) }
func (a configAdapter) Save() error                     { return a.store.Save() }

// newContext builds the per-plugin Context handed to Go-native plugins
// implementing pluginapi.ContextAware.
func newContext(name string, bus *EventBus, sched *Scheduler, store *config.Store) *pluginapi.Context {
	return &pluginapi.Context{
		Name:      name,
		Bus:       busAdapter{bus: bus},
		Scheduler: schedulerAdapter{sched: sched},
		Config:    configAdapter{store: store},
	}
}
