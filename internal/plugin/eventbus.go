package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/kitakeyos/pluginhost/pkg/errutil"
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

// ApplicationEvent is the minimal event contract the bus dispatches.
type ApplicationEvent struct {
	Kind      string
	Timestamp time.Time
	Cancelled bool
}

// Handler is a plugin-supplied event callback.
type Handler func(ctx context.Context, event ApplicationEvent) error

// Registration is an opaque token returned by Register and required by
// Unregister. The teacher's Java ancestor relies on field-wise listener
// equality to find handlers to remove; Go has no equivalent reflective
// identity for closures, so Unregister takes this token directly rather
// than attempting to recover listener identity.
type Registration struct {
	id int64
}

type handlerRecord struct {
	reg             Registration
	handler         Handler
	priority        Priority
	ignoreCancelled bool
	kind            string
	pattern         glob.Glob
	seq             int64
}

// EventBus dispatches events to explicitly registered handlers, ordered by
// priority descending (ties broken by registration order). A handler's kind
// may be an exact event kind or a '.'-segmented glob pattern.
type EventBus struct {
	mu              sync.RWMutex
	handlers        map[string][]*handlerRecord
	nextID          int64
	nextSeq         int64
	workers         int
	jobs            chan func()
	wg              sync.WaitGroup
	shutOnce        sync.Once
	deliveryTimeout time.Duration
}

// EventBusOption configures an EventBus at construction time.
type EventBusOption func(*EventBus)

// WithDeliveryTimeout overrides the per-handler async delivery timeout
// (default 5s, matching the teacher's Subscriber.deliverAsync).
func WithDeliveryTimeout(d time.Duration) EventBusOption {
	return func(b *EventBus) { b.deliveryTimeout = d }
}

// NewEventBus constructs an EventBus with a fixed worker pool (default 4
// workers, matching the teacher's Subscriber/EventBus sizing).
func NewEventBus(workers int, opts ...EventBusOption) *EventBus {
	if workers <= 0 {
		workers = 4
	}
	b := &EventBus{
		handlers:        make(map[string][]*handlerRecord),
		workers:         workers,
		jobs:            make(chan func(), 256),
		deliveryTimeout: handlerDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *EventBus) worker() {
	defer b.wg.Done()
	for job := range b.jobs {
		job()
	}
}

// Register files handler under kind (exact or glob) at the given priority.
// It returns a token to pass to Unregister.
func (b *EventBus) Register(kind string, priority Priority, ignoreCancelled bool, handler Handler) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.nextSeq++
	rec := &handlerRecord{
		reg:             Registration{id: b.nextID},
		handler:         handler,
		priority:        priority,
		ignoreCancelled: ignoreCancelled,
		kind:            kind,
		seq:             b.nextSeq,
	}

	if isGlobPattern(kind) {
		g, err := glob.Compile(kind, '.')
		if err != nil {
			return Registration{}, err
		}
		rec.pattern = g
	}

	b.handlers[kind] = append(b.handlers[kind], rec)
	b.sortBucket(kind)
	return rec.reg, nil
}

func isGlobPattern(kind string) bool {
	for _, r := range kind {
		if r == '*' || r == '?' || r == '[' {
			return true
		}
	}
	return false
}

func (b *EventBus) sortBucket(kind string) {
	bucket := b.handlers[kind]
	sort.SliceStable(bucket, func(i, j int) bool {
		if bucket[i].priority != bucket[j].priority {
			return bucket[i].priority > bucket[j].priority
		}
		return bucket[i].seq < bucket[j].seq
	})
}

// Unregister removes the handler identified by reg from every kind bucket.
func (b *EventBus) Unregister(reg Registration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, bucket := range b.handlers {
		filtered := bucket[:0]
		for _, rec := range bucket {
			if rec.reg != reg {
				filtered = append(filtered, rec)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, kind)
		} else {
			b.handlers[kind] = filtered
		}
	}
}

// matching returns every handler record (across exact and glob buckets)
// whose kind matches event.Kind, in priority-descending, registration-order
// ranked sequence.
func (b *EventBus) matching(eventKind string) []*handlerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*handlerRecord
	for kind, bucket := range b.handlers {
		if kind == eventKind {
			out = append(out, bucket...)
			continue
		}
		for _, rec := range bucket {
			if rec.pattern != nil && rec.pattern.Match(eventKind) {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// handlerDeliveryTimeout bounds a single async handler invocation, matching
// the teacher's Subscriber.deliverAsync default.
const handlerDeliveryTimeout = 5 * time.Second

// Fire dispatches event to every matching handler concurrently, submitting
// each to the worker pool in priority order. Dispatch across handlers is
// concurrent and not causally ordered; only submission order is. Each
// delivery runs under its own timeout so one slow or wedged handler cannot
// hold a worker indefinitely.
func (b *EventBus) Fire(ctx context.Context, event ApplicationEvent) {
	for _, rec := range b.matching(event.Kind) {
		if event.Cancelled && rec.ignoreCancelled {
			continue
		}
		rec := rec
		b.jobs <- func() {
			deliverCtx, cancel := context.WithTimeout(ctx, b.deliveryTimeout)
			defer cancel()
			if err := rec.handler(deliverCtx, event); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					slog.Warn("event handler delivery timed out", "event_kind", event.Kind, "timeout", b.deliveryTimeout)
					return
				}
				errutil.LogError(slog.Default(), "event handler failed", err)
			}
		}
	}
}

// FireSync dispatches event to every matching handler inline, in priority
// order, on the caller's goroutine. Errors are logged per handler and do
// not stop subsequent handlers.
func (b *EventBus) FireSync(ctx context.Context, event ApplicationEvent) {
	for _, rec := range b.matching(event.Kind) {
		if event.Cancelled && rec.ignoreCancelled {
			continue
		}
		if err := rec.handler(ctx, event); err != nil {
			errutil.LogError(slog.Default(), "event handler failed", err)
		}
	}
}

// Shutdown drains and stops the worker pool. Safe to call more than once.
func (b *EventBus) Shutdown(ctx context.Context) {
	b.shutOnce.Do(func() {
		close(b.jobs)
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
