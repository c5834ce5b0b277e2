package plugin

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kitakeyos/pluginhost/pkg/errutil"
)

// TaskID is a monotonic identifier for a scheduled or submitted task.
type TaskID int64

// Task is a cancellable unit of work. Cancellation is cooperative: the
// function should check ctx.Done() at yield points rather than expect to be
// interrupted.
type Task func(ctx context.Context) error

type trackedTask struct {
	id        TaskID
	repeating bool
	createdAt time.Time
	cancel    context.CancelFunc
	done      bool
}

// SchedulerStats mirrors the teacher's/original's diagnostic surface.
type SchedulerStats struct {
	ActiveTasks     int
	ScheduledPool   int
	AsyncPool       int
	ScheduledActive int
	AsyncActive     int
	CompletedTasks  int64
}

// Scheduler runs one-shot, fixed-rate, fixed-delay, and immediate-async
// tasks over two bounded goroutine pools (scheduled and async), mirroring
// the original's ScheduledExecutorService split translated to Go idiom.
// Each pool is a buffered-channel semaphore: a task body only runs once it
// has acquired a slot, so at most scheduledPool/asyncPool task bodies run
// concurrently regardless of how many timers or submissions are pending.
type Scheduler struct {
	mu             sync.Mutex
	tasks          map[TaskID]*trackedTask
	nextID         int64
	scheduledPool  int
	asyncPool      int
	scheduledSem   chan struct{}
	asyncSem       chan struct{}
	completed      int64
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// NewScheduler constructs a Scheduler with the given pool sizes. Sizes <= 0
// fall back to the defaults (4 scheduled, 8 async).
func NewScheduler(scheduledPool, asyncPool int) *Scheduler {
	if scheduledPool <= 0 {
		scheduledPool = 4
	}
	if asyncPool <= 0 {
		asyncPool = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:          make(map[TaskID]*trackedTask),
		scheduledPool:  scheduledPool,
		asyncPool:      asyncPool,
		scheduledSem:   make(chan struct{}, scheduledPool),
		asyncSem:       make(chan struct{}, asyncPool),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// acquire blocks for a pool slot until one is free or ctx is done (task
// cancelled or scheduler shutting down while queued).
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func release(sem chan struct{}) {
	<-sem
}

func (s *Scheduler) nextTaskID() TaskID {
	return TaskID(atomic.AddInt64(&s.nextID, 1))
}

func (s *Scheduler) track(id TaskID, repeating bool, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = &trackedTask{id: id, repeating: repeating, createdAt: time.Now(), cancel: cancel}
}

func (s *Scheduler) markDone(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.done = true
		delete(s.tasks, id)
	}
	s.completed++
}

func (s *Scheduler) runGuarded(ctx context.Context, id TaskID, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled task panicked", "task_id", id, "recover", r)
		}
	}()
	if err := task(ctx); err != nil {
		errutil.LogError(slog.Default(), "scheduled task failed", err)
	}
}

// Schedule runs task once after delay and returns its id.
func (s *Scheduler) Schedule(task Task, delay time.Duration) TaskID {
	id := s.nextTaskID()
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	s.track(id, false, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.markDone(id)
			return
		case <-timer.C:
		}
		if acquire(ctx, s.scheduledSem) {
			s.runGuarded(ctx, id, task)
			release(s.scheduledSem)
		}
		s.markDone(id)
	}()
	return id
}

// ScheduleRepeating runs task at a fixed rate: ticks are issued on a fixed
// period regardless of how long the previous run took, and missed ticks
// coalesce (time.Ticker semantics) rather than queue up.
func (s *Scheduler) ScheduleRepeating(task Task, initialDelay, period time.Duration) TaskID {
	id := s.nextTaskID()
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	s.track(id, true, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.markDone(id)
			return
		case <-timer.C:
		}
		if acquire(ctx, s.scheduledSem) {
			s.runGuarded(ctx, id, task)
			release(s.scheduledSem)
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.markDone(id)
				return
			case <-ticker.C:
				if acquire(ctx, s.scheduledSem) {
					s.runGuarded(ctx, id, task)
					release(s.scheduledSem)
				}
			}
		}
	}()
	return id
}

// ScheduleWithFixedDelay runs task with `delay` elapsing between the end of
// one run and the start of the next, rather than a fixed period.
func (s *Scheduler) ScheduleWithFixedDelay(task Task, initialDelay, delay time.Duration) TaskID {
	id := s.nextTaskID()
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	s.track(id, true, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		wait := initialDelay
		for {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.markDone(id)
				return
			case <-timer.C:
			}
			if acquire(ctx, s.scheduledSem) {
				s.runGuarded(ctx, id, task)
				release(s.scheduledSem)
			}
			wait = delay
		}
	}()
	return id
}

// AsyncHandle yields the result of a RunAsync submission.
type AsyncHandle struct {
	ID     TaskID
	Result <-chan error
}

// RunAsync submits task for immediate execution on the async pool and
// returns a handle with a single-value result channel.
func (s *Scheduler) RunAsync(task Task) AsyncHandle {
	id := s.nextTaskID()
	ctx, cancel := context.WithCancel(s.shutdownCtx)
	s.track(id, false, cancel)

	result := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(result)

		var err error
		if acquire(ctx, s.asyncSem) {
			func() {
				defer release(s.asyncSem)
				defer func() {
					if r := recover(); r != nil {
						slog.Error("async task panicked", "task_id", id, "recover", r)
					}
				}()
				err = task(ctx)
			}()
		} else {
			err = ctx.Err()
		}
		if err != nil {
			errutil.LogError(slog.Default(), "async task failed", err)
		}
		result <- err
		s.markDone(id)
	}()
	return AsyncHandle{ID: id, Result: result}
}

// Cancel cancels id if it has not yet completed. Idempotent: cancelling an
// already-completed or already-cancelled task returns false.
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.done {
		s.mu.Unlock()
		return false
	}
	t.done = true
	s.mu.Unlock()
	t.cancel()
	return true
}

// CancelAll cancels every currently tracked task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := make([]*trackedTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
}

// Stats returns the current active task count and pool sizes.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		ActiveTasks:     len(s.tasks),
		ScheduledPool:   s.scheduledPool,
		AsyncPool:       s.asyncPool,
		ScheduledActive: len(s.scheduledSem),
		AsyncActive:     len(s.asyncSem),
		CompletedTasks:  s.completed,
	}
}

// Shutdown cancels every task, gives goroutines 5 seconds to drain, then
// forces termination by returning regardless.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.CancelAll()
	s.shutdownCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case <-done:
	case <-grace.Done():
		slog.Warn("scheduler shutdown grace period exceeded, forcing")
	}
}
