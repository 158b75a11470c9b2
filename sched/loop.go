package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	loopguard "github.com/joeycumines/go-loopguard"
	"github.com/joeycumines/go-loopguard/internal/goid"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("sched: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a
	// terminated loop.
	ErrLoopTerminated = errors.New("sched: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop.
	ErrReentrantRun = errors.New("sched: cannot call Run from within the loop")
)

// taskBudget bounds how many queued tasks run per tick, so timers keep
// firing under sustained submission.
const taskBudget = 1024

var loopIDCounter atomic.Uint64

// Loop is a single-goroutine cooperative task loop. Tasks submitted from any
// goroutine run in order on the goroutine that called [Loop.Run], each
// inside a dispatch region of the loop's [loopguard.Dispatcher], so guarded
// functions refuse to block while a task is executing. Bookkeeping between
// tasks runs outside dispatch regions and is never flagged.
//
// The loop parks on a channel when it has no work, waking on submission,
// [Loop.Wake], shutdown, or the next timer deadline.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	dispatcher *loopguard.Dispatcher
	logger     *logiface.Logger[logiface.Event]
	onPanic    func(recovered any)
	name       string

	// State machine (cache-line padded internally)
	state *loopState

	// Pending work, guarded by mu
	mu     sync.Mutex
	queue  taskQueue
	timers timerHeap

	// Park/wake channel; one buffered token dedups wake-ups
	wake chan struct{}

	// Goroutine tracking for reentrancy checks
	loopGoroutineID atomic.Uint64

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	stopOnce sync.Once
	loopDone chan struct{}
}

// timerEntry is a scheduled task.
type timerEntry struct {
	when time.Time
	task func()
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// New creates a loop in the Idle state.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	name := cfg.name
	if name == "" {
		name = fmt.Sprintf("sched-%d", loopIDCounter.Add(1))
	}

	return &Loop{
		dispatcher: loopguard.NewDispatcher(name),
		logger:     cfg.logger,
		onPanic:    cfg.onPanic,
		name:       name,
		state:      newLoopState(),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}, nil
}

// Name returns the loop's name.
func (l *Loop) Name() string {
	return l.name
}

// Dispatcher returns the dispatcher whose regions bracket every task this
// loop executes.
func (l *Loop) Dispatcher() *loopguard.Dispatcher {
	return l.dispatcher
}

// State returns the current loop state.
func (l *Loop) State() State {
	return l.state.load()
}

// Pending returns the number of queued tasks, excluding timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// Run runs the loop on the calling goroutine and blocks until it terminates,
// via [Loop.Shutdown], [Loop.Close], or ctx cancellation. It returns ctx's
// error when cancellation stopped the loop, nil otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopGoroutine() {
		return ErrReentrantRun
	}

	if !l.state.tryTransition(StateIdle, StateRunning) {
		if l.state.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.loopGoroutineID.Store(goid.ID())
	defer l.loopGoroutineID.Store(0)

	l.logger.Debug().Str("loop", l.name).Log("loop started")

	// Watcher wakes the loop when ctx is cancelled.
	watcherDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.requestStop()
		case <-watcherDone:
		}
	}()
	defer close(watcherDone)

	for {
		if s := l.state.load(); s == StateTerminating || s == StateTerminated {
			break
		}
		l.tick()
	}

	l.drain()

	l.logger.Debug().Str("loop", l.name).Log("loop stopped")
	return ctx.Err()
}

// tick is a single iteration of the loop.
func (l *Loop) tick() {
	l.runDueTimers()
	l.runTasks()
	l.park()
}

// runDueTimers executes all expired timers.
func (l *Loop) runDueTimers() {
	for {
		now := time.Now()
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		entry := heap.Pop(&l.timers).(timerEntry)
		l.mu.Unlock()

		l.runTask(entry.task)
	}
}

// runTasks drains up to taskBudget queued tasks.
func (l *Loop) runTasks() {
	for i := 0; i < taskBudget; i++ {
		l.mu.Lock()
		task, ok := l.queue.pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		l.runTask(task)
	}
}

// runTask executes one task inside a dispatch region, with panic recovery.
// The recovery runs after the region has ended, so the panic handler and
// logger are never themselves inside a dispatch.
func (l *Loop) runTask(task func()) {
	if task == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.handleTaskPanic(r)
		}
	}()
	l.dispatcher.Dispatch(task)
}

func (l *Loop) handleTaskPanic(v any) {
	b := l.logger.Err().Str("loop", l.name)
	if err, ok := v.(error); ok {
		b = b.Err(err)
	} else {
		b = b.Any("value", v)
	}
	b.Log("task panicked")

	if l.onPanic != nil {
		l.onPanic(v)
	}
}

// park blocks until new work may be available: a submission, a wake, the
// next timer deadline, or shutdown.
func (l *Loop) park() {
	if !l.state.tryTransition(StateRunning, StateParked) {
		return
	}
	defer l.state.tryTransition(StateParked, StateRunning)

	// Anything queued between the last drain and the transition above would
	// not have woken us; re-check before sleeping.
	delay, bounded := l.parkDelay()
	switch {
	case bounded && delay <= 0:
		return
	case bounded:
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-l.wake:
		case <-t.C:
		}
	default:
		<-l.wake
	}
}

// parkDelay returns how long the loop may sleep: zero when work is already
// queued, the time until the next timer when one is pending, or
// bounded=false when the loop may sleep until woken.
func (l *Loop) parkDelay() (delay time.Duration, bounded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.len() > 0 {
		return 0, true
	}
	if len(l.timers) == 0 {
		return 0, false
	}
	return time.Until(l.timers[0].when), true
}

// Wake nudges a parked loop to re-check its queue and timers. Safe to call
// from any goroutine at any lifecycle stage; wake-ups coalesce.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit queues a task to run on the loop goroutine. Tasks are accepted
// until the loop is fully terminated; tasks submitted while the loop is
// terminating still run during the drain. A nil task is ignored.
func (l *Loop) Submit(task func()) error {
	if task == nil {
		return nil
	}

	// Increment inflight first so the drain cannot observe an empty queue
	// while this submission is still in progress.
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.queue.push(task)
	l.mu.Unlock()

	if l.state.load() == StateParked {
		l.Wake()
	}
	return nil
}

// ScheduleTimer schedules fn to run on the loop goroutine once delay has
// elapsed. Timers that have not come due when the loop terminates are
// discarded. A nil fn is ignored.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) error {
	if fn == nil {
		return nil
	}
	if l.state.load() == StateTerminated {
		return ErrLoopTerminated
	}

	when := time.Now().Add(delay)
	l.mu.Lock()
	heap.Push(&l.timers, timerEntry{when: when, task: fn})
	l.mu.Unlock()

	// The new deadline may be nearer than what the loop parked on.
	if l.state.load() == StateParked {
		l.Wake()
	}
	return nil
}

// Shutdown gracefully stops the loop: it requests termination, lets queued
// tasks drain, and blocks until the loop goroutine exits or ctx expires.
// Calling Shutdown on a loop that never ran terminates it immediately.
// Subsequent calls report ErrLoopTerminated while termination is still in
// progress and nil once it has completed.
func (l *Loop) Shutdown(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		err = l.shutdownImpl(ctx)
	})
	if err == nil && l.state.load() != StateTerminated {
		return ErrLoopTerminated
	}
	return err
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		cur := l.state.load()
		if cur == StateTerminated || cur == StateTerminating {
			return ErrLoopTerminated
		}
		if l.state.tryTransition(cur, StateTerminating) {
			if cur == StateIdle {
				// Never ran; nothing to drain.
				l.state.store(StateTerminated)
				return nil
			}
			if cur == StateParked {
				l.Wake()
			}
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close requests immediate termination without waiting for the loop to
// finish. Queued tasks are still drained by the loop goroutine before it
// exits. Returns ErrLoopTerminated if the loop had already terminated.
func (l *Loop) Close() error {
	for {
		cur := l.state.load()
		if cur == StateTerminated {
			return ErrLoopTerminated
		}
		if cur == StateTerminating {
			return nil
		}
		if l.state.tryTransition(cur, StateTerminating) {
			if cur == StateIdle {
				l.state.store(StateTerminated)
			} else if cur == StateParked {
				l.Wake()
			}
			return nil
		}
	}
}

// requestStop moves an active loop to Terminating and wakes it.
func (l *Loop) requestStop() {
	for {
		cur := l.state.load()
		if cur == StateTerminating || cur == StateTerminated {
			return
		}
		if l.state.tryTransition(cur, StateTerminating) {
			l.Wake()
			return
		}
	}
}

// drain runs on the loop goroutine after termination is requested. It marks
// the loop terminated so new submissions are rejected, then keeps consuming
// the queue until no submission is in flight and several consecutive checks
// find it empty, so tasks racing Submit's state check are not lost. Pending
// timers are discarded.
func (l *Loop) drain() {
	l.state.store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for l.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false
		for {
			l.mu.Lock()
			task, ok := l.queue.pop()
			l.mu.Unlock()
			if !ok {
				break
			}
			l.runTask(task)
			drained = true
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}
}

// isLoopGoroutine checks if we're on the loop goroutine.
func (l *Loop) isLoopGoroutine() bool {
	id := l.loopGoroutineID.Load()
	return id != 0 && goid.ID() == id
}
