package loopguard

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-loopguard/internal/goid"
)

// dispatchShardCount is the number of shards in the goroutine dispatch
// registry. Must be a power of two.
const dispatchShardCount = 64

type dispatchShard struct {
	mu sync.Mutex
	m  map[uint64]*dispatchEntry
	_  [40]byte // pad to a cache line to limit false sharing between shards //nolint:unused
}

type dispatchEntry struct {
	d     *Dispatcher
	depth int
	quiet int
}

// dispatchShards maps goroutine ID to its active dispatch, sharded to keep
// the per-call lookup cheap under concurrency.
var dispatchShards = func() *[dispatchShardCount]dispatchShard {
	var shards [dispatchShardCount]dispatchShard
	for i := range shards {
		shards[i].m = make(map[uint64]*dispatchEntry)
	}
	return &shards
}()

func shardFor(id uint64) *dispatchShard {
	return &dispatchShards[id&(dispatchShardCount-1)]
}

// Dispatcher marks the goroutines on which one cooperative scheduler is
// actively dispatching application tasks. Schedulers bracket each task with
// [Dispatcher.Begin] (or use [Dispatcher.Dispatch]); guarded functions then
// refuse to block on those goroutines for the duration.
//
// A goroutine belongs to at most one Dispatcher at a time. Nested Begin
// calls by the same Dispatcher are counted and the goroutine stays marked
// until the outermost region ends. Scheduler bookkeeping performed outside
// Begin/end regions is never flagged.
type Dispatcher struct {
	name string
}

// NewDispatcher creates a Dispatcher. The name appears in violation logs and
// overlap panics; it does not need to be unique.
func NewDispatcher(name string) *Dispatcher {
	return &Dispatcher{name: name}
}

// Name returns the name the Dispatcher was created with.
func (d *Dispatcher) Name() string {
	return d.name
}

// Begin marks the calling goroutine as inside an active dispatch and returns
// the function that ends the region. The returned function must be called on
// the same goroutine, exactly once; both misuses panic, as does beginning a
// dispatch on a goroutine another Dispatcher currently owns.
func (d *Dispatcher) Begin() (end func()) {
	id := goid.ID()
	s := shardFor(id)

	s.mu.Lock()
	e := s.m[id]
	if e == nil {
		e = &dispatchEntry{d: d}
		s.m[id] = e
	} else if e.d != d {
		other := e.d.name
		s.mu.Unlock()
		panic(fmt.Sprintf("loopguard: goroutine %d is already dispatching for %q", id, other))
	}
	e.depth++
	s.mu.Unlock()

	var ended bool
	return func() {
		if goid.ID() != id {
			panic("loopguard: dispatch must end on the goroutine that began it")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if ended {
			panic("loopguard: dispatch already ended")
		}
		ended = true
		e.depth--
		if e.depth == 0 {
			delete(s.m, id)
		}
	}
}

// Dispatch runs task inside a Begin/end region. Panics from task propagate
// after the region is closed.
func (d *Dispatcher) Dispatch(task func()) {
	end := d.Begin()
	defer end()
	task()
}

// InDispatch reports whether the calling goroutine is inside an active
// dispatch region. Other goroutines are never affected by it.
func InDispatch() bool {
	in, _ := dispatchState()
	return in
}

// CurrentDispatcher returns the Dispatcher owning the calling goroutine's
// active dispatch region, if any.
func CurrentDispatcher() (*Dispatcher, bool) {
	id := goid.ID()
	s := shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok {
		return e.d, true
	}
	return nil, false
}

// dispatchState reports whether the calling goroutine is inside a dispatch
// region, and whether rule evaluation is suppressed on it.
func dispatchState() (in, quiet bool) {
	id := goid.ID()
	s := shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok {
		return false, false
	}
	return true, e.quiet > 0
}

// withQuiet runs fn with rule evaluation suppressed on the calling
// goroutine. The engine uses it around its own decision and logging paths so
// that guarded functions they touch (for example writes by the logger) do
// not recurse into detection.
func withQuiet(fn func()) {
	id := goid.ID()
	s := shardFor(id)

	s.mu.Lock()
	e := s.m[id]
	if e != nil {
		e.quiet++
	}
	s.mu.Unlock()

	if e != nil {
		defer func() {
			s.mu.Lock()
			e.quiet--
			s.mu.Unlock()
		}()
	}
	fn()
}
