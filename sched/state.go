package sched

import "sync/atomic"

// State is the lifecycle state of a [Loop].
//
// Transitions:
//
//	StateIdle → StateRunning            [Run]
//	StateRunning → StateParked          [loop, via CAS]
//	StateParked → StateRunning          [loop wake, via CAS]
//	StateRunning → StateTerminating     [Shutdown / Close / ctx cancel]
//	StateParked → StateTerminating      [Shutdown / Close / ctx cancel]
//	StateIdle → StateTerminated         [Shutdown / Close before Run]
//	StateTerminating → StateTerminated  [drain complete]
//
// Terminated is terminal; a stopped loop is never restarted.
type State uint64

const (
	// StateIdle indicates the loop has been created but not started.
	StateIdle State = iota
	// StateRunning indicates the loop is processing tasks.
	StateRunning
	// StateParked indicates the loop is waiting for work or a timer.
	StateParked
	// StateTerminating indicates shutdown has been requested but the loop is
	// still draining.
	StateTerminating
	// StateTerminated indicates the loop has fully stopped.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateParked:
		return "Parked"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state machine with cache-line padding to avoid
// false sharing with neighboring fields.
//
// Temporary states (Running, Parked) transition via CAS only; Store is
// reserved for the irreversible move to Terminated.
type loopState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint64(StateIdle))
	return s
}

func (s *loopState) load() State {
	return State(s.v.Load())
}

func (s *loopState) store(state State) {
	s.v.Store(uint64(state))
}

func (s *loopState) tryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
