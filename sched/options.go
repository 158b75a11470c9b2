package sched

import (
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	name    string
	logger  *logiface.Logger[logiface.Event]
	onPanic func(recovered any)
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithName sets the loop's name, which becomes the name of its dispatcher
// and appears in logs and violation diagnostics. Defaults to "sched-N" with
// a process-unique N.
func WithName(name string) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger attaches a structured logger. Task panics are logged at error
// level and lifecycle transitions at debug level. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPanicHandler sets the callback invoked with the recovered value
// whenever a task panics. This is where guard violations surface: a guarded
// call made inside a task delivers its *loopguard.BlockingError here. The
// handler runs on the loop goroutine, outside any dispatch region, and must
// not panic. Without a handler, panics are logged (if a logger is set) and
// the loop keeps running.
func WithPanicHandler(fn func(recovered any)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onPanic = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
