// Package sched provides a single-goroutine cooperative task loop whose
// tasks run under blocking-call detection.
//
// # Execution Model
//
// A [Loop] owns one [loopguard.Dispatcher]. Every task submitted via
// [Loop.Submit] or scheduled via [Loop.ScheduleTimer] runs on the goroutine
// that called [Loop.Run], bracketed by a dispatch region, so any guarded
// blocking function reached from a task panics with a
// [loopguard.BlockingError] instead of stalling the loop. The loop's own
// bookkeeping (queue management, timer expiry, parking) runs outside
// dispatch regions and is never flagged.
//
// Task priority ordering within each tick:
//  1. Expired timer callbacks (earliest deadline first)
//  2. Queued tasks, in submission order
//
// With no pending work the loop parks on a wake channel, bounded by the
// next timer deadline when one is pending.
//
// # Thread Safety
//
// [Loop.Submit], [Loop.ScheduleTimer], [Loop.Wake], [Loop.Shutdown], and
// [Loop.Close] are safe to call from any goroutine. [Loop.Run] must not be
// called from a task; it reports [ErrReentrantRun] if it is.
//
// # Panic Handling
//
// A panic in a task does not kill the loop. The recovered value is logged
// and forwarded to the [WithPanicHandler] callback, which is where guard
// violations surface when a guarded call inside a task is refused.
//
// # Usage
//
//	loop, err := sched.New(
//	    sched.WithName("worker"),
//	    sched.WithPanicHandler(func(recovered any) {
//	        var berr *loopguard.BlockingError
//	        if err, ok := recovered.(error); ok && errors.As(err, &berr) {
//	            log.Printf("blocking call on loop: %v", berr)
//	        }
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Submit(func() {
//	    // Runs inside a dispatch region.
//	})
//
//	go func() {
//	    if err := loop.Run(context.Background()); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
//	defer loop.Shutdown(context.Background())
package sched
