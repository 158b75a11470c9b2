package loopguard_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	loopguard "github.com/joeycumines/go-loopguard"
)

// sleepFn is the guarded slot for the end-to-end scenarios. Tests in this
// file run from an external package, so their frames are visible to caller
// resolution the same way application code is.
var sleepFn = func(d time.Duration) { time.Sleep(d) }

// allowedSleeper is exempted by name in TestExemptionSurvivesReactivation.
func allowedSleeper() {
	sleepFn(time.Millisecond)
}

func newSleepGuard(t *testing.T) *loopguard.Rule {
	t.Helper()

	rule, err := loopguard.NewRule("scenario.sleepFn", &sleepFn)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	g, err := loopguard.New(loopguard.WithoutDefaultRules(), loopguard.WithRules(rule))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	if err := g.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	t.Cleanup(func() {
		if err := g.Deactivate(); err != nil {
			t.Errorf("deactivate: %v", err)
		}
	})
	return rule
}

// mustPanicBlocking runs fn and returns the BlockingError it panics with.
func mustPanicBlocking(t *testing.T, fn func()) (berr *loopguard.BlockingError) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("guarded call did not panic")
		}
		var ok bool
		if berr, ok = r.(*loopguard.BlockingError); !ok {
			t.Fatalf("panicked with %T, want *loopguard.BlockingError", r)
		}
	}()
	fn()
	return nil
}

func TestGuardedSleepOutsideDispatch(t *testing.T) {
	newSleepGuard(t)

	// No dispatch region anywhere on this goroutine: behavior is identical
	// to the unwrapped function, including the observable delay.
	start := time.Now()
	sleepFn(10 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("slept %v, want >= 10ms", elapsed)
	}
}

func TestGuardedSleepInsideDispatch(t *testing.T) {
	newSleepGuard(t)

	d := loopguard.NewDispatcher("scenario")
	start := time.Now()
	d.Dispatch(func() {
		berr := mustPanicBlocking(t, func() { sleepFn(time.Second) })
		if !strings.Contains(berr.Error(), "scenario.sleepFn") {
			t.Errorf("message %q missing qualified name", berr.Error())
		}
		if !strings.Contains(berr.Caller.Function, "TestGuardedSleepInsideDispatch") {
			t.Errorf("Caller.Function = %q, want this test", berr.Caller.Function)
		}
	})

	// The refused sleep never ran: one second did not elapse.
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("dispatch took %v, the original must not have run", elapsed)
	}
}

func TestCrossGoroutineIndependence(t *testing.T) {
	newSleepGuard(t)

	// Hold a dispatch region open on another goroutine for the duration.
	inRegion := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d := loopguard.NewDispatcher("other")
		end := d.Begin()
		defer end()
		close(inRegion)
		<-release
	}()
	<-inRegion

	// This goroutine has no active dispatch, so the guarded call runs.
	start := time.Now()
	sleepFn(time.Millisecond)
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("slept %v, want >= 1ms", elapsed)
	}

	close(release)
	wg.Wait()
}

func TestExemptionSurvivesReactivation(t *testing.T) {
	rule := newSleepGuard(t)
	rule.CanBlockIn("scenario_test.go", "allowedSleeper")

	d := loopguard.NewDispatcher("scenario")
	check := func() {
		d.Dispatch(func() {
			allowedSleeper() // exempted caller, runs the original
			mustPanicBlocking(t, func() { sleepFn(time.Millisecond) })
		})
	}
	check()

	if err := rule.Deactivate(); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// Deactivated: everything passes through, even direct calls in dispatch.
	d.Dispatch(func() { sleepFn(time.Millisecond) })

	if err := rule.Activate(); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	// Reactivation restores guarding with the exemption intact.
	check()
}
