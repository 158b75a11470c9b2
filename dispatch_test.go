package loopguard

import (
	"strings"
	"sync"
	"testing"
)

func TestDispatcherBeginEnd(t *testing.T) {
	if InDispatch() {
		t.Fatal("goroutine starts inside a dispatch region")
	}
	if _, ok := CurrentDispatcher(); ok {
		t.Fatal("CurrentDispatcher reported a dispatcher before Begin")
	}

	d := NewDispatcher("test")
	if got := d.Name(); got != "test" {
		t.Errorf("Name() = %q, want %q", got, "test")
	}

	end := d.Begin()
	if !InDispatch() {
		t.Error("InDispatch() = false inside a region")
	}
	if cur, ok := CurrentDispatcher(); !ok || cur != d {
		t.Errorf("CurrentDispatcher() = %v, %v, want %p, true", cur, ok, d)
	}

	end()
	if InDispatch() {
		t.Error("InDispatch() = true after the region ended")
	}
	if _, ok := CurrentDispatcher(); ok {
		t.Error("CurrentDispatcher reported a dispatcher after end")
	}
}

func TestDispatcherNesting(t *testing.T) {
	d := NewDispatcher("nest")

	end1 := d.Begin()
	end2 := d.Begin()
	if !InDispatch() {
		t.Fatal("not in dispatch with two nested regions")
	}
	end2()
	if !InDispatch() {
		t.Error("inner end closed the outer region")
	}
	end1()
	if InDispatch() {
		t.Error("still in dispatch after the outermost end")
	}
}

func TestDispatcherOverlapPanics(t *testing.T) {
	a := NewDispatcher("loop-a")
	b := NewDispatcher("loop-b")

	end := a.Begin()
	defer end()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Begin by a second dispatcher did not panic")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "loop-a") {
			t.Errorf("panic %v does not name the owning dispatcher", r)
		}
	}()
	b.Begin()
}

func TestDispatcherEndTwicePanics(t *testing.T) {
	d := NewDispatcher("twice")
	end := d.Begin()
	end()

	defer func() {
		if recover() == nil {
			t.Fatal("second end() did not panic")
		}
	}()
	end()
}

func TestDispatcherEndWrongGoroutinePanics(t *testing.T) {
	d := NewDispatcher("wrong")
	end := d.Begin()
	defer func() {
		// Close the region properly after checking the misuse.
		end()
	}()

	got := make(chan any, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { got <- recover() }()
		end()
	}()
	wg.Wait()

	if r := <-got; r == nil {
		t.Fatal("end() on another goroutine did not panic")
	}
}

func TestDispatchRunsTaskInRegion(t *testing.T) {
	d := NewDispatcher("dispatch")

	var sawDispatch bool
	d.Dispatch(func() { sawDispatch = InDispatch() })
	if !sawDispatch {
		t.Error("task did not observe the dispatch region")
	}
	if InDispatch() {
		t.Error("region leaked after Dispatch returned")
	}
}

func TestDispatchPanicPropagatesAfterRegionCloses(t *testing.T) {
	d := NewDispatcher("panic")

	defer func() {
		if r := recover(); r != "bang" {
			t.Fatalf("recovered %v, want %q", r, "bang")
		}
		if InDispatch() {
			t.Error("region leaked through the panic")
		}
	}()
	d.Dispatch(func() { panic("bang") })
}

func TestDispatchCrossGoroutine(t *testing.T) {
	d := NewDispatcher("main")
	end := d.Begin()
	defer end()

	other := make(chan bool, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other <- InDispatch()
	}()
	wg.Wait()

	if <-other {
		t.Error("dispatch region leaked to another goroutine")
	}
	if !InDispatch() {
		t.Error("own region lost after the other goroutine ran")
	}
}

func TestWithQuiet(t *testing.T) {
	d := NewDispatcher("quiet")
	end := d.Begin()
	defer end()

	if in, quiet := dispatchState(); !in || quiet {
		t.Fatalf("dispatchState() = %v, %v before withQuiet, want true, false", in, quiet)
	}

	withQuiet(func() {
		if in, quiet := dispatchState(); !in || !quiet {
			t.Errorf("dispatchState() = %v, %v inside withQuiet, want true, true", in, quiet)
		}
		// Nesting keeps the goroutine quiet until the outermost exit.
		withQuiet(func() {
			if _, quiet := dispatchState(); !quiet {
				t.Error("nested withQuiet not quiet")
			}
		})
		if _, quiet := dispatchState(); !quiet {
			t.Error("quiet dropped after the nested withQuiet returned")
		}
	})

	if in, quiet := dispatchState(); !in || quiet {
		t.Errorf("dispatchState() = %v, %v after withQuiet, want true, false", in, quiet)
	}
}

func TestWithQuietOutsideDispatch(t *testing.T) {
	ran := false
	withQuiet(func() {
		ran = true
		if in, quiet := dispatchState(); in || quiet {
			t.Errorf("dispatchState() = %v, %v with no region, want false, false", in, quiet)
		}
	})
	if !ran {
		t.Error("withQuiet skipped fn")
	}
}

func TestDispatchConcurrent(t *testing.T) {
	const goroutines = 64
	const rounds = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		d := NewDispatcher("worker")
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				end := d.Begin()
				if !InDispatch() {
					t.Error("not in dispatch inside own region")
					end()
					return
				}
				end()
				if InDispatch() {
					t.Error("in dispatch after own region ended")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func BenchmarkInDispatch(b *testing.B) {
	d := NewDispatcher("bench")
	end := d.Begin()
	defer end()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !InDispatch() {
			b.Fatal("not in dispatch")
		}
	}
}

func BenchmarkDispatchRegion(b *testing.B) {
	d := NewDispatcher("bench")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		end := d.Begin()
		end()
	}
}
