package loopguard

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNewRuleValidation(t *testing.T) {
	var fn func()
	var nilPtr *func()

	cases := []struct {
		name   string
		qname  string
		target any
	}{
		{"empty name", "", func() {}},
		{"nil target", "x.Y", nil},
		{"non-func target", "x.Y", 42},
		{"nil func value", "x.Y", fn},
		{"nil func pointer", "x.Y", nilPtr},
		{"pointer to non-func", "x.Y", new(int)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewRule(tc.qname, tc.target)
			if r != nil || err == nil {
				t.Fatalf("NewRule = %v, %v, want nil, error", r, err)
			}
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("error = %v, want ErrInvalidTarget", err)
			}
		})
	}
}

func TestNewRuleTargets(t *testing.T) {
	target := func() {}

	viaVar, err := NewRule("pkg.Var", &target)
	if err != nil {
		t.Fatalf("var target: %v", err)
	}
	if _, ok := viaVar.ic.(*varInterceptor); !ok {
		t.Errorf("var target produced %T, want *varInterceptor", viaVar.ic)
	}

	viaValue, err := NewRule("pkg.Value", target)
	if err != nil {
		t.Fatalf("value target: %v", err)
	}
	if _, ok := viaValue.ic.(*nativeInterceptor); !ok {
		t.Errorf("value target produced %T, want *nativeInterceptor", viaValue.ic)
	}

	if got := viaVar.Name(); got != "pkg.Var" {
		t.Errorf("Name() = %q, want %q", got, "pkg.Var")
	}
	if viaVar.Active() {
		t.Error("new rule is active")
	}
}

func TestNewMethodRuleValidation(t *testing.T) {
	if _, err := NewMethodRule("", (*bytes.Buffer)(nil), "Write"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("empty name: %v, want ErrInvalidTarget", err)
	}
	if _, err := NewMethodRule("x.Y", nil, "Write"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("nil receiver: %v, want ErrInvalidTarget", err)
	}
	if _, err := NewMethodRule("x.Y", (*bytes.Buffer)(nil), "NoSuchMethod"); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("unknown method: %v, want ErrInvalidTarget", err)
	}

	r, err := NewMethodRule("(*bytes.Buffer).Write", (*bytes.Buffer)(nil), "Write")
	if err != nil {
		t.Fatalf("valid method rule: %v", err)
	}
	if _, ok := r.ic.(*nativeInterceptor); !ok {
		t.Errorf("method target produced %T, want *nativeInterceptor", r.ic)
	}
}

func TestRuleConfigChaining(t *testing.T) {
	target := func() {}
	r, err := NewRule("pkg.Fn", &target)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}

	if got := r.CanBlockIn("a.go", "Run").CanBlockIn("", "init"); got != r {
		t.Error("CanBlockIn did not return the receiver")
	}
	cfg := r.cfg.Load()
	if len(cfg.matchers) != 2 {
		t.Fatalf("matchers = %d, want 2", len(cfg.matchers))
	}
	if cfg.predicate != nil {
		t.Error("predicate set without AllowWhen")
	}

	if got := r.AllowWhen(func([]reflect.Value) bool { return true }); got != r {
		t.Error("AllowWhen did not return the receiver")
	}
	cfg = r.cfg.Load()
	if cfg.predicate == nil {
		t.Error("AllowWhen did not set the predicate")
	}
	if len(cfg.matchers) != 2 {
		t.Errorf("AllowWhen disturbed matchers: %d, want 2", len(cfg.matchers))
	}

	r.AllowWhen(nil)
	if r.cfg.Load().predicate != nil {
		t.Error("AllowWhen(nil) did not clear the predicate")
	}
}

func TestRuleActivateDeactivate(t *testing.T) {
	ran := 0
	target := func() { ran++ }
	r, err := NewRule("pkg.Fn", &target)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}

	if err := r.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !r.Active() {
		t.Error("rule not active after Activate")
	}
	if err := r.Activate(); err != nil {
		t.Fatalf("second activate: %v", err)
	}

	// Outside a dispatch region the original must run.
	target()
	if ran != 1 {
		t.Errorf("original ran %d times, want 1", ran)
	}

	if err := r.Deactivate(); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if r.Active() {
		t.Error("rule active after Deactivate")
	}
	if err := r.Deactivate(); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}

	target()
	if ran != 2 {
		t.Errorf("original ran %d times after deactivation, want 2", ran)
	}
}

func TestRuleViolationInDispatch(t *testing.T) {
	target := func() {}
	r, err := NewRule("pkg.Blocking", &target)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if err := r.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer func() {
		if err := r.Deactivate(); err != nil {
			t.Errorf("deactivate: %v", err)
		}
	}()

	d := NewDispatcher("test-loop")
	end := d.Begin()
	defer end()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("guarded call inside dispatch did not panic")
		}
		berr, ok := r.(*BlockingError)
		if !ok {
			t.Fatalf("panicked with %T, want *BlockingError", r)
		}
		if berr.Func != "pkg.Blocking" {
			t.Errorf("Func = %q, want %q", berr.Func, "pkg.Blocking")
		}
		// In-package frames are machinery frames, so resolution walks past
		// this test to its runner.
		if strings.HasPrefix(berr.Caller.Function, ownPkgPrefix) {
			t.Errorf("Caller = %+v resolved to a machinery frame", berr.Caller)
		}
		if berr.Caller.Function != "testing.tRunner" {
			t.Errorf("Caller.Function = %q, want testing.tRunner", berr.Caller.Function)
		}
	}()
	target()
}

func TestRuleQuietSuppression(t *testing.T) {
	target := func() {}
	r, err := NewRule("pkg.Quiet", &target)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}
	if err := r.Activate(); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer func() {
		if err := r.Deactivate(); err != nil {
			t.Errorf("deactivate: %v", err)
		}
	}()

	d := NewDispatcher("test-loop")
	end := d.Begin()
	defer end()

	// Under the quiet flag the guarded call must pass through, not panic.
	withQuiet(func() {
		target()
	})
}

func TestRuleInactiveInDispatch(t *testing.T) {
	ran := 0
	target := func() { ran++ }
	r, err := NewRule("pkg.Inactive", &target)
	if err != nil {
		t.Fatalf("new rule: %v", err)
	}

	d := NewDispatcher("test-loop")
	end := d.Begin()
	defer end()

	// Never activated: the variable was never swapped.
	target()
	if ran != 1 {
		t.Errorf("original ran %d times, want 1", ran)
	}
	_ = r
}
