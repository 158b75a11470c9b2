package loopguard

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// Rule guards one function, identified by a qualified name such as
// "time.Sleep" or "(*os.File).Read". While active, calls to the target are
// routed through the rule's policy:
//
//  1. Rule inactive: the original runs untouched.
//  2. Calling goroutine not inside an active dispatch: the original runs.
//  3. The resolved caller matches an allowed-caller entry ([Rule.CanBlockIn]):
//     the original runs.
//  4. An argument predicate ([Rule.AllowWhen]) accepts the call: the original
//     runs.
//  5. Otherwise the rule panics with [*BlockingError] and the original is
//     never executed.
//
// Construct rules with [NewRule] or [NewMethodRule], register them on a
// [Guard], or drive Activate/Deactivate directly.
type Rule struct {
	name string
	ic   interceptor

	env    atomic.Pointer[ruleEnv]
	cfg    atomic.Pointer[ruleConfig]
	active atomic.Bool

	// mu serializes activation state changes and configuration writers.
	mu sync.Mutex
}

type ruleConfig struct {
	matchers  []callerMatcher
	predicate func(args []reflect.Value) bool
}

// NewRule creates a rule guarding target under qualifiedName.
//
// target selects the interception mechanism:
//   - A non-nil pointer to a function variable (for example &pkg.OpenFn)
//     is guarded by swapping the variable, which works on every platform.
//   - A function value (for example time.Sleep) is guarded by rewriting the
//     function's code entry, which requires native patching support;
//     activation fails with [ErrUnsupportedPlatform] elsewhere.
//
// The rule starts inactive.
func NewRule(qualifiedName string, target any) (*Rule, error) {
	if qualifiedName == "" {
		return nil, &ConfigError{Cause: fmt.Errorf("%w: empty qualified name", ErrInvalidTarget)}
	}

	v := reflect.ValueOf(target)
	switch {
	case v.Kind() == reflect.Pointer && v.Type().Elem().Kind() == reflect.Func:
		if v.IsNil() {
			return nil, &ConfigError{Name: qualifiedName, Cause: fmt.Errorf("%w: nil pointer", ErrInvalidTarget)}
		}
		return newRule(qualifiedName, newVarInterceptor(qualifiedName, v)), nil
	case v.Kind() == reflect.Func:
		if v.IsNil() {
			return nil, &ConfigError{Name: qualifiedName, Cause: fmt.Errorf("%w: nil function", ErrInvalidTarget)}
		}
		return newRule(qualifiedName, newNativeInterceptor(qualifiedName, v)), nil
	default:
		return nil, &ConfigError{Name: qualifiedName, Cause: ErrInvalidTarget}
	}
}

// NewMethodRule creates a rule guarding the named method of receiver's type,
// for example NewMethodRule("(*os.File).Read", (*os.File)(nil), "Read").
// Methods are guarded by native patching, with the same platform requirement
// as function-value targets of [NewRule].
func NewMethodRule(qualifiedName string, receiver any, methodName string) (*Rule, error) {
	if qualifiedName == "" {
		return nil, &ConfigError{Cause: fmt.Errorf("%w: empty qualified name", ErrInvalidTarget)}
	}

	t := reflect.TypeOf(receiver)
	if t == nil {
		return nil, &ConfigError{Name: qualifiedName, Cause: fmt.Errorf("%w: nil receiver", ErrInvalidTarget)}
	}
	m, ok := t.MethodByName(methodName)
	if !ok {
		return nil, &ConfigError{Name: qualifiedName, Cause: fmt.Errorf("%w: type %s has no method %q", ErrInvalidTarget, t, methodName)}
	}

	return newRule(qualifiedName, newNativeInterceptor(qualifiedName, m.Func)), nil
}

func newRule(name string, ic interceptor) *Rule {
	r := &Rule{name: name, ic: ic}
	r.cfg.Store(&ruleConfig{})
	return r
}

// Name returns the rule's qualified name.
func (r *Rule) Name() string {
	return r.name
}

// Active reports whether the rule is currently guarding its target.
func (r *Rule) Active() bool {
	return r.active.Load()
}

// CanBlockIn allows the guarded function to block when the resolved caller
// matches: fileSuffix matches the caller's file path on a path segment
// boundary (empty: any file), and functions match the caller's symbol by
// fully qualified name or base name (none: any function). Matching is
// case-sensitive.
//
// Entries accumulate, take effect immediately, and survive deactivation.
// CanBlockIn returns r for chaining.
func (r *Rule) CanBlockIn(fileSuffix string, functions ...string) *Rule {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cfg.Load()
	next := &ruleConfig{
		matchers:  make([]callerMatcher, 0, len(old.matchers)+1),
		predicate: old.predicate,
	}
	next.matchers = append(next.matchers, old.matchers...)
	next.matchers = append(next.matchers, newCallerMatcher(fileSuffix, functions))
	r.cfg.Store(next)

	return r
}

// AllowWhen installs a predicate over the call's arguments (in reflect form,
// receiver first for methods, variadic arguments bundled in the trailing
// slice). When it returns true the call is allowed to proceed. A nil
// predicate clears it. AllowWhen returns r for chaining.
func (r *Rule) AllowWhen(predicate func(args []reflect.Value) bool) *Rule {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cfg.Load()
	r.cfg.Store(&ruleConfig{matchers: old.matchers, predicate: predicate})

	return r
}

// Activate installs the guarded substitute. It is idempotent. Along with
// target conflicts, activation surfaces [ErrUnsupportedPlatform] for native
// targets on platforms without patching support.
func (r *Rule) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() {
		return nil
	}
	if err := r.ic.install(r.onInvoke); err != nil {
		return err
	}
	r.active.Store(true)

	if env := r.env.Load(); env != nil {
		env.logger.Debug().Str("rule", r.name).Log("rule activated")
	}
	return nil
}

// Deactivate restores the original target. It is idempotent and preserves
// allowed-caller configuration for later reactivation.
func (r *Rule) Deactivate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active.Load() {
		return nil
	}
	r.active.Store(false)
	if err := r.ic.uninstall(); err != nil {
		return err
	}

	if env := r.env.Load(); env != nil {
		env.logger.Debug().Str("rule", r.name).Log("rule deactivated")
	}
	return nil
}

// bind attaches the rule to a guard's environment. It fails once bound.
func (r *Rule) bind(env *ruleEnv) bool {
	return r.env.CompareAndSwap(nil, env)
}

// onInvoke is the guarded substitute's body.
func (r *Rule) onInvoke(args []reflect.Value) []reflect.Value {
	in, quiet := dispatchState()
	if !r.active.Load() || !in || quiet {
		return r.ic.callOriginal(args)
	}

	// The decision phase runs quiet so guarded functions reached by matcher
	// evaluation, predicates, or the violation logger pass through instead
	// of recursing into detection.
	var (
		caller   CallerIdentity
		callerOK bool
		allowed  bool
	)
	withQuiet(func() {
		cfg := r.cfg.Load()
		caller, callerOK = callerIdentity()
		if callerOK {
			for _, m := range cfg.matchers {
				if m.matches(caller) {
					allowed = true
					return
				}
			}
		}
		if cfg.predicate != nil && cfg.predicate(args) {
			allowed = true
			return
		}
		r.logViolation(caller)
	})

	if allowed {
		return r.ic.callOriginal(args)
	}
	panic(&BlockingError{Func: r.name, Caller: caller})
}
