package loopguard

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/joeycumines/go-loopguard/internal/nativehook"
)

// interceptor swaps a target function for a guarded substitute and back.
// Implementations are idempotent in both directions and must restore the
// exact original on uninstall.
type interceptor interface {
	// install builds a substitute routing every call through h and publishes
	// it over the target.
	install(h func(args []reflect.Value) []reflect.Value) error
	// uninstall restores the pristine target.
	uninstall() error
	// callOriginal invokes the pristine target. Valid only between install
	// and uninstall.
	callOriginal(args []reflect.Value) []reflect.Value
	// funcType returns the target's function type.
	funcType() reflect.Type
}

// activeTargets maps the identity of each guarded target (variable address
// or code entry) to the owning rule name, process-wide. Two rules never
// guard one target simultaneously, including rules owned by different
// Guards; the second activation fails instead of silently stacking
// substitutes.
var activeTargets = struct {
	sync.Mutex
	m map[uintptr]string
}{m: make(map[uintptr]string)}

func claimTarget(key uintptr, name string) error {
	activeTargets.Lock()
	defer activeTargets.Unlock()
	if other, ok := activeTargets.m[key]; ok {
		return &ConfigError{Name: name, Cause: fmt.Errorf("%w (held by rule %q)", ErrTargetConflict, other)}
	}
	activeTargets.m[key] = name
	return nil
}

func releaseTarget(key uintptr) {
	activeTargets.Lock()
	defer activeTargets.Unlock()
	delete(activeTargets.m, key)
}

// varInterceptor guards a function variable through a pointer to it. This is
// the always-available interception kind: installation stores a substitute
// built with reflect.MakeFunc through the pointer, and uninstallation stores
// the captured original back, preserving reference identity.
type varInterceptor struct {
	name string
	ptr  reflect.Value
	orig reflect.Value
	mu   sync.Mutex
	on   bool
}

func newVarInterceptor(name string, ptr reflect.Value) *varInterceptor {
	return &varInterceptor{name: name, ptr: ptr}
}

func (x *varInterceptor) install(h func(args []reflect.Value) []reflect.Value) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.on {
		return nil
	}

	cur := x.ptr.Elem()
	if cur.IsNil() {
		return &ConfigError{Name: x.name, Cause: fmt.Errorf("%w: function variable is nil", ErrInvalidTarget)}
	}
	if err := claimTarget(x.key(), x.name); err != nil {
		return err
	}

	// cur aliases the variable's storage; snapshot the pristine func value
	// before the substitute is published over it, or callOriginal would
	// re-enter the substitute and uninstall would restore it to itself.
	x.orig = reflect.ValueOf(cur.Interface())
	x.ptr.Elem().Set(reflect.MakeFunc(cur.Type(), h))
	x.on = true

	return nil
}

func (x *varInterceptor) uninstall() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.on {
		return nil
	}

	x.ptr.Elem().Set(x.orig)
	x.orig = reflect.Value{}
	x.on = false
	releaseTarget(x.key())

	return nil
}

func (x *varInterceptor) callOriginal(args []reflect.Value) []reflect.Value {
	x.mu.Lock()
	orig := x.orig
	x.mu.Unlock()

	if !orig.IsValid() {
		// Uninstalled while a call was in flight. The variable already holds
		// the original again; route through it.
		orig = x.ptr.Elem()
	}
	if orig.Type().IsVariadic() {
		return orig.CallSlice(args)
	}
	return orig.Call(args)
}

func (x *varInterceptor) funcType() reflect.Type {
	return x.ptr.Type().Elem()
}

func (x *varInterceptor) key() uintptr {
	return x.ptr.Pointer()
}

// nativeInterceptor guards a function that is not reachable through a
// variable: a package-level function value or a method of a concrete type.
// Installation rewrites the target's code entry via nativehook, which is a
// platform capability; activating on an unsupported platform fails with
// ErrUnsupportedPlatform.
type nativeInterceptor struct {
	name   string
	target reflect.Value
	patch  *nativehook.Patch
	mu     sync.Mutex
}

func newNativeInterceptor(name string, target reflect.Value) *nativeInterceptor {
	return &nativeInterceptor{name: name, target: target}
}

func (x *nativeInterceptor) install(h func(args []reflect.Value) []reflect.Value) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.patch != nil {
		return nil
	}

	if err := claimTarget(x.key(), x.name); err != nil {
		return err
	}

	patch, err := nativehook.Apply(x.target, reflect.MakeFunc(x.target.Type(), h))
	if err != nil {
		releaseTarget(x.key())
		if errors.Is(err, nativehook.ErrUnsupported) {
			return &ConfigError{Name: x.name, Cause: ErrUnsupportedPlatform}
		}
		return &ConfigError{Name: x.name, Cause: err}
	}
	x.patch = patch

	return nil
}

func (x *nativeInterceptor) uninstall() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.patch == nil {
		return nil
	}

	if err := x.patch.Restore(); err != nil {
		return &ConfigError{Name: x.name, Cause: err}
	}
	x.patch = nil
	releaseTarget(x.key())

	return nil
}

func (x *nativeInterceptor) callOriginal(args []reflect.Value) []reflect.Value {
	x.mu.Lock()
	patch := x.patch
	x.mu.Unlock()

	if patch != nil {
		return patch.CallOriginal(args)
	}
	if x.target.Type().IsVariadic() {
		return x.target.CallSlice(args)
	}
	return x.target.Call(args)
}

func (x *nativeInterceptor) funcType() reflect.Type {
	return x.target.Type()
}

func (x *nativeInterceptor) key() uintptr {
	return x.target.Pointer()
}
