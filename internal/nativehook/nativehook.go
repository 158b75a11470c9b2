package nativehook

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"unsafe"
)

// Standard errors.
var (
	// ErrUnsupported is returned by Apply on platforms without the code
	// patching capability (unsupported architecture or operating system).
	ErrUnsupported = errors.New("nativehook: code patching is not supported on this platform")

	// ErrAlreadyPatched is returned by Apply when the target function is
	// already under an active Patch.
	ErrAlreadyPatched = errors.New("nativehook: function is already patched")
)

// Supported reports whether this platform has the code patching capability.
// It is a static answer; Apply can still fail at runtime when text pages
// cannot be made writable.
func Supported() bool {
	return archSupported && osSupported
}

// patches tracks active rewrites by code entry so a function is never
// patched twice, which would capture the first jump as "original bytes".
var patches = struct {
	sync.Mutex
	m map[uintptr]*Patch
}{m: make(map[uintptr]*Patch)}

// Patch is an active entry rewrite of a single function.
//
// The Patch retains the replacement func value: the jump sequence embeds a
// pointer to it, so it must stay reachable for as long as the patch is
// applied.
type Patch struct {
	target reflect.Value
	repl   reflect.Value
	saved  []byte
	jump   []byte
	entry  uintptr
	mu     sync.Mutex
	active bool
}

// Apply rewrites the entry of target so that every call to it lands in repl.
// Both must be func values of identical type. The original instruction bytes
// are saved and restored by [Patch.Restore].
func Apply(target, repl reflect.Value) (*Patch, error) {
	if !Supported() {
		return nil, ErrUnsupported
	}
	if target.Kind() != reflect.Func || repl.Kind() != reflect.Func {
		return nil, errors.New("nativehook: target and replacement must be func values")
	}
	if target.Type() != repl.Type() {
		return nil, fmt.Errorf("nativehook: replacement type %s does not match target type %s", repl.Type(), target.Type())
	}

	entry := target.Pointer()
	if entry == 0 {
		return nil, errors.New("nativehook: target has no code pointer")
	}

	p := &Patch{
		target: target,
		repl:   repl,
		entry:  entry,
		jump:   jumpTo(uintptr(funcValuePtr(repl))),
	}

	patches.Lock()
	if _, ok := patches.m[entry]; ok {
		patches.Unlock()
		return nil, ErrAlreadyPatched
	}
	patches.m[entry] = p
	patches.Unlock()

	p.saved = readText(entry, len(p.jump))
	if err := writeText(entry, p.jump); err != nil {
		patches.Lock()
		delete(patches.m, entry)
		patches.Unlock()
		return nil, err
	}
	p.active = true

	return p, nil
}

// CallOriginal invokes the unpatched target with args, briefly restoring the
// original instruction bytes around the call. Callers are serialized against
// each other; direct callers of the target racing with the restore window may
// reach the original unobserved.
//
// Variadic targets must receive args in [reflect.Value.CallSlice] form, with
// the trailing arguments bundled into a single slice value.
func (p *Patch) CallOriginal(args []reflect.Value) []reflect.Value {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return callFunc(p.target, args)
	}

	if err := writeText(p.entry, p.saved); err != nil {
		// writeText succeeded at Apply time, so failure here means the text
		// mapping changed underneath us. There is no safe way to continue.
		panic(fmt.Errorf("nativehook: failed to restore original code: %w", err))
	}
	defer func() {
		if err := writeText(p.entry, p.jump); err != nil {
			panic(fmt.Errorf("nativehook: failed to re-apply patch: %w", err))
		}
	}()

	return callFunc(p.target, args)
}

// Restore removes the rewrite, putting the original instruction bytes back.
// It is idempotent. The target must not be re-patched while any call started
// before Restore is still executing the replacement.
func (p *Patch) Restore() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}

	if err := writeText(p.entry, p.saved); err != nil {
		return err
	}
	p.active = false

	patches.Lock()
	delete(patches.m, p.entry)
	patches.Unlock()

	return nil
}

// Active reports whether the rewrite is currently applied.
func (p *Patch) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func callFunc(fn reflect.Value, args []reflect.Value) []reflect.Value {
	if fn.Type().IsVariadic() {
		return fn.CallSlice(args)
	}
	return fn.Call(args)
}

// funcValuePtr returns the data word of a func-kinded reflect.Value: a
// pointer to the func value object, whose first word is the code entry.
// The (typ, ptr, flag) layout of reflect.Value has been stable across Go
// releases; this package is pinned to the runtime ABI regardless.
func funcValuePtr(v reflect.Value) unsafe.Pointer {
	type value struct {
		typ unsafe.Pointer
		ptr unsafe.Pointer
	}
	return (*value)(unsafe.Pointer(&v)).ptr
}

// readText copies n bytes of code starting at addr.
func readText(addr uintptr, n int) []byte {
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return out
}

// pageRange returns the page-aligned region covering [addr, addr+size).
func pageRange(addr uintptr, size int) (uintptr, int) {
	pageSize := uintptr(os.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	return start, int(end - start)
}
