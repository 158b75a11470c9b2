// Package nativehook rewrites the entry of a compiled Go function so that
// calls land in a replacement func value instead. It exists to guard
// functions whose call sites cannot be redirected any other way, such as
// stdlib functions and methods of concrete types.
//
// The rewrite is a short jump sequence that loads the replacement func value
// into the platform's closure context register and branches through its code
// pointer, so any func value works as a replacement, including those built
// with [reflect.MakeFunc].
//
// Availability is gated twice: by architecture (amd64, arm64) and by the
// ability to make text pages writable (mprotect on unix, VirtualProtect on
// windows). [Supported] reports the static capability; [Apply] additionally
// surfaces runtime failures such as kernels enforcing strict W^X.
//
// Caveats, shared with every library of this kind:
//   - Calls inlined at the call site never reach the patched entry. Targets
//     compiled with //go:noinline, or too large to inline, are reliable.
//   - Functions shorter than the jump sequence (12 bytes on amd64, 24 on
//     arm64) must not be patched.
//   - Rewriting executable code is inherently racy with concurrent execution
//     of the first instructions of the target. This package is intended for
//     test and development environments, not hardened production services.
package nativehook
