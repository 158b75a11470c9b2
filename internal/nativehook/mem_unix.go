//go:build unix

package nativehook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const osSupported = true

// writeText copies code over the text segment at addr, temporarily making
// the containing pages writable. Kernels enforcing strict W^X refuse the
// first mprotect; that error propagates to the caller.
func writeText(addr uintptr, code []byte) error {
	start, size := pageRange(addr, len(code))
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), size)

	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("nativehook: mprotect RWX failed: %w", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("nativehook: mprotect RX failed: %w", err)
	}
	return nil
}
