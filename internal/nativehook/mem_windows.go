//go:build windows

package nativehook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const osSupported = true

// writeText copies code over the text segment at addr, temporarily switching
// the containing pages to PAGE_EXECUTE_READWRITE.
func writeText(addr uintptr, code []byte) error {
	start, size := pageRange(addr, len(code))

	var old uint32
	if err := windows.VirtualProtect(start, uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return fmt.Errorf("nativehook: VirtualProtect RWX failed: %w", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code)), code)
	var prev uint32
	if err := windows.VirtualProtect(start, uintptr(size), old, &prev); err != nil {
		return fmt.Errorf("nativehook: VirtualProtect restore failed: %w", err)
	}
	return nil
}
