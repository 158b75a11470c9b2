//go:build amd64

package nativehook

const archSupported = true

// jumpTo assembles the entry rewrite for amd64:
//
//	MOVABS RDX, val   ; 48 BA <val:8>
//	JMP    [RDX]      ; FF 22
//
// RDX is the Go ABI closure context register. val points at the replacement
// func value, whose first word is the code pointer the JMP branches through,
// so the replacement observes a correctly formed closure call.
func jumpTo(val uintptr) []byte {
	return []byte{
		0x48, 0xBA,
		byte(val),
		byte(val >> 8),
		byte(val >> 16),
		byte(val >> 24),
		byte(val >> 32),
		byte(val >> 40),
		byte(val >> 48),
		byte(val >> 56),
		0xFF, 0x22,
	}
}
