//go:build arm64

package nativehook

import "encoding/binary"

const archSupported = true

// jumpTo assembles the entry rewrite for arm64:
//
//	MOVZ X26, #val[15:0]
//	MOVK X26, #val[31:16], LSL #16
//	MOVK X26, #val[47:32], LSL #32
//	MOVK X26, #val[63:48], LSL #48
//	LDR  X10, [X26]
//	BR   X10
//
// X26 is the Go ABI closure context register. val points at the replacement
// func value; the LDR pulls its code pointer, so the BR lands in the
// replacement with a correctly formed closure call.
func jumpTo(val uintptr) []byte {
	code := make([]byte, 0, 24)
	code = appendInstr(code, movz(26, uint16(val), 0))
	code = appendInstr(code, movk(26, uint16(val>>16), 1))
	code = appendInstr(code, movk(26, uint16(val>>32), 2))
	code = appendInstr(code, movk(26, uint16(val>>48), 3))
	code = appendInstr(code, 0xF940034A) // LDR X10, [X26]
	code = appendInstr(code, 0xD61F0140) // BR X10
	return code
}

// movz encodes MOVZ Xd, #v, LSL #(hw*16).
func movz(rd uint32, v uint16, hw uint32) uint32 {
	return 0xD2800000 | hw<<21 | uint32(v)<<5 | rd
}

// movk encodes MOVK Xd, #v, LSL #(hw*16).
func movk(rd uint32, v uint16, hw uint32) uint32 {
	return 0xF2800000 | hw<<21 | uint32(v)<<5 | rd
}

func appendInstr(code []byte, instr uint32) []byte {
	return binary.LittleEndian.AppendUint32(code, instr)
}
