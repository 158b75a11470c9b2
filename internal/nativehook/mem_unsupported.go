//go:build !unix && !windows

package nativehook

const osSupported = false

func writeText(uintptr, []byte) error {
	return ErrUnsupported
}
