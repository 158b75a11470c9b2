//go:build !amd64 && !arm64

package nativehook

const archSupported = false

func jumpTo(uintptr) []byte {
	// Unreachable: Apply rejects unsupported platforms before assembling.
	return nil
}
