// Package goid extracts the numeric ID of the calling goroutine.
package goid

import "runtime"

// ID returns the current goroutine's ID.
//
// It parses the first line of [runtime.Stack] output, whose format
// ("goroutine N [running]:") has been stable across Go releases. The cost is
// one small stack dump, so hot paths should key cached state by the result
// rather than calling ID repeatedly.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
