//go:build !linux

package hal

import "time"

var startMono = time.Now()

func monotonicMs() uint32 {
	return uint32(time.Since(startMono).Milliseconds())
}
