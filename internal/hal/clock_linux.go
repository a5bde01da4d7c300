//go:build linux

package hal

import (
	"time"

	"golang.org/x/sys/unix"
)

var startMono = time.Now()

func monotonicMs() uint32 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint32(time.Since(startMono).Milliseconds())
	}
	return uint32(ts.Nano() / int64(time.Millisecond))
}
