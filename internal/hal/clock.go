// Package hal exposes the small set of host services the scan controller
// needs from the platform.
package hal

// Clock returns a monotonic millisecond counter. It wraps like the radio
// planner's 32-bit time base.
type Clock interface {
	NowMs() uint32
}

// MonotonicClock reads the platform monotonic clock.
type MonotonicClock struct{}

func (MonotonicClock) NowMs() uint32 { return monotonicMs() }
