//go:build !linux || (!arm && !arm64)

package radio

import "fmt"

// Stub implementation for non-Linux and/or non-ARM platforms.
func openLine(pin int) (outputLine, error) {
	return nil, fmt.Errorf("radio: gpio unsupported on this platform")
}

var openLineFn = openLine
