// Package uplink sends the results of a full scan group one frame at a
// time. Each transmission completion drives the next Step.
package uplink

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// DefaultPort is the application port GNSS results are sent on.
const DefaultPort uint8 = 194

var ErrPayloadTooLarge = errors.New("payload exceeds max uplink size")

// Stack is the network stack used for uplinks.
type Stack interface {
	// MaxPayload returns the largest payload accepted by the next uplink.
	MaxPayload() (int, error)
	// DutyCycle returns the remaining duty-cycle budget. A negative value is
	// the wait before the next uplink is allowed.
	DutyCycle() (time.Duration, error)
	// RequestUplink queues frame for transmission on port. The stack keeps a
	// reference to frame until done is called.
	RequestUplink(port uint8, frame []byte, done func()) error
}

// Source is what Step drains. scangroup.Group satisfies it.
type Source interface {
	Next() ([]byte, bool)
}

type Outcome int

const (
	// Sent means a frame is in flight and done will be invoked.
	Sent Outcome = iota
	// NothingToSend means the source is exhausted or bypass is on.
	NothingToSend
	// Failed means the frame could not be queued. It is not retried.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case NothingToSend:
		return "nothing_to_send"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Drain struct {
	Stack  Stack
	Port   uint8
	Bypass bool

	// LastErr holds the reason of the last Failed outcome.
	LastErr error
}

// Step queues the oldest unsent frame of src.
func (d *Drain) Step(src Source, done func()) Outcome {
	d.LastErr = nil
	if d.Bypass {
		return NothingToSend
	}
	frame, ok := src.Next()
	if !ok {
		return NothingToSend
	}
	if err := d.send(frame, done); err != nil {
		d.LastErr = err
		log.Printf("uplink request failed port=%d size=%d: %v", d.Port, len(frame), err)
		return Failed
	}
	return Sent
}

func (d *Drain) send(frame []byte, done func()) error {
	if d.Stack == nil {
		return fmt.Errorf("uplink stack is nil")
	}

	// Diagnostics only; the application is expected to size its traffic.
	if dc, err := d.Stack.DutyCycle(); err == nil && dc < 0 {
		log.Printf("uplink duty cycle exhausted, next uplink in %s", -dc)
	}

	limit, err := d.Stack.MaxPayload()
	if err != nil {
		return fmt.Errorf("max payload: %w", err)
	}
	if len(frame) > limit {
		return fmt.Errorf("%w (%d > %d bytes)", ErrPayloadTooLarge, len(frame), limit)
	}

	if err := d.Stack.RequestUplink(d.Port, frame, done); err != nil {
		return fmt.Errorf("request uplink: %w", err)
	}
	return nil
}
