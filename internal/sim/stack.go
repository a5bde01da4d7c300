package sim

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gnssmw/internal/events"
	"gnssmw/internal/sequencer"
)

// gpsEpochOffset is the GPS epoch (1980-01-06) minus the Unix epoch plus the
// current GPS-UTC leap seconds.
const gpsEpochOffset = 315964800 - 18

var ErrUplinkBusy = errors.New("uplink in progress")

// Sender carries an uplink frame off the device.
type Sender interface {
	Send(port uint8, frame []byte) error
}

// Senders sends every frame to each member and joins the errors.
type Senders []Sender

func (ss Senders) Send(port uint8, frame []byte) error {
	var errs []error
	for _, s := range ss {
		if err := s.Send(port, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stack simulates the network stack: GPS time from the network clock, one
// uplink in flight, and a duty-cycle budget spent by airtime.
type Stack struct {
	MaxPayloadSize int
	Airtime        time.Duration
	// DutyCycleBudget is the airtime allowance regained every window.
	DutyCycleBudget time.Duration
	DutyCycleWindow time.Duration
	Sender          Sender
	Now             func() time.Time

	mu         sync.Mutex
	synced     bool
	inFlight   bool
	spent      time.Duration
	windowFrom time.Time
	sent       int
	events     chan events.Set
}

func NewStack(maxPayload int, airtime time.Duration, sender Sender) *Stack {
	return &Stack{
		MaxPayloadSize:  maxPayload,
		Airtime:         airtime,
		DutyCycleBudget: 36 * time.Second,
		DutyCycleWindow: time.Hour,
		Sender:          sender,
		synced:          true,
		events:          make(chan events.Set, 8),
	}
}

func (s *Stack) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SetTimeSynced toggles whether the network has provided GPS time.
func (s *Stack) SetTimeSynced(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = v
}

func (s *Stack) Time() (uint32, error) {
	s.mu.Lock()
	synced := s.synced
	s.mu.Unlock()
	if !synced {
		return 0, sequencer.ErrNoTime
	}
	return uint32(s.now().Unix() - gpsEpochOffset), nil
}

func (s *Stack) MaxPayload() (int, error) {
	if s.MaxPayloadSize <= 0 {
		return 0, fmt.Errorf("max payload not configured")
	}
	return s.MaxPayloadSize, nil
}

func (s *Stack) DutyCycle() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWindow()
	return s.DutyCycleBudget - s.spent, nil
}

// rollWindow resets the budget when the window elapsed. Caller holds mu.
func (s *Stack) rollWindow() {
	now := s.now()
	if s.windowFrom.IsZero() || (s.DutyCycleWindow > 0 && now.Sub(s.windowFrom) >= s.DutyCycleWindow) {
		s.windowFrom = now
		s.spent = 0
	}
}

// RequestUplink sends frame after Airtime and then calls done from another
// goroutine. The frame is sent even when the duty-cycle budget is exhausted;
// DutyCycle only reports it.
func (s *Stack) RequestUplink(port uint8, frame []byte, done func()) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrUplinkBusy
	}
	if s.MaxPayloadSize > 0 && len(frame) > s.MaxPayloadSize {
		s.mu.Unlock()
		return fmt.Errorf("frame of %d bytes exceeds %d", len(frame), s.MaxPayloadSize)
	}
	s.rollWindow()
	s.inFlight = true
	s.spent += s.Airtime
	s.mu.Unlock()

	time.AfterFunc(s.Airtime, func() {
		if s.Sender != nil {
			if err := s.Sender.Send(port, frame); err != nil {
				log.Printf("sim uplink send failed: %v", err)
			}
		}
		s.mu.Lock()
		s.inFlight = false
		s.sent++
		s.mu.Unlock()
		if done != nil {
			done()
		}
	})
	return nil
}

// SignalEvents forwards the pending set to Events. A full channel drops the
// signal; the host reads the pending set anyway.
func (s *Stack) SignalEvents(set events.Set) {
	select {
	case s.events <- set:
	default:
		log.Printf("sim event signal dropped pending=%s", set)
	}
}

func (s *Stack) Events() <-chan events.Set { return s.events }

// Sent returns the number of completed uplinks.
func (s *Stack) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}
