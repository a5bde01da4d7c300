// Package radio guarantees the shared radio is returned to its low-power
// state when a scan task completes.
package radio

import (
	"errors"
	"log"
)

// Sleeper puts the radio in its low-power state.
type Sleeper interface {
	Sleep() error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func() error

func (f SleeperFunc) Sleep() error { return f() }

// Multi sleeps every member, in order, and joins the errors.
type Multi []Sleeper

func (m Multi) Sleep() error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Sleep(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Guard is held while the completion context owns the radio. Release puts
// the radio to sleep exactly once.
//
//	g := radio.Acquire(dev)
//	defer g.Release()
type Guard struct {
	dev      Sleeper
	released bool
}

func Acquire(dev Sleeper) *Guard { return &Guard{dev: dev} }

func (g *Guard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	if g.dev == nil {
		return
	}
	if err := g.dev.Sleep(); err != nil {
		log.Printf("radio sleep failed: %v", err)
	}
}

// Released reports whether Release already ran.
func (g *Guard) Released() bool { return g != nil && g.released }
