// Package aiding keeps assistance position updates until the next scan
// launch writes them to the receiver.
package aiding

import (
	"errors"
	"fmt"
)

// SolverPayloadSize is the exact size of a solver update: one tag byte
// followed by a 3-byte packed position.
const SolverPayloadSize = 4

var ErrInvalidSize = errors.New("invalid solver aiding payload size")

type Position struct {
	Latitude  float32 `json:"latitude"`
	Longitude float32 `json:"longitude"`
}

// Assister is the part of the receiver driver that accepts assistance data.
type Assister interface {
	SetAssistancePosition(Position) error
	PushSolverMessage([]byte) error
}

// Store holds at most one pending user update and one pending solver
// update. It is not safe for concurrent use.
type Store struct {
	available bool

	userPending bool
	user        Position

	solverPending bool
	solver        [SolverPayloadSize]byte
}

// SetUser queues a user-supplied position, replacing any pending one.
func (s *Store) SetUser(p Position) {
	s.user = p
	s.userPending = true
	s.available = true
}

// SetSolver queues a solver-supplied update. The payload is copied.
func (s *Store) SetSolver(b []byte) error {
	if len(b) != SolverPayloadSize {
		return fmt.Errorf("%w: got %d want %d", ErrInvalidSize, len(b), SolverPayloadSize)
	}
	copy(s.solver[:], b)
	s.solverPending = true
	s.available = true
	return nil
}

// Available reports whether any assistance position was ever supplied.
func (s *Store) Available() bool { return s.available }

func (s *Store) Pending() (user, solver bool) { return s.userPending, s.solverPending }

// Applied describes what Apply wrote to the receiver.
type Applied struct {
	User      bool
	Solver    bool
	UserErr   error
	SolverErr error
}

// Apply writes pending updates, user first. A slot stays pending when the
// receiver refuses it.
func (s *Store) Apply(dst Assister) Applied {
	var out Applied
	if dst == nil {
		return out
	}
	if s.userPending {
		if err := dst.SetAssistancePosition(s.user); err != nil {
			out.UserErr = err
		} else {
			s.userPending = false
			out.User = true
		}
	}
	if s.solverPending {
		msg := s.solver
		if err := dst.PushSolverMessage(msg[:]); err != nil {
			out.SolverErr = err
		} else {
			s.solverPending = false
			out.Solver = true
		}
	}
	return out
}

// Reset forgets everything, including availability.
func (s *Store) Reset() { *s = Store{} }
