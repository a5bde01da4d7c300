// Package sim provides a host-side radio planner, GNSS receiver and network
// stack so the sequencer can run without hardware.
package sim

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"gnssmw/internal/hal"
	"gnssmw/internal/sequencer"
)

var (
	ErrSlotBusy    = errors.New("radio slot busy")
	ErrUnknownTask = errors.New("unknown task")
)

type slotState int

const (
	slotFree slotState = iota
	slotWaiting
	slotRunning
)

// Scheduler grants a single radio slot. A task waits until its start time,
// is launched, and ends through Finish, Abort or its duration timeout.
// Done is always called exactly once per scheduled task.
type Scheduler struct {
	Clock hal.Clock
	// AbortRate is the probability that the planner preempts a task before
	// launching it.
	AbortRate float64

	mu    sync.Mutex
	rng   *rand.Rand
	task  sequencer.Task
	state slotState
	timer *time.Timer
	gen   uint64
}

func NewScheduler(clock hal.Clock, abortRate float64, seed int64) *Scheduler {
	if clock == nil {
		clock = hal.MonotonicClock{}
	}
	return &Scheduler{
		Clock:     clock,
		AbortRate: abortRate,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (s *Scheduler) Schedule(t sequencer.Task) error {
	if t.Launch == nil || t.Done == nil {
		return fmt.Errorf("task %d: launch and done are required", t.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != slotFree {
		return fmt.Errorf("schedule task %d: %w", t.ID, ErrSlotBusy)
	}

	delay := time.Duration(int32(t.StartAtMs-s.Clock.NowMs())) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	s.task = t
	s.state = slotWaiting
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	return nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != slotWaiting {
		s.mu.Unlock()
		return
	}
	t := s.task
	if s.AbortRate > 0 && s.rng.Float64() < s.AbortRate {
		s.release()
		s.mu.Unlock()
		log.Printf("sim planner preempted task %d", t.ID)
		t.Done(sequencer.TaskAborted)
		return
	}
	s.state = slotRunning
	if t.Duration > 0 {
		s.timer = time.AfterFunc(t.Duration, func() { s.end(gen, sequencer.TaskTimeout) })
	}
	s.mu.Unlock()

	t.Launch()
}

// Finish ends the running task with status. The receiver calls it when the
// scan completes.
func (s *Scheduler) Finish(id sequencer.TaskID, status sequencer.TaskStatus) error {
	s.mu.Lock()
	if s.state != slotRunning || s.task.ID != id {
		s.mu.Unlock()
		return fmt.Errorf("finish task %d: %w", id, ErrUnknownTask)
	}
	gen := s.gen
	s.mu.Unlock()
	s.end(gen, status)
	return nil
}

// Abort cancels a waiting or running task. Done is called with TaskAborted
// from another goroutine.
func (s *Scheduler) Abort(id sequencer.TaskID) error {
	s.mu.Lock()
	if s.state == slotFree || s.task.ID != id {
		s.mu.Unlock()
		return fmt.Errorf("abort task %d: %w", id, ErrUnknownTask)
	}
	gen := s.gen
	s.mu.Unlock()
	go s.end(gen, sequencer.TaskAborted)
	return nil
}

func (s *Scheduler) end(gen uint64, status sequencer.TaskStatus) {
	s.mu.Lock()
	if gen != s.gen || s.state == slotFree {
		s.mu.Unlock()
		return
	}
	t := s.task
	s.release()
	s.mu.Unlock()

	t.Done(status)
}

// release frees the slot. Caller holds mu.
func (s *Scheduler) release() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = slotFree
	s.task = sequencer.Task{}
	// Late timers of the released task must not match.
	s.gen++
}

// Busy reports whether a task holds the slot.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != slotFree
}
