package sequencer

import (
	"errors"
	"log"
	"time"

	"gnssmw/internal/events"
	"gnssmw/internal/radio"
	"gnssmw/internal/scangroup"
	"gnssmw/internal/uplink"
)

// launch runs when the scheduler grants the radio for a scan. A launch of
// a task that already ended, or of an older task, is dropped.
func (c *Controller) launch(gen uint64) {
	if gen != c.taskGen || c.state != Scheduled {
		log.Printf("stale scan launch ignored state=%s seq=%s", c.state, c.seqID)
		return
	}
	// From here on the sequence can no longer be cancelled.
	c.launched = true
	c.state = Running
	c.tracef("scan launch seq=%s", c.seqID)

	gpsTime, err := c.stack.Time()
	if err != nil {
		if errors.Is(err, ErrNoTime) {
			c.notifier.SetFault(events.FaultNoTime)
			log.Printf("time sync is not valid, abort scan task seq=%s", c.seqID)
		} else {
			c.notifier.SetFault(events.FaultUnknown)
			log.Printf("failed to get time, abort scan task seq=%s: %v", c.seqID, err)
		}
		c.abortTask()
		return
	}

	applied := c.aiding.Apply(c.driver)
	if applied.User {
		c.tracef("user assistance position applied")
	} else if applied.UserErr != nil {
		c.tracef("user assistance position refused: %v", applied.UserErr)
	}
	if applied.Solver {
		c.tracef("solver assistance position applied")
	} else if applied.SolverErr != nil {
		c.tracef("solver assistance position refused: %v", applied.SolverErr)
	}

	pos, crc, err := c.driver.ScanContext()
	if err != nil {
		c.tracef("scan context unavailable: %v", err)
	}
	c.scanCtx = ScanContext{
		Mode:           c.mode,
		Assisted:       c.aiding.Available(),
		AidingPosition: pos,
		AlmanacCRC:     crc,
	}

	if err := c.driver.StartScan(gpsTime, c.aiding.Available(), c.cfg.Constellations); err != nil {
		c.notifier.SetFault(events.FaultScanFailed)
		log.Printf("failed to start scan, abort scan task seq=%s: %v", c.seqID, err)
		c.abortTask()
	}
}

// abortTask asks the scheduler to end the current task. The terminal event
// is emitted when the scheduler reports the abort through complete.
func (c *Controller) abortTask() {
	if err := c.sched.Abort(c.cfg.TaskID); err != nil {
		log.Printf("abort scan task failed: %v", err)
	}
}

// complete runs when a scan task ends. The radio is put to sleep on every
// return path. Completions of older tasks, or arriving once the sequence
// left the scan phase, are dropped without touching the radio.
func (c *Controller) complete(gen uint64, status TaskStatus) {
	if gen != c.taskGen || (c.state != Scheduled && c.state != Running) {
		log.Printf("stale scan completion ignored status=%s state=%s seq=%s", status, c.state, c.seqID)
		return
	}
	began := time.Now()
	g := radio.Acquire(radio.Multi{c.driver, c.line})
	defer g.Release()
	defer func() {
		d := time.Since(began)
		c.obs.DoneHandlerDuration(d)
		if d > c.cfg.DoneBudget {
			log.Printf("scan done handler took %s (budget %s)", d, c.cfg.DoneBudget)
		}
	}()

	c.tracef("scan task done status=%s seq=%s", status, c.seqID)
	if c.driver != nil {
		c.driver.ScanEnded()
	}
	c.obs.ScanCompleted(status.String())

	switch status {
	case TaskAborted:
		c.onAborted()
	case TaskScanDone:
		c.onScanDone()
	default:
		log.Printf("scan task ended with unknown status %s seq=%s", status, c.seqID)
		c.emit(events.ErrorUnknown)
	}
}

func (c *Controller) onAborted() {
	fault := c.notifier.Fault()
	switch {
	case fault == events.FaultNone && !c.cancelled:
		// At most one retry per group slot.
		if c.retries >= c.group.Capacity() {
			log.Printf("scan task aborted %d times, give up seq=%s", c.retries+1, c.seqID)
			c.emit(events.ErrorUnknown)
			return
		}
		c.retries++
		log.Printf("scan task aborted by scheduler, retry %d/%d seq=%s", c.retries, c.group.Capacity(), c.seqID)
		c.rescheduleOrFail()
	case fault == events.FaultNone:
		log.Printf("scan task cancelled by user seq=%s", c.seqID)
		c.cancelled = false
		c.emit(events.Cancelled)
	default:
		log.Printf("scan task aborted fault=%s seq=%s", fault, c.seqID)
		c.emit(fault.Event())
	}
}

func (c *Controller) onScanDone() {
	var gpsTime uint32
	if t, err := c.stack.Time(); err == nil {
		gpsTime = t
	}

	nav, rs := c.driver.Results()
	power := c.driver.PowerConsumption()
	c.group.AddPower(power)
	c.tracef("scan power consumption %d uah", power)

	switch rs {
	case ResultsOK:
	case ResultsAlmanacNeeded:
		log.Printf("almanac update required seq=%s", c.seqID)
		c.emit(events.ErrorAlmanacUpdateNeeded)
		return
	case ResultsAidingNeeded:
		log.Printf("no assistance position configured seq=%s", c.seqID)
		c.emit(events.ErrorNoAidingPosition)
		return
	case ResultsNoTime:
		log.Printf("no valid time available seq=%s", c.seqID)
		c.emit(events.ErrorNoTime)
		return
	default:
		log.Printf("unknown error on get results seq=%s", c.seqID)
		c.emit(events.ErrorUnknown)
		return
	}

	svs := c.driver.SatelliteInfo()
	res := scangroup.Result{
		GPSTime:    gpsTime,
		Nav:        nav,
		NavValid:   c.driver.NavValid(c.cfg.Constellations, svs),
		Satellites: svs,
	}
	if err := c.group.Push(res); err != nil {
		log.Printf("scan group push failed seq=%s: %v", c.seqID, err)
		c.emit(events.ErrorUnknown)
		return
	}

	if !c.group.Full() {
		c.rescheduleOrFail()
		return
	}

	c.state = Draining
	c.emit(events.ScanDone)
	c.drainStep()
}

func (c *Controller) rescheduleOrFail() {
	delay := c.cfg.Modes[c.mode].ScanGroupDelay
	if err := c.scheduleNext(delay); err != nil {
		c.emit(events.ErrorUnknown)
		return
	}
	c.state = Scheduled
}

// drainStep sends the next frame, or terminates the sequence when nothing
// is left to send.
func (c *Controller) drainStep() {
	out := c.drain.Step(c.group, func() { c.post(c.txDone) })
	c.obs.UplinkOutcome(out.String())
	if out == uplink.Sent {
		return
	}
	c.emit(events.Terminated)
}

func (c *Controller) txDone() {
	if c.state != Draining {
		log.Printf("stale uplink completion ignored state=%s", c.state)
		return
	}
	c.group.MarkSent()
	c.drainStep()
}

// emit publishes t. Any event other than ScanDone ends the sequence.
func (c *Controller) emit(t events.Tag) {
	if t == events.ScanDone {
		c.doneData = ScanDoneData{
			SequenceID:          c.seqID,
			Valid:               c.group.Valid(),
			Token:               c.group.Token(),
			Scans:               c.group.Results(),
			PowerConsumptionUAh: c.group.Power(),
			Context:             c.scanCtx,
		}
		if !c.cfg.Aggregate && c.doneData.Valid {
			c.group.IncrementToken()
		}
	} else {
		c.launched = false
		c.state = Idle
		if t == events.Terminated {
			sent := c.group.Sent()
			if c.cfg.Bypass {
				sent = 0
			}
			c.termData = TerminatedData{SequenceID: c.seqID, SentCount: sent}
		}
	}

	set := c.notifier.Emit(t)
	c.obs.EventEmitted(t)
	log.Printf("gnss event %s seq=%s pending=%s", t, c.seqID, set)
}
