package main

import (
	"context"
	"errors"
	"log"
	"time"

	"gnssmw/internal/events"
	"gnssmw/internal/sequencer"
)

// runApp reacts to event signals from the stack the way a device
// application would: report results, clear the events, and start the next
// sequence after the configured interval.
func (r *runtime) runApp(ctx context.Context) error {
	var (
		restart <-chan time.Time
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	if r.Config().App.AutoStart {
		r.startSequence()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stack.Events():
			if !r.handleEvents(time.Now().UTC()) {
				continue
			}
			cfg := r.Config()
			if !cfg.App.AutoStart {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(cfg.App.Interval)
			restart = timer.C
			log.Printf("next scan sequence in %s", cfg.App.Interval)
		case <-restart:
			restart = nil
			r.startSequence()
		}
	}
}

// handleEvents reports and clears pending events until none are left. It
// returns true when the sequence ended.
func (r *runtime) handleEvents(now time.Time) bool {
	ended := false
	for {
		pending := r.ctl.PendingEvents()
		if pending.Empty() {
			return ended
		}
		if r.handlePending(now, pending) {
			ended = true
		}
	}
}

// handlePending reports the tags in pending and then clears exactly those.
// Events emitted meanwhile stay pending for the next pass.
func (r *runtime) handlePending(now time.Time, pending events.Set) bool {
	r.status.MarkEvent(now, pending.String())

	seqID := r.ctl.Snapshot().SequenceID
	ended := false
	for _, tag := range pending.Tags() {
		switch tag {
		case events.ScanDone:
			r.reportScanDone()
		case events.Terminated:
			ended = true
			td, err := r.ctl.TerminatedData()
			if err != nil {
				log.Printf("terminated data unavailable: %v", err)
				break
			}
			log.Printf("TERMINATED info: seq=%s nb_scans_sent=%d", td.SequenceID, td.SentCount)
			r.status.AddFramesSent(td.SentCount)
			r.recordTermination(td.SequenceID, tag, td.SentCount)
		default:
			ended = true
			log.Printf("scan sequence ended event=%s seq=%s", tag, seqID)
			r.recordTermination(seqID, tag, 0)
		}
	}

	if err := r.ctl.ClearEvents(pending); err != nil {
		log.Printf("clear pending events failed: %v", err)
	}
	return ended
}

func (r *runtime) reportScanDone() {
	d, err := r.ctl.ScanDoneData()
	if err != nil {
		log.Printf("scan done data unavailable: %v", err)
		return
	}
	log.Printf("%s", sequencer.FormatScanDone(d))
	r.status.MarkGroupReported()
	if r.db == nil {
		return
	}
	if _, err := r.db.RecordScanDone(d); err != nil {
		log.Printf("record scan group failed: %v", err)
	}
}

func (r *runtime) recordTermination(seqID string, tag events.Tag, sent int) {
	if r.db == nil {
		return
	}
	if err := r.db.RecordTerminated(seqID, tag.String(), sent); err != nil {
		log.Printf("record termination failed: %v", err)
	}
}

func (r *runtime) startSequence() {
	cfg := r.Config()
	mode, ok := r.ctl.ModeByName(cfg.App.Mode)
	if !ok {
		log.Printf("app mode %q is not configured", cfg.App.Mode)
		return
	}
	err := r.ctl.Start(mode, cfg.App.StartDelay)
	switch {
	case err == nil:
	case errors.Is(err, sequencer.ErrBusy):
		log.Printf("scan sequence already running")
	default:
		log.Printf("scan sequence start failed: %v", err)
	}
}
