package main

import (
	"fmt"
	"log"

	"gnssmw/internal/framelog"
	"gnssmw/internal/udp"
)

// replayFrames sends a captured uplink frame log to dest, keeping the
// recorded spacing scaled by speed.
func replayFrames(path, dest string, speed float64, sleeper framelog.Sleeper) (int, error) {
	if dest == "" {
		return 0, fmt.Errorf("replay needs uplink.dest")
	}
	recs, err := framelog.Load(path)
	if err != nil {
		return 0, fmt.Errorf("load frame log: %w", err)
	}
	b, err := udp.NewBroadcaster(dest)
	if err != nil {
		return 0, fmt.Errorf("udp broadcaster init failed: %w", err)
	}
	defer b.Close()

	log.Printf("replaying %d records from %s to %s speed=%.2f", len(recs), path, dest, speed)
	return framelog.Play(recs, speed, sleeper, b.Send)
}
