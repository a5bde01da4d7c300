// Package events holds the outcome events a scan sequence reports to the
// application and the internal fault classification that leads to them.
package events

import (
	"strings"
)

// Tag identifies one outcome event. The numeric value is the bit position
// in a Set and is part of the host-visible event counter payload.
type Tag uint8

const (
	ScanDone Tag = iota
	Terminated
	Cancelled
	ErrorNoTime
	ErrorAlmanacUpdateNeeded
	ErrorNoAidingPosition
	ErrorUnknown

	numTags
)

var tagNames = [numTags]string{
	ScanDone:                 "scan_done",
	Terminated:               "terminated",
	Cancelled:                "cancelled",
	ErrorNoTime:              "error_no_time",
	ErrorAlmanacUpdateNeeded: "error_almanac_update",
	ErrorNoAidingPosition:    "error_no_aiding_position",
	ErrorUnknown:             "error_unknown",
}

// AllTags lists every tag in bit order.
func AllTags() []Tag {
	out := make([]Tag, 0, numTags)
	for t := Tag(0); t < numTags; t++ {
		out = append(out, t)
	}
	return out
}

func (t Tag) Valid() bool { return t < numTags }

func (t Tag) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return tagNames[t]
}

// Terminal reports whether emitting t ends the sequence.
func (t Tag) Terminal() bool { return t.Valid() && t != ScanDone }

// Set is an OR-accumulated set of tags.
type Set uint8

func (s Set) Add(t Tag) Set {
	if !t.Valid() {
		return s
	}
	return s | 1<<t
}

func (s Set) Has(t Tag) bool {
	return t.Valid() && s&(1<<t) != 0
}

func (s Set) Empty() bool { return s == 0 }

func (s Set) Tags() []Tag {
	var out []Tag
	for t := Tag(0); t < numTags; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s Set) String() string {
	tags := s.Tags()
	if len(tags) == 0 {
		return "none"
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.String())
	}
	return strings.Join(names, "|")
}

// Has reports whether tag is present in set.
func Has(set Set, tag Tag) bool { return set.Has(tag) }

// Fault is the internal error recorded during a scan launch. It is turned
// into exactly one terminal event when the scheduler acknowledges the abort.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultScanFailed
	FaultNoTime
	FaultUnknown
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultScanFailed:
		return "scan_failed"
	case FaultNoTime:
		return "no_time"
	case FaultUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Event returns the terminal event reported for f.
func (f Fault) Event() Tag {
	if f == FaultNoTime {
		return ErrorNoTime
	}
	return ErrorUnknown
}
