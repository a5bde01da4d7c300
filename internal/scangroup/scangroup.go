// Package scangroup stores the results of one scan group and the uplink
// frames built from them.
//
// A Group is reused across sequences: Reset starts a new group while the
// correlation token survives, so aggregated groups can share it.
package scangroup

import (
	"errors"
	"fmt"
)

const (
	// MaxGroupSize bounds the number of scans in one group.
	MaxGroupSize = 4
	// MaxSatellites bounds the per-scan satellite list.
	MaxSatellites = 32
	// MetadataSize is the number of bytes prepended to each uplink frame.
	MetadataSize = 1

	tokenMask    = 0x1F
	lastScanFlag = 0x80
	tokenReset   = 0x01
)

var (
	ErrFull            = errors.New("scan group is full")
	ErrInvalidCapacity = errors.New("invalid scan group capacity")
)

type Satellite struct {
	ID  uint8 `json:"sv_id"`
	CNR int8  `json:"cnr"`
}

// Result is one scan as reported by the receiver.
type Result struct {
	GPSTime    uint32      `json:"timestamp"`
	Nav        []byte      `json:"nav"`
	NavValid   bool        `json:"nav_valid"`
	Satellites []Satellite `json:"svs"`
}

func (r Result) clone() Result {
	out := r
	out.Nav = append([]byte(nil), r.Nav...)
	svs := r.Satellites
	if len(svs) > MaxSatellites {
		svs = svs[:MaxSatellites]
	}
	out.Satellites = append([]Satellite(nil), svs...)
	return out
}

type Group struct {
	token    uint8
	capacity int
	minSV    int

	results []Result
	// frames[i] is the uplink payload for results[i]. The group owns it
	// until the group is reset; in-flight transmissions reference it.
	frames [][]byte
	sent   int

	powerUAh uint32
}

// New returns an empty group with the token at its reset value.
func New() *Group {
	g := &Group{}
	g.ResetToken()
	return g
}

// Reset starts a new group. The token is kept.
func (g *Group) Reset(capacity, minSV int) error {
	if capacity < 1 || capacity > MaxGroupSize {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidCapacity, capacity, MaxGroupSize)
	}
	if minSV < 0 {
		minSV = 0
	}
	g.capacity = capacity
	g.minSV = minSV
	g.results = make([]Result, 0, capacity)
	g.frames = make([][]byte, 0, capacity)
	g.sent = 0
	g.powerUAh = 0
	return nil
}

func (g *Group) Push(r Result) error {
	if g.Full() {
		return ErrFull
	}
	r = r.clone()
	g.results = append(g.results, r)

	frame := make([]byte, MetadataSize+len(r.Nav))
	frame[0] = g.token & tokenMask
	if len(g.results) == g.capacity {
		frame[0] |= lastScanFlag
	}
	copy(frame[MetadataSize:], r.Nav)
	g.frames = append(g.frames, frame)
	return nil
}

// Full reports whether the group reached its capacity. A group that was
// never Reset is not full.
func (g *Group) Full() bool {
	return g.capacity > 0 && len(g.results) >= g.capacity
}

// Valid is true when at least one result saw enough satellites.
func (g *Group) Valid() bool {
	for _, r := range g.results {
		if len(r.Satellites) >= g.minSV {
			return true
		}
	}
	return false
}

func (g *Group) Len() int      { return len(g.results) }
func (g *Group) Capacity() int { return g.capacity }
func (g *Group) MinSV() int    { return g.minSV }
func (g *Group) Sent() int     { return g.sent }

func (g *Group) AddPower(uah uint32) { g.powerUAh += uah }
func (g *Group) Power() uint32       { return g.powerUAh }

// Results returns a copy of the results pushed so far.
func (g *Group) Results() []Result {
	out := make([]Result, 0, len(g.results))
	for _, r := range g.results {
		out = append(out, r.clone())
	}
	return out
}

// Next returns the oldest frame not yet marked sent. The slice is owned by
// the group and must not be modified.
func (g *Group) Next() ([]byte, bool) {
	if g.sent >= len(g.frames) {
		return nil, false
	}
	return g.frames[g.sent], true
}

// MarkSent records that the frame returned by Next has been transmitted.
func (g *Group) MarkSent() {
	if g.sent < len(g.frames) {
		g.sent++
	}
}

func (g *Group) Token() uint8 { return g.token }

func (g *Group) ResetToken() { g.token = tokenReset }

// IncrementToken advances the token, skipping the reserved zero value.
func (g *Group) IncrementToken() {
	g.token = (g.token + 1) & tokenMask
	if g.token == 0 {
		g.token = tokenReset
	}
}
