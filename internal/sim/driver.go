package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"gnssmw/internal/aiding"
	"gnssmw/internal/scangroup"
	"gnssmw/internal/sequencer"
)

const (
	navTag       = 0x01
	navHeaderLen = 10

	// BeiDou satellites are numbered after the GPS ones.
	beidouFirstID = 64
)

var ErrScanInProgress = errors.New("scan already in progress")

// Position reports where the simulated receiver is at now.
type Position func(now time.Time) (latDeg, lonDeg float64)

// Driver simulates a GNSS receiver. A started scan completes after
// ScanDuration by calling OnScanDone.
type Driver struct {
	ScanDuration time.Duration
	// Satellites is the mean number of satellites seen per scan.
	Satellites   int
	PowerPerScan uint32
	AlmanacCRC   uint32
	// NeedAlmanac makes every read back report an outdated almanac.
	NeedAlmanac bool
	Position    Position
	OnScanDone  func()
	Now         func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	timer     *time.Timer
	scanning  bool
	assist    *aiding.Position
	solverMsg int
	nav       []byte
	svs       []scangroup.Satellite
	power     uint32
	sleeps    int
	scans     int
}

func NewDriver(seed int64) *Driver {
	return &Driver{
		ScanDuration: 2 * time.Second,
		Satellites:   8,
		PowerPerScan: 50,
		AlmanacCRC:   uint32(seed) ^ 0x5A5A5A5A,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) SetAssistancePosition(p aiding.Position) error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("assistance position %v out of range", p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assist = &p
	return nil
}

func (d *Driver) PushSolverMessage(msg []byte) error {
	if len(msg) != aiding.SolverPayloadSize {
		return fmt.Errorf("solver message: %w", aiding.ErrInvalidSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.solverMsg++
	// Solver payload is two int16 in 1/100 degree.
	lat := float32(int16(binary.BigEndian.Uint16(msg[0:2]))) / 100
	lon := float32(int16(binary.BigEndian.Uint16(msg[2:4]))) * 2 / 100
	d.assist = &aiding.Position{Latitude: lat, Longitude: lon}
	return nil
}

func (d *Driver) ScanContext() (aiding.Position, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assist == nil {
		return aiding.Position{}, d.AlmanacCRC, nil
	}
	return *d.assist, d.AlmanacCRC, nil
}

func (d *Driver) StartScan(gpsTime uint32, assisted bool, c sequencer.Constellation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanning {
		return ErrScanInProgress
	}
	if c&sequencer.Both == 0 {
		return fmt.Errorf("constellation mask %d is empty", c)
	}

	d.svs = d.drawSatellites(c, assisted)
	d.nav = d.encodeNav(c, gpsTime)
	d.power = d.PowerPerScan
	if !assisted {
		// Autonomous scans search longer.
		d.power += d.PowerPerScan / 2
	}
	d.scanning = true
	d.scans++

	done := d.OnScanDone
	d.timer = time.AfterFunc(d.ScanDuration, func() {
		d.mu.Lock()
		d.scanning = false
		d.timer = nil
		d.mu.Unlock()
		if done != nil {
			done()
		}
	})
	return nil
}

// drawSatellites picks the detected satellites. Caller holds mu.
func (d *Driver) drawSatellites(c sequencer.Constellation, assisted bool) []scangroup.Satellite {
	n := d.Satellites + d.rng.Intn(5) - 2
	if !assisted {
		n -= 2
	}
	if n < 0 {
		n = 0
	}
	if n > scangroup.MaxSatellites {
		n = scangroup.MaxSatellites
	}

	var pool []uint8
	if c&sequencer.GPS != 0 {
		for id := 0; id < 32; id++ {
			pool = append(pool, uint8(id))
		}
	}
	if c&sequencer.BeiDou != 0 {
		for id := 0; id < 32; id++ {
			pool = append(pool, uint8(beidouFirstID+id))
		}
	}
	d.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}

	out := make([]scangroup.Satellite, n)
	for i := 0; i < n; i++ {
		out[i] = scangroup.Satellite{ID: pool[i], CNR: int8(25 + d.rng.Intn(25))}
	}
	return out
}

// encodeNav builds the NAV message:
//
//	tag(1) constellations(1) lat(4) lon(4) then id,cnr per satellite
//
// lat and lon are big-endian int32 in 1e-7 degree. Caller holds mu.
func (d *Driver) encodeNav(c sequencer.Constellation, gpsTime uint32) []byte {
	var lat, lon float64
	if d.Position != nil {
		lat, lon = d.Position(d.now())
	}
	b := make([]byte, navHeaderLen, navHeaderLen+2*len(d.svs))
	b[0] = navTag
	b[1] = byte(c)
	binary.BigEndian.PutUint32(b[2:6], uint32(int32(math.Round(lat*1e7))))
	binary.BigEndian.PutUint32(b[6:10], uint32(int32(math.Round(lon*1e7))))
	for _, sv := range d.svs {
		b = append(b, sv.ID, byte(sv.CNR))
	}
	return b
}

func (d *Driver) Results() ([]byte, sequencer.ResultsStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.NeedAlmanac {
		return nil, sequencer.ResultsAlmanacNeeded
	}
	if d.nav == nil {
		return nil, sequencer.ResultsUnknown
	}
	return append([]byte(nil), d.nav...), sequencer.ResultsOK
}

func (d *Driver) SatelliteInfo() []scangroup.Satellite {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]scangroup.Satellite(nil), d.svs...)
}

// NavValid reports whether svs holds enough satellites of c for a solver to
// compute a position.
func (d *Driver) NavValid(c sequencer.Constellation, svs []scangroup.Satellite) bool {
	n := 0
	for _, sv := range svs {
		if sv.ID >= beidouFirstID {
			if c&sequencer.BeiDou != 0 {
				n++
			}
		} else if c&sequencer.GPS != 0 {
			n++
		}
	}
	return n >= 3
}

func (d *Driver) PowerConsumption() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

// ScanEnded stops an unfinished scan.
func (d *Driver) ScanEnded() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.scanning = false
}

func (d *Driver) Sleep() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleeps++
	return nil
}

// Stats returns the number of scans started and sleeps requested.
func (d *Driver) Stats() (scans, sleeps int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans, d.sleeps
}
