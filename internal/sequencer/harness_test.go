package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gnssmw/internal/aiding"
	"gnssmw/internal/events"
	"gnssmw/internal/scangroup"
)

type fakeClock struct{ now uint32 }

func (c *fakeClock) NowMs() uint32 { return c.now }

type fakeScheduler struct {
	tasks       []Task
	aborts      []TaskID
	scheduleErr error
}

func (s *fakeScheduler) Schedule(t Task) error {
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *fakeScheduler) Abort(id TaskID) error {
	s.aborts = append(s.aborts, id)
	return nil
}

func (s *fakeScheduler) last() Task { return s.tasks[len(s.tasks)-1] }

type scanCall struct {
	gpsTime  uint32
	assisted bool
	cons     Constellation
}

type fakeDriver struct {
	positions []aiding.Position
	solver    [][]byte
	ctxPos    aiding.Position
	almanac   uint32

	startErr error
	scans    []scanCall

	nav      []byte
	status   ResultsStatus
	svs      []scangroup.Satellite
	navValid bool
	power    uint32

	ended  int
	sleeps int
}

func (d *fakeDriver) SetAssistancePosition(p aiding.Position) error {
	d.positions = append(d.positions, p)
	d.ctxPos = p
	return nil
}

func (d *fakeDriver) PushSolverMessage(b []byte) error {
	d.solver = append(d.solver, append([]byte(nil), b...))
	return nil
}

func (d *fakeDriver) ScanContext() (aiding.Position, uint32, error) {
	return d.ctxPos, d.almanac, nil
}

func (d *fakeDriver) StartScan(gpsTime uint32, assisted bool, c Constellation) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.scans = append(d.scans, scanCall{gpsTime: gpsTime, assisted: assisted, cons: c})
	return nil
}

func (d *fakeDriver) Results() ([]byte, ResultsStatus) { return d.nav, d.status }

func (d *fakeDriver) SatelliteInfo() []scangroup.Satellite { return d.svs }

func (d *fakeDriver) NavValid(Constellation, []scangroup.Satellite) bool { return d.navValid }

func (d *fakeDriver) PowerConsumption() uint32 { return d.power }

func (d *fakeDriver) ScanEnded() { d.ended++ }

func (d *fakeDriver) Sleep() error {
	d.sleeps++
	return nil
}

type uplinkReq struct {
	port  uint8
	frame []byte
	done  func()
}

type fakeStack struct {
	gpsTime uint32
	timeErr error
	max     int
	reqErr  error
	reqs    []uplinkReq
	signals []events.Set
}

func (s *fakeStack) Time() (uint32, error)             { return s.gpsTime, s.timeErr }
func (s *fakeStack) MaxPayload() (int, error)          { return s.max, nil }
func (s *fakeStack) DutyCycle() (time.Duration, error) { return time.Minute, nil }
func (s *fakeStack) SignalEvents(set events.Set)       { s.signals = append(s.signals, set) }

func (s *fakeStack) RequestUplink(port uint8, frame []byte, done func()) error {
	if s.reqErr != nil {
		return s.reqErr
	}
	s.reqs = append(s.reqs, uplinkReq{port: port, frame: frame, done: done})
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	events  []events.Tag
	outcome []string
	dones   int
}

func (o *recordingObserver) EventEmitted(t events.Tag) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, t)
}
func (o *recordingObserver) ScanCompleted(string) {}
func (o *recordingObserver) UplinkOutcome(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcome = append(o.outcome, s)
}
func (o *recordingObserver) DoneHandlerDuration(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dones++
}

type harness struct {
	t      *testing.T
	c      *Controller
	clock  *fakeClock
	sched  *fakeScheduler
	driver *fakeDriver
	stack  *fakeStack
	obs    *recordingObserver
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &fakeClock{now: 1000},
		sched:  &fakeScheduler{},
		driver: &fakeDriver{nav: []byte{0xCA, 0xFE}, svs: svs(6), navValid: true, power: 50, almanac: 0xDEADBEEF},
		stack:  &fakeStack{gpsTime: 1_300_000_000, max: 242},
		obs:    &recordingObserver{},
	}
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, Deps{Scheduler: h.sched, Stack: h.stack, Clock: h.clock, Observer: h.obs})
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, c.Init(h.driver, 0))
	return h
}

func svs(n int) []scangroup.Satellite {
	out := make([]scangroup.Satellite, n)
	for i := range out {
		out[i] = scangroup.Satellite{ID: uint8(i + 1), CNR: int8(30 + i)}
	}
	return out
}

// sync waits until every notification posted so far has been processed.
func (h *harness) sync() Snapshot { return h.c.Snapshot() }

func (h *harness) launch() Snapshot {
	h.t.Helper()
	require.NotEmpty(h.t, h.sched.tasks)
	h.sched.last().Launch()
	return h.sync()
}

func (h *harness) done(st TaskStatus) Snapshot {
	h.t.Helper()
	require.NotEmpty(h.t, h.sched.tasks)
	h.sched.last().Done(st)
	return h.sync()
}

// scan runs one launch+completion cycle.
func (h *harness) scan() Snapshot {
	h.launch()
	return h.done(TaskScanDone)
}

func (h *harness) txDone(i int) Snapshot {
	h.t.Helper()
	require.Greater(h.t, len(h.stack.reqs), i)
	h.stack.reqs[i].done()
	return h.sync()
}

var errBoom = errors.New("boom")
