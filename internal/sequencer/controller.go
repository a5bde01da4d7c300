package sequencer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gnssmw/internal/aiding"
	"gnssmw/internal/events"
	"gnssmw/internal/hal"
	"gnssmw/internal/radio"
	"gnssmw/internal/scangroup"
	"gnssmw/internal/uplink"
)

// Config holds deployment policy. Zero values are replaced by defaults in
// New.
type Config struct {
	Modes []ModeDescriptor

	// SchedulingMargin is added to every scan start time.
	SchedulingMargin time.Duration
	// TaskDuration is the radio budget requested for each scan.
	TaskDuration time.Duration
	// DoneBudget is the completion handler duration above which a warning
	// is logged.
	DoneBudget time.Duration
	// AutonomousMinSV is the validity threshold of single-scan groups used
	// when no assistance position is known.
	AutonomousMinSV int

	UplinkPort     uint8
	Constellations Constellation
	Aggregate      bool
	Bypass         bool

	TaskID TaskID

	// TraceTimeCritical enables logs inside the scheduler callbacks.
	TraceTimeCritical bool

	// QueueLen is the command queue capacity.
	QueueLen int
}

// Deps are the external collaborators.
type Deps struct {
	Scheduler Scheduler
	Stack     Stack
	Clock     hal.Clock
	Observer  Observer
	// PowerLine is slept together with the driver after each scan task.
	PowerLine radio.Sleeper
}

type Controller struct {
	cfg   Config
	sched Scheduler
	stack Stack
	clock hal.Clock
	obs   Observer
	line  radio.Sleeper

	cmds    chan func()
	stopped chan struct{}

	// Owned by the Run goroutine.
	driver    Driver
	stackID   uint8
	state     State
	launched  bool
	cancelled bool
	retries   int
	// taskGen identifies the latest scheduled task; callbacks of older
	// tasks are dropped.
	taskGen    uint64
	mode       Mode
	startDelay time.Duration
	seqID      string

	group    *scangroup.Group
	aiding   aiding.Store
	notifier events.Notifier
	scanCtx  ScanContext
	drain    uplink.Drain

	doneData ScanDoneData
	termData TerminatedData
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is nil")
	}
	if deps.Stack == nil {
		return nil, fmt.Errorf("stack is nil")
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes()
	}
	if err := validateModes(cfg.Modes); err != nil {
		return nil, err
	}
	cfg.Modes = append([]ModeDescriptor(nil), cfg.Modes...)
	if cfg.SchedulingMargin <= 0 {
		cfg.SchedulingMargin = 300 * time.Millisecond
	}
	if cfg.TaskDuration <= 0 {
		cfg.TaskDuration = 10 * time.Second
	}
	if cfg.DoneBudget <= 0 {
		cfg.DoneBudget = 3 * time.Millisecond
	}
	if cfg.AutonomousMinSV <= 0 {
		cfg.AutonomousMinSV = 6
	}
	if cfg.UplinkPort == 0 {
		cfg.UplinkPort = uplink.DefaultPort
	}
	if cfg.Constellations == 0 {
		cfg.Constellations = Both
	}
	if cfg.TaskID == 0 {
		cfg.TaskID = 1
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64
	}
	if deps.Clock == nil {
		deps.Clock = hal.MonotonicClock{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	c := &Controller{
		cfg:     cfg,
		sched:   deps.Scheduler,
		stack:   deps.Stack,
		clock:   deps.Clock,
		obs:     deps.Observer,
		line:    deps.PowerLine,
		cmds:    make(chan func(), cfg.QueueLen),
		stopped: make(chan struct{}),
		group:   scangroup.New(),
	}
	c.notifier.Signal = deps.Stack.SignalEvents
	c.drain = uplink.Drain{Stack: deps.Stack, Port: cfg.UplinkPort, Bypass: cfg.Bypass}
	return c, nil
}

// Run executes queued calls until ctx is done. It must be called exactly
// once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		}
	}
}

// call runs fn on the controller goroutine and waits for its result.
func (c *Controller) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func() { errc <- fn() }:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-c.stopped:
		return ErrStopped
	}
}

// post enqueues fn without waiting for it to run.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
		return
	default:
	}
	log.Printf("sequencer queue full (%d), notification delayed", cap(c.cmds))
	select {
	case c.cmds <- fn:
	case <-c.stopped:
	}
}

func (c *Controller) tracef(format string, args ...any) {
	if c.cfg.TraceTimeCritical {
		log.Printf(format, args...)
	}
}

// Version returns the middleware version.
func (c *Controller) Version() Version { return CurrentVersion }

// Init binds the receiver driver and resets the group token. It is refused
// while a sequence is active.
func (c *Controller) Init(driver Driver, stackID uint8) error {
	if driver == nil {
		return fmt.Errorf("%w: driver is nil", ErrInvalidArgument)
	}
	return c.call(func() error {
		if c.state != Idle {
			return ErrBusy
		}
		c.driver = driver
		c.stackID = stackID
		c.group = scangroup.New()
		log.Printf("gnss middleware init version=%s stack_id=%d", CurrentVersion, stackID)
		return nil
	})
}

// Start begins a new scan sequence in mode after startDelay.
func (c *Controller) Start(mode Mode, startDelay time.Duration) error {
	return c.call(func() error { return c.start(mode, startDelay) })
}

// Cancel aborts a sequence whose first scan has not launched yet.
func (c *Controller) Cancel() error {
	return c.call(c.cancel)
}

func (c *Controller) SetUserAidingPosition(lat, lon float32) error {
	return c.call(func() error {
		if c.driver == nil {
			return fmt.Errorf("%w: not initialized", ErrNotReady)
		}
		c.aiding.SetUser(aiding.Position{Latitude: lat, Longitude: lon})
		log.Printf("user aiding position queued lat=%.6f lon=%.6f", lat, lon)
		return nil
	})
}

func (c *Controller) SetSolverAidingPosition(payload []byte) error {
	b := append([]byte(nil), payload...)
	return c.call(func() error {
		if c.driver == nil {
			return fmt.Errorf("%w: not initialized", ErrNotReady)
		}
		if err := c.aiding.SetSolver(b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		log.Printf("solver aiding position queued payload=%X", b)
		return nil
	})
}

func (c *Controller) SetConstellations(cons Constellation) error {
	return c.call(func() error {
		switch cons {
		case GPS, BeiDou:
			c.cfg.Constellations = cons
		default:
			c.cfg.Constellations = Both
		}
		return nil
	})
}

func (c *Controller) SetUplinkPort(port uint8) error {
	return c.call(func() error {
		c.cfg.UplinkPort = port
		c.drain.Port = port
		return nil
	})
}

func (c *Controller) SetAggregateMode(on bool) error {
	return c.call(func() error {
		log.Printf("gnss scan aggregate=%t", on)
		c.cfg.Aggregate = on
		return nil
	})
}

func (c *Controller) SetBypassMode(on bool) error {
	return c.call(func() error {
		log.Printf("gnss scan send bypass=%t", on)
		c.cfg.Bypass = on
		c.drain.Bypass = on
		return nil
	})
}

// PendingEvents returns the accumulated event set. Reading does not clear it.
func (c *Controller) PendingEvents() events.Set {
	var out events.Set
	_ = c.call(func() error {
		out = c.notifier.Pending()
		return nil
	})
	return out
}

// ClearPendingEvents zeroes the pending event set only.
func (c *Controller) ClearPendingEvents() error {
	return c.call(func() error {
		c.notifier.Clear()
		return nil
	})
}

// ClearEvents drops the tags in set from the pending events. Tags emitted
// after the caller read the pending set stay pending.
func (c *Controller) ClearEvents(set events.Set) error {
	return c.call(func() error {
		c.notifier.ClearSet(set)
		return nil
	})
}

// ScanDoneData returns the group reported by the last ScanDone event, or
// ErrNotReady when ScanDone is not pending.
func (c *Controller) ScanDoneData() (ScanDoneData, error) {
	var out ScanDoneData
	err := c.call(func() error {
		if !c.notifier.Pending().Has(events.ScanDone) {
			return fmt.Errorf("%w: scan done data", ErrNotReady)
		}
		out = c.doneData
		out.Scans = cloneResults(c.doneData.Scans)
		return nil
	})
	return out, err
}

// TerminatedData returns the uplink count of the last sequence, or
// ErrNotReady when Terminated is not pending.
func (c *Controller) TerminatedData() (TerminatedData, error) {
	var out TerminatedData
	err := c.call(func() error {
		if !c.notifier.Pending().Has(events.Terminated) {
			return fmt.Errorf("%w: terminated data", ErrNotReady)
		}
		out = c.termData
		return nil
	})
	return out, err
}

func (c *Controller) Snapshot() Snapshot {
	var out Snapshot
	_ = c.call(func() error {
		user, solver := c.aiding.Pending()
		out = Snapshot{
			Initialized:    c.driver != nil,
			State:          c.state.String(),
			SequenceID:     c.seqID,
			StackID:        c.stackID,
			StartDelay:     c.startDelay.String(),
			Mode:           c.modeName(c.mode),
			Launched:       c.launched,
			Cancelled:      c.cancelled,
			Retries:        c.retries,
			PendingEvents:  c.notifier.Pending().String(),
			PendingFault:   c.notifier.Fault().String(),
			Token:          c.group.Token(),
			GroupLen:       c.group.Len(),
			GroupCapacity:  c.group.Capacity(),
			GroupSent:      c.group.Sent(),
			Assisted:       c.aiding.Available(),
			UserPending:    user,
			SolverPending:  solver,
			Aggregate:      c.cfg.Aggregate,
			Bypass:         c.cfg.Bypass,
			UplinkPort:     c.cfg.UplinkPort,
			Constellations: c.cfg.Constellations.String(),
		}
		return nil
	})
	return out
}

// Modes returns a copy of the configured mode table.
func (c *Controller) Modes() []ModeDescriptor {
	return append([]ModeDescriptor(nil), c.cfg.Modes...)
}

// ModeByName resolves a configured mode name.
func (c *Controller) ModeByName(name string) (Mode, bool) {
	for i, m := range c.cfg.Modes {
		if m.Name == name {
			return Mode(i), true
		}
	}
	return 0, false
}

func (c *Controller) modeName(m Mode) string {
	if int(m) < len(c.cfg.Modes) && c.cfg.Modes[m].Name != "" {
		return c.cfg.Modes[m].Name
	}
	return fmt.Sprintf("mode%d", m)
}

func (c *Controller) start(mode Mode, startDelay time.Duration) error {
	if c.driver == nil {
		return fmt.Errorf("%w: not initialized", ErrNotReady)
	}
	if c.state != Idle {
		return ErrBusy
	}
	if int(mode) >= len(c.cfg.Modes) {
		return fmt.Errorf("%w: mode %d is not supported", ErrInvalidArgument, mode)
	}
	if startDelay < 0 {
		return fmt.Errorf("%w: negative start delay", ErrInvalidArgument)
	}

	c.mode = mode
	c.startDelay = startDelay
	c.notifier.Reset()
	c.cancelled = false
	c.retries = 0
	c.doneData = ScanDoneData{}
	c.termData = TerminatedData{}
	c.seqID = uuid.NewString()

	desc := c.cfg.Modes[mode]
	capacity, minSV, kind := 1, c.cfg.AutonomousMinSV, "autonomous"
	if c.aiding.Available() {
		capacity, minSV, kind = desc.GroupSize, desc.MinSV, "assisted"
	}
	if err := c.group.Reset(capacity, minSV); err != nil {
		log.Printf("scan group create failed seq=%s: %v", c.seqID, err)
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	log.Printf("new scan group seq=%s kind=%s mode=%s size=%d delay=%s", c.seqID, kind, c.modeName(mode), capacity, startDelay)

	if err := c.scheduleNext(startDelay); err != nil {
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}
	c.state = Scheduled
	return nil
}

func (c *Controller) cancel() error {
	if c.launched || c.state == Running || c.state == Draining {
		log.Printf("scan sequence started, too late to cancel seq=%s", c.seqID)
		return ErrBusy
	}
	c.cancelled = true
	log.Printf("request cancel of scheduled scan seq=%s", c.seqID)
	if err := c.sched.Abort(c.cfg.TaskID); err != nil {
		log.Printf("abort scan task failed: %v", err)
	}
	return nil
}

func (c *Controller) scheduleNext(delay time.Duration) error {
	offset := c.cfg.SchedulingMargin + delay
	startAt := c.clock.NowMs() + uint32(offset/time.Millisecond)
	c.taskGen++
	gen := c.taskGen
	task := Task{
		ID:        c.cfg.TaskID,
		StartAtMs: startAt,
		Duration:  c.cfg.TaskDuration,
		Launch:    func() { c.post(func() { c.launch(gen) }) },
		Done:      func(st TaskStatus) { c.post(func() { c.complete(gen, st) }) },
	}
	if err := c.sched.Schedule(task); err != nil {
		log.Printf("failed to queue scan task: %v", err)
		return err
	}
	c.tracef("scan task queued at=%dms delay=%s", startAt, delay)
	return nil
}

func cloneResults(in []scangroup.Result) []scangroup.Result {
	if in == nil {
		return nil
	}
	out := make([]scangroup.Result, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Nav = append([]byte(nil), r.Nav...)
		out[i].Satellites = append([]scangroup.Satellite(nil), r.Satellites...)
	}
	return out
}
