package sequencer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gnssmw/internal/aiding"
	"gnssmw/internal/events"
	"gnssmw/internal/radio"
	"gnssmw/internal/scangroup"
	"gnssmw/internal/uplink"
)

var (
	ErrBusy            = errors.New("scan sequence busy")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotReady        = errors.New("not ready")
	ErrFailed          = errors.New("failed")
	ErrStopped         = errors.New("controller stopped")

	// ErrNoTime is returned by Stack.Time when the network time is not
	// synchronized.
	ErrNoTime = errors.New("no time available")
)

// Mode indexes the configured mode table.
type Mode uint8

const (
	ModeStatic Mode = iota
	ModeMobile
)

// ModeDescriptor is the static policy of one scan mode.
type ModeDescriptor struct {
	Name           string
	ScanGroupDelay time.Duration
	GroupSize      int
	MinSV          int
}

// DefaultModes returns the static and mobile descriptors, in Mode order.
func DefaultModes() []ModeDescriptor {
	return []ModeDescriptor{
		ModeStatic: {Name: "static", ScanGroupDelay: 15 * time.Second, GroupSize: 4, MinSV: 3},
		ModeMobile: {Name: "mobile", ScanGroupDelay: 0, GroupSize: 2, MinSV: 5},
	}
}

func validateModes(modes []ModeDescriptor) error {
	if len(modes) == 0 {
		return fmt.Errorf("at least one mode is required")
	}
	seen := map[string]bool{}
	for i, m := range modes {
		if m.GroupSize < 1 || m.GroupSize > scangroup.MaxGroupSize {
			return fmt.Errorf("modes[%d].group_size must be 1..%d", i, scangroup.MaxGroupSize)
		}
		if m.MinSV < 0 || m.MinSV > scangroup.MaxSatellites {
			return fmt.Errorf("modes[%d].sv_min must be 0..%d", i, scangroup.MaxSatellites)
		}
		if m.ScanGroupDelay < 0 {
			return fmt.Errorf("modes[%d].scan_group_delay must be >= 0", i)
		}
		name := strings.ToLower(strings.TrimSpace(m.Name))
		if name != "" {
			if seen[name] {
				return fmt.Errorf("modes[%d].name %q is duplicated", i, m.Name)
			}
			seen[name] = true
		}
	}
	return nil
}

// Constellation is the satellite system mask used for scans.
type Constellation uint8

const (
	GPS    Constellation = 1 << 0
	BeiDou Constellation = 1 << 1
	Both                 = GPS | BeiDou
)

func (c Constellation) String() string {
	switch c {
	case GPS:
		return "gps"
	case BeiDou:
		return "beidou"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("constellation(%d)", uint8(c))
	}
}

// ParseConstellation accepts gps, beidou or both (also empty).
func ParseConstellation(s string) (Constellation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gps":
		return GPS, nil
	case "beidou":
		return BeiDou, nil
	case "both", "":
		return Both, nil
	default:
		return 0, fmt.Errorf("unknown constellation %q", s)
	}
}

// TaskID identifies the radio task owned by the controller.
type TaskID uint8

// TaskStatus is reported by the scheduler when a task ends.
type TaskStatus int

const (
	TaskAborted TaskStatus = iota
	TaskScanDone
	TaskTimeout
)

func (s TaskStatus) String() string {
	switch s {
	case TaskAborted:
		return "aborted"
	case TaskScanDone:
		return "scan_done"
	case TaskTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Task is a radio access request. Launch and Done are invoked from the
// scheduler's context and must not block.
type Task struct {
	ID        TaskID
	StartAtMs uint32
	Duration  time.Duration
	Launch    func()
	Done      func(TaskStatus)
}

type Scheduler interface {
	Schedule(Task) error
	// Abort cancels a pending or running task. The scheduler still calls
	// the task's Done with TaskAborted.
	Abort(TaskID) error
}

// ResultsStatus is the receiver's verdict when results are read back.
type ResultsStatus int

const (
	ResultsOK ResultsStatus = iota
	ResultsAlmanacNeeded
	ResultsAidingNeeded
	ResultsNoTime
	ResultsUnknown
)

// Driver is the GNSS receiver.
type Driver interface {
	aiding.Assister
	radio.Sleeper

	ScanContext() (aiding.Position, uint32, error)
	StartScan(gpsTime uint32, assisted bool, c Constellation) error
	Results() ([]byte, ResultsStatus)
	SatelliteInfo() []scangroup.Satellite
	NavValid(c Constellation, svs []scangroup.Satellite) bool
	PowerConsumption() uint32
	ScanEnded()
}

// Stack is the network stack.
type Stack interface {
	uplink.Stack

	// Time returns the GPS time in seconds, or ErrNoTime.
	Time() (uint32, error)
	// SignalEvents tells the host that events are pending.
	SignalEvents(events.Set)
}

// Observer receives counters. All methods must be cheap.
type Observer interface {
	EventEmitted(events.Tag)
	ScanCompleted(status string)
	UplinkOutcome(outcome string)
	DoneHandlerDuration(time.Duration)
}

type nopObserver struct{}

func (nopObserver) EventEmitted(events.Tag)           {}
func (nopObserver) ScanCompleted(string)              {}
func (nopObserver) UplinkOutcome(string)              {}
func (nopObserver) DoneHandlerDuration(time.Duration) {}

type State int

const (
	Idle State = iota
	Scheduled
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// ScanContext is frozen at scan launch and reported with ScanDone.
type ScanContext struct {
	Mode           Mode            `json:"mode"`
	Assisted       bool            `json:"assisted"`
	AidingPosition aiding.Position `json:"aiding_position"`
	AlmanacCRC     uint32          `json:"almanac_crc"`
}

type ScanDoneData struct {
	SequenceID          string             `json:"sequence_id"`
	Valid               bool               `json:"is_valid"`
	Token               uint8              `json:"token"`
	Scans               []scangroup.Result `json:"scans"`
	PowerConsumptionUAh uint32             `json:"power_consumption_uah"`
	Context             ScanContext        `json:"context"`
}

type TerminatedData struct {
	SequenceID string `json:"sequence_id"`
	SentCount  int    `json:"nb_scans_sent"`
}

// Snapshot is a status view of the controller.
type Snapshot struct {
	Initialized    bool   `json:"initialized"`
	State          string `json:"state"`
	SequenceID     string `json:"sequence_id,omitempty"`
	StackID        uint8  `json:"stack_id"`
	StartDelay     string `json:"start_delay"`
	Mode           string `json:"mode"`
	Launched       bool   `json:"launched"`
	Cancelled      bool   `json:"cancel_requested"`
	Retries        int    `json:"retries"`
	PendingEvents  string `json:"pending_events"`
	PendingFault   string `json:"pending_fault"`
	Token          uint8  `json:"token"`
	GroupLen       int    `json:"group_len"`
	GroupCapacity  int    `json:"group_capacity"`
	GroupSent      int    `json:"group_sent"`
	Assisted       bool   `json:"assisted"`
	UserPending    bool   `json:"user_aiding_pending"`
	SolverPending  bool   `json:"solver_aiding_pending"`
	Aggregate      bool   `json:"aggregate"`
	Bypass         bool   `json:"bypass"`
	UplinkPort     uint8  `json:"uplink_port"`
	Constellations string `json:"constellations"`
}
