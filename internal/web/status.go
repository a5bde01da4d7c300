package web

import (
	"sync/atomic"
	"time"

	"gnssmw/internal/downlink"
	"gnssmw/internal/sequencer"
)

// Status holds what the host loop reports besides the sequencer snapshot.
type Status struct {
	startUnixNano  int64
	groupsReported uint64
	framesSent     uint64
	lastEventNano  int64
	lastEvent      atomic.Value // string
	uplinkDest     atomic.Value // string
	simInfo        atomic.Value // map[string]any
	downlink       atomic.Pointer[downlink.Client]
}

func NewStatus() *Status {
	s := &Status{}
	now := time.Now().UTC()
	atomic.StoreInt64(&s.startUnixNano, now.UnixNano())
	s.lastEvent.Store("")
	s.uplinkDest.Store("")
	s.simInfo.Store(map[string]any{})
	return s
}

func (s *Status) SetStatic(uplinkDest string, simInfo map[string]any) {
	if uplinkDest != "" {
		s.uplinkDest.Store(uplinkDest)
	}
	if simInfo != nil {
		s.simInfo.Store(simInfo)
	}
}

// SetDownlink attaches the downlink feed reported in snapshots.
func (s *Status) SetDownlink(c *downlink.Client) {
	s.downlink.Store(c)
}

// MarkEvent records the latest event set handled by the host.
func (s *Status) MarkEvent(nowUTC time.Time, pending string) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastEventNano, nowUTC.UnixNano())
	s.lastEvent.Store(pending)
}

func (s *Status) MarkGroupReported() {
	atomic.AddUint64(&s.groupsReported, 1)
}

func (s *Status) AddFramesSent(n int) {
	if n > 0 {
		atomic.AddUint64(&s.framesSent, uint64(n))
	}
}

type StatusSnapshot struct {
	Service         string             `json:"service"`
	Version         string             `json:"version,omitempty"`
	NowUTC          string             `json:"now_utc"`
	UptimeSec       int64              `json:"uptime_sec"`
	UplinkDest      string             `json:"uplink_dest"`
	GroupsReported  uint64             `json:"groups_reported"`
	FramesSentTotal uint64             `json:"frames_sent_total"`
	LastEvent       string             `json:"last_event,omitempty"`
	LastEventUTC    string             `json:"last_event_utc,omitempty"`
	Sim             map[string]any     `json:"sim"`
	Downlink        *downlink.Snapshot `json:"downlink,omitempty"`
	Sequencer       sequencer.Snapshot `json:"sequencer"`
}

// Snapshot merges the host counters with the sequencer state. ctl may be nil.
func (s *Status) Snapshot(nowUTC time.Time, ctl Controller) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	uptime := nowUTC.Sub(start)

	snap := StatusSnapshot{
		Service:         "gnssmw",
		NowUTC:          nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:       int64(uptime.Seconds()),
		UplinkDest:      s.uplinkDest.Load().(string),
		GroupsReported:  atomic.LoadUint64(&s.groupsReported),
		FramesSentTotal: atomic.LoadUint64(&s.framesSent),
		LastEvent:       s.lastEvent.Load().(string),
		Sim:             s.simInfo.Load().(map[string]any),
	}
	if last := atomic.LoadInt64(&s.lastEventNano); last != 0 {
		snap.LastEventUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	if c := s.downlink.Load(); c != nil {
		d := c.Snapshot()
		snap.Downlink = &d
	}
	if ctl != nil {
		snap.Version = ctl.Version().String()
		snap.Sequencer = ctl.Snapshot()
	}
	return snap
}
