package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gnssmw/internal/config"
	"gnssmw/internal/downlink"
	"gnssmw/internal/framelog"
	"gnssmw/internal/hal"
	"gnssmw/internal/metrics"
	"gnssmw/internal/radio"
	"gnssmw/internal/record"
	"gnssmw/internal/sequencer"
	"gnssmw/internal/sim"
	"gnssmw/internal/udp"
	"gnssmw/internal/web"
)

const scanTaskID sequencer.TaskID = 1

// runtime owns everything the daemon wires around the sequencer.
type runtime struct {
	status *web.Status

	sched   *sim.Scheduler
	drv     *sim.Driver
	stack   *sim.Stack
	sender  *udp.Broadcaster
	frames  *framelog.Writer
	feed    *downlink.Client
	line    *radio.PowerLine
	db      *record.DB
	metrics *metrics.Collector
	ctl     *sequencer.Controller

	mu  sync.Mutex
	cfg config.Config
}

func newRuntime(cfg config.Config, reg prometheus.Registerer, status *web.Status) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}

	r := &runtime{cfg: c, status: status}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}
	r.metrics = collector

	if c.Uplink.Dest != "" {
		b, err := udp.NewBroadcaster(c.Uplink.Dest)
		if err != nil {
			return nil, fmt.Errorf("udp broadcaster init failed: %w", err)
		}
		r.sender = b
	}

	if c.Uplink.LogPath != "" {
		w, err := framelog.Create(c.Uplink.LogPath)
		if err != nil {
			return nil, fmt.Errorf("uplink frame log open failed: %w", err)
		}
		r.frames = w
	}

	if c.Downlink.Feed != "" {
		feed, err := downlink.NewClient(downlink.ClientConfig{Addr: c.Downlink.Feed})
		if err != nil {
			return nil, fmt.Errorf("downlink feed init failed: %w", err)
		}
		r.feed = feed
		status.SetDownlink(feed)
	}

	if c.Radio.PowerPin > 0 {
		line, err := radio.OpenPowerLine(c.Radio.PowerPin)
		if err != nil {
			return nil, fmt.Errorf("radio power line init failed: %w", err)
		}
		r.line = line
	}

	if c.Record.Enable {
		db, err := record.Open(c.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("record db open failed: %w", err)
		}
		r.db = db
	}

	pos, err := receiverPosition(c)
	if err != nil {
		return nil, err
	}

	clock := hal.MonotonicClock{}
	r.sched = sim.NewScheduler(clock, c.Sim.AbortRate, c.Sim.Seed)

	r.drv = sim.NewDriver(c.Sim.Seed)
	r.drv.ScanDuration = c.Sim.ScanDuration
	r.drv.Satellites = c.Sim.Satellites
	r.drv.PowerPerScan = uint32(c.Sim.PowerPerScanUA)
	r.drv.Position = pos
	r.drv.OnScanDone = func() {
		if err := r.sched.Finish(scanTaskID, sequencer.TaskScanDone); err != nil {
			log.Printf("scan completion dropped: %v", err)
		}
	}

	r.stack = sim.NewStack(c.Sim.MaxPayload, c.Sim.Airtime, nil)
	var senders sim.Senders
	if r.sender != nil {
		senders = append(senders, r.sender)
	}
	if r.frames != nil {
		senders = append(senders, r.frames)
	}
	if len(senders) > 0 {
		r.stack.Sender = senders
	}
	r.stack.SetTimeSynced(*c.Sim.TimeSynced)

	sc := c.SequencerConfig()
	sc.TaskID = scanTaskID
	deps := sequencer.Deps{
		Scheduler: r.sched,
		Stack:     r.stack,
		Clock:     clock,
		Observer:  collector,
	}
	if r.line != nil {
		deps.PowerLine = r.line
	}
	ctl, err := sequencer.New(sc, deps)
	if err != nil {
		return nil, fmt.Errorf("sequencer init failed: %w", err)
	}
	r.ctl = ctl

	status.SetStatic(c.Uplink.Dest, simInfoSnapshot(c))
	ok = true
	return r, nil
}

// receiverPosition picks where the simulated receiver is: a replayed
// trajectory when configured, otherwise an orbit around the aiding position.
func receiverPosition(c config.Config) (sim.Position, error) {
	if c.Sim.Trajectory != "" {
		script, err := sim.LoadTrajectoryScript(c.Sim.Trajectory)
		if err != nil {
			return nil, fmt.Errorf("load trajectory: %w", err)
		}
		tr, err := sim.NewTrajectory(script, time.Now())
		if err != nil {
			return nil, fmt.Errorf("trajectory %s: %w", c.Sim.Trajectory, err)
		}
		return tr.Position, nil
	}
	o := sim.Orbit{RadiusM: c.Sim.OrbitRadiusM}
	if a := c.App.Aiding; a != nil {
		o.CenterLatDeg, o.CenterLonDeg = a.LatDeg, a.LonDeg
	}
	return o.Position, nil
}

func simInfoSnapshot(c config.Config) map[string]any {
	return map[string]any{
		"seed":          c.Sim.Seed,
		"abort_rate":    c.Sim.AbortRate,
		"time_synced":   *c.Sim.TimeSynced,
		"max_payload":   c.Sim.MaxPayload,
		"scan_duration": c.Sim.ScanDuration.String(),
		"trajectory":    c.Sim.Trajectory,
	}
}

// Start runs the sequencer and initializes it with the simulated receiver.
// The returned channel is closed when the sequencer stops.
func (r *runtime) Start(ctx context.Context) (<-chan struct{}, error) {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := r.ctl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sequencer stopped: %v", err)
		}
	}()

	cfg := r.Config()
	if err := r.ctl.Init(r.drv, uint8(cfg.Middleware.StackID)); err != nil {
		return stopped, err
	}
	if pos, ok := cfg.App.AidingPosition(); ok {
		if err := r.ctl.SetUserAidingPosition(pos.Latitude, pos.Longitude); err != nil {
			return stopped, err
		}
	}
	if r.feed != nil {
		if err := r.feed.Start(ctx, r.onDownlink); err != nil {
			return stopped, err
		}
		log.Printf("downlink feed addr=%s solver_port=%d", cfg.Downlink.Feed, cfg.Downlink.SolverPort)
	}
	log.Printf("gnssmw %s ready mode=%s auto_start=%t", r.ctl.Version(), cfg.App.Mode, cfg.App.AutoStart)
	return stopped, nil
}

// onDownlink forwards solver payloads to the sequencer. Other ports are
// ignored.
func (r *runtime) onDownlink(msg downlink.Message) error {
	if int(msg.Port) != r.Config().Downlink.SolverPort {
		return nil
	}
	if err := r.ctl.SetSolverAidingPosition(msg.Payload); err != nil {
		return fmt.Errorf("solver aiding: %w", err)
	}
	log.Printf("solver aiding position received len=%d", len(msg.Payload))
	return nil
}

func (r *runtime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Apply makes the runtime-tunable middleware settings of next effective.
// Any other difference requires a restart.
func (r *runtime) Apply(next config.Config) error {
	c := next
	if err := config.DefaultAndValidate(&c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	probe := c
	probe.Middleware.UplinkPort = r.cfg.Middleware.UplinkPort
	probe.Middleware.Constellations = r.cfg.Middleware.Constellations
	probe.Middleware.Aggregate = r.cfg.Middleware.Aggregate
	probe.Middleware.Bypass = r.cfg.Middleware.Bypass
	if !reflect.DeepEqual(probe, r.cfg) {
		return fmt.Errorf("only middleware uplink_port, constellations, aggregate and bypass can change without restart")
	}

	cons, err := sequencer.ParseConstellation(c.Middleware.Constellations)
	if err != nil {
		return err
	}
	if err := r.ctl.SetUplinkPort(uint8(c.Middleware.UplinkPort)); err != nil {
		return err
	}
	if err := r.ctl.SetConstellations(cons); err != nil {
		return err
	}
	if err := r.ctl.SetAggregateMode(c.Middleware.Aggregate); err != nil {
		return err
	}
	if err := r.ctl.SetBypassMode(c.Middleware.Bypass); err != nil {
		return err
	}
	r.cfg = c
	return nil
}

// WebOptions exposes the runtime to the HTTP API.
func (r *runtime) WebOptions(configPath string, logs *web.LogBuffer) web.Options {
	opts := web.Options{
		Status:     r.status,
		Controller: r.ctl,
		Settings:   web.SettingsStore{ConfigPath: configPath, Apply: r.Apply},
		Logs:       logs,
		Gatherer:   r.metrics.Gatherer(),
	}
	if r.db != nil {
		opts.Groups = r.db
	}
	return opts
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.feed != nil {
		r.feed.Close()
		r.feed = nil
	}
	if r.db != nil {
		_ = r.db.Close()
		r.db = nil
	}
	if r.sender != nil {
		_ = r.sender.Close()
		r.sender = nil
	}
	if r.frames != nil {
		_ = r.frames.Close()
		r.frames = nil
	}
	if r.line != nil {
		_ = r.line.Close()
		r.line = nil
	}
}
