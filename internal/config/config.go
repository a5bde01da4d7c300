package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gnssmw/internal/aiding"
	"gnssmw/internal/scangroup"
	"gnssmw/internal/sequencer"
)

type Config struct {
	Middleware MiddlewareConfig `yaml:"middleware"`
	Modes      []ModeConfig     `yaml:"modes"`
	App        AppConfig        `yaml:"app"`
	Sim        SimConfig        `yaml:"sim"`
	Uplink     UplinkConfig     `yaml:"uplink"`
	Downlink   DownlinkConfig   `yaml:"downlink"`
	Radio      RadioConfig      `yaml:"radio"`
	Record     RecordConfig     `yaml:"record"`
	Web        WebConfig        `yaml:"web"`
}

type MiddlewareConfig struct {
	SchedulingMargin  time.Duration `yaml:"scheduling_margin"`
	TaskDuration      time.Duration `yaml:"task_duration"`
	DoneBudget        time.Duration `yaml:"done_budget"`
	UplinkPort        int           `yaml:"uplink_port"`
	Aggregate         bool          `yaml:"aggregate"`
	Bypass            bool          `yaml:"bypass"`
	Constellations    string        `yaml:"constellations"`
	AutonomousMinSV   int           `yaml:"autonomous_min_sv"`
	StackID           int           `yaml:"stack_id"`
	TraceTimeCritical bool          `yaml:"trace_time_critical"`
}

type ModeConfig struct {
	Name           string        `yaml:"name"`
	ScanGroupDelay time.Duration `yaml:"scan_group_delay"`
	GroupSize      int           `yaml:"group_size"`
	SVMin          int           `yaml:"sv_min"`
}

// AppConfig drives the demo application loop in cmd/gnssmw.
type AppConfig struct {
	AutoStart  bool          `yaml:"auto_start"`
	Mode       string        `yaml:"mode"`
	StartDelay time.Duration `yaml:"start_delay"`
	Interval   time.Duration `yaml:"interval"`
	Aiding     *AidingConfig `yaml:"aiding"`
}

type AidingConfig struct {
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
}

type SimConfig struct {
	Seed           int64         `yaml:"seed"`
	ScanDuration   time.Duration `yaml:"scan_duration"`
	Airtime        time.Duration `yaml:"airtime"`
	TimeSynced     *bool         `yaml:"time_synced"`
	MaxPayload     int           `yaml:"max_payload"`
	Satellites     int           `yaml:"satellites"`
	AbortRate      float64       `yaml:"abort_rate"`
	PowerPerScanUA int           `yaml:"power_per_scan_uah"`
	// Trajectory is an optional YAML track replayed by the receiver. Without
	// it the receiver orbits the aiding position.
	Trajectory   string  `yaml:"trajectory"`
	OrbitRadiusM float64 `yaml:"orbit_radius_m"`
}

type UplinkConfig struct {
	// Dest is a UDP address receiving every uplink frame.
	Dest string `yaml:"dest"`
	// LogPath, when set, captures every uplink frame to a replayable log.
	LogPath string `yaml:"log_path"`
}

// DownlinkConfig points at an NDJSON feed of network downlinks. Payloads on
// SolverPort are handed to the sequencer as solver aiding positions.
type DownlinkConfig struct {
	Feed       string `yaml:"feed"`
	SolverPort int    `yaml:"solver_port"`
}

type RadioConfig struct {
	PowerPin int `yaml:"power_pin"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent
// settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	mw := &cfg.Middleware
	if mw.SchedulingMargin <= 0 {
		mw.SchedulingMargin = 300 * time.Millisecond
	}
	if mw.TaskDuration <= 0 {
		mw.TaskDuration = 10 * time.Second
	}
	if mw.DoneBudget <= 0 {
		mw.DoneBudget = 3 * time.Millisecond
	}
	if mw.UplinkPort == 0 {
		mw.UplinkPort = 194
	}
	if mw.UplinkPort < 1 || mw.UplinkPort > 223 {
		return fmt.Errorf("middleware.uplink_port must be 1..223")
	}
	if _, err := sequencer.ParseConstellation(mw.Constellations); err != nil {
		return fmt.Errorf("middleware.constellations must be one of gps, beidou, both")
	}
	if strings.TrimSpace(mw.Constellations) == "" {
		mw.Constellations = "both"
	}
	if mw.AutonomousMinSV <= 0 {
		mw.AutonomousMinSV = 6
	}
	if mw.AutonomousMinSV > scangroup.MaxSatellites {
		return fmt.Errorf("middleware.autonomous_min_sv must be <= %d", scangroup.MaxSatellites)
	}
	if mw.StackID < 0 || mw.StackID > 255 {
		return fmt.Errorf("middleware.stack_id must be 0..255")
	}

	if len(cfg.Modes) == 0 {
		for _, m := range sequencer.DefaultModes() {
			cfg.Modes = append(cfg.Modes, ModeConfig{Name: m.Name, ScanGroupDelay: m.ScanGroupDelay, GroupSize: m.GroupSize, SVMin: m.MinSV})
		}
	}
	seen := map[string]bool{}
	for i := range cfg.Modes {
		m := &cfg.Modes[i]
		m.Name = strings.ToLower(strings.TrimSpace(m.Name))
		if m.Name == "" {
			return fmt.Errorf("modes[%d].name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("modes[%d].name %q is duplicated", i, m.Name)
		}
		seen[m.Name] = true
		if m.GroupSize < 1 || m.GroupSize > scangroup.MaxGroupSize {
			return fmt.Errorf("modes[%d].group_size must be 1..%d", i, scangroup.MaxGroupSize)
		}
		if m.SVMin < 0 || m.SVMin > scangroup.MaxSatellites {
			return fmt.Errorf("modes[%d].sv_min must be 0..%d", i, scangroup.MaxSatellites)
		}
		if m.ScanGroupDelay < 0 {
			return fmt.Errorf("modes[%d].scan_group_delay must be >= 0", i)
		}
	}

	app := &cfg.App
	app.Mode = strings.ToLower(strings.TrimSpace(app.Mode))
	if app.Mode == "" {
		app.Mode = cfg.Modes[0].Name
	}
	if !seen[app.Mode] {
		return fmt.Errorf("app.mode %q is not a configured mode", app.Mode)
	}
	if app.StartDelay < 0 {
		return fmt.Errorf("app.start_delay must be >= 0")
	}
	if app.Interval <= 0 {
		app.Interval = 60 * time.Second
	}
	if a := app.Aiding; a != nil {
		if a.LatDeg < -90 || a.LatDeg > 90 {
			return fmt.Errorf("app.aiding.lat_deg must be -90..90")
		}
		if a.LonDeg < -180 || a.LonDeg > 180 {
			return fmt.Errorf("app.aiding.lon_deg must be -180..180")
		}
	}

	sim := &cfg.Sim
	if sim.Seed == 0 {
		sim.Seed = 1
	}
	if sim.ScanDuration <= 0 {
		sim.ScanDuration = 2 * time.Second
	}
	if sim.ScanDuration >= mw.TaskDuration {
		return fmt.Errorf("sim.scan_duration must be shorter than middleware.task_duration")
	}
	if sim.Airtime <= 0 {
		sim.Airtime = 400 * time.Millisecond
	}
	if sim.TimeSynced == nil {
		v := true
		sim.TimeSynced = &v
	}
	if sim.MaxPayload <= 0 {
		sim.MaxPayload = 242
	}
	if sim.Satellites <= 0 {
		sim.Satellites = 8
	}
	if sim.Satellites > scangroup.MaxSatellites {
		return fmt.Errorf("sim.satellites must be <= %d", scangroup.MaxSatellites)
	}
	if sim.AbortRate < 0 || sim.AbortRate >= 1 {
		return fmt.Errorf("sim.abort_rate must be in [0,1)")
	}
	if sim.PowerPerScanUA <= 0 {
		sim.PowerPerScanUA = 45
	}
	sim.Trajectory = strings.TrimSpace(sim.Trajectory)
	if sim.OrbitRadiusM < 0 {
		return fmt.Errorf("sim.orbit_radius_m must be >= 0")
	}
	if sim.OrbitRadiusM == 0 {
		sim.OrbitRadiusM = 500
	}

	cfg.Uplink.Dest = strings.TrimSpace(cfg.Uplink.Dest)
	cfg.Uplink.LogPath = strings.TrimSpace(cfg.Uplink.LogPath)

	cfg.Downlink.Feed = strings.TrimSpace(cfg.Downlink.Feed)
	if cfg.Downlink.SolverPort == 0 {
		cfg.Downlink.SolverPort = 150
	}
	if cfg.Downlink.SolverPort < 1 || cfg.Downlink.SolverPort > 255 {
		return fmt.Errorf("downlink.solver_port must be 1..255")
	}

	if cfg.Record.Enable && strings.TrimSpace(cfg.Record.Path) == "" {
		return fmt.Errorf("record.path is required when record.enable is true")
	}
	if cfg.Radio.PowerPin < 0 {
		return fmt.Errorf("radio.power_pin must be >= 0")
	}
	return nil
}

// SequencerConfig builds the controller policy from cfg. cfg must have been
// through DefaultAndValidate.
func (cfg Config) SequencerConfig() sequencer.Config {
	cons, _ := sequencer.ParseConstellation(cfg.Middleware.Constellations)
	modes := make([]sequencer.ModeDescriptor, 0, len(cfg.Modes))
	for _, m := range cfg.Modes {
		modes = append(modes, sequencer.ModeDescriptor{
			Name:           m.Name,
			ScanGroupDelay: m.ScanGroupDelay,
			GroupSize:      m.GroupSize,
			MinSV:          m.SVMin,
		})
	}
	return sequencer.Config{
		Modes:             modes,
		SchedulingMargin:  cfg.Middleware.SchedulingMargin,
		TaskDuration:      cfg.Middleware.TaskDuration,
		DoneBudget:        cfg.Middleware.DoneBudget,
		AutonomousMinSV:   cfg.Middleware.AutonomousMinSV,
		UplinkPort:        uint8(cfg.Middleware.UplinkPort),
		Constellations:    cons,
		Aggregate:         cfg.Middleware.Aggregate,
		Bypass:            cfg.Middleware.Bypass,
		TraceTimeCritical: cfg.Middleware.TraceTimeCritical,
	}
}

// AidingPosition returns the configured initial aiding position, if any.
func (a AppConfig) AidingPosition() (aiding.Position, bool) {
	if a.Aiding == nil {
		return aiding.Position{}, false
	}
	return aiding.Position{Latitude: float32(a.Aiding.LatDeg), Longitude: float32(a.Aiding.LonDeg)}, true
}
