package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// TrajectoryScript is a replayable receiver track.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 10m
//	loop: true
//	keyframes:
//	  - t: 0s
//	    lat_deg: 45.18
//	    lon_deg: 5.72
//	  - t: 5m
//	    lat_deg: 45.19
//	    lon_deg: 5.74
//
// Keyframes must use non-decreasing t values. If Duration is zero it is
// derived from the last keyframe.
type TrajectoryScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Loop      bool          `yaml:"loop"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

type Keyframe struct {
	T      time.Duration `yaml:"t"`
	LatDeg float64       `yaml:"lat_deg"`
	LonDeg float64       `yaml:"lon_deg"`
}

type Trajectory struct {
	script   TrajectoryScript
	duration time.Duration
	start    time.Time
}

func LoadTrajectoryScript(path string) (TrajectoryScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TrajectoryScript{}, err
	}
	return ParseTrajectoryScriptYAML(b)
}

func ParseTrajectoryScriptYAML(b []byte) (TrajectoryScript, error) {
	var s TrajectoryScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return TrajectoryScript{}, err
	}
	return s, nil
}

// NewTrajectory validates script. Elapsed time is measured from start.
func NewTrajectory(script TrajectoryScript, start time.Time) (*Trajectory, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported trajectory version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.LatDeg < -90 || kf.LatDeg > 90 {
			return nil, fmt.Errorf("keyframes[%d].lat_deg out of range", i)
		}
		if kf.LonDeg < -180 || kf.LonDeg > 180 {
			return nil, fmt.Errorf("keyframes[%d].lon_deg out of range", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	if dur <= 0 && len(script.Keyframes) > 1 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}
	return &Trajectory{script: script, duration: dur, start: start}, nil
}

func (t *Trajectory) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.duration
}

// Position returns the receiver position at now.
func (t *Trajectory) Position(now time.Time) (latDeg, lonDeg float64) {
	return t.At(now.Sub(t.start))
}

// At returns the position at elapsed. Elapsed wraps when the script loops
// and is clamped otherwise.
func (t *Trajectory) At(elapsed time.Duration) (latDeg, lonDeg float64) {
	if elapsed < 0 {
		elapsed = 0
	}
	if t.duration > 0 {
		if t.script.Loop {
			elapsed = elapsed % t.duration
		} else if elapsed > t.duration {
			elapsed = t.duration
		}
	}
	k0, k1, alpha := selectSegment(t.script.Keyframes, elapsed)
	return lerp(k0.LatDeg, k1.LatDeg, alpha), lerp(k0.LonDeg, k1.LonDeg, alpha)
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
