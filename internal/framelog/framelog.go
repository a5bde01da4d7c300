// Package framelog captures uplink frames to a text log and replays them.
//
// Log format, one record per line:
//
//   - Blank lines and lines starting with '#' are ignored.
//   - "START" resets the origin; following times are relative to it.
//   - Data lines are <t_ns>,<port>,<hex>: nanoseconds since START, the
//     application port, and the frame bytes.
package framelog

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Record struct {
	At    time.Duration
	Port  uint8
	Frame []byte
}

// Start reports whether r is an origin marker.
func (r Record) Start() bool { return r.Frame == nil }

func ReadAll(r io.Reader) ([]Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		fields := strings.SplitN(line, ",", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: want <t_ns>,<port>,<hex>", lineNo)
		}
		tsNs, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil || tsNs < 0 {
			return nil, fmt.Errorf("line %d: invalid timestamp %q", lineNo, fields[0])
		}
		port, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid port %q", lineNo, fields[1])
		}
		b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(fields[2]), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid hex payload: %w", lineNo, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("line %d: empty payload", lineNo)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Port: uint8(port), Frame: b})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

// Writer appends frames to a log file. It is safe for concurrent use and
// satisfies the simulated stack's Sender.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	now    func() time.Time
	closed bool
}

// Create opens path for appending and writes a START marker.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 16*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now(), now: time.Now}, nil
}

// Send logs one frame. Each record is flushed so a crash loses nothing.
func (ww *Writer) Send(port uint8, frame []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("frame log is closed")
	}
	if len(frame) == 0 {
		return errors.New("frame is empty")
	}

	d := ww.now().Sub(ww.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(ww.w, "%d,%d,%s\n", d.Nanoseconds(), port, hex.EncodeToString(frame)); err != nil {
		return err
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play calls send for every frame with the recorded spacing divided by
// speed. START markers reset the origin.
func Play(records []Record, speed float64, sleeper Sleeper, send func(port uint8, frame []byte) error) (int, error) {
	if speed <= 0 {
		return 0, fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if send == nil {
		return 0, errors.New("send is nil")
	}

	var (
		origin, lastAt time.Duration
		haveLast       bool
		sent           int
	)
	for _, r := range records {
		if r.Start() {
			origin = r.At
			lastAt = 0
			haveLast = false
			continue
		}

		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if haveLast {
			if wait := time.Duration(float64(at-lastAt) / speed); wait > 0 {
				sleeper.Sleep(wait)
			}
		}
		if err := send(r.Port, r.Frame); err != nil {
			return sent, err
		}
		sent++
		lastAt = at
		haveLast = true
	}
	return sent, nil
}
