package framelog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0, 194, 0102
10, 7, 0a 0b
`)

	recs, err := ReadAll(in)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if !recs[0].Start() {
		t.Fatalf("expected START marker, got %+v", recs[0])
	}
	if recs[1].Port != 194 || !reflect.DeepEqual(recs[1].Frame, []byte{0x01, 0x02}) {
		t.Fatalf("unexpected record 1: %+v", recs[1])
	}
	if recs[2].At != 10*time.Nanosecond || recs[2].Port != 7 {
		t.Fatalf("unexpected record 2: %+v", recs[2])
	}
	if !reflect.DeepEqual(recs[2].Frame, []byte{0x0a, 0x0b}) {
		t.Fatalf("unexpected frame 2: %x", recs[2].Frame)
	}
}

func TestReadAll_Invalid(t *testing.T) {
	for _, in := range []string{
		"0,0102",
		"x,1,0102",
		"-1,1,0102",
		"0,300,0102",
		"0,1,zz",
		"0,1,",
	} {
		if _, err := ReadAll(strings.NewReader(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.log")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	base := w.start
	at := []time.Time{base.Add(5 * time.Millisecond), base.Add(20 * time.Millisecond)}
	i := 0
	w.now = func() time.Time { v := at[i]; i++; return v }

	if err := w.Send(194, []byte{0x01, 0xCA}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := w.Send(194, []byte{0x81, 0xFE}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if err := w.Send(194, nil); err == nil {
		t.Fatalf("expected error for empty frame")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.Send(1, []byte{1}); err == nil {
		t.Fatalf("expected error after close")
	}

	recs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records=%d want 3", len(recs))
	}
	if recs[1].At != 5*time.Millisecond || recs[2].At != 20*time.Millisecond {
		t.Fatalf("times=%s,%s", recs[1].At, recs[2].At)
	}
	if !reflect.DeepEqual(recs[2].Frame, []byte{0x81, 0xFE}) {
		t.Fatalf("frame=%x", recs[2].Frame)
	}

	// A second writer appends a new segment.
	w2, err := Create(path)
	if err != nil {
		t.Fatalf("Create() again: %v", err)
	}
	_ = w2.Close()
	b, _ := os.ReadFile(path)
	if strings.Count(string(b), "START") != 2 {
		t.Fatalf("expected two segments, got:\n%s", b)
	}
}

func TestPlay_TimingAndStartMarkers(t *testing.T) {
	recs := []Record{
		{},
		{At: 0, Port: 1, Frame: []byte{1}},
		{At: 100 * time.Millisecond, Port: 1, Frame: []byte{2}},
		{At: 500 * time.Millisecond},
		{At: 500 * time.Millisecond, Port: 2, Frame: []byte{3}},
		{At: 700 * time.Millisecond, Port: 2, Frame: []byte{4}},
	}
	sl := &fakeSleeper{}
	var got []byte
	var ports []uint8
	n, err := Play(recs, 2, sl, func(port uint8, frame []byte) error {
		ports = append(ports, port)
		got = append(got, frame...)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if n != 4 {
		t.Fatalf("sent=%d want 4", n)
	}
	if !reflect.DeepEqual(got, []byte{1, 2, 3, 4}) || !reflect.DeepEqual(ports, []uint8{1, 1, 2, 2}) {
		t.Fatalf("got frames=%v ports=%v", got, ports)
	}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if !reflect.DeepEqual(sl.slept, want) {
		t.Fatalf("slept=%v want %v", sl.slept, want)
	}
}

func TestPlay_Errors(t *testing.T) {
	if _, err := Play(nil, 0, nil, func(uint8, []byte) error { return nil }); err == nil {
		t.Fatalf("expected speed error")
	}
	if _, err := Play(nil, 1, nil, nil); err == nil {
		t.Fatalf("expected nil send error")
	}
	boom := errors.New("boom")
	n, err := Play([]Record{{Port: 1, Frame: []byte{1}}, {Port: 1, Frame: []byte{2}}}, 1, &fakeSleeper{}, func(uint8, []byte) error { return boom })
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
