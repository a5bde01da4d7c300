package sim

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnssmw/internal/events"
	"gnssmw/internal/sequencer"
)

type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
	ports  []uint8
}

func (c *captureSender) Send(port uint8, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = append(c.ports, port)
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func TestStack_TimeRequiresSync(t *testing.T) {
	s := NewStack(51, 0, nil)
	s.Now = func() time.Time { return time.Unix(315964800+100, 0) }

	gps, err := s.Time()
	require.NoError(t, err)
	assert.Equal(t, uint32(118), gps)

	s.SetTimeSynced(false)
	_, err = s.Time()
	assert.True(t, errors.Is(err, sequencer.ErrNoTime))
}

func TestStack_UplinkSendsThenCallsDone(t *testing.T) {
	sender := &captureSender{}
	s := NewStack(51, time.Millisecond, sender)
	done := make(chan struct{})

	require.NoError(t, s.RequestUplink(194, []byte{0x81, 1, 2}, func() { close(done) }))
	assert.ErrorIs(t, s.RequestUplink(194, []byte{1}, nil), ErrUplinkBusy)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("uplink not completed")
	}
	assert.Equal(t, 1, s.Sent())
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, []uint8{194}, sender.ports)
	assert.Equal(t, [][]byte{{0x81, 1, 2}}, sender.frames)
}

func TestStack_RejectsOversizedFrame(t *testing.T) {
	s := NewStack(2, 0, nil)
	assert.Error(t, s.RequestUplink(1, []byte{1, 2, 3}, nil))
	n, err := s.MaxPayload()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStack_DutyCycleSpentByAirtime(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewStack(10, 10*time.Second, nil)
	s.Now = func() time.Time { return now }
	s.DutyCycleBudget = 15 * time.Second

	require.NoError(t, s.RequestUplink(1, []byte{1}, nil))
	left, err := s.DutyCycle()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, left)

	now = now.Add(2 * time.Hour)
	left, _ = s.DutyCycle()
	assert.Equal(t, 15*time.Second, left)
}

func TestStack_SignalEventsNonBlocking(t *testing.T) {
	s := NewStack(10, 0, nil)
	for i := 0; i < cap(s.events)+3; i++ {
		s.SignalEvents(events.Set(0).Add(events.ScanDone))
	}
	got := <-s.Events()
	assert.True(t, got.Has(events.ScanDone))
}

type failingSender struct{ err error }

func (f failingSender) Send(uint8, []byte) error { return f.err }

func TestSenders_FanOutJoinsErrors(t *testing.T) {
	a, b := &captureSender{}, &captureSender{}
	boom := errors.New("boom")
	err := Senders{a, failingSender{boom}, b}.Send(3, []byte{9})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.frames, 1)
	assert.Len(t, b.frames, 1)
	assert.NoError(t, Senders{}.Send(1, []byte{1}))
}
