package uplink

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStack struct {
	max       int
	maxErr    error
	duty      time.Duration
	reqErr    error
	requests  [][]byte
	ports     []uint8
	callbacks []func()
}

func (f *fakeStack) MaxPayload() (int, error)          { return f.max, f.maxErr }
func (f *fakeStack) DutyCycle() (time.Duration, error) { return f.duty, nil }

func (f *fakeStack) RequestUplink(port uint8, frame []byte, done func()) error {
	if f.reqErr != nil {
		return f.reqErr
	}
	f.ports = append(f.ports, port)
	f.requests = append(f.requests, frame)
	f.callbacks = append(f.callbacks, done)
	return nil
}

type fakeSource struct {
	frames [][]byte
	next   int
	polled int
}

func (s *fakeSource) Next() ([]byte, bool) {
	s.polled++
	if s.next >= len(s.frames) {
		return nil, false
	}
	f := s.frames[s.next]
	s.next++
	return f, true
}

func TestDrain_BypassNeverConsultsSource(t *testing.T) {
	st := &fakeStack{max: 100}
	src := &fakeSource{frames: [][]byte{{1}}}
	d := &Drain{Stack: st, Port: DefaultPort, Bypass: true}

	assert.Equal(t, NothingToSend, d.Step(src, func() {}))
	assert.Zero(t, src.polled)
	assert.Empty(t, st.requests)
}

func TestDrain_SendsInOrderThenNothing(t *testing.T) {
	st := &fakeStack{max: 100}
	src := &fakeSource{frames: [][]byte{{1}, {2}}}
	d := &Drain{Stack: st, Port: 7}

	assert.Equal(t, Sent, d.Step(src, func() {}))
	assert.Equal(t, Sent, d.Step(src, func() {}))
	assert.Equal(t, NothingToSend, d.Step(src, func() {}))

	assert.Equal(t, [][]byte{{1}, {2}}, st.requests)
	assert.Equal(t, []uint8{7, 7}, st.ports)
}

func TestDrain_Failures(t *testing.T) {
	cases := []struct {
		name   string
		stack  *fakeStack
		wantIs error
	}{
		{name: "Oversized", stack: &fakeStack{max: 1}, wantIs: ErrPayloadTooLarge},
		{name: "Rejected", stack: &fakeStack{max: 100, reqErr: errors.New("busy")}},
		{name: "MaxPayloadErr", stack: &fakeStack{maxErr: errors.New("not joined")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{frames: [][]byte{{1, 2, 3}}}
			d := &Drain{Stack: tc.stack, Port: DefaultPort}
			require.Equal(t, Failed, d.Step(src, func() {}))
			require.Error(t, d.LastErr)
			if tc.wantIs != nil {
				assert.ErrorIs(t, d.LastErr, tc.wantIs)
			}
			assert.Empty(t, tc.stack.requests)
		})
	}
}

func TestDrain_NegativeDutyCycleStillSends(t *testing.T) {
	st := &fakeStack{max: 100, duty: -2 * time.Second}
	d := &Drain{Stack: st}
	assert.Equal(t, Sent, d.Step(&fakeSource{frames: [][]byte{{1}}}, func() {}))
}
