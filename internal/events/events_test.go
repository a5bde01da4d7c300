package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_AddHas(t *testing.T) {
	var s Set
	require.True(t, s.Empty())

	s = s.Add(ScanDone).Add(Terminated)
	assert.True(t, Has(s, ScanDone))
	assert.True(t, Has(s, Terminated))
	assert.False(t, Has(s, Cancelled))
	assert.Equal(t, Set(0b11), s)
	assert.Equal(t, "scan_done|terminated", s.String())

	// Adding twice is idempotent.
	assert.Equal(t, s, s.Add(ScanDone))
}

func TestSet_InvalidTagIgnored(t *testing.T) {
	var s Set
	s = s.Add(Tag(42))
	assert.True(t, s.Empty())
	assert.False(t, s.Has(Tag(42)))
	assert.Equal(t, "none", s.String())
}

func TestTag_Terminal(t *testing.T) {
	for _, tag := range AllTags() {
		if tag == ScanDone {
			assert.False(t, tag.Terminal(), tag.String())
			continue
		}
		assert.True(t, tag.Terminal(), tag.String())
	}
	assert.Len(t, AllTags(), 7)
}

func TestFault_Event(t *testing.T) {
	cases := []struct {
		fault Fault
		want  Tag
	}{
		{FaultNoTime, ErrorNoTime},
		{FaultScanFailed, ErrorUnknown},
		{FaultUnknown, ErrorUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.fault.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.fault.Event())
		})
	}
}

func TestNotifier_EmitSignalsAccumulatedSet(t *testing.T) {
	var got []Set
	n := &Notifier{Signal: func(s Set) { got = append(got, s) }}

	n.Emit(ScanDone)
	n.Emit(Terminated)

	require.Len(t, got, 2)
	assert.Equal(t, Set(0).Add(ScanDone), got[0])
	assert.Equal(t, Set(0).Add(ScanDone).Add(Terminated), got[1])
	assert.Equal(t, got[1], n.Pending())
}

func TestNotifier_ClearKeepsFault(t *testing.T) {
	n := &Notifier{}
	n.SetFault(FaultNoTime)
	n.Emit(ErrorNoTime)

	n.Clear()
	assert.True(t, n.Pending().Empty())
	assert.Equal(t, FaultNoTime, n.Fault())

	n.Emit(Cancelled)
	n.Reset()
	assert.True(t, n.Pending().Empty())
	assert.Equal(t, FaultNone, n.Fault())
}

func TestNotifier_ClearSetKeepsOtherTags(t *testing.T) {
	n := &Notifier{}
	n.Emit(ScanDone)
	n.Emit(Terminated)

	n.ClearSet(Set(0).Add(ScanDone))
	assert.Equal(t, Set(0).Add(Terminated), n.Pending())
}
