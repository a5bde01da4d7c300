package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnssmw/internal/record"
	"gnssmw/internal/sequencer"
)

type fakeController struct {
	mu sync.Mutex

	startErr  error
	cancelErr error
	aidErr    error

	started    []sequencer.Mode
	delays     []time.Duration
	cancels    int
	userLat    float32
	userLon    float32
	solver     []byte
	snapshot   sequencer.Snapshot
	knownModes map[string]sequencer.Mode
}

func newFakeController() *fakeController {
	return &fakeController{
		snapshot:   sequencer.Snapshot{Initialized: true, State: "idle"},
		knownModes: map[string]sequencer.Mode{"static": sequencer.ModeStatic, "mobile": sequencer.ModeMobile},
	}
}

func (f *fakeController) Version() sequencer.Version { return sequencer.CurrentVersion }
func (f *fakeController) Snapshot() sequencer.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeController) Start(mode sequencer.Mode, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, mode)
	f.delays = append(f.delays, d)
	f.snapshot.State = "scheduled"
	return nil
}

func (f *fakeController) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakeController) SetUserAidingPosition(lat, lon float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userLat, f.userLon = lat, lon
	return f.aidErr
}

func (f *fakeController) SetSolverAidingPosition(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solver = append([]byte(nil), p...)
	return f.aidErr
}

// locked runs fn with the fake's fields stable.
func (f *fakeController) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeController) ModeByName(name string) (sequencer.Mode, bool) {
	m, ok := f.knownModes[name]
	return m, ok
}

type fakeGroups struct {
	groups []record.GroupSummary
	err    error
	limit  int
}

func (g *fakeGroups) RecentGroups(limit int) ([]record.GroupSummary, error) {
	g.limit = limit
	return g.groups, g.err
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic("127.0.0.1:4000", map[string]any{"seed": 1})
	st.MarkGroupReported()
	st.AddFramesSent(3)
	st.MarkEvent(time.Time{}, "scan_done")
	ctl := newFakeController()

	ts := httptest.NewServer(Handler(Options{Status: st, Controller: ctl}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "gnssmw", snap.Service)
	assert.Equal(t, "2.1.0", snap.Version)
	assert.Equal(t, "127.0.0.1:4000", snap.UplinkDest)
	assert.Equal(t, uint64(1), snap.GroupsReported)
	assert.Equal(t, uint64(3), snap.FramesSentTotal)
	assert.Equal(t, "scan_done", snap.LastEvent)
	assert.NotEmpty(t, snap.LastEventUTC)
	assert.Equal(t, "idle", snap.Sequencer.State)
	assert.Nil(t, snap.Downlink)
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	resp := post(t, ts.URL+"/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
}

func TestScanStart(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(Handler(Options{Controller: ctl}))
	defer ts.Close()

	resp := post(t, ts.URL+"/api/scan/start", `{"mode":"Mobile","start_delay":"2s"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ctl.locked(func() {
		assert.Equal(t, []sequencer.Mode{sequencer.ModeMobile}, ctl.started)
		assert.Equal(t, []time.Duration{2 * time.Second}, ctl.delays)
	})
}

func TestScanStart_Errors(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{name: "UnknownMode", body: `{"mode":"flying"}`, want: http.StatusBadRequest},
		{name: "BadDelay", body: `{"mode":"static","start_delay":"soon"}`, want: http.StatusBadRequest},
		{name: "UnknownField", body: `{"mode":"static","x":1}`, want: http.StatusBadRequest},
		{name: "Busy", body: `{"mode":"static"}`, startErr: sequencer.ErrBusy, want: http.StatusConflict},
		{name: "Invalid", body: `{"mode":"static","start_delay":"-1s"}`, startErr: fmt.Errorf("%w: negative", sequencer.ErrInvalidArgument), want: http.StatusBadRequest},
		{name: "NotReady", body: `{"mode":"static"}`, startErr: sequencer.ErrNotReady, want: http.StatusServiceUnavailable},
		{name: "Failed", body: `{"mode":"static"}`, startErr: sequencer.ErrFailed, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctl := newFakeController()
			ctl.startErr = tc.startErr
			ts := httptest.NewServer(Handler(Options{Controller: ctl}))
			defer ts.Close()

			resp := post(t, ts.URL+"/api/scan/start", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestScanCancel(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(Handler(Options{Controller: ctl}))
	defer ts.Close()

	resp := post(t, ts.URL+"/api/scan/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ctl.locked(func() {
		assert.Equal(t, 1, ctl.cancels)
		ctl.cancelErr = sequencer.ErrBusy
	})
	resp = post(t, ts.URL+"/api/scan/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScan_NoController(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	resp := post(t, ts.URL+"/api/scan/start", `{"mode":"static"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAiding(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(Handler(Options{Controller: ctl}))
	defer ts.Close()

	resp := post(t, ts.URL+"/api/aiding", `{"lat_deg":45.5,"lon_deg":-1.25}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctl.locked(func() {
		assert.Equal(t, float32(45.5), ctl.userLat)
		assert.Equal(t, float32(-1.25), ctl.userLon)
	})

	resp = post(t, ts.URL+"/api/aiding", `{"solver_hex":"0102abcd"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctl.locked(func() { assert.Equal(t, []byte{0x01, 0x02, 0xAB, 0xCD}, ctl.solver) })

	for _, body := range []string{
		`{}`,
		`{"lat_deg":1}`,
		`{"lat_deg":91,"lon_deg":0}`,
		`{"lat_deg":1,"lon_deg":1,"solver_hex":"00"}`,
		`{"solver_hex":"zz"}`,
	} {
		resp = post(t, ts.URL+"/api/aiding", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	ctl.locked(func() { ctl.aidErr = sequencer.ErrInvalidArgument })
	resp = post(t, ts.URL+"/api/aiding", `{"solver_hex":"01"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIGroups(t *testing.T) {
	groups := &fakeGroups{groups: []record.GroupSummary{{GroupID: "g1", SequenceID: "s1", Token: 3, Scans: 2}}}
	ts := httptest.NewServer(Handler(Options{Groups: groups}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/groups?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Groups []record.GroupSummary `json:"groups"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, groups.groups[0].GroupID, out.Groups[0].GroupID)
	assert.Equal(t, 5, groups.limit)

	resp2, err := http.Get(ts.URL + "/api/groups?limit=0")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestAPIGroups_Disabled(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/groups")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "gnssmw_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ts := httptest.NewServer(Handler(Options{Gatherer: reg}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "gnssmw_test_total 1")
}

func TestLogsEndpoint(t *testing.T) {
	logs := NewLogBuffer(2)
	_, _ = logs.Write([]byte("one\ntwo\nthr"))
	_, _ = logs.Write([]byte("ee\n"))

	ts := httptest.NewServer(Handler(Options{Logs: logs}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs?format=text")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "[dropped=1]\ntwo\nthree\n", string(body))

	resp2, err := http.Get(ts.URL + "/api/logs?tail=1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var out LogsResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.Equal(t, []string{"three"}, out.Lines)
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Controller: newFakeController()}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, bytes.Contains(body, []byte("state=idle")))

	resp2, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestAbout(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{Controller: newFakeController()}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/about")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out AboutResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "gnssmw", out.Service)
	assert.Equal(t, "2.1.0", out.Middleware)
}
