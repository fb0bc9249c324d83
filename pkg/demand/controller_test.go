package demand

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/nergy-se/ilc/pkg/actuator/dummy"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/nergy-se/ilc/pkg/curtail"
	"github.com/nergy-se/ilc/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)

type fakeScorer struct {
	order  []types.DeviceKey
	active map[types.DeviceKey]bool
	counts map[types.DeviceKey]int
	resets int
}

func (f *fakeScorer) ScoreOrder(types.ControlState) []types.DeviceKey {
	return f.order
}

func (f *fakeScorer) SetActive(key types.DeviceKey, active bool) {
	f.active[key] = active
}

func (f *fakeScorer) SetCurtailCount(key types.DeviceKey, _ time.Time, count int) {
	f.counts[key] = count
}

func (f *fakeScorer) ResetCurtailCounts(time.Time) {
	f.resets++
	f.counts = make(map[types.DeviceKey]int)
}

type fakePublisher struct {
	statuses []state.Status
	reports  []state.Report
	devices  []state.Device
}

func (f *fakePublisher) PublishStatus(s state.Status) error {
	f.statuses = append(f.statuses, s)
	return nil
}

func (f *fakePublisher) PublishReport(r state.Report) error {
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakePublisher) PublishDevice(d state.Device) error {
	f.devices = append(f.devices, d)
	return nil
}

func (f *fakePublisher) lastStatus() state.Status {
	return f.statuses[len(f.statuses)-1]
}

type harness struct {
	c      *Controller
	m      *curtail.Manager
	d      *dummy.Dummy
	scorer *fakeScorer
	pub    *fakePublisher
	limit  *float64
}

func key(device string) types.DeviceKey {
	return types.DeviceKey{Device: device, SubID: "s"}
}

func defaultTiming() config.Timing {
	return config.Timing{
		CurtailmentTime:            15 * time.Minute,
		CurtailmentConfirm:         5 * time.Minute,
		CurtailmentBreak:           15 * time.Minute,
		AverageBuildingPowerWindow: 15 * time.Minute,
		ResetCurtailCountTime:      time.Hour,
	}
}

// newHarness ranks devices D1, D2, ... in order, each with the given load estimate.
func newHarness(t *testing.T, timing config.Timing, loads ...float64) *harness {
	t.Helper()
	d := dummy.New()
	devices := make(map[string]config.Device)
	h := &harness{
		d:      d,
		scorer: &fakeScorer{active: map[types.DeviceKey]bool{}, counts: map[types.DeviceKey]int{}},
		pub:    &fakePublisher{},
	}
	for i, load := range loads {
		name := "D" + string(rune('1'+i))
		load := load
		devices[name] = config.Device{Actuator: "sim", SubDevices: map[string]config.SubDevice{"s": {
			Settings: map[types.ControlState][]config.Setting{types.ControlStateCurtail: {{
				Point:         "sp",
				ControlMethod: "value",
				Value:         dummy.Pointer(80.0),
				Load:          config.LoadEstimate{Value: &load},
			}}},
		}}}
		d.Seed(name, "sp", 72)
		h.scorer.order = append(h.scorer.order, key(name))
	}
	m, err := curtail.NewManager(&config.Config{
		Timing:   timing,
		Clusters: []config.Cluster{{Name: "c", Priority: 1, Devices: devices}},
	}, actuator.Registry{"sim": d}, "ilc-test")
	require.NoError(t, err)
	h.m = m
	h.c = NewController(timing, h.scorer, m, func() *float64 { return h.limit }, h.pub)
	return h
}

func (h *harness) curtailed() []types.DeviceKey {
	return h.m.Curtailed()
}

func TestCurtailUntilNeedIsMet(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)

	h.c.HandlePower(context.Background(), t0, 120)

	assert.Equal(t, []types.DeviceKey{key("D1"), key("D2"), key("D3")}, h.curtailed())
	assert.Equal(t, StateCurtailing, h.c.State())
	v, _ := h.d.Value("D4", "sp")
	assert.Equal(t, 72.0, v, "fourth device is left alone")

	report := h.pub.reports[len(h.pub.reports)-1]
	require.NotNil(t, report.Need)
	assert.InDelta(t, 20.0, *report.Need, 1e-9)
	require.NotNil(t, report.Load)
	assert.InDelta(t, 21.0, *report.Load, 1e-9)

	s := h.pub.lastStatus()
	assert.True(t, s.Active())
	assert.Equal(t, "demand above goal, curtailing", s.Reason)
	assert.Len(t, h.pub.devices, 3)
	assert.Equal(t, 1, h.scorer.counts[key("D1")])
	assert.True(t, h.scorer.active[key("D1")])
}

func TestNonFinitePowerIsDropped(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	for i, kw := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		h.c.HandlePower(ctx, t0.Add(time.Duration(i)*time.Second), kw)
	}
	assert.Empty(t, h.curtailed())
	assert.Equal(t, 0, h.c.averager.Len())
	assert.Empty(t, h.pub.reports)

	h.c.averager.Add(t0, math.NaN())
	h.c.HandlePower(ctx, t0.Add(time.Minute), 120)
	assert.Empty(t, h.curtailed(), "an average that is not finite is no need")
	assert.Equal(t, StateIdle, h.c.State())

	h = newHarness(t, defaultTiming(), 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	h.c.HandlePower(ctx, t0, math.NaN())
	h.c.HandlePower(ctx, t0.Add(time.Minute), 110)
	assert.Equal(t, []types.DeviceKey{key("D1"), key("D2")}, h.curtailed(), "only the finite sample counts")
}

func TestBelowLimitOrNoGoal(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7)
	h.c.HandlePower(context.Background(), t0, 500)
	assert.Empty(t, h.curtailed())
	assert.Equal(t, "no demand goal", h.pub.lastStatus().Reason)
	assert.False(t, h.pub.lastStatus().Active())

	h.limit = dummy.Pointer(1000.0)
	h.c.HandlePower(context.Background(), t0.Add(time.Minute), 500)
	assert.Empty(t, h.curtailed())
	assert.Equal(t, "demand below goal", h.pub.lastStatus().Reason)
}

func TestRemoteFailureSkipsDevice(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	h.d.Fail("D1", "", errors.New("offline"))

	h.c.HandlePower(context.Background(), t0, 120)
	assert.Equal(t, []types.DeviceKey{key("D2"), key("D3"), key("D4")}, h.curtailed())
	assert.Equal(t, StateCurtailing, h.c.State())
}

func TestNoCurtailableDevice(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8)
	h.limit = dummy.Pointer(100.0)
	h.d.Fail("D1", "", errors.New("offline"))

	h.c.HandlePower(context.Background(), t0, 120)
	assert.Empty(t, h.curtailed())
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, "no device could be curtailed", h.pub.lastStatus().Reason)

	h.d.Fail("D1", "", nil)
	h.c.HandlePower(context.Background(), t0.Add(time.Minute), 120)
	assert.Equal(t, []types.DeviceKey{key("D1")}, h.curtailed())
}

func TestKillSwitchReleasesAll(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 110)
	require.Len(t, h.curtailed(), 2)

	h.c.SetKill(ctx, false, t0.Add(time.Second))
	assert.Len(t, h.curtailed(), 2)

	h.c.SetKill(ctx, true, t0.Add(2*time.Second))
	assert.Empty(t, h.curtailed(), "released within one cycle despite curtailment time left")
	for _, dev := range []string{"D1", "D2"} {
		v, _ := h.d.Value(dev, "sp")
		assert.Equal(t, 72.0, v)
	}
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, "kill switch active", h.pub.lastStatus().Reason)
	assert.False(t, h.pub.lastStatus().Active())

	h.c.HandlePower(ctx, t0.Add(time.Minute), 110)
	assert.Empty(t, h.curtailed(), "inhibited while the kill switch is on")

	h.c.SetKill(ctx, false, t0.Add(2*time.Minute))
	assert.Len(t, h.curtailed(), 2)
	assert.Equal(t, "demand above goal, curtailing", h.pub.lastStatus().Reason)
}

func TestSignalKillStopsPass(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6)
	h.limit = dummy.Pointer(100.0)
	h.c.SignalKill(true)
	h.c.HandlePower(context.Background(), t0, 120)
	assert.Empty(t, h.curtailed())
}

func TestConfirmAddsDevices(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 110)
	assert.Equal(t, []types.DeviceKey{key("D1"), key("D2")}, h.curtailed())

	h.c.HandlePower(ctx, t0.Add(2*time.Minute), 125)
	assert.Len(t, h.curtailed(), 2, "no confirm before curtailment_confirm")

	h.c.HandlePower(ctx, t0.Add(5*time.Minute), 120)
	assert.Equal(t, StateConfirming, h.c.State())
	assert.Equal(t, []types.DeviceKey{key("D1"), key("D2"), key("D3"), key("D4")}, h.curtailed())
	assert.Equal(t, 1, h.c.Counts()[key("D1")], "curtailed device is never selected again")
	assert.Equal(t, "curtailing, confirming demand", h.pub.lastStatus().Reason)
}

func TestReleaseAtCurtailEnd(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 110)
	require.Len(t, h.curtailed(), 2)

	h.c.Tick(ctx, t0.Add(15*time.Minute))
	assert.Empty(t, h.curtailed())
	assert.Equal(t, StateIdle, h.c.State())
	assert.False(t, h.scorer.active[key("D1")])

	h.c.HandlePower(ctx, t0.Add(20*time.Minute), 150)
	assert.Empty(t, h.curtailed(), "curtailment break not elapsed")
	assert.Equal(t, "waiting for curtailment break", h.pub.lastStatus().Reason)

	h.c.HandlePower(ctx, t0.Add(30*time.Minute), 150)
	assert.Len(t, h.curtailed(), 2)
}

func TestStaggeredRelease(t *testing.T) {
	timing := defaultTiming()
	timing.StaggerRelease = true
	timing.StaggerReleaseTime = 10 * time.Minute
	h := newHarness(t, timing, 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 130)
	require.Len(t, h.curtailed(), 4)

	h.c.Tick(ctx, t0.Add(15*time.Minute))
	assert.Equal(t, StateReleasing, h.c.State())
	assert.Equal(t, []types.DeviceKey{key("D3"), key("D4")}, h.curtailed())

	h.c.Tick(ctx, t0.Add(19*time.Minute))
	assert.Len(t, h.curtailed(), 2)

	h.c.Tick(ctx, t0.Add(20*time.Minute))
	assert.Equal(t, []types.DeviceKey{key("D4")}, h.curtailed())

	h.c.Tick(ctx, t0.Add(25*time.Minute))
	assert.Empty(t, h.curtailed())
	assert.Equal(t, StateIdle, h.c.State())
}

func TestContingencyRelease(t *testing.T) {
	timing := defaultTiming()
	timing.StaggerRelease = true
	timing.StaggerReleaseTime = 20 * time.Minute
	timing.CurtailmentBreak = 12 * time.Minute
	h := newHarness(t, timing, 8, 7, 6, 5)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 130)
	require.Len(t, h.curtailed(), 4)

	h.c.Tick(ctx, t0.Add(15*time.Minute))
	assert.Len(t, h.curtailed(), 3)
	h.c.Tick(ctx, t0.Add(22*time.Minute))
	assert.Len(t, h.curtailed(), 2)

	h.c.Tick(ctx, t0.Add(27*time.Minute))
	assert.Empty(t, h.curtailed(), "remaining groups released when the break elapses")
	assert.Equal(t, StateIdle, h.c.State())
}

func TestMaximumTimeWithoutRelease(t *testing.T) {
	timing := defaultTiming()
	timing.MaximumTimeWithoutRelease = 10 * time.Minute
	timing.StaggerRelease = true
	h := newHarness(t, timing, 8, 7)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 110)
	require.Len(t, h.curtailed(), 2)

	h.c.Tick(ctx, t0.Add(10*time.Minute))
	assert.Empty(t, h.curtailed(), "all released at once")
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, "maximum time without release exceeded", h.pub.lastStatus().Reason)

	h.c.HandlePower(ctx, t0.Add(26*time.Minute), 110)
	assert.Len(t, h.curtailed(), 2)
	assert.Equal(t, "demand above goal, curtailing", h.pub.lastStatus().Reason)
}

func TestResetCurtailCount(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8)
	h.limit = dummy.Pointer(100.0)
	ctx := context.Background()

	h.c.HandlePower(ctx, t0, 105)
	assert.Equal(t, 1, h.scorer.resets)
	assert.Equal(t, 1, h.c.Counts()[key("D1")])

	h.c.Tick(ctx, t0.Add(15*time.Minute))
	h.limit = nil
	h.c.Tick(ctx, t0.Add(74*time.Minute))
	assert.Equal(t, 1, h.c.Counts()[key("D1")])
	h.c.Tick(ctx, t0.Add(75*time.Minute))
	assert.Empty(t, h.c.Counts())
	assert.Equal(t, 2, h.scorer.resets)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, defaultTiming(), 8, 7)
	h.limit = dummy.Pointer(100.0)
	h.c.HandlePower(context.Background(), t0, 110)
	require.Len(t, h.curtailed(), 2)

	h.c.Shutdown(context.Background(), t0.Add(time.Minute))
	assert.Empty(t, h.curtailed())
	assert.Equal(t, "shutdown", h.pub.lastStatus().Reason)
}
