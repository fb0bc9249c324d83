package demand

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/nergy-se/ilc/pkg/alarm"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/nergy-se/ilc/pkg/curtail"
	"github.com/nergy-se/ilc/pkg/state"
	"github.com/sirupsen/logrus"
)

type State string

var (
	StateIdle       = State("idle")
	StateCurtailing = State("curtailing")
	StateConfirming = State("confirming")
	StateReleasing  = State("releasing")
)

// Scorer ranks the devices eligible for curtailment and keeps the fairness counts criteria read.
type Scorer interface {
	ScoreOrder(state types.ControlState) []types.DeviceKey
	SetActive(key types.DeviceKey, active bool)
	SetCurtailCount(key types.DeviceKey, ts time.Time, count int)
	ResetCurtailCounts(ts time.Time)
}

// Engine actuates curtailments. *curtail.Manager implements it.
type Engine interface {
	Curtail(ctx context.Context, key types.DeviceKey, state types.ControlState, now, until time.Time) (curtail.Action, error)
	Release(ctx context.Context, key types.DeviceKey, now time.Time) (curtail.Action, bool)
	ReleaseAll(ctx context.Context, now time.Time, bulk bool) []curtail.Action
	IsCurtailed(key types.DeviceKey) bool
	Curtailed() []types.DeviceKey
	Entries() []curtail.Entry
}

type Publisher interface {
	PublishStatus(s state.Status) error
	PublishReport(r state.Report) error
	PublishDevice(d state.Device) error
}

// Limiter returns the active demand limit or nil when no goal is in force.
type Limiter func() *float64

// Controller is the demand control loop. It is owned by one goroutine; only SignalKill may be
// called from elsewhere.
type Controller struct {
	timing    config.Timing
	scorer    Scorer
	engine    Engine
	limit     Limiter
	publisher Publisher

	averager *Averager
	state    State
	alarms   *alarm.ActiveAlarms

	kill   atomic.Bool
	killed bool

	started           bool
	sessionStart      time.Time
	curtailEnd        time.Time
	nextConfirm       time.Time
	resetCurtailCount time.Time
	breakUntil        time.Time
	plan              *releasePlan
	counts            map[types.DeviceKey]int

	lastPower *float64
	lastNeed  *float64
}

func NewController(timing config.Timing, scorer Scorer, engine Engine, limit Limiter, publisher Publisher) *Controller {
	return &Controller{
		timing:    timing,
		scorer:    scorer,
		engine:    engine,
		limit:     limit,
		publisher: publisher,
		averager:  NewAverager(timing.AverageBuildingPowerWindow),
		state:     StateIdle,
		alarms:    &alarm.ActiveAlarms{},
		counts:    make(map[types.DeviceKey]int),
	}
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Counts() map[types.DeviceKey]int {
	out := make(map[types.DeviceKey]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// SignalKill records the kill switch. It is safe to call from any goroutine and makes a running
// curtailment pass stop before its next device. The release itself happens on the next SetKill or step.
func (c *Controller) SignalKill(on bool) {
	c.kill.Store(on)
}

// SetKill applies the kill switch. Turning it on releases every curtailed device at once and inhibits
// curtailment until it is turned off.
func (c *Controller) SetKill(ctx context.Context, on bool, now time.Time) {
	c.kill.Store(on)
	c.step(ctx, now)
	c.publishStatus(now)
}

// HandlePower ingests an aggregate power sample and runs the state machine at its timestamp.
// Samples that are not finite are dropped.
func (c *Controller) HandlePower(ctx context.Context, ts time.Time, kw float64) {
	if math.IsNaN(kw) || math.IsInf(kw, 0) {
		logrus.WithField("time", ts).Warnf("dropping power sample %v", kw)
		return
	}
	c.averager.Add(ts, kw)
	c.lastPower = &kw
	c.step(ctx, ts)
	c.publishReport(ts)
	c.publishStatus(ts)
}

// Tick runs the timers of the state machine without a new sample.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.step(ctx, now)
	c.publishStatus(now)
}

// Shutdown releases everything still curtailed.
func (c *Controller) Shutdown(ctx context.Context, now time.Time) {
	if len(c.engine.Curtailed()) > 0 {
		logrus.Info("shutting down, releasing all curtailed devices")
		c.releaseAll(ctx, now, true)
	}
	c.state = StateIdle
	c.plan = nil
	err := c.publisher.PublishStatus(state.Status{
		Status:    state.StatusInactive,
		Reason:    "shutdown",
		State:     string(c.state),
		Curtailed: []types.DeviceKey{},
		Time:      now,
	})
	if err != nil {
		logrus.Errorf("error publishing status: %s", err)
	}
}

func (c *Controller) step(ctx context.Context, now time.Time) {
	if !c.started {
		c.started = true
		c.scorer.ResetCurtailCounts(now)
	}

	if c.kill.Load() {
		if !c.killed {
			c.killed = true
			c.alarms.Add(alarm.KillSwitch)
			logrus.Warn("kill switch on, releasing all curtailed devices")
			c.releaseAll(ctx, now, true)
			c.state = StateIdle
			c.plan = nil
			c.sessionStart = time.Time{}
		}
		return
	}
	if c.killed {
		c.killed = false
		c.alarms.Remove(alarm.KillSwitch)
		logrus.Info("kill switch off, curtailment enabled")
	}

	if !c.resetCurtailCount.IsZero() && !now.Before(c.resetCurtailCount) {
		c.resetCurtailCount = time.Time{}
		c.counts = make(map[types.DeviceKey]int)
		c.scorer.ResetCurtailCounts(now)
		logrus.Info("curtail counts reset")
	}

	if c.state != StateIdle && c.maxTimeExceeded(now) {
		c.alarms.Add(alarm.MaxTimeExceeded)
		logrus.WithField("since", c.sessionStart).Warn("maximum time without release exceeded, releasing all")
		c.releaseAll(ctx, now, false)
		c.enterIdle(now)
		return
	}

	switch c.state {
	case StateIdle:
		c.idle(ctx, now)
	case StateCurtailing, StateConfirming:
		c.curtailing(ctx, now)
	case StateReleasing:
		c.releasing(ctx, now)
	}
}

func (c *Controller) maxTimeExceeded(now time.Time) bool {
	if c.timing.MaximumTimeWithoutRelease <= 0 || c.sessionStart.IsZero() {
		return false
	}
	return now.Sub(c.sessionStart) >= c.timing.MaximumTimeWithoutRelease
}

// need is how much the exponential average exceeds the limit. It returns false when there is
// no limit, no power data or the limit is not exceeded.
func (c *Controller) need() (float64, bool) {
	c.lastNeed = nil
	limit := c.limit()
	if limit == nil {
		return 0, false
	}
	exp, ok := c.averager.Exp()
	if !ok {
		return 0, false
	}
	n := exp - *limit
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return 0, false
	}
	c.lastNeed = &n
	return n, true
}

func (c *Controller) idle(ctx context.Context, now time.Time) {
	if now.Before(c.breakUntil) {
		return
	}
	c.alarms.Remove(alarm.MaxTimeExceeded)
	need, ok := c.need()
	if !ok {
		c.alarms.Remove(alarm.ActuationUnavailable)
		return
	}

	c.curtailEnd = now.Add(c.timing.CurtailmentTime)
	n, _ := c.curtailPass(ctx, now, need)
	if n == 0 && len(c.engine.Curtailed()) == 0 {
		c.alarms.Add(alarm.ActuationUnavailable)
		return
	}
	c.alarms.Remove(alarm.ActuationUnavailable)
	c.state = StateCurtailing
	c.sessionStart = now
	c.nextConfirm = now.Add(c.timing.CurtailmentConfirm)
	c.resetCurtailCount = c.curtailEnd.Add(c.timing.ResetCurtailCountTime)
	logrus.WithFields(logrus.Fields{
		"need":       need,
		"curtailEnd": c.curtailEnd,
	}).Info("curtailment started")
}

func (c *Controller) curtailing(ctx context.Context, now time.Time) {
	if !now.Before(c.curtailEnd) {
		c.startRelease(ctx, now)
		return
	}
	if now.Before(c.nextConfirm) {
		return
	}
	c.state = StateConfirming
	for !c.nextConfirm.After(now) {
		c.nextConfirm = c.nextConfirm.Add(c.timing.CurtailmentConfirm)
		if c.timing.CurtailmentConfirm <= 0 {
			c.nextConfirm = now.Add(time.Second)
		}
	}
	need, ok := c.need()
	if !ok {
		return
	}
	logrus.WithField("need", need).Info("demand still above goal, curtailing more devices")
	c.curtailPass(ctx, now, need)
}

// curtailPass curtails ranked candidates until their estimated load reduction covers need.
func (c *Controller) curtailPass(ctx context.Context, now time.Time, need float64) (int, float64) {
	count := 0
	total := 0.0
	for _, key := range c.scorer.ScoreOrder(types.ControlStateCurtail) {
		if total >= need {
			break
		}
		if c.kill.Load() {
			logrus.Warn("kill switch on, stopping curtailment pass")
			break
		}
		if c.engine.IsCurtailed(key) {
			continue
		}
		action, err := c.engine.Curtail(ctx, key, types.ControlStateCurtail, now, c.curtailEnd)
		if err != nil {
			logrus.WithField("device", key.String()).Warnf("skipping device: %s", err)
			continue
		}
		count++
		total += action.Load
		c.counts[key]++
		c.scorer.SetCurtailCount(key, now, c.counts[key])
		c.scorer.SetActive(key, true)
		c.publishAction(action, true)
	}
	if total < need {
		logrus.WithFields(logrus.Fields{
			"need": need,
			"load": total,
		}).Warn("not enough curtailable load")
	}
	return count, total
}

func (c *Controller) startRelease(ctx context.Context, now time.Time) {
	c.state = StateReleasing
	c.breakUntil = now.Add(c.timing.CurtailmentBreak)
	c.sessionStart = time.Time{}
	keys := c.engine.Curtailed()
	if !c.timing.StaggerRelease {
		logrus.Info("curtailment ended, releasing all")
		c.releaseAll(ctx, now, false)
		c.state = StateIdle
		return
	}
	c.plan = newReleasePlan(keys, c.timing.StaggerReleaseTime, c.timing.CurtailmentConfirm, now)
	logrus.WithFields(logrus.Fields{
		"devices":  len(keys),
		"groups":   len(c.plan.groups),
		"interval": c.plan.interval,
	}).Info("curtailment ended, staggered release")
	c.releasing(ctx, now)
}

func (c *Controller) releasing(ctx context.Context, now time.Time) {
	if c.plan == nil {
		c.enterIdle(now)
		return
	}
	if !now.Before(c.breakUntil) {
		if !c.plan.done() {
			logrus.Warn("curtailment break elapsed, releasing in contingency")
		}
		c.releaseAll(ctx, now, false)
		c.plan = nil
		c.state = StateIdle
		return
	}
	for {
		group, ok := c.plan.due(now)
		if !ok {
			break
		}
		for _, key := range group {
			c.release(ctx, key, now)
		}
	}
	if c.plan.done() {
		c.plan = nil
		c.state = StateIdle
	}
}

func (c *Controller) enterIdle(now time.Time) {
	c.state = StateIdle
	c.plan = nil
	c.sessionStart = time.Time{}
	c.breakUntil = now.Add(c.timing.CurtailmentBreak)
}

func (c *Controller) release(ctx context.Context, key types.DeviceKey, now time.Time) {
	action, ok := c.engine.Release(ctx, key, now)
	if !ok {
		return
	}
	c.scorer.SetActive(key, false)
	c.publishAction(action, false)
}

func (c *Controller) releaseAll(ctx context.Context, now time.Time, bulk bool) {
	for _, action := range c.engine.ReleaseAll(ctx, now, bulk) {
		c.scorer.SetActive(action.Key, false)
		c.publishAction(action, false)
	}
}

func (c *Controller) publishAction(a curtail.Action, curtailed bool) {
	err := c.publisher.PublishDevice(state.Device{
		Key:       a.Key,
		Curtailed: curtailed,
		Point:     a.Point,
		Value:     a.Value,
		Load:      a.Load,
		Count:     c.counts[a.Key],
		Error:     a.Error,
		Time:      a.Time,
	})
	if err != nil {
		logrus.Errorf("error publishing device status: %s", err)
	}
}

func (c *Controller) publishReport(now time.Time) {
	r := state.Report{
		Time:    now,
		Power:   c.lastPower,
		Limit:   c.limit(),
		Need:    c.lastNeed,
		Samples: c.averager.Len(),
	}
	if v, ok := c.averager.Mean(); ok {
		r.Average = &v
	}
	if v, ok := c.averager.Exp(); ok {
		r.ExpAverage = &v
	}
	if entries := c.engine.Entries(); len(entries) > 0 {
		load := 0.0
		for _, e := range entries {
			load += e.Load
		}
		r.Load = &load
	}
	err := c.publisher.PublishReport(r)
	if err != nil {
		logrus.Errorf("error publishing report: %s", err)
	}
}

// Status returns the application status at now.
func (c *Controller) Status(now time.Time) state.Status {
	curtailed := c.engine.Curtailed()
	s := state.Status{
		Status:    state.StatusInactive,
		State:     string(c.state),
		Limit:     c.limit(),
		Curtailed: curtailed,
		Time:      now,
	}
	if len(curtailed) > 0 {
		s.Status = state.StatusActive
	}
	s.Reason = c.reason(now, s.Limit)
	return s
}

func (c *Controller) reason(now time.Time, limit *float64) string {
	if r := c.alarms.String(); r != "" {
		return r
	}
	switch c.state {
	case StateCurtailing:
		return "demand above goal, curtailing"
	case StateConfirming:
		return "curtailing, confirming demand"
	case StateReleasing:
		return "curtailment ended, releasing"
	}
	if limit == nil {
		return "no demand goal"
	}
	if now.Before(c.breakUntil) {
		return "waiting for curtailment break"
	}
	return "demand below goal"
}

func (c *Controller) publishStatus(now time.Time) {
	err := c.publisher.PublishStatus(c.Status(now))
	if err != nil {
		logrus.Errorf("error publishing status: %s", err)
	}
}
