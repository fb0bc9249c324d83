package curtail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/sirupsen/logrus"
)

var ErrUnknownDevice = errors.New("unknown device")
var ErrAlreadyCurtailed = errors.New("device already curtailed")
var ErrNoSettings = errors.New("no settings for control state")
var ErrNoApplicableSetting = errors.New("no applicable setting")
var ErrPointHeld = errors.New("point held by a higher priority curtailment")

type Device struct {
	Key      types.DeviceKey
	Actuator string
	Path     string
	Settings map[types.ControlState][]*Setting
	Status   map[types.ControlState]*Status
}

// Entry is a curtailment currently in force.
type Entry struct {
	Key      types.DeviceKey
	Actuator string
	Path     string
	Point    string
	// RevertValue nil means the point is reverted to its default instead of written.
	RevertValue    *float64
	CurtailValue   float64
	RevertPriority *int
	Load           float64
	CurtailedAt    time.Time
}

func (e *Entry) samePoint(o *Entry) bool {
	return e.Actuator == o.Actuator && e.Path == o.Path && e.Point == o.Point
}

type ActionKind string

var ActionCurtail = ActionKind("curtail")
var ActionRelease = ActionKind("release")

// Action describes one actuation for status publishing.
type Action struct {
	Kind  ActionKind      `json:"action"`
	Key   types.DeviceKey `json:"key"`
	Point string          `json:"point"`
	// Value is nil when the point was reverted to default.
	Value       *float64  `json:"value"`
	RevertValue *float64  `json:"revertValue,omitempty"`
	Load        float64   `json:"load"`
	Time        time.Time `json:"time"`
	Error       string    `json:"error,omitempty"`
}

type Timeouts struct {
	Get    time.Duration
	Set    time.Duration
	Revert time.Duration
}

// Manager owns the control recipes of every device and the bookkeeping of the curtailments in force.
type Manager struct {
	devices   map[types.DeviceKey]*Device
	data      map[string]map[string]any
	actuators actuator.Registry
	entries   []*Entry

	requester    string
	timeouts     Timeouts
	needSchedule bool
}

func NewManager(cfg *config.Config, actuators actuator.Registry, requester string) (*Manager, error) {
	m := &Manager{
		devices:   make(map[types.DeviceKey]*Device),
		data:      make(map[string]map[string]any),
		actuators: actuators,
		requester: requester,
		timeouts: Timeouts{
			Get:    cfg.Timing.GetPointTimeout,
			Set:    cfg.Timing.SetPointTimeout,
			Revert: cfg.Timing.RevertTimeout,
		},
		needSchedule: cfg.Timing.NeedActuatorSchedule,
	}
	for _, cl := range cfg.Clusters {
		for name, dev := range cl.Devices {
			if _, err := actuators.Get(dev.Actuator); err != nil {
				return nil, fmt.Errorf("device %s: %w", name, err)
			}
			path := dev.Path
			if path == "" {
				path = name
			}
			for subID, sub := range dev.SubDevices {
				d := &Device{
					Key:      types.DeviceKey{Device: name, SubID: subID},
					Actuator: dev.Actuator,
					Path:     path,
					Settings: make(map[types.ControlState][]*Setting),
					Status:   make(map[types.ControlState]*Status),
				}
				for state, settings := range sub.Settings {
					for _, sc := range settings {
						s, err := NewSetting(sc)
						if err != nil {
							return nil, fmt.Errorf("%s: %w", d.Key, err)
						}
						d.Settings[state] = append(d.Settings[state], s)
					}
				}
				for state, sc := range sub.Status {
					s, err := NewStatus(sc)
					if err != nil {
						return nil, fmt.Errorf("%s: %w", d.Key, err)
					}
					d.Status[state] = s
				}
				m.AddDevice(d)
			}
		}
	}
	return m, nil
}

func (m *Manager) AddDevice(d *Device) {
	m.devices[d.Key] = d
}

// Ingest stores the latest telemetry of a device. Conditions, status and load formulas read from it.
func (m *Manager) Ingest(device string, data map[string]any) {
	cur, ok := m.data[device]
	if !ok {
		cur = make(map[string]any, len(data))
		m.data[device] = cur
	}
	for k, v := range data {
		cur[k] = v
	}
}

// IsEligible reports if the device is on for state. Devices without a status expression are always eligible.
func (m *Manager) IsEligible(key types.DeviceKey, state types.ControlState) bool {
	d, ok := m.devices[key]
	if !ok {
		return false
	}
	if m.IsCurtailed(key) {
		return false
	}
	s, ok := d.Status[state]
	if !ok {
		return true
	}
	return s.Evaluate(m.data[key.Device])
}

func (m *Manager) IsCurtailed(key types.DeviceKey) bool {
	for _, e := range m.entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Curtailed returns the curtailed devices in the order they were curtailed.
func (m *Manager) Curtailed() []types.DeviceKey {
	out := make([]types.DeviceKey, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Key)
	}
	return out
}

func (m *Manager) Entries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	return out
}

// ControlInfo returns the first setting of the device whose condition holds.
func (m *Manager) ControlInfo(key types.DeviceKey, state types.ControlState) (*Setting, error) {
	d, ok := m.devices[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}
	settings := d.Settings[state]
	if len(settings) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSettings, key, state)
	}
	data := m.data[key.Device]
	for _, s := range settings {
		if s.Applies(data) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoApplicableSetting, key, state)
}

func (m *Manager) callContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Manager) getPoint(ctx context.Context, a actuator.Actuator, path, point string) (float64, error) {
	ctx, cancel := m.callContext(ctx, m.timeouts.Get)
	defer cancel()
	v, err := a.GetPoint(ctx, path, point)
	if err != nil {
		return 0, fmt.Errorf("error reading %s: %w", actuator.PointKey(path, point), err)
	}
	return v, nil
}

func (m *Manager) setPoint(ctx context.Context, a actuator.Actuator, path, point string, value float64) (float64, error) {
	ctx, cancel := m.callContext(ctx, m.timeouts.Set)
	defer cancel()
	v, err := a.SetPoint(ctx, m.requester, path, point, value)
	if err != nil {
		return 0, fmt.Errorf("error writing %s value %v: %w", actuator.PointKey(path, point), value, err)
	}
	return v, nil
}

func (m *Manager) revertPoint(ctx context.Context, a actuator.Actuator, path, point string) error {
	ctx, cancel := m.callContext(ctx, m.timeouts.Revert)
	defer cancel()
	err := a.RevertPoint(ctx, m.requester, path, point)
	if err != nil {
		return fmt.Errorf("error reverting %s: %w", actuator.PointKey(path, point), err)
	}
	return nil
}

// Curtail actuates the applicable setting of key for state and records it.
// until is the end of the curtailment window, used for schedule reservations.
// Errors are per device; the caller moves on to the next candidate.
func (m *Manager) Curtail(ctx context.Context, key types.DeviceKey, state types.ControlState, now, until time.Time) (Action, error) {
	action := Action{Kind: ActionCurtail, Key: key, Time: now}
	if m.IsCurtailed(key) {
		return action, fmt.Errorf("%w: %s", ErrAlreadyCurtailed, key)
	}
	s, err := m.ControlInfo(key, state)
	if err != nil {
		return action, err
	}
	d := m.devices[key]
	action.Point = s.Point
	a, err := m.actuators.Get(d.Actuator)
	if err != nil {
		return action, err
	}

	entry := &Entry{
		Key:            key,
		Actuator:       d.Actuator,
		Path:           d.Path,
		Point:          s.Point,
		RevertPriority: s.RevertPriority,
		CurtailedAt:    now,
	}
	for _, held := range m.entries {
		if !held.samePoint(entry) {
			continue
		}
		if held.RevertPriority == nil || (s.RevertPriority != nil && *s.RevertPriority < *held.RevertPriority) {
			return action, fmt.Errorf("%w: %s held by %s", ErrPointHeld, actuator.PointKey(d.Path, s.Point), held.Key)
		}
	}

	live, liveErr := m.getPoint(ctx, a, d.Path, s.Point)
	value, err := s.CurtailValue(func() (float64, error) {
		return live, liveErr
	}, func(point string) (float64, error) {
		return m.getPoint(ctx, a, d.Path, point)
	})
	if err != nil {
		return action, fmt.Errorf("error computing %s value for %s: %w", s.Method, key, err)
	}
	if liveErr == nil {
		entry.RevertValue = &live
	} else {
		logrus.WithFields(logrus.Fields{
			"device": key.String(),
			"point":  s.Point,
		}).Warnf("no revert value, will revert to default: %s", liveErr)
	}

	if m.needSchedule {
		sctx, cancel := m.callContext(ctx, m.timeouts.Set)
		err = a.RequestSchedule(sctx, m.requester, d.Path, now, until)
		cancel()
		if err != nil {
			return action, fmt.Errorf("schedule request for %s rejected: %w", key, err)
		}
	}

	accepted, err := m.setPoint(ctx, a, d.Path, s.Point, value)
	if err != nil {
		return action, err
	}
	entry.CurtailValue = accepted
	entry.Load = s.Load.Estimate(m.data[key.Device])
	m.entries = append(m.entries, entry)

	action.Value = &accepted
	action.RevertValue = entry.RevertValue
	action.Load = entry.Load
	logrus.WithFields(logrus.Fields{
		"device": key.String(),
		"point":  s.Point,
		"method": s.Method.String(),
		"value":  accepted,
		"load":   entry.Load,
	}).Info("curtailed")
	return action, nil
}

// Release reverts the curtailment of key. When another curtailment still holds the same point, the value of
// the highest revert priority among them is written instead so that hold stays in force.
// Remote failures are logged and reported in the returned action; the entry is dropped regardless.
func (m *Manager) Release(ctx context.Context, key types.DeviceKey, now time.Time) (Action, bool) {
	idx := -1
	for i, e := range m.entries {
		if e.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Action{}, false
	}
	e := m.entries[idx]
	var others []*Entry
	first := true
	for i, o := range m.entries {
		if i == idx || !o.samePoint(e) {
			continue
		}
		if i < idx {
			first = false
		}
		others = append(others, o)
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)

	action := Action{Kind: ActionRelease, Key: key, Point: e.Point, Load: e.Load, Time: now}

	logger := logrus.WithFields(logrus.Fields{
		"device": key.String(),
		"point":  e.Point,
	})
	a, err := m.actuators.Get(e.Actuator)
	if err != nil {
		logger.Warn(err)
		action.Error = err.Error()
		return action, true
	}

	if len(others) > 0 {
		// the oldest remaining entry inherits the value the point had before any curtailment.
		if first {
			others[0].RevertValue = e.RevertValue
		}
		keep := highestPriority(others)
		v, err := m.setPoint(ctx, a, e.Path, e.Point, keep.CurtailValue)
		if err != nil {
			logger.Warn(err)
			action.Error = err.Error()
			return action, true
		}
		action.Value = &v
		logger.WithField("held_by", keep.Key.String()).Infof("released, keeping %v", v)
		return action, true
	}

	if e.RevertValue != nil {
		v, err := m.setPoint(ctx, a, e.Path, e.Point, *e.RevertValue)
		if err != nil {
			logger.Warn(err)
			action.Error = err.Error()
			return action, true
		}
		action.Value = &v
		logger.Infof("released to %v", v)
		return action, true
	}

	err = m.revertPoint(ctx, a, e.Path, e.Point)
	if err != nil {
		logger.Warn(err)
		action.Error = err.Error()
		return action, true
	}
	logger.Info("released to default")
	return action, true
}

func highestPriority(entries []*Entry) *Entry {
	keep := entries[0]
	for _, e := range entries[1:] {
		switch {
		case keep.RevertPriority == nil:
		case e.RevertPriority == nil || *e.RevertPriority >= *keep.RevertPriority:
			keep = e
		}
	}
	return keep
}

// ReleaseAll releases every curtailment, newest first. With bulk set each device is reverted with one
// RevertDevice call, falling back to per point release when that fails.
func (m *Manager) ReleaseAll(ctx context.Context, now time.Time, bulk bool) []Action {
	var actions []Action
	if bulk {
		type target struct{ actuator, path string }
		done := make(map[target]bool)
		var targets []target
		for _, e := range m.entries {
			t := target{e.Actuator, e.Path}
			if !done[t] {
				done[t] = true
				targets = append(targets, t)
			}
		}
		sort.Slice(targets, func(i, j int) bool {
			if targets[i].actuator != targets[j].actuator {
				return targets[i].actuator < targets[j].actuator
			}
			return targets[i].path < targets[j].path
		})
		for _, t := range targets {
			a, err := m.actuators.Get(t.actuator)
			if err == nil {
				ctx, cancel := m.callContext(ctx, m.timeouts.Revert)
				err = a.RevertDevice(ctx, m.requester, t.path)
				cancel()
			}
			if err != nil {
				logrus.WithField("device", t.path).Warnf("error reverting device, releasing per point: %s", err)
				continue
			}
			kept := m.entries[:0]
			for _, e := range m.entries {
				if e.Actuator == t.actuator && e.Path == t.path {
					actions = append(actions, Action{Kind: ActionRelease, Key: e.Key, Point: e.Point, Load: e.Load, Time: now})
					continue
				}
				kept = append(kept, e)
			}
			m.entries = kept
			logrus.WithField("device", t.path).Info("reverted device")
		}
	}
	for len(m.entries) > 0 {
		last := m.entries[len(m.entries)-1]
		a, _ := m.Release(ctx, last.Key, now)
		actions = append(actions, a)
	}
	return actions
}
