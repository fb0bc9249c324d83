package config

import (
	"errors"
	"fmt"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
)

var validOperationTypes = map[string]bool{
	"status":   true,
	"constant": true,
	"formula":  true,
	"mapper":   true,
	"history":  true,
}

var validControlMethods = map[string]bool{
	"value":    true,
	"offset":   true,
	"equation": true,
}

// Validate reports every configuration error found. A config that fails validation must not be used.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Power.Topic == "" {
		add("power_meter.topic must be set")
	}
	if c.Power.Format != "point" && c.Power.Format != "p1ib" {
		add("power_meter.format must be point or p1ib, got %q", c.Power.Format)
	}
	if c.Power.Format == "point" && c.Power.Point == "" {
		add("power_meter.point must be set for format point")
	}
	if c.KillSwitch != nil && c.KillSwitch.Topic == "" {
		add("kill_switch.topic must be set when kill_switch is configured")
	}
	if c.DemandLimit != nil && *c.DemandLimit <= 0 {
		add("demand_limit must be positive")
	}
	if c.Timing.StaggerRelease && c.Timing.StaggerReleaseTime < 0 {
		add("timing.stagger_release_time must not be negative")
	}
	if c.Timing.MaximumTimeWithoutRelease < 0 {
		add("timing.maximum_time_without_release must not be negative")
	}

	for name, a := range c.Actuators {
		switch a.Type {
		case "dummy":
		case "modbus":
			if a.Address == "" {
				add("actuator %s: address must be set", name)
			}
			for key, reg := range a.Points {
				switch reg.Kind {
				case "holding", "input", "coil":
				default:
					add("actuator %s point %s: kind must be holding, input or coil", name, key)
				}
			}
		default:
			add("actuator %s: unknown type %q", name, a.Type)
		}
	}

	if len(c.Clusters) == 0 {
		add("at least one cluster must be configured")
	}
	seen := make(map[string]string)
	for _, cl := range c.Clusters {
		if cl.Name == "" {
			add("cluster name must be set")
		}
		if cl.Priority <= 0 {
			add("cluster %s: priority must be positive", cl.Name)
		}
		for state, m := range cl.Pairwise {
			if !state.Valid() {
				add("cluster %s: unknown control state %q", cl.Name, state)
			}
			if len(m.Labels) == 0 {
				add("cluster %s/%s: pairwise labels must be set", cl.Name, state)
			}
		}
		for name, dev := range cl.Devices {
			if other, ok := seen[name]; ok {
				add("device %s is configured in both cluster %s and %s", name, other, cl.Name)
			}
			seen[name] = cl.Name
			if _, ok := c.Actuators[dev.Actuator]; !ok {
				add("device %s: unknown actuator %q", name, dev.Actuator)
			}
			if len(dev.SubDevices) == 0 {
				add("device %s: at least one subdevice must be configured", name)
			}
			for subID, sub := range dev.SubDevices {
				c.validateSubDevice(cl, types.DeviceKey{Device: name, SubID: subID}, sub, add)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateSubDevice(cl Cluster, key types.DeviceKey, sub SubDevice, add func(string, ...any)) {
	for state, criteria := range sub.Criteria {
		m, ok := cl.Pairwise[state]
		if !ok {
			add("%s: criteria for %s but cluster %s has no pairwise matrix for it", key, state, cl.Name)
			continue
		}
		for _, label := range m.Labels {
			if _, ok := criteria[label]; !ok {
				add("%s: missing criterion %s required by cluster %s", key, label, cl.Name)
			}
		}
		for name, cr := range criteria {
			c.validateCriterion(key, name, cr, add)
		}
	}
	for state, settings := range sub.Settings {
		if !state.Valid() {
			add("%s: unknown control state %q", key, state)
		}
		if len(settings) == 0 {
			add("%s: empty %s settings", key, state)
		}
		for i, s := range settings {
			validateSetting(key, i, s, add)
		}
	}
	for state, st := range sub.Status {
		if !state.Valid() {
			add("%s: unknown control state %q in device_status", key, state)
		}
		if st.Condition == "" {
			add("%s: device_status %s condition must be set", key, state)
		}
	}
}

func (c *Config) validateCriterion(key types.DeviceKey, name string, cr Criterion, add func(string, ...any)) {
	if !validOperationTypes[cr.OperationType] {
		add("%s criterion %s: unknown operation_type %q", key, name, cr.OperationType)
		return
	}
	if cr.Minimum != nil && cr.Maximum != nil && *cr.Minimum > *cr.Maximum {
		add("%s criterion %s: minimum greater than maximum", key, name)
	}
	switch cr.OperationType {
	case "status":
		if cr.PointName == "" {
			add("%s criterion %s: point_name must be set", key, name)
		}
	case "formula":
		if cr.Operation == "" {
			add("%s criterion %s: operation must be set", key, name)
		}
	case "mapper":
		table, ok := c.Mappers[cr.DictName]
		if !ok {
			add("%s criterion %s: unknown mapper %q", key, name, cr.DictName)
			break
		}
		if cr.MapPoint == "" {
			if _, ok := table[cr.MapKey]; !ok {
				add("%s criterion %s: key %q not found in mapper %s", key, name, cr.MapKey, cr.DictName)
			}
		}
	case "history":
		if cr.PointName == "" {
			add("%s criterion %s: point_name must be set", key, name)
		}
		if cr.ComparisonType != "direct" && cr.ComparisonType != "inverse" {
			add("%s criterion %s: comparison_type must be direct or inverse", key, name)
		}
		if cr.PreviousTime <= 0 {
			add("%s criterion %s: previous_time must be positive", key, name)
		}
	}
}

func validateSetting(key types.DeviceKey, i int, s Setting, add func(string, ...any)) {
	if s.Point == "" {
		add("%s setting %d: point must be set", key, i)
	}
	if !validControlMethods[s.ControlMethod] {
		add("%s setting %d: unknown control_method %q", key, i, s.ControlMethod)
	}
	switch s.ControlMethod {
	case "value":
		if s.Value == nil {
			add("%s setting %d: value must be set", key, i)
		}
	case "offset":
		if s.Offset == nil {
			add("%s setting %d: offset must be set", key, i)
		}
	case "equation":
		if s.Equation == "" {
			add("%s setting %d: equation must be set", key, i)
		}
	}
	if s.Minimum != nil && s.Maximum != nil && *s.Minimum > *s.Maximum {
		add("%s setting %d: minimum greater than maximum", key, i)
	}
	if s.Load.Value == nil && s.Load.Equation == "" {
		add("%s setting %d: load must be set", key, i)
	}
}
