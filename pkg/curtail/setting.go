package curtail

import (
	"fmt"

	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/formula"
	"github.com/sirupsen/logrus"
)

// Method computes the curtailed value of a point.
type Method interface {
	compute(live func() (float64, error), fetch func(point string) (float64, error)) (float64, error)
	String() string
}

// Value writes a literal value.
type Value struct {
	Value float64
}

func (v Value) compute(func() (float64, error), func(string) (float64, error)) (float64, error) {
	return v.Value, nil
}

func (v Value) String() string {
	return "value"
}

// Offset adds to the current live value of the point.
type Offset struct {
	Offset float64
}

func (o Offset) compute(live func() (float64, error), _ func(string) (float64, error)) (float64, error) {
	cur, err := live()
	if err != nil {
		return 0, err
	}
	return cur + o.Offset, nil
}

func (o Offset) String() string {
	return "offset"
}

// Equation evaluates an expression over points read from the actuator.
type Equation struct {
	Formula *formula.Formula
}

func (e Equation) compute(_ func() (float64, error), fetch func(string) (float64, error)) (float64, error) {
	values := make(map[string]any, len(e.Formula.Args()))
	for _, arg := range e.Formula.Args() {
		v, err := fetch(arg)
		if err != nil {
			return 0, err
		}
		values[arg] = v
	}
	return e.Formula.Float(values)
}

func (e Equation) String() string {
	return "equation"
}

// Setting is one curtailment action on one point of a device.
type Setting struct {
	Point  string
	Method Method
	Min    *float64
	Max    *float64
	Load   Load
	// RevertPriority nil means the curtailment must never be superseded.
	RevertPriority *int
	Condition      *formula.Formula
}

func NewSetting(c config.Setting) (*Setting, error) {
	s := &Setting{
		Point:          c.Point,
		Min:            c.Minimum,
		Max:            c.Maximum,
		RevertPriority: c.RevertPriority,
	}
	switch c.ControlMethod {
	case "value":
		if c.Value == nil {
			return nil, fmt.Errorf("setting %s: value must be set", c.Point)
		}
		s.Method = Value{Value: *c.Value}
	case "offset":
		if c.Offset == nil {
			return nil, fmt.Errorf("setting %s: offset must be set", c.Point)
		}
		s.Method = Offset{Offset: *c.Offset}
	case "equation":
		f, err := formula.Compile(c.Equation, c.EquationArgs)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", c.Point, err)
		}
		s.Method = Equation{Formula: f}
	default:
		return nil, fmt.Errorf("setting %s: unknown control_method %q", c.Point, c.ControlMethod)
	}

	if c.Condition != "" {
		f, err := formula.Compile(c.Condition, c.ConditionArgs)
		if err != nil {
			return nil, fmt.Errorf("setting %s condition: %w", c.Point, err)
		}
		s.Condition = f
	}

	switch {
	case c.Load.Value != nil:
		s.Load.value = *c.Load.Value
	case c.Load.Equation != "":
		f, err := formula.Compile(c.Load.Equation, c.Load.EquationArgs)
		if err != nil {
			return nil, fmt.Errorf("setting %s load: %w", c.Point, err)
		}
		s.Load.formula = f
	}
	return s, nil
}

// Applies reports whether the condition holds for data. Settings without condition always apply.
func (s *Setting) Applies(data map[string]any) bool {
	if s.Condition == nil {
		return true
	}
	ok, err := s.Condition.Bool(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"point":     s.Point,
			"condition": s.Condition.String(),
		}).Debug(err)
		return false
	}
	return ok
}

// CurtailValue computes the value to write and clamps it to the configured bounds.
func (s *Setting) CurtailValue(live func() (float64, error), fetch func(point string) (float64, error)) (float64, error) {
	v, err := s.Method.compute(live, fetch)
	if err != nil {
		return 0, err
	}
	if s.Min != nil && v < *s.Min {
		v = *s.Min
	}
	if s.Max != nil && v > *s.Max {
		v = *s.Max
	}
	return v, nil
}

// Load is the estimated reduction in kW of a setting, constant or a formula over device telemetry.
type Load struct {
	value   float64
	formula *formula.Formula
}

func ConstantLoad(v float64) Load {
	return Load{value: v}
}

func (l Load) Estimate(data map[string]any) float64 {
	if l.formula == nil {
		return l.value
	}
	v, err := l.formula.Float(data)
	if err != nil {
		logrus.WithField("load", l.formula.String()).Debug(err)
		return 0
	}
	return v
}

// Status decides if a device is on for a control state.
type Status struct {
	condition *formula.Formula
	def       bool
}

func NewStatus(c config.Status) (*Status, error) {
	f, err := formula.Compile(c.Condition, c.Args)
	if err != nil {
		return nil, fmt.Errorf("device status: %w", err)
	}
	return &Status{condition: f, def: c.Default}, nil
}

func (s *Status) Evaluate(data map[string]any) bool {
	ok, err := s.condition.Bool(data)
	if err != nil {
		return s.def
	}
	return ok
}
