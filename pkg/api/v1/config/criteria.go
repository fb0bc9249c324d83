package config

import (
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// Criterion configures one scored signal. OperationType selects which of the fields apply.
type Criterion struct {
	OperationType string   `yaml:"operation_type"`
	Minimum       *float64 `yaml:"minimum"`
	Maximum       *float64 `yaml:"maximum"`

	// status
	PointName string  `yaml:"point_name"`
	OnValue   float64 `yaml:"on_value"`
	OffValue  float64 `yaml:"off_value"`

	// constant
	Value float64 `yaml:"value"`

	// formula
	Operation     string      `yaml:"operation"`
	OperationArgs FormulaArgs `yaml:"operation_args"`

	// mapper. MapKey is a static key, or when MapPoint is set the key is read from that point.
	DictName string `yaml:"dict_name"`
	MapKey   string `yaml:"map_key"`
	MapPoint string `yaml:"map_point"`

	// history. PointName is shared with status.
	ComparisonType string        `yaml:"comparison_type"`
	PreviousTime   time.Duration `yaml:"previous_time"`
}

// FormulaArgs splits formula inputs into points that always update and points that are frozen while the device is curtailed.
// In yaml it is either a plain list (always) or a mapping with "always" and "nc" lists.
type FormulaArgs struct {
	Always []string `yaml:"always"`
	NC     []string `yaml:"nc"`
}

func (f *FormulaArgs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		return value.Decode(&f.Always)
	}
	type plain FormulaArgs
	p := plain{}
	err := value.Decode(&p)
	if err != nil {
		return err
	}
	*f = FormulaArgs(p)
	return nil
}

func (f FormulaArgs) All() []string {
	out := make([]string, 0, len(f.Always)+len(f.NC))
	out = append(out, f.Always...)
	return append(out, f.NC...)
}

// Setting configures one curtailment action on one point.
type Setting struct {
	Point         string       `yaml:"point"`
	ControlMethod string       `yaml:"control_method"`
	Value         *float64     `yaml:"value"`
	Offset        *float64     `yaml:"offset"`
	Equation      string       `yaml:"equation"`
	EquationArgs  []string     `yaml:"equation_args"`
	Minimum       *float64     `yaml:"minimum"`
	Maximum       *float64     `yaml:"maximum"`
	Load          LoadEstimate `yaml:"load"`
	// RevertPriority nil means the entry must never be superseded by another curtailment of the same point.
	RevertPriority *int     `yaml:"revert_priority"`
	Condition      string   `yaml:"condition"`
	ConditionArgs  []string `yaml:"condition_args"`
}

// LoadEstimate is the estimated reduction in kW. In yaml it is a number or a mapping with equation and equation_args.
type LoadEstimate struct {
	Value        *float64 `yaml:"value"`
	Equation     string   `yaml:"equation"`
	EquationArgs []string `yaml:"equation_args"`
}

func (l *LoadEstimate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var v float64
		err := value.Decode(&v)
		if err != nil {
			return fmt.Errorf("load must be a number or a mapping: %w", err)
		}
		l.Value = &v
		return nil
	}
	type plain LoadEstimate
	p := plain{}
	err := value.Decode(&p)
	if err != nil {
		return err
	}
	*l = LoadEstimate(p)
	return nil
}

// Matrix is a pairwise comparison of criteria. Comparisons[a][b] states how much more important a is than b.
// Reciprocals are derived and pairs left out default to equal importance.
type Matrix struct {
	Labels      []string                      `yaml:"labels"`
	Comparisons map[string]map[string]float64 `yaml:"comparisons"`
}

func (m Matrix) Dense() ([][]float64, error) {
	n := len(m.Labels)
	idx := make(map[string]int, n)
	for i, l := range m.Labels {
		if _, ok := idx[l]; ok {
			return nil, fmt.Errorf("duplicate criterion label %s", l)
		}
		idx[l] = i
	}

	explicit := make([][]bool, n)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		explicit[i] = make([]bool, n)
		out[i][i] = 1
	}

	for row, cols := range m.Comparisons {
		i, ok := idx[row]
		if !ok {
			return nil, fmt.Errorf("comparison row %s is not a label", row)
		}
		for col, v := range cols {
			j, ok := idx[col]
			if !ok {
				return nil, fmt.Errorf("comparison column %s is not a label", col)
			}
			if v <= 0 {
				return nil, fmt.Errorf("comparison %s/%s must be positive, got %v", row, col, v)
			}
			if i == j {
				if v != 1 {
					return nil, fmt.Errorf("comparison of %s with itself must be 1", row)
				}
				continue
			}
			out[i][j] = v
			explicit[i][j] = true
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j || explicit[i][j] {
				continue
			}
			if explicit[j][i] {
				out[i][j] = 1 / out[j][i]
				continue
			}
			out[i][j] = 1
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(out[i][j]*out[j][i]-1) > 1e-6 {
				return nil, fmt.Errorf("comparisons %s/%s and %s/%s are not reciprocal", m.Labels[i], m.Labels[j], m.Labels[j], m.Labels[i])
			}
		}
	}
	return out, nil
}
