package criteria

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/formula"
	"github.com/sirupsen/logrus"
)

// Criterion computes one numeric signal about a device from ingested telemetry.
// Evaluate returns false while the criterion has too little data to produce a value.
type Criterion interface {
	Ingest(ts time.Time, data map[string]any)
	Evaluate() (float64, bool)

	criterion()
}

// New builds a Criterion from its configuration.
func New(name string, c config.Criterion, mappers map[string]map[string]float64) (Criterion, error) {
	b := bounds{min: c.Minimum, max: c.Maximum}
	switch c.OperationType {
	case "status":
		return &Status{bounds: b, point: c.PointName, onValue: c.OnValue, offValue: c.OffValue}, nil
	case "constant":
		return &Constant{bounds: b, value: c.Value}, nil
	case "formula":
		f, err := formula.Compile(c.Operation, c.OperationArgs.All())
		if err != nil {
			return nil, fmt.Errorf("criterion %s: %w", name, err)
		}
		return &Formula{
			bounds:  b,
			name:    name,
			formula: f,
			always:  c.OperationArgs.Always,
			nc:      c.OperationArgs.NC,
			values:  make(map[string]any),
		}, nil
	case "mapper":
		table, ok := mappers[c.DictName]
		if !ok {
			return nil, fmt.Errorf("criterion %s: unknown mapper %s", name, c.DictName)
		}
		return &Mapper{bounds: b, table: table, key: c.MapKey, point: c.MapPoint}, nil
	case "history":
		if c.PreviousTime <= 0 {
			return nil, fmt.Errorf("criterion %s: previous_time must be positive", name)
		}
		return &History{
			bounds:   b,
			point:    c.PointName,
			inverse:  c.ComparisonType == "inverse",
			previous: c.PreviousTime,
		}, nil
	}
	return nil, fmt.Errorf("criterion %s: unknown operation_type %q", name, c.OperationType)
}

type bounds struct {
	min *float64
	max *float64
}

// finish clamps v and rejects values that are still not finite.
func (b bounds) finish(v float64) (float64, bool) {
	if b.min != nil && v < *b.min {
		v = *b.min
	}
	if b.max != nil && v > *b.max {
		v = *b.max
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func (b bounds) lower() float64 {
	if b.min != nil {
		return *b.min
	}
	return 0
}

// Status maps an on/off point to one of two configured values.
type Status struct {
	bounds
	point    string
	onValue  float64
	offValue float64
	on       *bool
}

func (s *Status) criterion() {}

func (s *Status) Ingest(_ time.Time, data map[string]any) {
	v, ok := data[s.point]
	if !ok {
		return
	}
	n, ok := formula.Number(v)
	if !ok {
		return
	}
	on := n != 0
	s.on = &on
}

func (s *Status) Evaluate() (float64, bool) {
	if s.on == nil {
		return 0, false
	}
	if *s.on {
		return s.finish(s.onValue)
	}
	return s.finish(s.offValue)
}

type Constant struct {
	bounds
	value float64
}

func (c *Constant) criterion() {}

func (c *Constant) Ingest(time.Time, map[string]any) {}

func (c *Constant) Evaluate() (float64, bool) {
	return c.finish(c.value)
}

// Formula evaluates an expression over ingested points.
// Points in nc keep the value they had when the device was curtailed until it is released.
type Formula struct {
	bounds
	name    string
	formula *formula.Formula
	always  []string
	nc      []string
	values  map[string]any
	active  bool
}

func (f *Formula) criterion() {}

func (f *Formula) Ingest(_ time.Time, data map[string]any) {
	for _, arg := range f.always {
		if v, ok := data[arg]; ok {
			f.values[arg] = v
		}
	}
	if f.active {
		return
	}
	for _, arg := range f.nc {
		if v, ok := data[arg]; ok {
			f.values[arg] = v
		}
	}
}

func (f *Formula) SetActive(active bool) {
	f.active = active
}

func (f *Formula) Evaluate() (float64, bool) {
	v, err := f.formula.Float(f.values)
	if err != nil {
		if errors.Is(err, formula.ErrNotReady) {
			logrus.WithFields(logrus.Fields{
				"criterion": f.name,
				"operation": f.formula.String(),
			}).Debug(err)
		}
		return 0, false
	}
	return f.finish(v)
}

// Mapper looks up a value in a named table, either by a static key or by the current value of a point.
type Mapper struct {
	bounds
	table   map[string]float64
	key     string
	point   string
	current string
}

func (m *Mapper) criterion() {}

func (m *Mapper) Ingest(_ time.Time, data map[string]any) {
	if m.point == "" {
		return
	}
	v, ok := data[m.point]
	if !ok || v == nil {
		return
	}
	switch t := v.(type) {
	case string:
		m.current = t
	default:
		if n, ok := formula.Number(v); ok {
			m.current = strconv.FormatFloat(n, 'f', -1, 64)
		}
	}
}

func (m *Mapper) Evaluate() (float64, bool) {
	key := m.key
	if m.point != "" {
		key = m.current
	}
	v, ok := m.table[key]
	if !ok {
		return 0, false
	}
	return m.finish(v)
}

type historySample struct {
	ts    time.Time
	value float64
}

// History compares the current value of a point with its interpolated value previous ago.
type History struct {
	bounds
	point    string
	inverse  bool
	previous time.Duration
	samples  []historySample
}

func (h *History) criterion() {}

func (h *History) Ingest(ts time.Time, data map[string]any) {
	v, ok := data[h.point]
	if !ok {
		return
	}
	n, ok := formula.Number(v)
	if !ok {
		return
	}
	if l := len(h.samples); l > 0 && !ts.After(h.samples[l-1].ts) {
		return
	}
	h.samples = append(h.samples, historySample{ts: ts, value: n})
	h.prune(ts.Add(-h.previous))
}

// prune drops samples no longer needed to interpolate at target, keeping the last one at or before it.
func (h *History) prune(target time.Time) {
	i := sort.Search(len(h.samples), func(i int) bool {
		return h.samples[i].ts.After(target)
	})
	if i > 1 {
		h.samples = append(h.samples[:0], h.samples[i-1:]...)
	}
}

func (h *History) valueAt(target time.Time) (float64, bool) {
	if len(h.samples) == 0 || target.Before(h.samples[0].ts) {
		return 0, false
	}
	for i := len(h.samples) - 1; i >= 0; i-- {
		s := h.samples[i]
		if s.ts.After(target) {
			continue
		}
		if s.ts.Equal(target) || i == len(h.samples)-1 {
			return s.value, true
		}
		next := h.samples[i+1]
		frac := float64(target.Sub(s.ts)) / float64(next.ts.Sub(s.ts))
		return s.value + (next.value-s.value)*frac, true
	}
	return 0, false
}

func (h *History) Evaluate() (float64, bool) {
	if len(h.samples) == 0 {
		return 0, false
	}
	cur := h.samples[len(h.samples)-1]
	prev, ok := h.valueAt(cur.ts.Add(-h.previous))
	if !ok {
		return h.finish(h.lower())
	}
	diff := math.Abs(cur.value - prev)
	if h.inverse {
		return h.finish(1 / diff)
	}
	return h.finish(diff)
}
