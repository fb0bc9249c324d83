package criteria

import (
	"fmt"
	"sort"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
)

// Bundle holds the named criteria of one sub-device for one control state.
type Bundle struct {
	Key      types.DeviceKey
	State    types.ControlState
	criteria map[string]Criterion
}

func NewBundle(key types.DeviceKey, state types.ControlState, cfg map[string]config.Criterion, mappers map[string]map[string]float64) (*Bundle, error) {
	b := &Bundle{
		Key:      key,
		State:    state,
		criteria: make(map[string]Criterion, len(cfg)),
	}
	for name, c := range cfg {
		cr, err := New(name, c, mappers)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", key, state, err)
		}
		b.criteria[name] = cr
	}
	return b, nil
}

func (b *Bundle) Ingest(ts time.Time, data map[string]any) {
	for _, c := range b.criteria {
		c.Ingest(ts, data)
	}
}

// SetActive freezes or unfreezes no-change-while-curtailed formula inputs.
func (b *Bundle) SetActive(active bool) {
	for _, c := range b.criteria {
		if f, ok := c.(*Formula); ok {
			f.SetActive(active)
		}
	}
}

func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.criteria))
	for name := range b.criteria {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate returns every criterion value. The bool is false if any criterion is not ready.
func (b *Bundle) Evaluate() (map[string]float64, bool) {
	out := make(map[string]float64, len(b.criteria))
	ready := true
	for name, c := range b.criteria {
		v, ok := c.Evaluate()
		if !ok {
			ready = false
			continue
		}
		out[name] = v
	}
	return out, ready
}

// Vector returns the criterion values ordered by labels.
func (b *Bundle) Vector(labels []string) ([]float64, bool) {
	out := make([]float64, len(labels))
	for i, label := range labels {
		c, ok := b.criteria[label]
		if !ok {
			return nil, false
		}
		v, ok := c.Evaluate()
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
