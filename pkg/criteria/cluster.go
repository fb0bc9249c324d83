package criteria

import (
	"fmt"
	"sort"

	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"gonum.org/v1/gonum/floats"
)

// Cluster is a group of devices sharing one AHP weight vector per control state.
type Cluster struct {
	Name     string
	Priority float64

	labels  map[types.ControlState][]string
	weights map[types.ControlState][]float64
	bundles map[types.ControlState]map[types.DeviceKey]*Bundle
}

// NewCluster derives the weight vectors and builds the device bundles. An inconsistent matrix is an error.
func NewCluster(cfg config.Cluster, mappers map[string]map[string]float64) (*Cluster, error) {
	c := &Cluster{
		Name:     cfg.Name,
		Priority: cfg.Priority,
		labels:   make(map[types.ControlState][]string),
		weights:  make(map[types.ControlState][]float64),
		bundles:  make(map[types.ControlState]map[types.DeviceKey]*Bundle),
	}
	for state, m := range cfg.Pairwise {
		pairwise, err := m.Dense()
		if err != nil {
			return nil, fmt.Errorf("cluster %s %s: %w", cfg.Name, state, err)
		}
		w, err := Weights(pairwise)
		if err != nil {
			return nil, fmt.Errorf("cluster %s %s: %w", cfg.Name, state, err)
		}
		c.labels[state] = m.Labels
		c.weights[state] = w
		c.bundles[state] = make(map[types.DeviceKey]*Bundle)
	}

	for name, dev := range cfg.Devices {
		for subID, sub := range dev.SubDevices {
			key := types.DeviceKey{Device: name, SubID: subID}
			for state, crit := range sub.Criteria {
				if _, ok := c.bundles[state]; !ok {
					return nil, fmt.Errorf("cluster %s: %s has %s criteria but no pairwise matrix", cfg.Name, key, state)
				}
				b, err := NewBundle(key, state, crit, mappers)
				if err != nil {
					return nil, fmt.Errorf("cluster %s: %w", cfg.Name, err)
				}
				c.bundles[state][key] = b
			}
		}
	}
	return c, nil
}

func (c *Cluster) Labels(state types.ControlState) []string {
	return c.labels[state]
}

func (c *Cluster) Weights(state types.ControlState) []float64 {
	return c.weights[state]
}

// Score is the ranking value of one sub-device.
type Score struct {
	Key     types.DeviceKey
	Cluster string
	Value   float64
}

// scores ranks the eligible and ready devices of the cluster. Each criterion column is min-max
// normalized over those devices; a column where every device has the same value normalizes to 1.
func (c *Cluster) scores(state types.ControlState, eligible func(types.DeviceKey) bool) []Score {
	labels, ok := c.labels[state]
	if !ok {
		return nil
	}
	w := c.weights[state]

	keys := make([]types.DeviceKey, 0, len(c.bundles[state]))
	for key := range c.bundles[state] {
		if eligible(key) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	rows := make([][]float64, 0, len(keys))
	ready := keys[:0]
	for _, key := range keys {
		v, ok := c.bundles[state][key].Vector(labels)
		if !ok {
			continue
		}
		rows = append(rows, v)
		ready = append(ready, key)
	}
	if len(rows) == 0 {
		return nil
	}

	col := make([]float64, len(rows))
	for j := range labels {
		for i, row := range rows {
			col[i] = row[j]
		}
		lo, hi := floats.Min(col), floats.Max(col)
		for _, row := range rows {
			if hi == lo {
				row[j] = 1
				continue
			}
			row[j] = (row[j] - lo) / (hi - lo)
		}
	}

	out := make([]Score, len(rows))
	for i, row := range rows {
		out[i] = Score{
			Key:     ready[i],
			Cluster: c.Name,
			Value:   floats.Dot(row, w) * c.Priority,
		}
	}
	return out
}
