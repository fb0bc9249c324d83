package criteria

import (
	"sort"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/types"
)

// CurtailCountPoint is the synthetic point carrying how many times a device has been curtailed since the last reset.
const CurtailCountPoint = "curtail_count"

// Eligibility tells whether a device is currently on for a control state.
type Eligibility interface {
	IsEligible(key types.DeviceKey, state types.ControlState) bool
}

// Registry owns every cluster and ranks devices across them.
type Registry struct {
	clusters    []*Cluster
	byDevice    map[string][]*Bundle
	byKey       map[types.DeviceKey][]*Bundle
	eligibility Eligibility
}

func NewRegistry(cfg *config.Config, eligibility Eligibility) (*Registry, error) {
	r := &Registry{
		byDevice:    make(map[string][]*Bundle),
		byKey:       make(map[types.DeviceKey][]*Bundle),
		eligibility: eligibility,
	}
	for _, cc := range cfg.Clusters {
		c, err := NewCluster(cc, cfg.Mappers)
		if err != nil {
			return nil, err
		}
		r.clusters = append(r.clusters, c)
		for _, bundles := range c.bundles {
			for key, b := range bundles {
				r.byDevice[key.Device] = append(r.byDevice[key.Device], b)
				r.byKey[key] = append(r.byKey[key], b)
			}
		}
	}
	return r, nil
}

func (r *Registry) Clusters() []*Cluster {
	return r.clusters
}

// Ingest feeds device telemetry to every bundle of every sub-device of device.
func (r *Registry) Ingest(device string, ts time.Time, data map[string]any) {
	for _, b := range r.byDevice[device] {
		b.Ingest(ts, data)
	}
}

// SetActive marks a sub-device as curtailed or released.
func (r *Registry) SetActive(key types.DeviceKey, active bool) {
	for _, b := range r.byKey[key] {
		b.SetActive(active)
	}
}

func (r *Registry) SetCurtailCount(key types.DeviceKey, ts time.Time, count int) {
	for _, b := range r.byKey[key] {
		b.Ingest(ts, map[string]any{CurtailCountPoint: count})
	}
}

func (r *Registry) ResetCurtailCounts(ts time.Time) {
	for key := range r.byKey {
		r.SetCurtailCount(key, ts, 0)
	}
}

// Scores returns every scored device for state, highest first.
func (r *Registry) Scores(state types.ControlState) []Score {
	eligible := func(key types.DeviceKey) bool {
		return r.eligibility == nil || r.eligibility.IsEligible(key, state)
	}
	var all []Score
	for _, c := range r.clusters {
		all = append(all, c.scores(state, eligible)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Value != all[j].Value {
			return all[i].Value > all[j].Value
		}
		return all[i].Key.Less(all[j].Key)
	})
	return all
}

// ScoreOrder returns the devices eligible for state ranked by descending score.
func (r *Registry) ScoreOrder(state types.ControlState) []types.DeviceKey {
	scores := r.Scores(state)
	out := make([]types.DeviceKey, len(scores))
	for i, s := range scores {
		out[i] = s.Key
	}
	return out
}
