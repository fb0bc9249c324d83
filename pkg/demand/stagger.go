package demand

import (
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
)

// GroupCount is the number of release groups for n curtailed devices, one more than the number of
// confirm periods that fit in the stagger time and never more than one group per device.
func GroupCount(n int, staggerTime, confirm time.Duration) int {
	if n == 0 {
		return 0
	}
	groups := 1
	if confirm > 0 {
		groups = int(staggerTime/confirm) + 1
	}
	if groups > n {
		groups = n
	}
	return groups
}

// Partition splits keys in order into groups whose sizes differ by at most one, larger groups first.
func Partition(keys []types.DeviceKey, groups int) [][]types.DeviceKey {
	if groups <= 0 || len(keys) == 0 {
		return nil
	}
	if groups > len(keys) {
		groups = len(keys)
	}
	size := len(keys) / groups
	extra := len(keys) % groups
	out := make([][]types.DeviceKey, 0, groups)
	start := 0
	for i := 0; i < groups; i++ {
		end := start + size
		if i < extra {
			end++
		}
		out = append(out, append([]types.DeviceKey(nil), keys[start:end]...))
		start = end
	}
	return out
}

// releasePlan is a staggered release in progress.
type releasePlan struct {
	groups   [][]types.DeviceKey
	interval time.Duration
	next     time.Time
}

func newReleasePlan(keys []types.DeviceKey, staggerTime, confirm time.Duration, now time.Time) *releasePlan {
	groups := Partition(keys, GroupCount(len(keys), staggerTime, confirm))
	p := &releasePlan{groups: groups, next: now}
	if len(groups) > 1 {
		p.interval = staggerTime / time.Duration(len(groups)-1)
	}
	return p
}

// due pops the next group when its time has come.
func (p *releasePlan) due(now time.Time) ([]types.DeviceKey, bool) {
	if len(p.groups) == 0 || now.Before(p.next) {
		return nil, false
	}
	g := p.groups[0]
	p.groups = p.groups[1:]
	p.next = p.next.Add(p.interval)
	return g, true
}

func (p *releasePlan) done() bool {
	return len(p.groups) == 0
}
