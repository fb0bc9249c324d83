package alarm

import (
	"strings"
	"sync"
)

const (
	KillSwitch           = "kill switch active"
	MaxTimeExceeded      = "maximum time without release exceeded"
	ActuationUnavailable = "no device could be curtailed"
)

// ActiveAlarms is the set of fail-safe conditions currently in force, in the order they were raised.
type ActiveAlarms struct {
	activeAlarms []string
	sync.RWMutex
}

// Add adds string to alarm list and returns true if it was added. returns false if it already exists.
func (a *ActiveAlarms) Add(alarm string) bool {
	a.Lock()
	defer a.Unlock()
	for _, activeAlarm := range a.activeAlarms {
		if activeAlarm == alarm {
			return false
		}
	}

	a.activeAlarms = append(a.activeAlarms, alarm)
	return true
}

// Remove returns true if alarm was active.
func (a *ActiveAlarms) Remove(alarm string) bool {
	a.Lock()
	defer a.Unlock()
	for i, activeAlarm := range a.activeAlarms {
		if activeAlarm == alarm {
			a.activeAlarms = append(a.activeAlarms[:i], a.activeAlarms[i+1:]...)
			return true
		}
	}
	return false
}

func (a *ActiveAlarms) Has(alarm string) bool {
	a.RLock()
	defer a.RUnlock()
	for _, activeAlarm := range a.activeAlarms {
		if activeAlarm == alarm {
			return true
		}
	}
	return false
}

// String joins the active alarms, empty when there are none.
func (a *ActiveAlarms) String() string {
	a.RLock()
	defer a.RUnlock()
	return strings.Join(a.activeAlarms, ", ")
}

func (a *ActiveAlarms) Clear() bool {
	hasActive := false
	a.Lock()
	if len(a.activeAlarms) > 0 {
		hasActive = true
		a.activeAlarms = nil
	}
	a.Unlock()
	return hasActive
}
