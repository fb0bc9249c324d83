package state

import (
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
)

const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
)

// Status is the application status published after every sample, tick and kill switch change.
type Status struct {
	Status    string            `json:"status"`
	Reason    string            `json:"reason"`
	State     string            `json:"state"`
	Limit     *float64          `json:"limit,omitempty"`
	Curtailed []types.DeviceKey `json:"curtailed"`
	Time      time.Time         `json:"time"`
}

func (s Status) Active() bool {
	return s.Status == StatusActive
}

// Report is the average power report published after every power sample.
type Report struct {
	Time       time.Time `json:"time"`
	Power      *float64  `json:"power,omitempty"`
	Average    *float64  `json:"average,omitempty"`
	ExpAverage *float64  `json:"expAverage,omitempty"`
	Limit      *float64  `json:"limit,omitempty"`
	Need       *float64  `json:"need,omitempty"`
	Load       *float64  `json:"load,omitempty"` // estimated reduction of the devices in force
	Samples    int       `json:"samples"`
}

// Map returns the report as a flat record keyed by field name, leaving out unknown values.
func (r Report) Map() map[string]interface{} {
	m := make(map[string]interface{})
	if r.Power != nil {
		m["power"] = *r.Power
	}
	if r.Average != nil {
		m["average"] = *r.Average
	}
	if r.ExpAverage != nil {
		m["expAverage"] = *r.ExpAverage
	}
	if r.Limit != nil {
		m["limit"] = *r.Limit
	}
	if r.Need != nil {
		m["need"] = *r.Need
	}
	if r.Load != nil {
		m["load"] = *r.Load
	}
	m["samples"] = int64(r.Samples)
	return m
}

// Device is the curtailment status of one device, published after every curtail or release.
type Device struct {
	Key       types.DeviceKey `json:"key"`
	Curtailed bool            `json:"curtailed"`
	Point     string          `json:"point"`
	Value     *float64        `json:"value"`
	Load      float64         `json:"load"`
	Count     int             `json:"count"`
	Error     string          `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// Publisher sends one message with headers to topic.
type Publisher interface {
	Publish(topic string, headers map[string]string, payload any) error
}
