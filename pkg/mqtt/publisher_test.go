package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/nergy-se/ilc/pkg/state"
	"github.com/nergy-se/ilc/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic   string
	payload []byte
}

type fakeBus struct {
	published []message
}

func (f *fakeBus) Subscribe(topic string, h Handler) error {
	return nil
}

func (f *fakeBus) Publish(topic string, payload []byte, retain bool) error {
	f.published = append(f.published, message{topic: topic, payload: payload})
	return nil
}

func (f *fakeBus) Close() error {
	return nil
}

type decoded struct {
	Headers map[string]string `json:"headers"`
	Message json.RawMessage   `json:"message"`
}

func TestPublisher(t *testing.T) {
	bus := &fakeBus{}
	p := NewPublisher(bus, "record/ilc/campus/building", "ilc-1")
	p.now = func() time.Time {
		return time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	}

	limit := 100.0
	require.NoError(t, p.PublishStatus(state.Status{Status: state.StatusActive, Reason: "demand above goal, curtailing", Limit: &limit}))
	power := 120.0
	require.NoError(t, p.PublishReport(state.Report{Power: &power, Samples: 3}))
	require.NoError(t, p.PublishDevice(state.Device{Key: types.DeviceKey{Device: "RTU1", SubID: "zone"}, Curtailed: true}))

	require.Len(t, bus.published, 3)
	assert.Equal(t, "record/ilc/campus/building/status", bus.published[0].topic)
	assert.Equal(t, "record/ilc/campus/building/report", bus.published[1].topic)
	assert.Equal(t, "record/ilc/campus/building/device/RTU1/zone", bus.published[2].topic)

	d := decoded{}
	require.NoError(t, json.Unmarshal(bus.published[0].payload, &d))
	assert.Equal(t, "Mon, 01 Jul 2024 14:00:00 GMT", d.Headers["Date"])
	assert.Equal(t, "ilc-1", d.Headers["requesterID"])
	assert.Equal(t, version.Version, d.Headers["version"])
	s := state.Status{}
	require.NoError(t, json.Unmarshal(d.Message, &s))
	assert.True(t, s.Active())
	assert.Equal(t, 100.0, *s.Limit)

	require.NoError(t, json.Unmarshal(bus.published[1].payload, &d))
	assert.JSONEq(t, `{"power": 120, "samples": 3}`, string(d.Message))
}
