package metrics

import (
	"io"
	"math"
	"net/http/httptest"
	"testing"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/nergy-se/ilc/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopForwarder struct {
	statuses, reports, devices int
}

func (n *nopForwarder) PublishStatus(s state.Status) error {
	n.statuses++
	return nil
}

func (n *nopForwarder) PublishReport(r state.Report) error {
	n.reports++
	return nil
}

func (n *nopForwarder) PublishDevice(d state.Device) error {
	n.devices++
	return nil
}

func ptr(v float64) *float64 {
	return &v
}

func value(t *testing.T, m prometheus.Metric) float64 {
	d := &dto.Metric{}
	require.NoError(t, m.Write(d))
	if d.Gauge != nil {
		return d.Gauge.GetValue()
	}
	return d.Counter.GetValue()
}

func TestRecorder(t *testing.T) {
	next := &nopForwarder{}
	r := New(next)
	rtu1 := types.DeviceKey{Device: "RTU1", SubID: "s"}

	require.NoError(t, r.PublishReport(state.Report{Power: ptr(120), Average: ptr(110), Limit: ptr(100), Need: ptr(20)}))
	assert.Equal(t, 120.0, value(t, r.power))
	assert.Equal(t, 110.0, value(t, r.average))
	assert.Equal(t, 100.0, value(t, r.limit))

	require.NoError(t, r.PublishReport(state.Report{Power: ptr(90)}))
	assert.True(t, math.IsNaN(value(t, r.limit)))
	assert.Equal(t, 20.0, value(t, r.need), "unknown values keep the last one")

	require.NoError(t, r.PublishDevice(state.Device{Key: rtu1, Curtailed: true}))
	require.NoError(t, r.PublishStatus(state.Status{Status: state.StatusActive, Curtailed: []types.DeviceKey{rtu1}}))
	assert.Equal(t, 1.0, value(t, r.curtailment.WithLabelValues("RTU1/s")))
	assert.Equal(t, 1.0, value(t, r.device.WithLabelValues("RTU1/s")))
	assert.Equal(t, 1.0, value(t, r.active))
	assert.Equal(t, 1.0, value(t, r.curtailed))

	require.NoError(t, r.PublishDevice(state.Device{Key: rtu1, Error: "timeout"}))
	require.NoError(t, r.PublishDevice(state.Device{Key: rtu1}))
	require.NoError(t, r.PublishStatus(state.Status{Status: state.StatusInactive}))
	assert.Equal(t, 1.0, value(t, r.failure.WithLabelValues("RTU1/s")))
	assert.Equal(t, 1.0, value(t, r.release.WithLabelValues("RTU1/s")))
	assert.Equal(t, 0.0, value(t, r.device.WithLabelValues("RTU1/s")))
	assert.Equal(t, 0.0, value(t, r.active))

	assert.Equal(t, 2, next.statuses)
	assert.Equal(t, 2, next.reports)
	assert.Equal(t, 3, next.devices)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ilc_curtailments_total{device=\"RTU1/s\"} 1")
	assert.Contains(t, string(body), "ilc_power_kw 90")
}
