package metrics

import (
	"math"
	"net/http"

	"github.com/nergy-se/ilc/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forwarder is what Recorder passes every record on to.
type Forwarder interface {
	PublishStatus(s state.Status) error
	PublishReport(r state.Report) error
	PublishDevice(d state.Device) error
}

// Recorder updates the metrics from every status, report and device record before forwarding it.
type Recorder struct {
	next     Forwarder
	registry *prometheus.Registry

	power       prometheus.Gauge
	average     prometheus.Gauge
	expAverage  prometheus.Gauge
	limit       prometheus.Gauge
	need        prometheus.Gauge
	active      prometheus.Gauge
	curtailed   prometheus.Gauge
	device      *prometheus.GaugeVec
	curtailment *prometheus.CounterVec
	release     *prometheus.CounterVec
	failure     *prometheus.CounterVec
}

func New(next Forwarder) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		next:     next,
		registry: reg,
		power: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_power_kw",
			Help: "Last aggregate power sample",
		}),
		average: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_average_power_kw",
			Help: "Windowed average of the aggregate power",
		}),
		expAverage: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_exp_average_power_kw",
			Help: "Exponentially weighted average of the aggregate power",
		}),
		limit: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_demand_limit_kw",
			Help: "Demand goal in force, NaN without goal",
		}),
		need: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_need_kw",
			Help: "Reduction needed to reach the demand goal",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_active",
			Help: "1 while any device is curtailed",
		}),
		curtailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "ilc_curtailed_devices",
			Help: "Number of curtailed devices",
		}),
		device: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ilc_device_curtailed",
			Help: "1 while the device is curtailed",
		}, []string{"device"}),
		curtailment: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ilc_curtailments_total",
			Help: "Successful curtailments",
		}, []string{"device"}),
		release: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ilc_releases_total",
			Help: "Releases",
		}, []string{"device"}),
		failure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ilc_action_errors_total",
			Help: "Curtail and release actions that failed",
		}, []string{"device"}),
	}
}

func (r *Recorder) PublishStatus(s state.Status) error {
	if s.Active() {
		r.active.Set(1)
	} else {
		r.active.Set(0)
	}
	r.curtailed.Set(float64(len(s.Curtailed)))
	return r.next.PublishStatus(s)
}

func (r *Recorder) PublishReport(rep state.Report) error {
	set(r.power, rep.Power)
	set(r.average, rep.Average)
	set(r.expAverage, rep.ExpAverage)
	if rep.Limit == nil {
		r.limit.Set(math.NaN())
	} else {
		r.limit.Set(*rep.Limit)
	}
	set(r.need, rep.Need)
	return r.next.PublishReport(rep)
}

func (r *Recorder) PublishDevice(d state.Device) error {
	key := d.Key.String()
	switch {
	case d.Error != "":
		r.failure.WithLabelValues(key).Inc()
	case d.Curtailed:
		r.curtailment.WithLabelValues(key).Inc()
	default:
		r.release.WithLabelValues(key).Inc()
	}
	if d.Curtailed {
		r.device.WithLabelValues(key).Set(1)
	} else {
		r.device.WithLabelValues(key).Set(0)
	}
	return r.next.PublishDevice(d)
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func set(g prometheus.Gauge, v *float64) {
	if v == nil {
		return
	}
	g.Set(*v)
}
