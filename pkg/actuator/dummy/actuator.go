package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/sirupsen/logrus"
)

var ErrScheduleRejected = errors.New("schedule rejected")

// Write records one SetPoint, RevertPoint or RevertDevice call.
type Write struct {
	Device string   `json:"device"`
	Point  string   `json:"point"`
	Value  *float64 `json:"value"`
	Revert bool     `json:"revert"`
}

// Dummy is an in memory actuator. Points revert to the value they were seeded with.
type Dummy struct {
	points   map[string]float64
	defaults map[string]float64
	failures map[string]error
	rejected map[string]bool
	writes   []Write
	sync.Mutex
}

func New() *Dummy {
	return &Dummy{
		points:   make(map[string]float64),
		defaults: make(map[string]float64),
		failures: make(map[string]error),
		rejected: make(map[string]bool),
	}
}

func Pointer[K any](val K) *K {
	return &val
}

// Seed sets the current and default value of a point.
func (d *Dummy) Seed(device, point string, v float64) {
	d.Lock()
	defer d.Unlock()
	key := actuator.PointKey(device, point)
	d.points[key] = v
	d.defaults[key] = v
}

// Fail makes every call on the point fail with err. An empty point fails the whole device. A nil err clears it.
func (d *Dummy) Fail(device, point string, err error) {
	d.Lock()
	defer d.Unlock()
	key := actuator.PointKey(device, point)
	if err == nil {
		delete(d.failures, key)
		return
	}
	d.failures[key] = err
}

func (d *Dummy) RejectSchedule(device string, reject bool) {
	d.Lock()
	d.rejected[device] = reject
	d.Unlock()
}

func (d *Dummy) Value(device, point string) (float64, bool) {
	d.Lock()
	defer d.Unlock()
	v, ok := d.points[actuator.PointKey(device, point)]
	return v, ok
}

func (d *Dummy) Writes() []Write {
	d.Lock()
	defer d.Unlock()
	return append([]Write(nil), d.writes...)
}

func (d *Dummy) failure(device, point string) error {
	if err, ok := d.failures[actuator.PointKey(device, "")]; ok {
		return err
	}
	return d.failures[actuator.PointKey(device, point)]
}

func (d *Dummy) GetPoint(ctx context.Context, device, point string) (float64, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.failure(device, point); err != nil {
		return 0, err
	}
	v, ok := d.points[actuator.PointKey(device, point)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", actuator.ErrUnknownPoint, actuator.PointKey(device, point))
	}
	return v, nil
}

func (d *Dummy) SetPoint(ctx context.Context, requester, device, point string, value float64) (float64, error) {
	d.Lock()
	defer d.Unlock()
	if err := d.failure(device, point); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"requester": requester,
		"device":    device,
		"point":     point,
	}).Infof("dummy: SetPoint: %v", value)
	d.points[actuator.PointKey(device, point)] = value
	d.writes = append(d.writes, Write{Device: device, Point: point, Value: Pointer(value)})
	return value, nil
}

func (d *Dummy) RevertPoint(ctx context.Context, requester, device, point string) error {
	d.Lock()
	defer d.Unlock()
	if err := d.failure(device, point); err != nil {
		return err
	}
	key := actuator.PointKey(device, point)
	def, ok := d.defaults[key]
	if !ok {
		return fmt.Errorf("%w: %s", actuator.ErrNoDefault, key)
	}
	logrus.Infof("dummy: RevertPoint: %s", key)
	d.points[key] = def
	d.writes = append(d.writes, Write{Device: device, Point: point, Revert: true})
	return nil
}

func (d *Dummy) RevertDevice(ctx context.Context, requester, device string) error {
	d.Lock()
	defer d.Unlock()
	if err := d.failure(device, ""); err != nil {
		return err
	}
	prefix := actuator.PointKey(device, "")
	for key, def := range d.defaults {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			d.points[key] = def
		}
	}
	logrus.Infof("dummy: RevertDevice: %s", device)
	d.writes = append(d.writes, Write{Device: device, Revert: true})
	return nil
}

func (d *Dummy) RequestSchedule(ctx context.Context, requester, device string, start, end time.Time) error {
	d.Lock()
	defer d.Unlock()
	if d.rejected[device] {
		return fmt.Errorf("%w: %s", ErrScheduleRejected, device)
	}
	return nil
}

// Handler serves the current points as json on GET and sets a point on POST with device, point and value query parameters.
func (d *Dummy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			q := req.URL.Query()
			v, err := strconv.ParseFloat(q.Get("value"), 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			d.Seed(q.Get("device"), q.Get("point"), v)
			fmt.Fprintf(w, "seeded %s\n", actuator.PointKey(q.Get("device"), q.Get("point")))
			return
		}

		d.Lock()
		keys := make([]string, 0, len(d.points))
		for k := range d.points {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]any{"point": k, "value": d.points[k]})
		}
		d.Unlock()

		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(out)
		if err != nil {
			logrus.Error(err)
		}
	})
}
