package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/api/v1/meter"
	"github.com/nergy-se/ilc/pkg/formula"
	"github.com/nergy-se/ilc/pkg/schedule"
)

var ErrInvalidMessage = errors.New("invalid message")

type P1ib struct {
	P1IbHourlyActiveImportQ1Q4   float64 `json:"p1ib_hourly_active_import_q1_q4"`
	P1IbHourlyActiveExportQ2Q3   float64 `json:"p1ib_hourly_active_export_q2_q3"`
	P1IbHourlyReactiveImportQ1Q2 float64 `json:"p1ib_hourly_reactive_import_q1_q2"`
	P1IbHourlyReactiveExportQ3Q4 float64 `json:"p1ib_hourly_reactive_export_q3_q4"`
	P1IbActivePowerPlusQ1Q4      float64 `json:"p1ib_active_power_plus_q1_q4"`
	P1IbActivePowerMinusQ2Q3     float64 `json:"p1ib_active_power_minus_q2_q3"`
	P1IbReactivePowerPlusQ1Q2    float64 `json:"p1ib_reactive_power_plus_q1_q2"`
	P1IbReactivePowerMinusQ3Q4   float64 `json:"p1ib_reactive_power_minus_q3_q4"`
	P1IbActivePowerPlusL1        float64 `json:"p1ib_active_power_plus_l1"`
	P1IbActivePowerMinusL1       float64 `json:"p1ib_active_power_minus_l1"`
	P1IbActivePowerPlusL2        float64 `json:"p1ib_active_power_plus_l2"`
	P1IbActivePowerMinusL2       float64 `json:"p1ib_active_power_minus_l2"`
	P1IbActivePowerPlusL3        float64 `json:"p1ib_active_power_plus_l3"`
	P1IbActivePowerMinusL3       float64 `json:"p1ib_active_power_minus_l3"`
	P1IbVoltageL1                float64 `json:"p1ib_voltage_l1"`
	P1IbVoltageL2                float64 `json:"p1ib_voltage_l2"`
	P1IbVoltageL3                float64 `json:"p1ib_voltage_l3"`
	P1IbCurrentL1                float64 `json:"p1ib_current_l1"`
	P1IbCurrentL2                float64 `json:"p1ib_current_l2"`
	P1IbCurrentL3                float64 `json:"p1ib_current_l3"`
	P1IbImportExport             float64 `json:"p1ib_import_export"`
	P1IbMeter                    string  `json:"p1ib_meter"`
}

// AsMeterData converts the kW and kWh values of the p1ib sensor state to a meter reading.
func (p P1ib) AsMeterData(id string, ts time.Time) meter.Data {
	return meter.Data{
		Id:        id,
		Model:     "p1ib",
		Time:      ts,
		Current_W: (p.P1IbActivePowerPlusQ1Q4 - p.P1IbActivePowerMinusQ2Q3) * 1000,
		Total_WH:  p.P1IbHourlyActiveImportQ1Q4 * 1000,
		L1_A:      p.P1IbCurrentL1,
		L2_A:      p.P1IbCurrentL2,
		L3_A:      p.P1IbCurrentL3,
		L1_V:      p.P1IbVoltageL1,
		L2_V:      p.P1IbVoltageL2,
		L3_V:      p.P1IbVoltageL3,
	}
}

func decode(payload []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(payload))
	var v any
	err := d.Decode(&v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	return v, nil
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// DecodeTelemetry decodes a device telemetry message. Accepted forms are a flat object of points,
// {"timestamp": ..., "data": {...}} and the two element [values, meta] array. The returned time is zero
// when the message carries no timestamp.
func DecodeTelemetry(payload []byte) (time.Time, map[string]any, error) {
	v, err := decode(payload)
	if err != nil {
		return time.Time{}, nil, err
	}
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return time.Time{}, nil, fmt.Errorf("%w: empty array", ErrInvalidMessage)
		}
		values, ok := t[0].(map[string]any)
		if !ok {
			return time.Time{}, nil, fmt.Errorf("%w: first element must be an object", ErrInvalidMessage)
		}
		return time.Time{}, values, nil
	case map[string]any:
		if data, ok := t["data"].(map[string]any); ok && len(t) <= 2 {
			ts, hasTS := t["timestamp"]
			if len(t) == 1 || hasTS {
				return parseTimestamp(ts), data, nil
			}
		}
		ts := parseTimestamp(t["timestamp"])
		delete(t, "timestamp")
		return ts, t, nil
	}
	return time.Time{}, nil, fmt.Errorf("%w: telemetry must be an object or array", ErrInvalidMessage)
}

// DecodePower decodes an aggregate power message. Format "p1ib" reads a p1ib sensor state in kW,
// format "point" reads p.Point from a telemetry message or accepts a bare number, both multiplied by p.Scale into kW.
func DecodePower(payload []byte, p config.Power) (meter.Data, error) {
	if p.Format == "p1ib" {
		s := P1ib{}
		err := json.Unmarshal(payload, &s)
		if err != nil {
			return meter.Data{}, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
		}
		d := s.AsMeterData(s.P1IbMeter, time.Time{})
		if !finite(d.Current_W) {
			return meter.Data{}, fmt.Errorf("%w: power is not finite", ErrInvalidMessage)
		}
		return d, nil
	}

	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64); err == nil {
		if !finite(v) {
			return meter.Data{}, fmt.Errorf("%w: power %v is not finite", ErrInvalidMessage, v)
		}
		return meter.Data{Id: p.Point, Model: "point", Current_W: v * scale * 1000}, nil
	}
	ts, data, err := DecodeTelemetry(payload)
	if err != nil {
		return meter.Data{}, err
	}
	raw, ok := data[p.Point]
	if !ok {
		return meter.Data{}, fmt.Errorf("%w: no point %s", ErrInvalidMessage, p.Point)
	}
	v, ok := formula.Number(raw)
	if !ok {
		return meter.Data{}, fmt.Errorf("%w: point %s is not a number", ErrInvalidMessage, p.Point)
	}
	if !finite(v) {
		return meter.Data{}, fmt.Errorf("%w: point %s is not finite", ErrInvalidMessage, p.Point)
	}
	return meter.Data{Id: p.Point, Model: "point", Time: ts, Current_W: v * scale * 1000}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DecodeKill decodes a kill switch message, a bare boolean or number or an object holding point.
func DecodeKill(payload []byte, point string) (bool, error) {
	v, err := decode(payload)
	if err != nil {
		return false, err
	}
	if m, ok := v.(map[string]any); ok {
		if _, wrapped := m["data"]; wrapped {
			_, data, err := DecodeTelemetry(payload)
			if err != nil {
				return false, err
			}
			m = data
		}
		if v, ok = m[point]; !ok {
			return false, fmt.Errorf("%w: no point %s", ErrInvalidMessage, point)
		}
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	default:
		n, ok := formula.Number(v)
		if !ok {
			return false, fmt.Errorf("%w: kill switch must be boolean", ErrInvalidMessage)
		}
		return n != 0, nil
	}
}

type goal struct {
	ID     string          `json:"id"`
	Start  string          `json:"start"`
	End    string          `json:"end"`
	Target json.RawMessage `json:"target"`
}

type goalEnvelope struct {
	Value *goal           `json:"value"`
	Meta  json.RawMessage `json:"meta"`
	TZ    string          `json:"tz"`
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseGoalTime(s string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse time %q", ErrInvalidMessage, s)
}

// DecodeGoal decodes a demand goal message, either {id, start, end, target} or the same wrapped as
// {"value": {...}, "meta": {...}, "tz": "..."}. Times without zone are in tz, UTC when tz is missing.
// A missing id gets a generated one and a missing start means now. cancel is true when target is null,
// a message without target is invalid.
func DecodeGoal(payload []byte, now time.Time) (task schedule.Task, cancel bool, err error) {
	env := goalEnvelope{}
	err = json.Unmarshal(payload, &env)
	if err != nil {
		return task, false, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	g := env.Value
	if g == nil {
		g = &goal{}
		err = json.Unmarshal(payload, g)
		if err != nil {
			return task, false, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
		}
	}

	loc := time.UTC
	if env.TZ != "" {
		loc, err = time.LoadLocation(env.TZ)
		if err != nil {
			return task, false, fmt.Errorf("%w: unknown tz %s", ErrInvalidMessage, env.TZ)
		}
	}

	task.ID = g.ID
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Start = now
	if g.Start != "" {
		task.Start, err = parseGoalTime(g.Start, loc)
		if err != nil {
			return task, false, err
		}
	}
	if g.End != "" {
		task.End, err = parseGoalTime(g.End, loc)
		if err != nil {
			return task, false, err
		}
	}

	target := bytes.TrimSpace(g.Target)
	if len(target) == 0 {
		return task, false, fmt.Errorf("%w: missing target", ErrInvalidMessage)
	}
	if bytes.Equal(target, []byte("null")) {
		return task, true, nil
	}
	var v any
	err = json.Unmarshal(target, &v)
	if err != nil {
		return task, false, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	n, ok := formula.Number(v)
	if !ok {
		if s, isString := v.(string); isString {
			n, err = strconv.ParseFloat(s, 64)
			ok = err == nil
		}
	}
	if !ok || !finite(n) {
		return task, false, fmt.Errorf("%w: target must be a number", ErrInvalidMessage)
	}
	task.Target = n
	return task, false, nil
}
