package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/nergy-se/ilc/pkg/modbusclient"
	"github.com/sirupsen/logrus"
)

var ErrReadOnly = errors.New("point is read only")
var ErrScheduleConflict = errors.New("device reserved by another requester")

type reservation struct {
	requester string
	start     time.Time
	end       time.Time
}

// Modbus reaches device points through registers of one modbus server.
type Modbus struct {
	name     string
	client   modbusclient.Client
	points   map[string]config.Register
	reserved map[string]reservation
	sync.Mutex
}

func New(name string, cfg config.Actuator, client modbusclient.Client) *Modbus {
	return &Modbus{
		name:     name,
		client:   client,
		points:   cfg.Points,
		reserved: make(map[string]reservation),
	}
}

// Dial connects to the modbus TCP server of cfg.
func Dial(name string, cfg config.Actuator) *Modbus {
	return New(name, cfg, modbusclient.Dial(cfg.Address, cfg.SlaveID, cfg.Timeout))
}

func (m *Modbus) Close() error {
	return m.client.Close()
}

func (m *Modbus) register(device, point string) (config.Register, error) {
	reg, ok := m.points[actuator.PointKey(device, point)]
	if !ok {
		return reg, fmt.Errorf("%w: %s on %s", actuator.ErrUnknownPoint, actuator.PointKey(device, point), m.name)
	}
	return reg, nil
}

func (m *Modbus) read(reg config.Register) (float64, error) {
	switch reg.Kind {
	case "coil":
		on, err := m.client.ReadCoil(reg.Address)
		if err != nil {
			return 0, err
		}
		if on {
			return 1, nil
		}
		return 0, nil
	case "input":
		raw, err := m.client.ReadInputRegister(reg.Address)
		return float64(raw) / reg.Scale, err
	default:
		raw, err := m.client.ReadHoldingRegister16(reg.Address)
		return float64(raw) / reg.Scale, err
	}
}

func (m *Modbus) write(reg config.Register, value float64) (float64, error) {
	switch reg.Kind {
	case "coil":
		on := value != 0
		err := m.client.WriteSingleCoil(reg.Address, on)
		if err != nil {
			return 0, err
		}
		if on {
			return 1, nil
		}
		return 0, nil
	case "input":
		return 0, ErrReadOnly
	default:
		raw := int(math.Round(value * reg.Scale))
		err := m.client.WriteSingleRegister(reg.Address, raw)
		return float64(raw) / reg.Scale, err
	}
}

func (m *Modbus) GetPoint(ctx context.Context, device, point string) (float64, error) {
	reg, err := m.register(device, point)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.read(reg)
}

// SetPoint returns the value after rounding to the register resolution.
func (m *Modbus) SetPoint(ctx context.Context, requester, device, point string, value float64) (float64, error) {
	reg, err := m.register(device, point)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := m.write(reg, value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", actuator.PointKey(device, point), err)
	}
	logrus.WithFields(logrus.Fields{
		"actuator":  m.name,
		"requester": requester,
		"point":     actuator.PointKey(device, point),
		"register":  reg.Address,
	}).Debugf("modbus: SetPoint: %v", v)
	return v, nil
}

// RevertPoint writes the configured default of the point.
func (m *Modbus) RevertPoint(ctx context.Context, requester, device, point string) error {
	reg, err := m.register(device, point)
	if err != nil {
		return err
	}
	if reg.Default == nil {
		return fmt.Errorf("%w: %s", actuator.ErrNoDefault, actuator.PointKey(device, point))
	}
	_, err = m.SetPoint(ctx, requester, device, point, *reg.Default)
	return err
}

// RevertDevice writes the default of every point of device that has one.
func (m *Modbus) RevertDevice(ctx context.Context, requester, device string) error {
	prefix := actuator.PointKey(device, "")
	var keys []string
	for key, reg := range m.points {
		if strings.HasPrefix(key, prefix) && reg.Default != nil && reg.Kind != "input" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no point of %s has a default", actuator.ErrNoDefault, device)
	}
	sort.Strings(keys)
	var errs []error
	for _, key := range keys {
		err := m.RevertPoint(ctx, requester, device, strings.TrimPrefix(key, prefix))
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequestSchedule reserves device for requester. Reservations of other requesters block overlapping windows.
func (m *Modbus) RequestSchedule(ctx context.Context, requester, device string, start, end time.Time) error {
	m.Lock()
	defer m.Unlock()
	if r, ok := m.reserved[device]; ok && r.requester != requester && start.Before(r.end) && r.start.Before(end) {
		return fmt.Errorf("%w: %s held by %s until %s", ErrScheduleConflict, device, r.requester, r.end.Format(time.RFC3339))
	}
	m.reserved[device] = reservation{requester: requester, start: start, end: end}
	return nil
}
