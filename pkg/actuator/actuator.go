package actuator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownActuator = errors.New("unknown actuator")
var ErrUnknownPoint = errors.New("unknown point")
var ErrNoDefault = errors.New("point has no default value")

// Actuator reads and overrides device points on behalf of a requester.
type Actuator interface {
	GetPoint(ctx context.Context, device, point string) (float64, error)
	// SetPoint returns the value actually accepted by the device.
	SetPoint(ctx context.Context, requester, device, point string, value float64) (float64, error)
	// RevertPoint hands the point back to its default or automatic control.
	RevertPoint(ctx context.Context, requester, device, point string) error
	RevertDevice(ctx context.Context, requester, device string) error
	// RequestSchedule reserves device for requester during [start, end).
	RequestSchedule(ctx context.Context, requester, device string, start, end time.Time) error
}

// Registry maps actuator identities to implementations.
type Registry map[string]Actuator

func (r Registry) Get(name string) (Actuator, error) {
	a, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActuator, name)
	}
	return a, nil
}

func PointKey(device, point string) string {
	return device + "/" + point
}
