package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nergy-se/ilc/pkg/actuator"
	"github.com/nergy-se/ilc/pkg/api/v1/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	registers map[uint16]int
	inputs    map[uint16]int
	coils     map[uint16]bool
	failWrite error
}

func (f *fakeClient) ReadInputRegister(address uint16) (int, error) {
	return f.inputs[address], nil
}

func (f *fakeClient) ReadHoldingRegister16(address uint16) (int, error) {
	return f.registers[address], nil
}

func (f *fakeClient) ReadHoldingRegister32(address uint16) (int, error) {
	return f.registers[address], nil
}

func (f *fakeClient) ReadCoil(address uint16) (bool, error) {
	return f.coils[address], nil
}

func (f *fakeClient) WriteSingleRegister(address uint16, value int) error {
	if f.failWrite != nil {
		return f.failWrite
	}
	f.registers[address] = value
	return nil
}

func (f *fakeClient) WriteSingleCoil(address uint16, on bool) error {
	f.coils[address] = on
	return nil
}

func (f *fakeClient) Close() error {
	return nil
}

func ptr[K any](v K) *K {
	return &v
}

func newTestActuator() (*Modbus, *fakeClient) {
	client := &fakeClient{
		registers: map[uint16]int{100: 2150},
		inputs:    map[uint16]int{7: -35},
		coils:     map[uint16]bool{},
	}
	cfg := config.Actuator{
		Type: "modbus",
		Points: map[string]config.Register{
			"RTU1/sp":    {Address: 100, Kind: "holding", Scale: 100, Default: ptr(21.0)},
			"RTU1/oat":   {Address: 7, Kind: "input", Scale: 10},
			"RTU1/fan":   {Address: 3, Kind: "coil", Scale: 1, Default: ptr(1.0)},
			"RTU2/stage": {Address: 200, Kind: "holding", Scale: 1},
		},
	}
	return New("plc", cfg, client), client
}

func TestGetPoint(t *testing.T) {
	m, _ := newTestActuator()
	ctx := context.Background()

	v, err := m.GetPoint(ctx, "RTU1", "sp")
	require.NoError(t, err)
	assert.Equal(t, 21.5, v)

	v, err = m.GetPoint(ctx, "RTU1", "oat")
	require.NoError(t, err)
	assert.Equal(t, -3.5, v)

	v, err = m.GetPoint(ctx, "RTU1", "fan")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = m.GetPoint(ctx, "RTU1", "nope")
	assert.ErrorIs(t, err, actuator.ErrUnknownPoint)
}

func TestSetPoint(t *testing.T) {
	m, client := newTestActuator()
	ctx := context.Background()

	v, err := m.SetPoint(ctx, "ilc", "RTU1", "sp", 23.456)
	require.NoError(t, err)
	assert.Equal(t, 23.46, v, "rounded to register resolution")
	assert.Equal(t, 2346, client.registers[100])

	v, err = m.SetPoint(ctx, "ilc", "RTU1", "fan", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	assert.True(t, client.coils[3])

	_, err = m.SetPoint(ctx, "ilc", "RTU1", "oat", 1)
	assert.ErrorIs(t, err, ErrReadOnly)

	client.failWrite = errors.New("timeout")
	_, err = m.SetPoint(ctx, "ilc", "RTU1", "sp", 20)
	assert.Error(t, err)
}

func TestRevert(t *testing.T) {
	m, client := newTestActuator()
	ctx := context.Background()
	_, err := m.SetPoint(ctx, "ilc", "RTU1", "sp", 25)
	require.NoError(t, err)
	_, err = m.SetPoint(ctx, "ilc", "RTU1", "fan", 0)
	require.NoError(t, err)

	require.NoError(t, m.RevertPoint(ctx, "ilc", "RTU1", "sp"))
	assert.Equal(t, 2100, client.registers[100])

	err = m.RevertPoint(ctx, "ilc", "RTU2", "stage")
	assert.ErrorIs(t, err, actuator.ErrNoDefault)

	_, err = m.SetPoint(ctx, "ilc", "RTU1", "sp", 25)
	require.NoError(t, err)
	require.NoError(t, m.RevertDevice(ctx, "ilc", "RTU1"))
	assert.Equal(t, 2100, client.registers[100])
	assert.True(t, client.coils[3])

	assert.ErrorIs(t, m.RevertDevice(ctx, "ilc", "RTU2"), actuator.ErrNoDefault)
}

func TestRequestSchedule(t *testing.T) {
	m, _ := newTestActuator()
	ctx := context.Background()
	t0 := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)

	require.NoError(t, m.RequestSchedule(ctx, "ilc-a", "RTU1", t0, t0.Add(time.Hour)))
	require.NoError(t, m.RequestSchedule(ctx, "ilc-a", "RTU1", t0, t0.Add(2*time.Hour)), "same requester extends")
	err := m.RequestSchedule(ctx, "ilc-b", "RTU1", t0.Add(time.Hour), t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrScheduleConflict)
	assert.NoError(t, m.RequestSchedule(ctx, "ilc-b", "RTU1", t0.Add(2*time.Hour), t0.Add(3*time.Hour)))
}
