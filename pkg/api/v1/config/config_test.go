package config

import (
	"testing"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
campus: PNNL
building: SEB
power_meter:
  topic: devices/PNNL/SEB/METERS/all
  point: WholeBuildingPower
kill_switch:
  topic: ilc/kill
  point: kill
demand_limit: 100
timing:
  curtailment_time: 20m
  curtailment_confirm: 5m
  stagger_release: true
mappers:
  zone_type:
    office: 1
    conference: 5
clusters:
  - name: rtus
    priority: 1.0
    pairwise:
      curtail:
        labels: [zonetemperature, room_type, stage]
        comparisons:
          zonetemperature: {room_type: 3, stage: 5}
          room_type: {stage: 2}
    devices:
      RTU1:
        actuator: plc
        subdevices:
          rtu1:
            criteria:
              curtail:
                zonetemperature:
                  operation_type: formula
                  operation: zonetemperature - coolingsetpoint
                  operation_args:
                    always: [zonetemperature]
                    nc: [coolingsetpoint]
                  minimum: 0
                  maximum: 10
                room_type:
                  operation_type: mapper
                  dict_name: zone_type
                  map_key: office
                stage:
                  operation_type: status
                  point_name: CompressorStatus
                  on_value: 2
                  off_value: 0
            settings:
              curtail:
                - point: ZoneCoolingTemperatureSetPoint
                  control_method: offset
                  offset: 2
                  maximum: 80
                  load: 6.5
                  revert_priority: 1
                - point: FirstStageCooling
                  control_method: value
                  value: 0
                  load:
                    equation: fan_power * 0.5
                    equation_args: [fan_power]
            device_status:
              curtail:
                condition: SupplyFanStatus == 1
                args: [SupplyFanStatus]
actuators:
  plc:
    type: modbus
    address: 10.0.0.5:502
    slave_id: 1
    points:
      RTU1/ZoneCoolingTemperatureSetPoint: {register: 100, scale: 100, default: 72}
      RTU1/FirstStageCooling: {register: 12, kind: coil}
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, 20*time.Minute, c.Timing.CurtailmentTime)
	assert.Equal(t, 20*time.Minute, c.Timing.StaggerReleaseTime)
	assert.Equal(t, 15*time.Minute, c.Timing.CurtailmentBreak)
	assert.Equal(t, 5*time.Second, c.Timing.GetPointTimeout)
	assert.Equal(t, "record/ilc/PNNL/SEB", c.Topics.Record)
	assert.Equal(t, "ilc/PNNL/SEB/target", c.Topics.Goal)
	assert.Equal(t, 100.0, *c.DemandLimit)

	dev := c.Clusters[0].Devices["RTU1"]
	assert.Equal(t, "RTU1", dev.Path)
	assert.Equal(t, "devices/RTU1", dev.Topic)
	assert.Equal(t, map[string]string{"devices/RTU1": "RTU1"}, c.DeviceTopics())

	sub := dev.SubDevices["rtu1"]
	cr := sub.Criteria[types.ControlStateCurtail]["zonetemperature"]
	assert.Equal(t, []string{"zonetemperature"}, cr.OperationArgs.Always)
	assert.Equal(t, []string{"coolingsetpoint"}, cr.OperationArgs.NC)
	assert.Equal(t, []string{"zonetemperature", "coolingsetpoint"}, cr.OperationArgs.All())

	settings := sub.Settings[types.ControlStateCurtail]
	require.Len(t, settings, 2)
	assert.Equal(t, 6.5, *settings[0].Load.Value)
	assert.Equal(t, 1, *settings[0].RevertPriority)
	assert.Nil(t, settings[1].RevertPriority)
	assert.Equal(t, "fan_power * 0.5", settings[1].Load.Equation)

	plc := c.Actuators["plc"]
	assert.Equal(t, "holding", plc.Points["RTU1/ZoneCoolingTemperatureSetPoint"].Kind)
	assert.Equal(t, 1.0, plc.Points["RTU1/FirstStageCooling"].Scale)
	assert.Equal(t, 5*time.Second, plc.Timeout)
}

func TestValidateErrors(t *testing.T) {
	var tests = []struct {
		name     string
		config   string
		contains string
	}{
		{
			name:     "no clusters",
			config:   "power_meter: {topic: p, point: w}",
			contains: "at least one cluster",
		},
		{
			name:     "missing power topic",
			config:   "clusters: []",
			contains: "power_meter.topic",
		},
		{
			name: "unknown actuator and missing criterion",
			config: `
power_meter: {topic: p, point: w}
clusters:
  - name: c
    priority: 1
    pairwise:
      curtail: {labels: [a, b]}
    devices:
      D1:
        actuator: nope
        subdevices:
          d1:
            criteria:
              curtail:
                a: {operation_type: constant, value: 1}
`,
			contains: "missing criterion b",
		},
		{
			name: "bad control method",
			config: `
power_meter: {topic: p, point: w}
actuators: {sim: {type: dummy}}
clusters:
  - name: c
    priority: 1
    devices:
      D1:
        actuator: sim
        subdevices:
          d1:
            settings:
              curtail:
                - {point: x, control_method: toggle, load: 1}
`,
			contains: "unknown control_method",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.config))
			assert.ErrorContains(t, err, tt.contains)
		})
	}
}

func TestMatrixDense(t *testing.T) {
	m := Matrix{
		Labels: []string{"a", "b", "c"},
		Comparisons: map[string]map[string]float64{
			"a": {"b": 3, "c": 5},
			"c": {"b": 0.5},
		},
	}
	d, err := m.Dense()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 5}, d[0])
	assert.InDelta(t, 1.0/3, d[1][0], 1e-9)
	assert.Equal(t, 2.0, d[1][2])
	assert.Equal(t, 0.5, d[2][1])
	assert.InDelta(t, 0.2, d[2][0], 1e-9)

	m.Comparisons["b"] = map[string]float64{"c": 4}
	_, err = m.Dense()
	assert.ErrorContains(t, err, "not reciprocal")

	_, err = Matrix{Labels: []string{"a"}, Comparisons: map[string]map[string]float64{"x": {"a": 1}}}.Dense()
	assert.Error(t, err)
}

func TestCliConfigRequester(t *testing.T) {
	c := &CliConfig{}
	id := c.Requester()
	assert.Contains(t, id, "ilc-")
	assert.Equal(t, id, c.Requester())

	c = &CliConfig{AgentID: "ilc-seb"}
	assert.Equal(t, "ilc-seb", c.Requester())
}
