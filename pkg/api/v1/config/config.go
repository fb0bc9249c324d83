package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nergy-se/ilc/pkg/api/v1/types"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration file. It describes the site, timing, clusters with their devices and the actuators used to reach them.
type Config struct {
	Campus   string `yaml:"campus"`
	Building string `yaml:"building"`

	Topics     Topics      `yaml:"topics"`
	Power      Power       `yaml:"power_meter"`
	KillSwitch *KillSwitch `yaml:"kill_switch"`

	// DemandLimit installs an open ended goal at startup when set.
	DemandLimit *float64 `yaml:"demand_limit"`

	Timing Timing `yaml:"timing"`

	// Mappers are named lookup tables used by mapper criteria.
	Mappers map[string]map[string]float64 `yaml:"mappers"`

	Clusters  []Cluster           `yaml:"clusters"`
	Actuators map[string]Actuator `yaml:"actuators"`
}

type Topics struct {
	// DevicePrefix is prepended to device names when a device has no explicit topic.
	DevicePrefix string `yaml:"device_prefix"`
	Goal         string `yaml:"goal"`
	// Record is the prefix for everything the controller publishes.
	Record string `yaml:"record"`
}

type Power struct {
	Topic string `yaml:"topic"`
	Point string `yaml:"point"`
	// Format is "point" (numeric point in a json object or bare number) or "p1ib".
	Format string `yaml:"format"`
	// Scale converts the received value into kW.
	Scale float64 `yaml:"scale"`
}

type KillSwitch struct {
	Topic string `yaml:"topic"`
	Point string `yaml:"point"`
}

type Timing struct {
	CurtailmentTime            time.Duration `yaml:"curtailment_time"`
	CurtailmentConfirm         time.Duration `yaml:"curtailment_confirm"`
	CurtailmentBreak           time.Duration `yaml:"curtailment_break"`
	AverageBuildingPowerWindow time.Duration `yaml:"average_building_power_window"`
	ResetCurtailCountTime      time.Duration `yaml:"reset_curtail_count_time"`
	// MaximumTimeWithoutRelease of zero disables the fail-safe.
	MaximumTimeWithoutRelease time.Duration `yaml:"maximum_time_without_release"`
	StaggerRelease            bool          `yaml:"stagger_release"`
	StaggerReleaseTime        time.Duration `yaml:"stagger_release_time"`
	NeedActuatorSchedule      bool          `yaml:"need_actuator_schedule"`

	GetPointTimeout time.Duration `yaml:"get_point_timeout"`
	SetPointTimeout time.Duration `yaml:"set_point_timeout"`
	RevertTimeout   time.Duration `yaml:"revert_timeout"`
}

type Cluster struct {
	Name     string                        `yaml:"name"`
	Priority float64                       `yaml:"priority"`
	Pairwise map[types.ControlState]Matrix `yaml:"pairwise"`
	Devices  map[string]Device             `yaml:"devices"`
}

type Device struct {
	Actuator string `yaml:"actuator"`
	// Path is the device path on the actuator. Defaults to the device name.
	Path  string `yaml:"path"`
	Topic string `yaml:"topic"`

	SubDevices map[string]SubDevice `yaml:"subdevices"`
}

type SubDevice struct {
	Criteria map[types.ControlState]map[string]Criterion `yaml:"criteria"`
	Settings map[types.ControlState][]Setting            `yaml:"settings"`
	Status   map[types.ControlState]Status               `yaml:"device_status"`
}

type Status struct {
	Condition string   `yaml:"condition"`
	Args      []string `yaml:"args"`
	Default   bool     `yaml:"default"`
}

type Actuator struct {
	// Type is "modbus" or "dummy".
	Type    string        `yaml:"type"`
	Address string        `yaml:"address"`
	SlaveID byte          `yaml:"slave_id"`
	Timeout time.Duration `yaml:"timeout"`
	// Points are keyed by "<device path>/<point>".
	Points map[string]Register `yaml:"points"`
}

type Register struct {
	Address uint16 `yaml:"register"`
	// Kind is "holding", "input" (read only) or "coil".
	Kind string `yaml:"kind"`
	// Scale is the register value of one unit, 100 for a register holding hundredths.
	Scale float64 `yaml:"scale"`
	// Default is written by revert when no previous value is known.
	Default *float64 `yaml:"default"`
}

// Load reads and validates the engine configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	c := &Config{}
	err := yaml.Unmarshal(b, c)
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	c.setDefaults()
	return c, c.Validate()
}

func (c *Config) setDefaults() {
	t := &c.Timing
	setDuration(&t.CurtailmentTime, 15*time.Minute)
	setDuration(&t.CurtailmentConfirm, 5*time.Minute)
	setDuration(&t.CurtailmentBreak, 15*time.Minute)
	setDuration(&t.AverageBuildingPowerWindow, 15*time.Minute)
	setDuration(&t.ResetCurtailCountTime, 6*time.Hour)
	setDuration(&t.StaggerReleaseTime, t.CurtailmentTime)
	setDuration(&t.GetPointTimeout, 5*time.Second)
	setDuration(&t.SetPointTimeout, 15*time.Second)
	setDuration(&t.RevertTimeout, 15*time.Second)

	if c.Topics.DevicePrefix == "" {
		c.Topics.DevicePrefix = "devices"
	}
	if c.Topics.Goal == "" {
		c.Topics.Goal = fmt.Sprintf("ilc/%s/%s/target", c.Campus, c.Building)
	}
	if c.Topics.Record == "" {
		c.Topics.Record = fmt.Sprintf("record/ilc/%s/%s", c.Campus, c.Building)
	}
	if c.Power.Format == "" {
		c.Power.Format = "point"
	}
	if c.Power.Scale == 0 {
		c.Power.Scale = 1
	}
	for i := range c.Clusters {
		for name, dev := range c.Clusters[i].Devices {
			if dev.Path == "" {
				dev.Path = name
			}
			if dev.Topic == "" {
				dev.Topic = fmt.Sprintf("%s/%s", c.Topics.DevicePrefix, dev.Path)
			}
			c.Clusters[i].Devices[name] = dev
		}
	}
	for name, a := range c.Actuators {
		if a.Timeout == 0 {
			a.Timeout = 5 * time.Second
		}
		for key, reg := range a.Points {
			if reg.Kind == "" {
				reg.Kind = "holding"
			}
			if reg.Scale == 0 {
				reg.Scale = 1
			}
			a.Points[key] = reg
		}
		c.Actuators[name] = a
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// DeviceTopics maps telemetry topic to device name.
func (c *Config) DeviceTopics() map[string]string {
	out := make(map[string]string)
	for _, cl := range c.Clusters {
		for name, dev := range cl.Devices {
			out[dev.Topic] = name
		}
	}
	return out
}
