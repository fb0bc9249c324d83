package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type CliConfig struct {
	ConfigFile string `default:"/etc/ilc/ilc.yaml"`

	// Requester identity used on actuator calls. Generated when empty.
	AgentID string

	MQTTBroker   string `default:"tcp://127.0.0.1:1883"`
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string `default:"ilc"`

	// EmbeddedBroker runs an in-process broker on EmbeddedBrokerAddress and talks to it with an inline client instead of MQTTBroker.
	EmbeddedBroker        bool
	EmbeddedBrokerAddress string `default:":1883"`

	// Optional M-Bus meter used as aggregate power source.
	MbusDevice    string
	MbusPrimaryID string
	MbusModel     string `default:"garo-GNM3D-MBUS"`
	MbusInterval  int    `default:"10"`

	MetricsAddress string `default:":9120"`

	// TickInterval in seconds between timer evaluations when no power samples arrive.
	TickInterval int `default:"5"`

	// SimulationMode disables wall clock goal timers and evaluates goals against sample timestamps.
	SimulationMode bool

	LogLevel string `default:"info"`

	mutex sync.RWMutex
}

func (c *CliConfig) Requester() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if strings.TrimSpace(c.AgentID) == "" {
		c.AgentID = fmt.Sprintf("ilc-%s", uuid.NewString())
	}
	return c.AgentID
}

func (c *CliConfig) Validate() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("ConfigFile must be set")
	}
	if !c.EmbeddedBroker && c.MQTTBroker == "" {
		return fmt.Errorf("MQTTBroker must be set when EmbeddedBroker is disabled")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %d", c.TickInterval)
	}
	if c.MbusDevice != "" && c.MbusPrimaryID == "" {
		return fmt.Errorf("MbusPrimaryID must be set when MbusDevice is used")
	}
	return nil
}
