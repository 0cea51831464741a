// Package config loads the host configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"hxhost/hx711"
)

const (
	DefaultBaud              = 250000
	DefaultReadTimeoutMS     = 100
	DefaultClockSyncInterval = 0.98
	DefaultMQTTTopic         = "hx711/%s"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"
)

var (
	ErrNoChannels    = errors.New("no hx711 channels configured")
	ErrUnknownOutput = errors.New("unknown output type")
	ErrMQTTServer    = errors.New("mqtt output requires a server")
)

// Config is the root of the configuration file
type Config struct {
	MCU     MCU                `yaml:"mcu"`
	HX711   map[string]Channel `yaml:"hx711"`
	Outputs []Output           `yaml:"outputs"`
}

// MCU describes the serial link to the microcontroller
type MCU struct {
	Serial            string  `yaml:"serial"`
	Baud              int     `yaml:"baud"`
	ReadTimeoutMS     int     `yaml:"read_timeout_ms"`
	ClockSyncInterval float64 `yaml:"clock_sync_interval"`
}

// Channel is one [hx711 <name>] section. Options left out of the file keep
// their driver defaults.
type Channel struct {
	hx711.Options `yaml:",inline"`

	// ReportTime is the expected seconds between samples; zero leaves the driver default
	ReportTime float64 `yaml:"report_time"`
}

// UnmarshalYAML decodes a channel on top of the driver defaults
func (c *Channel) UnmarshalYAML(value *yaml.Node) error {
	type plain Channel
	p := plain{Options: hx711.DefaultOptions()}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = Channel(p)
	return nil
}

// Output selects a sample sink
type Output struct {
	Type string `yaml:"type"`
	MQTT MQTT   `yaml:"mqtt"`
}

// MQTT configures the MQTT sink. Topic may contain one %s for the channel name.
type MQTT struct {
	Server   string `yaml:"server"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

// Load reads, defaults and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated Config
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.MCU.Baud == 0 {
		cfg.MCU.Baud = DefaultBaud
	}
	if cfg.MCU.ReadTimeoutMS == 0 {
		cfg.MCU.ReadTimeoutMS = DefaultReadTimeoutMS
	}
	if cfg.MCU.ClockSyncInterval == 0 {
		cfg.MCU.ClockSyncInterval = DefaultClockSyncInterval
	}

	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []Output{{Type: OutputConsole}}
	}
	for i := range cfg.Outputs {
		out := &cfg.Outputs[i]
		out.Type = strings.ToLower(out.Type)
		if out.Type == OutputMQTT && out.MQTT.Topic == "" {
			out.MQTT.Topic = DefaultMQTTTopic
		}
	}
}

// Validate checks the parts of the file the driver does not validate itself.
// Channel options are checked when the channels are created.
func (c *Config) Validate() error {
	if len(c.HX711) == 0 {
		return ErrNoChannels
	}
	if c.MCU.ReadTimeoutMS < 0 {
		return fmt.Errorf("mcu read_timeout_ms must not be negative, got %d", c.MCU.ReadTimeoutMS)
	}
	for name, ch := range c.HX711 {
		if ch.ReportTime < 0 {
			return fmt.Errorf("hx711 %s: report_time must not be negative, got %v", name, ch.ReportTime)
		}
	}
	for i, out := range c.Outputs {
		switch out.Type {
		case OutputConsole:
		case OutputMQTT:
			if out.MQTT.Server == "" {
				return fmt.Errorf("outputs[%d]: %w", i, ErrMQTTServer)
			}
		default:
			return fmt.Errorf("outputs[%d]: %w %q", i, ErrUnknownOutput, out.Type)
		}
	}
	return nil
}

// ChannelNames returns the configured channel names in sorted order
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.HX711))
	for name := range c.HX711 {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
