// Package config handles envnode configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envnode/config.yaml, /etc/envnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envnode", "config.yaml"))
	}

	paths = append(paths, "/etc/envnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all envnode configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Link     LinkConfig   `yaml:"link"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	Sensor   SensorConfig `yaml:"sensor"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// DeviceConfig describes the identity announced to Home Assistant.
type DeviceConfig struct {
	// ID is the device identifier used in topics and unique IDs. If
	// empty, a persistent generated instance ID is used instead.
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	HWVersion    string `yaml:"hw_version"`
}

// LinkConfig defines how the network link is brought up before the
// broker session is opened.
type LinkConfig struct {
	// Mode selects the association strategy: "nmcli" joins a WiFi
	// network through NetworkManager, "interface" waits for a named
	// interface to come up with an address, "none" skips the link step.
	Mode      string `yaml:"mode"`
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	// Attempts is the number of association attempts (default 3).
	Attempts int `yaml:"attempts"`
	// AttemptTimeoutSec bounds each attempt (default 15).
	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
	// MonitorIntervalSec is the link monitor poll period (default 30).
	MonitorIntervalSec int `yaml:"monitor_interval_sec"`
}

// MQTTConfig defines the broker session and topic layout.
type MQTTConfig struct {
	// Scheme is "mqtt", "tcp" or "ws" (default "mqtt").
	Scheme          string `yaml:"scheme"`
	Broker          string `yaml:"broker"`
	Port            int    `yaml:"port"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// StateTopic defaults to "<id>/state".
	StateTopic string `yaml:"state_topic"`
	// CommandTopic defaults to "<id>/command".
	CommandTopic string `yaml:"command_topic"`

	KeepAliveSec       int `yaml:"keep_alive_sec"`
	AcceptTimeoutSec   int `yaml:"accept_timeout_sec"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	PublishIntervalSec int `yaml:"publish_interval_sec"`

	// BufferSize is the inbound command reassembly capacity in bytes.
	BufferSize int `yaml:"buffer_size"`
	// FragmentSize is the chunk size inbound payloads are delivered in.
	FragmentSize int `yaml:"fragment_size"`
	// CommandRate is the sustained inbound messages per second allowed
	// on the command topic; CommandBurst is the bucket size.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
}

// SensorConfig selects the telemetry source.
type SensorConfig struct {
	// Source is currently only "simulated".
	Source string `yaml:"source"`
	Seed   uint64 `yaml:"seed"`
}

// Load reads configuration from a YAML file. Unset fields are filled
// from [Default] and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration matching the reference
// Pico W + ENS160 + AHT2x build.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:           "pico_env_sensor",
			Name:         "Pico Env Sensor",
			Manufacturer: "DIY",
			Model:        "Pico W + ENS160 + AHT2x",
			HWVersion:    "rev0.85",
		},
		Link: LinkConfig{
			Mode:               "none",
			Attempts:           3,
			AttemptTimeoutSec:  15,
			MonitorIntervalSec: 30,
		},
		MQTT: MQTTConfig{
			Scheme:             "mqtt",
			Broker:             "localhost",
			Port:               1883,
			DiscoveryPrefix:    "homeassistant",
			KeepAliveSec:       60,
			AcceptTimeoutSec:   5,
			PollIntervalMS:     10,
			PublishIntervalSec: 30,
			BufferSize:         512,
			FragmentSize:       128,
			CommandRate:        5,
			CommandBurst:       10,
		},
		Sensor: SensorConfig{
			Source: "simulated",
		},
		DataDir: ".",
	}
}

// applyDefaults restores defaults for fields explicitly zeroed in YAML.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Link.Mode == "" {
		c.Link.Mode = d.Link.Mode
	}
	if c.Link.Attempts <= 0 {
		c.Link.Attempts = d.Link.Attempts
	}
	if c.Link.AttemptTimeoutSec <= 0 {
		c.Link.AttemptTimeoutSec = d.Link.AttemptTimeoutSec
	}
	if c.Link.MonitorIntervalSec <= 0 {
		c.Link.MonitorIntervalSec = d.Link.MonitorIntervalSec
	}
	if c.MQTT.Scheme == "" {
		c.MQTT.Scheme = d.MQTT.Scheme
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = d.MQTT.Port
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = d.MQTT.KeepAliveSec
	}
	if c.MQTT.AcceptTimeoutSec <= 0 {
		c.MQTT.AcceptTimeoutSec = d.MQTT.AcceptTimeoutSec
	}
	if c.MQTT.PollIntervalMS <= 0 {
		c.MQTT.PollIntervalMS = d.MQTT.PollIntervalMS
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = d.MQTT.PublishIntervalSec
	}
	if c.MQTT.BufferSize <= 0 {
		c.MQTT.BufferSize = d.MQTT.BufferSize
	}
	if c.MQTT.FragmentSize <= 0 {
		c.MQTT.FragmentSize = d.MQTT.FragmentSize
	}
	if c.MQTT.CommandRate <= 0 {
		c.MQTT.CommandRate = d.MQTT.CommandRate
	}
	if c.MQTT.CommandBurst <= 0 {
		c.MQTT.CommandBurst = d.MQTT.CommandBurst
	}
	if c.Sensor.Source == "" {
		c.Sensor.Source = d.Sensor.Source
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Device.ID, "/+# ") {
		return fmt.Errorf("device.id %q must not contain '/', '+', '#' or spaces", c.Device.ID)
	}
	switch c.Link.Mode {
	case "none", "interface":
	case "nmcli":
		if c.Link.SSID == "" {
			return fmt.Errorf("link.ssid is required when link.mode is nmcli")
		}
	default:
		return fmt.Errorf("unknown link.mode %q (valid: none, interface, nmcli)", c.Link.Mode)
	}
	if c.Link.Mode == "interface" && c.Link.Interface == "" {
		return fmt.Errorf("link.interface is required when link.mode is interface")
	}
	switch c.MQTT.Scheme {
	case "mqtt", "tcp", "ws":
	default:
		return fmt.Errorf("unknown mqtt.scheme %q (valid: mqtt, tcp, ws)", c.MQTT.Scheme)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.BufferSize < 2 {
		return fmt.Errorf("mqtt.buffer_size must be at least 2, got %d", c.MQTT.BufferSize)
	}
	if strings.ContainsAny(c.MQTT.CommandTopic, "+#") {
		return fmt.Errorf("mqtt.command_topic %q must not contain wildcards", c.MQTT.CommandTopic)
	}
	if c.Sensor.Source != "simulated" {
		return fmt.Errorf("unknown sensor.source %q (valid: simulated)", c.Sensor.Source)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
