// Package config loads the latch host configuration from a YAML file.
//
// Defaults are filled in before decoding, so a file only has to name what
// differs. Unknown keys are rejected.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/latch"
)

// Gateway kinds.
const (
	GatewaySim    = "sim"
	GatewayBridge = "bridge"
)

// Channel names every configuration must define.
const (
	LeftStepper     = "left_stepper"
	LeftHomeSwitch  = "left_home_switch"
	RightStepper    = "right_stepper"
	RightHomeSwitch = "right_home_switch"
	HeadBarSwitch   = "head_bar_switch"
	ReleaseSwitch   = "release_switch"
	ForceSensor     = "force_sensor"
)

// RequiredChannels maps each required channel name to its kind.
var RequiredChannels = map[string]gateway.Kind{
	LeftStepper:     gateway.KindStepper,
	LeftHomeSwitch:  gateway.KindDigitalInput,
	RightStepper:    gateway.KindStepper,
	RightHomeSwitch: gateway.KindDigitalInput,
	HeadBarSwitch:   gateway.KindDigitalInput,
	ReleaseSwitch:   gateway.KindDigitalInput,
	ForceSensor:     gateway.KindVoltageRatioInput,
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Caller     bool   `yaml:"caller"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// GatewayConfig selects and configures the device hub.
type GatewayConfig struct {
	Kind string `yaml:"kind"`

	// Device is the bridge tty. When empty it is looked up from
	// HubSerialNumber among the USB serial ports.
	Device          string        `yaml:"device"`
	HubSerialNumber string        `yaml:"hub_serial_number"`
	BaudRate        int           `yaml:"baud_rate"`
	Backend         string        `yaml:"backend"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`

	// SimPeriod is the motion model step of the simulated hub.
	SimPeriod time.Duration `yaml:"sim_period"`
}

// ControllerConfig tunes the latch controller.
type ControllerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	SetupInterval   time.Duration `yaml:"setup_interval"`
	SetupMaxRetries int           `yaml:"setup_max_retries"`
}

// Settings converts c to controller settings.
func (c ControllerConfig) Settings() latch.Settings {
	return latch.Settings{
		Enabled:         c.Enabled,
		SettleDelay:     c.SettleDelay,
		SetupInterval:   c.SetupInterval,
		SetupMaxRetries: c.SetupMaxRetries,
	}
}

// APIConfig configures the telemetry and control server.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LatchesConfig holds both latch configurations.
type LatchesConfig struct {
	Left  latch.Config `yaml:"left"`
	Right latch.Config `yaml:"right"`
}

// Config is the whole host configuration.
type Config struct {
	Log        LogConfig                   `yaml:"log"`
	Gateway    GatewayConfig               `yaml:"gateway"`
	Controller ControllerConfig            `yaml:"controller"`
	API        APIConfig                   `yaml:"api"`
	Channels   map[string]gateway.Identity `yaml:"channels"`
	Latches    LatchesConfig               `yaml:"latches"`
}

// Default returns the configuration used for omitted values.
func Default() *Config {
	settings := latch.DefaultSettings()
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
		Gateway: GatewayConfig{
			Kind:        GatewaySim,
			BaudRate:    115200,
			ReadTimeout: 200 * time.Millisecond,
			SimPeriod:   20 * time.Millisecond,
		},
		Controller: ControllerConfig{
			Enabled:         settings.Enabled,
			SettleDelay:     settings.SettleDelay,
			SetupInterval:   settings.SetupInterval,
			SetupMaxRetries: settings.SetupMaxRetries,
		},
		API: APIConfig{Addr: ":7130"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ConfigError(err, path)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.ConfigError(err, path)
	}
	return cfg, nil
}

// LoadBytes parses and validates configuration data.
func LoadBytes(data []byte) (*Config, error) {
	return Parse(bytes.NewReader(data))
}

// Parse decodes a configuration over the defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, decodeError(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Gateway.Kind {
	case GatewaySim:
	case GatewayBridge:
		if c.Gateway.Device == "" && c.Gateway.HubSerialNumber == "" {
			return NewConfigError("gateway", "device", "device or hub_serial_number is required for the bridge")
		}
		if c.Gateway.BaudRate <= 0 {
			return ErrOutOfRange("gateway", "baud_rate", float64(c.Gateway.BaudRate), "must be positive")
		}
	default:
		return ErrInvalidChoice("gateway", "kind", c.Gateway.Kind, []string{GatewaySim, GatewayBridge})
	}
	if c.Gateway.SimPeriod <= 0 {
		return ErrOutOfRange("gateway", "sim_period", c.Gateway.SimPeriod.Seconds(), "must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidChoice("log", "format", c.Log.Format, []string{"text", "json"})
	}

	ctl := c.Controller
	if ctl.SettleDelay < 0 {
		return ErrOutOfRange("controller", "settle_delay", ctl.SettleDelay.Seconds(), "must not be negative")
	}
	if ctl.SetupInterval <= 0 {
		return ErrOutOfRange("controller", "setup_interval", ctl.SetupInterval.Seconds(), "must be positive")
	}
	if ctl.SetupMaxRetries < 0 {
		return ErrOutOfRange("controller", "setup_max_retries", float64(ctl.SetupMaxRetries), "must not be negative")
	}

	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.Latches.Left.Validate(); err != nil {
		return WrapError("latches", "left", err)
	}
	if err := c.Latches.Right.Validate(); err != nil {
		return WrapError("latches", "right", err)
	}
	return nil
}

func (c *Config) validateChannels() error {
	names := make([]string, 0, len(RequiredChannels))
	for name := range RequiredChannels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		id, ok := c.Channels[name]
		if !ok {
			return ErrMissingOption("channels", name)
		}
		if want := RequiredChannels[name]; id.Kind != want {
			return ErrInvalidValue("channels", name, string(id.Kind), string(want))
		}
	}

	seen := make(map[string]string)
	for _, name := range c.ChannelNames() {
		addr := c.Channels[name].Address()
		if other, dup := seen[addr]; dup {
			return NewConfigError("channels", name, fmt.Sprintf("address %s already used by %s", addr, other))
		}
		seen[addr] = name
	}
	return nil
}

// ChannelNames returns the configured channel names in sorted order.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
