package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
)

const validYAML = `
gateway:
  kind: bridge
  hub_serial_number: "A90C3F21"
controller:
  settle_delay: 3s
  setup_max_retries: 50
channels:
  left_stepper:      {serial_number: 1000, hub_port: 0, channel: 0, kind: stepper}
  left_home_switch:  {serial_number: 1000, hub_port: 1, channel: 0, kind: digital_input}
  right_stepper:     {serial_number: 1000, hub_port: 2, channel: 0, kind: stepper}
  right_home_switch: {serial_number: 1000, hub_port: 3, channel: 0, kind: digital_input}
  head_bar_switch:   {serial_number: 1000, hub_port: 4, channel: 0, kind: digital_input}
  release_switch:    {serial_number: 1000, hub_port: 4, channel: 1, kind: digital_input}
  force_sensor:      {serial_number: 1000, hub_port: 5, channel: 0, kind: voltage_ratio_input}
latches:
  left:
    home_velocity: -2000
    velocity_limit: 8000
    acceleration: 20000
    current_limit: 1.5
    holding_current_limit: 0.5
    close_position: 3200
    release_position: 0
  right:
    home_velocity: -2000
    velocity_limit: 8000
    acceleration: 20000
    current_limit: 1.5
    holding_current_limit: 0.5
    close_position: 3200
    release_position: 0
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}

	if cfg.Gateway.Kind != GatewayBridge || cfg.Gateway.HubSerialNumber != "A90C3F21" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Controller.SettleDelay != 3*time.Second {
		t.Errorf("settle_delay = %v, want 3s", cfg.Controller.SettleDelay)
	}
	if cfg.Latches.Left.ClosePosition != 3200 || cfg.Latches.Right.HomeVelocity != -2000 {
		t.Errorf("latches = %+v", cfg.Latches)
	}
	want := gateway.Identity{SerialNumber: 1000, HubPort: 4, Channel: 1, Kind: gateway.KindDigitalInput}
	if got := cfg.Channels[ReleaseSwitch]; got != want {
		t.Errorf("release_switch = %+v, want %+v", got, want)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.Controller.Enabled {
		t.Error("controller should default to enabled")
	}
	if cfg.Controller.SetupInterval != 100*time.Millisecond {
		t.Errorf("setup_interval = %v, want 100ms", cfg.Controller.SetupInterval)
	}
	if cfg.Gateway.BaudRate != 115200 {
		t.Errorf("baud_rate = %d, want 115200", cfg.Gateway.BaudRate)
	}
	if cfg.API.Addr != ":7130" {
		t.Errorf("api addr = %q", cfg.API.Addr)
	}
	if cfg.Log.Level != "info" || cfg.Log.MaxBackups != 5 {
		t.Errorf("log = %+v", cfg.Log)
	}

	s := cfg.Controller.Settings()
	if s.SettleDelay != 3*time.Second || s.SetupMaxRetries != 50 || !s.Enabled {
		t.Errorf("settings = %+v", s)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		section string
		option  string
	}{
		{"bad gateway kind", [2]string{"kind: bridge", "kind: usb"}, "gateway", "kind"},
		{"bridge without device", [2]string{`hub_serial_number: "A90C3F21"`, ""}, "gateway", "device"},
		{"missing channel", [2]string{"  force_sensor:", "  force_sensor_x:"}, "channels", "force_sensor"},
		{"wrong kind", [2]string{"channel: 0, kind: voltage_ratio_input", "channel: 0, kind: digital_input"}, "channels", "force_sensor"},
		{"duplicate address", [2]string{"hub_port: 4, channel: 1", "hub_port: 4, channel: 0"}, "channels", "release_switch"},
		{"negative settle", [2]string{"settle_delay: 3s", "settle_delay: -1s"}, "controller", "settle_delay"},
		{"bad latch", [2]string{"velocity_limit: 8000\n    acceleration: 20000\n    current_limit: 1.5\n    holding_current_limit: 0.5\n    close_position: 3200\n    release_position: 0\n  right:",
			"velocity_limit: 0\n    acceleration: 20000\n    current_limit: 1.5\n    holding_current_limit: 0.5\n    close_position: 3200\n    release_position: 0\n  right:"}, "latches", "left"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validYAML, tt.replace[0], tt.replace[1], 1)
			if data == validYAML {
				t.Fatal("replacement did not apply")
			}
			_, err := LoadBytes([]byte(data))
			var cerr *ConfigError
			if !stderrors.As(err, &cerr) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if cerr.Section != tt.section || cerr.Option != tt.option {
				t.Errorf("error at [%s] %s, want [%s] %s: %v", cerr.Section, cerr.Option, tt.section, tt.option, cerr)
			}
		})
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	data := strings.Replace(validYAML, "controller:", "controller:\n  settle_dleay: 1s", 1)
	_, err := LoadBytes([]byte(data))
	var cerr *ConfigError
	if !stderrors.As(err, &cerr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
	if !strings.Contains(cerr.Message, "settle_dleay") || !strings.HasPrefix(cerr.Message, "yaml: ") {
		t.Errorf("message = %q, want the misspelled key", cerr.Message)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latchd.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, errors.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
	var herr *errors.HostError
	if stderrors.As(err, &herr) && herr.Context["config_path"] == nil {
		t.Error("config path missing from error context")
	}
}

func TestConfigErrorString(t *testing.T) {
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{NewConfigError("gateway", "kind", "bad"), "Option 'kind' in section 'gateway': bad"},
		{NewConfigError("gateway", "", "bad"), "Section 'gateway': bad"},
		{NewConfigError("", "", "bad"), "bad"},
		{ErrMissingOption("channels", "force_sensor"), "Option 'force_sensor' in section 'channels': must be specified"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestConfigErrorKey(t *testing.T) {
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{ErrMissingOption("channels", "force_sensor"), "channels.force_sensor"},
		{NewConfigError("gateway", "", "bad"), "gateway"},
		{NewConfigError("", "", "bad"), ""},
	}
	for _, tt := range tests {
		if got := tt.err.Key(); got != tt.want {
			t.Errorf("Key() = %q, want %q", got, tt.want)
		}
	}
}

func TestConfigErrorMessages(t *testing.T) {
	tests := []struct {
		err  *ConfigError
		want string
	}{
		{ErrInvalidValue("channels", "left_home", "stepper", "digital_input"), `got "stepper", want digital_input`},
		{ErrOutOfRange("gateway", "baud_rate", -1, "must be positive"), "-1 must be positive"},
		{ErrInvalidChoice("log", "format", "xml", []string{"text", "json"}), `"xml" is not one of text, json`},
	}
	for _, tt := range tests {
		if tt.err.Message != tt.want {
			t.Errorf("Message = %q, want %q", tt.err.Message, tt.want)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := LoadBytes(data)
	if err != nil {
		t.Fatalf("reload of marshalled config failed: %v\n%s", err, data)
	}
	if changed := Changes(cfg, again); len(changed) != 0 {
		t.Errorf("sections changed by round trip: %v", changed)
	}
}

func TestChanges(t *testing.T) {
	old, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	data := strings.Replace(validYAML, "gateway:", "log:\n  level: debug\ngateway:", 1)
	data = strings.Replace(data, "settle_delay: 3s", "settle_delay: 4s", 1)
	updated, err := LoadBytes([]byte(data))
	if err != nil {
		t.Fatal(err)
	}

	changed := Changes(old, updated)
	if len(changed) != 2 || changed[0] != SectionController || changed[1] != SectionLog {
		t.Fatalf("Changes() = %v, want [controller log]", changed)
	}
	if rest := NonReloadable(changed); len(rest) != 1 || rest[0] != SectionController {
		t.Errorf("NonReloadable() = %v, want [controller]", rest)
	}
	if !CanReload(SectionLog) || CanReload(SectionChannels) {
		t.Error("CanReload mismatch")
	}
}
