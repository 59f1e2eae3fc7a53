// Package gateway defines the per-channel device interfaces the latch core
// drives, and the identities used to address channels on a hub.
//
// Every setter is a non-blocking, fire-and-forget call. Getters return the
// most recent value the device layer reported. Registering an event callback
// replaces the one registered before it.
package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// ControlMode selects how a stepper interprets its commands.
type ControlMode int

const (
	// ControlModeStep moves to a target position.
	ControlModeStep ControlMode = iota
	// ControlModeRun moves continuously at the velocity limit.
	ControlModeRun
)

func (m ControlMode) String() string {
	switch m {
	case ControlModeStep:
		return "step"
	case ControlModeRun:
		return "run"
	default:
		return "unknown"
	}
}

// ParseControlMode parses "step" or "run".
func ParseControlMode(s string) (ControlMode, error) {
	switch strings.ToLower(s) {
	case "step":
		return ControlModeStep, nil
	case "run":
		return ControlModeRun, nil
	default:
		return 0, fmt.Errorf("gateway: unknown control mode %q", s)
	}
}

// Kind is the class of a channel.
type Kind string

const (
	KindStepper           Kind = "stepper"
	KindDigitalInput      Kind = "digital_input"
	KindVoltageRatioInput Kind = "voltage_ratio_input"
)

// Valid reports whether k is a known channel kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStepper, KindDigitalInput, KindVoltageRatioInput:
		return true
	}
	return false
}

// Identity locates a channel: the hub's serial number, the port on the hub and
// the channel index on the device plugged into that port.
type Identity struct {
	SerialNumber int  `yaml:"serial_number"`
	HubPort      int  `yaml:"hub_port"`
	Channel      int  `yaml:"channel"`
	Kind         Kind `yaml:"kind"`
}

// Address returns the "serial/hubport/channel" form used on the wire.
func (id Identity) Address() string {
	return fmt.Sprintf("%d/%d/%d", id.SerialNumber, id.HubPort, id.Channel)
}

// ParseAddress parses a "serial/hubport/channel" address. The kind is left empty.
func ParseAddress(addr string) (Identity, error) {
	parts := strings.Split(addr, "/")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("gateway: malformed address %q", addr)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Identity{}, fmt.Errorf("gateway: malformed address %q", addr)
		}
		nums[i] = n
	}
	return Identity{SerialNumber: nums[0], HubPort: nums[1], Channel: nums[2]}, nil
}

// Channel is the part common to every device channel.
type Channel interface {
	Name() string
	Identity() Identity
	IsAttached() bool
	OnAttach(func())
	OnDetach(func())
}

// Stepper is a stepper motor controller channel.
type Stepper interface {
	Channel

	Position() (float64, error)
	SetTargetPosition(float64) error
	AddPositionOffset(float64) error
	SetVelocityLimit(float64) error
	SetAcceleration(float64) error
	SetCurrentLimit(float64) error
	SetHoldingCurrentLimit(float64) error
	SetEngaged(bool) error
	SetControlMode(ControlMode) error

	// OnStopped is called when the motor comes to rest.
	OnStopped(func())
}

// DigitalInput is a two-state input channel such as a switch.
type DigitalInput interface {
	Channel

	State() (bool, error)
	OnStateChange(func(state bool))
}

// VoltageRatioInput is an analog ratiometric input such as a load cell bridge.
type VoltageRatioInput interface {
	Channel

	VoltageRatio() (float64, error)
	OnVoltageRatioChange(func(ratio float64))
}

// Hub opens channels by identity.
type Hub interface {
	OpenStepper(name string, id Identity) (Stepper, error)
	OpenDigitalInput(name string, id Identity) (DigitalInput, error)
	OpenVoltageRatioInput(name string, id Identity) (VoltageRatioInput, error)
	Close() error
}
