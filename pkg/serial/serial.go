// Package serial opens the serial link to the hardware bridge.
//
// Two backends are available: a raw termios port on Linux and macOS, and
// github.com/tarm/serial for every other platform. The bridge device can be
// located by its USB serial number.
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Backend selects the port implementation.
type Backend string

const (
	// BackendAuto uses termios where available and tarm elsewhere.
	BackendAuto Backend = ""
	// BackendTermios drives the tty directly through termios ioctls.
	BackendTermios Backend = "termios"
	// BackendTarm uses github.com/tarm/serial.
	BackendTarm Backend = "tarm"
)

// Port is an open serial connection.
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input and unsent output.
	Flush() error

	// Device returns the device path.
	Device() string
}

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g., /dev/ttyACM0)
	Device string

	// Baud rate (default: 115200)
	BaudRate int

	// Read timeout for individual reads (default: 200ms). Reads that time
	// out return ErrTimeout.
	ReadTimeout time.Duration

	Backend Backend
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 200 * time.Millisecond,
	}
}

// Open opens a serial port with the given configuration.
func Open(cfg Config) (Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}

	switch cfg.Backend {
	case BackendAuto:
		if termiosSupported {
			return openTermios(cfg)
		}
		return openTarm(cfg)
	case BackendTermios:
		return openTermios(cfg)
	case BackendTarm:
		return openTarm(cfg)
	default:
		return nil, fmt.Errorf("serial: unknown backend %q", cfg.Backend)
	}
}
