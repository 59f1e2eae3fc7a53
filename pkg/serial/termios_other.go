//go:build !linux && !darwin

package serial

import "errors"

const termiosSupported = false

func openTermios(Config) (Port, error) {
	return nil, errors.New("serial: termios backend not supported on this platform")
}
