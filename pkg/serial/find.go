package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial device visible to the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// lister is replaced in tests.
var lister = enumerator.GetDetailedPortsList

// ListPorts returns the serial devices currently present.
func ListPorts() ([]PortInfo, error) {
	details, err := lister()
	if err != nil {
		return nil, fmt.Errorf("serial: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}
	return ports, nil
}

// FindBySerial returns the device path of the USB port whose serial number
// matches serialNumber (case-insensitive).
func FindBySerial(serialNumber string) (string, error) {
	if serialNumber == "" {
		return "", fmt.Errorf("serial: serial number required")
	}
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB && strings.EqualFold(p.SerialNumber, serialNumber) {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("serial: no USB device with serial number %s", serialNumber)
}
