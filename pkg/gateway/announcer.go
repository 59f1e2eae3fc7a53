package gateway

import "head-restraint-go/pkg/log"

// Device describes a physical device as reported by the hub.
type Device struct {
	Name         string
	SerialNumber int
}

// Announcer logs devices coming and going.
type Announcer struct {
	logger *log.Logger
}

// NewAnnouncer creates an announcer logging through logger.
func NewAnnouncer(logger *log.Logger) *Announcer {
	return &Announcer{logger: logger}
}

// Hello announces an attached device.
func (a *Announcer) Hello(d Device) {
	a.logger.WithFields(log.Fields{"device": d.Name, "serial_number": d.SerialNumber}).Info("hello to device")
}

// Goodbye announces a detached device.
func (a *Announcer) Goodbye(d Device) {
	a.logger.WithFields(log.Fields{"device": d.Name, "serial_number": d.SerialNumber}).Info("goodbye device")
}
