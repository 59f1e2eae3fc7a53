package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// TarmPort wraps the github.com/tarm/serial implementation.
type TarmPort struct {
	mu     sync.Mutex
	port   *serial.Port
	device string
	closed bool
}

func openTarm(cfg Config) (Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	return &TarmPort{port: port, device: cfg.Device}, nil
}

// Read returns ErrTimeout when nothing arrived within the read timeout.
func (p *TarmPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	n, err := p.port.Read(buf)
	if n == 0 && (err == nil || err == io.EOF) {
		return 0, ErrTimeout
	}
	return n, err
}

// Write writes buf to the port.
func (p *TarmPort) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

// Close closes the port.
func (p *TarmPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

// Flush discards buffered data.
func (p *TarmPort) Flush() error {
	return p.port.Flush()
}

// Device returns the device path.
func (p *TarmPort) Device() string {
	return p.device
}
