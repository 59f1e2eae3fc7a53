// Package bridge implements gateway.Hub over the line protocol spoken by the
// hardware bridge on its serial port.
//
// Every message is one newline-terminated line of shell-style words. The
// host opens channels and sets properties; the bridge reports attachment,
// position, stop, state and ratio events and asynchronous errors. Values
// reported by the bridge are cached so getters never wait on the wire.
package bridge

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
	"head-restraint-go/pkg/serial"
)

// maxLine bounds an unterminated line before it is dropped.
const maxLine = 4096

// Hub is a gateway.Hub speaking to a bridge over rw.
type Hub struct {
	rw        io.ReadWriteCloser
	logger    *log.Logger
	announcer *gateway.Announcer

	wmu sync.Mutex

	mu       sync.Mutex
	channels map[string]*channel
	names    map[string]bool
	onError  func(op string, err error)
	started  bool
	closed   bool
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a hub on rw. Call Start to begin reading events.
func New(rw io.ReadWriteCloser, logger *log.Logger) *Hub {
	return &Hub{
		rw:        rw,
		logger:    logger.WithPrefix("bridge"),
		announcer: gateway.NewAnnouncer(logger),
		channels:  make(map[string]*channel),
		names:     make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// OnError sets a function told about every ERR line after it is logged.
func (h *Hub) OnError(f func(op string, err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = f
}

// Start launches the reader goroutine.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	go h.readLoop()
}

// Done is closed when the reader goroutine exits.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that stopped the reader, if any.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readErr
}

// Close closes the link and waits for the reader to exit.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		started := h.started
		h.mu.Unlock()

		err = h.rw.Close()
		if started {
			<-h.done
		} else {
			close(h.done)
		}
	})
	return err
}

func (h *Hub) send(words ...string) error {
	line := strings.Join(words, " ") + "\n"
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := io.WriteString(h.rw, line)
	return err
}

func (h *Hub) open(name string, id gateway.Identity, kind gateway.Kind) (*channel, error) {
	addr := id.Address()
	h.mu.Lock()
	if h.names[name] {
		h.mu.Unlock()
		return nil, fmt.Errorf("bridge: channel %s already open", name)
	}
	if _, ok := h.channels[addr]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("bridge: address %s already open", addr)
	}
	id.Kind = kind
	c := &channel{hub: h, name: name, id: id, addr: addr}
	h.names[name] = true
	h.channels[addr] = c
	h.mu.Unlock()

	if err := h.send("OPEN", addr, string(kind)); err != nil {
		h.mu.Lock()
		delete(h.names, name)
		delete(h.channels, addr)
		h.mu.Unlock()
		return nil, errors.Wrap(err, errors.ErrGateway, "open "+addr).SetChannel(name)
	}
	h.logger.Debug("opened %s at %s", name, addr)
	return c, nil
}

// OpenStepper opens a stepper channel.
func (h *Hub) OpenStepper(name string, id gateway.Identity) (gateway.Stepper, error) {
	c, err := h.open(name, id, gateway.KindStepper)
	if err != nil {
		return nil, err
	}
	return &Stepper{channel: c}, nil
}

// OpenDigitalInput opens a digital input channel.
func (h *Hub) OpenDigitalInput(name string, id gateway.Identity) (gateway.DigitalInput, error) {
	c, err := h.open(name, id, gateway.KindDigitalInput)
	if err != nil {
		return nil, err
	}
	return &DigitalInput{channel: c}, nil
}

// OpenVoltageRatioInput opens a voltage ratio input channel.
func (h *Hub) OpenVoltageRatioInput(name string, id gateway.Identity) (gateway.VoltageRatioInput, error) {
	c, err := h.open(name, id, gateway.KindVoltageRatioInput)
	if err != nil {
		return nil, err
	}
	return &VoltageRatioInput{channel: c}, nil
}

func (h *Hub) readLoop() {
	defer close(h.done)

	buf := make([]byte, 512)
	var pending []byte
	for {
		n, err := h.rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := string(bytes.TrimSpace(pending[:i]))
				pending = pending[i+1:]
				if line != "" {
					h.dispatch(line)
				}
			}
			if len(pending) > maxLine {
				errors.Report(h.logger, "read", errors.ProtocolError(string(pending[:64]), "line too long"))
				pending = nil
			}
		}
		if err == nil {
			continue
		}
		if stderrors.Is(err, serial.ErrTimeout) {
			continue
		}

		h.mu.Lock()
		closed := h.closed
		if !closed && err != io.EOF {
			h.readErr = err
		}
		h.mu.Unlock()
		if !closed {
			h.logger.WithError(err).Warn("bridge link lost")
			h.detachAll()
		}
		return
	}
}

func (h *Hub) detachAll() {
	h.mu.Lock()
	chans := make([]*channel, 0, len(h.channels))
	for _, c := range h.channels {
		chans = append(chans, c)
	}
	h.mu.Unlock()
	for _, c := range chans {
		c.setAttached(false)
	}
}

func (h *Hub) lookup(addr string) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[addr]
	if !ok {
		return nil, fmt.Errorf("unknown address %s", addr)
	}
	return c, nil
}

func (h *Hub) dispatch(line string) {
	defer func() {
		if err := errors.RecoverPanic(recover()); err != nil {
			errors.Report(h.logger, "dispatch", err.SetContext("line", line))
		}
	}()

	words, err := shlex.Split(line)
	if err != nil {
		errors.Report(h.logger, "parse", errors.ProtocolError(line, err.Error()))
		return
	}
	if len(words) == 0 {
		return
	}
	if err := h.handle(strings.ToUpper(words[0]), words[1:]); err != nil {
		errors.Report(h.logger, "parse", errors.ProtocolError(line, err.Error()))
	}
}

func (h *Hub) handle(verb string, args []string) error {
	switch verb {
	case "HELLO", "BYE":
		if len(args) < 2 {
			return fmt.Errorf("want serial and name")
		}
		sn, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad serial number %q", args[0])
		}
		dev := gateway.Device{SerialNumber: sn, Name: strings.Join(args[1:], " ")}
		if verb == "HELLO" {
			h.announcer.Hello(dev)
		} else {
			h.announcer.Goodbye(dev)
		}
		return nil

	case "ERR":
		if len(args) < 2 {
			return fmt.Errorf("want address and code")
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad error code %q", args[1])
		}
		name := args[0]
		if c, err := h.lookup(args[0]); err == nil {
			name = c.name
		}
		gerr := errors.GatewayError(name, "device", code, strings.Join(args[2:], " "))
		errors.Report(h.logger, "device", gerr)
		h.mu.Lock()
		f := h.onError
		h.mu.Unlock()
		if f != nil {
			f("device", gerr)
		}
		return nil
	}

	if len(args) < 1 {
		return fmt.Errorf("missing address")
	}
	c, err := h.lookup(args[0])
	if err != nil {
		return err
	}
	args = args[1:]

	switch verb {
	case "ATTACH":
		c.setAttached(true)
	case "DETACH":
		c.setAttached(false)
	case "STOP":
		c.stopped()
	case "POS":
		v, err := floatArg(args)
		if err != nil {
			return err
		}
		c.setPosition(v)
	case "RATIO":
		v, err := floatArg(args)
		if err != nil {
			return err
		}
		c.setRatio(v)
	case "STATE":
		if len(args) != 1 || (args[0] != "0" && args[0] != "1") {
			return fmt.Errorf("state must be 0 or 1")
		}
		c.setState(args[0] == "1")
	default:
		return fmt.Errorf("unknown message %s", verb)
	}
	return nil
}

func floatArg(args []string) (float64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("want one value")
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("bad value %q", args[0])
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// channel holds the cached state of one bridge channel. Fields are guarded
// by mu; callbacks run after it is released.
type channel struct {
	hub  *Hub
	name string
	id   gateway.Identity
	addr string

	mu        sync.Mutex
	attached  bool
	position  float64
	state     bool
	ratio     float64
	onAttach  func()
	onDetach  func()
	onStopped func()
	onState   func(bool)
	onRatio   func(float64)
}

func (c *channel) Name() string               { return c.name }
func (c *channel) Identity() gateway.Identity { return c.id }

func (c *channel) IsAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *channel) OnAttach(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAttach = f
}

func (c *channel) OnDetach(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDetach = f
}

func (c *channel) setAttached(on bool) {
	c.mu.Lock()
	if c.attached == on {
		c.mu.Unlock()
		return
	}
	c.attached = on
	cb := c.onDetach
	if on {
		cb = c.onAttach
	}
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *channel) setPosition(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = v
}

func (c *channel) stopped() {
	c.mu.Lock()
	cb := c.onStopped
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *channel) setState(on bool) {
	c.mu.Lock()
	if c.state == on {
		c.mu.Unlock()
		return
	}
	c.state = on
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(on)
	}
}

func (c *channel) setRatio(v float64) {
	c.mu.Lock()
	c.ratio = v
	cb := c.onRatio
	c.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

func (c *channel) check(op string) error {
	if !c.IsAttached() {
		return errors.NotAttachedError(c.name, op)
	}
	return nil
}

func (c *channel) set(op, prop, value string) error {
	if err := c.check(op); err != nil {
		return err
	}
	if err := c.hub.send("SET", c.addr, prop, value); err != nil {
		return errors.Wrap(err, errors.ErrGateway, op).SetChannel(c.name)
	}
	return nil
}

// Stepper is a stepper channel on the bridge.
type Stepper struct {
	*channel
}

// Position returns the last position reported by the bridge, adjusted for
// offsets applied since.
func (s *Stepper) Position() (float64, error) {
	if err := s.check("get position"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *Stepper) SetTargetPosition(v float64) error {
	return s.set("set target position", "target", formatFloat(v))
}

func (s *Stepper) AddPositionOffset(v float64) error {
	if err := s.set("add position offset", "offset", formatFloat(v)); err != nil {
		return err
	}
	s.mu.Lock()
	s.position += v
	s.mu.Unlock()
	return nil
}

func (s *Stepper) SetVelocityLimit(v float64) error {
	return s.set("set velocity limit", "velocity", formatFloat(v))
}

func (s *Stepper) SetAcceleration(v float64) error {
	return s.set("set acceleration", "accel", formatFloat(v))
}

func (s *Stepper) SetCurrentLimit(v float64) error {
	return s.set("set current limit", "current", formatFloat(v))
}

func (s *Stepper) SetHoldingCurrentLimit(v float64) error {
	return s.set("set holding current limit", "holding", formatFloat(v))
}

func (s *Stepper) SetEngaged(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return s.set("set engaged", "engaged", v)
}

func (s *Stepper) SetControlMode(m gateway.ControlMode) error {
	return s.set("set control mode", "mode", m.String())
}

func (s *Stepper) OnStopped(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStopped = f
}

// DigitalInput is a digital input channel on the bridge.
type DigitalInput struct {
	*channel
}

// State returns the last state reported by the bridge.
func (d *DigitalInput) State() (bool, error) {
	if err := d.check("get state"); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

func (d *DigitalInput) OnStateChange(f func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = f
}

// VoltageRatioInput is a voltage ratio channel on the bridge.
type VoltageRatioInput struct {
	*channel
}

// VoltageRatio returns the last ratio reported by the bridge.
func (r *VoltageRatioInput) VoltageRatio() (float64, error) {
	if err := r.check("get voltage ratio"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ratio, nil
}

func (r *VoltageRatioInput) OnVoltageRatioChange(f func(float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRatio = f
}

var (
	_ gateway.Hub               = (*Hub)(nil)
	_ gateway.Stepper           = (*Stepper)(nil)
	_ gateway.DigitalInput      = (*DigitalInput)(nil)
	_ gateway.VoltageRatioInput = (*VoltageRatioInput)(nil)
)
