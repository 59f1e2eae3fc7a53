// Package sim is an in-memory hub with a simple motion model.
//
// Steppers move toward their target (step mode) or at their velocity limit
// (run mode) when the hub is advanced. A digital input can be linked to a
// stepper so that it reads active while the stepper sits at or below a
// physical trigger point, which is how a home switch behaves. Test hooks
// inject attach, detach, stop, state and ratio events directly.
//
// Callbacks are always invoked after the hub lock has been released.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
)

// Command records one setter call on a simulated stepper.
type Command struct {
	Op    string
	Value float64
}

// Hub is a simulated device hub.
type Hub struct {
	mu        sync.Mutex
	logger    *log.Logger
	announcer *gateway.Announcer

	steppers map[string]*Stepper
	inputs   map[string]*DigitalInput
	ratios   map[string]*VoltageRatioInput
	links    []link
	order    []string
}

type link struct {
	stepper *Stepper
	input   *DigitalInput
	trigger float64
}

// New creates an empty hub.
func New(logger *log.Logger) *Hub {
	return &Hub{
		logger:    logger,
		announcer: gateway.NewAnnouncer(logger),
		steppers:  make(map[string]*Stepper),
		inputs:    make(map[string]*DigitalInput),
		ratios:    make(map[string]*VoltageRatioInput),
	}
}

// channel is the state shared by every simulated channel. Fields are guarded
// by the owning hub's lock.
type channel struct {
	hub      *Hub
	name     string
	id       gateway.Identity
	attached bool
	fault    error
	onAttach func()
	onDetach func()
}

func (c *channel) Name() string               { return c.name }
func (c *channel) Identity() gateway.Identity { return c.id }

func (c *channel) IsAttached() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.attached
}

func (c *channel) OnAttach(f func()) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.onAttach = f
}

func (c *channel) OnDetach(f func()) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.onDetach = f
}

// check returns the error a call on c should fail with. Called with the hub
// lock held; a pending fault is consumed.
func (c *channel) check(op string) error {
	if !c.attached {
		return errors.NotAttachedError(c.name, op)
	}
	if c.fault != nil {
		err := c.fault
		c.fault = nil
		return err
	}
	return nil
}

func (h *Hub) register(name string) error {
	if _, ok := h.steppers[name]; ok {
		return fmt.Errorf("sim: channel %s already open", name)
	}
	if _, ok := h.inputs[name]; ok {
		return fmt.Errorf("sim: channel %s already open", name)
	}
	if _, ok := h.ratios[name]; ok {
		return fmt.Errorf("sim: channel %s already open", name)
	}
	h.order = append(h.order, name)
	return nil
}

// OpenStepper creates a detached stepper channel.
func (h *Hub) OpenStepper(name string, id gateway.Identity) (gateway.Stepper, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.register(name); err != nil {
		return nil, err
	}
	s := &Stepper{channel: channel{hub: h, name: name, id: id}, mode: gateway.ControlModeStep}
	h.steppers[name] = s
	return s, nil
}

// OpenDigitalInput creates a detached digital input channel.
func (h *Hub) OpenDigitalInput(name string, id gateway.Identity) (gateway.DigitalInput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.register(name); err != nil {
		return nil, err
	}
	d := &DigitalInput{channel: channel{hub: h, name: name, id: id}}
	h.inputs[name] = d
	return d, nil
}

// OpenVoltageRatioInput creates a detached voltage ratio channel.
func (h *Hub) OpenVoltageRatioInput(name string, id gateway.Identity) (gateway.VoltageRatioInput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.register(name); err != nil {
		return nil, err
	}
	r := &VoltageRatioInput{channel: channel{hub: h, name: name, id: id}}
	h.ratios[name] = r
	return r, nil
}

// Close detaches every channel without firing callbacks.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range h.order {
		if c := h.lookup(name); c != nil {
			c.attached = false
		}
	}
	return nil
}

func (h *Hub) lookup(name string) *channel {
	if s, ok := h.steppers[name]; ok {
		return &s.channel
	}
	if d, ok := h.inputs[name]; ok {
		return &d.channel
	}
	if r, ok := h.ratios[name]; ok {
		return &r.channel
	}
	return nil
}

// Stepper returns the simulated stepper named name, or nil.
func (h *Hub) Stepper(name string) *Stepper {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.steppers[name]
}

// LinkHomeSwitch makes input read active whenever stepper's physical position
// is at or below trigger.
func (h *Hub) LinkHomeSwitch(stepper, input string, trigger float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.steppers[stepper]
	if !ok {
		return fmt.Errorf("sim: no stepper %s", stepper)
	}
	d, ok := h.inputs[input]
	if !ok {
		return fmt.Errorf("sim: no digital input %s", input)
	}
	h.links = append(h.links, link{stepper: s, input: d, trigger: trigger})
	d.state = s.physical <= trigger
	return nil
}

// Attach marks a channel attached and fires its attach callback.
func (h *Hub) Attach(name string) {
	h.mu.Lock()
	c := h.lookup(name)
	if c == nil || c.attached {
		h.mu.Unlock()
		return
	}
	c.attached = true
	cb := c.onAttach
	dev := gateway.Device{Name: c.name, SerialNumber: c.id.SerialNumber}
	h.mu.Unlock()

	h.announcer.Hello(dev)
	if cb != nil {
		cb()
	}
}

// AttachAll attaches every open channel in the order they were opened.
func (h *Hub) AttachAll() {
	h.mu.Lock()
	names := append([]string(nil), h.order...)
	h.mu.Unlock()
	for _, name := range names {
		h.Attach(name)
	}
}

// Detach marks a channel detached and fires its detach callback.
func (h *Hub) Detach(name string) {
	h.mu.Lock()
	c := h.lookup(name)
	if c == nil || !c.attached {
		h.mu.Unlock()
		return
	}
	c.attached = false
	cb := c.onDetach
	dev := gateway.Device{Name: c.name, SerialNumber: c.id.SerialNumber}
	h.mu.Unlock()

	h.announcer.Goodbye(dev)
	if cb != nil {
		cb()
	}
}

// Fault makes the next call on the named channel fail with err.
func (h *Hub) Fault(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.lookup(name); c != nil {
		c.fault = err
	}
}

// SetPosition moves a stepper to the reported position pos instantly.
func (h *Hub) SetPosition(name string, pos float64) {
	h.mu.Lock()
	s, ok := h.steppers[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	s.physical = pos - s.offset
	s.target = pos
	s.moving = false
	fire := h.updateLinks()
	h.mu.Unlock()
	runAll(fire)
}

// FireStopped delivers a motor-stopped event for a stepper.
func (h *Hub) FireStopped(name string) {
	h.mu.Lock()
	s, ok := h.steppers[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	s.moving = false
	cb := s.onStopped
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetState sets a digital input, firing its callback if the state changed.
func (h *Hub) SetState(name string, state bool) {
	h.mu.Lock()
	d, ok := h.inputs[name]
	if !ok || d.state == state {
		h.mu.Unlock()
		return
	}
	d.state = state
	cb := d.onChange
	h.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

// SetRatio sets a voltage ratio input, firing its callback.
func (h *Hub) SetRatio(name string, ratio float64) {
	h.mu.Lock()
	r, ok := h.ratios[name]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.ratio = ratio
	cb := r.onChange
	h.mu.Unlock()
	if cb != nil {
		cb(ratio)
	}
}

// Advance runs the motion model forward by dt.
func (h *Hub) Advance(dt time.Duration) {
	h.mu.Lock()
	var fire []func()
	for _, name := range h.order {
		s, ok := h.steppers[name]
		if !ok {
			continue
		}
		if f := s.step(dt.Seconds()); f != nil {
			fire = append(fire, f)
		}
	}
	fire = append(fire, h.updateLinks()...)
	h.mu.Unlock()
	runAll(fire)
}

// Run advances the hub every period until ctx is done.
func (h *Hub) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Advance(period)
		}
	}
}

// updateLinks refreshes linked home switches. Called with the hub lock held.
func (h *Hub) updateLinks() []func() {
	var fire []func()
	for _, l := range h.links {
		active := l.stepper.physical <= l.trigger
		if active == l.input.state {
			continue
		}
		l.input.state = active
		if cb := l.input.onChange; cb != nil && l.input.attached {
			fire = append(fire, func() { cb(active) })
		}
	}
	return fire
}

func runAll(fs []func()) {
	for _, f := range fs {
		f()
	}
}

// Stepper is a simulated stepper channel.
type Stepper struct {
	channel

	physical float64
	offset   float64
	target   float64
	velocity float64
	accel    float64
	current  float64
	holding  float64
	engaged  bool
	mode     gateway.ControlMode
	moving   bool
	commands []Command

	onStopped func()
}

// step advances this stepper. Called with the hub lock held; returns the
// stopped callback to fire, if any.
func (s *Stepper) step(dt float64) func() {
	if !s.attached {
		return nil
	}
	if s.mode == gateway.ControlModeRun {
		if s.engaged && s.velocity != 0 {
			s.physical += s.velocity * dt
			s.moving = true
			return nil
		}
		return s.settle()
	}

	if !s.moving {
		return nil
	}
	speed := math.Abs(s.velocity)
	if !s.engaged || speed == 0 {
		return s.settle()
	}
	pos := s.physical + s.offset
	delta := s.target - pos
	stride := speed * dt
	if math.Abs(delta) <= stride {
		s.physical = s.target - s.offset
		return s.settle()
	}
	s.physical += math.Copysign(stride, delta)
	return nil
}

func (s *Stepper) settle() func() {
	if !s.moving {
		return nil
	}
	s.moving = false
	return s.onStopped
}

func (s *Stepper) record(op string, v float64) {
	s.commands = append(s.commands, Command{Op: op, Value: v})
}

// Position returns the reported position.
func (s *Stepper) Position() (float64, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("get position"); err != nil {
		return 0, err
	}
	return s.physical + s.offset, nil
}

// SetTargetPosition commands a move in step mode.
func (s *Stepper) SetTargetPosition(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set target position"); err != nil {
		return err
	}
	s.record("target", v)
	s.target = v
	if s.mode == gateway.ControlModeStep && !atPosition(s.physical+s.offset, v) {
		s.moving = true
	}
	return nil
}

func atPosition(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// AddPositionOffset shifts the reported position by v.
func (s *Stepper) AddPositionOffset(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("add position offset"); err != nil {
		return err
	}
	s.record("offset", v)
	s.offset += v
	s.target += v
	return nil
}

// SetVelocityLimit sets the speed limit, or the signed speed in run mode.
func (s *Stepper) SetVelocityLimit(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set velocity limit"); err != nil {
		return err
	}
	s.record("velocity", v)
	s.velocity = v
	return nil
}

// SetAcceleration records the acceleration; the model moves at constant speed.
func (s *Stepper) SetAcceleration(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set acceleration"); err != nil {
		return err
	}
	s.record("accel", v)
	s.accel = v
	return nil
}

// SetCurrentLimit records the run current.
func (s *Stepper) SetCurrentLimit(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set current limit"); err != nil {
		return err
	}
	s.record("current", v)
	s.current = v
	return nil
}

// SetHoldingCurrentLimit records the holding current.
func (s *Stepper) SetHoldingCurrentLimit(v float64) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set holding current limit"); err != nil {
		return err
	}
	s.record("holding", v)
	s.holding = v
	return nil
}

// SetEngaged powers the motor on or off.
func (s *Stepper) SetEngaged(on bool) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set engaged"); err != nil {
		return err
	}
	v := 0.0
	if on {
		v = 1
	}
	s.record("engaged", v)
	s.engaged = on
	return nil
}

// SetControlMode switches between step and run mode.
func (s *Stepper) SetControlMode(m gateway.ControlMode) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if err := s.check("set control mode"); err != nil {
		return err
	}
	s.record("mode", float64(m))
	if s.mode == gateway.ControlModeRun && m == gateway.ControlModeStep {
		s.moving = false
		s.target = s.physical + s.offset
	}
	s.mode = m
	return nil
}

// OnStopped registers the motor-stopped callback.
func (s *Stepper) OnStopped(f func()) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.onStopped = f
}

// Commands returns the setter calls made so far.
func (s *Stepper) Commands() []Command {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Targets returns the target positions commanded so far.
func (s *Stepper) Targets() []float64 {
	var out []float64
	for _, c := range s.Commands() {
		if c.Op == "target" {
			out = append(out, c.Value)
		}
	}
	return out
}

// ClearCommands forgets the recorded setter calls.
func (s *Stepper) ClearCommands() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.commands = nil
}

// Engaged reports whether the motor is powered.
func (s *Stepper) Engaged() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.engaged
}

// Mode returns the current control mode.
func (s *Stepper) Mode() gateway.ControlMode {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.mode
}

// VelocityLimit returns the current velocity limit.
func (s *Stepper) VelocityLimit() float64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.velocity
}

// Moving reports whether the model considers the motor in motion.
func (s *Stepper) Moving() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.moving
}

// DigitalInput is a simulated digital input channel.
type DigitalInput struct {
	channel

	state    bool
	onChange func(bool)
}

// State returns the input state.
func (d *DigitalInput) State() (bool, error) {
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	if err := d.check("get state"); err != nil {
		return false, err
	}
	return d.state, nil
}

// OnStateChange registers the state change callback.
func (d *DigitalInput) OnStateChange(f func(bool)) {
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	d.onChange = f
}

// VoltageRatioInput is a simulated analog ratio channel.
type VoltageRatioInput struct {
	channel

	ratio    float64
	onChange func(float64)
}

// VoltageRatio returns the last ratio.
func (r *VoltageRatioInput) VoltageRatio() (float64, error) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if err := r.check("get voltage ratio"); err != nil {
		return 0, err
	}
	return r.ratio, nil
}

// OnVoltageRatioChange registers the ratio change callback.
func (r *VoltageRatioInput) OnVoltageRatioChange(f func(float64)) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	r.onChange = f
}

var (
	_ gateway.Hub               = (*Hub)(nil)
	_ gateway.Stepper           = (*Stepper)(nil)
	_ gateway.DigitalInput      = (*DigitalInput)(nil)
	_ gateway.VoltageRatioInput = (*VoltageRatioInput)(nil)
)
