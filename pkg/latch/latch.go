// Package latch drives the two motorized latches of a head restraint.
//
// A Latch homes its stepper against a home switch, then moves between a
// closed and a released position. A Controller owns both latches together
// with the head-bar switch, the release switch and the force sensor, and
// sequences them in response to switch events.
//
// All waiting is event driven: nothing in this package blocks on the device
// layer. Device errors are reported through the logger at the call site and
// never change latch state.
package latch

import (
	"fmt"
	"math"
	"sync"
	"time"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
	"head-restraint-go/pkg/reactor"
)

// Epsilon is the tolerance, in motor units, for every "at position" check.
const Epsilon = 2.0

// Within reports whether a and b are within Epsilon of each other.
func Within(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// Config holds the motion parameters of one latch, in motor units.
type Config struct {
	HomeVelocity        float64 `yaml:"home_velocity" json:"home_velocity"`
	VelocityLimit       float64 `yaml:"velocity_limit" json:"velocity_limit"`
	Acceleration        float64 `yaml:"acceleration" json:"acceleration"`
	CurrentLimit        float64 `yaml:"current_limit" json:"current_limit"`
	HoldingCurrentLimit float64 `yaml:"holding_current_limit" json:"holding_current_limit"`
	ClosePosition       float64 `yaml:"close_position" json:"close_position"`
	ReleasePosition     float64 `yaml:"release_position" json:"release_position"`
}

// Validate checks that the configuration can drive a latch.
func (c Config) Validate() error {
	switch {
	case c.HomeVelocity == 0:
		return fmt.Errorf("home_velocity must be non-zero")
	case c.VelocityLimit <= 0:
		return fmt.Errorf("velocity_limit must be positive, got %v", c.VelocityLimit)
	case c.Acceleration < 0:
		return fmt.Errorf("acceleration must not be negative, got %v", c.Acceleration)
	case c.CurrentLimit < 0:
		return fmt.Errorf("current_limit must not be negative, got %v", c.CurrentLimit)
	case c.HoldingCurrentLimit < 0:
		return fmt.Errorf("holding_current_limit must not be negative, got %v", c.HoldingCurrentLimit)
	case Within(c.ClosePosition, c.ReleasePosition):
		return fmt.Errorf("close_position %v and release_position %v are within %v of each other",
			c.ClosePosition, c.ReleasePosition, Epsilon)
	}
	return nil
}

// State is the externally visible state of a latch.
type State int

const (
	// Unhomed means no position reference has been established.
	Unhomed State = iota
	// Homing means the latch is running toward its home switch.
	Homing
	// Idle means the latch is homed and at rest.
	Idle
	// Moving means the latch is homed and travelling to a target.
	Moving
)

func (s State) String() string {
	switch s {
	case Unhomed:
		return "unhomed"
	case Homing:
		return "homing"
	case Idle:
		return "idle"
	case Moving:
		return "moving"
	default:
		return "unknown"
	}
}

// Recorder receives latch and controller telemetry.
// *metrics.LatchMetrics implements it.
type Recorder interface {
	HomingStarted(latch string)
	HomingCompleted(latch string, d time.Duration)
	Command(latch, command string)
	GatewayError(op string)
	SetLatchState(latch string, position float64, homed bool)
	SetForceRatio(ratio float64)
	ReleaseCycle()
	StaleTimerFire(slot string)
	SetAttached(channel string, attached bool)
}

type nopRecorder struct{}

func (nopRecorder) HomingStarted(string)                  {}
func (nopRecorder) HomingCompleted(string, time.Duration) {}
func (nopRecorder) Command(string, string)                {}
func (nopRecorder) GatewayError(string)                   {}
func (nopRecorder) SetLatchState(string, float64, bool)   {}
func (nopRecorder) SetForceRatio(float64)                 {}
func (nopRecorder) ReleaseCycle()                         {}
func (nopRecorder) StaleTimerFire(string)                 {}
func (nopRecorder) SetAttached(string, bool)              {}

type options struct {
	logger   *log.Logger
	recorder Recorder
	clock    reactor.Clock
}

// Option configures a Latch or a Controller.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithClock sets the clock used for timers and durations.
func WithClock(c reactor.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   log.Discard(),
		recorder: nopRecorder{},
		clock:    reactor.Wall{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// step is one device call in a command sequence.
type step struct {
	op string
	fn func() error
}

// Latch is the homing and positioning state machine for one latch.
type Latch struct {
	name    string
	cfg     Config
	stepper gateway.Stepper
	home    gateway.DigitalInput
	logger  *log.Logger
	rec     Recorder
	clock   reactor.Clock

	mu          sync.Mutex
	homed       bool
	homing      bool
	moving      bool
	homingStart time.Time
	onReleased  func()
	onHomed     func()
}

// New creates a latch on the given stepper and home switch and registers its
// event handlers with both channels.
func New(name string, cfg Config, stepper gateway.Stepper, home gateway.DigitalInput, opts ...Option) (*Latch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("latch %s: %w", name, err)
	}
	o := buildOptions(opts)

	l := &Latch{
		name:    name,
		cfg:     cfg,
		stepper: stepper,
		home:    home,
		logger:  o.logger.WithPrefix("latch." + name),
		rec:     o.recorder,
		clock:   o.clock,
	}

	stepper.OnAttach(l.handleAttach)
	stepper.OnDetach(l.handleDetach)
	stepper.OnStopped(l.handleStopped)
	home.OnAttach(func() { l.rec.SetAttached(home.Name(), true) })
	home.OnDetach(func() { l.rec.SetAttached(home.Name(), false) })
	home.OnStateChange(l.handleHomeSwitch)
	return l, nil
}

// Name returns the latch name.
func (l *Latch) Name() string { return l.name }

// Config returns the latch configuration.
func (l *Latch) Config() Config { return l.cfg }

// SetReleasedHandler sets the function called whenever the latch comes to
// rest at its release position, and after every completed homing.
func (l *Latch) SetReleasedHandler(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReleased = f
}

// SetHomedHandler sets the function called when homing completes.
func (l *Latch) SetHomedHandler(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onHomed = f
}

// ok reports err through the logger and recorder; it returns err == nil.
func (l *Latch) ok(op string, err error) bool {
	if err == nil {
		return true
	}
	errors.Report(l.logger, op, err)
	l.rec.GatewayError(op)
	return false
}

// run executes steps in order, stopping at the first failure.
func (l *Latch) run(steps ...step) bool {
	for _, s := range steps {
		if !l.ok(s.op, s.fn()) {
			return false
		}
	}
	return true
}

func (l *Latch) attached() bool {
	return l.stepper.IsAttached() && l.home.IsAttached()
}

// Home starts calibration against the home switch. If the switch is already
// active the latch is re-zeroed at once; otherwise the stepper runs at the
// home velocity until the switch reports active.
func (l *Latch) Home() {
	if !l.attached() {
		l.logger.Warn("home skipped: stepper or home switch not attached")
		return
	}
	active, err := l.home.State()
	if !l.ok("get home switch state", err) {
		return
	}

	l.rec.HomingStarted(l.name)
	l.mu.Lock()
	l.homingStart = l.clock.Now()
	l.mu.Unlock()

	if active {
		l.logger.Debug("home switch already active")
		l.finishHoming()
		return
	}

	if !l.ok("set engaged", l.stepper.SetEngaged(false)) {
		return
	}
	l.mu.Lock()
	l.homed = false
	l.homing = true
	l.moving = false
	l.mu.Unlock()

	s := l.stepper
	l.run(
		step{"set control mode", func() error { return s.SetControlMode(gateway.ControlModeRun) }},
		step{"set velocity limit", func() error { return s.SetVelocityLimit(l.cfg.HomeVelocity) }},
		step{"set engaged", func() error { return s.SetEngaged(true) }},
	)
	l.logger.Info("homing at velocity %v", l.cfg.HomeVelocity)
}

// finishHoming stops the stepper, makes the current position zero and marks
// the latch homed.
func (l *Latch) finishHoming() {
	s := l.stepper
	if !l.run(
		step{"set velocity limit", func() error { return s.SetVelocityLimit(0) }},
		step{"set control mode", func() error { return s.SetControlMode(gateway.ControlModeStep) }},
	) {
		return
	}
	pos, err := s.Position()
	if !l.ok("get position", err) {
		return
	}
	if !l.run(
		step{"add position offset", func() error { return s.AddPositionOffset(-pos) }},
		step{"set target position", func() error { return s.SetTargetPosition(0) }},
		step{"set velocity limit", func() error { return s.SetVelocityLimit(l.cfg.VelocityLimit) }},
	) {
		return
	}

	l.mu.Lock()
	l.homed = true
	l.homing = false
	l.moving = false
	started := l.homingStart
	l.homingStart = time.Time{}
	released := l.onReleased
	homed := l.onHomed
	l.mu.Unlock()

	l.ok("set engaged", s.SetEngaged(true))

	if !started.IsZero() {
		l.rec.HomingCompleted(l.name, l.clock.Now().Sub(started))
	}
	l.rec.SetLatchState(l.name, 0, true)
	l.logger.Info("homed (offset %v)", -pos)

	if homed != nil {
		homed()
	}
	if released != nil {
		released()
	}
}

// Close moves a homed latch to its close position.
func (l *Latch) Close() {
	if !l.Homed() {
		l.logger.Debug("close skipped: not homed")
		return
	}
	l.moveTo("close", l.cfg.ClosePosition)
}

// Release moves a homed latch to its release position. An unhomed latch is
// homed instead, since the home position is its released posture.
func (l *Latch) Release() {
	if !l.Homed() {
		l.Home()
		return
	}
	l.moveTo("release", l.cfg.ReleasePosition)
}

func (l *Latch) moveTo(command string, target float64) {
	if !l.stepper.IsAttached() {
		l.logger.Warn("%s skipped: stepper not attached", command)
		return
	}
	pos, err := l.stepper.Position()
	if !l.ok("get position", err) {
		return
	}
	if Within(pos, target) {
		l.logger.Debug("%s skipped: already at %v", command, pos)
		return
	}
	// A prior Stop leaves the velocity limit at zero.
	st := l.stepper
	if !l.run(
		step{"set velocity limit", func() error { return st.SetVelocityLimit(l.cfg.VelocityLimit) }},
		step{"set target position", func() error { return st.SetTargetPosition(target) }},
	) {
		return
	}

	l.mu.Lock()
	l.moving = true
	l.mu.Unlock()
	l.rec.Command(l.name, command)
	l.logger.Debug("%s: %v -> %v", command, pos, target)
}

// Stop halts the stepper by zeroing its velocity limit. Pending targets stay
// set but no further motion happens until the next Close or Release.
func (l *Latch) Stop() {
	if !l.stepper.IsAttached() {
		return
	}
	if l.ok("set velocity limit", l.stepper.SetVelocityLimit(0)) {
		l.rec.Command(l.name, "stop")
	}
}

// Homed reports whether the latch has a position reference.
func (l *Latch) Homed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.homed
}

// Released reports whether the latch is within Epsilon of its release
// position. It does not consider whether the latch is homed.
func (l *Latch) Released() bool {
	if !l.stepper.IsAttached() {
		return false
	}
	pos, err := l.stepper.Position()
	if !l.ok("get position", err) {
		return false
	}
	return Within(pos, l.cfg.ReleasePosition)
}

// Position returns the stepper's live position.
func (l *Latch) Position() (float64, error) {
	return l.stepper.Position()
}

// State returns the latch state.
func (l *Latch) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.homing:
		return Homing
	case !l.homed:
		return Unhomed
	case l.moving:
		return Moving
	default:
		return Idle
	}
}

// Attached reports whether both of the latch's channels are attached.
func (l *Latch) Attached() bool {
	return l.attached()
}

func (l *Latch) handleAttach() {
	l.rec.SetAttached(l.stepper.Name(), true)
	s := l.stepper
	if l.run(
		step{"set acceleration", func() error { return s.SetAcceleration(l.cfg.Acceleration) }},
		step{"set current limit", func() error { return s.SetCurrentLimit(l.cfg.CurrentLimit) }},
		step{"set holding current limit", func() error { return s.SetHoldingCurrentLimit(l.cfg.HoldingCurrentLimit) }},
		step{"set velocity limit", func() error { return s.SetVelocityLimit(l.cfg.VelocityLimit) }},
	) {
		l.logger.Info("stepper attached and configured")
	}
}

func (l *Latch) handleDetach() {
	l.rec.SetAttached(l.stepper.Name(), false)
	l.mu.Lock()
	wasHomed := l.homed
	l.homed = false
	l.homing = false
	l.moving = false
	l.mu.Unlock()

	if wasHomed {
		l.rec.SetLatchState(l.name, 0, false)
	}
	l.logger.Warn("stepper detached; position reference lost")
}

func (l *Latch) handleStopped() {
	l.mu.Lock()
	l.moving = false
	homed := l.homed
	handler := l.onReleased
	l.mu.Unlock()

	pos, err := l.stepper.Position()
	if err == nil {
		l.rec.SetLatchState(l.name, pos, homed)
	}
	if l.Released() && handler != nil {
		handler()
	}
}

func (l *Latch) handleHomeSwitch(active bool) {
	if !active {
		return
	}
	if !l.stepper.IsAttached() {
		l.logger.Warn("home switch active but stepper not attached")
		return
	}
	l.finishHoming()
}
