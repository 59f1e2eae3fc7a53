package latch

import (
	"fmt"
	"sync"
	"time"

	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
	"head-restraint-go/pkg/reactor"
	"head-restraint-go/pkg/switches"
)

// Slot names, also used as metric labels.
const (
	SlotSetup        = "setup"
	SlotHeadBarReset = "head_bar_reset"
)

// Channels are the device channels a Controller drives.
type Channels struct {
	LeftStepper   gateway.Stepper
	LeftHome      gateway.DigitalInput
	RightStepper  gateway.Stepper
	RightHome     gateway.DigitalInput
	HeadBarSwitch gateway.DigitalInput
	ReleaseSwitch gateway.DigitalInput
	ForceSensor   gateway.VoltageRatioInput
}

func (c Channels) all() []gateway.Channel {
	return []gateway.Channel{
		c.LeftStepper, c.LeftHome, c.RightStepper, c.RightHome,
		c.HeadBarSwitch, c.ReleaseSwitch, c.ForceSensor,
	}
}

// Settings tune the controller's sequencing.
type Settings struct {
	// Enabled is the initial state of the enable gate.
	Enabled bool
	// SettleDelay is how long after a joint release the head-bar switch
	// stays suppressed.
	SettleDelay time.Duration
	// SetupInterval is the period of the attachment check run by Start.
	SetupInterval time.Duration
	// SetupMaxRetries bounds the attachment check; 0 means unlimited.
	SetupMaxRetries int
}

// DefaultSettings returns the default controller settings.
func DefaultSettings() Settings {
	return Settings{
		Enabled:       true,
		SettleDelay:   2 * time.Second,
		SetupInterval: 100 * time.Millisecond,
	}
}

// EventKind identifies a controller event.
type EventKind string

const (
	EventForce             EventKind = "force"
	EventHomed             EventKind = "homed"
	EventJointReleased     EventKind = "joint_released"
	EventHeadBarRestored   EventKind = "head_bar_restored"
	EventHeadBarSuppressed EventKind = "head_bar_suppressed"
)

// Event is a notification delivered to subscribers.
type Event struct {
	Kind  EventKind `json:"kind"`
	Latch string    `json:"latch,omitempty"`
	Ratio float64   `json:"ratio,omitempty"`
	Time  time.Time `json:"time"`
}

// LatchStatus is a snapshot of one latch.
type LatchStatus struct {
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Attached bool    `json:"attached"`
	Homed    bool    `json:"homed"`
	Released bool    `json:"released"`
	Position float64 `json:"position"`
}

// Status is a snapshot of the controller.
type Status struct {
	Enabled      bool              `json:"enabled"`
	HeadBar      string            `json:"head_bar"`
	ResetPending bool              `json:"reset_pending"`
	SetupPending bool              `json:"setup_pending"`
	ForceRatio   float64           `json:"force_ratio"`
	Left         LatchStatus       `json:"left"`
	Right        LatchStatus       `json:"right"`
	Switches     []switches.Status `json:"switches"`
}

// Controller sequences two latches from switch events.
type Controller struct {
	left, right *Latch
	headBar     *switches.Switch
	release     *switches.Switch
	force       gateway.VoltageRatioInput
	channels    []gateway.Channel

	settings Settings
	logger   *log.Logger
	rec      Recorder
	clock    reactor.Clock

	setup        *reactor.Slot
	headBarReset *reactor.Slot

	mu            sync.Mutex
	enabled       bool
	cycleReleased bool
	setupChecks   int
	forceRatio    float64
	nextObserver  int
	observers     map[int]func(Event)
}

// NewController builds both latches and wires every channel's handlers.
func NewController(ch Channels, left, right Config, settings Settings, opts ...Option) (*Controller, error) {
	for i, c := range ch.all() {
		if c == nil {
			return nil, fmt.Errorf("latch: channel %d is nil", i)
		}
	}
	if settings.SettleDelay < 0 || settings.SetupInterval <= 0 || settings.SetupMaxRetries < 0 {
		return nil, fmt.Errorf("latch: invalid settings %+v", settings)
	}

	o := buildOptions(opts)
	l, err := New("left", left, ch.LeftStepper, ch.LeftHome, opts...)
	if err != nil {
		return nil, err
	}
	r, err := New("right", right, ch.RightStepper, ch.RightHome, opts...)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		left:         l,
		right:        r,
		force:        ch.ForceSensor,
		channels:     ch.all(),
		settings:     settings,
		logger:       o.logger.WithPrefix("controller"),
		rec:          o.recorder,
		clock:        o.clock,
		setup:        reactor.NewSlot(SlotSetup, o.clock),
		headBarReset: reactor.NewSlot(SlotHeadBarReset, o.clock),
		enabled:      settings.Enabled,
		observers:    make(map[int]func(Event)),
	}

	c.headBar = switches.New(ch.HeadBarSwitch, o.logger)
	c.headBar.SetAutoSuppress(true)
	c.headBar.OnModeChange(c.handleHeadBarMode)
	c.headBar.Bind(c.handleHeadBar)

	c.release = switches.New(ch.ReleaseSwitch, o.logger)
	c.release.Bind(c.handleReleaseSwitch)

	for _, in := range []gateway.Channel{ch.HeadBarSwitch, ch.ReleaseSwitch, ch.ForceSensor} {
		in := in
		in.OnAttach(func() { c.rec.SetAttached(in.Name(), true) })
		in.OnDetach(func() { c.rec.SetAttached(in.Name(), false) })
	}
	ch.ForceSensor.OnVoltageRatioChange(c.handleForce)

	l.SetReleasedHandler(c.checkJointRelease)
	r.SetReleasedHandler(c.checkJointRelease)
	l.SetHomedHandler(func() { c.publish(Event{Kind: EventHomed, Latch: "left"}) })
	r.SetHomedHandler(func() { c.publish(Event{Kind: EventHomed, Latch: "right"}) })

	stale := func(slot string) {
		c.rec.StaleTimerFire(slot)
		c.logger.Debug("stale %s timer ignored", slot)
	}
	c.setup.OnStale(stale)
	c.headBarReset.OnStale(stale)

	return c, nil
}

// Left returns the left latch.
func (c *Controller) Left() *Latch { return c.left }

// Right returns the right latch.
func (c *Controller) Right() *Latch { return c.right }

// HeadBarMode returns the head-bar switch mode.
func (c *Controller) HeadBarMode() switches.Mode { return c.headBar.Mode() }

// Start begins the attachment check. Once every channel is attached the
// latches are homed.
func (c *Controller) Start() {
	c.mu.Lock()
	c.setupChecks = 0
	c.mu.Unlock()
	c.setup.Arm(c.settings.SetupInterval, c.setupCheck)
}

func (c *Controller) allAttached() bool {
	for _, ch := range c.channels {
		if !ch.IsAttached() {
			return false
		}
	}
	return true
}

func (c *Controller) setupCheck() {
	if c.allAttached() {
		c.logger.Info("all channels attached")
		c.HomeLatches()
		return
	}

	c.mu.Lock()
	c.setupChecks++
	checks := c.setupChecks
	c.mu.Unlock()

	max := c.settings.SetupMaxRetries
	if max > 0 && checks >= max {
		c.logger.Error("channels still not attached after %d checks; waiting for a manual home", checks)
		return
	}
	c.setup.Arm(c.settings.SetupInterval, c.setupCheck)
}

func (c *Controller) isEnabled(op string) bool {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		c.logger.Debug("%s skipped: latches disabled", op)
	}
	return enabled
}

// newCycle starts a close, release or home cycle, re-arming the joint
// release notification.
func (c *Controller) newCycle() {
	c.mu.Lock()
	c.cycleReleased = false
	c.mu.Unlock()
}

// HomeLatches re-activates the head-bar switch and homes both latches.
func (c *Controller) HomeLatches() {
	if !c.isEnabled("home") {
		return
	}
	c.headBarReset.Cancel()
	c.headBar.Restore()
	c.newCycle()
	c.logger.Info("homing latches")
	c.left.Home()
	c.right.Home()
}

// CloseLatches suppresses the head-bar switch and closes both latches.
func (c *Controller) CloseLatches() {
	if !c.isEnabled("close") {
		return
	}
	c.headBarReset.Cancel()
	c.headBar.Suppress()
	c.newCycle()
	c.logger.Info("closing latches")
	c.left.Close()
	c.right.Close()
}

// ReleaseLatches releases both latches. When both are homed the head-bar
// switch is suppressed until the release has settled.
func (c *Controller) ReleaseLatches() {
	if !c.isEnabled("release") {
		return
	}
	if c.left.Homed() && c.right.Homed() {
		c.headBar.Suppress()
	}
	c.newCycle()
	c.logger.Info("releasing latches")
	c.left.Release()
	c.right.Release()

	// Latches already at the release position get no stopped event.
	if c.left.State() == Idle && c.right.State() == Idle {
		c.checkJointRelease()
	}
}

// EnableLatches opens the enable gate for subsequent commands.
func (c *Controller) EnableLatches() {
	c.setEnabled(true)
}

// DisableLatches closes the enable gate for subsequent commands.
func (c *Controller) DisableLatches() {
	c.setEnabled(false)
}

func (c *Controller) setEnabled(on bool) {
	c.mu.Lock()
	changed := c.enabled != on
	c.enabled = on
	c.mu.Unlock()
	if changed {
		c.logger.Info("latches enabled=%v", on)
	}
}

// Enabled reports the enable gate.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// StopLatches halts both latches and disables further commands.
func (c *Controller) StopLatches() {
	c.setEnabled(false)
	c.left.Stop()
	c.right.Stop()
	c.logger.Warn("latches stopped")
}

func (c *Controller) handleHeadBar() {
	c.CloseLatches()
}

func (c *Controller) handleReleaseSwitch() {
	c.ReleaseLatches()
}

func (c *Controller) handleHeadBarMode(m switches.Mode) {
	if m == switches.Suppressed {
		c.publish(Event{Kind: EventHeadBarSuppressed})
	} else {
		c.publish(Event{Kind: EventHeadBarRestored})
	}
}

func (c *Controller) handleForce(ratio float64) {
	c.mu.Lock()
	c.forceRatio = ratio
	c.mu.Unlock()
	c.rec.SetForceRatio(ratio)
	c.publish(Event{Kind: EventForce, Ratio: ratio})
}

// checkJointRelease runs whenever either latch may have reached its release
// position. It arms the head-bar reset once per cycle, when both have. Homing
// ends at the release position with the switch already active, so that does
// not count.
func (c *Controller) checkJointRelease() {
	if !c.left.Released() || !c.right.Released() {
		return
	}
	if c.headBar.Mode() != switches.Suppressed {
		return
	}

	c.mu.Lock()
	if c.cycleReleased {
		c.mu.Unlock()
		return
	}
	c.cycleReleased = true
	c.mu.Unlock()

	c.rec.ReleaseCycle()
	c.logger.Info("both latches released; head-bar switch restores in %v", c.settings.SettleDelay)
	c.headBarReset.Arm(c.settings.SettleDelay, c.restoreHeadBar)
	c.publish(Event{Kind: EventJointReleased})
}

func (c *Controller) restoreHeadBar() {
	c.headBar.Restore()
}

// Subscribe registers f for controller events. Events are delivered on the
// goroutine that produced them, so f must not block. The returned function
// removes the subscription.
func (c *Controller) Subscribe(f func(Event)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = f
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) publish(ev Event) {
	ev.Time = c.clock.Now()
	c.mu.Lock()
	fs := make([]func(Event), 0, len(c.observers))
	for _, f := range c.observers {
		fs = append(fs, f)
	}
	c.mu.Unlock()
	for _, f := range fs {
		f(ev)
	}
}

func latchStatus(l *Latch) LatchStatus {
	st := LatchStatus{
		Name:     l.Name(),
		State:    l.State().String(),
		Attached: l.Attached(),
		Homed:    l.Homed(),
	}
	if l.stepper.IsAttached() {
		if pos, err := l.Position(); err == nil {
			st.Position = pos
			st.Released = Within(pos, l.cfg.ReleasePosition)
		}
	}
	return st
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	enabled, force := c.enabled, c.forceRatio
	c.mu.Unlock()

	return Status{
		Enabled:      enabled,
		HeadBar:      c.headBar.Mode().String(),
		ResetPending: c.headBarReset.Pending(),
		SetupPending: c.setup.Pending(),
		ForceRatio:   force,
		Left:         latchStatus(c.left),
		Right:        latchStatus(c.right),
		Switches:     []switches.Status{c.headBar.GetStatus(), c.release.GetStatus()},
	}
}

// Close cancels pending timers and halts both latches.
func (c *Controller) Close() error {
	c.setup.Cancel()
	c.headBarReset.Cancel()
	c.left.Stop()
	c.right.Stop()
	c.logger.Info("controller closed")
	return nil
}
