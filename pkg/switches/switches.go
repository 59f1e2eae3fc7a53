// Package switches turns digital input channels into momentary trigger
// switches with an explicit suppression mode.
package switches

import (
	"sync"
	"time"

	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
)

// Mode selects whether activations reach the bound handler.
type Mode int

const (
	// Active forwards activations to the handler.
	Active Mode = iota
	// Suppressed drops activations.
	Suppressed
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "active"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// Switch is a momentary switch on a digital input. It registers one stable
// state-change handler with the input and consults its mode on every event.
type Switch struct {
	mu     sync.RWMutex
	input  gateway.DigitalInput
	logger *log.Logger

	mode         Mode
	autoSuppress bool
	onActive     func()
	onMode       func(Mode)
	triggers     uint64
	ignored      uint64
	lastTrigger  time.Time
}

// New wraps input. The switch starts in Active mode with no handler.
func New(input gateway.DigitalInput, logger *log.Logger) *Switch {
	s := &Switch{
		input:  input,
		logger: logger.WithPrefix(input.Name()),
	}
	input.OnStateChange(s.handleState)
	return s
}

// Name returns the input channel's name.
func (s *Switch) Name() string {
	return s.input.Name()
}

// Input returns the underlying channel.
func (s *Switch) Input() gateway.DigitalInput {
	return s.input
}

// Bind sets the handler called on each activation while Active.
func (s *Switch) Bind(onActive func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActive = onActive
}

// SetAutoSuppress makes each forwarded activation switch the mode to
// Suppressed before the handler runs, so concurrent activations reach the
// handler at most once until Restore.
func (s *Switch) SetAutoSuppress(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSuppress = on
}

// OnModeChange sets a function called after every mode change.
func (s *Switch) OnModeChange(f func(Mode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMode = f
}

// Suppress drops further activations. It reports whether the mode changed.
func (s *Switch) Suppress() bool {
	return s.setMode(Suppressed)
}

// Restore forwards activations again. It reports whether the mode changed.
func (s *Switch) Restore() bool {
	return s.setMode(Active)
}

func (s *Switch) setMode(m Mode) bool {
	s.mu.Lock()
	if s.mode == m {
		s.mu.Unlock()
		return false
	}
	s.mode = m
	notify := s.onMode
	s.mu.Unlock()

	s.logger.Debug("mode %s", m)
	if notify != nil {
		notify(m)
	}
	return true
}

// Mode returns the current mode.
func (s *Switch) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsActive reads the input's current state.
func (s *Switch) IsActive() (bool, error) {
	return s.input.State()
}

func (s *Switch) handleState(active bool) {
	if !active {
		return
	}

	s.mu.Lock()
	if s.mode == Suppressed {
		s.ignored++
		s.mu.Unlock()
		s.logger.Debug("activation ignored while suppressed")
		return
	}
	s.triggers++
	s.lastTrigger = time.Now()
	handler := s.onActive
	var notify func(Mode)
	if s.autoSuppress {
		s.mode = Suppressed
		notify = s.onMode
	}
	s.mu.Unlock()

	if notify != nil {
		notify(Suppressed)
	}
	if handler != nil {
		handler()
	}
}

// Status holds switch status information.
type Status struct {
	Name        string     `json:"name"`
	Mode        string     `json:"mode"`
	Attached    bool       `json:"attached"`
	Triggers    uint64     `json:"triggers"`
	Ignored     uint64     `json:"ignored"`
	LastTrigger *time.Time `json:"last_trigger,omitempty"`
}

// GetStatus returns the current switch status.
func (s *Switch) GetStatus() Status {
	attached := s.input.IsAttached()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:     s.input.Name(),
		Mode:     s.mode.String(),
		Attached: attached,
		Triggers: s.triggers,
		Ignored:  s.ignored,
	}
	if !s.lastTrigger.IsZero() {
		last := s.lastTrigger
		st.LastTrigger = &last
	}
	return st
}
