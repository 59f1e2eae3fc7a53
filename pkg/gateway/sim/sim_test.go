package sim

import (
	"fmt"
	"testing"
	"time"

	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/log"
)

func newHub(t *testing.T) (*Hub, gateway.Stepper, gateway.DigitalInput) {
	t.Helper()
	h := New(log.Discard())
	s, err := h.OpenStepper("left_stepper", gateway.Identity{SerialNumber: 1, Kind: gateway.KindStepper})
	if err != nil {
		t.Fatal(err)
	}
	d, err := h.OpenDigitalInput("left_home_switch", gateway.Identity{SerialNumber: 1, HubPort: 1, Kind: gateway.KindDigitalInput})
	if err != nil {
		t.Fatal(err)
	}
	return h, s, d
}

func TestOpenDuplicate(t *testing.T) {
	h, _, _ := newHub(t)
	if _, err := h.OpenVoltageRatioInput("left_stepper", gateway.Identity{}); err == nil {
		t.Error("expected duplicate name to fail")
	}
}

func TestDetachedCallsFail(t *testing.T) {
	_, s, d := newHub(t)
	if s.IsAttached() {
		t.Fatal("channels start detached")
	}
	if err := s.SetTargetPosition(10); !errors.Is(err, errors.ErrNotAttached) {
		t.Errorf("expected not-attached error, got %v", err)
	}
	if _, err := d.State(); !errors.Is(err, errors.ErrNotAttached) {
		t.Errorf("expected not-attached error, got %v", err)
	}
}

func TestAttachDetachCallbacks(t *testing.T) {
	h, s, _ := newHub(t)
	var attached, detached int
	s.OnAttach(func() { attached++ })
	s.OnDetach(func() { detached++ })

	h.Attach("left_stepper")
	h.Attach("left_stepper")
	h.Detach("left_stepper")
	if attached != 1 || detached != 1 {
		t.Errorf("attached=%d detached=%d, want 1 and 1", attached, detached)
	}

	// Re-registering replaces the previous callback.
	var second int
	s.OnAttach(func() { second++ })
	h.Attach("left_stepper")
	if attached != 1 || second != 1 {
		t.Errorf("expected only the new callback to fire, got %d %d", attached, second)
	}
}

func TestStepModeReachesTarget(t *testing.T) {
	h, s, _ := newHub(t)
	h.AttachAll()

	var stopped int
	s.OnStopped(func() { stopped++ })

	s.SetEngaged(true)
	s.SetVelocityLimit(100)
	s.SetTargetPosition(250)

	h.Advance(time.Second)
	if pos, _ := s.Position(); pos != 100 {
		t.Errorf("position after 1s = %v, want 100", pos)
	}
	h.Advance(2 * time.Second)
	if pos, _ := s.Position(); pos != 250 {
		t.Errorf("position = %v, want 250", pos)
	}
	if stopped != 1 {
		t.Errorf("stopped fired %d times, want 1", stopped)
	}
	h.Advance(time.Second)
	if stopped != 1 {
		t.Error("stopped fired again while idle")
	}
}

func TestZeroVelocityStops(t *testing.T) {
	h, s, _ := newHub(t)
	h.AttachAll()

	var stopped int
	s.OnStopped(func() { stopped++ })
	s.SetEngaged(true)
	s.SetVelocityLimit(10)
	s.SetTargetPosition(100)
	h.Advance(time.Second)

	s.SetVelocityLimit(0)
	h.Advance(time.Second)
	if stopped != 1 {
		t.Errorf("expected a stop event, got %d", stopped)
	}
	if pos, _ := s.Position(); pos != 10 {
		t.Errorf("position = %v, want 10", pos)
	}
}

func TestRunModeTripsLinkedSwitch(t *testing.T) {
	h, s, d := newHub(t)
	h.SetPosition("left_stepper", 50)
	if err := h.LinkHomeSwitch("left_stepper", "left_home_switch", 0); err != nil {
		t.Fatal(err)
	}
	h.AttachAll()

	var states []bool
	d.OnStateChange(func(v bool) { states = append(states, v) })

	s.SetControlMode(gateway.ControlModeRun)
	s.SetVelocityLimit(-20)
	s.SetEngaged(true)

	h.Advance(2 * time.Second)
	if len(states) != 0 {
		t.Fatalf("switch tripped early: %v", states)
	}
	h.Advance(500 * time.Millisecond)
	if len(states) != 1 || !states[0] {
		t.Fatalf("expected one active transition, got %v", states)
	}
	if v, _ := d.State(); !v {
		t.Error("State() should read active")
	}
}

func TestOffsetRezeroes(t *testing.T) {
	h, s, _ := newHub(t)
	h.SetPosition("left_stepper", 42)
	h.AttachAll()

	s.AddPositionOffset(-42)
	if pos, _ := s.Position(); pos != 0 {
		t.Errorf("position after offset = %v, want 0", pos)
	}
	sim := h.Stepper("left_stepper")
	cmds := sim.Commands()
	if len(cmds) != 1 || cmds[0] != (Command{Op: "offset", Value: -42}) {
		t.Errorf("unexpected commands %v", cmds)
	}
}

func TestFault(t *testing.T) {
	h, s, _ := newHub(t)
	h.AttachAll()
	h.Fault("left_stepper", errors.GatewayError("left_stepper", "set target position", 52, "busy"))

	if err := s.SetTargetPosition(1); !errors.Is(err, errors.ErrGateway) {
		t.Errorf("expected injected fault, got %v", err)
	}
	if err := s.SetTargetPosition(1); err != nil {
		t.Errorf("fault should be consumed, got %v", err)
	}
}

func TestSetStateOnlyFiresOnChange(t *testing.T) {
	h, _, d := newHub(t)
	h.AttachAll()
	var n int
	d.OnStateChange(func(bool) { n++ })
	h.SetState("left_home_switch", true)
	h.SetState("left_home_switch", true)
	h.SetState("left_home_switch", false)
	if n != 2 {
		t.Errorf("expected 2 callbacks, got %d", n)
	}
}

func TestSetRatio(t *testing.T) {
	h := New(log.Discard())
	r, _ := h.OpenVoltageRatioInput("force_sensor", gateway.Identity{Kind: gateway.KindVoltageRatioInput})
	h.AttachAll()

	var got []float64
	r.OnVoltageRatioChange(func(v float64) { got = append(got, v) })
	h.SetRatio("force_sensor", 0.25)
	if v, _ := r.VoltageRatio(); v != 0.25 || fmt.Sprint(got) != "[0.25]" {
		t.Errorf("ratio=%v callbacks=%v", v, got)
	}
}
