package switches

import (
	"encoding/json"
	"strings"
	"testing"

	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/gateway/sim"
	"head-restraint-go/pkg/log"
)

func newSwitch(t *testing.T) (*sim.Hub, *Switch) {
	t.Helper()
	hub := sim.New(log.Discard())
	in, err := hub.OpenDigitalInput("head_bar_switch", gateway.Identity{Kind: gateway.KindDigitalInput})
	if err != nil {
		t.Fatal(err)
	}
	hub.AttachAll()
	return hub, New(in, log.Discard())
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{Active, "active"},
		{Suppressed, "suppressed"},
		{Mode(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestActivationForwarded(t *testing.T) {
	hub, sw := newSwitch(t)
	var n int
	sw.Bind(func() { n++ })

	hub.SetState("head_bar_switch", true)
	hub.SetState("head_bar_switch", false)
	hub.SetState("head_bar_switch", true)
	if n != 2 {
		t.Errorf("handler called %d times, want 2", n)
	}
	if st := sw.GetStatus(); st.Triggers != 2 || st.LastTrigger == nil || st.LastTrigger.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestStatusOmitsLastTriggerUntilFired(t *testing.T) {
	hub, sw := newSwitch(t)
	st := sw.GetStatus()
	if st.LastTrigger != nil {
		t.Fatalf("LastTrigger = %v before any activation", st.LastTrigger)
	}
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "last_trigger") {
		t.Errorf("untriggered status carries last_trigger: %s", data)
	}

	sw.Bind(func() {})
	hub.SetState("head_bar_switch", true)
	data, err = json.Marshal(sw.GetStatus())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"last_trigger"`) {
		t.Errorf("triggered status missing last_trigger: %s", data)
	}
}

func TestSuppressDropsActivations(t *testing.T) {
	hub, sw := newSwitch(t)
	var n int
	sw.Bind(func() { n++ })

	if !sw.Suppress() {
		t.Error("Suppress should report a change")
	}
	if sw.Suppress() {
		t.Error("second Suppress should report no change")
	}
	hub.SetState("head_bar_switch", true)
	if n != 0 {
		t.Fatal("suppressed switch forwarded an activation")
	}
	if sw.Mode() != Suppressed {
		t.Errorf("mode = %v", sw.Mode())
	}

	hub.SetState("head_bar_switch", false)
	sw.Restore()
	hub.SetState("head_bar_switch", true)
	if n != 1 {
		t.Errorf("restored switch should forward, got %d", n)
	}
	if st := sw.GetStatus(); st.Ignored != 1 || st.Mode != "active" || !st.Attached {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHandlerMayChangeMode(t *testing.T) {
	hub, sw := newSwitch(t)
	sw.Bind(func() { sw.Suppress() })
	hub.SetState("head_bar_switch", true)
	if sw.Mode() != Suppressed {
		t.Error("handler should be able to suppress its own switch")
	}
}

func TestIsActive(t *testing.T) {
	hub, sw := newSwitch(t)
	hub.SetState("head_bar_switch", true)
	if v, err := sw.IsActive(); err != nil || !v {
		t.Errorf("IsActive() = %v, %v", v, err)
	}
	hub.Detach("head_bar_switch")
	if _, err := sw.IsActive(); err == nil {
		t.Error("expected error from detached input")
	}
}

func TestAutoSuppress(t *testing.T) {
	hub, sw := newSwitch(t)
	sw.SetAutoSuppress(true)
	var modes []Mode
	sw.OnModeChange(func(m Mode) { modes = append(modes, m) })
	var n int
	sw.Bind(func() {
		n++
		if sw.Mode() != Suppressed {
			t.Error("handler should run with the switch already suppressed")
		}
	})

	hub.SetState("head_bar_switch", true)
	hub.SetState("head_bar_switch", false)
	hub.SetState("head_bar_switch", true)
	if n != 1 {
		t.Errorf("handler called %d times, want 1", n)
	}

	sw.Restore()
	if len(modes) != 2 || modes[0] != Suppressed || modes[1] != Active {
		t.Errorf("mode changes = %v, want [suppressed active]", modes)
	}
}

func TestModeChangeOnlyOnChange(t *testing.T) {
	_, sw := newSwitch(t)
	var n int
	sw.OnModeChange(func(Mode) { n++ })
	sw.Restore()
	sw.Suppress()
	sw.Suppress()
	if n != 1 {
		t.Errorf("OnModeChange called %d times, want 1", n)
	}
}
