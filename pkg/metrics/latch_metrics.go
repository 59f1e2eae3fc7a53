// Head-restraint latch metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"net/http"
	"time"
)

// LatchMetrics holds the metrics recorded by the latch controller.
type LatchMetrics struct {
	HomingTotal      *Counter
	HomingDuration   *Histogram
	CommandsTotal    *Counter
	GatewayErrors    *Counter
	Position         *Gauge
	Homed            *Gauge
	ForceRatio       *Gauge
	ReleaseCycles    *Counter
	StaleTimerFires  *Counter
	ChannelsAttached *Gauge

	registry *Registry
}

// NewLatchMetrics creates and registers the latch metrics.
func NewLatchMetrics() *LatchMetrics {
	m := &LatchMetrics{
		HomingTotal: NewCounter("latch_homing_total",
			"Homing sequences started per latch"),
		HomingDuration: NewHistogram("latch_homing_duration_seconds",
			"Time from the start of homing to the home switch", []float64{0.5, 1, 2, 5, 10, 30}),
		CommandsTotal: NewCounter("latch_commands_total",
			"Latch commands issued by kind"),
		GatewayErrors: NewCounter("latch_gateway_errors_total",
			"Device calls that failed, by operation"),
		Position: NewGauge("latch_position",
			"Last reported latch position in motor units"),
		Homed: NewGauge("latch_homed",
			"Latch homed state (1=homed, 0=unhomed)"),
		ForceRatio: NewGauge("force_sensor_ratio",
			"Last force sensor voltage ratio"),
		ReleaseCycles: NewCounter("latch_release_cycles_total",
			"Completed joint releases of both latches"),
		StaleTimerFires: NewCounter("latch_stale_timer_fires_total",
			"Timer fires discarded because they were superseded"),
		ChannelsAttached: NewGauge("latch_channel_attached",
			"Channel attachment state (1=attached, 0=detached)"),
		registry: NewRegistry(),
	}

	for _, metric := range []Metric{
		m.HomingTotal, m.HomingDuration, m.CommandsTotal, m.GatewayErrors,
		m.Position, m.Homed, m.ForceRatio, m.ReleaseCycles,
		m.StaleTimerFires, m.ChannelsAttached,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

// HomingStarted counts a homing sequence.
func (m *LatchMetrics) HomingStarted(latch string) {
	m.HomingTotal.Inc(Labels{"latch": latch})
}

// HomingCompleted records how long homing took.
func (m *LatchMetrics) HomingCompleted(latch string, d time.Duration) {
	m.HomingDuration.Observe(Labels{"latch": latch}, d.Seconds())
}

// Command counts one latch command.
func (m *LatchMetrics) Command(latch, command string) {
	m.CommandsTotal.Inc(Labels{"latch": latch, "command": command})
}

// GatewayError counts a failed device call.
func (m *LatchMetrics) GatewayError(op string) {
	m.GatewayErrors.Inc(Labels{"op": op})
}

// SetLatchState records a latch's position and homed flag.
func (m *LatchMetrics) SetLatchState(latch string, position float64, homed bool) {
	m.Position.Set(Labels{"latch": latch}, position)
	m.Homed.SetBool(Labels{"latch": latch}, homed)
}

// SetForceRatio records the force sensor reading.
func (m *LatchMetrics) SetForceRatio(ratio float64) {
	m.ForceRatio.Set(nil, ratio)
}

// ReleaseCycle counts a joint release.
func (m *LatchMetrics) ReleaseCycle() {
	m.ReleaseCycles.Inc(nil)
}

// StaleTimerFire counts a discarded timer fire.
func (m *LatchMetrics) StaleTimerFire(slot string) {
	m.StaleTimerFires.Inc(Labels{"slot": slot})
}

// SetAttached records a channel's attachment state.
func (m *LatchMetrics) SetAttached(channel string, attached bool) {
	m.ChannelsAttached.SetBool(Labels{"channel": channel}, attached)
}

// Gather returns all metrics in Prometheus text format.
func (m *LatchMetrics) Gather() string {
	return m.registry.Gather()
}

// Registry returns the internal registry.
func (m *LatchMetrics) Registry() *Registry {
	return m.registry
}

// Handler serves the metrics for Prometheus scraping.
func (m *LatchMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		output := m.Gather()
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
			return
		}
		_, _ = w.Write([]byte(output))
	})
}
