// Prometheus text-format metrics
//
// Counter, Gauge and Histogram families keyed by label sets, collected in a
// Registry that renders the text exposition format. Series within a family
// are written in label order so scrapes are stable.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels as key-value pairs
type Labels map[string]string

func (l Labels) sortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// key identifies a label set within a family.
func (l Labels) key() string {
	var sb strings.Builder
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String returns labels in Prometheus format
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.sortedKeys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for lk, lv := range l {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds the series of one metric, one per label set.
type family[V any] struct {
	name   string
	help   string
	mu     sync.RWMutex
	series map[string]*V
	labels map[string]Labels
}

func (f *family[V]) init(name, help string) {
	f.name = name
	f.help = help
	f.series = make(map[string]*V)
	f.labels = make(map[string]Labels)
}

func (f *family[V]) Name() string { return f.name }
func (f *family[V]) Help() string { return f.help }

// get returns the series for labels, creating it with init if needed.
func (f *family[V]) get(labels Labels, init func() *V) *V {
	key := labels.key()
	f.mu.RLock()
	v, ok := f.series[key]
	f.mu.RUnlock()
	if ok {
		return v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.series[key]; ok {
		return v
	}
	v = init()
	f.series[key] = v
	f.labels[key] = labels
	return v
}

func (f *family[V]) lookup(labels Labels) (*V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.series[labels.key()]
	return v, ok
}

// each visits every series in label order.
func (f *family[V]) each(fn func(Labels, *V)) {
	f.mu.RLock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	f.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		f.mu.RLock()
		v, labels := f.series[k], f.labels[k]
		f.mu.RUnlock()
		fn(labels, v)
	}
}

func (f *family[V]) header(sb *strings.Builder, t MetricType) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, t)
}

// Counter is a monotonically increasing metric
type Counter struct {
	family[uint64]
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	c := &Counter{}
	c.init(name, help)
	return c
}

func (c *Counter) Type() MetricType { return TypeCounter }

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the counter by the given value
func (c *Counter) Add(labels Labels, delta uint64) {
	v := c.get(labels, func() *uint64 { return new(uint64) })
	atomic.AddUint64(v, delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	v, ok := c.lookup(labels)
	if !ok {
		return 0
	}
	return atomic.LoadUint64(v)
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb, TypeCounter)
	c.each(func(labels Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, labels, atomic.LoadUint64(v))
	})
}

type gaugeValue struct {
	mu    sync.Mutex
	value float64
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family[gaugeValue]
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	g := &Gauge{}
	g.init(name, help)
	return g
}

func (g *Gauge) Type() MetricType { return TypeGauge }

// Set sets the gauge to the given value
func (g *Gauge) Set(labels Labels, value float64) {
	gv := g.get(labels, func() *gaugeValue { return &gaugeValue{} })
	gv.mu.Lock()
	gv.value = value
	gv.mu.Unlock()
}

// SetBool sets the gauge to 1 or 0
func (g *Gauge) SetBool(labels Labels, on bool) {
	if on {
		g.Set(labels, 1)
	} else {
		g.Set(labels, 0)
	}
}

// Add adds the given value to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.get(labels, func() *gaugeValue { return &gaugeValue{} })
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	gv, ok := g.lookup(labels)
	if !ok {
		return 0
	}
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb, TypeGauge)
	g.each(func(labels Labels, gv *gaugeValue) {
		gv.mu.Lock()
		v := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, labels, formatFloat(v))
	})
}

type histogramValue struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family[histogramValue]
	bounds []float64
}

// NewHistogram creates a new histogram metric with the given upper bounds
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	h := &Histogram{bounds: sorted}
	h.init(name, help)
	return h
}

func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records a value in the histogram
func (h *Histogram) Observe(labels Labels, value float64) {
	hv := h.get(labels, func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(h.bounds))}
	})
	hv.mu.Lock()
	defer hv.mu.Unlock()
	hv.count++
	hv.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			hv.buckets[i]++
		}
	}
}

// Count returns the number of observations for labels
func (h *Histogram) Count(labels Labels) uint64 {
	hv, ok := h.lookup(labels)
	if !ok {
		return 0
	}
	hv.mu.Lock()
	defer hv.mu.Unlock()
	return hv.count
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb, TypeHistogram)
	h.each(func(labels Labels, hv *histogramValue) {
		hv.mu.Lock()
		count, sum := hv.count, hv.sum
		buckets := append([]uint64(nil), hv.buckets...)
		hv.mu.Unlock()

		for i, bound := range h.bounds {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", formatFloat(bound)), buckets[i])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, labels.with("le", "+Inf"), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, labels, formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, labels, count)
	})
}

// Registry holds registered metrics in registration order
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric to the registry
func (r *Registry) Register(metric Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := metric.Name()
	if _, exists := r.metrics[name]; exists {
		return fmt.Errorf("metric %q already registered", name)
	}
	r.metrics[name] = metric
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a metric and panics on error
func (r *Registry) MustRegister(metric Metric) {
	if err := r.Register(metric); err != nil {
		panic(err)
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather collects all metrics in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
