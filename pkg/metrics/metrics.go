// Metrics for calibration runs
//
// A small Prometheus-compatible registry: counters, gauges and
// histograms keyed by label sets, rendered in the text exposition
// format. Series are written in label order so that textfile output is
// stable between runs.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"delta-calibration/pkg/errors"
)

// Labels is a set of label name/value pairs.
type Labels map[string]string

// Key returns a canonical string for the label set.
func (l Labels) Key() string {
	var sb strings.Builder
	for i, k := range l.names() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(l[k])
	}
	return sb.String()
}

// String renders the labels in exposition format, e.g. {kind="anneal"}.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range l.names() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(labelEscaper.Replace(l[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

// With returns a copy of l with name set to value.
func (l Labels) With(name, value string) Labels {
	out := l.clone()
	out[name] = value
	return out
}

func (l Labels) clone() Labels {
	out := make(Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (l Labels) names() []string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Metric is anything the Registry can render.
type Metric interface {
	Name() string
	WriteTo(w io.Writer) (int64, error)
}

// family holds the series of one metric, keyed by label set.
type family[V any] struct {
	name, help, kind string

	mu     sync.Mutex
	series map[string]*V
	labels map[string]Labels
}

func newFamily[V any](name, help, kind string) family[V] {
	return family[V]{
		name:   name,
		help:   help,
		kind:   kind,
		series: make(map[string]*V),
		labels: make(map[string]Labels),
	}
}

// Name returns the metric name.
func (f *family[V]) Name() string { return f.name }

// at returns the series for labels, creating it with init when missing.
// Callers hold f.mu.
func (f *family[V]) at(labels Labels, init func() *V) *V {
	key := labels.Key()
	v, ok := f.series[key]
	if !ok {
		v = init()
		f.series[key] = v
		f.labels[key] = labels.clone()
	}
	return v
}

// render writes the header and calls line for each series in key order.
func (f *family[V]) render(w io.Writer, line func(*strings.Builder, Labels, *V)) (int64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)

	f.mu.Lock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(&sb, f.labels[k], f.series[k])
	}
	f.mu.Unlock()

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Counter only goes up.
type Counter struct {
	family[uint64]
}

// NewCounter returns an empty counter.
func NewCounter(name, help string) *Counter {
	return &Counter{newFamily[uint64](name, help, "counter")}
}

// Inc adds one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add adds delta to the series for labels.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.mu.Lock()
	*c.at(labels, func() *uint64 { return new(uint64) }) += delta
	c.mu.Unlock()
}

// Get returns the value for labels, zero when the series does not exist.
func (c *Counter) Get(labels Labels) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.series[labels.Key()]; ok {
		return *v
	}
	return 0
}

func (c *Counter) WriteTo(w io.Writer) (int64, error) {
	return c.render(w, func(sb *strings.Builder, l Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, l, *v)
	})
}

// Gauge holds a value that can go either way.
type Gauge struct {
	family[float64]
}

// NewGauge returns an empty gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{newFamily[float64](name, help, "gauge")}
}

// Set replaces the value for labels.
func (g *Gauge) Set(labels Labels, value float64) {
	g.mu.Lock()
	*g.at(labels, func() *float64 { return new(float64) }) = value
	g.mu.Unlock()
}

// Add adds delta, which may be negative.
func (g *Gauge) Add(labels Labels, delta float64) {
	g.mu.Lock()
	*g.at(labels, func() *float64 { return new(float64) }) += delta
	g.mu.Unlock()
}

// Get returns the value for labels and whether it was ever set.
func (g *Gauge) Get(labels Labels) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.series[labels.Key()]; ok {
		return *v, true
	}
	return 0, false
}

func (g *Gauge) WriteTo(w io.Writer) (int64, error) {
	return g.render(w, func(sb *strings.Builder, l Labels, v *float64) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(*v))
	})
}

type histogramSeries struct {
	counts []uint64 // per bucket, not cumulative
	count  uint64
	sum    float64
}

// Histogram counts observations into fixed upper bounds.
type Histogram struct {
	family[histogramSeries]
	bounds []float64
}

// NewHistogram returns a histogram over the given upper bounds.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		family: newFamily[histogramSeries](name, help, "histogram"),
		bounds: sorted,
	}
}

// LinearBuckets returns count bounds spaced width apart from start.
func LinearBuckets(start, width float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start + float64(i)*width
	}
	return b
}

// ExponentialBuckets returns count bounds growing by factor from start.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start
		start *= factor
	}
	return b
}

// Observe records value for labels.
func (h *Histogram) Observe(labels Labels, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.at(labels, func() *histogramSeries {
		return &histogramSeries{counts: make([]uint64, len(h.bounds))}
	})
	s.count++
	s.sum += value
	if i := sort.SearchFloat64s(h.bounds, value); i < len(h.bounds) {
		s.counts[i]++
	}
}

// Snapshot is the state of one histogram series. Buckets are cumulative
// and line up with the histogram bounds.
type Snapshot struct {
	Count   uint64
	Sum     float64
	Buckets []uint64
}

// Snapshot returns the series for labels.
func (h *Histogram) Snapshot(labels Labels) Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := Snapshot{Buckets: make([]uint64, len(h.bounds))}
	s, ok := h.series[labels.Key()]
	if !ok {
		return snap
	}
	snap.Count, snap.Sum = s.count, s.sum
	var cum uint64
	for i, c := range s.counts {
		cum += c
		snap.Buckets[i] = cum
	}
	return snap
}

func (h *Histogram) WriteTo(w io.Writer) (int64, error) {
	return h.render(w, func(sb *strings.Builder, l Labels, s *histogramSeries) {
		var cum uint64
		for i, bound := range h.bounds {
			cum += s.counts[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.With("le", formatFloat(bound)), cum)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.With("le", "+Inf"), s.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(s.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, s.count)
	})
}

// Registry renders a set of metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register adds m. Names must be unique.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[m.Name()] {
		return errors.RuntimeError(fmt.Sprintf("metric %q already registered", m.Name()))
	}
	r.names[m.Name()] = true
	r.metrics = append(r.metrics, m)
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// WriteTo renders every registered metric.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, m := range r.metrics {
		n, err := m.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Gather returns the rendered registry as a string.
func (r *Registry) Gather() string {
	var sb strings.Builder
	_, _ = r.WriteTo(&sb)
	return sb.String()
}
