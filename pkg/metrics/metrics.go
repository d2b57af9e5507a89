// Prometheus text-format metrics
//
// Counter, Gauge and Histogram families keyed by label set, gathered from a
// Registry in registration order. Series within a family are written sorted
// by label key so scrapes are stable.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
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

// Key generates a unique key for a label set
func (l Labels) Key() string {
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
	return l.with("", "")
}

// with formats l plus an optional extra pair appended last, as used for the
// histogram "le" label.
func (l Labels) with(extraKey, extraValue string) string {
	if len(l) == 0 && extraKey == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	n := 0
	pair := func(k, v string) {
		if n > 0 {
			sb.WriteByte(',')
		}
		n++
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(v))
		sb.WriteByte('"')
	}
	for _, k := range l.sortedKeys() {
		pair(k, l[k])
	}
	if extraKey != "" {
		pair(extraKey, extraValue)
	}
	sb.WriteByte('}')
	return sb.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is the interface for all metric types
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// family holds the series of one metric, keyed by label set.
type family[S any] struct {
	name   string
	help   string
	kind   MetricType
	series sync.Map // label key -> *S
	init   func(Labels) *S
}

func (f *family[S]) Name() string     { return f.name }
func (f *family[S]) Help() string     { return f.help }
func (f *family[S]) Type() MetricType { return f.kind }

func (f *family[S]) get(labels Labels) *S {
	key := labels.Key()
	if s, ok := f.series.Load(key); ok {
		return s.(*S)
	}
	s, _ := f.series.LoadOrStore(key, f.init(copyLabels(labels)))
	return s.(*S)
}

func (f *family[S]) lookup(labels Labels) (*S, bool) {
	s, ok := f.series.Load(labels.Key())
	if !ok {
		return nil, false
	}
	return s.(*S), true
}

// each visits every series sorted by label key.
func (f *family[S]) each(fn func(*S)) {
	var keys []string
	f.series.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := f.series.Load(k); ok {
			fn(s.(*S))
		}
	}
}

func (f *family[S]) header(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
}

func copyLabels(labels Labels) Labels {
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Counter is a monotonically increasing metric
type Counter struct {
	family[counterSeries]
}

type counterSeries struct {
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new counter metric
func NewCounter(name, help string) *Counter {
	c := &Counter{}
	c.family = family[counterSeries]{name: name, help: help, kind: TypeCounter,
		init: func(l Labels) *counterSeries { return &counterSeries{labels: l} }}
	return c
}

// Inc increments the counter by 1
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add increments the counter by delta
func (c *Counter) Add(labels Labels, delta uint64) {
	c.get(labels).value.Add(delta)
}

// Get returns the current counter value for labels
func (c *Counter) Get(labels Labels) uint64 {
	s, ok := c.lookup(labels)
	if !ok {
		return 0
	}
	return s.value.Load()
}

func (c *Counter) Write(sb *strings.Builder) {
	c.header(sb)
	c.each(func(s *counterSeries) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, s.labels, s.value.Load())
	})
}

// Gauge is a metric that can go up and down
type Gauge struct {
	family[gaugeSeries]
}

type gaugeSeries struct {
	labels Labels
	bits   atomic.Uint64
}

// NewGauge creates a new gauge metric
func NewGauge(name, help string) *Gauge {
	g := &Gauge{}
	g.family = family[gaugeSeries]{name: name, help: help, kind: TypeGauge,
		init: func(l Labels) *gaugeSeries { return &gaugeSeries{labels: l} }}
	return g
}

// Set sets the gauge to value
func (g *Gauge) Set(labels Labels, value float64) {
	g.get(labels).bits.Store(math.Float64bits(value))
}

// Inc increments the gauge by 1
func (g *Gauge) Inc(labels Labels) {
	g.Add(labels, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec(labels Labels) {
	g.Add(labels, -1)
}

// Add adds delta to the gauge
func (g *Gauge) Add(labels Labels, delta float64) {
	s := g.get(labels)
	for {
		old := s.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Get returns the current gauge value for labels
func (g *Gauge) Get(labels Labels) float64 {
	s, ok := g.lookup(labels)
	if !ok {
		return 0
	}
	return math.Float64frombits(s.bits.Load())
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.header(sb)
	g.each(func(s *gaugeSeries) {
		fmt.Fprintf(sb, "%s%s %s\n", g.name, s.labels, formatFloat(math.Float64frombits(s.bits.Load())))
	})
}

// Histogram tracks the distribution of observations
type Histogram struct {
	family[histogramSeries]
	bounds []float64
}

type histogramSeries struct {
	labels Labels
	mu     sync.Mutex
	count  uint64
	sum    float64
	counts []uint64 // per bucket, not cumulative
}

// NewHistogram creates a new histogram metric with the given bucket bounds
func NewHistogram(name, help string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &Histogram{bounds: bounds}
	h.family = family[histogramSeries]{name: name, help: help, kind: TypeHistogram,
		init: func(l Labels) *histogramSeries {
			return &histogramSeries{labels: l, counts: make([]uint64, len(bounds))}
		}}
	return h
}

// DefaultBuckets returns default histogram buckets for latency metrics
func DefaultBuckets() []float64 {
	return []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
}

// ExponentialBuckets creates count buckets starting at start, each factor
// times the previous one
func ExponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

// Observe records a value
func (h *Histogram) Observe(labels Labels, value float64) {
	s := h.get(labels)
	i := sort.SearchFloat64s(h.bounds, value)
	s.mu.Lock()
	s.count++
	s.sum += value
	if i < len(s.counts) {
		s.counts[i]++
	}
	s.mu.Unlock()
}

// ObserveDuration records d in seconds
func (h *Histogram) ObserveDuration(labels Labels, d time.Duration) {
	h.Observe(labels, d.Seconds())
}

// HistogramSnapshot is a point-in-time copy of one series. Buckets are
// cumulative, keyed by upper bound.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

func (h *Histogram) snapshot(s *histogramSeries) HistogramSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := HistogramSnapshot{Count: s.count, Sum: s.sum, Buckets: make(map[float64]uint64, len(h.bounds))}
	var cum uint64
	for i, b := range h.bounds {
		cum += s.counts[i]
		snap.Buckets[b] = cum
	}
	return snap
}

// GetSnapshot returns a snapshot for labels
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	s, ok := h.lookup(labels)
	if !ok {
		return HistogramSnapshot{Buckets: map[float64]uint64{}}
	}
	return h.snapshot(s)
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.header(sb)
	h.each(func(s *histogramSeries) {
		snap := h.snapshot(s)
		for _, b := range h.bounds {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, s.labels.with("le", formatFloat(b)), snap.Buckets[b])
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, s.labels.with("le", "+Inf"), snap.Count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, s.labels, formatFloat(snap.Sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, s.labels, snap.Count)
	})
}

// Registry holds registered metrics
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric; names must be unique
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
func (r *Registry) MustRegister(metrics ...Metric) {
	for _, m := range metrics {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns a metric by name
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in Prometheus text format
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
