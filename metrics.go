/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package vuload

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
)

// Built-in engine metrics
const (
	HTTPReqs              = "http_reqs"
	HTTPReqDuration       = "http_req_duration"
	HTTPReqFailed         = "http_req_failed"
	Iterations            = "iterations"
	IterationDuration     = "iteration_duration"
	InterruptedIterations = "interrupted_iterations"
	DroppedIterations     = "dropped_iterations"
	ChecksMetric          = "checks"
	VUsMetric             = "vus"
)

var (
	ErrUnknownMetric      = errors.New("unknown metric")
	ErrMetricKindMismatch = errors.New("metric already registered with another kind")
)

type MetricKind int

const (
	CounterKind MetricKind = iota
	RateKind
	TrendKind
)

func (k MetricKind) String() string {
	switch k {
	case CounterKind:
		return "counter"
	case RateKind:
		return "rate"
	case TrendKind:
		return "trend"
	default:
		return "unknown"
	}
}

// RateRecorder accepts boolean observations
type RateRecorder interface {
	Add(ok bool)
}

// TrendRecorder accepts numeric observations
type TrendRecorder interface {
	Add(v float64)
}

// Sink is a named accumulator aggregated at the end of a run
type Sink interface {
	Name() string
	Kind() MetricKind
	Summary(elapsed time.Duration) MetricSummary
}

// MetricSummary is the aggregated view of a sink, fields depend on the kind
type MetricSummary struct {
	Kind   string  `json:"kind"`
	Count  int64   `json:"count"`
	Rate   float64 `json:"rate"`
	Value  float64 `json:"value,omitempty"`
	Passes int64   `json:"passes,omitempty"`
	Fails  int64   `json:"fails,omitempty"`
	Avg    float64 `json:"avg,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Med    float64 `json:"med,omitempty"`
	Max    float64 `json:"max,omitempty"`
	P90    float64 `json:"p(90),omitempty"`
	P95    float64 `json:"p(95),omitempty"`
}

// Rate records the fraction of true observations
type Rate struct {
	name   string
	mu     sync.Mutex
	trues  int64
	total  int64
	gmTrue metrics.Counter
	gmAll  metrics.Counter
	prom   *prometheus.CounterVec
}

func (r *Rate) Name() string     { return r.name }
func (r *Rate) Kind() MetricKind { return RateKind }

func (r *Rate) Add(ok bool) {
	r.mu.Lock()
	r.total++
	if ok {
		r.trues++
	}
	r.mu.Unlock()
	r.gmAll.Inc(1)
	if ok {
		r.gmTrue.Inc(1)
	}
	if r.prom != nil {
		r.prom.WithLabelValues(strconv.FormatBool(ok)).Inc()
	}
}

// Value returns trues/total, 0 without observations
func (r *Rate) Value() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total == 0 {
		return 0
	}
	return float64(r.trues) / float64(r.total)
}

func (r *Rate) Counts() (trues, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trues, r.total
}

func (r *Rate) Summary(time.Duration) MetricSummary {
	trues, total := r.Counts()
	return MetricSummary{
		Kind:   RateKind.String(),
		Count:  total,
		Rate:   r.Value(),
		Passes: trues,
		Fails:  total - trues,
	}
}

// Trend records a distribution of observations, latencies are in milliseconds
type Trend struct {
	name  string
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
	hist  *SafeHistogram
	gm    metrics.Histogram
	prom  prometheus.Observer
}

func (t *Trend) Name() string     { return t.name }
func (t *Trend) Kind() MetricKind { return TrendKind }

func (t *Trend) Add(v float64) {
	t.mu.Lock()
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.count++
	t.sum += v
	t.mu.Unlock()
	t.hist.Record(v)
	t.gm.Update(int64(math.Round(v)))
	if t.prom != nil {
		t.prom.Observe(v)
	}
}

func (t *Trend) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *Trend) Avg() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.sum / float64(t.count)
}

func (t *Trend) Min() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.min
}

func (t *Trend) Max() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max
}

// Percentile returns the p-th percentile, p in [0, 100]
func (t *Trend) Percentile(p float64) float64 {
	return t.hist.Percentile(p)
}

func (t *Trend) Summary(time.Duration) MetricSummary {
	return MetricSummary{
		Kind:  TrendKind.String(),
		Count: t.Count(),
		Avg:   t.Avg(),
		Min:   t.Min(),
		Med:   t.Percentile(50),
		Max:   t.Max(),
		P90:   t.Percentile(90),
		P95:   t.Percentile(95),
	}
}

// Counter records a cumulative sum
type Counter struct {
	name  string
	mu    sync.Mutex
	count int64
	sum   float64
	gm    metrics.Counter
	prom  prometheus.Counter
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Kind() MetricKind { return CounterKind }

func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.count++
	c.sum += v
	c.mu.Unlock()
	c.gm.Inc(int64(v))
	if c.prom != nil && v >= 0 {
		c.prom.Add(v)
	}
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

// PerSecond returns the sum divided by elapsed seconds
func (c *Counter) PerSecond(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return c.Value() / elapsed.Seconds()
}

func (c *Counter) Summary(elapsed time.Duration) MetricSummary {
	c.mu.Lock()
	count := c.count
	c.mu.Unlock()
	return MetricSummary{
		Kind:  CounterKind.String(),
		Count: count,
		Value: c.Value(),
		Rate:  c.PerSecond(elapsed),
	}
}

// Registry holds all sinks of a run, every sink is mirrored into a go-metrics registry
// and, when enabled, into a prometheus registry
type Registry struct {
	mu        sync.Mutex
	sinks     map[string]Sink
	checks    map[string]*CheckResult
	gm        metrics.Registry
	vus       metrics.Gauge
	prom      prometheus.Registerer
	promVUs   prometheus.Gauge
	namespace string
}

func NewRegistry() *Registry {
	r := &Registry{
		sinks:  make(map[string]Sink),
		checks: make(map[string]*CheckResult),
		gm:     metrics.NewRegistry(),
		vus:    metrics.NewGauge(),
	}
	_ = r.gm.Register(VUsMetric, r.vus)
	return r
}

// EnablePrometheus mirrors sinks created from now on into reg
func (r *Registry) EnablePrometheus(reg prometheus.Registerer, namespace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prom = reg
	r.namespace = namespace
	r.promVUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      VUsMetric,
		Help:      "Active virtual users",
	})
	return reg.Register(r.promVUs)
}

// GoMetrics returns the go-metrics registry the sinks are mirrored in
func (r *Registry) GoMetrics() metrics.Registry {
	return r.gm
}

func (r *Registry) SetVUs(n int) {
	r.vus.Update(int64(n))
	r.mu.Lock()
	g := r.promVUs
	r.mu.Unlock()
	if g != nil {
		g.Set(float64(n))
	}
}

func (r *Registry) getOrCreate(name string, kind MetricKind, create func() (Sink, error)) (Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sinks[name]; ok {
		if s.Kind() != kind {
			return nil, fmt.Errorf("%s is a %s, not a %s: %w", name, s.Kind(), kind, ErrMetricKindMismatch)
		}
		return s, nil
	}
	s, err := create()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric %s: %w", name, err)
	}
	r.sinks[name] = s
	return s, nil
}

// Rate returns the rate sink registered under name, creating it on first use
func (r *Registry) Rate(name string) (*Rate, error) {
	s, err := r.getOrCreate(name, RateKind, func() (Sink, error) {
		rate := &Rate{name: name, gmTrue: metrics.NewCounter(), gmAll: metrics.NewCounter()}
		if err := r.gm.Register(name+".passes", rate.gmTrue); err != nil {
			return nil, err
		}
		if err := r.gm.Register(name+".total", rate.gmAll); err != nil {
			return nil, err
		}
		if r.prom != nil {
			rate.prom = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: r.namespace,
				Name:      name + "_total",
				Help:      "Observations of rate metric " + name + " by outcome",
			}, []string{"outcome"})
			if err := r.prom.Register(rate.prom); err != nil {
				return nil, err
			}
		}
		return rate, nil
	})
	if err != nil {
		return nil, err
	}
	return s.(*Rate), nil
}

// Trend returns the trend sink registered under name, creating it on first use
func (r *Registry) Trend(name string) (*Trend, error) {
	s, err := r.getOrCreate(name, TrendKind, func() (Sink, error) {
		trend := &Trend{
			name: name,
			hist: NewSafeHistogram(),
			gm:   metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015)),
		}
		if err := r.gm.Register(name, trend.gm); err != nil {
			return nil, err
		}
		if r.prom != nil {
			summary := prometheus.NewSummary(prometheus.SummaryOpts{
				Namespace:  r.namespace,
				Name:       name,
				Help:       "Distribution of trend metric " + name,
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
			})
			if err := r.prom.Register(summary); err != nil {
				return nil, err
			}
			trend.prom = summary
		}
		return trend, nil
	})
	if err != nil {
		return nil, err
	}
	return s.(*Trend), nil
}

// Counter returns the counter sink registered under name, creating it on first use
func (r *Registry) Counter(name string) (*Counter, error) {
	s, err := r.getOrCreate(name, CounterKind, func() (Sink, error) {
		counter := &Counter{name: name, gm: metrics.NewCounter()}
		if err := r.gm.Register(name, counter.gm); err != nil {
			return nil, err
		}
		if r.prom != nil {
			counter.prom = prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: r.namespace,
				Name:      name + "_total",
				Help:      "Sum of counter metric " + name,
			})
			if err := r.prom.Register(counter.prom); err != nil {
				return nil, err
			}
		}
		return counter, nil
	})
	if err != nil {
		return nil, err
	}
	return s.(*Counter), nil
}

// Get returns the sink registered under name
func (r *Registry) Get(name string) (Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownMetric)
	}
	return s, nil
}

// Names returns registered sink names in lexical order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sinks))
	for n := range r.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Summaries(elapsed time.Duration) map[string]MetricSummary {
	res := make(map[string]MetricSummary)
	for _, n := range r.Names() {
		s, err := r.Get(n)
		if err != nil {
			continue
		}
		res[n] = s.Summary(elapsed)
	}
	return res
}
