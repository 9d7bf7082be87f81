package vuload

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

var thresholdRe = regexp.MustCompile(`^\s*(avg|min|max|med|count|rate|p\(\s*(\d+(?:\.\d+)?)\s*\))\s*(<=|>=|==|!=|<|>)\s*(-?\d+(?:\.\d+)?)\s*$`)

var errAggregation = errors.New("aggregation is not supported by metric kind")

// Threshold is a pass/fail condition on an aggregated metric, ex.: p(95)<1000
type Threshold struct {
	Metric     string
	Source     string
	Agg        string
	Percentile float64
	Op         string
	Value      float64
}

// ThresholdResult is the outcome of one threshold at the end of a run
type ThresholdResult struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Actual     float64 `json:"actual"`
	Passed     bool    `json:"passed"`
	Reason     string  `json:"reason,omitempty"`
}

func ParseThreshold(metric, expr string) (Threshold, error) {
	m := thresholdRe.FindStringSubmatch(expr)
	if m == nil {
		return Threshold{}, fmt.Errorf("metric %s: malformed threshold %q", metric, expr)
	}
	t := Threshold{
		Metric: metric,
		Source: expr,
		Agg:    m[1],
		Op:     m[3],
	}
	if m[2] != "" {
		p, err := strconv.ParseFloat(m[2], 64)
		if err != nil || p < 0 || p > 100 {
			return Threshold{}, fmt.Errorf("metric %s: percentile out of range in %q", metric, expr)
		}
		t.Agg = "p"
		t.Percentile = p
	}
	v, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("metric %s: bad value in %q: %w", metric, expr, err)
	}
	t.Value = v
	return t, nil
}

// ParseThresholds parses every expression, ordered by metric name
func ParseThresholds(exprs map[string][]string) ([]Threshold, error) {
	metricNames := make([]string, 0, len(exprs))
	for name := range exprs {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	var (
		res  []Threshold
		errs error
	)
	for _, name := range metricNames {
		for _, e := range exprs[name] {
			t, err := ParseThreshold(name, e)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res = append(res, t)
		}
	}
	return res, errs
}

// aggregate computes the aggregation of the threshold for s
func (t Threshold) aggregate(s Sink, elapsed time.Duration) (float64, error) {
	switch sink := s.(type) {
	case *Trend:
		switch t.Agg {
		case "avg":
			return sink.Avg(), nil
		case "min":
			return sink.Min(), nil
		case "max":
			return sink.Max(), nil
		case "med":
			return sink.Percentile(50), nil
		case "p":
			return sink.Percentile(t.Percentile), nil
		case "count":
			return float64(sink.Count()), nil
		}
	case *Rate:
		switch t.Agg {
		case "rate":
			return sink.Value(), nil
		case "count":
			_, total := sink.Counts()
			return float64(total), nil
		}
	case *Counter:
		switch t.Agg {
		case "count":
			return sink.Value(), nil
		case "rate":
			return sink.PerSecond(elapsed), nil
		}
	}
	return 0, fmt.Errorf("%s on %s %s: %w", t.Source, s.Kind(), t.Metric, errAggregation)
}

func (t Threshold) holds(actual float64) bool {
	switch t.Op {
	case "<":
		return actual < t.Value
	case "<=":
		return actual <= t.Value
	case ">":
		return actual > t.Value
	case ">=":
		return actual >= t.Value
	case "==":
		return actual == t.Value
	case "!=":
		return actual != t.Value
	}
	return false
}

// Evaluate checks the threshold against the sink of the registry with the same name
func (t Threshold) Evaluate(reg *Registry, elapsed time.Duration) ThresholdResult {
	res := ThresholdResult{Metric: t.Metric, Expression: t.Source}
	s, err := reg.Get(t.Metric)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	actual, err := t.aggregate(s, elapsed)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Actual = actual
	res.Passed = t.holds(actual)
	return res
}

func EvaluateThresholds(ts []Threshold, reg *Registry, elapsed time.Duration) (results []ThresholdResult, passed bool) {
	passed = true
	for _, t := range ts {
		r := t.Evaluate(reg, elapsed)
		if !r.Passed {
			passed = false
		}
		results = append(results, r)
	}
	return results, passed
}
