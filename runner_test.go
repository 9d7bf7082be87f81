package vuload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, r *Runner, name string) float64 {
	t.Helper()
	s, err := r.Sinks.Get(name)
	require.NoError(t, err)
	c, ok := s.(*Counter)
	require.True(t, ok)
	return c.Value()
}

func TestConstantVUsRun(t *testing.T) {
	calls := &atomic.Int64{}
	cfg := RunnerConfig{
		HandleName:  "mock",
		VUs:         3,
		DurationSec: 1,
		Thresholds: map[string][]string{
			Iterations:        {"count>0"},
			IterationDuration: {"p(95)<1000"},
		},
	}
	r, err := NewRunner("mock", nil, &attackMock{sleep: 20 * time.Millisecond, calls: calls}, nil, cfg)
	require.NoError(t, err)

	report := r.Run(context.Background())

	assert.False(t, report.Failed)
	assert.False(t, report.Stopped)
	assert.Equal(t, r.RunID, report.RunID)
	iterations := counterValue(t, r, Iterations)
	assert.Greater(t, iterations, 10.0)
	assert.LessOrEqual(t, iterations, float64(calls.Load()))
	// at most the last iteration of each VU is cut off
	assert.LessOrEqual(t, counterValue(t, r, InterruptedIterations), 3.0)
	require.Len(t, report.Thresholds, 2)
	assert.Contains(t, report.Metrics, IterationDuration)
	assert.InDelta(t, 20, report.Metrics[IterationDuration].Med, 15)
}

func TestFailedThresholdFailsReport(t *testing.T) {
	cfg := RunnerConfig{
		VUs:         1,
		DurationSec: 1,
		Thresholds:  map[string][]string{Iterations: {"count<1"}},
	}
	r, err := NewRunner("mock", nil, &attackMock{sleep: 10 * time.Millisecond}, nil, cfg)
	require.NoError(t, err)

	report := r.Run(context.Background())

	assert.True(t, report.Failed)
	require.Len(t, report.Thresholds, 1)
	assert.False(t, report.Thresholds[0].Passed)
}

func TestConstantArrivalRateDropsIterations(t *testing.T) {
	cfg := RunnerConfig{
		Executor:    ConstantArrivalRateExecutor,
		Rate:        100,
		MaxVUs:      1,
		DurationSec: 1,
	}
	r, err := NewRunner("mock", nil, &attackMock{sleep: 50 * time.Millisecond}, nil, cfg)
	require.NoError(t, err)

	r.Run(context.Background())

	assert.Greater(t, counterValue(t, r, DroppedIterations), 0.0)
	assert.LessOrEqual(t, counterValue(t, r, Iterations), 21.0)
}

func TestRuntimeCheckStopsRun(t *testing.T) {
	cfg := RunnerConfig{VUs: 1, DurationSec: 10}
	stop := func(r *Runner) bool { return true }
	r, err := NewRunner("mock", nil, &attackMock{sleep: 10 * time.Millisecond}, stop, cfg)
	require.NoError(t, err)

	begin := time.Now()
	report := r.Run(context.Background())

	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.True(t, report.Stopped)
	assert.True(t, report.Failed)
	assert.True(t, r.Failed())
}

func TestErrorPercentCheck(t *testing.T) {
	r, err := NewRunner("mock", nil, &attackMock{}, nil, RunnerConfig{VUs: 1, DurationSec: 1})
	require.NoError(t, err)
	failed, err := r.Sinks.Rate(HTTPReqFailed)
	require.NoError(t, err)
	assert.False(t, ErrorPercentCheck(r, 0.5))
	failed.Add(true)
	failed.Add(false)
	failed.Add(true)
	assert.True(t, ErrorPercentCheck(r, 0.5))
	assert.False(t, ErrorPercentCheck(r, 0.7))
}

func TestShutdownIsIdempotent(t *testing.T) {
	r, err := NewRunner("mock", nil, &attackMock{sleep: 10 * time.Millisecond}, nil, RunnerConfig{VUs: 2, DurationSec: 30})
	require.NoError(t, err)
	done := make(chan *RunReport)
	go func() { done <- r.Run(context.Background()) }()
	time.Sleep(200 * time.Millisecond)
	r.Shutdown()
	r.Shutdown()
	select {
	case rep := <-done:
		assert.False(t, rep.Stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after shutdown")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := NewRunner("mock", nil, &attackMock{}, nil, RunnerConfig{})
	assert.Error(t, err)
}

func TestRunWithoutVUsFails(t *testing.T) {
	for _, cfg := range []RunnerConfig{
		{VUs: 2, DurationSec: 1},
		{Executor: ConstantArrivalRateExecutor, Rate: 10, MaxVUs: 2, DurationSec: 1},
	} {
		r, err := NewRunner("mock", nil, &attackMock{setupErr: errors.New("no connection")}, nil, cfg)
		require.NoError(t, err)
		begin := time.Now()
		report := r.Run(context.Background())
		assert.Less(t, time.Since(begin), 500*time.Millisecond, cfg.executor())
		assert.Equal(t, 0.0, counterValue(t, r, Iterations))
		assert.True(t, report.Failed, cfg.executor())
		assert.True(t, r.Failed())
	}
}

func TestSample(t *testing.T) {
	calls := &atomic.Int64{}
	r, err := NewRunner("mock", nil, &attackMock{calls: calls}, nil, RunnerConfig{VUs: 1, DurationSec: 1})
	require.NoError(t, err)
	res, err := r.Sample(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, res, 3)
	assert.Equal(t, int64(3), calls.Load())
}
