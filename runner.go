package vuload

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
)

// BeforeRunner can be implemented by an Attacker
// and its method is called before a test or Run.
type BeforeRunner interface {
	BeforeRun(c RunnerConfig) error
}

// AfterRunner can be implemented by an Attacker
// and its method is called after a test or Run.
// The report is passed to compute the Failed field and/or store values in Output.
type AfterRunner interface {
	AfterRun(r *RunReport) error
}

type RuntimeCheckFunc func(r *Runner) bool

// Default runner runtime check types
const (
	prometheusCheckType = "prometheus"
	errorRatioCheckType = "error"
)

type Runner struct {
	name      string
	RunID     string
	Manager   *LoadManager
	Config    RunnerConfig
	Sinks     *Registry
	prototype Attack

	attackersMu sync.Mutex
	attackers   []Attack

	mu      sync.Mutex
	cancel  context.CancelFunc
	failed  atomic.Bool
	stopped atomic.Bool
	results chan result

	thresholds []Threshold

	// Checks whether to stop generator
	checkFunc RuntimeCheckFunc
	CheckData []Checks

	// Other clients for checks
	PromClient v1.API

	requestLog *RequestLog

	iterations        *Counter
	interrupted       *Counter
	dropped           *Counter
	iterationDuration *Trend

	L *Logger
}

func NewRunner(name string, lm *LoadManager, a Attack, ch RuntimeCheckFunc, c RunnerConfig) (*Runner, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("runner %s: invalid configuration: %w", name, err)
	}
	thresholds, err := ParseThresholds(c.Thresholds)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		name:       name,
		RunID:      uuid.New().String(),
		Manager:    lm,
		Config:     c,
		Sinks:      NewRegistry(),
		prototype:  a,
		thresholds: thresholds,
		checkFunc:  ch,
		CheckData:  c.StopIf,
		L:          &Logger{log.With("runner", name)},
	}
	genCfg := r.GeneratorConfig()
	if genCfg.Prometheus != nil && genCfg.Prometheus.URL != "" {
		promC, err := api.NewClient(api.Config{
			Address: genCfg.Prometheus.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to setup prometheus client: %w", err)
		}
		r.PromClient = v1.NewAPI(promC)
	}
	if lm != nil && lm.PromRegistry != nil {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"handle": name}, lm.PromRegistry)
		if err := r.Sinks.EnablePrometheus(reg, genCfg.Prometheus.Namespace); err != nil {
			return nil, fmt.Errorf("failed to register prometheus metrics: %w", err)
		}
	}
	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	r.L.Infof("bootstraping generator")
	r.L.Infof("[%d] available logical CPUs", runtime.NumCPU())
	return r, nil
}

func (r *Runner) registerBuiltins() (err error) {
	if _, err = r.Sinks.Counter(HTTPReqs); err != nil {
		return err
	}
	if _, err = r.Sinks.Trend(HTTPReqDuration); err != nil {
		return err
	}
	if _, err = r.Sinks.Rate(HTTPReqFailed); err != nil {
		return err
	}
	if r.iterations, err = r.Sinks.Counter(Iterations); err != nil {
		return err
	}
	if r.interrupted, err = r.Sinks.Counter(InterruptedIterations); err != nil {
		return err
	}
	if r.iterationDuration, err = r.Sinks.Trend(IterationDuration); err != nil {
		return err
	}
	if r.Config.executor() == ConstantArrivalRateExecutor {
		if r.dropped, err = r.Sinks.Counter(DroppedIterations); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) Name() string {
	return r.name
}

// GeneratorConfig returns the generator config of the manager or the defaults without one
func (r *Runner) GeneratorConfig() *GeneratorConfig {
	if r.Manager != nil && r.Manager.GeneratorConfig != nil {
		return r.Manager.GeneratorConfig
	}
	return DefaultGeneratorConfig()
}

// Target is the base url under test
func (r *Runner) Target() string {
	return r.GeneratorConfig().Generator.Target
}

func (r *Runner) verbose() bool {
	return r.Config.Verbose || r.GeneratorConfig().Generator.Verbose
}

func (r *Runner) spawnAttacker(vu int) (Attack, error) {
	if r.verbose() {
		r.L.Infof("setup and spawn new attacker [%d]", vu)
	}
	attacker := r.prototype.Clone(r)
	if err := attacker.Setup(r.Config); err != nil {
		return nil, fmt.Errorf("attacker [%d] setup failed: %w", vu, err)
	}
	r.attackersMu.Lock()
	r.attackers = append(r.attackers, attacker)
	r.attackersMu.Unlock()
	return attacker, nil
}

// addResult is called from a dedicated goroutine.
func (r *Runner) addResult(s result) {
	if errors.Is(s.doResult.Error, errIterationInterrupted) {
		r.interrupted.Add(1)
		return
	}
	r.iterations.Add(1)
	r.iterationDuration.Add(millis(s.elapsed))
	if s.doResult.Error != nil && r.verbose() {
		r.L.Infof("iteration [%s] failed after [%v]: %s", s.doResult.RequestLabel, s.elapsed, s.doResult.Error)
	}
}

func (r *Runner) collectResults() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range r.results {
			r.addResult(res)
		}
	}()
	return done
}

// Sample uses the Attack to perform {count} iterations and logs each result,
// it is intended for development of an Attack implementation.
func (r *Runner) Sample(ctx context.Context, count int) ([]DoResult, error) {
	sampler := r.prototype.Clone(r)
	if err := sampler.Setup(r.Config); err != nil {
		return nil, fmt.Errorf("sample attack setup failed: %w", err)
	}
	defer sampler.Teardown()
	var res []DoResult
	for s := 0; s < count; s++ {
		it := iterate(WithVU(ctx, 1), sampler, r.Config.timeout())
		r.L.Infof("sample iteration [%s] took [%v] with [%d] requests and error [%v]",
			it.doResult.RequestLabel, it.elapsed, it.doResult.Requests, it.doResult.Error)
		res = append(res, it.doResult)
	}
	return res, nil
}

// Run offers the complete flow of a test.
func (r *Runner) Run(ctx context.Context) *RunReport {
	r.failed.Store(false)
	r.stopped.Store(false)
	ctx, cancel := context.WithCancel(WithRunId(ctx, r.RunID))
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if lifecycler, ok := r.prototype.(BeforeRunner); ok {
		if err := lifecycler.BeforeRun(r.Config); err != nil {
			r.L.Errorf("BeforeRun failed: %s", err)
			rep := NewErrorReport(fmt.Errorf("BeforeRun failed: %w", err), r.Config)
			rep.RunID = r.RunID
			return &rep
		}
	}
	if r.Config.CSVLog != "" {
		rl, err := NewRequestLog(r.Config.CSVLog)
		if err != nil {
			rep := NewErrorReport(err, r.Config)
			rep.RunID = r.RunID
			return &rep
		}
		r.requestLog = rl
		defer func() {
			if err := rl.Close(); err != nil {
				r.L.Errorf("failed to close csv log: %s", err)
			}
		}()
	}
	if r.Config.WaitBeforeSec != 0 {
		r.L.Infof("awaiting runner start, sleeping for %d sec", r.Config.WaitBeforeSec)
		_ = Sleep(ctx, time.Duration(r.Config.WaitBeforeSec)*time.Second)
	}

	r.results = make(chan result)
	collected := r.collectResults()
	r.checkStopIf(ctx)

	startedAt := time.Now()
	r.L.FromCtx(ctx).Infof("starting %s executor for [%d] seconds", r.Config.executor(), r.Config.DurationSec)
	switch r.Config.executor() {
	case ConstantArrivalRateExecutor:
		r.constantArrivalRate(ctx)
	default:
		r.constantVUs(ctx)
	}
	close(r.results)
	<-collected
	finishedAt := time.Now()

	r.Shutdown()
	r.tearDownAttackers()
	report := r.report(startedAt, finishedAt)
	if lifecycler, ok := r.prototype.(AfterRunner); ok {
		if err := lifecycler.AfterRun(report); err != nil {
			r.L.Errorf("AfterRun failed: %s", err)
		}
	}
	return report
}

func (r *Runner) report(startedAt, finishedAt time.Time) *RunReport {
	elapsed := finishedAt.Sub(startedAt)
	thresholds, passed := EvaluateThresholds(r.thresholds, r.Sinks, elapsed)
	return &RunReport{
		RunID:         r.RunID,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Configuration: r.Config,
		Metrics:       r.Sinks.Summaries(elapsed),
		Checks:        r.Sinks.Checks(),
		Thresholds:    thresholds,
		Stopped:       r.stopped.Load(),
		Failed:        !passed || r.failed.Load(),
		Output:        map[string]interface{}{},
	}
}

func (r *Runner) tearDownAttackers() {
	r.attackersMu.Lock()
	defer r.attackersMu.Unlock()
	if r.verbose() {
		r.L.Infof("tearing down attackers [%d]", len(r.attackers))
	}
	for i, each := range r.attackers {
		if err := each.Teardown(); err != nil {
			r.L.Infof("failed to teardown attacker [%d]:%v", i, err)
		}
	}
	r.attackers = nil
}

// Shutdown stops the running executor, in-flight iterations are interrupted
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.L.Infof("test ended, shutting down runner")
		r.cancel()
		r.cancel = nil
	}
}

// Failed reports whether a runtime check stopped the run or no virtual user started
func (r *Runner) Failed() bool {
	return r.failed.Load()
}

type runtimeCheck struct {
	name     string
	interval time.Duration
	fn       RuntimeCheckFunc
}

// runtimeChecks selects a custom check or the default prometheus or error ratio checks
func (r *Runner) runtimeChecks() []runtimeCheck {
	if r.checkFunc != nil {
		interval := time.Second
		if len(r.CheckData) > 0 && r.CheckData[0].Interval > 0 {
			interval = time.Duration(r.CheckData[0].Interval) * time.Second
		}
		r.L.Info("custom check selected")
		return []runtimeCheck{{name: "custom", interval: interval, fn: r.checkFunc}}
	}
	var checks []runtimeCheck
	for _, data := range r.CheckData {
		data := data
		interval := time.Duration(data.Interval) * time.Second
		switch data.Type {
		case prometheusCheckType:
			if r.PromClient == nil {
				r.L.Infof("prometheus check configured without prometheus.url, skipping")
				continue
			}
			r.L.Infof("default prometheus check selected, query: %s", data.Query)
			checks = append(checks, runtimeCheck{name: data.Type, interval: interval, fn: func(r *Runner) bool {
				tripped, err := PromBooleanQuery(context.Background(), r.PromClient, data.Query)
				if err != nil {
					r.L.Errorf("prometheus check failed: %s", err)
					return false
				}
				return tripped
			}})
		case errorRatioCheckType:
			r.L.Infof("default error check selected, threshold: %.2f perc errors", data.Threshold)
			checks = append(checks, runtimeCheck{name: data.Type, interval: interval, fn: func(r *Runner) bool {
				return ErrorPercentCheck(r, data.Threshold)
			}})
		default:
			r.L.Infof("unknown check type selected, skipping runner runtime check")
		}
	}
	return checks
}

// checkStopIf executing check functions, shutdown if any returns true
func (r *Runner) checkStopIf(ctx context.Context) {
	for _, c := range r.runtimeChecks() {
		go func(c runtimeCheck) {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if c.fn(r) {
						r.L.Infof("runtime check [%s] failed, stopping", c.name)
						r.failed.Store(true)
						r.stopped.Store(true)
						if r.Manager != nil {
							r.Manager.markFailed()
						}
						r.Shutdown()
						return
					}
				}
			}
		}(c)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
