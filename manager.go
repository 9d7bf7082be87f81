package vuload

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

const (
	ReportFileTmpl = "%s-%d.json"
	ParallelMode   = "parallel"
	SequenceMode   = "sequence"
)

// LoadManager runs the steps of a suite and keeps the reports of every handle
type LoadManager struct {
	// SuiteConfig holds data common for all groups
	SuiteConfig *SuiteConfig
	// GeneratorConfig holds generator data
	GeneratorConfig *GeneratorConfig
	// Steps runner objects that fires .Do()
	Steps []RunStep
	// Reports run reports for every handle
	reportsMu sync.Mutex
	Reports   map[string]*RunReport
	ReportDir string
	// HostMetrics generator host gauges, flushed to graphite
	HostMetrics metrics.Registry
	// PromRegistry receives every runner metric when the exporter is enabled
	PromRegistry *prometheus.Registry
	exporter     *PromExporter
	// When a report failed for any handle
	failed atomic.Bool
}

type RunStep struct {
	Name          string
	ExecutionMode string
	Runners       []*Runner
}

// NewLoadManager create manager for the suite
func NewLoadManager(suiteCfg *SuiteConfig, genCfg *GeneratorConfig) *LoadManager {
	if genCfg == nil {
		genCfg = DefaultGeneratorConfig()
	}
	lm := &LoadManager{
		SuiteConfig:     suiteCfg,
		GeneratorConfig: genCfg,
		Steps:           make([]RunStep, 0),
		Reports:         make(map[string]*RunReport),
		ReportDir:       genCfg.ReportDir,
		HostMetrics:     metrics.NewRegistry(),
	}
	if genCfg.Prometheus != nil && genCfg.Prometheus.Listen != "" {
		lm.exporter = NewPromExporter(genCfg.Prometheus.Listen)
		lm.PromRegistry = lm.exporter.Registry
	}
	return lm
}

// Failed is true when any handle report failed
func (m *LoadManager) Failed() bool {
	return m.failed.Load()
}

func (m *LoadManager) markFailed() {
	m.failed.Store(true)
}

// HandleShutdownSignal stops all runners on SIGINT or SIGTERM, the suite then finishes normally.
// The returned func releases the signal handler.
func (m *LoadManager) HandleShutdownSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	released := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			log.Info("exit signal received, stopping runners")
			m.Shutdown()
		case <-released:
		}
	}()
	var once sync.Once
	return sigCtx, func() {
		once.Do(func() {
			close(released)
			stop()
		})
	}
}

func (m *LoadManager) Shutdown() {
	for _, s := range m.Steps {
		for _, r := range s.Runners {
			r.Shutdown()
		}
	}
}

func (m *LoadManager) addReport(name string, r *RunReport) {
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	m.Reports[name] = r
	if r.Failed {
		m.markFailed()
	}
}

func (m *LoadManager) startMonitoring(ctx context.Context) {
	cfg := m.GeneratorConfig
	if m.exporter != nil {
		m.exporter.Start()
	}
	if cfg.Host.CollectMetrics {
		log.Infof("starting host metrics monitor")
		NewHostMetrics(m.HostMetrics, cfg.Host.NetworkIface).
			Watch(ctx, time.Duration(cfg.Host.IntervalSec)*time.Second)
		if cfg.Graphite.URL != "" {
			prefix := fmt.Sprintf("%s.%s", cfg.Graphite.LoadGeneratorPrefix, cfg.Host.Name)
			if err := StartGraphiteSender(m.HostMetrics, prefix, m.flushInterval(), cfg.Graphite.URL); err != nil {
				log.Errorf("%s", err)
			}
		}
	}
}

func (m *LoadManager) flushInterval() time.Duration {
	return time.Duration(m.GeneratorConfig.Graphite.FlushIntervalSec) * time.Second
}

func (m *LoadManager) runOne(ctx context.Context, r *Runner) {
	cfg := m.GeneratorConfig
	prefix := fmt.Sprintf("%s.%s", cfg.Graphite.LoadGeneratorPrefix, r.Name())
	if cfg.Graphite.URL != "" {
		if err := StartGraphiteSender(r.Sinks.GoMetrics(), prefix, m.flushInterval(), cfg.Graphite.URL); err != nil {
			log.Errorf("%s", err)
		}
	}
	report := r.Run(ctx)
	LogSummary(r.L, report)
	if cfg.Graphite.URL != "" {
		if err := FlushGraphite(r.Sinks.GoMetrics(), prefix, cfg.Graphite.URL); err != nil {
			log.Errorf("%s", err)
		}
	}
	if err := PrintReport(*report); err != nil {
		log.Errorf("failed to print report of %s: %s", r.Name(), err)
	}
	m.addReport(r.Name(), report)
}

// RunSuite starts suite and wait for all generator to shutdown
func (m *LoadManager) RunSuite(ctx context.Context) error {
	ctx, release := m.HandleShutdownSignal(ctx)
	defer release()
	monitorCtx, stopMonitoring := context.WithCancel(ctx)
	defer stopMonitoring()
	m.startMonitoring(monitorCtx)

	startedAt := time.Now()
	for _, step := range m.Steps {
		if ctx.Err() != nil {
			break
		}
		log.Infof("running step: %s, execution mode: %s", step.Name, step.ExecutionMode)
		switch step.ExecutionMode {
		case ParallelMode:
			var g errgroup.Group
			for _, r := range step.Runners {
				r := r
				g.Go(func() error {
					m.runOne(ctx, r)
					return nil
				})
			}
			_ = g.Wait()
		case SequenceMode:
			for _, r := range step.Runners {
				m.runOne(ctx, r)
			}
		default:
			return fmt.Errorf("step %s: please set execution_mode, %s or %s", step.Name, ParallelMode, SequenceMode)
		}
	}
	tz := m.GeneratorConfig.Timezone
	log.Infof("test interval: %s - %s", timeHumanReadable(startedAt, tz), timeHumanReadable(time.Now(), tz))
	if m.exporter != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.exporter.Shutdown(shutdownCtx); err != nil {
			log.Errorf("[prometheus] shutdown failed: %s", err)
		}
	}
	return m.StoreHandleReports()
}

// StoreHandleReports stores report for every handle in suite
func (m *LoadManager) StoreHandleReports() error {
	if m.ReportDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.ReportDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	m.reportsMu.Lock()
	defer m.reportsMu.Unlock()
	ts := time.Now().Unix()
	for handleName, r := range m.Reports {
		repPath := filepath.Join(m.ReportDir, fmt.Sprintf(ReportFileTmpl, handleName, ts))
		log.Infof("writing report for handle [%s] in %s", handleName, repPath)
		if err := writeReportFile(repPath, *r); err != nil {
			return err
		}
	}
	return nil
}

func writeReportFile(path string, r RunReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	defer f.Close()
	return WriteReport(f, r)
}
