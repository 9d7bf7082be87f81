package vuload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

type result struct {
	begin, end time.Time
	elapsed    time.Duration
	doResult   DoResult
}

// DoResult is the return value of a Do call on an Attack.
type DoResult struct {
	// Label identifying the iteration, only used for reporting.
	RequestLabel string
	// Error aborting the iteration, failed checks are not errors.
	Error error
	// Requests number of requests sent during the iteration.
	Requests int
	// Number of bytes transferred when sending requests.
	BytesIn int64
	// Number of bytes transferred when receiving responses.
	BytesOut int64
}

// RunReport is a composition of configuration, measurements and custom output from a loadtest Run.
type RunReport struct {
	RunID         string       `json:"runId"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Configuration RunnerConfig `json:"configuration"`
	// RunError is set when a Run could not be called or executed.
	RunError   string                   `json:"runError,omitempty"`
	Metrics    map[string]MetricSummary `json:"metrics"`
	Checks     []CheckResult            `json:"checks"`
	Thresholds []ThresholdResult        `json:"thresholds"`
	// Stopped is set when a stop_if check ended the run early.
	Stopped bool `json:"stopped"`
	// Failed is set when a threshold or a stop_if check failed, AfterRun may overwrite it.
	Failed bool `json:"failed"`
	// Output is used to publish any custom output in the report.
	Output map[string]interface{} `json:"output"`
}

// NewErrorReport returns a report when a Run could not be called or executed.
func NewErrorReport(err error, config RunnerConfig) RunReport {
	return RunReport{
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
		RunError:      err.Error(),
		Configuration: config,
		Failed:        true, // clearly the Run was not acceptable
		Output:        map[string]interface{}{},
	}
}

// WriteReport writes the JSON report to w, secrets in Metadata are masked.
func WriteReport(w io.Writer, r RunReport) error {
	if len(r.Configuration.Metadata) > 0 {
		masked := make(map[string]string, len(r.Configuration.Metadata))
		for k, v := range r.Configuration.Metadata {
			if strings.HasSuffix(k, "*") {
				v = "***---***---***"
			}
			masked[k] = v
		}
		r.Configuration.Metadata = masked
	}
	data, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// PrintReport writes the JSON report to a file or stdout, depending on the configuration.
func PrintReport(r RunReport) error {
	if len(r.Configuration.OutputFilename) == 0 {
		return WriteReport(os.Stdout, r)
	}
	file, err := os.Create(r.Configuration.OutputFilename)
	if err != nil {
		return fmt.Errorf("unable to create output file: %w", err)
	}
	defer file.Close()
	if err := WriteReport(file, r); err != nil {
		return err
	}
	// if verbose and filename is given
	if r.Configuration.Verbose {
		return WriteReport(os.Stdout, r)
	}
	return nil
}

// LogSummary prints the end of test summary, one line per metric, check and threshold
func LogSummary(l *Logger, r *RunReport) {
	l.Infof("run %s finished in %s", r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, name := range sortedKeys(r.Metrics) {
		m := r.Metrics[name]
		switch m.Kind {
		case TrendKind.String():
			l.Infof("%-24s avg=%.2f min=%.2f med=%.2f max=%.2f p(90)=%.2f p(95)=%.2f count=%d",
				name, m.Avg, m.Min, m.Med, m.Max, m.P90, m.P95, m.Count)
		case RateKind.String():
			l.Infof("%-24s %.2f%% (%d/%d)", name, m.Rate*100, m.Passes, m.Count)
		default:
			l.Infof("%-24s %.0f %.2f/s", name, m.Value, m.Rate)
		}
	}
	for _, c := range r.Checks {
		l.Infof("check %q: %d passed, %d failed", c.Name, c.Passes, c.Fails)
	}
	for _, t := range r.Thresholds {
		status := "ok"
		if !t.Passed {
			status = "FAILED"
		}
		l.Infof("threshold %s %s: actual %.4f %s %s", t.Metric, t.Expression, t.Actual, status, t.Reason)
	}
}

func sortedKeys(m map[string]MetricSummary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
