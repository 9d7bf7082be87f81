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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

const suiteYAML = `
steps:
  - name: users
    execution_mode: parallel
    handles:
      - name: users
        vus: 10
        duration_sec: 30
        think_time_ms: 1000
        thresholds:
          http_req_duration: ["p(95)<1000"]
          error_rate: ["rate<0.01"]
        stop_if:
          - type: error
            threshold: 0.5
            interval: 5
        metadata:
          token*: secret
      - name: burst
        executor: constant-arrival-rate
        rate: 50
        max_vus: 20
        duration_sec: 10
`

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestLoadSuiteConfig(t *testing.T) {
	c, err := LoadSuiteConfig(writeFile(t, "suite.yaml", suiteYAML))
	require.NoError(t, err)
	require.Len(t, c.Steps, 1)
	step := c.Steps[0]
	if got, want := step.ExecutionMode, ParallelMode; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	require.Len(t, step.Handles, 2)

	users := step.Handles[0]
	if got, want := users.VUs, 10; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	if got, want := users.Duration(), 30*time.Second; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	if got, want := users.ThinkTime(), time.Second; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	if got, want := users.executor(), ConstantVUsExecutor; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	if got, want := users.timeout(), defaultIterationTimeoutSec*time.Second; got != want {
		t.Errorf("got %v want %v", got, want)
	}
	assert.Equal(t, []string{"p(95)<1000"}, users.Thresholds["http_req_duration"])
	assert.Equal(t, []Checks{{Type: errorRatioCheckType, Threshold: 0.5, Interval: 5}}, users.StopIf)
	assert.Equal(t, "secret", users.Metadata["token*"])

	burst := step.Handles[1]
	assert.Equal(t, ConstantArrivalRateExecutor, burst.executor())
	assert.Equal(t, 20, burst.maxVUs())
	assert.Equal(t, 50, burst.Rate)
}

func TestSuiteConfigValidationCollectsErrors(t *testing.T) {
	c := &SuiteConfig{Steps: []Step{{
		Name:          "broken",
		ExecutionMode: "sideways",
		Handles: []RunnerConfig{{
			HandleName: "users",
			Thresholds: map[string][]string{"error_rate": {"rate"}},
			StopIf:     []Checks{{Type: "magic", Interval: 1}},
		}},
	}}}
	err := c.Validate()
	require.Error(t, err)
	for _, part := range []string{"execution_mode", "vus", "duration_sec", "malformed threshold", "magic"} {
		assert.Contains(t, err.Error(), part)
	}
}

func TestDuplicateHandleNamesAreInvalid(t *testing.T) {
	handle := RunnerConfig{HandleName: "users", VUs: 1, DurationSec: 1}
	c := &SuiteConfig{Steps: []Step{
		{Name: "first", ExecutionMode: SequenceMode, Handles: []RunnerConfig{handle}},
		{Name: "second", ExecutionMode: ParallelMode, Handles: []RunnerConfig{handle, handle}},
	}}
	err := c.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "duplicate handle name users, already used in step first")

	c.Steps[1].Handles[0].HandleName = "users_arrival"
	c.Steps[1].Handles[1].HandleName = "users_burst"
	assert.NoError(t, c.Validate())
}

func TestEmptySuiteIsInvalid(t *testing.T) {
	assert.Error(t, (&SuiteConfig{}).Validate())
}

func TestArrivalRateValidation(t *testing.T) {
	c := RunnerConfig{Executor: ConstantArrivalRateExecutor, DurationSec: 1}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate")
	assert.Contains(t, err.Error(), "max_vus")
}

func TestApplyOverrides(t *testing.T) {
	c, err := LoadSuiteConfig(writeFile(t, "suite.yaml", suiteYAML))
	require.NoError(t, err)
	c.ApplyOverrides(Overrides{VUs: 3, OutputFilename: "here.json"})
	for _, h := range c.Steps[0].Handles {
		if got, want := h.VUs, 3; got != want {
			t.Errorf("got %v want %v", got, want)
		}
		if got, want := h.OutputFilename, "here.json"; got != want {
			t.Errorf("got %v want %v", got, want)
		}
	}
	if got, want := c.Steps[0].Handles[0].DurationSec, 30; got != want {
		t.Errorf("zero override changed duration: got %v want %v", got, want)
	}
}

func TestLoadGeneratorConfig(t *testing.T) {
	path := writeFile(t, "generator.yaml", `
generator:
  target: http://api:5000
  http_timeout_sec: 5
prometheus:
  listen: ":9464"
  namespace: vuload
logging:
  level: debug
  encoding: json
`)
	c, err := LoadGeneratorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://api:5000", c.Generator.Target)
	assert.Equal(t, 5, c.Generator.HTTPTimeoutSec)
	require.NotNil(t, c.Prometheus)
	assert.Equal(t, ":9464", c.Prometheus.Listen)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, defaultGraphiteFlushSec, c.Graphite.FlushIntervalSec)
	assert.Equal(t, defaultReportDir, c.ReportDir)
}

func TestDefaultGeneratorConfig(t *testing.T) {
	c := DefaultGeneratorConfig()
	assert.Equal(t, DefaultTarget, c.Generator.Target)
	assert.Equal(t, defaultHTTPTimeoutSec, c.Generator.HTTPTimeoutSec)
	assert.NoError(t, c.Validate())
}

func TestLoadGeneratorConfigMissingFile(t *testing.T) {
	_, err := LoadGeneratorConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
