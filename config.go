package vuload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	ConstantVUsExecutor         = "constant-vus"
	ConstantArrivalRateExecutor = "constant-arrival-rate"

	DefaultTarget              = "http://localhost:5000"
	defaultHTTPTimeoutSec      = 60
	defaultIterationTimeoutSec = 60
	defaultGraphiteFlushSec    = 10
	defaultHostIntervalSec     = 5
	defaultReportDir           = "reports"
)

// Prometheus prometheus config
type Prometheus struct {
	// URL prometheus base url, used by stop_if prometheus checks
	URL string `mapstructure:"url" yaml:"url,omitempty"`
	// Listen address of the /metrics exporter, ex.: :9464, empty disables it
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
	// Namespace prometheus namespace of exported metrics
	Namespace string `mapstructure:"namespace" yaml:"namespace,omitempty"`
}

// LoggingConfig logging related config
type LoggingConfig struct {
	// Level level of allowed log messages,ex.: debug | info
	Level string `mapstructure:"level" yaml:"level"`
	// Encoding encoding of logs, ex.: console | json
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	// OutputPaths zap sinks, ex.: stdout, /tmp/logs
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths,omitempty"`
}

type GeneratorConfig struct {
	// Host current vm host configuration
	Host struct {
		// Name used in graphite metrics as prefix
		Name string `mapstructure:"name" yaml:"name"`
		// NetworkIface default network interface to collect metrics from
		NetworkIface string `mapstructure:"network_iface" yaml:"network_iface"`
		// CollectMetrics collect host metrics flag
		CollectMetrics bool `mapstructure:"collect_metrics" yaml:"collect_metrics"`
		// IntervalSec host metrics sampling interval
		IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
	} `mapstructure:"host" yaml:"host"`
	// Generator generator specific config
	Generator struct {
		// Target base url to attack
		Target string `mapstructure:"target" yaml:"target"`
		// HTTPTimeoutSec default http client timeout in seconds
		HTTPTimeoutSec int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
		// DumpTransport dumps request/response in stdout
		DumpTransport bool `mapstructure:"dump_transport" yaml:"dump_transport"`
		// Verbose allows to print debug generator logs
		Verbose bool `mapstructure:"verbose" yaml:"verbose"`
	} `mapstructure:"generator" yaml:"generator"`
	// Graphite related config
	Graphite struct {
		// URL graphite base url, ex.: 0.0.0.0:2003
		URL string `mapstructure:"url" yaml:"url"`
		// FlushIntervalSec flush interval in seconds
		FlushIntervalSec int `mapstructure:"flush_interval_sec" yaml:"flush_interval_sec"`
		// LoadGeneratorPrefix prefix to be used in graphite metrics
		LoadGeneratorPrefix string `mapstructure:"load_generator_prefix" yaml:"load_generator_prefix"`
	} `mapstructure:"graphite" yaml:"graphite"`
	Prometheus *Prometheus `mapstructure:"prometheus" yaml:"prometheus,omitempty"`
	// ReportDir directory for per handle json reports
	ReportDir string `mapstructure:"report_dir" yaml:"report_dir"`
	// Timezone timezone used for human readable test interval, ex.: Europe/Moscow
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
	// Logging logging related config
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

func generatorDefaults(v *viper.Viper) {
	v.SetDefault("generator.target", DefaultTarget)
	v.SetDefault("generator.http_timeout_sec", defaultHTTPTimeoutSec)
	v.SetDefault("graphite.flush_interval_sec", defaultGraphiteFlushSec)
	v.SetDefault("graphite.load_generator_prefix", "vuload")
	v.SetDefault("host.interval_sec", defaultHostIntervalSec)
	v.SetDefault("report_dir", defaultReportDir)
	v.SetDefault("timezone", "UTC")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
}

// DefaultGeneratorConfig returns the generator config used when no file is given
func DefaultGeneratorConfig() *GeneratorConfig {
	v := viper.New()
	generatorDefaults(v)
	var c GeneratorConfig
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return &c
}

// LoadGeneratorConfig reads generator yaml, env vars prefixed with VULOAD_ override file values
func LoadGeneratorConfig(cfgPath string) (*GeneratorConfig, error) {
	v := viper.New()
	generatorDefaults(v)
	v.SetEnvPrefix("vuload")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if cfgPath != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read generator config %s: %w", cfgPath, err)
		}
	}
	var c GeneratorConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generator config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *GeneratorConfig) Validate() (err error) {
	if c.Generator.Target == "" {
		err = multierr.Append(err, errors.New("generator.target must not be empty"))
	}
	if c.Generator.HTTPTimeoutSec <= 0 {
		err = multierr.Append(err, errors.New("generator.http_timeout_sec must be positive"))
	}
	if c.Graphite.URL != "" && c.Graphite.FlushIntervalSec <= 0 {
		err = multierr.Append(err, errors.New("graphite.flush_interval_sec must be positive"))
	}
	if c.Host.CollectMetrics && c.Host.IntervalSec <= 0 {
		err = multierr.Append(err, errors.New("host.interval_sec must be positive"))
	}
	return err
}

// SuiteConfig suite config
type SuiteConfig struct {
	// Steps load test steps
	Steps []Step `mapstructure:"steps" yaml:"steps"`
}

// Step loadtest step config
type Step struct {
	// Name loadtest step name
	Name string `mapstructure:"name" yaml:"name"`
	// ExecutionMode handles execution mode: sequence, parallel
	ExecutionMode string `mapstructure:"execution_mode" yaml:"execution_mode"`
	// Handles handle configs
	Handles []RunnerConfig `mapstructure:"handles" yaml:"handles"`
}

// Checks stop criteria checks
type Checks struct {
	// Type check mode, ex.: error | prometheus
	Type string `mapstructure:"type" yaml:"type"`
	// Query prometheus bool query
	Query string `mapstructure:"query" yaml:"query,omitempty"`
	// Threshold fail threshold, from 0 to 1, float
	Threshold float64 `mapstructure:"threshold" yaml:"threshold,omitempty"`
	// Interval check interval in seconds
	Interval int `mapstructure:"interval" yaml:"interval"`
}

// RunnerConfig runner config
type RunnerConfig struct {
	// WaitBeforeSec debug sleep before starting runner
	WaitBeforeSec int `mapstructure:"wait_before_sec" yaml:"wait_before_sec,omitempty"`
	// HandleName name of a handle, must be known to the attacker factory
	HandleName string `mapstructure:"name" yaml:"name"`
	// Executor how iterations are scheduled: constant-vus | constant-arrival-rate
	Executor string `mapstructure:"executor" yaml:"executor,omitempty"`
	// VUs number of virtual users looping iterations
	VUs int `mapstructure:"vus" yaml:"vus"`
	// DurationSec time of the test in seconds
	DurationSec int `mapstructure:"duration_sec" yaml:"duration_sec"`
	// Rate iterations per second for constant-arrival-rate
	Rate int `mapstructure:"rate" yaml:"rate,omitempty"`
	// MaxVUs virtual users preallocated for constant-arrival-rate, defaults to VUs
	MaxVUs int `mapstructure:"max_vus" yaml:"max_vus,omitempty"`
	// ThinkTimeMs pause at the end of each iteration
	ThinkTimeMs int `mapstructure:"think_time_ms" yaml:"think_time_ms"`
	// IterationTimeoutSec attacker.Do() func timeout
	IterationTimeoutSec int `mapstructure:"iteration_timeout_sec" yaml:"iteration_timeout_sec,omitempty"`
	// Thresholds pass/fail expressions by metric name, ex.: http_req_duration: ["p(95)<1000"]
	Thresholds map[string][]string `mapstructure:"thresholds" yaml:"thresholds,omitempty"`
	// StopIf describes stop test criteria
	StopIf []Checks `mapstructure:"stop_if" yaml:"stop_if,omitempty"`
	// OutputFilename report filename
	OutputFilename string `mapstructure:"output_filename" yaml:"output_filename,omitempty"`
	// CSVLog per request csv log filename
	CSVLog string `mapstructure:"csv_log" yaml:"csv_log,omitempty"`
	// Verbose allows to print generator debug info
	Verbose bool `mapstructure:"verbose" yaml:"verbose,omitempty"`
	// Metadata load run metadata, keys ending with * are masked in reports
	Metadata map[string]string `mapstructure:"metadata" yaml:"metadata,omitempty"`
}

// Validate checks all settings and returns every problem found.
func (c RunnerConfig) Validate() (err error) {
	switch c.executor() {
	case ConstantVUsExecutor:
		if c.VUs <= 0 {
			err = multierr.Append(err, errors.New("please set vus to a positive number"))
		}
	case ConstantArrivalRateExecutor:
		if c.Rate <= 0 {
			err = multierr.Append(err, errors.New("please set rate to a positive number of iterations per second"))
		}
		if c.maxVUs() <= 0 {
			err = multierr.Append(err, errors.New("please set max_vus or vus to a positive number"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown executor %q, use %s or %s", c.Executor, ConstantVUsExecutor, ConstantArrivalRateExecutor))
	}
	if c.DurationSec <= 0 {
		err = multierr.Append(err, errors.New("please set duration_sec to a positive number of seconds"))
	}
	if c.ThinkTimeMs < 0 {
		err = multierr.Append(err, errors.New("think_time_ms must not be negative"))
	}
	if c.IterationTimeoutSec < 0 {
		err = multierr.Append(err, errors.New("iteration_timeout_sec must not be negative"))
	}
	if _, terr := ParseThresholds(c.Thresholds); terr != nil {
		err = multierr.Append(err, terr)
	}
	for _, check := range c.StopIf {
		if check.Type != errorRatioCheckType && check.Type != prometheusCheckType {
			err = multierr.Append(err, fmt.Errorf("unknown stop_if type %q", check.Type))
		}
		if check.Interval <= 0 {
			err = multierr.Append(err, fmt.Errorf("stop_if %s: interval must be positive", check.Type))
		}
	}
	return err
}

func (c RunnerConfig) executor() string {
	if c.Executor == "" {
		return ConstantVUsExecutor
	}
	return c.Executor
}

func (c RunnerConfig) maxVUs() int {
	if c.MaxVUs > 0 {
		return c.MaxVUs
	}
	return c.VUs
}

func (c RunnerConfig) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

func (c RunnerConfig) ThinkTime() time.Duration {
	return time.Duration(c.ThinkTimeMs) * time.Millisecond
}

// timeout is in seconds
func (c RunnerConfig) timeout() time.Duration {
	if c.IterationTimeoutSec == 0 {
		return defaultIterationTimeoutSec * time.Second
	}
	return time.Duration(c.IterationTimeoutSec) * time.Second
}

// LoadSuiteConfig loads yaml loadtest profile config
func LoadSuiteConfig(cfgPath string) (*SuiteConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read suite config %s: %w", cfgPath, err)
	}
	var suiteCfg SuiteConfig
	if err := v.Unmarshal(&suiteCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suite config: %w", err)
	}
	if err := suiteCfg.Validate(); err != nil {
		return nil, err
	}
	return &suiteCfg, nil
}

func (c *SuiteConfig) Validate() (err error) {
	if len(c.Steps) == 0 {
		return errors.New("suite has no steps")
	}
	// reports are keyed by handle name
	seen := make(map[string]string)
	for _, s := range c.Steps {
		if s.ExecutionMode != ParallelMode && s.ExecutionMode != SequenceMode {
			err = multierr.Append(err, fmt.Errorf("step %s: execution_mode must be %s or %s", s.Name, ParallelMode, SequenceMode))
		}
		for _, h := range s.Handles {
			if herr := h.Validate(); herr != nil {
				err = multierr.Append(err, fmt.Errorf("step %s, handle %s: %w", s.Name, h.HandleName, herr))
			}
			if first, ok := seen[h.HandleName]; ok {
				err = multierr.Append(err, fmt.Errorf("step %s: duplicate handle name %s, already used in step %s", s.Name, h.HandleName, first))
				continue
			}
			seen[h.HandleName] = s.Name
		}
	}
	return err
}

// Overrides are values set from the command line, zero values are ignored
type Overrides struct {
	VUs            int
	DurationSec    int
	OutputFilename string
	CSVLog         string
}

// ApplyOverrides overrides every handle of the suite with non zero values
func (c *SuiteConfig) ApplyOverrides(o Overrides) {
	for i := range c.Steps {
		for j := range c.Steps[i].Handles {
			h := &c.Steps[i].Handles[j]
			if o.VUs > 0 {
				h.VUs = o.VUs
			}
			if o.DurationSec > 0 {
				h.DurationSec = o.DurationSec
			}
			if o.OutputFilename != "" {
				h.OutputFilename = o.OutputFilename
			}
			if o.CSVLog != "" {
				h.CSVLog = o.CSVLog
			}
		}
	}
}
