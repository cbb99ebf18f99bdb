package config

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/vmdebug/internal/condition"
	"github.com/dshills/vmdebug/internal/debug"
	"github.com/dshills/vmdebug/internal/debug/remote"
	"github.com/dshills/vmdebug/internal/logging"
	"github.com/dshills/vmdebug/internal/metrics"
)

// Config is the complete debugger configuration.
type Config struct {
	SuspendTimeout Duration `toml:"suspend_timeout"`
	RequestTimeout Duration `toml:"request_timeout"`
	// InvokeTimeout bounds method invocations. Zero waits indefinitely.
	InvokeTimeout Duration `toml:"invoke_timeout"`

	StepFilters StepFilters `toml:"step_filters"`
	Conditions  Conditions  `toml:"conditions"`
	Log         Log         `toml:"log"`
	Metrics     Metrics     `toml:"metrics"`
}

// StepFilters configures which locations stepping passes through.
type StepFilters struct {
	Enabled            bool     `toml:"enabled"`
	Synthetic          bool     `toml:"synthetic"`
	StaticInitializers bool     `toml:"static_initializers"`
	Constructors       bool     `toml:"constructors"`
	Exclusions         []string `toml:"exclusions"`
}

// Conditions selects the breakpoint condition language.
type Conditions struct {
	Engine string `toml:"engine"`
}

// Log configures logging.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metrics configures the Prometheus collectors.
type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SuspendTimeout: Duration(debug.DefaultSuspendTimeout),
		RequestTimeout: Duration(remote.DefaultRequestTimeout),
		StepFilters: StepFilters{
			Enabled:            true,
			Synthetic:          true,
			StaticInitializers: false,
			Constructors:       false,
			Exclusions:         []string{"java.lang.ClassLoader", "sun.**", "jdk.internal.**"},
		},
		Conditions: Conditions{Engine: condition.EngineExpr},
		Log: Log{
			Level:  logging.LevelInfo.String(),
			Format: string(logging.FormatText),
		},
		Metrics: Metrics{Namespace: metrics.DefaultNamespace},
	}
}

// Validate checks values that cannot be applied as given.
func (c Config) Validate() error {
	if c.SuspendTimeout <= 0 {
		return &ValidationError{Key: "suspend_timeout", Message: "must be positive"}
	}
	if c.RequestTimeout < 0 {
		return &ValidationError{Key: "request_timeout", Message: "must not be negative"}
	}
	if c.InvokeTimeout < 0 {
		return &ValidationError{Key: "invoke_timeout", Message: "must not be negative"}
	}
	if err := c.DebugStepFilters().Validate(); err != nil {
		return &ValidationError{Key: "step_filters.exclusions", Message: err.Error()}
	}
	switch c.Conditions.Engine {
	case "", condition.EngineExpr, condition.EngineLua:
	default:
		return &ValidationError{Key: "conditions.engine", Message: fmt.Sprintf("unknown engine %q", c.Conditions.Engine)}
	}
	switch logging.Format(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return &ValidationError{Key: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// DebugStepFilters converts the step filter section.
func (c Config) DebugStepFilters() debug.StepFilters {
	return debug.StepFilters{
		Enabled:            c.StepFilters.Enabled,
		Synthetic:          c.StepFilters.Synthetic,
		StaticInitializers: c.StepFilters.StaticInitializers,
		Constructors:       c.StepFilters.Constructors,
		Exclusions:         append([]string(nil), c.StepFilters.Exclusions...),
	}
}

// Logger builds a logger from the log section.
func (c Config) Logger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	if logging.Format(c.Log.Format) == logging.FormatJSON {
		cfg.Format = logging.FormatJSON
	}
	return logging.New(cfg)
}

// Collector registers the metrics on reg, or returns nil when metrics are
// disabled.
func (c Config) Collector(reg prometheus.Registerer) *metrics.Collector {
	if !c.Metrics.Enabled {
		return nil
	}
	return metrics.New(reg, c.Metrics.Namespace)
}

// ConditionEngine creates the configured condition engine.
func (c Config) ConditionEngine() (condition.Engine, error) {
	return condition.NewEngine(c.Conditions.Engine)
}

// TargetOptions returns the target options the configuration implies.
func (c Config) TargetOptions(log *logging.Logger, m *metrics.Collector) []debug.Option {
	return []debug.Option{
		debug.WithLogger(log),
		debug.WithMetrics(m),
		debug.WithSuspendTimeout(c.SuspendTimeout.Std()),
		debug.WithInvokeTimeout(c.InvokeTimeout.Std()),
		debug.WithStepFilters(c.DebugStepFilters()),
	}
}
