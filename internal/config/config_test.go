package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/vmdebug/internal/condition"
	"github.com/dshills/vmdebug/internal/debug"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmdebug.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, debug.DefaultSuspendTimeout, cfg.SuspendTimeout.Std())
	assert.True(t, cfg.StepFilters.Enabled)
	assert.Equal(t, condition.EngineExpr, cfg.Conditions.Engine)
	assert.Zero(t, cfg.InvokeTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
suspend_timeout = "2s"
invoke_timeout = "30s"

[step_filters]
enabled = true
constructors = true
exclusions = ["org.junit.*"]

[conditions]
engine = "lua"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.SuspendTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.InvokeTimeout.Std())
	assert.True(t, cfg.StepFilters.Constructors)
	assert.Equal(t, []string{"org.junit.*"}, cfg.StepFilters.Exclusions)
	assert.Equal(t, condition.EngineLua, cfg.Conditions.Engine)
	assert.Equal(t, "json", cfg.Log.Format)

	// Keys absent from the file keep their defaults.
	assert.True(t, cfg.StepFilters.Synthetic)
	assert.Equal(t, Default().RequestTimeout, cfg.RequestTimeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "suspend_timout = \"2s\"\n")
	_, err := Load(path)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "suspend_timeout = \"soon\"\n")
	_, err := Load(path)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		key    string
	}{
		{"zero suspend timeout", func(c *Config) { c.SuspendTimeout = 0 }, "suspend_timeout"},
		{"negative request timeout", func(c *Config) { c.RequestTimeout = -1 }, "request_timeout"},
		{"negative invoke timeout", func(c *Config) { c.InvokeTimeout = Duration(-time.Second) }, "invoke_timeout"},
		{"bad exclusion", func(c *Config) { c.StepFilters.Exclusions = []string{"a[b"} }, "step_filters.exclusions"},
		{"unknown engine", func(c *Config) { c.Conditions.Engine = "js" }, "conditions.engine"},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			var verr *ValidationError
			require.ErrorAs(t, cfg.Validate(), &verr)
			assert.Equal(t, tt.key, verr.Key)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VMDEBUG_SUSPEND_TIMEOUT":  "750ms",
		"VMDEBUG_STEP_FILTERS":     "off",
		"VMDEBUG_STEP_EXCLUSIONS":  "com.acme.*, ,org.**",
		"VMDEBUG_CONDITION_ENGINE": "LUA",
		"VMDEBUG_METRICS":          "yes",
	}
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, 750*time.Millisecond, cfg.SuspendTimeout.Std())
	assert.False(t, cfg.StepFilters.Enabled)
	assert.Equal(t, []string{"com.acme.*", "org.**"}, cfg.StepFilters.Exclusions)
	assert.Equal(t, condition.EngineLua, cfg.Conditions.Engine)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, func(k string) (string, bool) {
		if k == "VMDEBUG_METRICS" {
			return "maybe", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VMDEBUG_METRICS")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "invoke_timeout = \"30s\"\n")
	t.Setenv("VMDEBUG_INVOKE_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.InvokeTimeout.Std())
}

func TestCollector(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.Collector(prometheus.NewRegistry()))

	cfg.Metrics.Enabled = true
	assert.NotNil(t, cfg.Collector(prometheus.NewRegistry()))
}

func TestConditionEngine(t *testing.T) {
	cfg := Default()
	engine, err := cfg.ConditionEngine()
	require.NoError(t, err)
	assert.IsType(t, &condition.ExprEngine{}, engine)
}
