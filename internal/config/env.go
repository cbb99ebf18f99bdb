package config

import (
	"fmt"
	"strings"
	"time"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "VMDEBUG_"

// envSetters maps environment variables to the fields they override.
var envSetters = map[string]func(c *Config, v string) error{
	EnvPrefix + "SUSPEND_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.SuspendTimeout }),
	EnvPrefix + "REQUEST_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.RequestTimeout }),
	EnvPrefix + "INVOKE_TIMEOUT":  durationSetter(func(c *Config) *Duration { return &c.InvokeTimeout }),
	EnvPrefix + "STEP_FILTERS":    boolSetter(func(c *Config) *bool { return &c.StepFilters.Enabled }),
	EnvPrefix + "STEP_EXCLUSIONS": func(c *Config, v string) error {
		c.StepFilters.Exclusions = splitList(v)
		return nil
	},
	EnvPrefix + "CONDITION_ENGINE": func(c *Config, v string) error {
		c.Conditions.Engine = strings.ToLower(v)
		return nil
	},
	EnvPrefix + "LOG_LEVEL": func(c *Config, v string) error {
		c.Log.Level = v
		return nil
	},
	EnvPrefix + "LOG_FORMAT": func(c *Config, v string) error {
		c.Log.Format = strings.ToLower(v)
		return nil
	},
	EnvPrefix + "METRICS": boolSetter(func(c *Config) *bool { return &c.Metrics.Enabled }),
	EnvPrefix + "METRICS_NAMESPACE": func(c *Config, v string) error {
		c.Metrics.Namespace = v
		return nil
	},
}

// ApplyEnv overrides cfg from the environment as seen through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for name, set := range envSetters {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func durationSetter(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
