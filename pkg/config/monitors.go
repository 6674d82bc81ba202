// Monitor registry configuration loader.
//
// This loads the set of safety monitors a flightcored instance enables
// from a YAML file, with ${VAR_NAME} / ${VAR_NAME:-default} environment
// variable substitution applied before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// MonitorRegistryConfig is the top-level YAML document describing which
// monitors a deployment runs and in what order (spec §4.8/§9).
type MonitorRegistryConfig struct {
	Environment string          `yaml:"environment"`
	Version     string          `yaml:"version"`
	Monitors    []MonitorEntry  `yaml:"monitors"`
	Pipeline    PipelineSettings `yaml:"pipeline"`
}

// MonitorEntry describes one registered monitor.
type MonitorEntry struct {
	ID         string                 `yaml:"id"`
	Version    string                 `yaml:"version"`
	TrustLevel string                 `yaml:"trust_level"` // "authoritative" | "fragile"
	Category   string                 `yaml:"category"`
	Threshold  float64                `yaml:"threshold"`
	Enabled    bool                   `yaml:"enabled"`
	Timeout    Duration               `yaml:"timeout"`
	Params     map[string]interface{} `yaml:"params"`
}

// PipelineSettings configures the pipeline that runs the enabled monitors.
type PipelineSettings struct {
	RunOrder      []string `yaml:"run_order"`
	NotifyOnCritical bool  `yaml:"notify_on_critical"`
}

// Duration wraps time.Duration for YAML unmarshaling ("30s", "5m", ...).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadMonitorRegistry loads a monitor registry from a YAML file, applying
// ${VAR}-style environment substitution first.
func LoadMonitorRegistry(path string) (*MonitorRegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read monitor registry %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))

	var cfg MonitorRegistryConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse monitor registry %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *MonitorRegistryConfig) applyDefaults() {
	for i := range c.Monitors {
		m := &c.Monitors[i]
		if m.TrustLevel == "" {
			m.TrustLevel = "fragile"
		}
		if m.Timeout == 0 {
			m.Timeout = Duration(30 * time.Second)
		}
	}
	if len(c.Pipeline.RunOrder) == 0 {
		for _, m := range c.Monitors {
			if m.Enabled {
				c.Pipeline.RunOrder = append(c.Pipeline.RunOrder, m.ID)
			}
		}
	}
}

// EnabledIDs returns the pipeline run order, falling back to the ID of
// every enabled monitor if RunOrder was never populated.
func (c *MonitorRegistryConfig) EnabledIDs() []string {
	if len(c.Pipeline.RunOrder) > 0 {
		return c.Pipeline.RunOrder
	}
	ids := make([]string, 0, len(c.Monitors))
	for _, m := range c.Monitors {
		if m.Enabled {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
