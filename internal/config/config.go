// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/applayer/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `applayer:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig               `mapstructure:"log"`
	Metrics MetricsConfig           `mapstructure:"metrics"`
	Engine  EngineConfig            `mapstructure:"engine"`
	Output  OutputConfig            `mapstructure:"output"`
	Parsers map[string]ParserConfig `mapstructure:"parsers"`
}

// ─── Engine ───

// EngineConfig configures the host engine that drives the parsers.
type EngineConfig struct {
	FlowTimeout     time.Duration `mapstructure:"flow_timeout"`     // Capture-time idle period before a flow is torn down
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // Capture-time period between idle sweeps
	MaxBuffer       int           `mapstructure:"max_buffer"`       // Unconsumed bytes kept per direction
	MaxFlows        int           `mapstructure:"max_flows"`        // 0 = unlimited
	Defrag          DefragConfig  `mapstructure:"defrag"`
}

// DefragConfig limits IPv4 fragment reassembly during replay.
type DefragConfig struct {
	MaxFragments  int           `mapstructure:"max_fragments"`    // Per datagram
	MaxSize       int           `mapstructure:"max_size"`         // Reassembled datagram bytes
	Timeout       time.Duration `mapstructure:"timeout"`          // Since the last fragment, in capture time
	MaxFragsPerIP int           `mapstructure:"max_frags_per_ip"` // Per source per window, 0 = unlimited
	RateWindow    time.Duration `mapstructure:"rate_window"`
}

// ─── Parsers ───

// ParserConfig configures one protocol parser. Keys other than the ones
// below are handed to the parser's Init unchanged.
type ParserConfig struct {
	Enabled    *bool            `mapstructure:"enabled"`   // Absent = enabled
	MinDepth   int              `mapstructure:"min_depth"` // 0 = parser default
	MaxDepth   int              `mapstructure:"max_depth"` // 0 = parser default
	Completion CompletionConfig `mapstructure:"completion"`
	Options    map[string]any   `mapstructure:",remain"`
}

// CompletionConfig overrides the per-direction progress at which a
// transaction is complete. 0 = parser default.
type CompletionConfig struct {
	ToServer int `mapstructure:"to_server"`
	ToClient int `mapstructure:"to_client"`
}

// IsEnabled reports whether the parser should be loaded.
func (p ParserConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// Parser returns the configuration of name, or the zero value.
func (cfg *GlobalConfig) Parser(name string) ParserConfig {
	return cfg.Parsers[name]
}

// ─── Output ───

// OutputConfig selects the sink that receives completed transactions.
type OutputConfig struct {
	Sink    string         `mapstructure:"sink"` // console / yaml
	Options map[string]any `mapstructure:",remain"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format"`  // json / text
	Console string           `mapstructure:"console"` // stdout / stderr / none
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains additional log destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `applayer: ...`.
type configRoot struct {
	Applayer GlobalConfig `mapstructure:"applayer"`
}

// Load loads configuration from path. An empty path yields the defaults,
// still subject to environment overrides.
// Env vars use the APPLAYER_ prefix (e.g. APPLAYER_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `applayer.` key prefix maps to `APPLAYER_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Applayer

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("applayer.log.level", "info")
	v.SetDefault("applayer.log.format", "text")
	v.SetDefault("applayer.log.console", "stderr")
	v.SetDefault("applayer.log.outputs.file.enabled", false)
	v.SetDefault("applayer.log.outputs.file.path", "/var/log/applayer/applayer.log")
	v.SetDefault("applayer.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("applayer.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("applayer.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("applayer.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("applayer.metrics.enabled", false)
	v.SetDefault("applayer.metrics.listen", ":9091")
	v.SetDefault("applayer.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("applayer.engine.flow_timeout", "2m")
	v.SetDefault("applayer.engine.cleanup_interval", "30s")
	v.SetDefault("applayer.engine.max_buffer", 256*1024)
	v.SetDefault("applayer.engine.max_flows", 0)
	v.SetDefault("applayer.engine.defrag.max_fragments", 100)
	v.SetDefault("applayer.engine.defrag.max_size", 65535)
	v.SetDefault("applayer.engine.defrag.timeout", "30s")
	v.SetDefault("applayer.engine.defrag.max_frags_per_ip", 0)
	v.SetDefault("applayer.engine.defrag.rate_window", "10s")

	// Output defaults
	v.SetDefault("applayer.output.sink", "console")
}

// Validate checks the configuration. Errors wrap core.ErrConfigInvalid.
func (cfg *GlobalConfig) Validate() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level %q (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("log format %q (must be json/text)", cfg.Log.Format)
	}
	switch cfg.Log.Console {
	case "stdout", "stderr", "none":
	default:
		return invalid("log console %q (must be stdout/stderr/none)", cfg.Log.Console)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Engine ──
	if cfg.Engine.FlowTimeout <= 0 {
		return invalid("engine.flow_timeout must be positive")
	}
	if cfg.Engine.CleanupInterval <= 0 {
		return invalid("engine.cleanup_interval must be positive")
	}
	if cfg.Engine.MaxBuffer <= 0 {
		return invalid("engine.max_buffer must be positive")
	}
	if cfg.Engine.MaxFlows < 0 {
		return invalid("engine.max_flows must not be negative")
	}
	if d := cfg.Engine.Defrag; d.MaxFragments < 0 || d.MaxSize < 0 || d.MaxSize > 65535 || d.MaxFragsPerIP < 0 {
		return invalid("engine.defrag limits must be within 0..65535")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics are enabled")
	}

	// ── Output ──
	if cfg.Output.Sink == "" {
		return invalid("output.sink is required")
	}

	// ── Parsers ──
	for name, p := range cfg.Parsers {
		if p.MinDepth < 0 || p.MaxDepth < 0 {
			return invalid("parsers.%s: probe depth must not be negative", name)
		}
		if p.Completion.ToServer < 0 || p.Completion.ToClient < 0 {
			return invalid("parsers.%s: completion progress must not be negative", name)
		}
		if p.MaxDepth > 0 && p.MinDepth > p.MaxDepth {
			return invalid("parsers.%s: min_depth %d exceeds max_depth %d", name, p.MinDepth, p.MaxDepth)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
