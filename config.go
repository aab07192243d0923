// config.go: Executor configuration, defaults, validation, and YAML loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ExecutorConfig.WithDefaults.
const (
	DefaultExecutionTimeout  = 30 * time.Second
	DefaultMemoryLimitMB     = 128
	DefaultStackSizeKB       = 1024
	DefaultMaxBridgeInflight = 64
)

// Storage backend identifiers.
const (
	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"
)

// UnitConfig describes the isolated unit runtime executable. The command is
// spawned once per invocation with the bootstrap snapshot on stdin.
type UnitConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// StorageConfig selects the key-value backend behind plugin storage
// accessors.
type StorageConfig struct {
	Backend string        `json:"backend" yaml:"backend"`
	Redis   RedisKVConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// CircuitConfig overrides the per-plugin circuit breaker presets. Zero-valued
// presets fall back to the package defaults.
type CircuitConfig struct {
	Default CircuitBreakerConfig `json:"default,omitempty" yaml:"default,omitempty"`
	Strict  CircuitBreakerConfig `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// DefaultTimeout caps every plugin invocation that does not override it.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`

	// IsolationEnabled routes non-builtin plugins to the isolated runner.
	// When false they run in-process, which requires a registered handler.
	IsolationEnabled bool `json:"isolation_enabled" yaml:"isolation_enabled"`

	// MemoryLimitMB is the per-unit memory ceiling.
	MemoryLimitMB int `json:"memory_limit_mb" yaml:"memory_limit_mb"`

	// StackSizeKB is the per-unit stack budget.
	StackSizeKB int `json:"stack_size_kb" yaml:"stack_size_kb"`

	// MaxBridgeInflight bounds concurrent capability calls per invocation.
	MaxBridgeInflight int `json:"max_bridge_inflight" yaml:"max_bridge_inflight"`

	// StrictPlugins lists plugin IDs that get the strict circuit preset.
	StrictPlugins []string `json:"strict_plugins,omitempty" yaml:"strict_plugins,omitempty"`

	Unit    UnitConfig    `json:"unit" yaml:"unit"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Circuit CircuitConfig `json:"circuit,omitempty" yaml:"circuit,omitempty"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c ExecutorConfig) WithDefaults() ExecutorConfig {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultExecutionTimeout
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if c.StackSizeKB <= 0 {
		c.StackSizeKB = DefaultStackSizeKB
	}
	if c.MaxBridgeInflight <= 0 {
		c.MaxBridgeInflight = DefaultMaxBridgeInflight
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendMemory
	}
	if c.Circuit.Default == (CircuitBreakerConfig{}) {
		c.Circuit.Default = DefaultCircuitConfig
	}
	if c.Circuit.Strict == (CircuitBreakerConfig{}) {
		c.Circuit.Strict = StrictCircuitConfig
	}
	return c
}

// Validate checks the configuration for inconsistencies. It assumes defaults
// have already been applied.
func (c ExecutorConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return NewInvalidConfigError("default_timeout must be positive", nil)
	}
	if c.IsolationEnabled && c.Unit.Command == "" {
		return NewInvalidConfigError("unit.command is required when isolation is enabled", nil)
	}
	switch c.Storage.Backend {
	case StorageBackendMemory:
	case StorageBackendRedis:
		if c.Storage.Redis.Addr == "" {
			return NewInvalidConfigError("storage.redis.addr is required for the redis backend", nil)
		}
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown storage backend %q", c.Storage.Backend), nil)
	}
	for _, preset := range []CircuitBreakerConfig{c.Circuit.Default, c.Circuit.Strict} {
		if preset.FailureThreshold <= 0 || preset.ResetTimeout <= 0 || preset.HalfOpenMaxAttempts <= 0 {
			return NewInvalidConfigError("circuit presets require positive threshold, reset_timeout and half_open_max_attempts", nil)
		}
	}
	return nil
}

// durationValue decodes YAML durations given either as Go duration strings
// ("30s", "2m") or as raw nanosecond integers.
type durationValue time.Duration

func (d *durationValue) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = durationValue(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}
	*d = durationValue(parsed)
	return nil
}

// circuitPresetFile is the on-disk shape of one circuit preset.
type circuitPresetFile struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        durationValue `yaml:"reset_timeout"`
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"`
	WindowDuration      durationValue `yaml:"window_duration"`
}

func (f circuitPresetFile) toConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    f.FailureThreshold,
		ResetTimeout:        time.Duration(f.ResetTimeout),
		HalfOpenMaxAttempts: f.HalfOpenMaxAttempts,
		WindowDuration:      time.Duration(f.WindowDuration),
	}
}

// executorConfigFile is the on-disk shape of ExecutorConfig. It exists so
// duration fields can be written as human-readable strings.
type executorConfigFile struct {
	DefaultTimeout    durationValue `yaml:"default_timeout"`
	IsolationEnabled  bool          `yaml:"isolation_enabled"`
	MemoryLimitMB     int           `yaml:"memory_limit_mb"`
	StackSizeKB       int           `yaml:"stack_size_kb"`
	MaxBridgeInflight int           `yaml:"max_bridge_inflight"`
	StrictPlugins     []string      `yaml:"strict_plugins"`
	Unit              UnitConfig    `yaml:"unit"`
	Storage           StorageConfig `yaml:"storage"`
	Circuit           struct {
		Default circuitPresetFile `yaml:"default"`
		Strict  circuitPresetFile `yaml:"strict"`
	} `yaml:"circuit"`
}

// LoadExecutorConfig reads a YAML configuration file, applies defaults, and
// validates the result.
func LoadExecutorConfig(path string) (ExecutorConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path comes from the operator
	if err != nil {
		return ExecutorConfig{}, NewInvalidConfigError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var file executorConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ExecutorConfig{}, NewInvalidConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}

	cfg := ExecutorConfig{
		DefaultTimeout:    time.Duration(file.DefaultTimeout),
		IsolationEnabled:  file.IsolationEnabled,
		MemoryLimitMB:     file.MemoryLimitMB,
		StackSizeKB:       file.StackSizeKB,
		MaxBridgeInflight: file.MaxBridgeInflight,
		StrictPlugins:     file.StrictPlugins,
		Unit:              file.Unit,
		Storage:           file.Storage,
		Circuit: CircuitConfig{
			Default: file.Circuit.Default.toConfig(),
			Strict:  file.Circuit.Strict.toConfig(),
		},
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return ExecutorConfig{}, err
	}
	return cfg, nil
}
