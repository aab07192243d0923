// config_watcher.go: Hot reload of executor configuration with Argus integration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigWatcherOptions configures the executor config watcher.
type ConfigWatcherOptions struct {
	// Argus polling interval for file changes
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// Cache TTL for file stat operations
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// Audit configuration for tracking configuration changes
	AuditConfig argus.AuditConfig `json:"audit_config" yaml:"audit_config"`

	// Custom error handler for file watching errors
	ErrorHandler func(error, string) `json:"-" yaml:"-"`
}

// DefaultConfigWatcherOptions returns production-ready watcher defaults.
// Executor configuration changes rarely, so a relaxed poll interval keeps the
// stat overhead negligible.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 10 * time.Second,
		CacheTTL:     5 * time.Second,
		AuditConfig: argus.AuditConfig{
			Enabled:       true,
			OutputFile:    "plugin-exec-config-audit.jsonl",
			MinLevel:      argus.AuditInfo,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}
}

// ExecutorConfigWatcher hot-reloads an executor's configuration file.
//
// On every file change the configuration is reloaded, validated, and applied
// to the executor atomically. A file that fails to parse or validate is
// rejected and the previous configuration stays active.
type ExecutorConfigWatcher struct {
	executor *Executor
	logger   Logger

	watcher     *argus.Watcher
	auditLogger *argus.AuditLogger

	configPath string
	options    ConfigWatcherOptions

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	mutex    sync.Mutex
}

// NewExecutorConfigWatcher creates a watcher bound to the executor and config
// file path.
func NewExecutorConfigWatcher(executor *Executor, configPath string, options ConfigWatcherOptions, logger Logger) (*ExecutorConfigWatcher, error) {
	if logger == nil {
		logger = DefaultLogger()
	}

	argusConfig := argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      5,
		Audit:                options.AuditConfig,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, filepath)
			} else {
				logger.Error("Config file watching error", "error", err, "file", filepath)
			}
		},
	}
	watcher := argus.New(argusConfig)

	var auditLogger *argus.AuditLogger
	if options.AuditConfig.Enabled {
		var err error
		auditLogger, err = argus.NewAuditLogger(options.AuditConfig)
		if err != nil {
			return nil, NewConfigWatchError("failed to create audit logger", err)
		}
	}

	return &ExecutorConfigWatcher{
		executor:    executor,
		logger:      logger,
		watcher:     watcher,
		auditLogger: auditLogger,
		configPath:  configPath,
		options:     options,
	}, nil
}

// Start loads the configuration file, applies it, and begins watching for
// changes. A watcher that was stopped cannot be restarted.
func (w *ExecutorConfigWatcher) Start(_ context.Context) error {
	if w.stopped.Load() {
		return NewConfigWatchError("config watcher has been permanently stopped and cannot be restarted", nil)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.enabled.CompareAndSwap(false, true) {
		return NewConfigWatchError("config watcher is already running", nil)
	}

	initial, err := LoadExecutorConfig(w.configPath)
	if err != nil {
		w.enabled.Store(false)
		return err
	}
	if err := w.executor.ApplyConfig(initial); err != nil {
		w.enabled.Store(false)
		return err
	}

	w.auditEvent("executor_config_loaded", map[string]interface{}{
		"path":   w.configPath,
		"source": "initial_load",
	})

	if err := w.watcher.Watch(w.configPath, w.handleConfigChange); err != nil {
		w.enabled.Store(false)
		return NewConfigWatchError("failed to watch config file", err)
	}
	if err := w.watcher.Start(); err != nil {
		w.enabled.Store(false)
		return NewConfigWatchError("failed to start config watcher", err)
	}

	w.logger.Info("Executor configuration watcher started",
		"config_path", w.configPath,
		"poll_interval", w.options.PollInterval)
	return nil
}

// Stop permanently stops the watcher and closes the audit trail.
func (w *ExecutorConfigWatcher) Stop() error {
	if w.stopped.Load() {
		return NewConfigWatchError("config watcher is already stopped", nil)
	}

	var stopErr error
	w.stopOnce.Do(func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()

		if !w.enabled.CompareAndSwap(true, false) {
			stopErr = NewConfigWatchError("config watcher is not running", nil)
			return
		}
		w.stopped.Store(true)

		if err := w.watcher.Stop(); err != nil {
			stopErr = NewConfigWatchError("failed to stop config watcher", err)
			return
		}

		if w.auditLogger != nil {
			if err := w.auditLogger.Close(); err != nil {
				w.logger.Warn("Failed to close audit logger during shutdown", "error", err)
			}
		}

		w.logger.Info("Executor configuration watcher stopped")
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (w *ExecutorConfigWatcher) IsRunning() bool {
	return w.enabled.Load() && !w.stopped.Load()
}

// handleConfigChange processes file change events from Argus.
func (w *ExecutorConfigWatcher) handleConfigChange(event argus.ChangeEvent) {
	w.logger.Info("Executor configuration file change detected",
		"path", event.Path,
		"mod_time", event.ModTime,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	if event.IsDelete {
		w.logger.Warn("Configuration file was deleted, keeping current configuration", "path", event.Path)
		w.auditEvent("executor_config_file_deleted", map[string]interface{}{
			"path": event.Path,
		})
		return
	}

	newConfig, err := LoadExecutorConfig(event.Path)
	if err != nil {
		w.logger.Error("Failed to load new configuration, keeping current", "error", err, "path", event.Path)
		w.auditEvent("executor_config_load_failed", map[string]interface{}{
			"path":  event.Path,
			"error": err.Error(),
		})
		return
	}

	if err := w.executor.ApplyConfig(newConfig); err != nil {
		w.logger.Error("Failed to apply new configuration, keeping current", "error", err)
		w.auditEvent("executor_config_apply_failed", map[string]interface{}{
			"path":  event.Path,
			"error": err.Error(),
		})
		return
	}

	w.logger.Info("Executor configuration reloaded",
		"isolation_enabled", newConfig.IsolationEnabled,
		"default_timeout", newConfig.DefaultTimeout)

	w.auditEvent("executor_config_reloaded", map[string]interface{}{
		"path":              event.Path,
		"isolation_enabled": newConfig.IsolationEnabled,
		"default_timeout":   newConfig.DefaultTimeout.String(),
	})
}

// auditEvent records a configuration event in the audit trail.
func (w *ExecutorConfigWatcher) auditEvent(eventType string, context map[string]interface{}) {
	if w.auditLogger == nil {
		return
	}
	if context == nil {
		context = make(map[string]interface{})
	}
	context["component"] = "executor_config_watcher"
	context["timestamp"] = time.Now().Format(time.RFC3339)
	context["pid"] = os.Getpid()

	w.auditLogger.LogSecurityEvent(eventType, "Executor configuration change", context)
}
