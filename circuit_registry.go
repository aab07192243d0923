// circuit_registry.go: Named circuit breaker registry and per-plugin binding
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginexec

import (
	"sort"
	"sync"
	"time"
)

// CircuitRegistry maps names to independently configured circuit breaker
// instances, creating them lazily on first use.
type CircuitRegistry struct {
	mu       sync.RWMutex
	circuits map[string]*CircuitBreaker
}

// NewCircuitRegistry creates an empty registry.
func NewCircuitRegistry() *CircuitRegistry {
	return &CircuitRegistry{circuits: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the circuit registered under name, creating it with
// config when absent. The config of an existing circuit is not changed.
func (r *CircuitRegistry) GetOrCreate(name string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.circuits[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.circuits[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, config)
	r.circuits[name] = cb
	return cb
}

// Get returns the circuit registered under name, if any.
func (r *CircuitRegistry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.circuits[name]
	return cb, ok
}

// Remove deletes the circuit registered under name. A removed circuit starts
// fresh (closed) when recreated.
func (r *CircuitRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, name)
}

// Names returns the registered circuit names in sorted order.
func (r *CircuitRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Circuit presets. Default applies to every plugin; Strict is opted into for
// plugins flagged critical.
var (
	DefaultCircuitConfig = CircuitBreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 2,
		WindowDuration:      120 * time.Second,
	}

	StrictCircuitConfig = CircuitBreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
		WindowDuration:      60 * time.Second,
	}
)

// CircuitBinding intercepts every plugin execution attempt with an
// independent, plugin-tuned circuit breaker.
//
// Circuits are created lazily on first execution and survive across calls
// until removed by Reset (operator action) or Cleanup (plugin uninstall).
type CircuitBinding struct {
	registry   *CircuitRegistry
	defaultCfg CircuitBreakerConfig
	strictCfg  CircuitBreakerConfig
	strictMu   sync.RWMutex
	strictSet  map[string]struct{}
	logger     Logger
}

// NewCircuitBinding creates a binding using the standard presets.
func NewCircuitBinding(logger Logger) *CircuitBinding {
	return NewCircuitBindingWithConfigs(DefaultCircuitConfig, StrictCircuitConfig, logger)
}

// NewCircuitBindingWithConfigs creates a binding with custom presets.
func NewCircuitBindingWithConfigs(defaultCfg, strictCfg CircuitBreakerConfig, logger Logger) *CircuitBinding {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &CircuitBinding{
		registry:   NewCircuitRegistry(),
		defaultCfg: defaultCfg,
		strictCfg:  strictCfg,
		strictSet:  make(map[string]struct{}),
		logger:     logger,
	}
}

// SetStrictPlugins replaces the set of plugins that use the strict preset.
// The preset applies when a plugin's circuit is next created; existing
// circuits keep their configuration.
func (b *CircuitBinding) SetStrictPlugins(pluginIDs []string) {
	strict := make(map[string]struct{}, len(pluginIDs))
	for _, id := range pluginIDs {
		strict[id] = struct{}{}
	}
	b.strictMu.Lock()
	b.strictSet = strict
	b.strictMu.Unlock()
}

// SetPresets replaces both presets. Like SetStrictPlugins, the change applies
// when a plugin's circuit is next created; existing circuits keep theirs.
func (b *CircuitBinding) SetPresets(defaultCfg, strictCfg CircuitBreakerConfig) {
	b.strictMu.Lock()
	b.defaultCfg = defaultCfg
	b.strictCfg = strictCfg
	b.strictMu.Unlock()
}

func (b *CircuitBinding) configFor(pluginID string) CircuitBreakerConfig {
	b.strictMu.RLock()
	defer b.strictMu.RUnlock()
	if _, strict := b.strictSet[pluginID]; strict {
		return b.strictCfg
	}
	return b.defaultCfg
}

func (b *CircuitBinding) circuit(pluginID string) *CircuitBreaker {
	return b.registry.GetOrCreate(pluginID, b.configFor(pluginID))
}

// IsOpen reports whether the plugin's circuit would fail fast right now.
// Plugins without a circuit yet are never open.
func (b *CircuitBinding) IsOpen(pluginID string) bool {
	cb, ok := b.registry.Get(pluginID)
	return ok && cb.IsOpen()
}

// RetryAfter estimates the remaining cooldown of the plugin's circuit.
func (b *CircuitBinding) RetryAfter(pluginID string) time.Duration {
	cb, ok := b.registry.Get(pluginID)
	if !ok {
		return 0
	}
	return cb.RetryAfter()
}

// Guard wraps exactly one execution attempt in the plugin's circuit breaker,
// creating the circuit lazily on first use.
func (b *CircuitBinding) Guard(pluginID string, op func() error) error {
	return b.circuit(pluginID).Execute(op)
}

// Stats returns a snapshot of the plugin's circuit, or nil when the plugin
// has never executed.
func (b *CircuitBinding) Stats(pluginID string) *CircuitBreakerStats {
	cb, ok := b.registry.Get(pluginID)
	if !ok {
		return nil
	}
	stats := cb.GetStats()
	return &stats
}

// Reset removes the plugin's circuit entirely; the next execution starts
// with a fresh closed circuit. Resetting an absent circuit is a no-op, so
// calling Reset twice is equivalent to calling it once.
func (b *CircuitBinding) Reset(pluginID string) {
	b.registry.Remove(pluginID)
	b.logger.Info("Circuit breaker reset", "plugin_id", pluginID)
}

// Cleanup removes the plugin's circuit on uninstall.
func (b *CircuitBinding) Cleanup(pluginID string) {
	b.registry.Remove(pluginID)
	b.logger.Debug("Circuit breaker cleaned up", "plugin_id", pluginID)
}

// List returns stats for every live circuit keyed by plugin identity.
func (b *CircuitBinding) List() map[string]CircuitBreakerStats {
	out := make(map[string]CircuitBreakerStats)
	for _, name := range b.registry.Names() {
		if cb, ok := b.registry.Get(name); ok {
			out[name] = cb.GetStats()
		}
	}
	return out
}
