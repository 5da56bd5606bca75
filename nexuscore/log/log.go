// Package log is Nexus Core's internal debug-logging seam: a gated
// facade in front of a pluggable Provider, so hot paths check one
// atomic before paying any format-argument cost, with the four levels
// this system actually emits.
package log

import "sync/atomic"

// Provider is the logging backend a host embeds. Implementations are
// expected to be cheap to call when disabled; Gate is what actually
// avoids the formatting cost, not the provider.
type Provider interface {
	Error(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Info(format string, args ...interface{})
	Debug(format string, args ...interface{})
}

// Gate wraps a Provider with an atomic enable switch, so hot paths
// (keycode digit parsing, CoAP request handling) can log liberally in
// development builds without paying format-argument cost once disabled
// in production.
type Gate struct {
	provider Provider
	enabled  uint32
}

// New returns a Gate wrapping provider, initially disabled.
func New(provider Provider) *Gate {
	return &Gate{provider: provider}
}

// SetEnabled turns logging on or off.
func (g *Gate) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreUint32(&g.enabled, 1)
	} else {
		atomic.StoreUint32(&g.enabled, 0)
	}
}

// SetProvider swaps the backend provider.
func (g *Gate) SetProvider(p Provider) {
	if p != nil {
		g.provider = p
	}
}

func (g *Gate) on() bool { return atomic.LoadUint32(&g.enabled) == 1 }

// Error logs at error level if the gate is enabled.
func (g *Gate) Error(format string, args ...interface{}) {
	if g.on() {
		g.provider.Error(format, args...)
	}
}

// Warn logs at warn level if the gate is enabled.
func (g *Gate) Warn(format string, args ...interface{}) {
	if g.on() {
		g.provider.Warn(format, args...)
	}
}

// Info logs at info level if the gate is enabled.
func (g *Gate) Info(format string, args ...interface{}) {
	if g.on() {
		g.provider.Info(format, args...)
	}
}

// Debug logs at debug level if the gate is enabled.
func (g *Gate) Debug(format string, args ...interface{}) {
	if g.on() {
		g.provider.Debug(format, args...)
	}
}
