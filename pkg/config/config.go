// Package config implements the typed property source the plugin-facing
// API reads configuration through (spec.md §6): string/boolean/double
// lookups by name and a change-notification hook that tells plugins to
// re-read rather than pushing a payload. This sits outside the tracing
// core proper — spec.md §1 names configuration as an external
// collaborator — but is still built the way the rest of the ambient
// stack is: grounded on StLeoX-SeeFlow's pkg/config, which layers a
// small typed API over github.com/spf13/viper.
package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Listener is notified after the backing configuration changes. OnChange
// carries no payload: plugins always re-read the specific keys they
// care about.
type Listener interface {
	OnChange()
}

// Config is a typed, hot-reloadable property source backed by viper.
type Config struct {
	v      *viper.Viper
	logger *zap.Logger

	mu        sync.Mutex
	listeners []Listener
}

// New wraps an already-configured viper instance (file, env, defaults
// already set up by the caller) as a Config. Passing nil constructs an
// empty, in-memory viper instance, useful for tests and for plugins that
// configure entirely via Set below.
func New(v *viper.Viper, logger *zap.Logger) *Config {
	if v == nil {
		v = viper.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Config{v: v, logger: logger}
}

// GetString returns the string value for name, or "" if unset, per
// spec.md §6's documented default.
func (c *Config) GetString(name string) string {
	return c.v.GetString(name)
}

// GetBool returns the boolean value for name, or false if unset.
func (c *Config) GetBool(name string) bool {
	return c.v.GetBool(name)
}

// GetDouble returns the floating-point value for name and true, or
// (0, false) if the key is unset — the Go rendering of spec.md §6's
// "unset" default for the double-typed lookup, since a bare float64
// cannot itself carry an unset marker.
func (c *Config) GetDouble(name string) (float64, bool) {
	if !c.v.IsSet(name) {
		return 0, false
	}
	return c.v.GetFloat64(name), true
}

// Set installs a value directly, for tests and for plugins that build
// their configuration programmatically instead of from a file.
func (c *Config) Set(name string, value interface{}) {
	c.v.Set(name, value)
}

// RegisterConfigListener adds l to the set of listeners notified by
// NotifyChanged and, once WatchFile has been called, by the backing
// config file's own change events.
func (c *Config) RegisterConfigListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// NotifyChanged calls OnChange on every registered listener. Safe to call
// from any goroutine.
func (c *Config) NotifyChanged() {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnChange()
	}
}

// WatchFile arranges for every registered listener to be notified
// whenever the backing config file changes on disk, using viper's
// fsnotify-based watcher.
func (c *Config) WatchFile() {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.logger.Info("configuration file changed, notifying listeners", zap.String("file", e.Name))
		c.NotifyChanged()
	})
	c.v.WatchConfig()
}
