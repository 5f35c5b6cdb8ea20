package vpn

import (
	"sync"
)

// TunnelConfig is an accepted tunnel configuration. Treat it as immutable;
// the cache hands out copies of the payload.
type TunnelConfig struct {
	Payload    []byte
	SourcePath string
}

// Empty reports whether the config has no payload.
func (c TunnelConfig) Empty() bool {
	return len(c.Payload) == 0
}

func (c TunnelConfig) clone() TunnelConfig {
	return TunnelConfig{
		Payload:    append([]byte(nil), c.Payload...),
		SourcePath: c.SourcePath,
	}
}

// ConfigCache holds the most recently accepted config across stop/start cycles.
// It performs no validation.
type ConfigCache struct {
	mu  sync.RWMutex
	cfg *TunnelConfig
}

// NewConfigCache returns an empty cache.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{}
}

// Update replaces the cached value.
func (c *ConfigCache) Update(cfg TunnelConfig) {
	stored := cfg.clone()
	c.mu.Lock()
	c.cfg = &stored
	c.mu.Unlock()
}

// Get returns the cached value, or false if none was ever set.
func (c *ConfigCache) Get() (TunnelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cfg == nil {
		return TunnelConfig{}, false
	}
	return c.cfg.clone(), true
}
