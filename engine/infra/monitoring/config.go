package monitoring

import (
	"fmt"
	"strings"

	"github.com/compozy/taskengine/pkg/config"
)

// Config holds configuration for monitoring service
type Config struct {
	Enabled bool
	Addr    string
	Path    string
}

// DefaultConfig returns default monitoring configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Addr:    ":9464",
		Path:    "/metrics",
	}
}

func FromAppConfig(c *config.MetricsConfig) *Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if c.Path != "" {
		cfg.Path = c.Path
	}
	return cfg
}

// Validate validates the monitoring configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("monitoring address cannot be empty when enabled")
	}
	return nil
}
