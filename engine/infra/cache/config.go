package cache

import (
	"crypto/tls"
	"time"

	"github.com/compozy/taskengine/pkg/config"
)

const DefaultHistoryPrefix = "history:last:"

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// TLS Configuration
	TLSEnabled bool
	TLSConfig  *tls.Config
	// Timeout Configuration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
	// History
	HistoryPrefix string
	QueryTimeout  time.Duration
}

func FromAppConfig(c *config.RedisConfig) *Config {
	prefix := c.HistoryPrefix
	if prefix == "" {
		prefix = DefaultHistoryPrefix
	}
	return &Config{
		Addr:          c.Addr,
		Password:      c.Password.Value(),
		DB:            c.DB,
		HistoryPrefix: prefix,
		QueryTimeout:  c.QueryTimeout,
	}
}
