package postgres

import (
	"net"
	"net/url"
	"time"

	"github.com/compozy/taskengine/pkg/config"
)

// Config holds PostgreSQL connection settings for the driver.
// ConnString wins over the individual fields.
type Config struct {
	ConnString   string
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	PingTimeout  time.Duration
}

func FromAppConfig(c *config.DatabaseConfig) *Config {
	return &Config{
		ConnString:   c.ConnString,
		Host:         c.Host,
		Port:         c.Port,
		User:         c.User,
		Password:     c.Password.Value(),
		DBName:       c.DBName,
		SSLMode:      c.SSLMode,
		MaxOpenConns: c.MaxOpenConns,
	}
}

// DSN returns the connection string understood by pgx and database/sql.
func (c *Config) DSN() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}
