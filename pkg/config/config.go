package config

import (
	"context"
	"time"
)

// Config is the complete configuration of the task engine.
type Config struct {
	Runtime   RuntimeConfig   `koanf:"runtime"   validate:"required"`
	Engine    EngineConfig    `koanf:"engine"    validate:"required"`
	Recovery  RecoveryConfig  `koanf:"recovery"  validate:"required"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	NATS      NATSConfig      `koanf:"nats"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Directory DirectoryConfig `koanf:"directory"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// RuntimeConfig contains process level behavior.
type RuntimeConfig struct {
	Environment string `koanf:"environment" validate:"oneof=development staging production" env:"RUNTIME_ENVIRONMENT"`
	LogLevel    string `koanf:"log_level"   validate:"oneof=debug info warn error disabled"   env:"RUNTIME_LOG_LEVEL"`
	LogJSON     bool   `koanf:"log_json"                                                      env:"RUNTIME_LOG_JSON"`
	LogSource   bool   `koanf:"log_source"                                                    env:"RUNTIME_LOG_SOURCE"`
}

// EngineConfig tunes the condition watcher and the action runner.
type EngineConfig struct {
	ConditionCheckInterval time.Duration `koanf:"condition_check_interval" validate:"min=1s"         env:"ENGINE_CONDITION_CHECK_INTERVAL"`
	StabilizationWindow    time.Duration `koanf:"stabilization_window"     validate:"min=0"          env:"ENGINE_STABILIZATION_WINDOW"`
	MaxParallelActions     int           `koanf:"max_parallel_actions"     validate:"min=1"          env:"ENGINE_MAX_PARALLEL_ACTIONS"`
	ExecutionMode          string        `koanf:"execution_mode"           validate:"required"       env:"ENGINE_EXECUTION_MODE"`
}

// RecoveryConfig locates the recovery file and tunes save coalescing.
type RecoveryConfig struct {
	File            string        `koanf:"file"              validate:"required" env:"RECOVERY_FILE"`
	DebounceWait    time.Duration `koanf:"debounce_wait"     validate:"min=0"    env:"RECOVERY_DEBOUNCE_WAIT"`
	DebounceMaxWait time.Duration `koanf:"debounce_max_wait" validate:"min=0"    env:"RECOVERY_DEBOUNCE_MAX_WAIT"`
}

// DatabaseConfig contains the durable task store connection settings.
type DatabaseConfig struct {
	ConnString   string          `koanf:"conn_string"    env:"DB_CONN_STRING"`
	Host         string          `koanf:"host"           env:"DB_HOST"`
	Port         string          `koanf:"port"           env:"DB_PORT"`
	User         string          `koanf:"user"           env:"DB_USER"`
	Password     SensitiveString `koanf:"password"       env:"DB_PASSWORD"       sensitive:"true"`
	DBName       string          `koanf:"name"           env:"DB_NAME"`
	SSLMode      string          `koanf:"ssl_mode"       env:"DB_SSL_MODE"`
	MaxOpenConns int             `koanf:"max_open_conns" env:"DB_MAX_OPEN_CONNS" validate:"min=0"`
}

// RedisConfig points at the metric history Redis instance.
type RedisConfig struct {
	Addr          string          `koanf:"addr"           env:"REDIS_ADDR"`
	Password      SensitiveString `koanf:"password"       env:"REDIS_PASSWORD"       sensitive:"true"`
	DB            int             `koanf:"db"             env:"REDIS_DB"             validate:"min=0"`
	HistoryPrefix string          `koanf:"history_prefix" env:"REDIS_HISTORY_PREFIX"`
	QueryTimeout  time.Duration   `koanf:"query_timeout"  env:"REDIS_QUERY_TIMEOUT"`
}

// NATSConfig describes the transport to the action worker fleet and messaging.
type NATSConfig struct {
	URL            string        `koanf:"url"             env:"NATS_URL"`
	Embedded       bool          `koanf:"embedded"        env:"NATS_EMBEDDED"`
	ActionSubject  string        `koanf:"action_subject"  env:"NATS_ACTION_SUBJECT"  validate:"nats_subject"`
	MessageSubject string        `koanf:"message_subject" env:"NATS_MESSAGE_SUBJECT" validate:"nats_subject"`
	RequestTimeout time.Duration `koanf:"request_timeout" env:"NATS_REQUEST_TIMEOUT"`
	SendRetries    uint64        `koanf:"send_retries"    env:"NATS_SEND_RETRIES"`
}

// WorkflowConfig locates the per-role workflow rules.
type WorkflowConfig struct {
	File string `koanf:"file" env:"WORKFLOW_FILE"`
}

// DirectoryConfig tunes the object directory lookup cache.
type DirectoryConfig struct {
	CacheTTL     time.Duration `koanf:"cache_ttl"     env:"DIRECTORY_CACHE_TTL"`
	CacheEntries int64         `koanf:"cache_entries" env:"DIRECTORY_CACHE_ENTRIES" validate:"min=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" env:"METRICS_ENABLED"`
	Addr    string `koanf:"addr"    env:"METRICS_ADDR"`
	Path    string `koanf:"path"    env:"METRICS_PATH"`
}

// Service defines the configuration loading contract.
type Service interface {
	// Load loads configuration from the sources; later sources win.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks struct tags and cross-field rules.
	Validate(config *Config) error
	// GetSource returns which source provided a key.
	GetSource(key string) SourceType
}

// Source defines a configuration source.
type Source interface {
	Load() (map[string]any, error)
	Watch(ctx context.Context, callback func()) error
	Type() SourceType
	Close() error
}

type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata records where each key came from.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// SensitiveString hides its value when printed or marshaled.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "********"
}

func (s SensitiveString) Value() string {
	return string(s)
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
		Engine: EngineConfig{
			ConditionCheckInterval: 30 * time.Second,
			StabilizationWindow:    30 * time.Second,
			MaxParallelActions:     8,
			ExecutionMode:          "server",
		},
		Recovery: RecoveryConfig{
			File:            "data/taskengine.recovery.json",
			DebounceWait:    0,
			DebounceMaxWait: time.Second,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "taskengine",
			DBName:       "taskengine",
			SSLMode:      "disable",
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			HistoryPrefix: "history:last:",
			QueryTimeout:  5 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			ActionSubject:  "taskengine.actions",
			MessageSubject: "taskengine.messages",
			RequestTimeout: 5 * time.Minute,
			SendRetries:    3,
		},
		Workflow: WorkflowConfig{
			File: "workflows.yaml",
		},
		Directory: DirectoryConfig{
			CacheTTL:     time.Minute,
			CacheEntries: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
			Path:    "/metrics",
		},
	}
}
