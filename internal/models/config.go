package models

// ConfigError represents a configuration validation failure.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

type ServerConfig struct {
	Port                 int `json:"port"`
	ReadTimeoutSec       int `json:"readTimeoutSec"`
	WriteTimeoutSec      int `json:"writeTimeoutSec"`
	IdleTimeoutSec       int `json:"idleTimeoutSec"`
	CleanupIntervalHours int `json:"cleanupIntervalHours"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	Addr         string `json:"addr"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	OpTimeoutSec int    `json:"opTimeoutSec"`
}

type QueueConfig struct {
	MessageTTLDays      int `json:"messageTtlDays"`
	NotificationTTLDays int `json:"notificationTtlDays"`
	MaxBuffered         int `json:"maxBuffered"`
}

type PresenceConfig struct {
	TTLMinutes int `json:"ttlMinutes"`
}

type AuthConfig struct {
	JWTSecret    string `json:"-"`
	TokenTTLHour int    `json:"tokenTtlHours"`
}

type TransportConfig struct {
	HeartbeatIntervalSec int `json:"heartbeatIntervalSec"`
	WriteTimeoutSec      int `json:"writeTimeoutSec"`
	OutboundQueueSize    int `json:"outboundQueueSize"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type Config struct {
	LogLevel      string          `json:"logLevel"`
	RetentionDays int             `json:"retentionDays"`
	Server        ServerConfig    `json:"server"`
	Database      DatabaseConfig  `json:"database"`
	Redis         RedisConfig     `json:"redis"`
	Queue         QueueConfig     `json:"queue"`
	Presence      PresenceConfig  `json:"presence"`
	Auth          AuthConfig      `json:"auth"`
	Transport     TransportConfig `json:"transport"`
	Retry         RetryConfig     `json:"retry"`
	Tracing       TracingConfig   `json:"tracing"`
}
