package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatsync/internal/constants"
	"chatsync/internal/models"
)

var (
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrMissingRedisAddr = models.ConfigError{Message: "missing redis address"}
)

func LoadConfig(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.Redis.OpTimeoutSec <= 0 {
		c.Redis.OpTimeoutSec = constants.DefaultRedisOpTimeoutSec
	}
	if c.Queue.MessageTTLDays <= 0 {
		c.Queue.MessageTTLDays = constants.DefaultMessageBufferTTLDays
	}
	if c.Queue.NotificationTTLDays <= 0 {
		c.Queue.NotificationTTLDays = constants.DefaultNotificationBufferTTLDays
	}
	if c.Queue.MaxBuffered <= 0 {
		c.Queue.MaxBuffered = constants.DefaultMaxBufferedPerRecipient
	}
	if c.Presence.TTLMinutes <= 0 {
		c.Presence.TTLMinutes = constants.DefaultPresenceTTLMinutes
	}
	if c.Auth.TokenTTLHour <= 0 {
		c.Auth.TokenTTLHour = constants.DefaultTokenTTLHours
	}
	if c.Transport.HeartbeatIntervalSec <= 0 {
		c.Transport.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}
	if c.Transport.WriteTimeoutSec <= 0 {
		c.Transport.WriteTimeoutSec = constants.DefaultWriteTimeoutSec
	}
	if c.Transport.OutboundQueueSize <= 0 {
		c.Transport.OutboundQueueSize = constants.DefaultOutboundQueueSize
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("CHATSYNC_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("CHATSYNC_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("CHATSYNC_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	// SECURITY: the JWT secret is only ever read from the environment
	if secret := os.Getenv("CHATSYNC_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("CHATSYNC_ENV") == "production"

	if isProduction {
		if c.Auth.JWTSecret == "" {
			return models.ConfigError{Message: "JWT secret is required in production (set CHATSYNC_JWT_SECRET environment variable)"}
		}
		if len(c.Auth.JWTSecret) < 32 {
			return models.ConfigError{Message: "JWT secret must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Auth.JWTSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: JWT secret not set. Set CHATSYNC_JWT_SECRET environment variable for security.\n")
	}

	return nil
}
