package constants

// Default sync and retry configuration values
const (
	DefaultOutboxMaxAttempts     = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultDatabaseRetryAttempts = 3
	DefaultRetentionDays         = 30
	DefaultServerPort            = 8084
)

// Durable buffer and presence retention values
const (
	DefaultMessageBufferTTLDays      = 7
	DefaultNotificationBufferTTLDays = 3
	DefaultPresenceTTLMinutes        = 5
	DefaultMaxBufferedPerRecipient   = 1000
)

// Transport configuration values
const (
	DefaultReconnectMaxAttempts   = 5
	DefaultReconnectDelaySec      = 3
	DefaultConnectTimeoutSec      = 10
	DefaultHeartbeatIntervalSec   = 30
	DefaultWriteTimeoutSec        = 10
	DefaultOutboundQueueSize      = 256
	DefaultSendTimeoutSec         = 15
	DefaultCleanupIntervalHours   = 24
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	ServerErrorChannelSize        = 1
	DefaultRedisOpTimeoutSec      = 5
	DefaultTokenTTLHours          = 24
)

// Encryption parameters for optional at-rest content encryption
const (
	EncryptionSalt       = "chatsync-message-store-v1"
	EncryptionIterations = 100000
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
)

// Pagination bounds for history listings
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// OutboxIDPrefix marks client-generated identifiers that have not yet been
// confirmed by the server.
const OutboxIDPrefix = "out-"
