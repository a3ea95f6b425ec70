// Package config holds process-wide configuration, populated from the environment
// at process start the same way the teacher's common/config does.
package config

import (
	"strings"
	"time"

	"github.com/songquanpeng/conduit-gateway/common/env"
)

var (
	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)

	// ServerPort overrides the default HTTP listen port.
	ServerPort = strings.TrimSpace(env.String("PORT", "3000"))
	// GinMode allows forcing Gin into release mode without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", "release"))

	// SQLiteConfigPath is the configuration-store SQLite path used when DatabaseURL is empty.
	SQLiteConfigPath = strings.TrimSpace(env.String("CONDUIT_SQLITE_PATH", "conduit-gateway.db"))
	// DatabaseURL is the configuration-store DSN; empty means "use SQLiteConfigPath".
	DatabaseURL = strings.TrimSpace(env.String("DATABASE_URL", ""))

	// AdminMasterKey authenticates the admin-plane flush endpoint via X-API-Key.
	AdminMasterKey = strings.TrimSpace(env.String("CONDUIT_API_TO_API_BACKEND_AUTH_KEY", ""))

	// RedisConnString optionally backs the router's distributed health/least-used counters.
	RedisConnString = strings.TrimSpace(env.String("REDIS_CONNECTION_STRING", ""))
	// RedisPassword authenticates against RedisConnString's sentinel/cluster nodes.
	RedisPassword = strings.TrimSpace(env.String("REDIS_PASSWORD", ""))
	// RedisMasterName selects sentinel mode when set; RedisConnString is then a comma-separated sentinel address list.
	RedisMasterName = strings.TrimSpace(env.String("REDIS_MASTER_NAME", ""))

	// RabbitMQHost/Port/Username/Password configure the optional fire-and-forget event bus.
	RabbitMQHost     = strings.TrimSpace(env.String("CONDUITLLM__RABBITMQ__HOST", ""))
	RabbitMQPort     = env.Int("CONDUITLLM__RABBITMQ__PORT", 5672)
	RabbitMQUsername = strings.TrimSpace(env.String("CONDUITLLM__RABBITMQ__USERNAME", ""))
	RabbitMQPassword = strings.TrimSpace(env.String("CONDUITLLM__RABBITMQ__PASSWORD", ""))

	// EnableAutomaticContextManagement toggles the Context Window Manager's trimming pass.
	EnableAutomaticContextManagement = env.Bool("ContextManagement__EnableAutomaticContextManagement", true)
	// DefaultMaxContextTokens bounds context size when a mapping carries no explicit limit.
	DefaultMaxContextTokens = env.Int("ContextManagement__DefaultMaxContextTokens", 8192)

	// RouterMaxRetries bounds the Router's local retry loop across mappings for retriable errors.
	RouterMaxRetries = env.Int("CONDUIT_ROUTER_MAX_RETRIES", 3)
	// RouterHealthCoolOff is how long an unhealthy mapping is excluded after consecutive failures.
	RouterHealthCoolOff = env.Duration("CONDUIT_ROUTER_HEALTH_COOLOFF", 30*time.Second)
	// RouterHealthFailureThreshold is the consecutive-failure count that marks a mapping unhealthy.
	RouterHealthFailureThreshold = env.Int("CONDUIT_ROUTER_HEALTH_FAILURE_THRESHOLD", 3)

	// UpstreamTimeout bounds a single upstream adaptor call (non-streaming).
	UpstreamTimeout = env.Duration("CONDUIT_UPSTREAM_TIMEOUT", 120*time.Second)
	// UpstreamIdleStreamTimeout bounds time between frames on a streaming upstream call.
	UpstreamIdleStreamTimeout = env.Duration("CONDUIT_UPSTREAM_IDLE_STREAM_TIMEOUT", 60*time.Second)

	// BillingFlushInterval is the background flusher's time-based trigger.
	BillingFlushInterval = env.Duration("CONDUIT_BILLING_FLUSH_INTERVAL", 5*time.Second)
	// BillingFlushSize is the pending-charge count that triggers an immediate flush.
	BillingFlushSize = env.Int("CONDUIT_BILLING_FLUSH_SIZE", 100)
	// BillingFlushMaxValueUSD is the pending-charge cumulative USD value that triggers an immediate flush.
	BillingFlushMaxValueUSD = env.Float64("CONDUIT_BILLING_FLUSH_MAX_VALUE_USD", 10.0)
	// BillingErrorQueueMaxRetries bounds retries of a failed debit before it is parked.
	BillingErrorQueueMaxRetries = env.Int("CONDUIT_BILLING_ERROR_QUEUE_MAX_RETRIES", 5)

	// ShutdownTimeout bounds graceful drain on SIGTERM/SIGINT.
	ShutdownTimeout = env.Duration("CONDUIT_SHUTDOWN_TIMEOUT", 30*time.Second)

	// LogDir enables file-based logging in addition to stdout when non-empty.
	LogDir = strings.TrimSpace(env.String("LOG_DIR", ""))
	// OnlyOneLogFile merges all logs into a single file instead of one-per-day.
	OnlyOneLogFile = env.Bool("ONLY_ONE_LOG_FILE", false)
	// LogRetentionDays determines how many days of log files are kept (0 disables cleanup).
	LogRetentionDays = func() int {
		v := env.Int("LOG_RETENTION_DAYS", 0)
		if v < 0 {
			return 0
		}
		return v
	}()

	// RelayProxy provides an HTTP proxy for outbound upstream provider requests.
	RelayProxy = env.String("RELAY_PROXY", "")
	// UserContentRequestTimeout limits fetch time (seconds) for user-supplied image URLs.
	UserContentRequestTimeout = env.Int("USER_CONTENT_REQUEST_TIMEOUT", 30)
	// MaxInlineImageSizeMB limits the size (MB) of images inlined as base64 data URLs.
	MaxInlineImageSizeMB = env.Int("MAX_INLINE_IMAGE_SIZE_MB", 30)

	// EnablePrometheusMetrics exposes /metrics when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)
)
