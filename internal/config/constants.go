package config

import "time"

// ConfigFileEnv names the environment variable that points at the YAML config file
const ConfigFileEnv = "LESSONGEN_CONFIG_FILE"

// Timeout constants
const (
	// HTTP timeouts
	DefaultHTTPTimeout       = 60 * time.Second
	ProviderRequestTimeout   = 45 * time.Second
	GenerationRequestTimeout = 6 * time.Minute
	ConnectionTestTimeout    = 15 * time.Second
	ServerShutdownTimeout    = 30 * time.Second

	// Database timeouts
	DatabaseConnMaxLifetime = 5 * time.Minute

	// Admission timeouts
	QueueItemTimeout   = 5 * time.Minute
	QueueSweepInterval = 60 * time.Second

	// Load balancer timings
	ProviderFailureResetInterval = 5 * time.Minute
	RateLimitBackoffBase         = 250 * time.Millisecond
	RateLimitBackoffMax          = 2 * time.Second

	// Notification dispatch
	NotificationTimeout = 20 * time.Second
)

// Admission and concurrency defaults
const (
	DefaultRateLimiterMaxConcurrent = 10
	DefaultMaxQueueSize             = 100
	DefaultQueueMaxConcurrent       = 3
	DefaultProviderMaxConcurrent    = 5
)

// Load balancer defaults
const (
	DefaultStrategy                = "reliability_weighted"
	DefaultMaxProviderRetries      = 3
	DefaultCircuitBreakerThreshold = 5
)

// Validation defaults
const (
	DefaultMinContentLength       = 10
	DefaultConcentrationThreshold = 0.6
	DefaultSpreadRatio            = 0.5
)

// Generation defaults
const (
	DefaultQuestionCount      = 10
	DefaultDifficulty         = 3
	DefaultRecentScoresWindow = 5
	DefaultRaiseThreshold     = 80.0
	DefaultLowerThreshold     = 50.0
	DefaultQuestionScore      = 10
	DefaultQuestionTimeLimit  = 30
)

// Cache defaults
const (
	DefaultCacheTTL      = 5 * time.Minute
	TopicsCacheTTL       = 10 * time.Minute
	ProgressCacheTTL     = 2 * time.Minute
	LessonCacheTTL       = 24 * time.Hour
	CacheJanitorInterval = time.Minute
)

// Server defaults
const (
	ServiceName           = "lessongen"
	DefaultServerPort     = "8080"
	DefaultMigrationsPath = "file://migrations"
	ServerReadTimeout     = 30 * time.Second
	// Generation holds the connection open for up to GenerationRequestTimeout
	ServerWriteTimeout = GenerationRequestTimeout + 30*time.Second
	// DefaultCSP is the Content-Security-Policy sent with every API response
	DefaultCSP = "default-src 'none'; frame-ancestors 'none'"
)
