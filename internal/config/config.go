// Package config handles application configuration loading from YAML and environment variables.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	contextutils "lessongen/internal/utils"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the provider factory
const (
	ProviderKindOpenAIHTTP = "openai_http"
	ProviderKindOpenAISDK  = "openai_sdk"
)

// ProviderConfig defines a single generation provider and its load balancing descriptor
type ProviderConfig struct {
	Name          string        `json:"name" yaml:"name" validate:"required"`
	Code          string        `json:"code" yaml:"code" validate:"required"`
	Kind          string        `json:"kind" yaml:"kind" validate:"omitempty,oneof=openai_http openai_sdk"`
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey        string        `json:"-" yaml:"api_key,omitempty"`
	Model         string        `json:"model" yaml:"model"`
	MaxTokens     int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Priority      int           `json:"priority" yaml:"priority"`
	Weight        float64       `json:"weight" yaml:"weight" validate:"gte=0"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"`
	Reliability   float64       `json:"reliability" yaml:"reliability" validate:"gte=0,lte=1"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoadBalancerConfig controls provider selection, retries and circuit breaking
type LoadBalancerConfig struct {
	Strategy                string        `json:"strategy" yaml:"strategy" validate:"oneof=round_robin least_loaded weighted failover reliability_weighted"`
	MaxProviderRetries      int           `json:"max_provider_retries" yaml:"max_provider_retries" validate:"gte=1"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold" validate:"gte=1"`
	FailureResetInterval    time.Duration `json:"failure_reset_interval" yaml:"failure_reset_interval"`
	BackoffBase             time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax              time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// RateLimiterConfig controls per-user admission and the global admission queue
type RateLimiterConfig struct {
	MaxConcurrent        int           `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1"`
	MaxQueueSize         int           `json:"max_queue_size" yaml:"max_queue_size" validate:"gte=1"`
	QueueTimeout         time.Duration `json:"queue_timeout" yaml:"queue_timeout"`
	SweepInterval        time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	Cooldown             time.Duration `json:"cooldown" yaml:"cooldown"`
	PerUserRatePerMinute float64       `json:"per_user_rate_per_minute" yaml:"per_user_rate_per_minute" validate:"gte=0"`
	PerUserBurst         int           `json:"per_user_burst" yaml:"per_user_burst" validate:"gte=0"`
}

// QueueConfig controls the global generation queue in front of the load balancer
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1"`
}

// ValidationConfig holds the tunable thresholds of content validation
type ValidationConfig struct {
	MinContentLength int `json:"min_content_length" yaml:"min_content_length" validate:"gte=0"`
	// ConcentrationThreshold is the share of a batch on one letter at which the batch is rejected.
	ConcentrationThreshold float64 `json:"concentration_threshold" yaml:"concentration_threshold" validate:"gt=0,lte=1"`
	// SpreadRatio times the batch size is the max-min letter count spread tolerated without a warning.
	SpreadRatio  float64 `json:"spread_ratio" yaml:"spread_ratio" validate:"gt=0,lte=1"`
	EnableRepair bool    `json:"enable_repair" yaml:"enable_repair"`
}

// GenerationConfig holds lesson shape and progress analysis settings
type GenerationConfig struct {
	QuestionCount      int           `json:"question_count" yaml:"question_count" validate:"gte=1,lte=50"`
	DefaultDifficulty  int           `json:"default_difficulty" yaml:"default_difficulty" validate:"gte=1,lte=5"`
	RecentScoresWindow int           `json:"recent_scores_window" yaml:"recent_scores_window" validate:"gte=1"`
	RaiseThreshold     float64       `json:"raise_threshold" yaml:"raise_threshold"`
	LowerThreshold     float64       `json:"lower_threshold" yaml:"lower_threshold"`
	QuestionScore      int           `json:"question_score" yaml:"question_score"`
	QuestionTimeLimit  int           `json:"question_time_limit" yaml:"question_time_limit"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// RedisConfig holds the connection settings for the redis cache backend
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// CacheConfig selects the cache backend and its TTLs
type CacheConfig struct {
	Backend         string        `json:"backend" yaml:"backend" validate:"oneof=memory redis"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl"`
	TopicsTTL       time.Duration `json:"topics_ttl" yaml:"topics_ttl"`
	ProgressTTL     time.Duration `json:"progress_ttl" yaml:"progress_ttl"`
	LessonTTL       time.Duration `json:"lesson_ttl" yaml:"lesson_ttl"`
	JanitorInterval time.Duration `json:"janitor_interval" yaml:"janitor_interval"`
	Redis           RedisConfig   `json:"redis" yaml:"redis"`
}

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`

	Providers    []ProviderConfig   `json:"providers" yaml:"providers" validate:"dive"`
	LoadBalancer LoadBalancerConfig `json:"load_balancer" yaml:"load_balancer"`
	RateLimiter  RateLimiterConfig  `json:"rate_limiter" yaml:"rate_limiter"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Validation   ValidationConfig   `json:"validation" yaml:"validation"`
	Generation   GenerationConfig   `json:"generation" yaml:"generation"`
	Cache        CacheConfig        `json:"cache" yaml:"cache"`
	// Topics are upserted into the lesson store at startup
	Topics []TopicConfig `json:"topics" yaml:"topics" validate:"dive"`

	OpenTelemetry OpenTelemetryConfig `json:"open_telemetry" yaml:"open_telemetry"`
	Email         EmailConfig         `json:"email" yaml:"email"`

	// Internal fields
	IsTest bool `json:"is_test" yaml:"is_test"`
}

// TopicConfig is a topic seeded into the lesson store
type TopicConfig struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Subject     string   `json:"subject" yaml:"subject"`
	Keywords    []string `json:"keywords" yaml:"keywords"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port           string   `json:"port" yaml:"port"`
	AdminToken     string   `json:"-" yaml:"admin_token"`
	Debug          bool     `json:"debug" yaml:"debug"`
	LogLevel       string   `json:"log_level" yaml:"log_level"`
	AppBaseURL     string   `json:"app_base_url" yaml:"app_base_url"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins"`
	RunMigrations  bool     `json:"run_migrations" yaml:"run_migrations"`
	MigrationsPath string   `json:"migrations_path" yaml:"migrations_path"`
}

// OpenTelemetryConfig holds all OpenTelemetry-related configuration
type OpenTelemetryConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`               // Default: "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol"`               // "grpc" or "http", default: "grpc"
	Insecure       bool              `json:"insecure" yaml:"insecure"`               // Default: true (for localhost)
	Headers        map[string]string `json:"headers" yaml:"headers"`                 // For authenticated endpoints
	ServiceName    string            `json:"service_name" yaml:"service_name"`       // Default: "lessongen"
	ServiceVersion string            `json:"service_version" yaml:"service_version"` // From version package
	EnableTracing  bool              `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool              `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging  bool              `json:"enable_logging" yaml:"enable_logging"`
	SamplingRate   float64           `json:"sampling_rate" yaml:"sampling_rate"` // Default: 1.0 (100%)
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// EmailConfig represents email/SMTP configuration for lesson notifications
type EmailConfig struct {
	SMTP    SMTPConfig `json:"smtp" yaml:"smtp"`
	Enabled bool       `json:"enabled" yaml:"enabled"`
}

// SMTPConfig represents SMTP server configuration
type SMTPConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"-" yaml:"password"`
	FromAddress string `json:"from_address" yaml:"from_address"`
	FromName    string `json:"from_name" yaml:"from_name"`
}

// NewConfig loads configuration from YAML file first, then overrides with environment variables
func NewConfig() (result0 *Config, err error) {
	config, err := loadConfigWithOverrides()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config: %w", err)
	}

	config.overrideFromEnv()
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults fills every unset tunable with its default value
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MigrationsPath == "" {
		c.Server.MigrationsPath = DefaultMigrationsPath
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	lb := &c.LoadBalancer
	if lb.Strategy == "" {
		lb.Strategy = DefaultStrategy
	}
	if lb.MaxProviderRetries == 0 {
		lb.MaxProviderRetries = DefaultMaxProviderRetries
	}
	if lb.CircuitBreakerThreshold == 0 {
		lb.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if lb.FailureResetInterval == 0 {
		lb.FailureResetInterval = ProviderFailureResetInterval
	}
	if lb.BackoffBase == 0 {
		lb.BackoffBase = RateLimitBackoffBase
	}
	if lb.BackoffMax == 0 {
		lb.BackoffMax = RateLimitBackoffMax
	}

	rl := &c.RateLimiter
	if rl.MaxConcurrent == 0 {
		rl.MaxConcurrent = DefaultRateLimiterMaxConcurrent
	}
	if rl.MaxQueueSize == 0 {
		rl.MaxQueueSize = DefaultMaxQueueSize
	}
	if rl.QueueTimeout == 0 {
		rl.QueueTimeout = QueueItemTimeout
	}
	if rl.SweepInterval == 0 {
		rl.SweepInterval = QueueSweepInterval
	}

	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = DefaultQueueMaxConcurrent
	}

	v := &c.Validation
	if v.MinContentLength == 0 {
		v.MinContentLength = DefaultMinContentLength
	}
	if v.ConcentrationThreshold == 0 {
		v.ConcentrationThreshold = DefaultConcentrationThreshold
	}
	if v.SpreadRatio == 0 {
		v.SpreadRatio = DefaultSpreadRatio
	}

	g := &c.Generation
	if g.QuestionCount == 0 {
		g.QuestionCount = DefaultQuestionCount
	}
	if g.DefaultDifficulty == 0 {
		g.DefaultDifficulty = DefaultDifficulty
	}
	if g.RecentScoresWindow == 0 {
		g.RecentScoresWindow = DefaultRecentScoresWindow
	}
	if g.RaiseThreshold == 0 {
		g.RaiseThreshold = DefaultRaiseThreshold
	}
	if g.LowerThreshold == 0 {
		g.LowerThreshold = DefaultLowerThreshold
	}
	if g.QuestionScore == 0 {
		g.QuestionScore = DefaultQuestionScore
	}
	if g.QuestionTimeLimit == 0 {
		g.QuestionTimeLimit = DefaultQuestionTimeLimit
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = GenerationRequestTimeout
	}

	cc := &c.Cache
	if cc.Backend == "" {
		cc.Backend = "memory"
	}
	if cc.DefaultTTL == 0 {
		cc.DefaultTTL = DefaultCacheTTL
	}
	if cc.TopicsTTL == 0 {
		cc.TopicsTTL = TopicsCacheTTL
	}
	if cc.ProgressTTL == 0 {
		cc.ProgressTTL = ProgressCacheTTL
	}
	if cc.LessonTTL == 0 {
		cc.LessonTTL = LessonCacheTTL
	}
	if cc.JanitorInterval == 0 {
		cc.JanitorInterval = CacheJanitorInterval
	}
	if cc.Redis.Prefix == "" {
		cc.Redis.Prefix = "lessongen:"
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "" {
			p.Kind = ProviderKindOpenAIHTTP
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.Reliability == 0 {
			p.Reliability = 1
		}
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = DefaultProviderMaxConcurrent
		}
		if p.Timeout == 0 {
			p.Timeout = ProviderRequestTimeout
		}
	}
}

// Validate checks the loaded configuration against its struct constraints
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid configuration: %v", err)
	}
	if c.Generation.LowerThreshold >= c.Generation.RaiseThreshold {
		return contextutils.ErrorWithContextf("generation.lower_threshold (%v) must be below generation.raise_threshold (%v)",
			c.Generation.LowerThreshold, c.Generation.RaiseThreshold)
	}
	return nil
}

// GetProvider returns the provider config with the given code
func (c *Config) GetProvider(code string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].Code == code {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// overrideFromEnv overrides config values with environment variables using reflection
func (c *Config) overrideFromEnv() {
	overrideStructFromEnv(c)

	// Providers live in a slice, so their secrets are looked up by code
	for i := range c.Providers {
		p := &c.Providers[i]
		key := "PROVIDER_" + envName(p.Code)
		if v := os.Getenv(key + "_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(key + "_URL"); v != "" {
			p.URL = v
		}
		if v := os.Getenv(key + "_MODEL"); v != "" {
			p.Model = v
		}
	}
}

func envName(tag string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(tag))
}

// overrideStructFromEnv recursively overrides struct fields with environment variables
func overrideStructFromEnv(v interface{}) {
	overrideStructFromEnvWithPrefix(v, "")
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideStructFromEnvWithPrefix recursively overrides struct fields with environment variables
func overrideStructFromEnvWithPrefix(v interface{}, prefix string) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := envName(yamlTag)
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}

		if field.Type() == durationType {
			if envVal := os.Getenv(envKey); envVal != "" {
				if d, err := time.ParseDuration(envVal); err == nil {
					field.SetInt(int64(d))
				}
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if envVal := os.Getenv(envKey); envVal != "" {
				field.SetString(envVal)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if intVal, err := strconv.ParseInt(envVal, 10, 64); err == nil {
					field.SetInt(intVal)
				}
			}
		case reflect.Float32, reflect.Float64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if floatVal, err := strconv.ParseFloat(envVal, 64); err == nil {
					field.SetFloat(floatVal)
				}
			}
		case reflect.Bool:
			if envVal := os.Getenv(envKey); envVal != "" {
				if boolVal, err := strconv.ParseBool(envVal); err == nil {
					field.SetBool(boolVal)
				}
			}
		case reflect.Slice:
			if envVal := os.Getenv(envKey); envVal != "" {
				if field.Type().Elem().Kind() == reflect.String {
					field.Set(reflect.ValueOf(strings.Split(envVal, ",")))
				}
			}
		case reflect.Struct:
			if field.CanAddr() {
				overrideStructFromEnvWithPrefix(field.Addr().Interface(), envKey)
			}
		}
	}
}

// loadConfigWithOverrides loads the config file named by LESSONGEN_CONFIG_FILE or config.yaml
func loadConfigWithOverrides() (result0 *Config, err error) {
	if envPath := os.Getenv(ConfigFileEnv); envPath != "" {
		config, err := loadConfigFromFile(envPath)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config from %s: %w", envPath, err)
		}
		return config, nil
	}

	config, err := loadConfigFromFile("config.yaml")
	if os.IsNotExist(err) {
		// Run from environment alone when there is no file
		return &Config{}, nil
	}
	return config, err
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (result0 *Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
