package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Metering  MeteringConfig
	Stripe    StripeConfig
	Kafka     KafkaConfig
	Telemetry TelemetryConfig
	Meters    []MeterConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name    string
	Env     string
	Port    string
	Version string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
	MaxBodySize     int64
	MaxBatchSize    int // Maximum events accepted by the batch endpoint
	TrustedProxies  []string
	CORSOrigins     []string
	HSTS            bool // Send Strict-Transport-Security; enable behind TLS only
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LogLevel        string        // gorm log level: silent, error, warn, info
	SlowThreshold   time.Duration // queries slower than this are logged at warn
	MigrationsPath  string
}

// RedisConfig holds Redis connection settings. Redis backs the sync lease when enabled.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// MeteringConfig holds aggregation and sync settings
type MeteringConfig struct {
	Granularity     time.Duration // Bucket period width
	GraceWindow     time.Duration // Late-event allowance after a period ends
	SyncEnabled     bool
	SyncInterval    time.Duration // Period of the sync scheduler
	SyncTimeout     time.Duration // Upper bound for one sync pass
	StorageTimeout  time.Duration
	BillingTimeout  time.Duration
	SyncBatchLimit  int
	MaxSyncAttempts int           // 0 retries forever
	RetryBaseDelay  time.Duration // 0 retries on every pass
	RetryMaxDelay   time.Duration
	LeaseTTL        time.Duration
	QueryLimit      int // Maximum buckets returned by the usage query
}

// StripeConfig holds billing provider settings
type StripeConfig struct {
	SecretKey          string
	APIURL             string // Override for stripe-mock or a proxy
	CustomerPayloadKey string // Payload key carrying the subject id
	RateLimit          float64
	RateBurst          int
	BreakerMaxFailures uint32        // Consecutive failures that open the breaker
	BreakerTimeout     time.Duration // Time the breaker stays open
}

// KafkaConfig holds the optional usage event consumer settings
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	MetricsEnabled    bool
	LogsEnabled       bool
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // 0.0-1.0
	ServiceName       string
	Insecure          bool          // Use a non-TLS connection (development only)
	ExportInterval    time.Duration // Metric export interval
	DBTraceEnabled    bool
	DBLogFullSQL      bool // Include query variables in spans (dev only)
}

// MeterConfig is one entry of the [[meters]] table array.
type MeterConfig struct {
	Name        string         `mapstructure:"name"`
	ExternalID  string         `mapstructure:"external_id"`
	Aggregation string         `mapstructure:"aggregation"`
	EventTypes  []string       `mapstructure:"event_types"`
	Filter      map[string]any `mapstructure:"filter"`
	ValueField  string         `mapstructure:"value_field"`
}

// Definition converts the entry into a validated meter definition.
func (m MeterConfig) Definition() (metering.MeterDefinition, error) {
	kind, err := metering.ParseAggregationKind(m.Aggregation)
	if err != nil {
		return metering.MeterDefinition{}, fmt.Errorf("meter %q: %w", m.Name, err)
	}
	def, err := metering.NewMeterDefinition(m.Name, m.ExternalID, kind, metering.EventFilter{
		EventTypes: m.EventTypes,
		Metadata:   m.Filter,
	})
	if err != nil {
		return metering.MeterDefinition{}, fmt.Errorf("meter %q: %w", m.Name, err)
	}
	return def.WithValueField(m.ValueField), nil
}

// MeterDefinitions returns the configured meters, or the built-in defaults when
// no [[meters]] table is present.
func (c *Config) MeterDefinitions() ([]metering.MeterDefinition, error) {
	if len(c.Meters) == 0 {
		return metering.DefaultMeters(), nil
	}
	defs := make([]metering.MeterDefinition, 0, len(c.Meters))
	var errs []error
	for _, m := range c.Meters {
		def, err := m.Definition()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

// Load loads configuration from a TOML file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with METER_ prefix (e.g., METER_DATABASE_PASSWORD)
// 2. config.toml, or the file named by CONFIG_FILE
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Port:    v.GetString("app.port"),
			Version: v.GetString("app.version"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			IdleTimeout:     v.GetDuration("http.idle_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:  v.GetInt("http.max_header_bytes"),
			MaxBodySize:     v.GetInt64("http.max_body_size"),
			MaxBatchSize:    v.GetInt("http.max_batch_size"),
			TrustedProxies:  v.GetStringSlice("http.trusted_proxies"),
			CORSOrigins:     v.GetStringSlice("http.cors_origins"),
			HSTS:            v.GetBool("http.hsts"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetDuration("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
			MigrationsPath:  v.GetString("database.migrations_path"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Metering: MeteringConfig{
			Granularity:     v.GetDuration("metering.granularity"),
			GraceWindow:     durationOr(v, "metering.grace_window", time.Hour),
			SyncEnabled:     !v.IsSet("metering.sync_enabled") || v.GetBool("metering.sync_enabled"),
			SyncInterval:    v.GetDuration("metering.sync_interval"),
			SyncTimeout:     v.GetDuration("metering.sync_timeout"),
			StorageTimeout:  v.GetDuration("metering.storage_timeout"),
			BillingTimeout:  v.GetDuration("metering.billing_timeout"),
			SyncBatchLimit:  v.GetInt("metering.sync_batch_limit"),
			MaxSyncAttempts: v.GetInt("metering.max_sync_attempts"),
			RetryBaseDelay:  v.GetDuration("metering.retry_base_delay"),
			RetryMaxDelay:   v.GetDuration("metering.retry_max_delay"),
			LeaseTTL:        v.GetDuration("metering.lease_ttl"),
			QueryLimit:      v.GetInt("metering.query_limit"),
		},
		Stripe: StripeConfig{
			SecretKey:          v.GetString("stripe.secret_key"),
			APIURL:             v.GetString("stripe.api_url"),
			CustomerPayloadKey: v.GetString("stripe.customer_payload_key"),
			RateLimit:          v.GetFloat64("stripe.rate_limit"),
			RateBurst:          v.GetInt("stripe.rate_burst"),
			BreakerMaxFailures: v.GetUint32("stripe.breaker_max_failures"),
			BreakerTimeout:     v.GetDuration("stripe.breaker_timeout"),
		},
		Kafka: KafkaConfig{
			Enabled:  v.GetBool("kafka.enabled"),
			Brokers:  v.GetStringSlice("kafka.brokers"),
			Topic:    v.GetString("kafka.topic"),
			GroupID:  v.GetString("kafka.group_id"),
			MinBytes: v.GetInt("kafka.min_bytes"),
			MaxBytes: v.GetInt("kafka.max_bytes"),
			MaxWait:  v.GetDuration("kafka.max_wait"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
		},
	}

	if err := v.UnmarshalKey("meters", &cfg.Meters); err != nil {
		return nil, fmt.Errorf("error decoding meters: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// durationOr reads key, falling back to def only when the key is not set at all,
// so an explicit zero is kept.
func durationOr(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	return v.GetDuration(key)
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "meter-service"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 5 << 20
	}
	if cfg.HTTP.MaxBatchSize == 0 {
		cfg.HTTP.MaxBatchSize = 1000
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "pagemagic"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30 * time.Minute
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.Database.MigrationsPath == "" {
		cfg.Database.MigrationsPath = "migrations"
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Metering.Granularity == 0 {
		cfg.Metering.Granularity = metering.DefaultGranularity
	}
	if cfg.Metering.SyncInterval == 0 {
		cfg.Metering.SyncInterval = time.Minute
	}
	if cfg.Metering.SyncTimeout == 0 {
		cfg.Metering.SyncTimeout = 5 * time.Minute
	}
	if cfg.Metering.StorageTimeout == 0 {
		cfg.Metering.StorageTimeout = 5 * time.Second
	}
	if cfg.Metering.BillingTimeout == 0 {
		cfg.Metering.BillingTimeout = 10 * time.Second
	}
	if cfg.Metering.SyncBatchLimit == 0 {
		cfg.Metering.SyncBatchLimit = 500
	}
	if cfg.Metering.RetryMaxDelay == 0 {
		cfg.Metering.RetryMaxDelay = time.Hour
	}
	if cfg.Metering.LeaseTTL == 0 {
		cfg.Metering.LeaseTTL = 5 * time.Minute
	}
	if cfg.Metering.QueryLimit == 0 {
		cfg.Metering.QueryLimit = 100
	}

	if cfg.Stripe.CustomerPayloadKey == "" {
		cfg.Stripe.CustomerPayloadKey = "stripe_customer_id"
	}
	if cfg.Stripe.RateLimit == 0 {
		cfg.Stripe.RateLimit = 25
	}
	if cfg.Stripe.RateBurst == 0 {
		cfg.Stripe.RateBurst = 5
	}
	if cfg.Stripe.BreakerMaxFailures == 0 {
		cfg.Stripe.BreakerMaxFailures = 5
	}
	if cfg.Stripe.BreakerTimeout == 0 {
		cfg.Stripe.BreakerTimeout = 30 * time.Second
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "pagemagic.usage.events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "meter-service"
	}
	if cfg.Kafka.MinBytes == 0 {
		cfg.Kafka.MinBytes = 1
	}
	if cfg.Kafka.MaxBytes == 0 {
		cfg.Kafka.MaxBytes = 10 << 20
	}
	if cfg.Kafka.MaxWait == 0 {
		cfg.Kafka.MaxWait = time.Second
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "meter-service"
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 30 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Metering.Granularity < time.Minute {
		return fmt.Errorf("metering.granularity must be at least 1m, got %s", c.Metering.Granularity)
	}
	if c.Metering.GraceWindow < 0 {
		return fmt.Errorf("metering.grace_window cannot be negative")
	}
	if c.Metering.MaxSyncAttempts < 0 {
		return fmt.Errorf("metering.max_sync_attempts cannot be negative")
	}
	if c.Metering.RetryBaseDelay < 0 {
		return fmt.Errorf("metering.retry_base_delay cannot be negative")
	}
	if c.Metering.RetryBaseDelay > c.Metering.RetryMaxDelay {
		return fmt.Errorf("metering.retry_base_delay (%s) cannot exceed metering.retry_max_delay (%s)",
			c.Metering.RetryBaseDelay, c.Metering.RetryMaxDelay)
	}
	if c.Metering.QueryLimit <= 0 || c.Metering.QueryLimit > 1000 {
		return fmt.Errorf("metering.query_limit must be between 1 and 1000, got %d", c.Metering.QueryLimit)
	}

	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka is enabled")
	}

	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Metering.SyncEnabled && c.Stripe.SecretKey == "" {
			return fmt.Errorf("stripe.secret_key is required in production when sync is enabled")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
