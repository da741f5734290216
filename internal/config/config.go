package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	// Database
	DatabaseURL string `yaml:"database_url"` // overrides the discrete DB fields
	DBHost      string `yaml:"db_host"`
	DBPort      int    `yaml:"db_port"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
	DBName      string `yaml:"db_name"`
	DBSSLMode   string `yaml:"db_sslmode"`

	// MigrationsDir is read by the migrator only
	MigrationsDir string `yaml:"migrations_dir"`

	// Redis config, optional
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// AWS Services
	AWSRegion    string `yaml:"aws_region"`
	SESFromEmail string `yaml:"ses_from_email"`
	SNSRegion    string `yaml:"sns_region"`
	AWSEndpoint  string `yaml:"aws_endpoint"` // LocalStack and similar

	// Channel providers: "mock" logs and succeeds, "ses"/"sns" use AWS
	EmailProvider string `yaml:"email_provider"`
	SMSProvider   string `yaml:"sms_provider"`
	PushProvider  string `yaml:"push_provider"`

	// Real-time broadcast targets, empty disables
	BroadcastTopicARN string `yaml:"broadcast_topic_arn"`
	BroadcastQueueURL string `yaml:"broadcast_queue_url"`

	ProductName string `yaml:"product_name"`

	// Webhook engine
	ChatTimeout    time.Duration `yaml:"chat_timeout"` // discord/slack posts
	RetryInterval  time.Duration `yaml:"retry_interval"`
	RetryBatchSize int           `yaml:"retry_batch_size"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RetryWorkers   int           `yaml:"retry_workers"`

	// Queue processor
	QueueInterval  time.Duration `yaml:"queue_interval"`
	QueueBatchSize int           `yaml:"queue_batch_size"`

	// Dedup & grouping
	DedupBackend string        `yaml:"dedup_backend"` // "postgres" or "redis"
	DedupWindow  time.Duration `yaml:"dedup_window"`
	GroupWindow  time.Duration `yaml:"group_window"`

	// Quiet hours are evaluated in this IANA zone
	QuietHoursTZ string `yaml:"quiet_hours_tz"`

	// API
	APIRateLimit int `yaml:"api_rate_limit"` // requests per minute per client, 0 disables
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "cannaai",
		DBName:    "cannaai",
		DBSSLMode: "disable",

		MigrationsDir: "migrations",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@cannaai.local",

		EmailProvider: "mock",
		SMSProvider:   "mock",
		PushProvider:  "mock",

		ProductName: "CannaAI",

		ChatTimeout:    10 * time.Second,
		RetryInterval:  30 * time.Second,
		RetryBatchSize: 50,
		RetryDelay:     5 * time.Second,
		RetryWorkers:   8,

		QueueInterval:  5 * time.Second,
		QueueBatchSize: 25,

		DedupBackend: "postgres",
		DedupWindow:  5 * time.Minute,
		GroupWindow:  time.Minute,

		QuietHoursTZ: "Local",

		APIRateLimit: 120,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Env, "ENV")

	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DBHost, "DB_HOST")
	setString(&c.DBUser, "DB_USER")
	setString(&c.DBPassword, "DB_PASSWORD")
	setString(&c.DBName, "DB_NAME")
	setString(&c.DBSSLMode, "DB_SSLMODE")
	setString(&c.MigrationsDir, "MIGRATIONS_DIR")

	setString(&c.RedisHost, "REDIS_HOST")
	setString(&c.RedisPassword, "REDIS_PASSWORD")

	setString(&c.AWSRegion, "AWS_REGION")
	setString(&c.SESFromEmail, "SES_FROM_EMAIL")
	setString(&c.SNSRegion, "SNS_REGION")
	setString(&c.AWSEndpoint, "AWS_ENDPOINT_URL")
	setString(&c.EmailProvider, "EMAIL_PROVIDER")
	setString(&c.SMSProvider, "SMS_PROVIDER")
	setString(&c.PushProvider, "PUSH_PROVIDER")
	setString(&c.BroadcastTopicARN, "BROADCAST_SNS_TOPIC_ARN")
	setString(&c.BroadcastQueueURL, "BROADCAST_SQS_QUEUE_URL")

	setString(&c.ProductName, "PRODUCT_NAME")
	setString(&c.DedupBackend, "DEDUP_BACKEND")
	setString(&c.QuietHoursTZ, "QUIET_HOURS_TZ")

	ints := []struct {
		dst *int
		key string
	}{
		{&c.Port, "PORT"},
		{&c.DBPort, "DB_PORT"},
		{&c.RedisPort, "REDIS_PORT"},
		{&c.RedisDB, "REDIS_DB"},
		{&c.RetryBatchSize, "RETRY_BATCH_SIZE"},
		{&c.RetryWorkers, "RETRY_WORKERS"},
		{&c.QueueBatchSize, "QUEUE_BATCH_SIZE"},
		{&c.APIRateLimit, "API_RATE_LIMIT"},
	}
	for _, i := range ints {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.ChatTimeout, "CHAT_TIMEOUT"},
		{&c.RetryInterval, "RETRY_INTERVAL"},
		{&c.RetryDelay, "RETRY_DELAY"},
		{&c.QueueInterval, "QUEUE_INTERVAL"},
		{&c.DedupWindow, "DEDUP_WINDOW"},
		{&c.GroupWindow, "GROUP_WINDOW"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		c.RedisEnabled = b
	} else if os.Getenv("REDIS_HOST") != "" {
		c.RedisEnabled = true
	}

	return nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.RetryInterval <= 0 || c.QueueInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	if c.RetryBatchSize <= 0 {
		return fmt.Errorf("invalid RETRY_BATCH_SIZE: %d", c.RetryBatchSize)
	}
	switch c.DedupBackend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("invalid DEDUP_BACKEND: %q (want postgres or redis)", c.DedupBackend)
	}
	if c.DedupBackend == "redis" && !c.RedisEnabled {
		return fmt.Errorf("DEDUP_BACKEND=redis requires redis to be enabled")
	}
	if _, err := time.LoadLocation(c.QuietHoursTZ); err != nil {
		return fmt.Errorf("invalid QUIET_HOURS_TZ: %w", err)
	}
	return nil
}

// Location returns the zone quiet hours are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuietHoursTZ)
	if err != nil {
		return time.Local
	}
	return loc
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

// setDuration accepts Go duration strings ("30s") or bare seconds ("30").
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
