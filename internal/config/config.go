// Package config provides centralized configuration management for pitcrew.
// Configuration is loaded from PITCREW_* environment variables with sensible
// defaults. Invalid values are collected and reported together so the process
// fails fast with every problem listed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Probe server
	Port int

	// Database
	DBType     string // "sqlite" (default) or "postgres"
	DB         string // SQLite file path
	DBDSN      string // full PostgreSQL DSN, takes precedence over the parts below
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// MQTT telemetry source
	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string
	MQTTClientID string

	// Kubernetes and coaches
	Namespace      string // empty means POD_NAMESPACE, then the service account namespace
	Kubeconfig     string
	Runner         string // "kubernetes" (default) or "local"
	CoachImage     string
	CoachImageTag  string // OpenShift ImageStreamTag for image triggers, e.g. "paddock:latest"
	CoachReplicas  int
	BackendTimeout time.Duration
	BackendRate    float64 // backend calls per second
	BackendBurst   int

	// Session registry
	EvictionPolicy    string // "idle-flag" (default) or "max-age"
	IdleThreshold     time.Duration
	MaxSessionAge     time.Duration
	SaveInterval      int // ticks between bulk saves
	ClearInterval     int // ticks between max-age clears, negative disables
	ReconcileInterval time.Duration
	Replay            bool

	// Ingest
	IngestShards int
	IngestBuffer int
	WSIngest     bool    // mount the WebSocket telemetry source on the probe server
	WSRateLimit  float64 // frames per second per connection
	WSBurst      int

	// Session archive
	ArchiveBackend       string // "none" (default), "local" or "s3"
	ArchivePath          string
	ArchiveS3Bucket      string
	ArchiveS3Region      string
	ArchiveS3Endpoint    string // custom endpoint for MinIO
	ArchiveS3Prefix      string
	ArchiveS3AccessKeyID string
	ArchiveS3SecretKey   string

	// Logging
	LogLevel  string
	LogFormat string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort              = 8080
	DefaultDBType            = "sqlite"
	DefaultDBPath            = "pitcrew.db"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "disable"
	DefaultMQTTBroker        = "tcp://localhost:1883"
	DefaultMQTTTopic         = "crewchief/#"
	DefaultRunner            = "kubernetes"
	DefaultCoachImage        = "paddock:latest"
	DefaultCoachReplicas     = 1
	DefaultBackendTimeout    = 10 * time.Second
	DefaultBackendRate       = 5.0
	DefaultBackendBurst      = 10
	DefaultEvictionPolicy    = "idle-flag"
	DefaultIdleThreshold     = 10 * time.Minute
	DefaultMaxSessionAge     = time.Hour
	DefaultSaveInterval      = 3600  // one minute of 60 Hz telemetry
	DefaultClearInterval     = 18000 // five minutes of 60 Hz telemetry
	DefaultReconcileInterval = 10 * time.Second
	DefaultIngestShards      = 4
	DefaultIngestBuffer      = 1024
	DefaultWSRateLimit       = 120.0
	DefaultWSBurst           = 240
	DefaultArchiveBackend    = "none"
	DefaultArchivePath       = "/data/sessions"
	DefaultArchiveS3Region   = "us-east-1"
	DefaultArchiveS3Prefix   = "sessions/"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port: DefaultPort,

		DBType:    DefaultDBType,
		DB:        DefaultDBPath,
		DBPort:    DefaultDBPort,
		DBSSLMode: DefaultDBSSLMode,

		MQTTBroker: DefaultMQTTBroker,
		MQTTTopic:  DefaultMQTTTopic,

		Runner:         DefaultRunner,
		CoachImage:     DefaultCoachImage,
		CoachReplicas:  DefaultCoachReplicas,
		BackendTimeout: DefaultBackendTimeout,
		BackendRate:    DefaultBackendRate,
		BackendBurst:   DefaultBackendBurst,

		EvictionPolicy:    DefaultEvictionPolicy,
		IdleThreshold:     DefaultIdleThreshold,
		MaxSessionAge:     DefaultMaxSessionAge,
		SaveInterval:      DefaultSaveInterval,
		ClearInterval:     DefaultClearInterval,
		ReconcileInterval: DefaultReconcileInterval,

		IngestShards: DefaultIngestShards,
		IngestBuffer: DefaultIngestBuffer,
		WSRateLimit:  DefaultWSRateLimit,
		WSBurst:      DefaultWSBurst,

		ArchiveBackend:  DefaultArchiveBackend,
		ArchivePath:     DefaultArchivePath,
		ArchiveS3Region: DefaultArchiveS3Region,
		ArchiveS3Prefix: DefaultArchiveS3Prefix,

		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// envParser reads typed values and collects parse failures.
type envParser struct {
	errs ValidationErrors
}

func (p *envParser) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (p *envParser) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
		})
		return
	}
	*dst = n
}

func (p *envParser) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("invalid value: %q (must be a number)", v),
		})
		return
	}
	*dst = f
}

func (p *envParser) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("invalid value: %q (must be true or false)", v),
		})
		return
	}
	*dst = b
}

// seconds reads a positive whole number of seconds.
func (p *envParser) seconds(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		p.errs = append(p.errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("invalid duration: %q (must be an integer representing seconds)", v),
		})
	case n <= 0:
		p.errs = append(p.errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("duration must be positive: %d", n),
		})
	default:
		*dst = time.Duration(n) * time.Second
	}
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var p envParser

	p.integer("PITCREW_PORT", &c.Port)

	p.str("PITCREW_DB_TYPE", &c.DBType)
	p.str("PITCREW_DB", &c.DB)
	p.str("PITCREW_DB_DSN", &c.DBDSN)
	p.str("PITCREW_DB_HOST", &c.DBHost)
	p.integer("PITCREW_DB_PORT", &c.DBPort)
	p.str("PITCREW_DB_NAME", &c.DBName)
	p.str("PITCREW_DB_USER", &c.DBUser)
	p.str("PITCREW_DB_PASSWORD", &c.DBPassword)
	p.str("PITCREW_DB_SSLMODE", &c.DBSSLMode)

	p.str("PITCREW_MQTT_BROKER", &c.MQTTBroker)
	p.str("PITCREW_MQTT_USERNAME", &c.MQTTUsername)
	p.str("PITCREW_MQTT_PASSWORD", &c.MQTTPassword)
	p.str("PITCREW_MQTT_TOPIC", &c.MQTTTopic)
	p.str("PITCREW_MQTT_CLIENT_ID", &c.MQTTClientID)

	p.str("PITCREW_NAMESPACE", &c.Namespace)
	p.str("KUBECONFIG", &c.Kubeconfig)
	p.str("PITCREW_RUNNER", &c.Runner)
	p.str("PITCREW_COACH_IMAGE", &c.CoachImage)
	p.str("PITCREW_COACH_IMAGESTREAM", &c.CoachImageTag)
	p.integer("PITCREW_COACH_REPLICAS", &c.CoachReplicas)
	p.seconds("PITCREW_BACKEND_TIMEOUT", &c.BackendTimeout)
	p.float("PITCREW_BACKEND_RATE_LIMIT", &c.BackendRate)
	p.integer("PITCREW_BACKEND_BURST", &c.BackendBurst)

	p.str("PITCREW_EVICTION_POLICY", &c.EvictionPolicy)
	p.seconds("PITCREW_IDLE_THRESHOLD", &c.IdleThreshold)
	p.seconds("PITCREW_MAX_SESSION_AGE", &c.MaxSessionAge)
	p.integer("PITCREW_SAVE_INTERVAL", &c.SaveInterval)
	p.integer("PITCREW_CLEAR_INTERVAL", &c.ClearInterval)
	p.seconds("PITCREW_RECONCILE_INTERVAL", &c.ReconcileInterval)
	p.boolean("PITCREW_REPLAY", &c.Replay)

	p.integer("PITCREW_INGEST_SHARDS", &c.IngestShards)
	p.integer("PITCREW_INGEST_BUFFER", &c.IngestBuffer)
	p.boolean("PITCREW_WS_INGEST", &c.WSIngest)
	p.float("PITCREW_WS_RATE_LIMIT", &c.WSRateLimit)
	p.integer("PITCREW_WS_BURST", &c.WSBurst)

	p.str("PITCREW_ARCHIVE_BACKEND", &c.ArchiveBackend)
	p.str("PITCREW_ARCHIVE_PATH", &c.ArchivePath)
	p.str("PITCREW_ARCHIVE_S3_BUCKET", &c.ArchiveS3Bucket)
	p.str("PITCREW_ARCHIVE_S3_REGION", &c.ArchiveS3Region)
	p.str("PITCREW_ARCHIVE_S3_ENDPOINT", &c.ArchiveS3Endpoint)
	p.str("PITCREW_ARCHIVE_S3_PREFIX", &c.ArchiveS3Prefix)
	p.str("PITCREW_ARCHIVE_S3_ACCESS_KEY_ID", &c.ArchiveS3AccessKeyID)
	p.str("PITCREW_ARCHIVE_S3_SECRET_ACCESS_KEY", &c.ArchiveS3SecretKey)

	p.str("PITCREW_LOG_LEVEL", &c.LogLevel)
	p.str("PITCREW_LOG_FORMAT", &c.LogFormat)

	if len(p.errs) > 0 {
		return p.errs
	}
	return nil
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Port < 1 || c.Port > 65535 {
		add("PITCREW_PORT", "port must be between 1 and 65535, got %d", c.Port)
	}

	switch c.DBType {
	case "sqlite":
		if c.DB == "" {
			add("PITCREW_DB", "database path cannot be empty")
		}
	case "postgres":
		if c.DBDSN == "" && (c.DBHost == "" || c.DBName == "" || c.DBUser == "") {
			add("PITCREW_DB_DSN", "PostgreSQL requires either PITCREW_DB_DSN or all of PITCREW_DB_HOST, PITCREW_DB_NAME, and PITCREW_DB_USER")
		}
	default:
		add("PITCREW_DB_TYPE", "unsupported database type: %q (must be \"sqlite\" or \"postgres\")", c.DBType)
	}

	switch c.Runner {
	case "kubernetes", "local":
	default:
		add("PITCREW_RUNNER", "unsupported runner: %q (must be \"kubernetes\" or \"local\")", c.Runner)
	}
	if c.CoachImage == "" {
		add("PITCREW_COACH_IMAGE", "coach image cannot be empty")
	}
	if c.CoachReplicas < 0 {
		add("PITCREW_COACH_REPLICAS", "replicas cannot be negative, got %d", c.CoachReplicas)
	}
	if c.BackendRate <= 0 {
		add("PITCREW_BACKEND_RATE_LIMIT", "rate limit must be positive, got %v", c.BackendRate)
	}
	if c.BackendBurst < 1 {
		add("PITCREW_BACKEND_BURST", "burst must be at least 1, got %d", c.BackendBurst)
	}

	switch c.EvictionPolicy {
	case "idle-flag", "max-age":
	default:
		add("PITCREW_EVICTION_POLICY", "unsupported eviction policy: %q (must be \"idle-flag\" or \"max-age\")", c.EvictionPolicy)
	}
	if c.SaveInterval < 1 {
		add("PITCREW_SAVE_INTERVAL", "save interval must be at least 1 tick, got %d", c.SaveInterval)
	}
	if c.ClearInterval == 0 {
		add("PITCREW_CLEAR_INTERVAL", "clear interval cannot be 0 (use a negative value to disable)")
	}

	if c.IngestShards < 1 {
		add("PITCREW_INGEST_SHARDS", "shards must be at least 1, got %d", c.IngestShards)
	}
	if c.IngestBuffer < 1 {
		add("PITCREW_INGEST_BUFFER", "buffer must be at least 1, got %d", c.IngestBuffer)
	}

	switch c.ArchiveBackend {
	case "none":
	case "local":
		if c.ArchivePath == "" {
			add("PITCREW_ARCHIVE_PATH", "archive path is required when archive backend is \"local\"")
		}
	case "s3":
		if c.ArchiveS3Bucket == "" {
			add("PITCREW_ARCHIVE_S3_BUCKET", "S3 bucket is required when archive backend is \"s3\"")
		}
	default:
		add("PITCREW_ARCHIVE_BACKEND", "unsupported archive backend: %q (must be \"none\", \"local\" or \"s3\")", c.ArchiveBackend)
	}
	if (c.ArchiveS3AccessKeyID != "") != (c.ArchiveS3SecretKey != "") {
		add("PITCREW_ARCHIVE_S3_ACCESS_KEY_ID / PITCREW_ARCHIVE_S3_SECRET_ACCESS_KEY",
			"both S3 access key ID and secret access key must be set together")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		add("PITCREW_LOG_LEVEL", "%v", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		add("PITCREW_LOG_FORMAT", "unsupported log format: %q (must be \"text\" or \"json\")", c.LogFormat)
	}

	return errs
}

// DSN returns the connection string for the configured database.
func (c *Config) DSN() string {
	switch c.DBType {
	case "postgres":
		if c.DBDSN != "" {
			return c.DBDSN
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
	default:
		return c.DB
	}
}

// IsSQLite returns true if the database type is SQLite.
func (c *Config) IsSQLite() bool {
	return c.DBType == "sqlite"
}

// LoadWithFlags loads configuration from the environment and applies
// command-line overrides. Zero values leave the environment setting alone.
func LoadWithFlags(port int, db string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}
	if db != "" && db != DefaultDBPath {
		cfg.DB = db
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
