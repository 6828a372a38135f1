package config

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %v, want %v", cfg.Port, DefaultPort)
	}
	if cfg.DBType != DefaultDBType {
		t.Errorf("DBType = %v, want %v", cfg.DBType, DefaultDBType)
	}
	if cfg.DB != DefaultDBPath {
		t.Errorf("DB = %v, want %v", cfg.DB, DefaultDBPath)
	}
	if cfg.MQTTTopic != DefaultMQTTTopic {
		t.Errorf("MQTTTopic = %v, want %v", cfg.MQTTTopic, DefaultMQTTTopic)
	}
	if cfg.Namespace != "" {
		t.Errorf("Namespace = %v, want empty", cfg.Namespace)
	}
	if cfg.Runner != DefaultRunner {
		t.Errorf("Runner = %v, want %v", cfg.Runner, DefaultRunner)
	}
	if cfg.CoachImage != DefaultCoachImage {
		t.Errorf("CoachImage = %v, want %v", cfg.CoachImage, DefaultCoachImage)
	}
	if cfg.CoachReplicas != DefaultCoachReplicas {
		t.Errorf("CoachReplicas = %v, want %v", cfg.CoachReplicas, DefaultCoachReplicas)
	}
	if cfg.EvictionPolicy != DefaultEvictionPolicy {
		t.Errorf("EvictionPolicy = %v, want %v", cfg.EvictionPolicy, DefaultEvictionPolicy)
	}
	if cfg.IdleThreshold != 600*time.Second {
		t.Errorf("IdleThreshold = %v, want 10m", cfg.IdleThreshold)
	}
	if cfg.SaveInterval != 3600 || cfg.ClearInterval != 18000 {
		t.Errorf("SaveInterval, ClearInterval = %d, %d, want 3600, 18000", cfg.SaveInterval, cfg.ClearInterval)
	}
	if cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Errorf("ReconcileInterval = %v, want %v", cfg.ReconcileInterval, DefaultReconcileInterval)
	}
	if cfg.Replay {
		t.Error("Replay = true, want false")
	}
	if cfg.ArchiveBackend != "none" {
		t.Errorf("ArchiveBackend = %v, want none", cfg.ArchiveBackend)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("LogLevel, LogFormat = %q, %q, want info, text", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("PITCREW_PORT", "9090")
	t.Setenv("PITCREW_MQTT_BROKER", "tcp://telemetry:31883")
	t.Setenv("PITCREW_MQTT_USERNAME", "crew")
	t.Setenv("PITCREW_MQTT_PASSWORD", "chief")
	t.Setenv("PITCREW_NAMESPACE", "racing")
	t.Setenv("PITCREW_RUNNER", "local")
	t.Setenv("PITCREW_COACH_REPLICAS", "2")
	t.Setenv("PITCREW_COACH_IMAGESTREAM", "paddock:latest")
	t.Setenv("PITCREW_EVICTION_POLICY", "max-age")
	t.Setenv("PITCREW_IDLE_THRESHOLD", "120")
	t.Setenv("PITCREW_MAX_SESSION_AGE", "1800")
	t.Setenv("PITCREW_SAVE_INTERVAL", "60")
	t.Setenv("PITCREW_CLEAR_INTERVAL", "-1")
	t.Setenv("PITCREW_RECONCILE_INTERVAL", "5")
	t.Setenv("PITCREW_BACKEND_TIMEOUT", "3")
	t.Setenv("PITCREW_BACKEND_RATE_LIMIT", "2.5")
	t.Setenv("PITCREW_REPLAY", "true")
	t.Setenv("PITCREW_INGEST_SHARDS", "8")
	t.Setenv("PITCREW_WS_INGEST", "1")
	t.Setenv("PITCREW_LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %v, want 9090", cfg.Port)
	}
	if cfg.MQTTBroker != "tcp://telemetry:31883" || cfg.MQTTUsername != "crew" || cfg.MQTTPassword != "chief" {
		t.Errorf("MQTT = %q %q %q", cfg.MQTTBroker, cfg.MQTTUsername, cfg.MQTTPassword)
	}
	if cfg.Namespace != "racing" {
		t.Errorf("Namespace = %v, want racing", cfg.Namespace)
	}
	if cfg.Runner != "local" {
		t.Errorf("Runner = %v, want local", cfg.Runner)
	}
	if cfg.CoachReplicas != 2 || cfg.CoachImageTag != "paddock:latest" {
		t.Errorf("CoachReplicas, CoachImageTag = %d, %q", cfg.CoachReplicas, cfg.CoachImageTag)
	}
	if cfg.EvictionPolicy != "max-age" {
		t.Errorf("EvictionPolicy = %v, want max-age", cfg.EvictionPolicy)
	}
	if cfg.IdleThreshold != 2*time.Minute {
		t.Errorf("IdleThreshold = %v, want 2m", cfg.IdleThreshold)
	}
	if cfg.MaxSessionAge != 30*time.Minute {
		t.Errorf("MaxSessionAge = %v, want 30m", cfg.MaxSessionAge)
	}
	if cfg.SaveInterval != 60 || cfg.ClearInterval != -1 {
		t.Errorf("SaveInterval, ClearInterval = %d, %d, want 60, -1", cfg.SaveInterval, cfg.ClearInterval)
	}
	if cfg.ReconcileInterval != 5*time.Second || cfg.BackendTimeout != 3*time.Second {
		t.Errorf("ReconcileInterval, BackendTimeout = %v, %v", cfg.ReconcileInterval, cfg.BackendTimeout)
	}
	if cfg.BackendRate != 2.5 {
		t.Errorf("BackendRate = %v, want 2.5", cfg.BackendRate)
	}
	if !cfg.Replay || !cfg.WSIngest {
		t.Errorf("Replay, WSIngest = %v, %v, want true, true", cfg.Replay, cfg.WSIngest)
	}
	if cfg.IngestShards != 8 {
		t.Errorf("IngestShards = %v, want 8", cfg.IngestShards)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %v, want json", cfg.LogFormat)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"PITCREW_PORT", "http"},
		{"PITCREW_PORT", "70000"},
		{"PITCREW_DB_TYPE", "mysql"},
		{"PITCREW_RUNNER", "docker"},
		{"PITCREW_EVICTION_POLICY", "lru"},
		{"PITCREW_IDLE_THRESHOLD", "ten"},
		{"PITCREW_IDLE_THRESHOLD", "0"},
		{"PITCREW_RECONCILE_INTERVAL", "-5"},
		{"PITCREW_SAVE_INTERVAL", "0"},
		{"PITCREW_CLEAR_INTERVAL", "0"},
		{"PITCREW_BACKEND_RATE_LIMIT", "fast"},
		{"PITCREW_BACKEND_BURST", "0"},
		{"PITCREW_REPLAY", "maybe"},
		{"PITCREW_INGEST_SHARDS", "0"},
		{"PITCREW_ARCHIVE_BACKEND", "ftp"},
		{"PITCREW_LOG_LEVEL", "verbose"},
		{"PITCREW_LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			clearEnvVars(t)
			t.Setenv(tt.env, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tt.env, tt.value)
			}
			if !strings.Contains(err.Error(), tt.env) {
				t.Errorf("error should mention %s: %v", tt.env, err)
			}
		})
	}
}

func TestLoad_MultipleParseErrors(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("PITCREW_PORT", "invalid")
	t.Setenv("PITCREW_IDLE_THRESHOLD", "bad")
	t.Setenv("PITCREW_WS_INGEST", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for multiple invalid values")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error type = %T, want ValidationErrors", err)
	}
	if len(errs) != 3 {
		t.Errorf("len(errors) = %d, want 3: %v", len(errs), errs)
	}
}

func TestValidate_Postgres(t *testing.T) {
	cfg := validConfig()
	cfg.DBType = "postgres"
	if errs := cfg.Validate(); len(errs) != 1 || errs[0].Field != "PITCREW_DB_DSN" {
		t.Errorf("Validate() = %v, want one PITCREW_DB_DSN error", errs)
	}

	cfg.DBDSN = "postgres://pitcrew@db/pitcrew"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() with DSN = %v, want no errors", errs)
	}
}

func TestValidate_Archive(t *testing.T) {
	cfg := validConfig()
	cfg.ArchiveBackend = "s3"
	if errs := cfg.Validate(); len(errs) != 1 || errs[0].Field != "PITCREW_ARCHIVE_S3_BUCKET" {
		t.Errorf("Validate() = %v, want bucket error", errs)
	}

	cfg.ArchiveS3Bucket = "laps"
	cfg.ArchiveS3AccessKeyID = "AKIA"
	if errs := cfg.Validate(); len(errs) != 1 {
		t.Errorf("Validate() with half the credentials = %v, want one error", errs)
	}

	cfg.ArchiveS3SecretKey = "secret"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"sqlite", Config{DBType: "sqlite", DB: "laps.db"}, "laps.db"},
		{"postgres dsn", Config{DBType: "postgres", DBDSN: "postgres://x"}, "postgres://x"},
		{
			"postgres parts",
			Config{DBType: "postgres", DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: 5432, DBName: "n", DBSSLMode: "disable"},
			"postgres://u:p@h:5432/n?sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadWithFlags(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("PITCREW_PORT", "9000")

	cfg, err := LoadWithFlags(0, "")
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want env value 9000", cfg.Port)
	}

	cfg, err = LoadWithFlags(9100, "/tmp/laps.db")
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}
	if cfg.Port != 9100 || cfg.DB != "/tmp/laps.db" {
		t.Errorf("Port, DB = %d, %q, want 9100, /tmp/laps.db", cfg.Port, cfg.DB)
	}

	if _, err := LoadWithFlags(99999, ""); err == nil {
		t.Error("LoadWithFlags(99999) error = nil, want validation error")
	}
}

func TestValidationErrors_String(t *testing.T) {
	errs := ValidationErrors{
		{Field: "A", Message: "bad"},
		{Field: "B", Message: "worse"},
	}
	want := "configuration errors:\n  - A: bad\n  - B: worse"
	if got := errs.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := (ValidationErrors{}).Error(); got != "" {
		t.Errorf("empty Error() = %q, want empty", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn", LogFormat: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "driver", "alice")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["driver"] != "alice" {
		t.Errorf("entry = %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warning", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q) error = %v", s, err)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Error("ParseLevel(trace) error = nil, want error")
	}
}

func validConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		DBType:         "sqlite",
		DB:             DefaultDBPath,
		Runner:         DefaultRunner,
		CoachImage:     DefaultCoachImage,
		CoachReplicas:  1,
		BackendRate:    DefaultBackendRate,
		BackendBurst:   DefaultBackendBurst,
		EvictionPolicy: DefaultEvictionPolicy,
		SaveInterval:   DefaultSaveInterval,
		ClearInterval:  DefaultClearInterval,
		IngestShards:   DefaultIngestShards,
		IngestBuffer:   DefaultIngestBuffer,
		ArchiveBackend: DefaultArchiveBackend,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
	}
}

// clearEnvVars unsets every PITCREW_* variable for the duration of the test.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "PITCREW_") || key == "KUBECONFIG" {
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}
