// Package config loads the runtime's configuration from environment
// variables, with an optional YAML file overlay and local .env loading
// for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every configuration key the runtime recognizes.
type Config struct {
	DatabaseURL  string `yaml:"database_url"`
	BlobStoreURL string `yaml:"blob_store_url"`

	ProtocolVersion string `yaml:"protocol_version"`

	HeartbeatIntervalS      int `yaml:"heartbeat_interval_s"`
	SubscriberQueueCapacity int `yaml:"subscriber_queue_capacity"`
	ReplayBufferCapacity    int `yaml:"replay_buffer_capacity"`
	NodeDefaultTimeoutS     int `yaml:"node_default_timeout_s"`
	ExecutionTimeoutS       int `yaml:"execution_timeout_s"`
	RecursionLimit          int `yaml:"recursion_limit"`

	RetryDefaultMaxAttempts        int     `yaml:"retry_default_max_attempts"`
	RetryDefaultInitialIntervalS   float64 `yaml:"retry_default_initial_interval_s"`
	RetryDefaultBackoffFactor      float64 `yaml:"retry_default_backoff_factor"`
	RetryDefaultJitter             float64 `yaml:"retry_default_jitter"`

	EncryptionKeyCurrent string   `yaml:"encryption_key_current"`
	EncryptionKeyRetired []string `yaml:"encryption_key_retired"`
}

// Defaults returns the configuration values used when neither a file nor
// the environment specifies a key. They are not the engine's zero-value
// defaults (graph/engine_options.go): the recursion limit (250) and the
// disabled execution timeout match, but the 30s node timeout and the
// 3-attempt retry policy differ from the engine's no-timeout, no-retry
// zero values.
func Defaults() Config {
	return Config{
		ProtocolVersion:               "v1",
		HeartbeatIntervalS:            15,
		SubscriberQueueCapacity:       256,
		ReplayBufferCapacity:          10_000,
		NodeDefaultTimeoutS:           30,
		ExecutionTimeoutS:             0,
		RecursionLimit:                250,
		RetryDefaultMaxAttempts:       3,
		RetryDefaultInitialIntervalS:  1,
		RetryDefaultBackoffFactor:     2,
		RetryDefaultJitter:            0.1,
	}
}

// Load builds a Config: Defaults(), overlaid by yamlPath's contents (if
// non-empty), overlaid by environment variables (if set); later sources
// win. dotEnvPath, if non-empty, is
// loaded into the process environment first via godotenv, for local
// development; a missing .env file is not an error.
func Load(yamlPath, dotEnvPath string) (Config, error) {
	if dotEnvPath != "" {
		if err := godotenv.Load(dotEnvPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load .env: %w", err)
		}
	}

	cfg := Defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read yaml overlay: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml overlay: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: database_url is required")
	}
	if cfg.BlobStoreURL == "" {
		return Config{}, fmt.Errorf("config: blob_store_url is required")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.DatabaseURL, "DATABASE_URL")
	str(&cfg.BlobStoreURL, "BLOB_STORE_URL")
	str(&cfg.ProtocolVersion, "PROTOCOL_VERSION")

	intVal(&cfg.HeartbeatIntervalS, "HEARTBEAT_INTERVAL_S")
	intVal(&cfg.SubscriberQueueCapacity, "SUBSCRIBER_QUEUE_CAPACITY")
	intVal(&cfg.ReplayBufferCapacity, "REPLAY_BUFFER_CAPACITY")
	intVal(&cfg.NodeDefaultTimeoutS, "NODE_DEFAULT_TIMEOUT_S")
	intVal(&cfg.ExecutionTimeoutS, "EXECUTION_TIMEOUT_S")
	intVal(&cfg.RecursionLimit, "RECURSION_LIMIT")
	intVal(&cfg.RetryDefaultMaxAttempts, "RETRY_DEFAULT_MAX_ATTEMPTS")

	floatVal(&cfg.RetryDefaultInitialIntervalS, "RETRY_DEFAULT_INITIAL_INTERVAL_S")
	floatVal(&cfg.RetryDefaultBackoffFactor, "RETRY_DEFAULT_BACKOFF_FACTOR")
	floatVal(&cfg.RetryDefaultJitter, "RETRY_DEFAULT_JITTER")

	str(&cfg.EncryptionKeyCurrent, "ENCRYPTION_KEY_CURRENT")
	if v, ok := os.LookupEnv("ENCRYPTION_KEY_RETIRED"); ok {
		cfg.EncryptionKeyRetired = splitNonEmpty(v, ',')
	}
}

func str(dst *string, envVar string) {
	if v, ok := os.LookupEnv(envVar); ok {
		*dst = v
	}
}

func intVal(dst *int, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func floatVal(dst *float64, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// NodeTimeout returns NodeDefaultTimeoutS as a time.Duration, for wiring
// directly into graph.Options.DefaultNodeTimeout.
func (c Config) NodeTimeout() time.Duration {
	return time.Duration(c.NodeDefaultTimeoutS) * time.Second
}

// ExecutionTimeout returns ExecutionTimeoutS as a time.Duration, zero
// meaning no wall-clock budget (graph.Options.RunWallClockBudget).
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutS) * time.Second
}

// HeartbeatInterval returns HeartbeatIntervalS as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}
