package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ex-kagami/internal/pipeline"
	"ex-kagami/internal/source"
)

const (
	envPrefix               = "KAGAMI"
	envConfigFile           = "KAGAMI_CONFIG_FILE"
	defaultConfigFilePath   = "config/kagami.yaml"
	alternateConfigFilePath = "config/kagami.json"
)

type appConfig struct {
	logLevel slog.Level

	shutdownTimeout    time.Duration
	ingressBuffer      int
	subscriptionBuffer int
	feedBuffer         int
	affinityCapacity   int

	restBaseURL   string
	restToken     string
	restUserAgent string
	restTimeout   time.Duration

	queueSize    int
	maxInFlight  int
	maxWait      time.Duration
	joinWindow   time.Duration
	retry        pipeline.RetryPolicy
	breaker      pipeline.BreakerPolicy
	bucketLimit  int
	bucketWindow time.Duration

	diagEnabled      bool
	diagAddr         string
	diagWriteTimeout time.Duration

	sources []source.Definition
}

type fileConfig struct {
	LogLevel string             `mapstructure:"log_level"`
	Kernel   fileKernelConfig   `mapstructure:"kernel"`
	REST     fileRESTConfig     `mapstructure:"rest"`
	Pipeline filePipelineConfig `mapstructure:"pipeline"`
	Diag     fileDiagConfig     `mapstructure:"diag"`
	Sources  []fileSourceEntry  `mapstructure:"sources"`
}

type fileKernelConfig struct {
	ShutdownTimeout    string `mapstructure:"shutdown_timeout"`
	IngressBuffer      int    `mapstructure:"ingress_buffer"`
	SubscriptionBuffer int    `mapstructure:"subscription_buffer"`
	FeedBuffer         int    `mapstructure:"feed_buffer"`
	AffinityCapacity   int    `mapstructure:"affinity_capacity"`
}

type fileRESTConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Token     string `mapstructure:"token"`
	UserAgent string `mapstructure:"user_agent"`
	Timeout   string `mapstructure:"timeout"`
}

type filePipelineConfig struct {
	QueueSize     int               `mapstructure:"queue_size"`
	MaxInFlight   int               `mapstructure:"max_in_flight"`
	MaxWait       string            `mapstructure:"max_wait"`
	JoinWindow    string            `mapstructure:"join_window"`
	Retry         fileRetryConfig   `mapstructure:"retry"`
	Breaker       fileBreakerConfig `mapstructure:"breaker"`
	DefaultBucket fileBucketConfig  `mapstructure:"default_bucket"`
}

type fileRetryConfig struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	InitialBackoff string `mapstructure:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff"`
}

type fileBreakerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
	OpenTimeout         string `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32 `mapstructure:"half_open_requests"`
}

type fileBucketConfig struct {
	Limit  int    `mapstructure:"limit"`
	Window string `mapstructure:"window"`
}

type fileDiagConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

type fileSourceEntry struct {
	Name    string         `mapstructure:"name"`
	Type    string         `mapstructure:"type"`
	Enabled *bool          `mapstructure:"enabled"`
	Config  map[string]any `mapstructure:"config"`
}

// configDefaults are registered with viper so every key can be overridden
// from the environment, for example KAGAMI_PIPELINE_MAX_WAIT=30s.
var configDefaults = map[string]any{
	"log_level": "info",

	"kernel.shutdown_timeout":    "10s",
	"kernel.ingress_buffer":      256,
	"kernel.subscription_buffer": 256,
	"kernel.feed_buffer":         256,
	"kernel.affinity_capacity":   4096,

	"rest.base_url":   "https://discord.com/api/v10",
	"rest.token":      "",
	"rest.user_agent": "",
	"rest.timeout":    "30s",

	"pipeline.queue_size":                   32,
	"pipeline.max_in_flight":                16,
	"pipeline.max_wait":                     "2m",
	"pipeline.join_window":                  "5s",
	"pipeline.retry.max_attempts":           8,
	"pipeline.retry.initial_backoff":        "50ms",
	"pipeline.retry.max_backoff":            "5s",
	"pipeline.breaker.enabled":              false,
	"pipeline.breaker.consecutive_failures": 5,
	"pipeline.breaker.open_timeout":         "10s",
	"pipeline.breaker.half_open_requests":   1,
	"pipeline.default_bucket.limit":         0,
	"pipeline.default_bucket.window":        "1s",

	"diag.enabled":       true,
	"diag.addr":          "127.0.0.1:8089",
	"diag.write_timeout": "5s",
}

func loadConfig(path string, registry *source.Registry) (appConfig, error) {
	configFile, err := resolveConfigFilePath(path)
	if err != nil {
		return appConfig{}, err
	}

	parsed, err := readConfigFile(configFile)
	if err != nil {
		return appConfig{}, err
	}

	cfg, err := buildAppConfig(parsed)
	if err != nil {
		return appConfig{}, fmt.Errorf("config file %s: %w", configFile, err)
	}
	if err := validateAppConfig(&cfg, registry); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath(explicit string) (string, error) {
	if configFile := strings.TrimSpace(explicit); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

// readConfigFile loads path with environment overrides applied on top.
func readConfigFile(path string) (fileConfig, error) {
	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := v.Unmarshal(&parsed); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return parsed, nil
}

func buildAppConfig(parsed fileConfig) (appConfig, error) {
	var cfg appConfig
	var err error

	if cfg.logLevel, err = parseLogLevel(parsed.LogLevel); err != nil {
		return appConfig{}, fmt.Errorf("parse log_level: %w", err)
	}

	if cfg.shutdownTimeout, err = parsePositiveDuration("kernel.shutdown_timeout", parsed.Kernel.ShutdownTimeout); err != nil {
		return appConfig{}, err
	}
	cfg.ingressBuffer = parsed.Kernel.IngressBuffer
	cfg.subscriptionBuffer = parsed.Kernel.SubscriptionBuffer
	cfg.feedBuffer = parsed.Kernel.FeedBuffer
	cfg.affinityCapacity = parsed.Kernel.AffinityCapacity

	cfg.restBaseURL = strings.TrimSpace(parsed.REST.BaseURL)
	cfg.restToken = strings.TrimSpace(parsed.REST.Token)
	cfg.restUserAgent = strings.TrimSpace(parsed.REST.UserAgent)
	if cfg.restTimeout, err = parsePositiveDuration("rest.timeout", parsed.REST.Timeout); err != nil {
		return appConfig{}, err
	}

	cfg.queueSize = parsed.Pipeline.QueueSize
	cfg.maxInFlight = parsed.Pipeline.MaxInFlight
	if cfg.maxWait, err = parsePositiveDuration("pipeline.max_wait", parsed.Pipeline.MaxWait); err != nil {
		return appConfig{}, err
	}
	if cfg.joinWindow, err = parsePositiveDuration("pipeline.join_window", parsed.Pipeline.JoinWindow); err != nil {
		return appConfig{}, err
	}

	cfg.retry.MaxAttempts = parsed.Pipeline.Retry.MaxAttempts
	if cfg.retry.InitialBackoff, err = parsePositiveDuration(
		"pipeline.retry.initial_backoff", parsed.Pipeline.Retry.InitialBackoff,
	); err != nil {
		return appConfig{}, err
	}
	if cfg.retry.MaxBackoff, err = parsePositiveDuration(
		"pipeline.retry.max_backoff", parsed.Pipeline.Retry.MaxBackoff,
	); err != nil {
		return appConfig{}, err
	}

	cfg.breaker.Enabled = parsed.Pipeline.Breaker.Enabled
	cfg.breaker.ConsecutiveFailures = parsed.Pipeline.Breaker.ConsecutiveFailures
	cfg.breaker.HalfOpenRequests = parsed.Pipeline.Breaker.HalfOpenRequests
	if cfg.breaker.OpenTimeout, err = parsePositiveDuration(
		"pipeline.breaker.open_timeout", parsed.Pipeline.Breaker.OpenTimeout,
	); err != nil {
		return appConfig{}, err
	}

	cfg.bucketLimit = parsed.Pipeline.DefaultBucket.Limit
	if cfg.bucketWindow, err = parsePositiveDuration(
		"pipeline.default_bucket.window", parsed.Pipeline.DefaultBucket.Window,
	); err != nil {
		return appConfig{}, err
	}

	cfg.diagEnabled = parsed.Diag.Enabled
	cfg.diagAddr = strings.TrimSpace(parsed.Diag.Addr)
	if cfg.diagWriteTimeout, err = parsePositiveDuration("diag.write_timeout", parsed.Diag.WriteTimeout); err != nil {
		return appConfig{}, err
	}

	cfg.sources = make([]source.Definition, 0, len(parsed.Sources))
	for index, entry := range parsed.Sources {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		var rawConfig []byte
		if len(entry.Config) > 0 {
			rawConfig, err = json.Marshal(entry.Config)
			if err != nil {
				return appConfig{}, fmt.Errorf("encode sources[%d].config: %w", index, err)
			}
		}
		cfg.sources = append(cfg.sources, source.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  rawConfig,
		})
	}

	return cfg, nil
}

func validateAppConfig(cfg *appConfig, registry *source.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil source registry")
	}

	positive := []struct {
		field string
		value int
	}{
		{field: "kernel.ingress_buffer", value: cfg.ingressBuffer},
		{field: "kernel.subscription_buffer", value: cfg.subscriptionBuffer},
		{field: "kernel.feed_buffer", value: cfg.feedBuffer},
		{field: "kernel.affinity_capacity", value: cfg.affinityCapacity},
		{field: "pipeline.queue_size", value: cfg.queueSize},
		{field: "pipeline.max_in_flight", value: cfg.maxInFlight},
	}
	for _, check := range positive {
		if check.value <= 0 {
			return fmt.Errorf("%s: must be > 0", check.field)
		}
	}
	if cfg.retry.MaxAttempts < 0 {
		return fmt.Errorf("pipeline.retry.max_attempts: must be >= 0")
	}
	if cfg.bucketLimit < 0 {
		return fmt.Errorf("pipeline.default_bucket.limit: must be >= 0")
	}
	if cfg.restBaseURL == "" {
		return fmt.Errorf("rest.base_url is required")
	}
	if cfg.diagEnabled && cfg.diagAddr == "" {
		return fmt.Errorf("diag.addr is required when diag is enabled")
	}

	enabled := 0
	seen := make(map[string]struct{}, len(cfg.sources))
	for _, definition := range cfg.sources {
		if definition.Name == "" {
			return fmt.Errorf("sources[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("sources[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("sources[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if !registry.Supports(definition.Type) {
			return fmt.Errorf("sources[%s].type: unsupported type %s", definition.Name, definition.Type)
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one enabled source is required")
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func parsePositiveDuration(field string, raw string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
