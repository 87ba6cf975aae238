package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"

	"ex-kagami/internal/kernel"
	"ex-kagami/internal/source"
	"ex-kagami/pkg/kagami"
)

const minimalConfig = `{"sources":[{"name":"local","type":"gochannel"}]}`

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func builtinRegistry(t *testing.T) *source.Registry {
	t.Helper()

	registry, err := source.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new builtin registry failed: %v", err)
	}

	return registry
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "ERROR", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr {
				return
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads all supported fields from a yaml file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "kagami.yaml")
		writeConfigFile(t, configPath, `
log_level: warn
kernel:
  shutdown_timeout: 15s
  ingress_buffer: 32
  subscription_buffer: 64
  feed_buffer: 16
  affinity_capacity: 100
rest:
  base_url: http://127.0.0.1:9000/api
  token: Bot abc
  user_agent: kagami-test
  timeout: 3s
pipeline:
  queue_size: 8
  max_in_flight: 2
  max_wait: 30s
  join_window: 1s
  retry:
    max_attempts: 4
    initial_backoff: 10ms
    max_backoff: 1s
  breaker:
    enabled: true
    consecutive_failures: 3
    open_timeout: 2s
    half_open_requests: 2
  default_bucket:
    limit: 50
    window: 1s
diag:
  enabled: false
  addr: 127.0.0.1:0
  write_timeout: 2s
sources:
  - name: local
    type: gochannel
    config:
      topic: test.dispatch
      buffer: 8
  - name: spare
    type: unknown
    enabled: false
`)

		cfg, err := loadConfig(configPath, builtinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.logLevel != slog.LevelWarn {
			t.Fatalf("log level = %v, want warn", cfg.logLevel)
		}
		if cfg.shutdownTimeout != 15*time.Second || cfg.ingressBuffer != 32 || cfg.subscriptionBuffer != 64 {
			t.Fatalf("kernel config = %v %d %d", cfg.shutdownTimeout, cfg.ingressBuffer, cfg.subscriptionBuffer)
		}
		if cfg.feedBuffer != 16 || cfg.affinityCapacity != 100 {
			t.Fatalf("router config = %d %d", cfg.feedBuffer, cfg.affinityCapacity)
		}
		if cfg.restBaseURL != "http://127.0.0.1:9000/api" || cfg.restToken != "Bot abc" || cfg.restTimeout != 3*time.Second {
			t.Fatalf("rest config = %q %q %v", cfg.restBaseURL, cfg.restToken, cfg.restTimeout)
		}
		if cfg.queueSize != 8 || cfg.maxInFlight != 2 || cfg.maxWait != 30*time.Second || cfg.joinWindow != time.Second {
			t.Fatalf("pipeline config = %d %d %v %v", cfg.queueSize, cfg.maxInFlight, cfg.maxWait, cfg.joinWindow)
		}
		if cfg.retry.MaxAttempts != 4 || cfg.retry.InitialBackoff != 10*time.Millisecond {
			t.Fatalf("retry = %+v", cfg.retry)
		}
		if !cfg.breaker.Enabled || cfg.breaker.ConsecutiveFailures != 3 || cfg.breaker.HalfOpenRequests != 2 {
			t.Fatalf("breaker = %+v", cfg.breaker)
		}
		if cfg.bucketLimit != 50 || cfg.diagEnabled {
			t.Fatalf("bucket limit = %d, diag enabled = %t", cfg.bucketLimit, cfg.diagEnabled)
		}
		if len(cfg.sources) != 2 {
			t.Fatalf("sources = %+v", cfg.sources)
		}
		local := cfg.sources[0]
		if local.Name != "local" || !local.Enabled || !strings.Contains(string(local.Config), `"topic":"test.dispatch"`) {
			t.Fatalf("local source = %+v (%s)", local, local.Config)
		}
		if cfg.sources[1].Enabled {
			t.Fatal("spare source should be disabled")
		}
	})

	t.Run("applies defaults to a minimal json file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "kagami.json")
		writeConfigFile(t, configPath, minimalConfig)

		cfg, err := loadConfig(configPath, builtinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.queueSize != 32 || cfg.maxWait != 2*time.Minute {
			t.Fatalf("pipeline defaults = %d %v, want 32 2m", cfg.queueSize, cfg.maxWait)
		}
		if cfg.restBaseURL != "https://discord.com/api/v10" || !cfg.diagEnabled {
			t.Fatalf("defaults = %q %t", cfg.restBaseURL, cfg.diagEnabled)
		}
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "kagami.json")
		writeConfigFile(t, configPath, `{"pipeline":{"max_wait":"1m"},"sources":[{"name":"local","type":"gochannel"}]}`)
		t.Setenv("KAGAMI_PIPELINE_MAX_WAIT", "45s")
		t.Setenv("KAGAMI_PIPELINE_QUEUE_SIZE", "64")
		t.Setenv("KAGAMI_DIAG_ENABLED", "false")

		cfg, err := loadConfig(configPath, builtinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if cfg.maxWait != 45*time.Second || cfg.queueSize != 64 || cfg.diagEnabled {
			t.Fatalf("overrides = %v %d %t", cfg.maxWait, cfg.queueSize, cfg.diagEnabled)
		}
	})

	t.Run("loads fallback path config/kagami.json when no explicit path is set", func(t *testing.T) {
		workDir := t.TempDir()
		writeConfigFile(t, filepath.Join(workDir, "config", "kagami.json"), minimalConfig)

		currentDir, err := os.Getwd()
		if err != nil {
			t.Fatalf("get working directory: %v", err)
		}
		if err := os.Chdir(workDir); err != nil {
			t.Fatalf("chdir to temp work dir: %v", err)
		}
		t.Cleanup(func() {
			if err := os.Chdir(currentDir); err != nil {
				t.Fatalf("restore working directory: %v", err)
			}
		})
		t.Setenv(envConfigFile, "")

		cfg, err := loadConfig("", builtinRegistry(t))
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}
		if len(cfg.sources) != 1 || cfg.sources[0].Name != "local" {
			t.Fatalf("sources = %+v", cfg.sources)
		}
	})

	t.Run("invalid config values fail", func(t *testing.T) {
		tests := []struct {
			name       string
			fileJSON   string
			wantErrSub string
		}{
			{
				name:       "invalid log level",
				fileJSON:   `{"log_level":"trace","sources":[{"name":"local","type":"gochannel"}]}`,
				wantErrSub: "parse log_level",
			},
			{
				name:       "invalid max wait",
				fileJSON:   `{"pipeline":{"max_wait":"bad"},"sources":[{"name":"local","type":"gochannel"}]}`,
				wantErrSub: "parse pipeline.max_wait",
			},
			{
				name:       "non-positive shutdown timeout",
				fileJSON:   `{"kernel":{"shutdown_timeout":"0s"},"sources":[{"name":"local","type":"gochannel"}]}`,
				wantErrSub: "parse kernel.shutdown_timeout: must be > 0",
			},
			{
				name:       "non-positive queue size",
				fileJSON:   `{"pipeline":{"queue_size":0},"sources":[{"name":"local","type":"gochannel"}]}`,
				wantErrSub: "pipeline.queue_size: must be > 0",
			},
			{
				name:       "no enabled source",
				fileJSON:   `{"sources":[{"name":"local","type":"gochannel","enabled":false}]}`,
				wantErrSub: "at least one enabled source is required",
			},
			{
				name:       "unsupported source type",
				fileJSON:   `{"sources":[{"name":"local","type":"amqp"}]}`,
				wantErrSub: "unsupported type amqp",
			},
			{
				name:       "duplicate source name",
				fileJSON:   `{"sources":[{"name":"local","type":"gochannel"},{"name":"local","type":"gochannel"}]}`,
				wantErrSub: "duplicate name",
			},
		}

		for _, testCase := range tests {
			testCase := testCase
			t.Run(testCase.name, func(t *testing.T) {
				configPath := filepath.Join(t.TempDir(), "kagami.json")
				writeConfigFile(t, configPath, testCase.fileJSON)

				_, err := loadConfig(configPath, builtinRegistry(t))
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), testCase.wantErrSub) {
					t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
				}
			})
		}
	})

	t.Run("missing explicit config file fails", func(t *testing.T) {
		t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.json"))
		if _, err := loadConfig("", builtinRegistry(t)); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})
}

func loadTestConfig(t *testing.T) (appConfig, *source.Registry) {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "kagami.json")
	writeConfigFile(t, configPath, `{
		"log_level":"error",
		"diag":{"addr":"127.0.0.1:0"},
		"sources":[{"name":"local","type":"gochannel","config":{"topic":"app.test"}}]
	}`)
	registry := builtinRegistry(t)
	cfg, err := loadConfig(configPath, registry)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	return cfg, registry
}

func TestAppGraphValidates(t *testing.T) {
	cfg, registry := loadTestConfig(t)

	if err := fx.ValidateApp(appOptions(cfg, registry, newLogger(cfg.logLevel))); err != nil {
		t.Fatalf("validate app failed: %v", err)
	}
}

func TestAppRunsSourcesIntoKernel(t *testing.T) {
	cfg, registry := loadTestConfig(t)

	var (
		k        *kernel.Kernel
		runtimes []source.Runtime
	)
	app := fx.New(
		appOptions(cfg, registry, newLogger(cfg.logLevel)),
		fx.Populate(&k, &runtimes),
	)
	if err := app.Err(); err != nil {
		t.Fatalf("build app failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start app failed: %v", err)
	}

	if len(runtimes) != 1 {
		t.Fatalf("runtimes = %d, want 1", len(runtimes))
	}
	local, ok := runtimes[0].Source.(*source.Watermill)
	if !ok {
		t.Fatalf("source type = %T, want *source.Watermill", runtimes[0].Source)
	}
	select {
	case <-local.Ready():
	case <-ctx.Done():
		t.Fatal("source never subscribed")
	}

	raw := []byte(`{"t":"GUILD_CREATE","s":1,"d":{"id":"7","name":"g","channels":[{"id":"11","name":"general"}]}}`)
	if err := runtimes[0].Injector.Inject(ctx, raw); err != nil {
		t.Fatalf("inject failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		guild, cached := k.Hub().State().Current.Guild(kagami.ID(7))
		if cached && guild.Name == "g" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("guild never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop app failed: %v", err)
	}
}
