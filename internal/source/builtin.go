package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// TypeGoChannel is the in-process watermill pub/sub source type.
	TypeGoChannel = "gochannel"

	defaultTopic  = "kagami.dispatch"
	defaultBuffer = 256
)

// goChannelConfig is the JSON config of a gochannel source.
type goChannelConfig struct {
	Topic           string `json:"topic"`
	Buffer          int64  `json:"buffer"`
	PublishTimeout  string `json:"publish_timeout"`
	RedeliveryDelay string `json:"redelivery_delay"`
}

// NewBuiltinRegistry constructs the source registry with all built-in types.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: TypeGoChannel,
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				source, err := BuildGoChannel(definition.Name, builderLogger, definition.Config)
				if err != nil {
					return Runtime{}, fmt.Errorf("build gochannel source from config: %w", err)
				}

				return Runtime{
					Source:   source,
					Injector: source,
				}, nil
			},
		},
	})
}

// BuildGoChannel builds a watermill source over an in-process gochannel.
//
// Publishing blocks until the source settles each message, which keeps
// delivery in publish order.
func BuildGoChannel(name string, logger *slog.Logger, rawConfig []byte) (*Watermill, error) {
	cfg, err := parseGoChannelConfig(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("parse gochannel config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            cfg.Buffer,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logger))

	options := []WatermillOption{
		WithPublisher(pubSub),
		WithLogger(logger),
	}
	if cfg.PublishTimeout != "" {
		timeout, err := parsePositiveDuration("publish_timeout", cfg.PublishTimeout)
		if err != nil {
			return nil, err
		}
		options = append(options, WithPublishTimeout(timeout))
	}
	if cfg.RedeliveryDelay != "" {
		delay, err := time.ParseDuration(cfg.RedeliveryDelay)
		if err != nil {
			return nil, fmt.Errorf("parse redelivery_delay: %w", err)
		}
		options = append(options, WithRedeliveryDelay(delay))
	}

	return NewWatermill(name, cfg.Topic, pubSub, options...)
}

func parseGoChannelConfig(raw []byte) (goChannelConfig, error) {
	cfg := goChannelConfig{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return goChannelConfig{}, fmt.Errorf("unmarshal: %w", err)
		}
	}

	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.Buffer < 0 {
		return goChannelConfig{}, fmt.Errorf("buffer must be >= 0")
	}
	if cfg.Buffer == 0 {
		cfg.Buffer = defaultBuffer
	}
	cfg.PublishTimeout = strings.TrimSpace(cfg.PublishTimeout)
	cfg.RedeliveryDelay = strings.TrimSpace(cfg.RedeliveryDelay)

	return cfg, nil
}

func parsePositiveDuration(field string, raw string) (time.Duration, error) {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
