package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"ex-kagami/internal/codec"
	"ex-kagami/pkg/kagami"
)

const (
	defaultPublishTimeout  = 2 * time.Second
	defaultRedeliveryDelay = 100 * time.Millisecond
)

// watermillConfig contains runtime controls for publish timeout and redelivery.
type watermillConfig struct {
	publisher       message.Publisher
	publishTimeout  time.Duration
	redeliveryDelay time.Duration
	logger          *slog.Logger
	decoder         codec.Decoder
}

// WatermillOption mutates watermill source configuration.
type WatermillOption func(*watermillConfig)

// WithPublisher enables Inject through publisher on the source topic.
func WithPublisher(publisher message.Publisher) WatermillOption {
	return func(cfg *watermillConfig) {
		if publisher != nil {
			cfg.publisher = publisher
		}
	}
}

// WithPublishTimeout bounds each hub publish.
func WithPublishTimeout(timeout time.Duration) WatermillOption {
	return func(cfg *watermillConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithRedeliveryDelay configures the pause before nacking a message the hub refused.
func WithRedeliveryDelay(delay time.Duration) WatermillOption {
	return func(cfg *watermillConfig) {
		if delay >= 0 {
			cfg.redeliveryDelay = delay
		}
	}
}

// WithLogger configures source logging.
func WithLogger(logger *slog.Logger) WatermillOption {
	return func(cfg *watermillConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WatermillStats counts message outcomes of one source.
type WatermillStats struct {
	Delivered   uint64
	Rejected    uint64
	Redelivered uint64
}

// Watermill consumes gateway envelopes from one watermill topic.
//
// Malformed envelopes are logged and acked so they are not redelivered.
// Envelopes the hub refuses are nacked for redelivery.
type Watermill struct {
	name       string
	topic      string
	subscriber message.Subscriber
	cfg        watermillConfig

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	closeErr  error

	delivered   atomic.Uint64
	rejected    atomic.Uint64
	redelivered atomic.Uint64
}

// NewWatermill creates a source reading topic from subscriber.
//
// The source owns subscriber and the optional publisher; Shutdown closes them.
func NewWatermill(
	name string,
	topic string,
	subscriber message.Subscriber,
	options ...WatermillOption,
) (*Watermill, error) {
	if name == "" {
		return nil, fmt.Errorf("new watermill source: empty name")
	}
	if topic == "" {
		return nil, fmt.Errorf("new watermill source %s: empty topic", name)
	}
	if subscriber == nil {
		return nil, fmt.Errorf("new watermill source %s: nil subscriber", name)
	}

	cfg := watermillConfig{
		publishTimeout:  defaultPublishTimeout,
		redeliveryDelay: defaultRedeliveryDelay,
		logger:          slog.Default(),
		decoder:         codec.NewDecoder(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Watermill{
		name:       name,
		topic:      topic,
		subscriber: subscriber,
		cfg:        cfg,
		ready:      make(chan struct{}),
	}, nil
}

// Name returns the configured source name.
func (w *Watermill) Name() string {
	return w.name
}

// Topic returns the consumed topic.
func (w *Watermill) Topic() string {
	return w.topic
}

// Ready returns a channel closed once Start has subscribed.
func (w *Watermill) Ready() <-chan struct{} {
	return w.ready
}

// Stats returns message outcome counters.
func (w *Watermill) Stats() WatermillStats {
	return WatermillStats{
		Delivered:   w.delivered.Load(),
		Rejected:    w.rejected.Load(),
		Redelivered: w.redelivered.Load(),
	}
}

// Start subscribes to the topic and publishes decoded events into sink.
func (w *Watermill) Start(ctx context.Context, sink kagami.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start source %s: nil sink", w.name)
	}

	messages, err := w.subscriber.Subscribe(ctx, w.topic)
	if err != nil {
		return fmt.Errorf("start source %s: subscribe %s: %w", w.name, w.topic, err)
	}
	w.readyOnce.Do(func() { close(w.ready) })
	w.cfg.logger.DebugContext(ctx, "source subscribed", "topic", w.topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("start source %s topic %s: %w", w.name, w.topic, kagami.ErrSubscriptionClosed)
			}
			w.handle(ctx, msg, sink)
		}
	}
}

// handle settles one message: ack on publish or poison, nack on refusal.
func (w *Watermill) handle(ctx context.Context, msg *message.Message, sink kagami.EventSink) {
	event, err := w.decodeSafely(msg)
	if err != nil {
		w.rejected.Add(1)
		w.cfg.logger.WarnContext(ctx, "dropping malformed envelope",
			"message_uuid", msg.UUID,
			"error", err,
		)
		msg.Ack()
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, w.cfg.publishTimeout)
	err = sink.Publish(publishCtx, event)
	cancel()
	if err == nil {
		w.delivered.Add(1)
		msg.Ack()
		return
	}
	if ctx.Err() != nil {
		msg.Nack()
		return
	}

	w.redelivered.Add(1)
	w.cfg.logger.WarnContext(ctx, "hub refused event, requesting redelivery",
		"event", event.String(),
		"message_uuid", msg.UUID,
		"error", err,
	)
	if w.cfg.redeliveryDelay > 0 {
		timer := time.NewTimer(w.cfg.redeliveryDelay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	msg.Nack()
}

// decodeSafely protects decoder panics at the source boundary.
func (w *Watermill) decodeSafely(msg *message.Message) (event kagami.Event, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("decode message %s panic: %v", msg.UUID, recovered)
	}()

	event, err = w.cfg.decoder.Decode(msg.Payload)
	if err != nil {
		return kagami.Event{}, fmt.Errorf("decode message %s: %w", msg.UUID, err)
	}
	event.ID = msg.UUID

	return event, nil
}

// Inject publishes one raw envelope onto the source topic.
func (w *Watermill) Inject(ctx context.Context, raw []byte) error {
	if w.cfg.publisher == nil {
		return fmt.Errorf("inject into source %s: no publisher configured", w.name)
	}
	if _, err := codec.Peek(raw); err != nil {
		return fmt.Errorf("inject into source %s: %w", w.name, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.SetContext(ctx)
	if err := w.cfg.publisher.Publish(w.topic, msg); err != nil {
		return fmt.Errorf("inject into source %s: publish %s: %w", w.name, w.topic, err)
	}

	return nil
}

// Shutdown closes the subscriber and publisher.
func (w *Watermill) Shutdown(_ context.Context) error {
	w.closeOnce.Do(func() {
		var closeErr error
		if err := w.subscriber.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscriber: %w", err))
		}
		if w.cfg.publisher != nil && any(w.cfg.publisher) != any(w.subscriber) {
			if err := w.cfg.publisher.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close publisher: %w", err))
			}
		}
		if closeErr != nil {
			w.closeErr = fmt.Errorf("shutdown source %s: %w", w.name, closeErr)
		}
	})

	return w.closeErr
}
