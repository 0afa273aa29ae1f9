// Package redis implements a [pubsub.Topic] on Redis Streams.
//
// Events are appended to a stream named after the topic, and each [Topic.Subscribe] call runs a consumer in a
// shared consumer group, so every event is delivered to exactly one subscriber across all processes.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jpillora/backoff"
	backend "github.com/redis/go-redis/v9"
	"go.jetify.com/typeid/v2"

	"github.com/alecthomas/landlord/providers/pubsub"
)

// Config for a Redis topic.
type Config struct {
	URL    string        `help:"Redis URL." default:"redis://localhost:6379/0"`
	Prefix string        `help:"Prefix for stream keys." default:"landlord:"`
	Group  string        `help:"Consumer group shared by all subscribers." default:"landlord"`
	MaxLen int64         `help:"Approximate maximum number of events retained per stream." default:"10000"`
	Block  time.Duration `help:"How long a consumer blocks waiting for events." default:"1s"`
}

// NewClient creates a Redis client from the configured URL.
func NewClient(config Config) (*backend.Client, error) {
	options, err := backend.ParseURL(config.URL)
	if err != nil {
		return nil, errors.Errorf("invalid Redis URL: %w", err)
	}
	return backend.NewClient(options), nil
}

type Topic[T any] struct {
	logger *slog.Logger
	client backend.UniversalClient
	config Config
	stream string

	lock    sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

var _ pubsub.Topic[string] = (*Topic[string])(nil)

// New creates a [pubsub.Topic] backed by a Redis stream, creating the consumer group if necessary.
func New[T any](ctx context.Context, logger *slog.Logger, client backend.UniversalClient, config Config) (*Topic[T], error) {
	if config.Group == "" {
		config.Group = "landlord"
	}
	if config.Block <= 0 {
		config.Block = time.Second
	}
	stream := config.Prefix + pubsub.TopicName[T]()
	err := client.XGroupCreateMkStream(ctx, stream, config.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, errors.Errorf("failed to create consumer group %q on %q: %w", config.Group, stream, err)
	}
	logger.Debug("Registered topic", "stream", stream, "group", config.Group)
	return &Topic[T]{
		logger: logger.With("stream", stream),
		client: client,
		config: config,
		stream: stream,
	}, nil
}

func (t *Topic[T]) Publish(ctx context.Context, event pubsub.Event[T]) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal event %s", event.ID())
	}
	args := &backend.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{"event": data},
	}
	if t.config.MaxLen > 0 {
		args.MaxLen = t.config.MaxLen
		args.Approx = true
	}
	err = t.client.XAdd(ctx, args).Err()
	return errors.Wrapf(err, "failed to publish event %s to %s", event.ID(), t.stream)
}

// Subscribe starts a consumer that delivers events to handler until ctx is cancelled or the topic is closed.
//
// Events are acknowledged once handler returns, whether or not it succeeded.
func (t *Topic[T]) Subscribe(ctx context.Context, handler func(context.Context, pubsub.Event[T]) error) error {
	ctx, cancel := context.WithCancel(ctx)
	t.lock.Lock()
	t.cancels = append(t.cancels, cancel)
	t.lock.Unlock()
	consumer := typeid.MustGenerate("consumer").String()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.consume(ctx, consumer, handler)
	}()
	return nil
}

func (t *Topic[T]) consume(ctx context.Context, consumer string, handler func(context.Context, pubsub.Event[T]) error) {
	logger := t.logger.With("consumer", consumer)
	retry := backoff.Backoff{Min: time.Millisecond * 100, Max: time.Second * 10}
	for {
		streams, err := t.client.XReadGroup(ctx, &backend.XReadGroupArgs{
			Group:    t.config.Group,
			Consumer: consumer,
			Streams:  []string{t.stream, ">"},
			Count:    16,
			Block:    t.config.Block,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, backend.Nil) {
			continue
		}
		if err != nil {
			delay := retry.Duration()
			logger.Warn("Failed to read from stream", "error", err, "retry", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		retry.Reset()
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.deliver(ctx, logger, msg, handler)
			}
		}
	}
}

func (t *Topic[T]) deliver(ctx context.Context, logger *slog.Logger, msg backend.XMessage, handler func(context.Context, pubsub.Event[T]) error) {
	defer func() {
		if err := t.client.XAck(context.WithoutCancel(ctx), t.stream, t.config.Group, msg.ID).Err(); err != nil {
			logger.Warn("Failed to acknowledge event", "id", msg.ID, "error", err)
		}
	}()
	raw, ok := msg.Values["event"].(string)
	if !ok {
		logger.Error("Malformed stream entry", "id", msg.ID)
		return
	}
	var event pubsub.Event[T]
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		logger.Error("Failed to unmarshal event", "id", msg.ID, "error", err)
		return
	}
	if err := handler(ctx, event); err != nil && !errors.Is(err, pubsub.ErrDiscard) {
		logger.Error("Failed to handle event", "event", event.ID(), "error", err)
	}
}

// Close stops all consumers. It does not close the Redis client.
func (t *Topic[T]) Close() error {
	t.lock.Lock()
	cancels := t.cancels
	t.cancels = nil
	t.lock.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	t.wg.Wait()
	return nil
}
