package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alecthomas/errors"
)

// DefaultMemoryTopicCapacity is the number of undelivered events a memory topic buffers.
const DefaultMemoryTopicCapacity = 128

type InMemoryTopic[T any] struct {
	logger   *slog.Logger
	messages chan Event[T]
	lock     sync.Mutex
	closed   bool
}

// NewMemoryTopic creates a new in-memory [Topic].
//
// Publish never blocks: if the buffer is full the event is rejected.
func NewMemoryTopic[T any](logger *slog.Logger) Topic[T] {
	return &InMemoryTopic[T]{
		logger:   logger.With("topic", TopicName[T]()),
		messages: make(chan Event[T], DefaultMemoryTopicCapacity),
	}
}

var _ Topic[string] = (*InMemoryTopic[string])(nil)

func (i *InMemoryTopic[T]) Publish(ctx context.Context, msg Event[T]) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.closed {
		return errors.Errorf("failed to publish event %s, topic closed", msg.ID())
	}
	select {
	case i.messages <- msg:
		return nil
	default:
		return errors.Errorf("failed to publish event %s, channel full", msg.ID())
	}
}

func (i *InMemoryTopic[T]) Subscribe(ctx context.Context, handler func(context.Context, Event[T]) error) error {
	go func() {
		for {
			select {
			case msg, ok := <-i.messages:
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil && !errors.Is(err, ErrDiscard) {
					i.logger.Error("Failed to handle event", "event", msg.ID(), "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (i *InMemoryTopic[T]) Close() error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	close(i.messages)
	return nil
}
