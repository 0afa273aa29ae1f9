package leases

import (
	"context"
	"log/slog"
	"time"

	"github.com/alecthomas/landlord/providers/pubsub"
)

// EventKind is the lifecycle transition an [Event] reports.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventRenewed    EventKind = "renewed"
	EventEvicted    EventKind = "evicted"
	EventCancelled  EventKind = "cancelled"
)

// Event is delivered to observers for every lease lifecycle transition.
type Event struct {
	ID         string        `json:"id"`
	Kind       EventKind     `json:"kind"`
	Cookie     Cookie        `json:"cookie"`
	Expiration time.Time     `json:"expiration"`
	Granted    time.Duration `json:"granted,omitempty"`
	Time       time.Time     `json:"time"`
	// Payload of the resource. It is not serialised.
	Payload any `json:"-"`
}

// EventID implements pubsub.EventPayload.
func (e Event) EventID() string { return e.ID }

// Observer receives lease lifecycle events.
//
// Observers are called synchronously after the transition has been applied and must not block.
type Observer interface {
	LeaseEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to the [Observer] interface.
type ObserverFunc func(ctx context.Context, event Event)

func (o ObserverFunc) LeaseEvent(ctx context.Context, event Event) { o(ctx, event) }

// TopicObserver publishes lease events to a [pubsub.Topic].
type TopicObserver struct {
	logger *slog.Logger
	topic  pubsub.Topic[Event]
}

var _ Observer = (*TopicObserver)(nil)

// NewTopicObserver creates an [Observer] that publishes to topic.
func NewTopicObserver(logger *slog.Logger, topic pubsub.Topic[Event]) *TopicObserver {
	return &TopicObserver{logger: logger, topic: topic}
}

func (t *TopicObserver) LeaseEvent(ctx context.Context, event Event) {
	if err := t.topic.Publish(ctx, pubsub.NewEvent(event)); err != nil {
		t.logger.Warn("Failed to publish lease event", "cookie", event.Cookie, "kind", event.Kind, "error", err)
	}
}
