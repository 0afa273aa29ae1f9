// Package pubsub contains topic implementations used to fan out lease events.
package pubsub

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"go.jetify.com/typeid/v2"

	"github.com/alecthomas/landlord/internal/cloudevent"
	"github.com/alecthomas/landlord/internal/strcase"
)

// ErrDiscard may be returned by a subscriber to drop an event without it being treated as a failure.
var ErrDiscard = errors.New("discard event")

// EventPayload _may_ be implemented by an event to specify an ID.
//
// If not present, a unique TypeID will be generated using [NewID].
type EventPayload interface {
	// EventID returns the unique identifier for the event.
	EventID() string
}

// Topic represents a PubSub topic.
//
// Each published event is delivered to exactly one of the topic's local subscribers.
type Topic[T any] interface {
	// Publish publishes an event to the topic.
	Publish(ctx context.Context, event Event[T]) error
	// Subscribe registers a handler for events on the topic.
	Subscribe(ctx context.Context, handler func(context.Context, Event[T]) error) error
	// Close the topic.
	Close() error
}

// TopicName returns the name of the topic carrying events of type T, eg. "leases.event".
func TopicName[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	return pkg + "." + snakeCase(t.Name())
}

// NewID returns a unique identifier for the given type.
//
// The string is a [TypeID](https://github.com/jetify-com/typeid), with the type name as the prefix.
func NewID[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return typeid.MustGenerate(snakeCase(t.Name())).String()
}

// CamelCase -> snake_case
func snakeCase(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.Join(strcase.Split(name), "_")), "__", "_")
}

// Event represents a typed CloudEvent.
//
// Marshals to/from a JSON CloudEvent (https://cloudevents.io/)
//
// eg.
//
//	{
//	  "specversion": "1.0",
//	  "type": "github.com/alecthomas/landlord/providers/leases.Event",
//	  "source": "github.com/alecthomas/landlord/providers/leases.(*TopicObserver).LeaseEvent",
//	  "id": "lease_event_01h455vb4pex5vsknk084sn02q",
//	  "data": {"kind": "renewed", "cookie": "r1", ...}
//	}
type Event[T any] struct {
	id      string // If the payload implements EventPayload, the ID is taken from the payload, otherwise one will be automatically generated.
	source  string
	created time.Time
	payload T
}

func NewEvent[T any](payload T) Event[T] {
	var source string
	pc, _, _, ok := runtime.Caller(1)
	if ok && pc != 0 {
		source = runtime.FuncForPC(pc).Name()
	}
	var id string
	if p, ok := any(payload).(EventPayload); ok && p.EventID() != "" {
		id = p.EventID()
	} else {
		id = NewID[T]()
	}
	return Event[T]{
		id:      id,
		source:  source,
		created: time.Now().UTC(),
		payload: payload,
	}
}

// ID returns the ID of the underlying payload.
func (e Event[T]) ID() string         { return e.id }
func (e Event[T]) Source() string     { return e.source }
func (e Event[T]) Created() time.Time { return e.created }
func (e Event[T]) Payload() T         { return e.payload }

func (e Event[T]) MarshalJSON() ([]byte, error) {
	cloudEvent := cloudevent.New(e.id, e.source, e.created, e.payload)
	return errors.WithStack2(json.MarshalIndent(cloudEvent, "", "  "))
}

func (e *Event[T]) UnmarshalJSON(data []byte) error {
	var ce cloudevent.Event[T]
	err := json.Unmarshal(data, &ce)
	if err != nil {
		return errors.Errorf("failed to unmarshal CloudEvent: %w", err)
	}
	e.id = ce.ID
	e.source = ce.Source
	e.created = ce.Time
	e.payload = ce.Data
	return nil
}
