// Package postgres implements a [pubsub.Topic] on PostgreSQL LISTEN/NOTIFY.
//
// Events are not persisted: an event published while no process is listening is lost. Each event is delivered
// to one subscriber in every listening process.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jpillora/backoff"

	"github.com/alecthomas/landlord/providers/pubsub"
)

// Channel is the PostgreSQL notification channel all topics are multiplexed over.
const Channel = "landlord_pubsub"

// maxPayload is the largest NOTIFY payload PostgreSQL accepts, in bytes.
const maxPayload = 8000

type ListenerCallback func(ctx context.Context, notification Notification) error

// Listener issues a LISTEN command to the PostgreSQL database and fans out notifications to individual topics.
//
// It consumes a single connection.
type Listener struct {
	conn       *sql.Conn
	listenConn *pgx.Conn
	logger     *slog.Logger
	lock       sync.Mutex
	listeners  map[string]ListenerCallback
}

// NewListener issues a LISTEN command to the PostgreSQL database and fans out notifications to local listeners.
//
// Listening stops when ctx is cancelled.
func NewListener(ctx context.Context, logger *slog.Logger, db *sql.DB) (*Listener, error) {
	// We need a pgx.Conn to wait for notifications, so we need to explicitly unwrap the underlying connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var pgxConn *pgx.Conn
	err = conn.Raw(func(driverConn any) error {
		conn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.Errorf("unexpected driver connection type %T, expected *pgx/v5/stdlib.Conn", driverConn)
		}
		pgxConn = conn.Conn()
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	_, err = pgxConn.Exec(ctx, "LISTEN "+Channel)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	pgl := &Listener{conn: conn, listenConn: pgxConn, logger: logger, listeners: map[string]ListenerCallback{}}
	go pgl.waitForNotifications(ctx)
	return pgl, nil
}

// Notification is the payload of a PostgreSQL notification.
type Notification struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// Listen registers a listener for a given topic.
//
// If a listener is already registered for the topic, an error is returned.
func (l *Listener) Listen(ctx context.Context, topic string, listener ListenerCallback) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.listeners[topic]
	if ok {
		return errors.Errorf("listener already registered for topic %q", topic)
	}
	l.listeners[topic] = listener
	return nil
}

func (l *Listener) Unlisten(ctx context.Context, topic string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.listeners[topic]
	if !ok {
		return errors.Errorf("no listener registered for topic %q", topic)
	}
	delete(l.listeners, topic)
	return nil
}

func (l *Listener) waitForNotifications(ctx context.Context) {
	defer l.conn.Close() //nolint
	retry := backoff.Backoff{Min: time.Second * 5, Max: time.Second * 30}
	for {
		pgn, err := l.listenConn.WaitForNotification(ctx)
		if err != nil {
			// Context cancelled, just terminate.
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Error waiting for notification", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.Duration()):
				continue
			}
		} else {
			retry.Reset()
		}

		var notification Notification
		err = json.Unmarshal([]byte(pgn.Payload), &notification)
		if err != nil {
			l.logger.Error("Invalid notification structure on PG channel", "channel", Channel, "error", err, "payload", pgn.Payload)
			continue
		}
		l.lock.Lock()
		listener, ok := l.listeners[notification.Topic]
		l.lock.Unlock()
		if !ok {
			l.logger.Debug("No listener registered for topic", "topic", notification.Topic)
			continue
		}
		err = listener(ctx, notification)
		if err != nil {
			l.logger.Error("Error processing notification", "topic", notification.Topic, "error", err)
		}
	}
}

type Topic[T any] struct {
	logger      *slog.Logger
	topic       string
	db          *sql.DB
	listener    *Listener
	lock        sync.RWMutex
	subscribers []func(context.Context, pubsub.Event[T]) error
}

var _ pubsub.Topic[string] = (*Topic[string])(nil)

// New creates a new [pubsub.Topic] backed by PostgreSQL notifications.
func New[T any](ctx context.Context, logger *slog.Logger, listener *Listener, db *sql.DB) (*Topic[T], error) {
	topic := pubsub.TopicName[T]()
	t := &Topic[T]{
		logger:   logger.With("topic", topic),
		topic:    topic,
		db:       db,
		listener: listener,
	}
	if err := listener.Listen(ctx, topic, t.notified); err != nil {
		return nil, errors.WithStack(err)
	}
	logger.Debug("Registered topic", "topic", topic, "channel", Channel)
	return t, nil
}

// Called when the LISTENER receives a notification
func (t *Topic[T]) notified(ctx context.Context, notification Notification) error {
	t.lock.RLock()
	if len(t.subscribers) == 0 {
		t.lock.RUnlock()
		return nil
	}
	subscriber := t.subscribers[rand.IntN(len(t.subscribers))] //nolint
	t.lock.RUnlock()

	var event pubsub.Event[T]
	if err := json.Unmarshal(notification.Event, &event); err != nil {
		return errors.Errorf("failed to unmarshal event from topic %q: %w", t.topic, err)
	}
	err := subscriber(ctx, event)
	if err != nil && !errors.Is(err, pubsub.ErrDiscard) {
		return errors.Errorf("failed to send event %s to subscriber: %w", event.ID(), err)
	}
	return nil
}

func (t *Topic[T]) Close() error {
	return errors.WithStack(t.listener.Unlisten(context.Background(), t.topic))
}

func (t *Topic[T]) Publish(ctx context.Context, event pubsub.Event[T]) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal event %s", event.ID())
	}
	payload, err := json.Marshal(Notification{Topic: t.topic, Event: data})
	if err != nil {
		return errors.Wrapf(err, "failed to marshal notification for event %s", event.ID())
	}
	if len(payload) > maxPayload {
		return errors.Errorf("event %s is %d bytes, exceeding the notification limit of %d", event.ID(), len(payload), maxPayload)
	}
	_, err = t.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload))
	return errors.Wrapf(err, "failed to publish event %s to topic %s", event.ID(), t.topic)
}

func (t *Topic[T]) Subscribe(ctx context.Context, handler func(context.Context, pubsub.Event[T]) error) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.subscribers = append(t.subscribers, handler)
	return nil
}
