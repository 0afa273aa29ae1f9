// Package journal records lease lifecycle events in a SQL database.
//
// The journal is an audit trail only. Lease state itself is never recovered from it.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/juju/clock"

	"github.com/alecthomas/landlord/providers/leases"
	landlordsql "github.com/alecthomas/landlord/providers/sql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the schema migrations for the journal.
func Migrations() landlordsql.Migrations {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return landlordsql.Migrations{sub}
}

// Config for the journal.
type Config struct {
	Retention time.Duration `help:"How long lease events are kept (0 keeps them forever)." default:"168h"`
	Buffer    int           `help:"Maximum number of events waiting to be written." default:"1024"`
}

// Journal is a [leases.Observer] that writes events to the "lease_events" table.
//
// Events are written asynchronously so that protocol calls never wait on the database. If the buffer is full
// events are dropped with a warning.
type Journal struct {
	logger *slog.Logger
	db     *sql.DB
	driver landlordsql.Driver
	config Config
	clock  clock.Clock
	events chan leases.Event
	done   chan struct{}

	lock   sync.RWMutex
	closed bool
}

var _ leases.Observer = (*Journal)(nil)

// PruneInterval is how often [Journal.PruneRetained] should be scheduled.
func (c Config) PruneInterval() time.Duration {
	return max(min(c.Retention/10, time.Hour), time.Minute)
}

// Option configures a [Journal].
type Option func(*Journal)

// WithClock overrides the wall clock used to compute retention cutoffs.
func WithClock(clk clock.Clock) Option {
	return func(j *Journal) { j.clock = clk }
}

// New creates a [Journal] and starts its writer. The writer runs until [Journal.Close] is called.
func New(logger *slog.Logger, db *sql.DB, driver landlordsql.Driver, config Config, options ...Option) *Journal {
	if config.Buffer <= 0 {
		config.Buffer = 1024
	}
	j := &Journal{
		logger: logger,
		db:     db,
		driver: driver,
		config: config,
		clock:  clock.WallClock,
		events: make(chan leases.Event, config.Buffer),
		done:   make(chan struct{}),
	}
	for _, option := range options {
		option(j)
	}
	go j.write()
	return j
}

// LeaseEvent queues event for writing. Events arriving after [Journal.Close] are dropped.
func (j *Journal) LeaseEvent(ctx context.Context, event leases.Event) {
	j.lock.RLock()
	defer j.lock.RUnlock()
	if j.closed {
		j.logger.Debug("Lease journal closed, dropping event", "cookie", event.Cookie, "kind", event.Kind)
		return
	}
	select {
	case j.events <- event:
	default:
		j.logger.Warn("Lease journal full, dropping event", "cookie", event.Cookie, "kind", event.Kind)
	}
}

// Close flushes buffered events and stops the writer.
func (j *Journal) Close() error {
	j.lock.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.lock.Unlock()
	<-j.done
	return nil
}

func (j *Journal) write() {
	defer close(j.done)
	for event := range j.events {
		if err := j.Record(context.Background(), event); err != nil {
			j.logger.Error("Failed to record lease event", "cookie", event.Cookie, "kind", event.Kind, "error", err)
		}
	}
}

// Record writes a single event synchronously. Recording the same event twice is a no-op.
func (j *Journal) Record(ctx context.Context, event leases.Event) error {
	_, err := j.db.ExecContext(ctx, j.driver.Denormalise(`
		INSERT INTO lease_events (id, kind, cookie, expiration_ns, granted_ns, at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`),
		event.ID, string(event.Kind), string(event.Cookie), event.Expiration.UnixNano(), int64(event.Granted), event.Time.UnixNano())
	err = j.driver.TranslateError(err)
	if err == nil || errors.Is(err, landlordsql.ErrConstraint) {
		return nil
	}
	return errors.Wrapf(err, "%s: failed to insert %s event", event.Cookie, event.Kind)
}

// History returns up to limit of the most recent events for cookie, oldest first.
func (j *Journal) History(ctx context.Context, cookie leases.Cookie, limit int) ([]leases.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, j.driver.Denormalise(`
		SELECT id, kind, cookie, expiration_ns, granted_ns, at_ns
		FROM lease_events
		WHERE cookie = ?
		ORDER BY at_ns DESC, id DESC
		LIMIT ?`), string(cookie), limit)
	if err != nil {
		return nil, errors.Errorf("%s: failed to query history: %w", cookie, err)
	}
	defer rows.Close()
	var events []leases.Event
	for rows.Next() {
		var (
			event                   leases.Event
			kind, eventCookie       string
			expiration, granted, at int64
		)
		if err := rows.Scan(&event.ID, &kind, &eventCookie, &expiration, &granted, &at); err != nil {
			return nil, errors.WithStack(err)
		}
		event.Kind = leases.EventKind(kind)
		event.Cookie = leases.Cookie(eventCookie)
		event.Expiration = time.Unix(0, expiration).UTC()
		event.Granted = time.Duration(granted)
		event.Time = time.Unix(0, at).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	slices.Reverse(events)
	return events, nil
}

// Prune deletes events recorded before cutoff, returning the number deleted.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, j.driver.Denormalise(`DELETE FROM lease_events WHERE at_ns < ?`), cutoff.UnixNano())
	if err != nil {
		return 0, errors.Errorf("failed to prune lease events: %w", err)
	}
	return errors.WithStack2(result.RowsAffected())
}

// PruneRetained deletes events older than the configured retention. It is a no-op if retention is disabled.
//
// It is registered as a cron job by the daemon.
func (j *Journal) PruneRetained(ctx context.Context) error {
	if j.config.Retention <= 0 {
		return nil
	}
	n, err := j.Prune(ctx, j.clock.Now().Add(-j.config.Retention))
	if err != nil {
		return errors.WithStack(err)
	}
	if n > 0 {
		j.logger.Debug("Pruned lease journal", "deleted", n)
	}
	return nil
}
