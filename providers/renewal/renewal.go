// Package renewal keeps leases alive on behalf of their holders.
package renewal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jpillora/backoff"
	"github.com/juju/clock"

	"github.com/alecthomas/landlord/internal"
	"github.com/alecthomas/landlord/providers/leases"
)

// ErrClosed is returned by [Manager.Renew] after the Manager has been closed.
var ErrClosed = errors.New("renewal manager closed")

type Config struct {
	MinRetry time.Duration `help:"Minimum delay between renewal retries after a transport failure." default:"1s"`
	MaxRetry time.Duration `help:"Maximum delay between renewal retries after a transport failure." default:"30s"`
}

// FailureFunc is called when a managed lease can no longer be renewed.
type FailureFunc func(lease leases.Lease, err error)

type Option func(*Manager)

// WithClock overrides the clock used to schedule renewals.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

type entry struct {
	lease     leases.Lease
	until     time.Time
	onFailure FailureFunc
	cancel    context.CancelFunc
}

// Manager renews leases at around half of their remaining time until they are removed, reach their desired
// expiration, or fail.
//
// Transport failures are retried with backoff for as long as the lease has not expired. Protocol failures
// ([leases.ErrUnknownLease], [leases.ErrLeaseDenied], [leases.ErrStopped]) are final and reported to the lease's
// [FailureFunc].
type Manager struct {
	logger   *slog.Logger
	landlord leases.Landlord
	config   Config
	clock    clock.Clock

	lock    sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[leases.Cookie]*entry
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Manager that renews leases with landlord, which may be a local [leases.Lessor] or a remote client.
func New(ctx context.Context, logger *slog.Logger, landlord leases.Landlord, config Config, options ...Option) *Manager {
	if config.MinRetry <= 0 {
		config.MinRetry = time.Second
	}
	if config.MaxRetry < config.MinRetry {
		config.MaxRetry = config.MinRetry
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		logger:   logger,
		landlord: landlord,
		config:   config,
		clock:    clock.WallClock,
		ctx:      ctx,
		cancel:   cancel,
		entries:  map[leases.Cookie]*entry{},
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Renew manages lease until the desired expiration until, or indefinitely if until is zero.
//
// A lease that is already managed is replaced. onFailure may be nil.
func (m *Manager) Renew(lease leases.Lease, until time.Time, onFailure FailureFunc) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	if previous, ok := m.entries[lease.Cookie]; ok {
		previous.cancel()
	}
	if !until.IsZero() && !lease.Expiration.Before(until) {
		delete(m.entries, lease.Cookie)
		return nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{lease: lease, until: until, onFailure: onFailure, cancel: cancel}
	m.entries[lease.Cookie] = e
	m.wg.Add(1)
	go m.run(ctx, e)
	return nil
}

// Remove stops renewing cookie, returning false if it was not managed.
//
// The lease itself is left to expire.
func (m *Manager) Remove(cookie leases.Cookie) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[cookie]
	if !ok {
		return false
	}
	e.cancel()
	delete(m.entries, cookie)
	return true
}

// Lease returns the last known state of a managed lease.
func (m *Manager) Lease(cookie leases.Cookie) (leases.Lease, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.entries[cookie]
	if !ok {
		return leases.Lease{}, false
	}
	return e.lease, true
}

// Len returns the number of managed leases.
func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}

// Close stops all renewals and waits for in-flight renewals to complete.
func (m *Manager) Close() error {
	m.lock.Lock()
	m.closed = true
	m.entries = map[leases.Cookie]*entry{}
	m.lock.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()
	cookie := e.lease.Cookie
	logger := m.logger.With("cookie", cookie)
	retry := backoff.Backoff{Min: m.config.MinRetry, Max: m.config.MaxRetry}
	expiration := e.lease.Expiration
	delay := nextRenewal(m.clock.Now(), expiration)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		extension := leases.Any
		if !e.until.IsZero() {
			extension = e.until.Sub(m.clock.Now())
		}
		granted, err := m.landlord.Renew(ctx, cookie, extension)
		if ctx.Err() != nil {
			return
		}
		now := m.clock.Now()
		switch {
		case err == nil && granted > 0:
			retry.Reset()
			expiration = now.Add(granted)
			if !m.renewed(e, expiration) {
				return
			}
			logger.Debug("Renewed lease", "granted", granted)
			if !e.until.IsZero() && !expiration.Before(e.until) {
				m.finish(e, nil)
				return
			}
			delay = nextRenewal(now, expiration)

		case err == nil:
			m.finish(e, errors.Errorf("%s: renewal granted no time: %w", cookie, leases.ErrLeaseDenied))
			return

		case leases.KindOf(err) != leases.KindInternal:
			m.finish(e, err)
			return

		default:
			delay = retry.Duration()
			if !now.Add(delay).Before(expiration) {
				m.finish(e, errors.Errorf("%s: lease expired before it could be renewed: %w", cookie, err))
				return
			}
			logger.Warn("Failed to renew lease, retrying", "error", err, "retry", delay)
		}
	}
}

// renewed records a new expiration, returning false if e is no longer managed.
func (m *Manager) renewed(e *entry, expiration time.Time) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.entries[e.lease.Cookie] != e {
		return false
	}
	e.lease.Expiration = expiration
	return true
}

// finish removes e and reports err, if any, to its failure callback.
func (m *Manager) finish(e *entry, err error) {
	m.lock.Lock()
	current := m.entries[e.lease.Cookie] == e
	if current {
		delete(m.entries, e.lease.Cookie)
	}
	lease := e.lease
	m.lock.Unlock()
	if !current || err == nil {
		return
	}
	m.logger.Warn("Lease renewal failed", "cookie", lease.Cookie, "error", err)
	if e.onFailure != nil {
		e.onFailure(lease, err)
	}
}

func nextRenewal(now, expiration time.Time) time.Duration {
	remaining := expiration.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return internal.Jitter(remaining / 2)
}
