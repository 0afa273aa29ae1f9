package leases

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/juju/clock"
	"go.jetify.com/typeid/v2"
)

// Option configures a [Lessor].
type Option func(*Lessor)

// WithClock overrides the wall clock, for testing.
func WithClock(clk clock.Clock) Option {
	return func(l *Lessor) { l.clock = clk }
}

// WithPolicy overrides the lease period policy derived from [Config].
func WithPolicy(policy Policy) Option {
	return func(l *Lessor) { l.policy = policy }
}

// WithObserver registers an observer for lease lifecycle events.
func WithObserver(observer Observer) Option {
	return func(l *Lessor) { l.observers = append(l.observers, observer) }
}

// WithURL sets the URL the lessor is exported on, which is embedded in every issued lease.
func WithURL(url string) Option {
	return func(l *Lessor) { l.url = url }
}

// Lessor grants, renews and cancels leases on resources.
//
// All protocol calls execute synchronously on the calling goroutine and may run concurrently with each other
// and with the reaper. Operations on the same cookie are linearised by the registry.
type Lessor struct {
	logger    *slog.Logger
	clock     clock.Clock
	policy    Policy
	observers []Observer
	url       string
	factory   *Factory
	registry  *Registry

	lock     sync.RWMutex
	stopped  bool
	forced   bool
	inflight sync.WaitGroup
}

var _ Landlord = (*Lessor)(nil)

// NewLessor creates a [Lessor] and starts its reaper.
//
// The reaper stops when ctx is cancelled or [Lessor.Stop] is called.
func NewLessor(ctx context.Context, logger *slog.Logger, config Config, options ...Option) (*Lessor, error) {
	config = config.Normalise(logger)
	l := &Lessor{
		logger: logger,
		clock:  clock.WallClock,
		policy: NewFixedPolicy(config),
	}
	if config.PolicyFile != "" {
		policy, err := LoadPolicyFile(config.PolicyFile, config)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		l.policy = policy
	}
	for _, option := range options {
		option(l)
	}
	l.factory = NewFactory(l.url)
	l.registry = NewRegistry(logger, l.clock, l.evicted)
	l.registry.SetReapingInterval(config.ReapInterval)
	l.registry.Start(ctx)
	logger.Debug("Lessor started", "landlord", l.factory.Endpoint().ID, "url", l.url)
	return l, nil
}

// Registry returns the lessor's resource registry.
func (l *Lessor) Registry() *Registry { return l.registry }

// Endpoint returns the reference embedded in leases issued by this lessor.
func (l *Lessor) Endpoint() Endpoint { return l.factory.Endpoint() }

// NewLease registers resource and grants it a lease for the requested duration.
//
// The resource's Expiration is ignored and set from the policy's grant. It returns an error wrapping
// [ErrLeaseDenied] if the policy refuses the request, or [ErrDuplicateCookie] if the cookie is already live.
func (l *Lessor) NewLease(ctx context.Context, resource LeasedResource, duration time.Duration) (Lease, error) {
	done, err := l.enter()
	if err != nil {
		return Lease{}, err
	}
	defer done()
	if resource.Cookie == "" {
		return Lease{}, errors.New("resource cookie must not be empty")
	}

	now := l.clock.Now()
	var (
		result   Result
		stale    LeasedResource
		replaced bool
	)
	l.registry.Compute(resource.Cookie, func(current LeasedResource, present bool) (LeasedResource, bool) {
		if present && !current.Expired(now) {
			err = ErrDuplicateCookie
			return current, true
		}
		if present {
			// Expired but not yet reaped.
			stale, replaced = current, true
			l.release(current)
		}
		result, err = l.policy.Grant(resource, duration, now)
		if err != nil {
			// A stale entry has already been released, so it is evicted even if the grant is refused.
			return current, false
		}
		result = l.validate(resource.Cookie, result, now)
		resource.Expiration = result.Expiration
		return resource, true
	})
	if l.forceStopped() {
		// Stop may have discarded the registry before this grant was stored.
		if err == nil {
			if res, ok := l.registry.RemoveIf(resource.Cookie, func(res LeasedResource) bool { return res.Expiration.Equal(resource.Expiration) }); ok {
				l.release(res)
			}
		}
		return Lease{}, errors.WithStack(ErrStopped)
	}
	if replaced {
		l.notify(ctx, EventEvicted, stale, 0)
	}
	if err != nil {
		return Lease{}, errors.Errorf("%s: %w", resource.Cookie, err)
	}
	l.logger.Debug("Granted lease", "cookie", resource.Cookie, "granted", result.Granted)
	l.notify(ctx, EventRegistered, resource, result.Granted)
	return l.factory.New(resource.Cookie, resource.Expiration), nil
}

// Renew extends the lease on cookie, returning the granted duration.
//
// A lease that has expired is never renewed, even if the reaper has not yet evicted it.
func (l *Lessor) Renew(ctx context.Context, cookie Cookie, extension time.Duration) (time.Duration, error) {
	done, err := l.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	return l.renew(ctx, cookie, extension)
}

func (l *Lessor) renew(ctx context.Context, cookie Cookie, extension time.Duration) (time.Duration, error) {
	now := l.clock.Now()
	var (
		result Result
		err    error
	)
	res, present := l.registry.Update(cookie, func(res *LeasedResource) bool {
		if res.Expired(now) {
			err = ErrUnknownLease
			return false
		}
		result, err = l.policy.Renew(*res, extension, now)
		if err != nil {
			return false
		}
		result = l.validate(cookie, result, now)
		// Renewal never shortens a lease.
		if result.Expiration.Before(res.Expiration) {
			result = Result{Granted: res.Expiration.Sub(now), Expiration: res.Expiration}
		}
		res.Expiration = result.Expiration
		return true
	})
	if l.forceStopped() {
		return 0, errors.WithStack(ErrStopped)
	}
	if !present {
		err = ErrUnknownLease
	}
	if err != nil {
		return 0, errors.Errorf("%s: %w", cookie, err)
	}
	l.notify(ctx, EventRenewed, res, result.Granted)
	return result.Granted, nil
}

// RenewAll renews each cookie independently.
//
// The result contains one [Outcome] per cookie, in the same order. A failure of one cookie never affects the
// others. An error is only returned if the arguments are malformed or the lessor is stopped.
func (l *Lessor) RenewAll(ctx context.Context, cookies []Cookie, extensions []time.Duration) ([]Outcome, error) {
	if len(cookies) != len(extensions) {
		return nil, errors.Errorf("%d cookies but %d extensions", len(cookies), len(extensions))
	}
	done, err := l.enter()
	if err != nil {
		return nil, err
	}
	defer done()
	outcomes := make([]Outcome, len(cookies))
	for i, cookie := range cookies {
		granted, err := l.renew(ctx, cookie, extensions[i])
		outcomes[i] = Outcome{Cookie: cookie, Granted: granted, Err: err}
	}
	return outcomes, nil
}

// Cancel removes the resource for cookie.
//
// Cancelling a cookie that was never granted, was already cancelled, or has expired returns an error wrapping
// [ErrUnknownLease].
func (l *Lessor) Cancel(ctx context.Context, cookie Cookie) error {
	done, err := l.enter()
	if err != nil {
		return err
	}
	defer done()
	return l.cancel(ctx, cookie)
}

func (l *Lessor) cancel(ctx context.Context, cookie Cookie) error {
	now := l.clock.Now()
	// Expired resources are left for the reaper to evict.
	res, ok := l.registry.RemoveIf(cookie, func(res LeasedResource) bool { return !res.Expired(now) })
	if !ok {
		return errors.Errorf("%s: %w", cookie, ErrUnknownLease)
	}
	l.release(res)
	if l.forceStopped() {
		return errors.WithStack(ErrStopped)
	}
	l.logger.Debug("Cancelled lease", "cookie", cookie)
	l.notify(ctx, EventCancelled, res, 0)
	return nil
}

// CancelAll cancels each cookie independently.
//
// Only cookies that failed are present in the returned map; absence means success.
func (l *Lessor) CancelAll(ctx context.Context, cookies []Cookie) (map[Cookie]error, error) {
	done, err := l.enter()
	if err != nil {
		return nil, err
	}
	defer done()
	failed := map[Cookie]error{}
	for _, cookie := range cookies {
		if err := l.cancel(ctx, cookie); err != nil {
			failed[cookie] = err
		}
	}
	return failed, nil
}

// Stop the reaper, reject all further calls with [ErrStopped], and discard all remaining resources.
//
// If force is false, Stop first waits for in-flight calls to complete. If force is true, in-flight calls
// return [ErrStopped] when they complete, fire no events, and leave nothing in the registry. A forced Stop
// still waits for any policy call that is running under a registry entry lock.
func (l *Lessor) Stop(force bool) {
	l.lock.Lock()
	if l.stopped {
		l.lock.Unlock()
		return
	}
	l.stopped = true
	l.forced = force
	l.lock.Unlock()

	l.registry.Stop(force)
	if !force {
		l.inflight.Wait()
	}
	dropped := l.registry.Clear()
	for _, res := range dropped {
		l.release(res)
	}
	l.logger.Info("Lessor stopped", "landlord", l.factory.Endpoint().ID, "discarded", len(dropped), "force", force)
}

// enter registers an in-flight call, returning a function to call when it completes.
func (l *Lessor) enter() (func(), error) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.stopped {
		return nil, errors.WithStack(ErrStopped)
	}
	l.inflight.Add(1)
	return l.inflight.Done, nil
}

func (l *Lessor) forceStopped() bool {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.stopped && l.forced
}

func (l *Lessor) validate(cookie Cookie, result Result, now time.Time) Result {
	if result.Expiration.Before(now) || result.Granted < 0 {
		l.logger.Warn("Lease policy returned an expiration in the past", "cookie", cookie, "expiration", result.Expiration)
		return Result{Expiration: now}
	}
	return result
}

func (l *Lessor) release(res LeasedResource) {
	if releaser, ok := l.policy.(PolicyReleaser); ok {
		releaser.Release(res)
	}
}

func (l *Lessor) evicted(res LeasedResource) {
	l.release(res)
	l.notify(context.Background(), EventEvicted, res, 0)
}

func (l *Lessor) notify(ctx context.Context, kind EventKind, res LeasedResource, granted time.Duration) {
	if len(l.observers) == 0 {
		return
	}
	event := Event{
		ID:         typeid.MustGenerate("lease_event").String(),
		Kind:       kind,
		Cookie:     res.Cookie,
		Expiration: res.Expiration,
		Granted:    granted,
		Time:       l.clock.Now(),
		Payload:    res.Payload,
	}
	for _, observer := range l.observers {
		observer.LeaseEvent(ctx, event)
	}
}
