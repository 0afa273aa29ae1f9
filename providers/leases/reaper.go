package leases

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// DefaultReapingInterval is used when no interval is configured.
const DefaultReapingInterval = 10 * time.Second

// Reaper periodically evicts expired resources from a [Registry].
type Reaper struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *Registry
	onEvict  func(LeasedResource)
	interval atomic.Int64

	lock    sync.Mutex
	started bool
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func newReaper(logger *slog.Logger, clk clock.Clock, registry *Registry, onEvict func(LeasedResource)) *Reaper {
	if onEvict == nil {
		onEvict = func(LeasedResource) {}
	}
	r := &Reaper{
		logger:   logger,
		clock:    clk,
		registry: registry,
		onEvict:  onEvict,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.interval.Store(int64(DefaultReapingInterval))
	return r
}

// SetInterval changes the reaping interval. Non-positive intervals are ignored.
func (r *Reaper) SetInterval(interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("Ignoring non-positive reaping interval", "interval", interval)
		return
	}
	r.interval.Store(int64(interval))
}

// Interval returns the current reaping interval.
func (r *Reaper) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// Start the reaper loop. Starting more than once, or after Stop, has no effect.
func (r *Reaper) Start(ctx context.Context) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.running = true
	go r.run(ctx)
}

// Stop the reaper loop. If force is false, Stop waits for the loop to exit.
func (r *Reaper) Stop(force bool) {
	r.lock.Lock()
	running := r.running
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.started = true
	r.lock.Unlock()
	if running && !force {
		<-r.done
	}
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	r.logger.Debug("Reaper started", "interval", r.Interval())
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.clock.After(r.Interval()):
		}
		r.reap(r.clock.Now())
	}
}

// reap evicts every resource that has expired at now, returning the number evicted.
func (r *Reaper) reap(now time.Time) int {
	return r.evict(r.candidates(now), now)
}

// candidates returns the cookies of resources that appear expired at now.
func (r *Reaper) candidates(now time.Time) []Cookie {
	var cookies []Cookie
	r.registry.Range(func(res LeasedResource) bool {
		if res.Expired(now) {
			cookies = append(cookies, res.Cookie)
		}
		return true
	})
	return cookies
}

// evict removes each candidate that is still expired at now.
//
// The expiration is re-checked under the entry lock, so a renewal that completed after the candidates were
// collected is never undone.
func (r *Reaper) evict(cookies []Cookie, now time.Time) int {
	evicted := 0
	for _, cookie := range cookies {
		res, ok := r.registry.RemoveIf(cookie, func(res LeasedResource) bool { return res.Expired(now) })
		if !ok {
			continue
		}
		evicted++
		r.logger.Debug("Evicted expired lease", "cookie", cookie, "expiration", res.Expiration)
		r.onEvict(res)
	}
	if evicted > 0 {
		r.logger.Info("Reaped expired leases", "count", evicted)
	}
	return evicted
}
