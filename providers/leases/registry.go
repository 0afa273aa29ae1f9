package leases

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

const numShards = 32

type shard struct {
	lock      sync.Mutex
	resources map[Cookie]LeasedResource
}

// Registry is a concurrency-safe store of leased resources keyed by cookie.
//
// Entries are spread across independently locked shards so that no single operation, including a reap cycle,
// holds a lock over the whole registry. The registry never returns protocol errors; absence is reported by
// return value.
//
// The registry owns a [Reaper] which evicts expired resources once [Registry.Start] is called.
type Registry struct {
	shards [numShards]shard
	reaper *Reaper
}

// NewRegistry creates an empty [Registry].
//
// onEvict is called for each resource removed by the reaper, and may be nil.
func NewRegistry(logger *slog.Logger, clk clock.Clock, onEvict func(LeasedResource)) *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].resources = map[Cookie]LeasedResource{}
	}
	r.reaper = newReaper(logger, clk, r, onEvict)
	return r
}

func (r *Registry) shardFor(cookie Cookie) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cookie))
	return &r.shards[h.Sum32()%numShards]
}

// Add inserts or overwrites the resource with the same cookie.
func (r *Registry) Add(resource LeasedResource) {
	s := r.shardFor(resource.Cookie)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resources[resource.Cookie] = resource
}

// Get returns the resource for cookie, if present.
func (r *Registry) Get(cookie Cookie) (LeasedResource, bool) {
	s := r.shardFor(cookie)
	s.lock.Lock()
	defer s.lock.Unlock()
	res, ok := s.resources[cookie]
	return res, ok
}

// Remove deletes the resource for cookie, returning it if it was present.
func (r *Registry) Remove(cookie Cookie) (LeasedResource, bool) {
	return r.RemoveIf(cookie, func(LeasedResource) bool { return true })
}

// RemoveIf deletes the resource for cookie only if pred returns true for its current value.
//
// pred is evaluated while the entry is locked, so the decision cannot be invalidated by a concurrent update.
func (r *Registry) RemoveIf(cookie Cookie, pred func(LeasedResource) bool) (LeasedResource, bool) {
	var removed bool
	res := r.Compute(cookie, func(current LeasedResource, present bool) (LeasedResource, bool) {
		if !present {
			return current, false
		}
		removed = pred(current)
		return current, !removed
	})
	return res, removed
}

// Update atomically modifies the resource for cookie.
//
// fn is called with a copy of the current value while the entry is locked. If fn returns true the modified
// copy is stored. Update returns the stored value and whether the cookie was present.
func (r *Registry) Update(cookie Cookie, fn func(res *LeasedResource) bool) (LeasedResource, bool) {
	var found bool
	res := r.Compute(cookie, func(current LeasedResource, present bool) (LeasedResource, bool) {
		found = present
		if !present {
			return current, false
		}
		next := current
		if !fn(&next) {
			return current, true
		}
		next.Cookie = cookie
		return next, true
	})
	return res, found
}

// Compute atomically replaces the resource for cookie with the value returned by fn.
//
// fn receives the current value and whether it is present, and returns the next value and whether to keep it.
// If keep is false any existing entry is deleted. Compute returns the value fn returned.
//
// fn runs while the entry's shard is locked and must not call back into the registry.
func (r *Registry) Compute(cookie Cookie, fn func(current LeasedResource, present bool) (next LeasedResource, keep bool)) LeasedResource {
	s := r.shardFor(cookie)
	s.lock.Lock()
	defer s.lock.Unlock()
	current, present := s.resources[cookie]
	next, keep := fn(current, present)
	if keep {
		s.resources[cookie] = next
	} else if present {
		delete(s.resources, cookie)
	}
	return next
}

// Range calls fn for a point-in-time copy of each shard's resources until fn returns false.
//
// No lock is held while fn runs, so fn may call back into the registry.
func (r *Registry) Range(fn func(LeasedResource) bool) {
	for i := range r.shards {
		s := &r.shards[i]
		s.lock.Lock()
		snapshot := make([]LeasedResource, 0, len(s.resources))
		for _, res := range s.resources {
			snapshot = append(snapshot, res)
		}
		s.lock.Unlock()
		for _, res := range snapshot {
			if !fn(res) {
				return
			}
		}
	}
}

// Len returns the number of resources currently held, including expired resources not yet reaped.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.lock.Lock()
		n += len(s.resources)
		s.lock.Unlock()
	}
	return n
}

// Clear removes all resources, returning those that were dropped.
func (r *Registry) Clear() []LeasedResource {
	var dropped []LeasedResource
	for i := range r.shards {
		s := &r.shards[i]
		s.lock.Lock()
		for _, res := range s.resources {
			dropped = append(dropped, res)
		}
		clear(s.resources)
		s.lock.Unlock()
	}
	return dropped
}

// SetReapingInterval changes how often the reaper runs. It takes effect from the next cycle.
func (r *Registry) SetReapingInterval(interval time.Duration) {
	r.reaper.SetInterval(interval)
}

// Start the reaper. It runs until ctx is cancelled or [Registry.Stop] is called.
func (r *Registry) Start(ctx context.Context) {
	r.reaper.Start(ctx)
}

// Stop the reaper.
//
// If force is false Stop waits for an in-progress reap cycle to complete.
func (r *Registry) Stop(force bool) {
	r.reaper.Stop(force)
}
