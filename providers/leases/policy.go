package leases

import (
	"sync"
	"time"

	"github.com/alecthomas/errors"
)

// Result of a lease period computation.
type Result struct {
	Granted    time.Duration
	Expiration time.Time
}

// Policy decides how long a lease is granted or extended for.
//
// Implementations must never return an expiration before now, and return an error wrapping
// [ErrLeaseDenied] to refuse a request. Grant and Renew are called while the resource's registry entry is
// locked, so they must not block or call back into the [Lessor].
type Policy interface {
	// Grant computes the initial lease period for a new resource.
	Grant(resource LeasedResource, requested time.Duration, now time.Time) (Result, error)
	// Renew computes the extension for an existing resource.
	Renew(resource LeasedResource, requested time.Duration, now time.Time) (Result, error)
}

// PolicyReleaser is optionally implemented by policies that account for live resources.
//
// Release is called whenever a resource is cancelled, evicted, or discarded at shutdown.
type PolicyReleaser interface {
	Release(resource LeasedResource)
}

// FixedPolicy grants the requested duration clamped to [0, Max], with [Any] mapping to Default.
type FixedPolicy struct {
	Default time.Duration
	Max     time.Duration
}

var _ Policy = FixedPolicy{}

// NewFixedPolicy creates a [FixedPolicy] from the lease configuration.
func NewFixedPolicy(config Config) FixedPolicy {
	return FixedPolicy{Default: config.Default, Max: config.Max}
}

func (f FixedPolicy) Grant(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	granted := requested
	if requested == Any {
		granted = f.Default
	}
	granted = max(0, min(granted, f.Max))
	return Result{Granted: granted, Expiration: now.Add(granted)}, nil
}

func (f FixedPolicy) Renew(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	return f.Grant(resource, requested, now)
}

// Classifier may be implemented by resource payloads to select a per-class policy in [ClassPolicy].
type Classifier interface {
	LeaseClass() string
}

// ClassPolicy delegates to a per-class policy selected by the payload's [Classifier] implementation.
//
// Resources without a class, or with an unknown class, use Fallback.
type ClassPolicy struct {
	Classes  map[string]Policy
	Fallback Policy
}

var _ Policy = (*ClassPolicy)(nil)
var _ PolicyReleaser = (*ClassPolicy)(nil)

func (c *ClassPolicy) policyFor(resource LeasedResource) Policy {
	if classifier, ok := resource.Payload.(Classifier); ok {
		if policy, ok := c.Classes[classifier.LeaseClass()]; ok {
			return policy
		}
	}
	return c.Fallback
}

func (c *ClassPolicy) Grant(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	return c.policyFor(resource).Grant(resource, requested, now)
}

func (c *ClassPolicy) Renew(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	return c.policyFor(resource).Renew(resource, requested, now)
}

func (c *ClassPolicy) Release(resource LeasedResource) {
	if releaser, ok := c.policyFor(resource).(PolicyReleaser); ok {
		releaser.Release(resource)
	}
}

// QuotaPolicy refuses new grants once Limit resources granted through it are live.
//
// Renewals are passed through to the wrapped policy.
type QuotaPolicy struct {
	Policy Policy
	Limit  int

	lock sync.Mutex
	live map[Cookie]struct{}
}

var _ Policy = (*QuotaPolicy)(nil)
var _ PolicyReleaser = (*QuotaPolicy)(nil)

// NewQuotaPolicy wraps policy with a limit on concurrently live grants.
func NewQuotaPolicy(policy Policy, limit int) *QuotaPolicy {
	return &QuotaPolicy{Policy: policy, Limit: limit, live: map[Cookie]struct{}{}}
}

func (q *QuotaPolicy) Grant(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if _, ok := q.live[resource.Cookie]; !ok && len(q.live) >= q.Limit {
		return Result{}, errors.Errorf("%w: quota of %d leases exceeded", ErrLeaseDenied, q.Limit)
	}
	result, err := q.Policy.Grant(resource, requested, now)
	if err != nil {
		return Result{}, errors.WithStack(err)
	}
	q.live[resource.Cookie] = struct{}{}
	return result, nil
}

func (q *QuotaPolicy) Renew(resource LeasedResource, requested time.Duration, now time.Time) (Result, error) {
	return errors.WithStack2(q.Policy.Renew(resource, requested, now))
}

func (q *QuotaPolicy) Release(resource LeasedResource) {
	q.lock.Lock()
	defer q.lock.Unlock()
	delete(q.live, resource.Cookie)
	if releaser, ok := q.Policy.(PolicyReleaser); ok {
		releaser.Release(resource)
	}
}
