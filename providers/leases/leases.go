// Package leases implements a Landlord-style lease manager.
//
// Resources handed out to remote holders are tracked in a [Registry] under an opaque [Cookie].
// Each resource carries an absolute expiration which holders extend by renewing through a
// [Landlord]. Resources that are not renewed in time are evicted by the registry's [Reaper].
//
// Lease state is soft: it is never persisted and does not survive a restart.
package leases

import (
	"context"
	"math"
	"time"

	"github.com/alecthomas/errors"
	"go.jetify.com/typeid/v2"
)

var (
	// ErrUnknownLease is returned when a cookie was never granted, has been cancelled or evicted, or has expired.
	ErrUnknownLease = errors.New("unknown lease")
	// ErrLeaseDenied is returned when the lease period policy refuses a grant or renewal.
	ErrLeaseDenied = errors.New("lease denied")
	// ErrStopped is returned by all protocol calls once the [Lessor] has been stopped.
	ErrStopped = errors.New("lessor stopped")
	// ErrDuplicateCookie is returned by [Lessor.NewLease] when the cookie is already live.
	ErrDuplicateCookie = errors.New("duplicate cookie")
)

const (
	// Any requests the policy's default lease duration.
	Any time.Duration = -1
	// Forever requests the longest lease the policy will grant.
	Forever time.Duration = math.MaxInt64
)

// Cookie is an opaque identifier correlating a [Lease] with its [LeasedResource].
//
// Cookies are assigned by the resource's creator and are never interpreted by the lessor.
type Cookie string

func (c Cookie) String() string { return string(c) }

// NewCookie returns a new unique cookie with the given TypeID prefix, eg. "lease_01h455vb4pex5vsknk084sn02q".
func NewCookie(prefix string) Cookie {
	return Cookie(typeid.MustGenerate(prefix).String())
}

// LeasedResource is a resource tracked by the lessor.
type LeasedResource struct {
	Cookie     Cookie
	Expiration time.Time
	// Payload is supplied by the owner and never interpreted.
	Payload any
}

// Expired returns true if the resource's lease is no longer valid at now.
func (r LeasedResource) Expired(now time.Time) bool {
	return !r.Expiration.After(now)
}

// Endpoint is a stable reference to the lessor that issued a lease.
type Endpoint struct {
	// ID uniquely identifies the lessor instance. A holder observing a new ID knows all prior leases were lost.
	ID string `json:"id"`
	// URL that the lessor is exported on, if any.
	URL string `json:"url,omitempty"`
}

// Lease is the immutable handle returned to a holder.
//
// Renewal and cancellation are performed by presenting the Cookie back to the Landlord.
type Lease struct {
	Cookie     Cookie    `json:"cookie"`
	Landlord   Endpoint  `json:"landlord"`
	Expiration time.Time `json:"expiration"`
}

// Remaining returns how long the lease had left at now, as last known by the holder.
func (l Lease) Remaining(now time.Time) time.Duration {
	return l.Expiration.Sub(now)
}

// Outcome is the result for a single cookie in a bulk renewal.
type Outcome struct {
	Cookie  Cookie
	Granted time.Duration
	// Err is nil on success, otherwise wraps ErrUnknownLease or ErrLeaseDenied.
	Err error
}

// Landlord is the remotely invocable side of the lease protocol.
//
// It is implemented locally by [Lessor] and remotely by the HTTP client.
type Landlord interface {
	// Renew extends the lease for cookie by the requested duration, returning the duration actually granted.
	Renew(ctx context.Context, cookie Cookie, extension time.Duration) (time.Duration, error)
	// RenewAll renews each cookie independently. The result has one entry per cookie, in order.
	RenewAll(ctx context.Context, cookies []Cookie, extensions []time.Duration) ([]Outcome, error)
	// Cancel releases the lease for cookie.
	Cancel(ctx context.Context, cookie Cookie) error
	// CancelAll cancels each cookie independently. Only failed cookies are present in the result.
	CancelAll(ctx context.Context, cookies []Cookie) (map[Cookie]error, error)
}

// Kind classifies protocol errors for transports that cannot carry Go errors.
type Kind string

const (
	KindUnknownLease    Kind = "unknown-lease"
	KindLeaseDenied     Kind = "lease-denied"
	KindStopped         Kind = "stopped"
	KindDuplicateCookie Kind = "duplicate-cookie"
	KindInternal        Kind = "internal"
)

// KindOf returns the [Kind] of a protocol error, or "" if err is nil.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownLease):
		return KindUnknownLease
	case errors.Is(err, ErrLeaseDenied):
		return KindLeaseDenied
	case errors.Is(err, ErrStopped):
		return KindStopped
	case errors.Is(err, ErrDuplicateCookie):
		return KindDuplicateCookie
	default:
		return KindInternal
	}
}

// ErrorForKind reconstructs a protocol error from its [Kind] and message.
func ErrorForKind(kind Kind, message string) error {
	var sentinel error
	switch kind {
	case "":
		return nil
	case KindUnknownLease:
		sentinel = ErrUnknownLease
	case KindLeaseDenied:
		sentinel = ErrLeaseDenied
	case KindStopped:
		sentinel = ErrStopped
	case KindDuplicateCookie:
		sentinel = ErrDuplicateCookie
	default:
		return errors.New(message)
	}
	if message == "" || message == sentinel.Error() {
		return sentinel
	}
	return &remoteError{sentinel: sentinel, message: message}
}

type remoteError struct {
	sentinel error
	message  string
}

func (r *remoteError) Error() string { return r.message }
func (r *remoteError) Unwrap() error { return r.sentinel }
