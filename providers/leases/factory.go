package leases

import (
	"time"

	"go.jetify.com/typeid/v2"
)

// Factory creates [Lease] handles bound to a lessor's endpoint.
type Factory struct {
	endpoint Endpoint
}

// NewFactory creates a [Factory] for a lessor exported at url.
//
// Each factory is assigned a unique landlord ID, so leases issued by different lessor instances can be told
// apart even if they share an URL.
func NewFactory(url string) *Factory {
	return &Factory{endpoint: Endpoint{ID: typeid.MustGenerate("landlord").String(), URL: url}}
}

// Endpoint returns the reference embedded in every lease created by this factory.
func (f *Factory) Endpoint() Endpoint { return f.endpoint }

// New creates a [Lease] for cookie.
func (f *Factory) New(cookie Cookie, expiration time.Time) Lease {
	return Lease{Cookie: cookie, Landlord: f.endpoint, Expiration: expiration}
}
