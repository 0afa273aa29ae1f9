package renewal

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/juju/clock/testclock"

	"github.com/alecthomas/landlord/providers/leases"
	"github.com/alecthomas/landlord/providers/logging/loggingtest"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type renewCall struct {
	cookie    leases.Cookie
	extension time.Duration
}

type result struct {
	granted time.Duration
	err     error
}

// fakeLandlord answers renewals from a script, repeating the last result once it is exhausted.
type fakeLandlord struct {
	calls   chan renewCall
	results chan result
	last    result
}

func newFakeLandlord(results ...result) *fakeLandlord {
	f := &fakeLandlord{calls: make(chan renewCall, 64), results: make(chan result, 64)}
	for _, r := range results {
		f.results <- r
	}
	return f
}

func (f *fakeLandlord) Renew(ctx context.Context, cookie leases.Cookie, extension time.Duration) (time.Duration, error) {
	select {
	case r := <-f.results:
		f.last = r
	default:
	}
	f.calls <- renewCall{cookie: cookie, extension: extension}
	return f.last.granted, f.last.err
}

func (f *fakeLandlord) RenewAll(ctx context.Context, cookies []leases.Cookie, extensions []time.Duration) ([]leases.Outcome, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLandlord) Cancel(ctx context.Context, cookie leases.Cookie) error {
	return errors.New("not implemented")
}

func (f *fakeLandlord) CancelAll(ctx context.Context, cookies []leases.Cookie) (map[leases.Cookie]error, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLandlord) call(t *testing.T) renewCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for renewal")
		return renewCall{}
	}
}

type failure struct {
	lease leases.Lease
	err   error
}

func newTestManager(t *testing.T, landlord leases.Landlord) (*Manager, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	m := New(t.Context(), loggingtest.NewForTesting(), landlord, Config{MinRetry: time.Second, MaxRetry: 2 * time.Second}, WithClock(clk))
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

func lease(cookie leases.Cookie, d time.Duration) leases.Lease {
	return leases.Lease{Cookie: cookie, Expiration: epoch.Add(d)}
}

func waitFailure(t *testing.T, failures chan failure) failure {
	t.Helper()
	select {
	case f := <-failures:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
		return failure{}
	}
}

func eventually(t *testing.T, fn func() bool) {
	t.Helper()
	for range 500 {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRenewsAtHalfRemaining(t *testing.T) {
	landlord := newFakeLandlord(result{granted: time.Minute})
	m, clk := newTestManager(t, landlord)
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, nil))

	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
	call := landlord.call(t)
	assert.Equal(t, leases.Cookie("r1"), call.cookie)
	assert.Equal(t, leases.Any, call.extension)

	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
	landlord.call(t)

	want := epoch.Add(64*time.Second + time.Minute)
	eventually(t, func() bool {
		managed, _ := m.Lease("r1")
		return managed.Expiration.Equal(want)
	})
}

func TestRenewUntil(t *testing.T) {
	landlord := newFakeLandlord(result{granted: 58 * time.Second})
	m, clk := newTestManager(t, landlord)
	assert.NoError(t, m.Renew(lease("r1", time.Minute), epoch.Add(90*time.Second), nil))

	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
	call := landlord.call(t)
	assert.Equal(t, 58*time.Second, call.extension)

	// The lease now covers the desired expiration, so it is no longer managed.
	eventually(t, func() bool { return m.Len() == 0 })
}

func TestRenewUntilAlreadySatisfied(t *testing.T) {
	m, _ := newTestManager(t, newFakeLandlord())
	assert.NoError(t, m.Renew(lease("r1", time.Minute), epoch.Add(30*time.Second), nil))
	assert.Equal(t, 0, m.Len())
}

func TestProtocolErrorsAreFinal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"UnknownLease", errors.Errorf("r1: %w", leases.ErrUnknownLease)},
		{"LeaseDenied", leases.ErrLeaseDenied},
		{"Stopped", leases.ErrStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			landlord := newFakeLandlord(result{err: tt.err})
			m, clk := newTestManager(t, landlord)
			failures := make(chan failure, 1)
			err := m.Renew(lease("r1", time.Minute), time.Time{}, func(lease leases.Lease, err error) {
				failures <- failure{lease, err}
			})
			assert.NoError(t, err)

			assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
			landlord.call(t)
			f := waitFailure(t, failures)
			assert.Equal(t, leases.Cookie("r1"), f.lease.Cookie)
			assert.IsError(t, f.err, tt.err)
			assert.Equal(t, 0, m.Len())
		})
	}
}

func TestZeroGrantIsDenied(t *testing.T) {
	landlord := newFakeLandlord(result{granted: 0})
	m, clk := newTestManager(t, landlord)
	failures := make(chan failure, 1)
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, func(lease leases.Lease, err error) {
		failures <- failure{lease, err}
	}))
	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
	landlord.call(t)
	assert.IsError(t, waitFailure(t, failures).err, leases.ErrLeaseDenied)
}

func TestTransportErrorsAreRetried(t *testing.T) {
	refused := errors.New("connection refused")
	landlord := newFakeLandlord(result{err: refused}, result{granted: time.Minute})
	m, clk := newTestManager(t, landlord)
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, func(lease leases.Lease, err error) {
		t.Errorf("unexpected failure: %s", err)
	}))

	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 1))
	landlord.call(t)
	assert.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	landlord.call(t)
	assert.Equal(t, 1, m.Len())
}

func TestTransportErrorsUntilExpiry(t *testing.T) {
	refused := errors.New("connection refused")
	landlord := newFakeLandlord(result{err: refused})
	m, clk := newTestManager(t, landlord)
	failures := make(chan failure, 1)
	assert.NoError(t, m.Renew(lease("r1", 10*time.Second), time.Time{}, func(lease leases.Lease, err error) {
		failures <- failure{lease, err}
	}))

	// Renewal at ~5s, then retries at 6s+1s and 7s+2s. The next retry would land after expiry.
	assert.NoError(t, clk.WaitAdvance(6*time.Second, 5*time.Second, 1))
	landlord.call(t)
	assert.NoError(t, clk.WaitAdvance(time.Second, 5*time.Second, 1))
	landlord.call(t)
	assert.NoError(t, clk.WaitAdvance(2*time.Second, 5*time.Second, 1))
	landlord.call(t)

	f := waitFailure(t, failures)
	assert.IsError(t, f.err, refused)
	assert.Equal(t, 0, m.Len())
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t, newFakeLandlord())
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, nil))
	assert.NoError(t, m.Renew(lease("r2", time.Minute), time.Time{}, nil))
	assert.Equal(t, 2, m.Len())
	assert.True(t, m.Remove("r1"))
	assert.False(t, m.Remove("r1"))
	_, ok := m.Lease("r1")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestReplace(t *testing.T) {
	m, _ := newTestManager(t, newFakeLandlord())
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, nil))
	assert.NoError(t, m.Renew(lease("r1", 2*time.Minute), time.Time{}, nil))
	assert.Equal(t, 1, m.Len())
	managed, ok := m.Lease("r1")
	assert.True(t, ok)
	assert.Equal(t, epoch.Add(2*time.Minute), managed.Expiration)
}

func TestClose(t *testing.T) {
	m, _ := newTestManager(t, newFakeLandlord())
	assert.NoError(t, m.Renew(lease("r1", time.Minute), time.Time{}, nil))
	assert.NoError(t, m.Close())
	assert.Equal(t, 0, m.Len())
	assert.IsError(t, m.Renew(lease("r2", time.Minute), time.Time{}, nil), ErrClosed)
	assert.NoError(t, m.Close())
}

func TestRenewsAgainstLessor(t *testing.T) {
	clk := testclock.NewClock(epoch)
	logger := loggingtest.NewForTesting()
	lessor, err := leases.NewLessor(t.Context(), logger, leases.Config{Default: time.Minute, Max: time.Hour, ReapInterval: time.Hour}, leases.WithClock(clk))
	assert.NoError(t, err)
	defer lessor.Stop(true)
	granted, err := lessor.NewLease(t.Context(), leases.LeasedResource{Cookie: "r1"}, time.Minute)
	assert.NoError(t, err)

	m := New(t.Context(), logger, lessor, Config{}, WithClock(clk))
	defer m.Close()
	assert.NoError(t, m.Renew(granted, time.Time{}, nil))

	// One waiter for the reaper, one for the renewal.
	assert.NoError(t, clk.WaitAdvance(32*time.Second, 5*time.Second, 2))
	eventually(t, func() bool {
		managed, _ := m.Lease("r1")
		return managed.Expiration.After(granted.Expiration)
	})
	managed, ok := m.Lease("r1")
	assert.True(t, ok)
	assert.Equal(t, epoch.Add(32*time.Second+time.Minute), managed.Expiration)
	res, ok := lessor.Registry().Get("r1")
	assert.True(t, ok)
	assert.Equal(t, managed.Expiration, res.Expiration)
}
