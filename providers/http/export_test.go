package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/go-openapi/spec"
	"github.com/juju/clock/testclock"

	"github.com/alecthomas/landlord/providers/leases"
	"github.com/alecthomas/landlord/providers/logging/loggingtest"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeHistorian map[leases.Cookie][]leases.Event

func (f fakeHistorian) History(ctx context.Context, cookie leases.Cookie, limit int) ([]leases.Event, error) {
	events := f[cookie]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

type fixture struct {
	lessor *leases.Lessor
	clock  *testclock.Clock
	server *httptest.Server
	client *Client
}

func newFixture(t *testing.T, options ...leases.Option) *fixture {
	t.Helper()
	logger := loggingtest.NewForTesting()
	clk := testclock.NewClock(epoch)
	mux := http.NewServeMux()
	server := httptest.NewServer(LoggingMiddleware(logger)(mux))
	t.Cleanup(server.Close)
	options = append([]leases.Option{leases.WithClock(clk), leases.WithURL(server.URL)}, options...)
	lessor, err := leases.NewLessor(t.Context(), logger, leases.DefaultConfig(), options...)
	assert.NoError(t, err)
	t.Cleanup(func() { lessor.Stop(true) })
	historian := fakeHistorian{"r1": {
		{ID: "e1", Kind: leases.EventRegistered, Cookie: "r1", Time: epoch},
		{ID: "e2", Kind: leases.EventRenewed, Cookie: "r1", Time: epoch.Add(time.Second)},
	}}
	Export(mux, logger, lessor, historian)
	return &fixture{lessor: lessor, clock: clk, server: server, client: NewClient(server.URL, server.Client())}
}

func TestRemoteLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	lease, err := f.client.NewLease(ctx, "R1", 60*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, leases.Cookie("R1"), lease.Cookie)
	assert.Equal(t, f.server.URL, lease.Landlord.URL)
	assert.Equal(t, f.lessor.Endpoint().ID, lease.Landlord.ID)
	assert.True(t, lease.Expiration.Equal(epoch.Add(60*time.Second)))

	f.clock.Advance(30 * time.Second)
	granted, err := f.client.Renew(ctx, "R1", 60*time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 60*time.Second, granted)

	f.clock.Advance(65 * time.Second)
	_, err = f.client.Renew(ctx, "R1", 60*time.Second)
	assert.IsError(t, err, leases.ErrUnknownLease)

	err = f.client.Cancel(ctx, "R1")
	assert.IsError(t, err, leases.ErrUnknownLease)
}

func TestRemoteAnyAndForever(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.NewLease(t.Context(), "r1", leases.Any)
	assert.NoError(t, err)
	granted, err := f.client.Renew(t.Context(), "r1", leases.Forever)
	assert.NoError(t, err)
	assert.Equal(t, leases.DefaultMaxLeaseDuration, granted)
}

func TestGrantWithPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Grant(t.Context(), GrantRequest{Cookie: "r1", Duration: Duration(time.Minute), Payload: json.RawMessage(`{"owner":"alice"}`)})
	assert.NoError(t, err)
	res, ok := f.lessor.Registry().Get("r1")
	assert.True(t, ok)
	payload, ok := res.Payload.(json.RawMessage)
	assert.True(t, ok)
	assert.Equal(t, `{"owner":"alice"}`, string(payload))

	_, err = f.client.NewLease(t.Context(), "r2", time.Minute)
	assert.NoError(t, err)
	res, ok = f.lessor.Registry().Get("r2")
	assert.True(t, ok)
	assert.Zero(t, res.Payload)
}

func TestRemoteCancel(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.NewLease(t.Context(), "r1", time.Minute)
	assert.NoError(t, err)
	assert.NoError(t, f.client.Cancel(t.Context(), "r1"))
	assert.IsError(t, f.client.Cancel(t.Context(), "r1"), leases.ErrUnknownLease)
}

func TestRemoteBulk(t *testing.T) {
	f := newFixture(t)
	cookies := []leases.Cookie{"r1", "r2", "r3", "r4", "r5"}
	for _, cookie := range cookies {
		_, err := f.client.NewLease(t.Context(), cookie, time.Minute)
		assert.NoError(t, err)
	}

	outcomes, err := f.client.RenewAll(t.Context(),
		[]leases.Cookie{"r1", "fake", "r2"},
		[]time.Duration{time.Minute, time.Minute, 2 * time.Minute})
	assert.NoError(t, err)
	assert.Equal(t, 3, len(outcomes))
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, time.Minute, outcomes[0].Granted)
	assert.IsError(t, outcomes[1].Err, leases.ErrUnknownLease)
	assert.Equal(t, leases.Cookie("fake"), outcomes[1].Cookie)
	assert.Equal(t, 2*time.Minute, outcomes[2].Granted)

	failed, err := f.client.CancelAll(t.Context(), []leases.Cookie{"r1", "r2", "fabricated", "r3", "r4"})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(failed))
	assert.IsError(t, failed["fabricated"], leases.ErrUnknownLease)
	assert.Equal(t, 1, f.lessor.Registry().Len())
}

func TestRemoteErrors(t *testing.T) {
	f := newFixture(t, leases.WithPolicy(leases.NewQuotaPolicy(leases.FixedPolicy{Default: time.Minute, Max: time.Hour}, 1)))
	ctx := t.Context()
	_, err := f.client.NewLease(ctx, "r1", time.Minute)
	assert.NoError(t, err)

	_, err = f.client.NewLease(ctx, "r1", time.Minute)
	assert.IsError(t, err, leases.ErrDuplicateCookie)

	_, err = f.client.NewLease(ctx, "r2", time.Minute)
	assert.IsError(t, err, leases.ErrLeaseDenied)

	_, err = f.client.RenewAll(ctx, []leases.Cookie{"r1"}, nil)
	assert.Error(t, err)

	f.lessor.Stop(false)
	_, err = f.client.Renew(ctx, "r1", time.Minute)
	assert.IsError(t, err, leases.ErrStopped)
	_, err = f.client.CancelAll(ctx, []leases.Cookie{"r1"})
	assert.IsError(t, err, leases.ErrStopped)
}

func TestStatusCodes(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"Grant", http.MethodPost, "/leases", `{"cookie":"a","duration":"1m"}`, http.StatusCreated},
		{"GrantMissingCookie", http.MethodPost, "/leases", `{"duration":"1m"}`, http.StatusBadRequest},
		{"GrantBadDuration", http.MethodPost, "/leases", `{"cookie":"b","duration":"soon"}`, http.StatusBadRequest},
		{"GrantMalformed", http.MethodPost, "/leases", `{`, http.StatusBadRequest},
		{"RenewUnknown", http.MethodPost, "/leases/missing/renew", `{"duration":"any"}`, http.StatusNotFound},
		{"Renew", http.MethodPost, "/leases/a/renew", `{"duration":"any"}`, http.StatusOK},
		{"RenewAllMismatched", http.MethodPost, "/leases/renew", `{"cookies":["a"],"durations":[]}`, http.StatusBadRequest},
		{"Duplicate", http.MethodPost, "/leases", `{"cookie":"a","duration":"1m"}`, http.StatusConflict},
		{"Cancel", http.MethodDelete, "/leases/a", ``, http.StatusNoContent},
		{"CancelUnknown", http.MethodDelete, "/leases/a", ``, http.StatusNotFound},
		{"HistoryBadLimit", http.MethodGet, "/leases/a/history?limit=many", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), tt.method, f.server.URL+tt.path, strings.NewReader(tt.body))
			assert.NoError(t, err)
			resp, err := f.server.Client().Do(req)
			assert.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	events, err := f.client.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(events))
	assert.Equal(t, leases.EventRenewed, events[1].Kind)

	events, err = f.client.History(t.Context(), "r1", 1)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(events))

	events, err = f.client.History(t.Context(), "unknown", 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(events))
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t)
	resp, err := f.server.Client().Get(f.server.URL + "/openapi.json")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var document spec.Swagger
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&document))
	assert.Equal(t, "2.0", document.Swagger)
	paths := document.Paths.Paths
	assert.NotZero(t, paths["/leases"].Post)
	assert.NotZero(t, paths["/leases/{cookie}/renew"].Post)
	assert.NotZero(t, paths["/leases/{cookie}"].Delete)
	assert.NotZero(t, paths["/leases/renew"].Post)
	assert.NotZero(t, paths["/leases/cancel"].Post)
	assert.NotZero(t, paths["/leases/{cookie}/history"].Get)

	renew := paths["/leases/{cookie}/renew"].Post
	assert.Equal(t, 2, len(renew.Parameters))
	assert.Equal(t, "path", renew.Parameters[0].In)
	assert.Equal(t, "body", renew.Parameters[1].In)

	grant, ok := document.Definitions["http.GrantResponse"]
	assert.True(t, ok)
	assert.Equal(t, "duration", document.Definitions["http.RenewRequest"].Properties["duration"].Format)
	_, ok = grant.Properties["cookie"]
	assert.True(t, ok, "embedded lease fields should be flattened")
	_, ok = document.Definitions["leases.Event"].Properties["payload"]
	assert.False(t, ok)
}

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		json     string
		duration time.Duration
	}{
		{`"any"`, leases.Any},
		{`"forever"`, leases.Forever},
		{`"1m30s"`, 90 * time.Second},
		{`"0s"`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.json, func(t *testing.T) {
			var d Duration
			assert.NoError(t, json.Unmarshal([]byte(tt.json), &d))
			assert.Equal(t, tt.duration, time.Duration(d))
			data, err := json.Marshal(d)
			assert.NoError(t, err)
			assert.Equal(t, tt.json, string(data))
		})
	}
	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`60`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"sixty"`), &d))
}

func TestClientForLease(t *testing.T) {
	_, err := ClientForLease(leases.Lease{Cookie: "r1"}, nil)
	assert.Error(t, err)
	client, err := ClientForLease(leases.Lease{Cookie: "r1", Landlord: leases.Endpoint{URL: "http://localhost:8080/"}}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", client.baseURL)
}
