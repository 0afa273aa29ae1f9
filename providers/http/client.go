package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/landlord"
	"github.com/alecthomas/landlord/providers/leases"
)

// Client is a remote [leases.Landlord] for a lessor exported with [Export].
//
// Protocol errors returned by the lessor are reconstructed, so errors.Is(err, leases.ErrUnknownLease) works across
// the wire. Transport failures are returned as-is.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ leases.Landlord = (*Client)(nil)

// NewClient creates a [Client] for the lessor at baseURL. If client is nil, [http.DefaultClient] is used.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

// ClientForLease creates a [Client] for the lessor that issued lease.
func ClientForLease(lease leases.Lease, client *http.Client) (*Client, error) {
	if lease.Landlord.URL == "" {
		return nil, errors.Errorf("%s: lease does not carry a landlord URL", lease.Cookie)
	}
	return NewClient(lease.Landlord.URL, client), nil
}

// NewLease asks the lessor to register a resource for cookie and grant it a lease.
func (c *Client) NewLease(ctx context.Context, cookie leases.Cookie, duration time.Duration) (leases.Lease, error) {
	return c.Grant(ctx, GrantRequest{Cookie: cookie, Duration: Duration(duration)})
}

// Grant registers a resource, including its optional payload, and returns its lease.
func (c *Client) Grant(ctx context.Context, req GrantRequest) (leases.Lease, error) {
	var resp GrantResponse
	err := c.do(ctx, http.MethodPost, "/leases", req, &resp)
	return resp.Lease, errors.WithStack(err)
}

func (c *Client) Renew(ctx context.Context, cookie leases.Cookie, extension time.Duration) (time.Duration, error) {
	var resp RenewResponse
	err := c.do(ctx, http.MethodPost, "/leases/"+url.PathEscape(string(cookie))+"/renew", RenewRequest{Duration: Duration(extension)}, &resp)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return time.Duration(resp.Granted), nil
}

func (c *Client) RenewAll(ctx context.Context, cookies []leases.Cookie, extensions []time.Duration) ([]leases.Outcome, error) {
	req := RenewAllRequest{Cookies: cookies, Durations: make([]Duration, len(extensions))}
	for i, extension := range extensions {
		req.Durations[i] = Duration(extension)
	}
	var resp RenewAllResponse
	if err := c.do(ctx, http.MethodPost, "/leases/renew", req, &resp); err != nil {
		return nil, errors.WithStack(err)
	}
	outcomes := make([]leases.Outcome, len(resp.Outcomes))
	for i, outcome := range resp.Outcomes {
		outcomes[i] = leases.Outcome{Cookie: outcome.Cookie, Granted: time.Duration(outcome.Granted)}
		if outcome.Error != nil {
			outcomes[i].Err = decodeError(*outcome.Error)
		}
	}
	return outcomes, nil
}

func (c *Client) Cancel(ctx context.Context, cookie leases.Cookie) error {
	return errors.WithStack(c.do(ctx, http.MethodDelete, "/leases/"+url.PathEscape(string(cookie)), nil, nil))
}

func (c *Client) CancelAll(ctx context.Context, cookies []leases.Cookie) (map[leases.Cookie]error, error) {
	var resp CancelAllResponse
	if err := c.do(ctx, http.MethodPost, "/leases/cancel", CancelAllRequest{Cookies: cookies}, &resp); err != nil {
		return nil, errors.WithStack(err)
	}
	failed := make(map[leases.Cookie]error, len(resp.Failed))
	for cookie, body := range resp.Failed {
		failed[cookie] = decodeError(body)
	}
	return failed, nil
}

// History returns up to limit recorded events for cookie, oldest first.
func (c *Client) History(ctx context.Context, cookie leases.Cookie, limit int) ([]leases.Event, error) {
	var resp HistoryResponse
	path := fmt.Sprintf("/leases/%s/history?limit=%d", url.PathEscape(string(cookie)), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, errors.WithStack(err)
	}
	return resp.Events, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.WithStack(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errBody landlord.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Error == "" {
			return errors.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return decodeError(errBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(body landlord.ErrorResponse) error {
	if body.Kind == "" || leases.Kind(body.Kind) == leases.KindInternal {
		return errors.Errorf("%s: %s", body.Code, body.Error)
	}
	return leases.ErrorForKind(leases.Kind(body.Kind), body.Error)
}
