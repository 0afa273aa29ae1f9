package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/alecthomas/errors"

	landlordhttp "github.com/alecthomas/landlord/providers/http"
	"github.com/alecthomas/landlord/providers/leases"
	"github.com/alecthomas/landlord/providers/renewal"
)

type ClientFlags struct {
	Endpoint string        `help:"URL of the landlord." default:"http://127.0.0.1:8080"`
	Timeout  time.Duration `help:"Timeout for each request." default:"10s"`
}

func (c ClientFlags) client() *landlordhttp.Client {
	return landlordhttp.NewClient(c.Endpoint, &http.Client{Timeout: c.Timeout})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return errors.WithStack(enc.Encode(v))
}

type grantCmd struct {
	ClientFlags `embed:""`
	Duration    string        `help:"Requested lease duration, or \"any\" or \"forever\"." default:"any"`
	Payload     string        `help:"JSON payload stored with the resource." placeholder:"JSON"`
	Cookie      leases.Cookie `arg:"" optional:"" help:"Cookie for the resource (default is generated)."`
}

func (g *grantCmd) Run(ctx context.Context) error {
	duration, err := landlordhttp.ParseDuration(g.Duration)
	if err != nil {
		return errors.WithStack(err)
	}
	if g.Cookie == "" {
		g.Cookie = leases.NewCookie("lease")
	}
	req := landlordhttp.GrantRequest{Cookie: g.Cookie, Duration: landlordhttp.Duration(duration)}
	if g.Payload != "" {
		if !json.Valid([]byte(g.Payload)) {
			return errors.Errorf("--payload is not valid JSON")
		}
		req.Payload = json.RawMessage(g.Payload)
	}
	lease, err := g.client().Grant(ctx, req)
	if err != nil {
		return errors.WithStack(err)
	}
	return printJSON(lease)
}

type renewCmd struct {
	ClientFlags `embed:""`
	Duration    string          `help:"Requested extension, or \"any\" or \"forever\"." default:"any"`
	Cookies     []leases.Cookie `arg:"" help:"Cookies to renew."`
}

func (r *renewCmd) Run(ctx context.Context) error {
	extension, err := landlordhttp.ParseDuration(r.Duration)
	if err != nil {
		return errors.WithStack(err)
	}
	client := r.client()
	if len(r.Cookies) == 1 {
		granted, err := client.Renew(ctx, r.Cookies[0], extension)
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Printf("%s\t%s\n", r.Cookies[0], granted)
		return nil
	}
	extensions := slices.Repeat([]time.Duration{extension}, len(r.Cookies))
	outcomes, err := client.RenewAll(ctx, r.Cookies, extensions)
	if err != nil {
		return errors.WithStack(err)
	}
	failed := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failed++
			fmt.Printf("%s\terror: %s\n", outcome.Cookie, outcome.Err)
			continue
		}
		fmt.Printf("%s\t%s\n", outcome.Cookie, outcome.Granted)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d renewals failed", failed, len(outcomes))
	}
	return nil
}

type cancelCmd struct {
	ClientFlags `embed:""`
	Cookies     []leases.Cookie `arg:"" help:"Cookies to cancel."`
}

func (c *cancelCmd) Run(ctx context.Context) error {
	client := c.client()
	if len(c.Cookies) == 1 {
		return errors.WithStack(client.Cancel(ctx, c.Cookies[0]))
	}
	failed, err := client.CancelAll(ctx, c.Cookies)
	if err != nil {
		return errors.WithStack(err)
	}
	for cookie, err := range failed {
		fmt.Printf("%s\terror: %s\n", cookie, err)
	}
	if len(failed) > 0 {
		return errors.Errorf("%d of %d cancellations failed", len(failed), len(c.Cookies))
	}
	return nil
}

type historyCmd struct {
	ClientFlags `embed:""`
	Limit       int           `help:"Maximum number of events to print." default:"100"`
	Cookie      leases.Cookie `arg:"" help:"Cookie of the lease."`
}

func (h *historyCmd) Run(ctx context.Context) error {
	events, err := h.client().History(ctx, h.Cookie, h.Limit)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, event := range events {
		fmt.Printf("%s\t%s\t%s\n", event.Time.Format(time.RFC3339), event.Kind, event.Expiration.Format(time.RFC3339))
	}
	return nil
}

type holdCmd struct {
	ClientFlags    `embed:""`
	renewal.Config `embed:"" prefix:"renewal-"`
	Duration       string        `help:"Requested lease duration, or \"any\"." default:"any"`
	For            time.Duration `help:"Stop renewing after this long (0 renews until interrupted)." default:"0s"`
	Cookie         leases.Cookie `arg:"" optional:"" help:"Cookie for the resource (default is generated)."`
}

func (h *holdCmd) Run(ctx context.Context, logger *slog.Logger) error {
	duration, err := landlordhttp.ParseDuration(h.Duration)
	if err != nil {
		return errors.WithStack(err)
	}
	if h.Cookie == "" {
		h.Cookie = leases.NewCookie("lease")
	}
	client := h.client()
	lease, err := client.NewLease(ctx, h.Cookie, duration)
	if err != nil {
		return errors.WithStack(err)
	}
	logger.Info("Holding lease", "cookie", lease.Cookie, "landlord", lease.Landlord.ID, "expiration", lease.Expiration)

	var until time.Time
	if h.For > 0 {
		until = time.Now().Add(h.For)
	}
	failed := make(chan error, 1)
	manager := renewal.New(ctx, logger, client, h.Config)
	defer manager.Close() //nolint:errcheck
	err = manager.Renew(lease, until, func(lease leases.Lease, err error) { failed <- err })
	if err != nil {
		return errors.WithStack(err)
	}

	var deadline <-chan time.Time
	if !until.IsZero() {
		deadline = time.After(time.Until(until))
	}
	select {
	case err := <-failed:
		return errors.Errorf("lost lease: %w", err)
	case <-deadline:
		logger.Info("Lease held for requested period", "cookie", lease.Cookie)
		return nil
	case <-ctx.Done():
	}
	manager.Remove(lease.Cookie)
	cancelCtx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()
	if err := client.Cancel(cancelCtx, lease.Cookie); err != nil {
		return errors.Errorf("failed to cancel lease: %w", err)
	}
	logger.Info("Cancelled lease", "cookie", lease.Cookie)
	return nil
}
