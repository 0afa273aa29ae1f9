package dashboard

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alecthomas/errors"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"

	"github.com/alecthomas/landlord"
	"github.com/alecthomas/landlord/providers/leases"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxPayloadLen   = 80
)

//go:embed leases.gohtml
var leasesSource string
var leasesTmpl = template.Must(template.New("leases.gohtml").Funcs(template.FuncMap{
	"pathEscape": func(cookie leases.Cookie) string { return url.PathEscape(string(cookie)) },
	"rowID":      rowID,
}).Parse(leasesSource))

// rowID returns an HTML id for a cookie that is also a valid CSS selector.
func rowID(cookie leases.Cookie) string {
	return "lease-" + hex.EncodeToString([]byte(cookie))
}

// Canceller cancels leases on behalf of an operator.
type Canceller interface {
	Cancel(ctx context.Context, cookie leases.Cookie) error
}

type LeasesQuery struct {
	Offset int    `qstring:"offset"`
	Limit  int    `qstring:"limit"`
	Prefix string `qstring:"prefix"`
}

type leaseRow struct {
	Cookie     leases.Cookie
	Expiration time.Time
	Expires    string
	Class      string
	Payload    string
}

type leasesContext struct {
	Live     int
	Prefix   string
	Rows     []leaseRow
	Previous *LeasesQuery
	Next     *LeasesQuery
}

// Leases is a dashboard [Component] listing the live leases held by a lessor.
type Leases struct {
	logger    *slog.Logger
	registry  *leases.Registry
	canceller Canceller
	clock     clock.Clock
	renderer  *Renderer
}

var _ Component = (*Leases)(nil)

// NewLeases creates a [Leases] component. Cancellation is disabled if canceller is nil.
func NewLeases(logger *slog.Logger, registry *leases.Registry, canceller Canceller, clk clock.Clock) *Leases {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Leases{logger: logger, registry: registry, canceller: canceller, clock: clk}
}

func (l *Leases) Children() Components { return nil }

func (l *Leases) Detail() Detail {
	return Detail{Icon: "file-contract", Title: "Leases", Slug: "leases"}
}

func (l *Leases) SetRenderer(renderer *Renderer) { l.renderer = renderer }

func (l *Leases) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /_admin/leases/{$}", func(w http.ResponseWriter, r *http.Request) {
		query, err := landlord.DecodeRequest[LeasesQuery](http.MethodGet, r)
		if err != nil {
			landlord.EncodeResponse(l.logger, r, w, landlord.EncodeError, nil, err)
			return
		}
		out, err := l.Index(r.Context(), query)
		landlord.EncodeResponse(l.logger, r, w, landlord.EncodeError, out, err)
	})
	if l.canceller == nil {
		return
	}
	// Cookies may contain "/", such as those held by cron jobs.
	mux.HandleFunc("DELETE /_admin/api/leases/{cookie...}", func(w http.ResponseWriter, r *http.Request) {
		err := l.Cancel(r.Context(), leases.Cookie(r.PathValue("cookie")))
		if errors.Is(err, leases.ErrUnknownLease) {
			err = landlord.APIErrorf(http.StatusNotFound, "%w", err)
		}
		landlord.EncodeResponse(l.logger, r, w, landlord.EncodeError, landlord.EmptyResponse{}, err)
	})
}

// Index renders a page of live leases ordered by expiration.
func (l *Leases) Index(ctx context.Context, query LeasesQuery) (string, error) {
	if query.Limit <= 0 {
		query.Limit = defaultPageSize
	}
	query.Limit = min(query.Limit, maxPageSize)
	query.Offset = max(query.Offset, 0)

	now := l.clock.Now()
	var live []leases.LeasedResource
	l.registry.Range(func(res leases.LeasedResource) bool {
		if !res.Expired(now) && strings.HasPrefix(string(res.Cookie), query.Prefix) {
			live = append(live, res)
		}
		return true
	})
	slices.SortFunc(live, func(a, b leases.LeasedResource) int {
		return cmp.Or(a.Expiration.Compare(b.Expiration), strings.Compare(string(a.Cookie), string(b.Cookie)))
	})

	tctx := leasesContext{Live: len(live), Prefix: query.Prefix}
	page := live[min(query.Offset, len(live)):min(query.Offset+query.Limit, len(live))]
	for _, res := range page {
		row := leaseRow{
			Cookie:     res.Cookie,
			Expiration: res.Expiration,
			Expires:    humanize.RelTime(res.Expiration, now, "ago", "from now"),
			Payload:    summarise(res.Payload),
		}
		if classifier, ok := res.Payload.(leases.Classifier); ok {
			row.Class = classifier.LeaseClass()
		}
		tctx.Rows = append(tctx.Rows, row)
	}
	if query.Offset > 0 {
		tctx.Previous = &LeasesQuery{Offset: max(query.Offset-query.Limit, 0), Limit: query.Limit, Prefix: query.Prefix}
	}
	if query.Offset+query.Limit < len(live) {
		tctx.Next = &LeasesQuery{Offset: query.Offset + query.Limit, Limit: query.Limit, Prefix: query.Prefix}
	}
	return errors.WithStack2(l.renderer.RenderTemplate(ctx, leasesTmpl, tctx))
}

// Cancel a lease from the dashboard.
func (l *Leases) Cancel(ctx context.Context, cookie leases.Cookie) error {
	if l.canceller == nil {
		return errors.Errorf("%s: cancellation is disabled", cookie)
	}
	if err := l.canceller.Cancel(ctx, cookie); err != nil {
		return errors.WithStack(err)
	}
	l.logger.Info("Cancelled lease from dashboard", "cookie", cookie)
	return nil
}

// summarise renders a payload as compact JSON, truncated for display.
func summarise(payload any) string {
	if payload == nil {
		return ""
	}
	var s string
	if data, err := json.Marshal(payload); err == nil {
		s = string(data)
	} else {
		s = fmt.Sprintf("%v", payload)
	}
	if utf8.RuneCountInString(s) > maxPayloadLen {
		s = string([]rune(s)[:maxPayloadLen-1]) + "…"
	}
	return s
}
