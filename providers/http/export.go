package http

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/landlord"
	"github.com/alecthomas/landlord/providers/leases"
)

// Lessor is the lessor side of the protocol that can be exported.
type Lessor interface {
	leases.Landlord
	NewLease(ctx context.Context, resource leases.LeasedResource, duration time.Duration) (leases.Lease, error)
}

// Historian returns recorded lease events, eg. from the journal.
type Historian interface {
	History(ctx context.Context, cookie leases.Cookie, limit int) ([]leases.Event, error)
}

type route struct {
	method   string
	path     string
	summary  string
	status   int
	request  reflect.Type
	response reflect.Type
}

type exporter struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	lessor    Lessor
	historian Historian
	routes    []route
}

// Export mounts the lease protocol on mux.
//
// historian may be nil, in which case the history endpoint is not mounted. The OpenAPI description of the
// mounted endpoints is served at "GET /openapi.json".
func Export(mux *http.ServeMux, logger *slog.Logger, lessor Lessor, historian Historian) {
	e := &exporter{mux: mux, logger: logger, lessor: lessor, historian: historian}
	handle(e, http.MethodPost, "/leases", "Grant a lease on a new resource.", http.StatusCreated, e.grant)
	handle(e, http.MethodPost, "/leases/{cookie}/renew", "Renew a lease.", http.StatusOK, e.renew)
	handle(e, http.MethodDelete, "/leases/{cookie}", "Cancel a lease.", http.StatusNoContent, e.cancel)
	handle(e, http.MethodPost, "/leases/renew", "Renew leases in bulk. Each cookie succeeds or fails independently.", http.StatusOK, e.renewAll)
	handle(e, http.MethodPost, "/leases/cancel", "Cancel leases in bulk. Only failed cookies are returned.", http.StatusOK, e.cancelAll)
	if historian != nil {
		handle(e, http.MethodGet, "/leases/{cookie}/history", "Recorded events for a lease, oldest first.", http.StatusOK, e.history)
	}
	document := e.openAPI()
	mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
		landlord.EncodeResponse(logger, r, w, landlord.EncodeError, document, nil)
	})
}

func handle[Req, Resp any](e *exporter, method, path, summary string, status int, fn func(ctx context.Context, r *http.Request, req Req) (Resp, error)) {
	e.routes = append(e.routes, route{
		method:   method,
		path:     path,
		summary:  summary,
		status:   status,
		request:  reflect.TypeFor[Req](),
		response: reflect.TypeFor[Resp](),
	})
	e.mux.HandleFunc(method+" "+path, func(w http.ResponseWriter, r *http.Request) {
		req, err := landlord.DecodeRequest[Req](method, r)
		if err != nil {
			landlord.EncodeResponse(e.logger, r, w, landlord.EncodeError, nil, err)
			return
		}
		resp, err := fn(r.Context(), r, req)
		landlord.EncodeResponse(e.logger, r, w, landlord.EncodeError, resp, err)
	})
}

func (e *exporter) grant(ctx context.Context, r *http.Request, req GrantRequest) (GrantResponse, error) {
	if req.Cookie == "" {
		return GrantResponse{}, landlord.APIErrorf(http.StatusBadRequest, "cookie is required")
	}
	resource := leases.LeasedResource{Cookie: req.Cookie}
	if len(req.Payload) > 0 {
		resource.Payload = req.Payload
	}
	lease, err := e.lessor.NewLease(ctx, resource, time.Duration(req.Duration))
	if err != nil {
		return GrantResponse{}, protocolError(err)
	}
	return GrantResponse{Lease: lease}, nil
}

func (e *exporter) renew(ctx context.Context, r *http.Request, req RenewRequest) (RenewResponse, error) {
	cookie := leases.Cookie(r.PathValue("cookie"))
	granted, err := e.lessor.Renew(ctx, cookie, time.Duration(req.Duration))
	if err != nil {
		return RenewResponse{}, protocolError(err)
	}
	return RenewResponse{Cookie: cookie, Granted: Duration(granted)}, nil
}

func (e *exporter) cancel(ctx context.Context, r *http.Request, req struct{}) (landlord.EmptyResponse, error) {
	if err := e.lessor.Cancel(ctx, leases.Cookie(r.PathValue("cookie"))); err != nil {
		return nil, protocolError(err)
	}
	return landlord.EmptyResponse{}, nil
}

func (e *exporter) renewAll(ctx context.Context, r *http.Request, req RenewAllRequest) (RenewAllResponse, error) {
	if len(req.Cookies) != len(req.Durations) {
		return RenewAllResponse{}, landlord.APIErrorf(http.StatusBadRequest, "%d cookies but %d durations", len(req.Cookies), len(req.Durations))
	}
	extensions := make([]time.Duration, len(req.Durations))
	for i, d := range req.Durations {
		extensions[i] = time.Duration(d)
	}
	outcomes, err := e.lessor.RenewAll(ctx, req.Cookies, extensions)
	if err != nil {
		return RenewAllResponse{}, protocolError(err)
	}
	resp := RenewAllResponse{Outcomes: make([]OutcomeResponse, len(outcomes))}
	for i, outcome := range outcomes {
		resp.Outcomes[i] = OutcomeResponse{Cookie: outcome.Cookie, Granted: Duration(outcome.Granted)}
		if outcome.Err != nil {
			body := errorResponse(outcome.Err)
			resp.Outcomes[i].Error = &body
		}
	}
	return resp, nil
}

func (e *exporter) cancelAll(ctx context.Context, r *http.Request, req CancelAllRequest) (CancelAllResponse, error) {
	failed, err := e.lessor.CancelAll(ctx, req.Cookies)
	if err != nil {
		return CancelAllResponse{}, protocolError(err)
	}
	resp := CancelAllResponse{Failed: make(map[leases.Cookie]landlord.ErrorResponse, len(failed))}
	for cookie, err := range failed {
		resp.Failed[cookie] = errorResponse(err)
	}
	return resp, nil
}

func (e *exporter) history(ctx context.Context, r *http.Request, req HistoryQuery) (HistoryResponse, error) {
	events, err := e.historian.History(ctx, leases.Cookie(r.PathValue("cookie")), req.Limit)
	if err != nil {
		return HistoryResponse{}, errors.WithStack(err)
	}
	if events == nil {
		events = []leases.Event{}
	}
	return HistoryResponse{Events: events}, nil
}

// statusForKind maps protocol error kinds to HTTP status codes.
var statusForKind = map[leases.Kind]int{
	leases.KindUnknownLease:    http.StatusNotFound,
	leases.KindLeaseDenied:     http.StatusForbidden,
	leases.KindStopped:         http.StatusServiceUnavailable,
	leases.KindDuplicateCookie: http.StatusConflict,
	leases.KindInternal:        http.StatusInternalServerError,
}

func protocolError(err error) error {
	kind := leases.KindOf(err)
	return landlord.APIErrorKind(statusForKind[kind], string(kind), err)
}

func errorResponse(err error) landlord.ErrorResponse {
	kind := leases.KindOf(err)
	return landlord.ErrorResponse{Error: err.Error(), Code: strconv.Itoa(statusForKind[kind]), Kind: string(kind)}
}
