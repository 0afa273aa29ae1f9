// Package landlord contains the HTTP encoding runtime shared by landlord's providers.
package landlord

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/dyninc/qstring"
)

// ErrorEncoder writes an error response.
type ErrorEncoder func(logger *slog.Logger, w http.ResponseWriter, msg string, code int)

// Middleware is a convenience type for HTTP middleware.
type Middleware func(next http.Handler) http.Handler

// An APIError is an error that is also a http.Handler used to encode the error.
type APIError interface {
	error
	http.Handler
	// StatusCode returns the HTTP status the error is encoded with.
	StatusCode() int
}

// StatusCode is an interface that can be implemented by response types to provide a custom status code.
type StatusCode interface {
	StatusCode() int
}

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Kind classifies protocol errors so clients can reconstruct them, eg. "unknown-lease".
	Kind string `json:"kind,omitempty"`
}

// APIErrorf can be used with HTTP handlers to return a JSON-encoded error body in the form {"error: <msg>", "code": <code>}
func APIErrorf(code int, format string, args ...any) APIError {
	return apiError{
		code: code,
		err:  errors.Errorf(format, args...),
	}
}

// APIErrorKind wraps err in an [APIError] that additionally carries a kind.
func APIErrorKind(code int, kind string, err error) APIError {
	return apiError{code: code, kind: kind, err: err}
}

type apiError struct {
	code int
	kind string
	err  error
}

// Error implements APIError.
func (a apiError) Error() string   { return fmt.Sprintf("%d: %s", a.code, a.err) }
func (a apiError) Unwrap() error   { return a.err }
func (a apiError) StatusCode() int { return a.code }

// ServeHTTP implements APIError.
func (a apiError) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(a.code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: a.err.Error(), Code: strconv.Itoa(a.code), Kind: a.kind}) //nolint
}

// DecodeRequest decodes the JSON request body into T for PATCH/POST/PUT methods, and query parameters for all other method types.
func DecodeRequest[T any](method string, r *http.Request) (T, error) {
	var result T
	method = strings.ToUpper(method)
	if method == http.MethodPatch || method == http.MethodPost || method == http.MethodPut {
		if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
			return result, APIErrorf(http.StatusBadRequest, "failed to decode JSON request body: %w", err)
		}
	} else if err := qstring.Unmarshal(r.URL.Query(), &result); err != nil {
		return result, APIErrorf(http.StatusBadRequest, "failed to decode query parameters: %w", err)
	}
	return result, nil
}

// EncodeError is the default error encoder.
//
// The response will be JSON in the form:
//
//	{
//	  "error": "error message",
//	  "code": code
//	}
func EncodeError(logger *slog.Logger, w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	eerr := json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: strconv.Itoa(status)})
	if eerr != nil {
		logger.Error("Failed to encode error", "error", msg, "status", status)
	}
}

// EncodeResponse encodes the response body and writes it to the response writer.
//
// Strings are written as HTML, [http.Handler]s serve themselves, and everything else is encoded as JSON.
func EncodeResponse(logger *slog.Logger, r *http.Request, w http.ResponseWriter, errorEncoder ErrorEncoder, data any, outErr error) {
	if outErr != nil {
		var handler APIError
		if errors.As(outErr, &handler) {
			handler.ServeHTTP(w, r)
		} else {
			logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", outErr)
			errorEncoder(logger, w, outErr.Error(), http.StatusInternalServerError)
		}
		return
	}
	statusCode := http.StatusOK
	statusCoder, ok := data.(StatusCode)
	if ok {
		statusCode = statusCoder.StatusCode()
	}

	switch data := data.(type) {
	case http.Handler:
		data.ServeHTTP(w, r)

	case string:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(statusCode)
		_, err := w.Write([]byte(data))
		if err != nil {
			logger.Error("Failed to write response", "error", err)
			return
		}

	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(statusCode)
		err := json.NewEncoder(w).Encode(data) //nolint
		if err != nil {
			logger.Error("Failed to encode response", "error", err)
		}
	}
}

// EmptyResponse is used for handlers that don't return any content.
//
// It will write an empty response with a status code based on the HTTP method used:
//
//   - PUT: StatusAccepted
//   - PATCH: StatusAccepted
//   - DELETE: StatusNoContent
//   - Other: StatusOK
type EmptyResponse []byte

func (e EmptyResponse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		w.WriteHeader(http.StatusAccepted)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
