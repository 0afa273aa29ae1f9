// Package http exports a lessor over HTTP and provides a matching client.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/landlord"
	"github.com/alecthomas/landlord/providers/logging"
)

type Config struct {
	Bind string `help:"The address to bind the server to." default:"127.0.0.1:8080"`
}

// DefaultServer creates a [http.Server] for handler whose requests inherit ctx.
func DefaultServer(ctx context.Context, logger *slog.Logger, config Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              config.Bind,
		Handler:           handler,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
		ReadTimeout:       time.Second * 10,
		WriteTimeout:      time.Second * 10,
		ReadHeaderTimeout: time.Second * 5,
		ErrorLog:          logging.Legacy(logger, slog.LevelError),
	}
}

// LoggingMiddleware logs each request at debug level.
func LoggingMiddleware(logger *slog.Logger) landlord.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
