// Package logging configures the landlord's structured loggers.
package logging

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// Config for the process logger. Embed with kong prefix "log-".
type Config struct {
	Level   slog.Level `help:"The default logging level." default:"info"`
	JSON    bool       `help:"Enable JSON logging."`
	NoColor bool       `help:"Disable coloured console output."`
}

// New creates the process logger writing to w, as JSON or as coloured console output.
func New(w io.Writer, config Config) *slog.Logger {
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: config.Level,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      config.Level,
			TimeFormat: "15:04:05",
			NoColor:    config.NoColor,
		})
	}
	return slog.New(handler)
}
