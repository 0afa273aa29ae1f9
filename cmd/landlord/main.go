package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	"github.com/kballard/go-shellquote"

	"github.com/alecthomas/landlord/providers/logging"
)

var cli struct {
	Version kong.VersionFlag `help:"Print the version and exit."`
	Config  kong.ConfigFlag  `help:"Load configuration from a TOML file." placeholder:"FILE"`
	Log     logging.Config   `embed:"" prefix:"log-"`

	Serve   serveCmd   `cmd:"" help:"Serve leases over HTTP."`
	Grant   grantCmd   `cmd:"" help:"Register a resource with a landlord and print its lease."`
	Renew   renewCmd   `cmd:"" help:"Renew one or more leases."`
	Cancel  cancelCmd  `cmd:"" help:"Cancel one or more leases."`
	Hold    holdCmd    `cmd:"" help:"Grant a lease and keep it renewed until interrupted."`
	History historyCmd `cmd:"" help:"Print the recorded events for a lease."`
}

func main() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
	}
	parser, err := newParser(&cli, version, "/etc/landlord.toml", "~/.landlord.toml")
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(append(os.Args[1:], extraFlags()...))
	parser.FatalIfErrorf(err)

	logger := logging.New(os.Stderr, cli.Log)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)
	err = kctx.Run()
	cancel()
	kctx.FatalIfErrorf(err)
}

func newParser(grammar any, version string, configs ...string) (*kong.Kong, error) {
	return kong.New(grammar,
		kong.Name("landlord"),
		kong.Description("A lessor of time-bounded leases on resources held by remote clients."),
		kong.Configuration(kongtoml.Loader, configs...),
		kong.Vars{"version": version, "sqldsn": "sqlite://file:landlord.db"},
		kong.DefaultEnvars("LANDLORD"),
	)
}

// extraFlags returns additional flags from $LANDLORD_FLAGS.
func extraFlags() []string {
	flags := os.Getenv("LANDLORD_FLAGS")
	if flags == "" {
		return nil
	}
	words, err := shellquote.Split(flags)
	if err != nil {
		slog.Warn("Ignoring invalid $LANDLORD_FLAGS", "error", err)
		return nil
	}
	return words
}
