package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alecthomas/landlord/internal/flock"
	"github.com/alecthomas/landlord/providers/cron"
	"github.com/alecthomas/landlord/providers/dashboard"
	landlordhttp "github.com/alecthomas/landlord/providers/http"
	"github.com/alecthomas/landlord/providers/journal"
	"github.com/alecthomas/landlord/providers/leases"
	"github.com/alecthomas/landlord/providers/metrics"
	"github.com/alecthomas/landlord/providers/pubsub"
	"github.com/alecthomas/landlord/providers/pubsub/postgres"
	"github.com/alecthomas/landlord/providers/pubsub/redis"
	landlordsql "github.com/alecthomas/landlord/providers/sql"
)

type serveCmd struct {
	Lease   leases.Config       `embed:"" prefix:"lease-"`
	HTTP    landlordhttp.Config `embed:"" prefix:"http-"`
	URL     string              `help:"Public URL stamped on issued leases (default http://<bind>)."`
	SQL     landlordsql.Config  `embed:"" prefix:"sql-"`
	Journal journal.Config      `embed:"" prefix:"journal-"`
	Metrics metrics.Config      `embed:"" prefix:"metrics-"`
	Redis   redis.Config        `embed:"" prefix:"redis-"`

	Record      bool          `help:"Record lease events in the SQL journal."`
	Events      string        `help:"Publish lease events to a topic (${enum})." enum:"none,memory,redis,postgres" default:"none"`
	Dashboard   bool          `help:"Serve the admin dashboard on /_admin/." default:"true" negatable:""`
	LockFile    string        `help:"Hold an exclusive lock on this file while serving." placeholder:"PATH"`
	LockTimeout time.Duration `help:"How long to wait for the lock file." default:"0s"`
	DrainPeriod time.Duration `help:"How long to wait for in-flight requests on shutdown." default:"10s"`
}

func (s *serveCmd) Run(ctx context.Context, logger *slog.Logger) error {
	if s.LockFile != "" {
		release, err := flock.Acquire(ctx, s.LockFile, s.LockTimeout)
		if err != nil {
			return errors.Errorf("another landlord may be running: %w", err)
		}
		defer release() //nolint:errcheck
	}

	var (
		observers []leases.Observer
		closers   []func() error
		historian landlordhttp.Historian
		db        *sql.DB
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Shutdown failed", "error", err)
			}
		}
	}()

	if s.Record || s.Events == "postgres" {
		var migrations landlordsql.Migrations
		if s.Record {
			migrations = append(migrations, journal.Migrations()...)
		}
		var err error
		db, err = landlordsql.New(ctx, s.SQL, logger, migrations)
		if err != nil {
			return errors.WithStack(err)
		}
		closers = append(closers, db.Close)
	}

	var lessorJournal *journal.Journal
	if s.Record {
		driver, err := landlordsql.DriverForConfig(s.SQL)
		if err != nil {
			return errors.WithStack(err)
		}
		lessorJournal = journal.New(logger, db, driver, s.Journal)
		closers = append(closers, lessorJournal.Close)
		observers = append(observers, lessorJournal)
		historian = lessorJournal
	}

	topic, err := s.topic(ctx, logger, db)
	if err != nil {
		return errors.WithStack(err)
	}
	if topic != nil {
		closers = append(closers, topic.Close)
		err := topic.Subscribe(ctx, func(ctx context.Context, event pubsub.Event[leases.Event]) error {
			payload := event.Payload()
			logger.Debug("Lease event", "id", event.ID(), "kind", payload.Kind, "cookie", payload.Cookie)
			return nil
		})
		if err != nil {
			return errors.WithStack(err)
		}
		observers = append(observers, leases.NewTopicObserver(logger, topic))
	}

	leaseMetrics := &metrics.Deferred{}
	observers = append(observers, leaseMetrics)

	url := s.URL
	if url == "" {
		url = "http://" + s.HTTP.Bind
	}
	options := []leases.Option{leases.WithURL(url)}
	for _, observer := range observers {
		options = append(options, leases.WithObserver(observer))
	}
	lessor, err := leases.NewLessor(ctx, logger, s.Lease, options...)
	if err != nil {
		return errors.WithStack(err)
	}

	mux := http.NewServeMux()
	if s.Metrics.Path != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(registry, lessor.Registry())
		if err != nil {
			lessor.Stop(true)
			return errors.WithStack(err)
		}
		leaseMetrics.Attach(m)
		mux.Handle("GET "+s.Metrics.Path, metrics.Handler(registry))
	}
	landlordhttp.Export(mux, logger, lessor, historian)
	if s.Dashboard {
		dashboard.New(logger, dashboard.Components{
			dashboard.NewLeases(logger, lessor.Registry(), lessor, nil),
		}).Mount(mux)
	}

	if lessorJournal != nil && s.Journal.Retention > 0 {
		scheduler := cron.NewScheduler(ctx, logger, lessor, nil)
		if err := scheduler.Register("journal-prune", s.Journal.PruneInterval(), lessorJournal.PruneRetained); err != nil {
			lessor.Stop(true)
			return errors.WithStack(err)
		}
	}

	server := landlordhttp.DefaultServer(ctx, logger, s.HTTP, landlordhttp.LoggingMiddleware(logger)(mux))
	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()
	logger.Info("Landlord serving", "bind", s.HTTP.Bind, "url", url, "landlord", lessor.Endpoint().ID,
		"events", s.Events, "journal", s.Record)

	select {
	case err = <-errs:
		lessor.Stop(true)
		return errors.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), s.DrainPeriod)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Warn("Failed to drain HTTP server", "error", err)
	}
	lessor.Stop(false)
	return nil
}

func (s *serveCmd) topic(ctx context.Context, logger *slog.Logger, db *sql.DB) (pubsub.Topic[leases.Event], error) {
	switch s.Events {
	case "memory":
		return pubsub.NewMemoryTopic[leases.Event](logger), nil

	case "redis":
		client, err := redis.NewClient(s.Redis)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return errors.WithStack2(redis.New[leases.Event](ctx, logger, client, s.Redis))

	case "postgres":
		if !strings.HasPrefix(s.SQL.DSN, "postgres") {
			return nil, errors.Errorf("--events=postgres requires a postgres --sql-dsn")
		}
		listener, err := postgres.NewListener(ctx, logger, db)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return errors.WithStack2(postgres.New[leases.Event](ctx, logger, listener, db))

	default:
		return nil, nil
	}
}
