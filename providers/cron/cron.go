// Package cron runs periodic maintenance jobs, such as pruning the lease journal.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alecthomas/errors"
	"github.com/juju/clock"

	"github.com/alecthomas/landlord/providers/leases"
)

// MinPeriod is the shortest period a job may be scheduled with.
const MinPeriod = 5 * time.Second

// Job represents a cron job.
type Job func(ctx context.Context) error

// Locker grants the leases that prevent runs of the same job from overlapping.
//
// It is satisfied by [leases.Lessor].
type Locker interface {
	NewLease(ctx context.Context, resource leases.LeasedResource, duration time.Duration) (leases.Lease, error)
	Cancel(ctx context.Context, cookie leases.Cookie) error
}

type Schedule struct {
	name    string
	lastRun time.Time
	period  time.Duration
	run     Job
}

// NextRun returns the next time the job should run.
func (s *Schedule) NextRun() time.Time {
	return nextRun(s.period, s.lastRun)
}

func (s *Schedule) String() string {
	return fmt.Sprintf("Schedule(%q, nextRun=%s)", s.name, s.NextRun().Format(time.RFC3339))
}

type Scheduler struct {
	lock      sync.Mutex
	logger    *slog.Logger
	locker    Locker
	clock     clock.Clock
	schedules []*Schedule
	wake      chan struct{}
}

// NewScheduler creates a new cron scheduler that runs until ctx is cancelled.
//
// Each run of a job holds a lease on the cookie "cron/<name>" for half of the job's period, so that runs of
// the same job never overlap across schedulers sharing a lessor.
func NewScheduler(ctx context.Context, logger *slog.Logger, locker Locker, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Scheduler{logger: logger, locker: locker, clock: clk, wake: make(chan struct{}, 1)}
	go s.run(ctx)
	return s
}

// Register a new cron job.
func (s *Scheduler) Register(name string, period time.Duration, job Job) error {
	if period < MinPeriod {
		return errors.Errorf("%s: schedule period must be at least %s", name, MinPeriod)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if slices.ContainsFunc(s.schedules, func(sched *Schedule) bool { return sched.name == name }) {
		return errors.Errorf("%s: cron job already registered", name)
	}
	sched := &Schedule{name: name, period: period, run: job, lastRun: s.clock.Now()}
	s.schedules = append(s.schedules, sched)
	s.logger.Debug("Scheduled new cron job", "job", sched.name, "next", sched.NextRun())
	s.sortSchedulesNoLock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		wait := time.Hour
		s.lock.Lock()
		if len(s.schedules) > 0 {
			wait = max(s.schedules[0].NextRun().Sub(s.clock.Now()), 0)
		}
		s.lock.Unlock()

		if wait == 0 {
			s.runDue(ctx, s.clock.Now())
			continue
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.Chan():
		}
		s.runDue(ctx, s.clock.Now())
	}
}

// runDue runs every job whose next run is at or before now.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, schedule := range s.schedules {
		if schedule.NextRun().After(now) {
			continue
		}
		schedule.lastRun = now
		s.runJob(ctx, schedule)
	}
	s.sortSchedulesNoLock()
}

func (s *Scheduler) runJob(ctx context.Context, schedule *Schedule) {
	cookie := leases.Cookie("cron/" + schedule.name)
	_, err := s.locker.NewLease(ctx, leases.LeasedResource{Cookie: cookie, Payload: schedule.name}, schedule.period/2)
	if errors.Is(err, leases.ErrDuplicateCookie) {
		s.logger.Debug("Cron job already running, skipping", "job", schedule.name)
		return
	} else if err != nil {
		s.logger.Error("Failed to acquire lease for cron job", "job", schedule.name, "error", err)
		return
	}
	start := s.clock.Now()
	if err := schedule.run(ctx); err != nil {
		s.logger.Error("Cron job failed", "job", schedule.name, "error", err)
	} else {
		s.logger.Debug("Cron job completed", "job", schedule.name, "elapsed", s.clock.Now().Sub(start))
	}
	// The lease may already have expired if the job overran.
	if err := s.locker.Cancel(ctx, cookie); err != nil && !errors.Is(err, leases.ErrUnknownLease) {
		s.logger.Error("Failed to release lease for cron job", "job", schedule.name, "error", err)
	}
}

func (s *Scheduler) sortSchedulesNoLock() {
	slices.SortFunc(s.schedules, func(a, b *Schedule) int { return a.NextRun().Compare(b.NextRun()) })
}

// Calculate the next time a cron job should run.
//
// eg. If period=5m, and lastRun=5:01 it will return 5:05.
func nextRun(period time.Duration, lastRun time.Time) time.Time {
	// Floor the last run to the nearest period boundary.
	floored := time.Duration(lastRun.UnixNano()) / period * period
	return time.Unix(0, (floored + period).Nanoseconds()).UTC()
}
