package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/juju/clock/testclock"

	"github.com/alecthomas/landlord/providers/leases"
	"github.com/alecthomas/landlord/providers/logging/loggingtest"
	"github.com/alecthomas/landlord/providers/sql/sqltest"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestJournal(t *testing.T, options ...Option) *Journal {
	t.Helper()
	db, driver := sqltest.NewForTesting(t, sqltest.SQLiteDSN(t), Migrations())
	journal := New(loggingtest.NewForTesting(), db, driver, Config{}, options...)
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestRecordAndHistory(t *testing.T) {
	journal := newTestJournal(t)
	ctx := t.Context()
	for i, kind := range []leases.EventKind{leases.EventRegistered, leases.EventRenewed, leases.EventCancelled} {
		err := journal.Record(ctx, leases.Event{
			ID:         fmt.Sprintf("lease_event_%d", i),
			Kind:       kind,
			Cookie:     "r1",
			Expiration: epoch.Add(time.Minute * time.Duration(i+1)),
			Granted:    time.Minute,
			Time:       epoch.Add(time.Second * time.Duration(i)),
		})
		assert.NoError(t, err)
	}
	assert.NoError(t, journal.Record(ctx, leases.Event{ID: "other", Kind: leases.EventRegistered, Cookie: "r2", Time: epoch}))

	history, err := journal.History(ctx, "r1", 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(history))
	assert.Equal(t, leases.EventRegistered, history[0].Kind)
	assert.Equal(t, leases.EventCancelled, history[2].Kind)
	assert.Equal(t, epoch.Add(2*time.Minute), history[1].Expiration)
	assert.Equal(t, time.Minute, history[1].Granted)

	// Limit keeps the most recent events.
	history, err = journal.History(ctx, "r1", 2)
	assert.NoError(t, err)
	assert.Equal(t, []leases.EventKind{leases.EventRenewed, leases.EventCancelled}, []leases.EventKind{history[0].Kind, history[1].Kind})

	history, err = journal.History(ctx, "missing", 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(history))
}

func TestRecordIsIdempotent(t *testing.T) {
	journal := newTestJournal(t)
	event := leases.Event{ID: "dup", Kind: leases.EventRegistered, Cookie: "r1", Time: epoch}
	assert.NoError(t, journal.Record(t.Context(), event))
	assert.NoError(t, journal.Record(t.Context(), event))
	history, err := journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(history))
}

func TestPrune(t *testing.T) {
	journal := newTestJournal(t)
	for i := range 5 {
		err := journal.Record(t.Context(), leases.Event{
			ID:     fmt.Sprintf("e%d", i),
			Kind:   leases.EventRenewed,
			Cookie: "r1",
			Time:   epoch.Add(time.Hour * time.Duration(i)),
		})
		assert.NoError(t, err)
	}
	deleted, err := journal.Prune(t.Context(), epoch.Add(2*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	history, err := journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 3, len(history))
}

func TestObservesLessor(t *testing.T) {
	journal := newTestJournal(t)
	clk := testclock.NewClock(epoch)
	lessor, err := leases.NewLessor(t.Context(), loggingtest.NewForTesting(), leases.DefaultConfig(),
		leases.WithClock(clk), leases.WithObserver(journal))
	assert.NoError(t, err)
	defer lessor.Stop(true)

	_, err = lessor.NewLease(t.Context(), leases.LeasedResource{Cookie: "r1"}, time.Minute)
	assert.NoError(t, err)
	clk.Advance(time.Second)
	_, err = lessor.Renew(t.Context(), "r1", time.Minute)
	assert.NoError(t, err)
	clk.Advance(time.Second)
	assert.NoError(t, lessor.Cancel(context.Background(), "r1"))

	// Close flushes the writer.
	assert.NoError(t, journal.Close())
	history, err := journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	kinds := make([]leases.EventKind, 0, len(history))
	for _, event := range history {
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []leases.EventKind{leases.EventRegistered, leases.EventRenewed, leases.EventCancelled}, kinds)
}

func TestPruneRetained(t *testing.T) {
	clk := testclock.NewClock(epoch)
	journal := newTestJournal(t, WithClock(clk))
	for i, at := range []time.Time{epoch.Add(-48 * time.Hour), epoch.Add(-time.Minute)} {
		err := journal.Record(t.Context(), leases.Event{ID: fmt.Sprintf("e%d", i), Kind: leases.EventRenewed, Cookie: "r1", Time: at})
		assert.NoError(t, err)
	}

	assert.NoError(t, journal.PruneRetained(t.Context()))
	history, err := journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(history), "retention disabled")

	journal.config.Retention = 24 * time.Hour
	assert.NoError(t, journal.PruneRetained(t.Context()))
	history, err = journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(history))
	assert.Equal(t, "e1", history[0].ID)

	// The cutoff follows the clock.
	clk.Advance(24 * time.Hour)
	assert.NoError(t, journal.PruneRetained(t.Context()))
	history, err = journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(history))
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	journal := newTestJournal(t)
	journal.LeaseEvent(t.Context(), leases.Event{ID: "before", Kind: leases.EventRegistered, Cookie: "r1", Time: epoch})
	assert.NoError(t, journal.Close())
	journal.LeaseEvent(t.Context(), leases.Event{ID: "after", Kind: leases.EventEvicted, Cookie: "r1", Time: epoch.Add(time.Second)})
	assert.NoError(t, journal.Close())

	history, err := journal.History(t.Context(), "r1", 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(history))
	assert.Equal(t, "before", history[0].ID)
}

func TestPruneInterval(t *testing.T) {
	assert.Equal(t, time.Hour, Config{Retention: 168 * time.Hour}.PruneInterval())
	assert.Equal(t, 6*time.Minute, Config{Retention: time.Hour}.PruneInterval())
	assert.Equal(t, time.Minute, Config{Retention: time.Minute}.PruneInterval())
}
