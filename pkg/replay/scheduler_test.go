package replay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fr3shw3b/flowsession/pkg/clock"
	"github.com/fr3shw3b/flowsession/pkg/session"
	"github.com/sirupsen/logrus"
)

var (
	t0      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	parties = Counterparties{
		Source:      session.Identity{X500Name: "O=Alice, L=London, C=GB", GroupID: "group-1"},
		Destination: session.Identity{X500Name: "O=Bob, L=Paris, C=FR", GroupID: "group-1"},
	}
)

type recorder struct {
	mu       sync.Mutex
	// skip makes onReplay report the entry as not handed on.
	skip     bool
	replays  []Entry[string]
	failures []Entry[string]
	errs     []error
}

func (r *recorder) onReplay(entry Entry[string]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays = append(r.replays, entry)
	return !r.skip
}

func (r *recorder) setSkip(skip bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skip = skip
}

func (r *recorder) onFailure(entry Entry[string], err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, entry)
	r.errs = append(r.errs, err)
}

func (r *recorder) replayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replays)
}

func Test_add_for_replay_is_rejected_before_start(t *testing.T) {
	scheduler, _, _ := createScheduler(Config{})

	err := scheduler.AddForReplay(t0, "m1", "payload", parties)
	if !errors.Is(err, ErrNotRunning) {
		t.Error("expected ErrNotRunning, got ", err)
	}
	if scheduler.Pending() != 0 {
		t.Error("expected nothing to be scheduled")
	}
}

func Test_start_twice_fails(t *testing.T) {
	scheduler, _, _ := createScheduler(Config{})
	startScheduler(t, scheduler)

	if err := scheduler.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Error("expected ErrAlreadyRunning, got ", err)
	}
}

func Test_entry_is_replayed_every_period_up_to_the_limit_then_fails(t *testing.T) {
	scheduler, clk, rec := createScheduler(Config{LimitTotalReplays: true, MaxReplays: 3})
	startScheduler(t, scheduler)

	if err := scheduler.AddForReplay(t0, "m1", "payload", parties); err != nil {
		t.Error(err)
		t.FailNow()
	}

	scheduler.replayDue(clk.Advance(999 * time.Millisecond))
	if rec.replayCount() != 0 {
		t.Error("expected no replay before the first period elapsed")
	}

	for i := 1; i <= 3; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		clk.Set(now)
		scheduler.replayDue(now)
		if rec.replayCount() != i {
			t.Error("expected ", i, " replays at ", now, ", got ", rec.replayCount())
			t.FailNow()
		}
		if rec.replays[i-1].ReplayCount != i || rec.replays[i-1].Message != "payload" {
			t.Error("unexpected entry delivered: ", rec.replays[i-1])
		}
	}

	scheduler.replayDue(t0.Add(4 * time.Second))
	if rec.replayCount() != 3 {
		t.Error("expected no replay beyond the limit")
	}
	if len(rec.failures) != 1 || !errors.Is(rec.errs[0], ErrReplayLimitExceeded) {
		t.Error("expected a single replay limit failure, got ", rec.errs)
	}
	if scheduler.Pending() != 0 {
		t.Error("expected the failed entry to be removed")
	}
}

func Test_unlimited_replays_continue_past_max(t *testing.T) {
	scheduler, _, rec := createScheduler(Config{LimitTotalReplays: false, MaxReplays: 1})
	startScheduler(t, scheduler)
	scheduler.AddForReplay(t0, "m1", "payload", parties)

	for i := 1; i <= 5; i++ {
		scheduler.replayDue(t0.Add(time.Duration(i) * time.Second))
	}
	if rec.replayCount() != 5 || len(rec.failures) != 0 {
		t.Error("expected 5 replays and no failure, got ", rec.replayCount(), len(rec.failures))
	}
}

func Test_removed_entry_is_never_replayed(t *testing.T) {
	scheduler, _, rec := createScheduler(Config{})
	startScheduler(t, scheduler)
	scheduler.AddForReplay(t0, "m1", "payload", parties)
	scheduler.AddForReplay(t0, "m2", "other", parties)

	scheduler.RemoveFromReplay("m1", parties)
	scheduler.RemoveFromReplay("m1", parties)
	scheduler.replayDue(t0.Add(time.Hour))

	if rec.replayCount() != 1 || rec.replays[0].UniqueID != "m2" {
		t.Error("expected only m2 to be replayed, got ", rec.replays)
	}
}

func Test_same_id_with_other_counterparties_is_a_separate_entry(t *testing.T) {
	scheduler, _, rec := createScheduler(Config{})
	startScheduler(t, scheduler)
	reversed := Counterparties{Source: parties.Destination, Destination: parties.Source}
	scheduler.AddForReplay(t0, "m1", "forward", parties)
	scheduler.AddForReplay(t0, "m1", "backward", reversed)

	scheduler.RemoveFromReplay("m1", parties)
	scheduler.replayDue(t0.Add(time.Second))

	if rec.replayCount() != 1 || rec.replays[0].Message != "backward" {
		t.Error("expected only the reversed entry to be replayed, got ", rec.replays)
	}
}

func Test_remove_all_stops_every_replay(t *testing.T) {
	scheduler, _, rec := createScheduler(Config{})
	startScheduler(t, scheduler)
	for _, id := range []string{"m1", "m2", "m3"} {
		scheduler.AddForReplay(t0, id, id, parties)
	}

	scheduler.RemoveAllMessagesFromReplay()
	scheduler.replayDue(t0.Add(time.Hour))

	if rec.replayCount() != 0 || scheduler.Pending() != 0 {
		t.Error("expected no replays after removing all entries")
	}
}

func Test_exponential_cadence_is_followed(t *testing.T) {
	rec := &recorder{}
	clk := clock.NewManual(t0)
	scheduler := NewScheduler[string](
		Config{},
		NewExponentialCalculator(time.Second, 2, 0, 0, nil),
		clk,
		rec.onReplay,
		rec.onFailure,
		createLogger(),
	)
	startScheduler(t, scheduler)
	scheduler.AddForReplay(t0, "m1", "payload", parties)

	// Due at +1s, then +2s later (+3s), then +4s later (+7s).
	for _, step := range []struct {
		at       time.Duration
		expected int
	}{
		{1 * time.Second, 1},
		{2 * time.Second, 1},
		{3 * time.Second, 2},
		{6 * time.Second, 2},
		{7 * time.Second, 3},
	} {
		scheduler.replayDue(t0.Add(step.at))
		if rec.replayCount() != step.expected {
			t.Error("at +", step.at, ": expected ", step.expected, " replays, got ", rec.replayCount())
		}
	}
}

func Test_running_scheduler_replays_on_its_own(t *testing.T) {
	rec := &recorder{}
	scheduler := NewScheduler[string](
		Config{SweepInterval: 5 * time.Millisecond},
		NewConstantCalculator(10*time.Millisecond),
		clock.System(),
		rec.onReplay,
		rec.onFailure,
		createLogger(),
	)
	startScheduler(t, scheduler)
	scheduler.AddForReplay(time.Now(), "m1", "payload", parties)

	deadline := time.Now().Add(2 * time.Second)
	for rec.replayCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.replayCount() < 2 {
		t.Error("expected the sweep loop to replay the entry repeatedly")
	}

	scheduler.Stop()
	if scheduler.Running() {
		t.Error("expected the scheduler to be stopped")
	}
	stoppedAt := rec.replayCount()
	time.Sleep(50 * time.Millisecond)
	if rec.replayCount() != stoppedAt {
		t.Error("expected no replays after stop")
	}
}

func createScheduler(config Config) (*Scheduler[string], *clock.Manual, *recorder) {
	rec := &recorder{}
	clk := clock.NewManual(t0)
	// The sweep loop runs on an hourly tick so tests drive replayDue directly.
	config.SweepInterval = time.Hour
	scheduler := NewScheduler[string](
		config,
		NewConstantCalculator(time.Second),
		clk,
		rec.onReplay,
		rec.onFailure,
		createLogger(),
	)
	return scheduler, clk, rec
}

func startScheduler(t *testing.T, scheduler *Scheduler[string]) {
	if err := scheduler.Start(context.Background()); err != nil {
		t.Error(err)
		t.FailNow()
	}
	t.Cleanup(scheduler.Stop)
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func Test_contains_reflects_scheduled_entries(t *testing.T) {
	scheduler, _, _ := createScheduler(Config{})
	startScheduler(t, scheduler)
	scheduler.AddForReplay(t0, "m1", "payload", parties)

	if !scheduler.Contains("m1", parties) {
		t.Error("expected m1 to be scheduled")
	}
	scheduler.RemoveFromReplay("m1", parties)
	if scheduler.Contains("m1", parties) {
		t.Error("expected m1 to be removed")
	}
}

func Test_skipped_cycles_do_not_count_towards_the_replay_limit(t *testing.T) {
	scheduler, _, rec := createScheduler(Config{LimitTotalReplays: true, MaxReplays: 1})
	startScheduler(t, scheduler)
	scheduler.AddForReplay(t0, "m1", "payload", parties)

	rec.setSkip(true)
	for i := 1; i <= 4; i++ {
		scheduler.replayDue(t0.Add(time.Duration(i) * time.Second))
	}
	if len(rec.failures) != 0 || scheduler.Pending() != 1 {
		t.Error("expected skipped cycles to keep the entry scheduled, got failures ", rec.errs)
		t.FailNow()
	}
	for _, replayed := range rec.replays {
		if replayed.ReplayCount != 1 {
			t.Error("expected every skipped cycle to be offered as the first replay, got ", replayed.ReplayCount)
		}
	}

	rec.setSkip(false)
	scheduler.replayDue(t0.Add(5 * time.Second))
	if len(rec.failures) != 0 {
		t.Error("expected the first delivered replay not to fail")
	}
	scheduler.replayDue(t0.Add(6 * time.Second))
	if len(rec.failures) != 1 || !errors.Is(rec.errs[0], ErrReplayLimitExceeded) {
		t.Error("expected the limit to be reached after one delivered replay, got ", rec.errs)
	}
}
