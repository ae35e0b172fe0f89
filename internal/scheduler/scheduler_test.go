package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"home-habits/internal/bus"
	"home-habits/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock hands out timer channels that only fire when the test advances
// time, so loop cadence is fully deterministic.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// waitForWaiters blocks until n loops are parked on the clock.
func (c *fakeClock) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		parked := len(c.waiters)
		c.mu.Unlock()
		if parked >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d parked loops", n)
}

type fakeSyncer struct {
	calls chan struct{}
	mu    sync.Mutex
	err   error
}

func (f *fakeSyncer) SyncFromHistory(ctx context.Context) (int, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	f.calls <- struct{}{}
	if err != nil {
		return 0, err
	}
	return 2, nil
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeDetector struct {
	calls chan struct{}
}

func (f *fakeDetector) DetectAll(ctx context.Context) ([]*store.Pattern, error) {
	f.calls <- struct{}{}
	return []*store.Pattern{{Kind: store.PatternTimeBased}}, nil
}

type fakeCleaner struct {
	calls   chan time.Time
	deleted int
}

func (f *fakeCleaner) DeleteEventsBefore(cutoff time.Time) (int, error) {
	f.calls <- cutoff
	return f.deleted, nil
}

func newFixture() (*fakeSyncer, *fakeDetector, *fakeCleaner) {
	return &fakeSyncer{calls: make(chan struct{}, 16)},
		&fakeDetector{calls: make(chan struct{}, 16)},
		&fakeCleaner{calls: make(chan time.Time, 16), deleted: 3}
}

func waitCall[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectNoCall[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncRunsImmediatelyThenOnInterval(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	clock := newFakeClock()

	s := New(syncer, detector, cleaner, nil, Config{}, testLogger())
	s.SetClock(clock)
	s.Start()
	defer s.Stop()

	waitCall(t, syncer.calls, "initial sync")
	clock.waitForWaiters(t, 3)
	expectNoCall(t, syncer.calls, "early sync")

	clock.Advance(time.Hour)
	waitCall(t, syncer.calls, "interval sync")
}

func TestDetectionWaitsInitialDelay(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	clock := newFakeClock()

	s := New(syncer, detector, cleaner, nil, Config{}, testLogger())
	s.SetClock(clock)
	s.Start()
	defer s.Stop()

	waitCall(t, syncer.calls, "initial sync")
	clock.waitForWaiters(t, 3)
	expectNoCall(t, detector.calls, "detection before initial delay")

	clock.Advance(time.Minute)
	waitCall(t, detector.calls, "first detection")

	// Next detection waits the full interval.
	clock.waitForWaiters(t, 3)
	clock.Advance(time.Hour)
	expectNoCall(t, detector.calls, "detection before interval")
	clock.Advance(5 * time.Hour)
	waitCall(t, detector.calls, "second detection")
}

func TestCleanupUsesRetentionCutoff(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	clock := newFakeClock()
	events := bus.New(testLogger())
	cleaned := make(chan bus.Event, 1)
	events.On(bus.EventCleanupCompleted, func(e bus.Event) { cleaned <- e })

	s := New(syncer, detector, cleaner, events, Config{Retention: 30 * 24 * time.Hour}, testLogger())
	s.SetClock(clock)
	s.Start()
	defer s.Stop()

	waitCall(t, syncer.calls, "initial sync")
	clock.waitForWaiters(t, 3)

	// Cleanup fires after half the interval.
	clock.Advance(12 * time.Hour)
	cutoff := waitCall(t, cleaner.calls, "cleanup")

	want := clock.Now().Add(-30 * 24 * time.Hour)
	if !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	e := waitCall(t, cleaned, "cleanup event")
	if deleted, ok := e.Data.(int); !ok || deleted != 3 {
		t.Errorf("cleanup event data = %v", e.Data)
	}
}

func TestFailedIterationRetriesAfterBackoff(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	clock := newFakeClock()
	syncer.setErr(errors.New("history endpoint down"))

	s := New(syncer, detector, cleaner, nil, Config{}, testLogger())
	s.SetClock(clock)
	s.Start()
	defer s.Stop()

	waitCall(t, syncer.calls, "failing sync")
	clock.waitForWaiters(t, 3)

	syncer.setErr(nil)
	clock.Advance(time.Minute)
	waitCall(t, syncer.calls, "retried sync")

	// After success the loop is back on the full interval.
	clock.waitForWaiters(t, 3)
	clock.Advance(time.Minute)
	expectNoCall(t, syncer.calls, "sync before full interval")
	clock.Advance(59 * time.Minute)
	waitCall(t, syncer.calls, "interval sync")
}

func TestStopThenRestart(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	clock := newFakeClock()

	s := New(syncer, detector, cleaner, nil, Config{}, testLogger())
	s.SetClock(clock)
	s.Start()
	waitCall(t, syncer.calls, "initial sync")
	clock.waitForWaiters(t, 3)
	s.Stop()

	clock.Advance(2 * time.Hour)
	expectNoCall(t, syncer.calls, "sync after stop")

	s.Start()
	waitCall(t, syncer.calls, "sync after restart")
	s.Stop()
}

func TestManualTriggers(t *testing.T) {
	syncer, detector, cleaner := newFixture()
	events := bus.New(testLogger())
	detected := make(chan bus.Event, 1)
	events.On(bus.EventPatternsDetected, func(e bus.Event) { detected <- e })

	s := New(syncer, detector, cleaner, events, Config{}, testLogger())

	count, err := s.RunSyncNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("synced = %d, want 2", count)
	}
	waitCall(t, syncer.calls, "manual sync")

	patterns, err := s.RunDetectionNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	waitCall(t, detector.calls, "manual detection")
	e := waitCall(t, detected, "detection event")
	if count, ok := e.Data.(int); !ok || count != 1 {
		t.Errorf("detection event data = %v", e.Data)
	}
}
