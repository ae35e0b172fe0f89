// Package scheduler runs the background pipeline: periodic history sync,
// pattern detection and event retention cleanup, each on its own loop so a
// failure in one never stalls the others.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"home-habits/internal/bus"
	"home-habits/internal/store"
)

// Syncer pulls recent history into the event store.
type Syncer interface {
	SyncFromHistory(ctx context.Context) (int, error)
}

// Detector analyzes stored events and reconciles patterns.
type Detector interface {
	DetectAll(ctx context.Context) ([]*store.Pattern, error)
}

// Cleaner removes events older than a cutoff.
type Cleaner interface {
	DeleteEventsBefore(cutoff time.Time) (int, error)
}

// Config tunes loop cadence and retention. Zero values get defaults.
type Config struct {
	SyncInterval    time.Duration
	DetectInterval  time.Duration
	CleanupInterval time.Duration
	// DetectInitialDelay gives the first sync a head start before the
	// first detection pass.
	DetectInitialDelay time.Duration
	// RetryDelay is the pause after a failed loop iteration.
	RetryDelay time.Duration
	// Retention is how long events are kept.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Hour
	}
	if c.DetectInterval <= 0 {
		c.DetectInterval = 6 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.DetectInitialDelay <= 0 {
		c.DetectInitialDelay = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// Scheduler owns the three background loops. Start launches them, Stop
// cancels cooperatively and waits; a stopped scheduler can be started again.
type Scheduler struct {
	syncer   Syncer
	detector Detector
	cleaner  Cleaner
	events   *bus.Bus
	logger   *slog.Logger
	clock    Clock
	cfg      Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. events may be nil when no one listens.
func New(syncer Syncer, detector Detector, cleaner Cleaner, events *bus.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		syncer:   syncer,
		detector: detector,
		cleaner:  cleaner,
		events:   events,
		logger:   logger.With("component", "scheduler"),
		clock:    systemClock{},
		cfg:      cfg,
	}
}

// SetClock replaces the wall clock. Call before Start.
func (s *Scheduler) SetClock(c Clock) { s.clock = c }

// Start launches the loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(3)
	go s.loop(ctx, "sync", 0, s.cfg.SyncInterval, s.runSync)
	go s.loop(ctx, "detect", s.cfg.DetectInitialDelay, s.cfg.DetectInterval, s.runDetect)
	go s.loop(ctx, "cleanup", s.cfg.CleanupInterval/2, s.cfg.CleanupInterval, s.runCleanup)

	s.logger.Info("scheduler started",
		"sync_interval", s.cfg.SyncInterval,
		"detect_interval", s.cfg.DetectInterval,
		"cleanup_interval", s.cfg.CleanupInterval)
}

// Stop cancels the loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// loop sleeps for initialDelay, then runs fn every interval. A failed
// iteration retries after RetryDelay instead of waiting a full interval.
func (s *Scheduler) loop(ctx context.Context, name string, initialDelay, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()

	delay := initialDelay
	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}

		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("loop iteration failed", "loop", name, "err", err)
			delay = s.cfg.RetryDelay
			continue
		}
		delay = interval
	}
}

// RunSyncNow runs one sync iteration outside the loop cadence and returns
// the number of events stored.
func (s *Scheduler) RunSyncNow(ctx context.Context) (int, error) {
	return s.syncer.SyncFromHistory(ctx)
}

// RunDetectionNow runs one detection iteration outside the loop cadence
// and returns the reconciled patterns.
func (s *Scheduler) RunDetectionNow(ctx context.Context) ([]*store.Pattern, error) {
	patterns, err := s.detector.DetectAll(ctx)
	if err != nil {
		return nil, err
	}
	s.emitDetected(patterns)
	return patterns, nil
}

func (s *Scheduler) runSync(ctx context.Context) error {
	_, err := s.syncer.SyncFromHistory(ctx)
	return err
}

func (s *Scheduler) runDetect(ctx context.Context) error {
	patterns, err := s.detector.DetectAll(ctx)
	if err != nil {
		return err
	}
	s.emitDetected(patterns)
	return nil
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	deleted, err := s.cleaner.DeleteEventsBefore(cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("event cleanup finished", "deleted", deleted, "cutoff", cutoff)
	if s.events != nil {
		s.events.Emit(bus.Event{Type: bus.EventCleanupCompleted, Data: deleted})
	}
	return nil
}

func (s *Scheduler) emitDetected(patterns []*store.Pattern) {
	s.logger.Info("detection finished", "patterns", len(patterns))
	if s.events != nil {
		s.events.Emit(bus.Event{Type: bus.EventPatternsDetected, Data: len(patterns)})
	}
}
