// Package detector finds recurring behaviors in the event log: time-of-day
// habits and trigger/response sequences. Detected patterns are reconciled
// into the store so their occurrence history grows across runs instead of
// resetting every cycle.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"home-habits/internal/store"
)

// Config tunes the detection algorithms. The thresholds encode tuning
// choices, not correctness requirements, so they are parameters rather
// than constants.
type Config struct {
	LookbackDays           int           // event window analysed per run
	MinTimeOccurrences     int           // samples needed for a time pattern
	MinSequenceOccurrences int           // pairs needed for a sequence
	TimeWindowMinutes      float64       // per-day stdev bound for a "consistent" day
	MaxSequenceDelay       time.Duration // B later than this is unrelated to A
	MinSequenceDelay       time.Duration // B sooner than this is same-trigger noise
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		LookbackDays:           14,
		MinTimeOccurrences:     3,
		MinSequenceOccurrences: 2,
		TimeWindowMinutes:      30,
		MaxSequenceDelay:       300 * time.Second,
		MinSequenceDelay:       2 * time.Second,
	}
}

// Detector runs pattern detection over the stored event log.
type Detector struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
}

// New creates a detector.
func New(st store.Store, cfg Config, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.LookbackDays == 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.MinTimeOccurrences == 0 {
		cfg.MinTimeOccurrences = def.MinTimeOccurrences
	}
	if cfg.MinSequenceOccurrences == 0 {
		cfg.MinSequenceOccurrences = def.MinSequenceOccurrences
	}
	if cfg.TimeWindowMinutes == 0 {
		cfg.TimeWindowMinutes = def.TimeWindowMinutes
	}
	if cfg.MaxSequenceDelay == 0 {
		cfg.MaxSequenceDelay = def.MaxSequenceDelay
	}
	if cfg.MinSequenceDelay == 0 {
		cfg.MinSequenceDelay = def.MinSequenceDelay
	}
	return &Detector{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "detector"),
		nowFn:  time.Now,
	}
}

// DetectAll runs both detection algorithms over the lookback window,
// reconciles the results against stored patterns, and returns what this run
// found. Statistical degeneracy yields no pattern, not an error.
func (d *Detector) DetectAll(ctx context.Context) ([]*store.Pattern, error) {
	end := d.nowFn().UTC()
	start := end.AddDate(0, 0, -d.cfg.LookbackDays)

	events, err := d.store.EventsInRange(start, end, store.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		d.logger.Info("no events for pattern detection")
		return nil, nil
	}
	d.logger.Info("analysing events for patterns", "events", len(events))

	patterns := d.detectTimePatterns(events)
	d.logger.Info("time-based detection done", "patterns", len(patterns))

	seq := d.detectSequentialPatterns(events)
	d.logger.Info("sequential detection done", "patterns", len(seq))
	patterns = append(patterns, seq...)

	if err := d.reconcile(patterns); err != nil {
		return nil, fmt.Errorf("reconcile patterns: %w", err)
	}
	return patterns, nil
}

type entityState struct {
	entityID string
	state    string
}

// detectTimePatterns groups events by (entity, resulting state) and looks
// for consistent time-of-day behavior within each group.
func (d *Detector) detectTimePatterns(events []*store.Event) []*store.Pattern {
	groups := make(map[entityState][]*store.Event)
	for _, ev := range events {
		if ev.NewState == "unavailable" || ev.NewState == "unknown" {
			continue
		}
		key := entityState{ev.EntityID, ev.NewState}
		groups[key] = append(groups[key], ev)
	}

	var patterns []*store.Pattern
	for key, group := range groups {
		if len(group) < d.cfg.MinTimeOccurrences {
			continue
		}
		if p := d.analyzeTimePattern(key.entityID, key.state, group); p != nil {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// weekday maps to Monday=0..Sunday=6.
func weekday(ts time.Time) int {
	return (int(ts.Weekday()) + 6) % 7
}

func formatMinuteOfDay(m float64) string {
	mi := int(m)
	return fmt.Sprintf("%02d:%02d", mi/60, mi%60)
}

func (d *Detector) analyzeTimePattern(entityID, action string, events []*store.Event) *store.Pattern {
	timesByDay := make(map[int][]float64)
	for _, ev := range events {
		ts := ev.Timestamp.UTC()
		minutes := float64(ts.Hour()*60 + ts.Minute())
		timesByDay[weekday(ts)] = append(timesByDay[weekday(ts)], minutes)
	}

	// A day counts as consistent only with at least two same-day samples
	// whose spread stays within the window.
	var consistentDays []int
	var allMinutes []float64
	for day, minutes := range timesByDay {
		if len(minutes) < 2 {
			continue
		}
		if sampleStdev(minutes) <= d.cfg.TimeWindowMinutes {
			consistentDays = append(consistentDays, day)
			allMinutes = append(allMinutes, minutes...)
		}
	}
	if len(consistentDays) == 0 || len(allMinutes) < d.cfg.MinTimeOccurrences {
		return nil
	}
	sort.Ints(consistentDays)

	avgMinutes := mean(allMinutes)
	variance := sampleStdev(allMinutes)

	windowStart := math.Max(0, avgMinutes-d.cfg.TimeWindowMinutes)
	windowEnd := math.Min(1439, avgMinutes+d.cfg.TimeWindowMinutes)

	baseConfidence := math.Min(1.0, float64(len(allMinutes))/10)
	consistency := math.Max(0.3, 1-variance/60)
	confidence := round2(clampConfidence(baseConfidence * consistency))

	firstSeen := events[0].Timestamp
	lastSeen := events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Before(firstSeen) {
			firstSeen = ev.Timestamp
		}
		if ev.Timestamp.After(lastSeen) {
			lastSeen = ev.Timestamp
		}
	}

	return &store.Pattern{
		Kind:      store.PatternTimeBased,
		EntityIDs: []string{entityID},
		Time: &store.TimePatternData{
			TimeWindowStart:    formatMinuteOfDay(windowStart),
			TimeWindowEnd:      formatMinuteOfDay(windowEnd),
			DaysOfWeek:         consistentDays,
			Action:             action,
			AverageTriggerTime: formatMinuteOfDay(avgMinutes),
			VarianceMinutes:    round1(variance),
		},
		Confidence:  confidence,
		Occurrences: len(allMinutes),
		FirstSeen:   firstSeen,
		LastSeen:    lastSeen,
		Active:      true,
	}
}

type sequenceKey struct {
	entityA, stateA string
	entityB, stateB string
}

type pairObservation struct {
	delay   float64 // seconds
	aSeenAt time.Time
	bSeenAt time.Time
}

// detectSequentialPatterns finds A-then-B pairs: events on different
// entities separated by a delay inside the configured bounds. Events are
// time-sorted, so scanning forward from A stops at the first pair beyond
// the maximum delay.
func (d *Detector) detectSequentialPatterns(events []*store.Event) []*store.Pattern {
	sorted := make([]*store.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	maxDelay := d.cfg.MaxSequenceDelay.Seconds()
	minDelay := d.cfg.MinSequenceDelay.Seconds()

	sequences := make(map[sequenceKey][]pairObservation)
	for i, a := range sorted {
		if a.NewState == "unavailable" || a.NewState == "unknown" {
			continue
		}
		for _, b := range sorted[i+1:] {
			delay := b.Timestamp.Sub(a.Timestamp).Seconds()
			if delay > maxDelay {
				break
			}
			if a.EntityID == b.EntityID {
				continue
			}
			if b.NewState == "unavailable" || b.NewState == "unknown" {
				continue
			}
			if delay < minDelay {
				continue
			}
			key := sequenceKey{a.EntityID, a.NewState, b.EntityID, b.NewState}
			sequences[key] = append(sequences[key], pairObservation{
				delay:   delay,
				aSeenAt: a.Timestamp,
				bSeenAt: b.Timestamp,
			})
		}
	}

	var patterns []*store.Pattern
	for key, obs := range sequences {
		if len(obs) < d.cfg.MinSequenceOccurrences {
			continue
		}

		delays := make([]float64, len(obs))
		firstSeen := obs[0].aSeenAt
		lastSeen := obs[0].bSeenAt
		maxObserved := obs[0].delay
		for i, o := range obs {
			delays[i] = o.delay
			if o.aSeenAt.Before(firstSeen) {
				firstSeen = o.aSeenAt
			}
			if o.bSeenAt.After(lastSeen) {
				lastSeen = o.bSeenAt
			}
			if o.delay > maxObserved {
				maxObserved = o.delay
			}
		}

		avgDelay := mean(delays)
		if avgDelay == 0 {
			continue
		}
		var consistency float64
		if len(delays) > 1 {
			consistency = math.Max(0.3, 1-sampleStdev(delays)/avgDelay)
		} else {
			consistency = 0.5
		}
		baseConfidence := math.Min(1.0, float64(len(delays))/5)
		confidence := round2(clampConfidence(baseConfidence * consistency))

		patterns = append(patterns, &store.Pattern{
			Kind:      store.PatternSequential,
			EntityIDs: []string{key.entityA, key.entityB},
			Sequential: &store.SequentialPatternData{
				Sequence: []store.SequenceStep{
					{EntityID: key.entityA, State: key.stateA},
					{EntityID: key.entityB, State: key.stateB},
				},
				MaxDelaySeconds:     int(maxObserved),
				AverageDelaySeconds: round1(avgDelay),
			},
			Confidence:  confidence,
			Occurrences: len(obs),
			FirstSeen:   firstSeen,
			LastSeen:    lastSeen,
			Active:      true,
		})
	}
	return patterns
}

// reconcile merges freshly detected patterns into previously stored ones
// sharing the same entity-set+kind identity: occurrence count can only
// grow, first-seen can only widen backwards, and confidence/last-seen/data
// are replaced with the fresh computation. Unmatched patterns insert new.
func (d *Detector) reconcile(patterns []*store.Pattern) error {
	for _, p := range patterns {
		existing, err := d.store.ActivePatternByKey(p.Key())
		switch {
		case err == nil:
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			p.SuggestionGenerated = existing.SuggestionGenerated
			if existing.Occurrences > p.Occurrences {
				p.Occurrences = existing.Occurrences
			}
			if existing.FirstSeen.Before(p.FirstSeen) {
				p.FirstSeen = existing.FirstSeen
			}
			if err := d.store.UpsertPattern(p); err != nil {
				return err
			}
			d.logger.Debug("updated pattern", "id", p.ID, "key", p.Key())
		case errors.Is(err, store.ErrNotFound):
			if err := d.store.UpsertPattern(p); err != nil {
				return err
			}
			d.logger.Debug("inserted pattern", "id", p.ID, "key", p.Key())
		default:
			return err
		}
	}
	return nil
}
