package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. It is the single source of truth
// for events, patterns, user preferences and sync metadata; every other
// component routes its reads and writes through it.
type Store interface {
	// Event operations
	InsertEvent(ev *Event) error

	// InsertEvents writes a batch of events in a single transaction; either
	// all of them are persisted or none.
	InsertEvents(evs []*Event) error

	// EventsInRange returns events with start <= timestamp <= end in
	// ascending timestamp order, optionally narrowed by filter.
	EventsInRange(start, end time.Time, filter EventFilter) ([]*Event, error)

	// DeleteEventsBefore removes events strictly older than cutoff and
	// returns the count removed. Events exactly at the cutoff are retained.
	DeleteEventsBefore(cutoff time.Time) (int, error)

	EventCount() (int, error)

	// Pattern operations
	//
	// UpsertPattern inserts when p.ID is zero (assigning a new ID), else
	// updates the existing record in place. The active-pattern index keyed
	// by Pattern.Key is maintained alongside.
	UpsertPattern(p *Pattern) error

	// ActivePatterns returns active patterns with confidence >= minConfidence,
	// ordered by (confidence desc, occurrence count desc).
	ActivePatterns(minConfidence float64) ([]*Pattern, error)

	PatternByID(id uint64) (*Pattern, error)

	// ActivePatternByKey looks up the current active pattern for a merge key.
	// Returns ErrNotFound if no active pattern has that key.
	ActivePatternByKey(key string) (*Pattern, error)

	// DeactivatePattern soft-deletes a pattern and removes its index entry,
	// so a later detection of the same behavior inserts a fresh pattern.
	DeactivatePattern(id uint64) error

	// Preference operations
	InsertPreference(pref *Preference) error
	DismissedPatternIDs() (map[uint64]struct{}, error)

	// Sync metadata (singleton record)
	SyncMeta() (*SyncMeta, error)
	SaveSyncMeta(m *SyncMeta) error

	Stats() (*Stats, error)

	Close() error
}
