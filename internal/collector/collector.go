// Package collector ingests device state changes from Home Assistant and
// normalizes them into the event store, where the pattern detector reads them.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"home-habits/internal/bus"
	"home-habits/internal/ha"
	"home-habits/internal/store"
)

// trackedDomains are the device categories worth learning habits from.
// Sensors and other read-only domains are excluded on purpose: a suggestion
// can only ever act on something controllable.
var trackedDomains = map[string]struct{}{
	"light":         {},
	"switch":        {},
	"fan":           {},
	"cover":         {},
	"lock":          {},
	"climate":       {},
	"media_player":  {},
	"automation":    {},
	"scene":         {},
	"script":        {},
	"input_boolean": {},
	"vacuum":        {},
	"humidifier":    {},
}

// TrackedDomain reports whether events from this domain are collected.
func TrackedDomain(domain string) bool {
	_, ok := trackedDomains[domain]
	return ok
}

// Domain extracts the domain prefix from an entity identifier.
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return "unknown"
}

// sentinelState reports whether a state carries no usable information.
func sentinelState(state string) bool {
	return state == "" || state == "unavailable" || state == "unknown"
}

// SyncError is a failed history sync. It is always handled at the collector
// boundary: recorded in sync metadata and returned, never raised past it.
type SyncError struct {
	Msg string
	Err error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// HistoryAPI is the slice of the Home Assistant API the collector consumes.
type HistoryAPI interface {
	States(ctx context.Context) ([]ha.StateRecord, error)
	History(ctx context.Context, entityIDs []string, start, end time.Time) ([][]ha.StateRecord, error)
}

// Config tunes the sync windows.
type Config struct {
	// BootstrapWindow is the history span fetched on the very first sync,
	// when no prior sync timestamp exists. Pattern detection needs multiple
	// occurrences across different days, so this defaults to a week.
	BootstrapWindow time.Duration

	// Overlap is re-fetched before the last sync timestamp to tolerate
	// clock and propagation skew without leaving gaps.
	Overlap time.Duration
}

// DefaultConfig returns the standard sync windows.
func DefaultConfig() Config {
	return Config{
		BootstrapWindow: 7 * 24 * time.Hour,
		Overlap:         5 * time.Minute,
	}
}

// Collector pulls state-change history from Home Assistant and accepts
// locally observed assistant events.
type Collector struct {
	api    HistoryAPI
	store  store.Store
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time
}

// New creates a collector.
func New(api HistoryAPI, st store.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Collector {
	if cfg.BootstrapWindow == 0 {
		cfg.BootstrapWindow = DefaultConfig().BootstrapWindow
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = DefaultConfig().Overlap
	}
	return &Collector{
		api:    api,
		store:  st,
		bus:    b,
		cfg:    cfg,
		logger: logger.With("component", "collector"),
		nowFn:  time.Now,
	}
}

// SyncResult reports one sync run.
type SyncResult struct {
	RunID       string `json:"run_id"`
	EventsAdded int    `json:"events_added"`
	DurationMS  int64  `json:"duration_ms"`
}

// SyncFromHistory fetches state changes since the last sync (or the bootstrap
// window on first run), normalizes and deduplicates them, and writes them to
// the store. Sync metadata is updated on every attempt, success or failure.
// Failures come back as a *SyncError; they never panic past this boundary.
func (c *Collector) SyncFromHistory(ctx context.Context) (int, error) {
	started := c.nowFn()
	runID := uuid.NewString()
	end := started.UTC()

	start := c.syncWindowStart(end)

	entityIDs, err := c.trackedEntityIDs(ctx)
	if err != nil {
		return 0, c.failSync(runID, started, fmt.Errorf("fetch entity ids: %w", err))
	}
	if len(entityIDs) == 0 {
		c.logger.Info("no tracked entities found")
		c.saveSyncMeta(runID, end, 0, started, "")
		return 0, nil
	}

	history, err := c.api.History(ctx, entityIDs, start, end)
	if err != nil {
		return 0, c.failSync(runID, started, fmt.Errorf("fetch history: %w", err))
	}

	events := c.parseHistory(history)
	events, err = c.deduplicate(events)
	if err != nil {
		return 0, c.failSync(runID, started, fmt.Errorf("deduplicate: %w", err))
	}

	if err := c.store.InsertEvents(events); err != nil {
		return 0, c.failSync(runID, started, fmt.Errorf("insert events: %w", err))
	}

	c.saveSyncMeta(runID, end, len(events), started, "")
	c.logger.Info("history sync complete", "run_id", runID, "events", len(events),
		"window_start", start, "duration", time.Since(started))

	if c.bus != nil {
		c.bus.Emit(bus.Event{Type: bus.EventSyncCompleted, Data: SyncResult{
			RunID:       runID,
			EventsAdded: len(events),
			DurationMS:  time.Since(started).Milliseconds(),
		}})
	}
	return len(events), nil
}

// syncWindowStart picks the fetch window start: last sync minus overlap, or
// the bootstrap window when no successful sync has happened yet.
func (c *Collector) syncWindowStart(end time.Time) time.Time {
	meta, err := c.store.SyncMeta()
	if err == nil && !meta.LastSync.IsZero() {
		return meta.LastSync.Add(-c.cfg.Overlap)
	}
	c.logger.Info("first sync: fetching bootstrap window", "window", c.cfg.BootstrapWindow)
	return end.Add(-c.cfg.BootstrapWindow)
}

func (c *Collector) trackedEntityIDs(ctx context.Context) ([]string, error) {
	states, err := c.api.States(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, st := range states {
		if TrackedDomain(Domain(st.EntityID)) {
			ids = append(ids, st.EntityID)
		}
	}
	return ids, nil
}

// parseHistory converts raw history rows into events. Untracked domains are
// dropped here rather than at query time so the fetch request stays generic.
// Consecutive identical states collapse into one transition, sentinel states
// are dropped, and rows with malformed timestamps are skipped per-record.
func (c *Collector) parseHistory(history [][]ha.StateRecord) []*store.Event {
	var events []*store.Event

	for _, entityHistory := range history {
		if len(entityHistory) == 0 {
			continue
		}
		// minimal_response omits entity_id on all but the first row.
		entityID := entityHistory[0].EntityID
		domain := Domain(entityID)
		if !TrackedDomain(domain) {
			continue
		}

		prevState := ""
		for _, rec := range entityHistory {
			if sentinelState(rec.State) {
				continue
			}
			if rec.State == prevState {
				continue
			}
			ts, err := parseTimestamp(rec.LastChanged)
			if err != nil {
				c.logger.Debug("skipping record with bad timestamp",
					"entity", entityID, "last_changed", rec.LastChanged)
				continue
			}

			events = append(events, &store.Event{
				EntityID:        entityID,
				Domain:          domain,
				OldState:        prevState,
				NewState:        rec.State,
				Timestamp:       ts,
				Source:          inferSource(rec.Context),
				ContextUserID:   rec.Context.UserID,
				ContextParentID: rec.Context.ParentID,
				Attributes:      rec.Attributes,
			})
			prevState = rec.State
		}
	}
	return events
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// inferSource maps Home Assistant causation metadata to an event source:
// a user id means the frontend/app, a parent id (with no user id) means an
// automation fired it, neither means we cannot tell.
func inferSource(hctx ha.Context) store.EventSource {
	switch {
	case hctx.UserID != "":
		return store.SourceExternal
	case hctx.ParentID != "":
		return store.SourceAutomation
	default:
		return store.SourceUnknown
	}
}

// dedupKey identifies an event as (entity, timestamp truncated to the
// second, new state). The overlap window deliberately re-fetches already
// synced history, so this is what keeps re-fetched rows out of the store.
func dedupKey(entityID string, ts time.Time, state string) string {
	return entityID + "|" + ts.UTC().Truncate(time.Second).Format(time.RFC3339) + "|" + state
}

func (c *Collector) deduplicate(events []*store.Event) ([]*store.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	minTS, maxTS := events[0].Timestamp, events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Before(minTS) {
			minTS = ev.Timestamp
		}
		if ev.Timestamp.After(maxTS) {
			maxTS = ev.Timestamp
		}
	}

	existing, err := c.store.EventsInRange(minTS.Add(-time.Minute), maxTS.Add(time.Minute), store.EventFilter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, ev := range existing {
		seen[dedupKey(ev.EntityID, ev.Timestamp, ev.NewState)] = struct{}{}
	}

	unique := events[:0]
	for _, ev := range events {
		key := dedupKey(ev.EntityID, ev.Timestamp, ev.NewState)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, ev)
	}
	if dropped := len(events) - len(unique); dropped > 0 {
		c.logger.Debug("deduplicated events", "dropped", dropped)
	}
	return unique, nil
}

// RecordLocalEvent stores a synthetic event for a command the assistant just
// issued, so detection sees it without waiting for the next history sync.
func (c *Collector) RecordLocalEvent(entityID, oldState, newState string, attributes map[string]any) (uint64, error) {
	if sentinelState(newState) {
		return 0, fmt.Errorf("refusing to record sentinel state %q for %s", newState, entityID)
	}

	ev := &store.Event{
		EntityID:   entityID,
		Domain:     Domain(entityID),
		OldState:   oldState,
		NewState:   newState,
		Timestamp:  c.nowFn().UTC(),
		Source:     store.SourceAssistant,
		Attributes: attributes,
	}
	if err := c.store.InsertEvent(ev); err != nil {
		return 0, fmt.Errorf("record local event: %w", err)
	}
	c.logger.Debug("recorded assistant event", "entity", entityID, "state", newState)
	if c.bus != nil {
		c.bus.Emit(bus.Event{Type: bus.EventRecorded, Data: ev})
	}
	return ev.ID, nil
}

func (c *Collector) failSync(runID string, started time.Time, err error) error {
	serr := &SyncError{Msg: "history sync failed", Err: err}
	c.logger.Error("history sync failed", "run_id", runID, "err", err)
	// Keep the previous sync timestamp so the next run re-fetches the span
	// this one missed instead of skipping past it.
	var lastSync time.Time
	if meta, metaErr := c.store.SyncMeta(); metaErr == nil {
		lastSync = meta.LastSync
	}
	c.saveSyncMeta(runID, lastSync, 0, started, serr.Error())
	return serr
}

func (c *Collector) saveSyncMeta(runID string, ts time.Time, count int, started time.Time, errMsg string) {
	meta := &store.SyncMeta{
		RunID:      runID,
		LastSync:   ts,
		EventCount: count,
		Duration:   time.Since(started),
		LastError:  errMsg,
	}
	if err := c.store.SaveSyncMeta(meta); err != nil {
		c.logger.Error("save sync metadata", "err", err)
	}
}
