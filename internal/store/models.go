package store

import (
	"sort"
	"strings"
	"time"
)

// EventSource identifies what caused a device state change.
type EventSource string

const (
	SourceAssistant  EventSource = "assistant"  // command issued by the conversational agent
	SourceExternal   EventSource = "external"   // user action via the Home Assistant frontend/app
	SourceAutomation EventSource = "automation" // triggered by a Home Assistant automation
	SourceUnknown    EventSource = "unknown"
)

// PatternKind is the type of a detected usage pattern.
type PatternKind string

const (
	PatternTimeBased  PatternKind = "time_based"
	PatternSequential PatternKind = "sequential"
)

// Event is a single device state change.
type Event struct {
	ID              uint64         `json:"id"`
	EntityID        string         `json:"entity_id"`
	Domain          string         `json:"domain"`
	OldState        string         `json:"old_state,omitempty"`
	NewState        string         `json:"new_state"`
	Timestamp       time.Time      `json:"timestamp"`
	Source          EventSource    `json:"source"`
	ContextUserID   string         `json:"context_user_id,omitempty"`
	ContextParentID string         `json:"context_parent_id,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// TimePatternData holds the details of a time-based pattern.
type TimePatternData struct {
	TimeWindowStart    string  `json:"time_window_start"` // HH:MM
	TimeWindowEnd      string  `json:"time_window_end"`   // HH:MM
	DaysOfWeek         []int   `json:"days_of_week"`      // 0=Monday .. 6=Sunday
	Action             string  `json:"action"`
	AverageTriggerTime string  `json:"average_trigger_time"` // HH:MM
	VarianceMinutes    float64 `json:"variance_minutes"`
}

// SequenceStep is one element of a sequential pattern.
type SequenceStep struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// SequentialPatternData holds the details of an A-then-B pattern.
type SequentialPatternData struct {
	Sequence            []SequenceStep `json:"sequence"`
	MaxDelaySeconds     int            `json:"max_delay_seconds"`
	AverageDelaySeconds float64        `json:"average_delay_seconds"`
}

// Pattern is a statistically supported recurring behavior.
// Exactly one of Time or Sequential is set, matching Kind.
type Pattern struct {
	ID                  uint64                 `json:"id"`
	Kind                PatternKind            `json:"kind"`
	EntityIDs           []string               `json:"entity_ids"`
	Time                *TimePatternData       `json:"time_data,omitempty"`
	Sequential          *SequentialPatternData `json:"sequential_data,omitempty"`
	Confidence          float64                `json:"confidence"`
	Occurrences         int                    `json:"occurrence_count"`
	FirstSeen           time.Time              `json:"first_seen"`
	LastSeen            time.Time              `json:"last_seen"`
	Active              bool                   `json:"is_active"`
	SuggestionGenerated bool                   `json:"suggestion_generated"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Key is the merge identity of a pattern: kind plus the unordered set of
// involved entities. Two detection runs that re-derive the same key refer to
// the same behavior regardless of surrogate ID.
func (p *Pattern) Key() string {
	ids := make([]string, len(p.EntityIDs))
	copy(ids, p.EntityIDs)
	sort.Strings(ids)
	return string(p.Kind) + "|" + strings.Join(ids, ",")
}

// PreferenceType is a user decision about a pattern.
type PreferenceType string

const (
	PreferenceDismissed PreferenceType = "dismissed"
	PreferenceAccepted  PreferenceType = "accepted"
	PreferenceSnoozed   PreferenceType = "snoozed"
)

// Preference is append-only user feedback tied to a pattern.
type Preference struct {
	ID           uint64         `json:"id"`
	PatternID    uint64         `json:"pattern_id"`
	Type         PreferenceType `json:"preference_type"`
	AutomationID string         `json:"automation_id,omitempty"`
	Feedback     string         `json:"feedback_text,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SyncMeta is the singleton record of the most recent collector run.
// Overwritten on every sync attempt, success or failure.
type SyncMeta struct {
	RunID      string        `json:"run_id,omitempty"`
	LastSync   time.Time     `json:"last_sync_timestamp"`
	EventCount int           `json:"last_sync_event_count"`
	Duration   time.Duration `json:"sync_duration"`
	LastError  string        `json:"error_message,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// EventFilter narrows an event range query. Zero values match everything.
type EventFilter struct {
	EntityID string
	Domain   string
}

// Stats summarizes stored state for the stats endpoint.
type Stats struct {
	TotalEvents    int                 `json:"total_events"`
	EventsBySource map[EventSource]int `json:"events_by_source"`
	PatternsByKind map[PatternKind]int `json:"patterns_by_kind"`
	EarliestEvent  time.Time           `json:"earliest_event"`
	LatestEvent    time.Time           `json:"latest_event"`
}
