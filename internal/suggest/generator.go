// Package suggest turns detected patterns into human-readable automation
// suggestions, each paired with a structured definition the caller can hand
// to Home Assistant.
package suggest

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"home-habits/internal/store"
)

var dayNames = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// NameResolver resolves an entity identifier to a display name. A false
// result is an expected outcome, not an error; the generator falls back to
// a name derived from the identifier.
type NameResolver interface {
	Resolve(entityID string) (string, bool)
}

// Suggestion is one proposed automation.
type Suggestion struct {
	PatternID   uint64            `json:"id"`
	Kind        store.PatternKind `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Command     string            `json:"command"`
	Confidence  float64           `json:"confidence"`
	Occurrences int               `json:"occurrence_count"`
	Entities    []string          `json:"entities"`
	Automation  *Automation       `json:"automation"`
}

// Generator produces ranked suggestions from stored patterns.
type Generator struct {
	store    store.Store
	resolver NameResolver
	logger   *slog.Logger
}

// New creates a generator. resolver may be nil, in which case display names
// always derive from the entity identifier.
func New(st store.Store, resolver NameResolver, logger *slog.Logger) *Generator {
	return &Generator{
		store:    st,
		resolver: resolver,
		logger:   logger.With("component", "suggest"),
	}
}

// Generate returns up to max suggestions from active patterns at or above
// minConfidence, skipping any pattern the user has dismissed, ranked by
// (confidence desc, occurrence count desc).
func (g *Generator) Generate(minConfidence float64, max int) ([]*Suggestion, error) {
	patterns, err := g.store.ActivePatterns(minConfidence)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	dismissed, err := g.store.DismissedPatternIDs()
	if err != nil {
		return nil, fmt.Errorf("load dismissed ids: %w", err)
	}

	var suggestions []*Suggestion
	for _, p := range patterns {
		if _, skip := dismissed[p.ID]; skip {
			continue
		}
		if s := g.Suggest(p); s != nil {
			suggestions = append(suggestions, s)
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Confidence != suggestions[j].Confidence {
			return suggestions[i].Confidence > suggestions[j].Confidence
		}
		return suggestions[i].Occurrences > suggestions[j].Occurrences
	})

	if max > 0 && len(suggestions) > max {
		suggestions = suggestions[:max]
	}
	return suggestions, nil
}

// Suggest converts a single pattern to a suggestion, or nil when the
// pattern carries no usable data for its kind.
func (g *Generator) Suggest(p *store.Pattern) *Suggestion {
	switch p.Kind {
	case store.PatternTimeBased:
		return g.timeSuggestion(p)
	case store.PatternSequential:
		return g.sequentialSuggestion(p)
	default:
		return nil
	}
}

func (g *Generator) timeSuggestion(p *store.Pattern) *Suggestion {
	if p.ID == 0 || p.Time == nil || len(p.EntityIDs) == 0 {
		return nil
	}
	data := p.Time
	entityID := p.EntityIDs[0]
	name := g.friendlyName(entityID)
	daysStr := formatDays(data.DaysOfWeek)

	return &Suggestion{
		PatternID:   p.ID,
		Kind:        p.Kind,
		Title:       fmt.Sprintf("Automate %s", name),
		Description: fmt.Sprintf("You turn %s %s around %s on %s. Detected %d times.", name, data.Action, data.AverageTriggerTime, daysStr, p.Occurrences),
		Command:     fmt.Sprintf("Create an automation to turn %s %s at %s on %s", name, data.Action, data.AverageTriggerTime, daysStr),
		Confidence:  p.Confidence,
		Occurrences: p.Occurrences,
		Entities:    p.EntityIDs,
		Automation:  buildTimeAutomation(entityID, data.Action, data.AverageTriggerTime, data.DaysOfWeek),
	}
}

func (g *Generator) sequentialSuggestion(p *store.Pattern) *Suggestion {
	if p.ID == 0 || p.Sequential == nil || len(p.Sequential.Sequence) < 2 {
		return nil
	}
	data := p.Sequential
	trigger, action := data.Sequence[0], data.Sequence[1]
	triggerName := g.friendlyName(trigger.EntityID)
	actionName := g.friendlyName(action.EntityID)
	delayStr := formatDelay(data.AverageDelaySeconds)

	return &Suggestion{
		PatternID: p.ID,
		Kind:      p.Kind,
		Title:     fmt.Sprintf("Link %s to %s", triggerName, actionName),
		Description: fmt.Sprintf("When %s becomes %s, you typically set %s to %s within %s. Detected %d times.",
			triggerName, trigger.State, actionName, action.State, delayStr, p.Occurrences),
		Command: fmt.Sprintf("Create an automation that turns %s %s when %s becomes %s",
			actionName, action.State, triggerName, trigger.State),
		Confidence:  p.Confidence,
		Occurrences: p.Occurrences,
		Entities:    p.EntityIDs,
		Automation:  buildTriggerAutomation(trigger.EntityID, trigger.State, action.EntityID, action.State),
	}
}

// friendlyName resolves a display name, falling back to a readable form of
// the entity identifier's suffix.
func (g *Generator) friendlyName(entityID string) string {
	if g.resolver != nil {
		if name, ok := g.resolver.Resolve(entityID); ok {
			return name
		}
	}
	return titleCase(strings.ReplaceAll(entitySuffix(entityID), "_", " "))
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// formatDays collapses a Monday-first day set to a readable phrase.
func formatDays(days []int) string {
	if len(days) == 0 {
		return "every day"
	}
	set := make(map[int]struct{}, len(days))
	for _, d := range days {
		set[d] = struct{}{}
	}
	equals := func(want ...int) bool {
		if len(set) != len(want) {
			return false
		}
		for _, d := range want {
			if _, ok := set[d]; !ok {
				return false
			}
		}
		return true
	}
	switch {
	case equals(0, 1, 2, 3, 4):
		return "weekdays"
	case equals(5, 6):
		return "weekends"
	case equals(0, 1, 2, 3, 4, 5, 6):
		return "every day"
	}

	sorted := make([]int, 0, len(set))
	for d := range set {
		sorted = append(sorted, d)
	}
	sort.Ints(sorted)
	names := make([]string, 0, len(sorted))
	for _, d := range sorted {
		if d >= 0 && d < len(dayNames) {
			names = append(names, dayNames[d])
		}
	}
	return strings.Join(names, ", ")
}

func formatDelay(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%d seconds", int(seconds))
	}
	return fmt.Sprintf("%d minutes", int(seconds/60))
}
