package suggest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"home-habits/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type mapResolver map[string]string

func (m mapResolver) Resolve(entityID string) (string, bool) {
	name, ok := m[entityID]
	return name, ok
}

func timePattern(t *testing.T, st *store.BoltStore, entity string, conf float64, occ int) *store.Pattern {
	t.Helper()
	now := time.Now().UTC()
	p := &store.Pattern{
		Kind:      store.PatternTimeBased,
		EntityIDs: []string{entity},
		Time: &store.TimePatternData{
			TimeWindowStart:    "17:59",
			TimeWindowEnd:      "18:59",
			DaysOfWeek:         []int{0, 1, 2, 3, 4},
			Action:             "on",
			AverageTriggerTime: "18:29",
			VarianceMinutes:    7.1,
		},
		Confidence:  conf,
		Occurrences: occ,
		FirstSeen:   now.AddDate(0, 0, -10),
		LastSeen:    now,
		Active:      true,
	}
	if err := st.UpsertPattern(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func seqPattern(t *testing.T, st *store.BoltStore, conf float64, occ int) *store.Pattern {
	t.Helper()
	now := time.Now().UTC()
	p := &store.Pattern{
		Kind:      store.PatternSequential,
		EntityIDs: []string{"lock.front", "light.hall"},
		Sequential: &store.SequentialPatternData{
			Sequence: []store.SequenceStep{
				{EntityID: "lock.front", State: "unlocked"},
				{EntityID: "light.hall", State: "on"},
			},
			MaxDelaySeconds:     50,
			AverageDelaySeconds: 45,
		},
		Confidence:  conf,
		Occurrences: occ,
		FirstSeen:   now.AddDate(0, 0, -5),
		LastSeen:    now,
		Active:      true,
	}
	if err := st.UpsertPattern(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGenerateTimeSuggestion(t *testing.T) {
	st := newTestStore(t)
	timePattern(t, st, "light.kitchen", 0.53, 6)

	g := New(st, mapResolver{"light.kitchen": "Kitchen Light"}, testLogger())
	got, err := g.Generate(0.4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("suggestions = %d, want 1", len(got))
	}

	s := got[0]
	if s.Title != "Automate Kitchen Light" {
		t.Errorf("title = %q", s.Title)
	}
	if !strings.Contains(s.Description, "around 18:29 on weekdays") {
		t.Errorf("description = %q", s.Description)
	}
	if !strings.Contains(s.Description, "Detected 6 times") {
		t.Errorf("description = %q", s.Description)
	}

	auto := s.Automation
	if auto == nil {
		t.Fatal("automation missing")
	}
	if len(auto.Triggers) != 1 || auto.Triggers[0].Platform != "time" || auto.Triggers[0].At != "18:29" {
		t.Errorf("trigger = %+v", auto.Triggers)
	}
	if len(auto.Conditions) != 1 || len(auto.Conditions[0].Weekday) != 5 {
		t.Errorf("conditions = %+v", auto.Conditions)
	}
	if len(auto.Actions) != 1 || auto.Actions[0].Service != "light.turn_on" {
		t.Errorf("actions = %+v", auto.Actions)
	}
	if auto.Actions[0].Target.EntityID != "light.kitchen" {
		t.Errorf("target = %q", auto.Actions[0].Target.EntityID)
	}
}

func TestGenerateSequentialSuggestion(t *testing.T) {
	st := newTestStore(t)
	seqPattern(t, st, 0.5, 2)

	g := New(st, nil, testLogger())
	got, err := g.Generate(0.4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("suggestions = %d, want 1", len(got))
	}

	s := got[0]
	// Fallback naming from entity identifier suffixes.
	if s.Title != "Link Front to Hall" {
		t.Errorf("title = %q", s.Title)
	}
	if !strings.Contains(s.Description, "within 45 seconds") {
		t.Errorf("description = %q", s.Description)
	}

	auto := s.Automation
	if auto == nil {
		t.Fatal("automation missing")
	}
	if auto.Triggers[0].Platform != "state" || auto.Triggers[0].EntityID != "lock.front" || auto.Triggers[0].To != "unlocked" {
		t.Errorf("trigger = %+v", auto.Triggers[0])
	}
	if auto.Actions[0].Service != "light.turn_on" {
		t.Errorf("action = %+v", auto.Actions[0])
	}
}

func TestGenerateSkipsDismissedPatterns(t *testing.T) {
	st := newTestStore(t)
	p := timePattern(t, st, "light.kitchen", 0.8, 5)

	g := New(st, nil, testLogger())
	before, err := g.Generate(0.4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 1 {
		t.Fatalf("suggestions before dismiss = %d, want 1", len(before))
	}

	// A dismissed preference hides the pattern even while it stays active.
	if err := st.InsertPreference(&store.Preference{PatternID: p.ID, Type: store.PreferenceDismissed}); err != nil {
		t.Fatal(err)
	}
	after, err := g.Generate(0.4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Fatalf("suggestions after dismiss = %d, want 0", len(after))
	}

	stored, err := st.PatternByID(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Active {
		t.Error("pattern should remain active in storage")
	}
}

func TestGenerateRankingAndTruncation(t *testing.T) {
	st := newTestStore(t)
	timePattern(t, st, "light.kitchen", 0.5, 3)
	p2 := seqPattern(t, st, 0.9, 2)
	timePattern(t, st, "light.porch", 0.5, 9)

	g := New(st, nil, testLogger())
	got, err := g.Generate(0.4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("suggestions = %d, want 2 (truncated)", len(got))
	}
	if got[0].PatternID != p2.ID {
		t.Errorf("first suggestion pattern = %d, want %d", got[0].PatternID, p2.ID)
	}
	if got[1].Occurrences != 9 {
		t.Errorf("second suggestion occurrences = %d, want 9 (tie broken by count)", got[1].Occurrences)
	}
}

func TestFormatDays(t *testing.T) {
	tests := []struct {
		days []int
		want string
	}{
		{nil, "every day"},
		{[]int{0, 1, 2, 3, 4}, "weekdays"},
		{[]int{5, 6}, "weekends"},
		{[]int{0, 1, 2, 3, 4, 5, 6}, "every day"},
		{[]int{0, 3}, "Monday, Thursday"},
		{[]int{6}, "Sunday"},
	}
	for _, tt := range tests {
		if got := formatDays(tt.days); got != tt.want {
			t.Errorf("formatDays(%v) = %q, want %q", tt.days, got, tt.want)
		}
	}
}

func TestServiceForState(t *testing.T) {
	tests := []struct{ state, want string }{
		{"on", "turn_on"},
		{"off", "turn_off"},
		{"locked", "lock"},
		{"unlocked", "unlock"},
		{"open", "open_cover"},
		{"closed", "close_cover"},
		{"heat", "heat"},
	}
	for _, tt := range tests {
		if got := serviceForState(tt.state); got != tt.want {
			t.Errorf("serviceForState(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestFormatDelay(t *testing.T) {
	if got := formatDelay(45); got != "45 seconds" {
		t.Errorf("formatDelay(45) = %q", got)
	}
	if got := formatDelay(150); got != "2 minutes" {
		t.Errorf("formatDelay(150) = %q", got)
	}
}

func TestAutomationYAML(t *testing.T) {
	auto := buildTimeAutomation("light.kitchen", "on", "18:29", []int{0, 1, 2, 3, 4})
	out, err := auto.YAML()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"platform: time", "18:29", "service: light.turn_on", "weekday:"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml missing %q:\n%s", want, out)
		}
	}
}

func TestTimeAutomationEveryDayHasNoCondition(t *testing.T) {
	auto := buildTimeAutomation("light.kitchen", "on", "07:00", []int{0, 1, 2, 3, 4, 5, 6})
	if len(auto.Conditions) != 0 {
		t.Errorf("conditions = %+v, want none for every-day pattern", auto.Conditions)
	}
}
