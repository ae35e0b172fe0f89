package suggest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Trigger is one Home Assistant automation trigger.
type Trigger struct {
	Platform string `json:"platform" yaml:"platform"`
	At       string `json:"at,omitempty" yaml:"at,omitempty"`
	EntityID string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	To       string `json:"to,omitempty" yaml:"to,omitempty"`
}

// Condition is one Home Assistant automation condition.
type Condition struct {
	Condition string   `json:"condition" yaml:"condition"`
	Weekday   []string `json:"weekday,omitempty" yaml:"weekday,omitempty"`
}

// Target selects the entity an action applies to.
type Target struct {
	EntityID string `json:"entity_id" yaml:"entity_id"`
}

// Action is one Home Assistant service call.
type Action struct {
	Service string `json:"service" yaml:"service"`
	Target  Target `json:"target" yaml:"target"`
}

// Automation is a structured Home Assistant automation definition. This
// system only produces definitions; installing them is the consumer's job.
type Automation struct {
	Alias      string      `json:"alias" yaml:"alias"`
	Triggers   []Trigger   `json:"trigger" yaml:"trigger"`
	Conditions []Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions    []Action    `json:"action" yaml:"action"`
}

// YAML renders the definition in Home Assistant's automation YAML shape.
func (a *Automation) YAML() (string, error) {
	data, err := yaml.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal automation: %w", err)
	}
	return string(data), nil
}

var dayAbbrevs = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// serviceForState maps a target state to the control verb for its domain.
func serviceForState(state string) string {
	switch state {
	case "on", "off":
		return "turn_" + state
	case "locked":
		return "lock"
	case "unlocked":
		return "unlock"
	case "open":
		return "open_cover"
	case "closed":
		return "close_cover"
	default:
		return state
	}
}

func entitySuffix(entityID string) string {
	if i := strings.LastIndexByte(entityID, '.'); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}

// buildTimeAutomation builds a time-triggered definition: fire at the
// average trigger time, optionally restricted to the qualifying weekdays.
func buildTimeAutomation(entityID, action, at string, days []int) *Automation {
	domain := entityDomain(entityID)

	service := action
	if action == "on" || action == "off" {
		service = "turn_" + action
	}

	auto := &Automation{
		Alias:    fmt.Sprintf("Auto %s %s at %s", entitySuffix(entityID), action, strings.ReplaceAll(at, ":", "")),
		Triggers: []Trigger{{Platform: "time", At: at}},
		Actions: []Action{{
			Service: domain + "." + service,
			Target:  Target{EntityID: entityID},
		}},
	}

	if len(days) > 0 && len(days) < 7 {
		weekdays := make([]string, 0, len(days))
		for _, d := range days {
			if d >= 0 && d < len(dayAbbrevs) {
				weekdays = append(weekdays, dayAbbrevs[d])
			}
		}
		auto.Conditions = []Condition{{Condition: "time", Weekday: weekdays}}
	}
	return auto
}

// buildTriggerAutomation builds a state-triggered definition: when the
// trigger entity reaches its state, apply the matching verb to the target.
func buildTriggerAutomation(triggerEntity, triggerState, actionEntity, actionState string) *Automation {
	domain := entityDomain(actionEntity)
	return &Automation{
		Alias: fmt.Sprintf("Auto %s triggers %s", entitySuffix(triggerEntity), entitySuffix(actionEntity)),
		Triggers: []Trigger{{
			Platform: "state",
			EntityID: triggerEntity,
			To:       triggerState,
		}},
		Actions: []Action{{
			Service: domain + "." + serviceForState(actionState),
			Target:  Target{EntityID: actionEntity},
		}},
	}
}

func entityDomain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return entityID
}
