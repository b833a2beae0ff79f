package automation

import (
	"cmp"
	"slices"

	"github.com/jkaninda/omni/internal/domain"
)

// Candidate is an enabled automation whose trigger type matched an event,
// together with the evaluation of its conditions.
type Candidate struct {
	Automation domain.Automation
	Report     ConditionReport
}

// Evaluate returns every enabled automation triggered by the event type,
// with its condition report, ordered by priority (desc) then name.
// Disabled automations are never returned.
func Evaluate(event domain.Event, automations []domain.Automation) []Candidate {
	var out []Candidate
	for _, a := range automations {
		if !a.Enabled || a.TriggerEventType != event.Type {
			continue
		}
		out = append(out, Candidate{
			Automation: a,
			Report:     EvaluateConditions(a.TriggerConditions, a.Logic(), event.Payload),
		})
	}
	slices.SortStableFunc(out, func(x, y Candidate) int {
		return compareAutomations(&x.Automation, &y.Automation)
	})
	return out
}

// Match returns the automations that should run for the event.
func Match(event domain.Event, automations []domain.Automation) []domain.Automation {
	var out []domain.Automation
	for _, c := range Evaluate(event, automations) {
		if c.Report.Matched {
			out = append(out, c.Automation)
		}
	}
	return out
}

func compareAutomations(a, b *domain.Automation) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}
