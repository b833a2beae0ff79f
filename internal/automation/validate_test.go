package automation

import (
	"errors"
	"testing"

	"github.com/jkaninda/omni/internal/domain"
)

func TestValidate(t *testing.T) {
	valid := func() *domain.Automation {
		a := testAutomation("ok", "message.received", 0)
		return &a
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("valid automation rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(a *domain.Automation)
	}{
		{"missing name", func(a *domain.Automation) { a.Name = "" }},
		{"missing trigger", func(a *domain.Automation) { a.TriggerEventType = "" }},
		{"no actions", func(a *domain.Automation) { a.Actions = nil }},
		{"bad logic", func(a *domain.Automation) { a.ConditionLogic = "xor" }},
		{"bad operator", func(a *domain.Automation) {
			a.TriggerConditions = []domain.Condition{{Field: "x", Operator: "like"}}
		}},
		{"bad regex", func(a *domain.Automation) {
			a.TriggerConditions = []domain.Condition{{Field: "x", Operator: domain.OpRegex, Value: "("}}
		}},
		{"unknown action", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: "teleport"}}
		}},
		{"webhook without url", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: domain.ActionWebhook, Config: map[string]any{"method": "POST"}}}
		}},
		{"webhook bad method", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: domain.ActionWebhook, Config: map[string]any{"url": "http://x", "method": "TRACE"}}}
		}},
		{"call_agent without agent", func(a *domain.Automation) {
			a.Actions = []domain.Action{{Type: domain.ActionCallAgent, Config: map[string]any{}}}
		}},
		{"fixed debounce without delay", func(a *domain.Automation) {
			a.Debounce = &domain.DebounceConfig{Mode: domain.DebounceFixed}
		}},
		{"range max below min", func(a *domain.Automation) {
			a.Debounce = &domain.DebounceConfig{Mode: domain.DebounceRange, MinMs: 500, MaxMs: 100}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(a)
			err := Validate(a)
			if !errors.Is(err, ErrInvalidAutomation) {
				t.Errorf("got %v, want ErrInvalidAutomation", err)
			}
		})
	}
}
