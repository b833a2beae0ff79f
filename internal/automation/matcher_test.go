package automation

import (
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

func testAutomation(name, trigger string, priority int, conds ...domain.Condition) domain.Automation {
	return domain.Automation{
		ID:                uuid.New(),
		Name:              name,
		TriggerEventType:  trigger,
		TriggerConditions: conds,
		Actions:           []domain.Action{{Type: domain.ActionLog, Config: map[string]any{"message": name}}},
		Enabled:           true,
		Priority:          priority,
	}
}

func names(list []domain.Automation) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Name
	}
	return out
}

func TestMatch_DisabledNeverMatches(t *testing.T) {
	a := testAutomation("off", "message.received", 0)
	a.Enabled = false
	got := Match(domain.Event{Type: "message.received"}, []domain.Automation{a})
	if len(got) != 0 {
		t.Errorf("got %v, want none", names(got))
	}
}

func TestMatch_ExactTypeOnly(t *testing.T) {
	list := []domain.Automation{
		testAutomation("exact", "message.received", 0),
		testAutomation("prefix", "message", 0),
		testAutomation("other", "message.sent", 0),
	}
	got := Match(domain.Event{Type: "message.received"}, list)
	if len(got) != 1 || got[0].Name != "exact" {
		t.Errorf("got %v, want [exact]", names(got))
	}
}

func TestMatch_OrderAndConditions(t *testing.T) {
	vip := domain.Condition{Field: "tier", Operator: domain.OpEq, Value: "vip"}
	list := []domain.Automation{
		testAutomation("b-low", "e", 1),
		testAutomation("a-high", "e", 10),
		testAutomation("c-low", "e", 1),
		testAutomation("vip-only", "e", 50, vip),
	}

	got := Match(domain.Event{Type: "e", Payload: map[string]any{"tier": "basic"}}, list)
	want := []string{"a-high", "b-low", "c-low"}
	if g := names(got); len(g) != len(want) || g[0] != want[0] || g[1] != want[1] || g[2] != want[2] {
		t.Errorf("got %v, want %v", g, want)
	}

	got = Match(domain.Event{Type: "e", Payload: map[string]any{"tier": "vip"}}, list)
	if len(got) != 4 || got[0].Name != "vip-only" {
		t.Errorf("got %v, want vip-only first", names(got))
	}
}

func TestEvaluate_ReportsUnmatched(t *testing.T) {
	a := testAutomation("cond", "e", 0, domain.Condition{Field: "x", Operator: domain.OpExists})
	c := Evaluate(domain.Event{Type: "e", Payload: map[string]any{}}, []domain.Automation{a})
	if len(c) != 1 || c[0].Report.Matched {
		t.Fatalf("got %+v, want one unmatched candidate", c)
	}
}

func TestMatch_OrLogic(t *testing.T) {
	a := testAutomation("either", "e", 0,
		domain.Condition{Field: "a", Operator: domain.OpEq, Value: "1"},
		domain.Condition{Field: "b", Operator: domain.OpEq, Value: "2"},
	)
	a.ConditionLogic = domain.LogicOr
	if got := Match(domain.Event{Type: "e", Payload: map[string]any{"b": "2"}}, []domain.Automation{a}); len(got) != 1 {
		t.Error("or logic should match with one condition true")
	}
	a.ConditionLogic = domain.LogicAnd
	if got := Match(domain.Event{Type: "e", Payload: map[string]any{"b": "2"}}, []domain.Automation{a}); len(got) != 0 {
		t.Error("and logic should not match with one condition false")
	}
}
