package automation

import (
	"testing"
)

func newTestContext() *TemplateContext {
	tctx := NewTemplateContext(map[string]any{
		"text":   "hi there",
		"count":  float64(3),
		"ratio":  0.25,
		"from":   map[string]any{"id": "u-1", "name": "Ada"},
		"tags":   []any{"a", "b"},
		"absent": nil,
	}, "inst-1")
	tctx.Env = func(key string) (string, bool) {
		if key == "API_TOKEN" {
			return "secret", true
		}
		return "", false
	}
	return tctx
}

func TestResolve(t *testing.T) {
	tctx := newTestContext()
	tctx.SetVariable("weather", map[string]any{"temp": float64(21)})

	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"{{payload.text}}", "hi there"},
		{"{{ text }}", "hi there"},
		{"n={{payload.count}}", "n=3"},
		{"{{ratio}}", "0.25"},
		{"{{payload.from}}", `{"id":"u-1","name":"Ada"}`},
		{"{{tags}}", `["a","b"]`},
		{"{{env.API_TOKEN}}", "secret"},
		{"{{env.MISSING}}", ""},
		{"{{weather.temp}}C", "21C"},
		{"{{absent}}|{{nothing.here}}", "|"},
		{"{{instanceId}}", "inst-1"},
		{"{{from.name}} says {{text}}", "Ada says hi there"},
	}
	for _, tt := range tests {
		if got := tctx.Resolve(tt.in); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve_Debounce(t *testing.T) {
	tctx := newTestContext()
	tctx.Debounce = &DebounceContext{
		Messages:   []DebouncedMessage{{Type: "text", Text: "one", Timestamp: 1}, {Type: "text", Text: "two", Timestamp: 2}},
		From:       Sender{ID: "u-9", Name: "Grace"},
		InstanceID: "inst-2",
	}

	if got := tctx.Resolve("{{from.name}}/{{from.id}}"); got != "Grace/u-9" {
		t.Errorf("got %q, want Grace/u-9", got)
	}
	if got := tctx.Resolve("{{instanceId}}"); got != "inst-2" {
		t.Errorf("got %q, want inst-2", got)
	}
	want := `[{"type":"text","text":"one","timestamp":1},{"type":"text","text":"two","timestamp":2}]`
	if got := tctx.Resolve("{{messages}}"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveValue_Recurses(t *testing.T) {
	tctx := newTestContext()
	in := map[string]any{
		"greeting": "hello {{from.name}}",
		"nested":   map[string]any{"list": []any{"{{text}}", float64(1)}},
		"keep":     true,
	}
	out, ok := tctx.ResolveValue(in).(map[string]any)
	if !ok {
		t.Fatal("expected map result")
	}
	if out["greeting"] != "hello Ada" {
		t.Errorf("got %v, want hello Ada", out["greeting"])
	}
	list := out["nested"].(map[string]any)["list"].([]any)
	if list[0] != "hi there" || list[1] != float64(1) {
		t.Errorf("unexpected list: %v", list)
	}
	if out["keep"] != true {
		t.Error("non-string values must pass through")
	}
	if in["greeting"] != "hello {{from.name}}" {
		t.Error("input must not be mutated")
	}
}
