package automation

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// DebounceContext is exposed to templates when an execution was produced by
// a debounce window.
type DebounceContext struct {
	Messages   []DebouncedMessage
	From       Sender
	InstanceID string
}

// TemplateContext holds the values {{path}} expressions resolve against.
type TemplateContext struct {
	Payload    map[string]any
	Variables  map[string]any
	InstanceID string
	Debounce   *DebounceContext

	// Env looks up environment variables. Defaults to os.LookupEnv.
	Env func(string) (string, bool)
}

// NewTemplateContext creates a context for one execution.
func NewTemplateContext(payload map[string]any, instanceID string) *TemplateContext {
	if payload == nil {
		payload = map[string]any{}
	}
	return &TemplateContext{
		Payload:    payload,
		Variables:  map[string]any{},
		InstanceID: instanceID,
		Env:        os.LookupEnv,
	}
}

// SetVariable stores a value that later actions can reference by name.
func (t *TemplateContext) SetVariable(name string, value any) {
	if t.Variables == nil {
		t.Variables = map[string]any{}
	}
	t.Variables[name] = value
}

// Resolve substitutes every {{path}} in s. Unresolvable paths render as "".
func (t *TemplateContext) Resolve(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		return formatTemplateValue(t.lookup(path))
	})
}

// ResolveValue resolves templates inside strings, recursing into maps and slices.
func (t *TemplateContext) ResolveValue(v any) any {
	switch val := v.(type) {
	case string:
		return t.Resolve(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = t.ResolveValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = t.ResolveValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = t.Resolve(item)
		}
		return out
	default:
		return v
	}
}

func (t *TemplateContext) lookup(path string) any {
	if t.Debounce != nil {
		switch {
		case path == "messages":
			return t.Debounce.Messages
		case path == "instanceId":
			return t.Debounce.InstanceID
		case path == "from":
			return map[string]any{"id": t.Debounce.From.ID, "name": t.Debounce.From.Name}
		case strings.HasPrefix(path, "from."):
			switch strings.TrimPrefix(path, "from.") {
			case "id":
				return t.Debounce.From.ID
			case "name":
				return t.Debounce.From.Name
			}
			return nil
		}
	}

	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "payload":
		if rest == "" {
			return t.Payload
		}
		v, _ := Lookup(t.Payload, rest)
		return v
	case "env":
		if rest == "" || t.Env == nil {
			return nil
		}
		if v, ok := t.Env(rest); ok {
			return v
		}
		return nil
	}

	if v, ok := t.Variables[root]; ok {
		if rest == "" {
			return v
		}
		found, _ := Lookup(v, rest)
		return found
	}
	if root == "instanceId" && t.InstanceID != "" {
		if _, inPayload := t.Payload["instanceId"]; !inPayload {
			return t.InstanceID
		}
	}
	v, _ := Lookup(t.Payload, path)
	return v
}

func formatTemplateValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case float32:
		return formatNumber(float64(val))
	case map[string]any, []any, []DebouncedMessage, map[string]string, []string:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
