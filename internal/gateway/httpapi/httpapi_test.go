package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/eventbus"
	"github.com/jkaninda/omni/internal/ratelimit"
	"github.com/jkaninda/omni/internal/routing"
	"github.com/jkaninda/omni/internal/storage/sqlite"
)

type testEnv struct {
	srv *httptest.Server
	bus *eventbus.Bus
	key string
}

func newTestEnv(t *testing.T, keys map[string]string, rl *ratelimit.Limiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "omni.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	bus := eventbus.New(nil, logger)
	engine := automation.NewEngine(automation.EngineConfig{}, automation.Dependencies{}, logger)
	automations := automation.NewService(store.Automations(), store.AutomationLogs(), engine, logger)
	engine.SetLogger(automations.LogExecution)
	if err := engine.Start(context.Background(), bus, nil); err != nil {
		t.Fatalf("starting engine: %v", err)
	}
	t.Cleanup(func() { engine.Stop(context.Background()) })

	resolver := routing.NewResolver(store.Routes(), routing.ResolverConfig{MaxEntries: 100, TTL: time.Minute}, nil, nil, logger)
	routes := routing.NewService(store.Routes(), resolver, nil, logger)

	gw := NewGateway(Config{APIKeys: keys}, Services{
		Automations: automations,
		Engine:      engine,
		Routes:      routes,
		Bus:         bus,
	}, rl, logger)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, bus: bus}
	for k := range keys {
		env.key = k
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.key != "" {
		req.Header.Set("Authorization", "Bearer "+e.key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	return v
}

func greetingAutomation() map[string]any {
	return map[string]any{
		"name":             "greet",
		"triggerEventType": "message.received",
		"triggerConditions": []map[string]any{
			{"field": "text", "operator": "contains", "value": "hello"},
		},
		"actions": []map[string]any{
			{"type": "log", "config": map[string]any{"message": "hi {{payload.from}}"}},
		},
	}
}

// --- Authentication ---

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, map[string]string{"secret": "alice"}, nil)

	env.key = ""
	resp, _ := env.do(t, http.MethodGet, "/v1/automations", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: got %d, want 401", resp.StatusCode)
	}

	env.key = "wrong"
	resp, _ = env.do(t, http.MethodGet, "/v1/automations", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key: got %d, want 401", resp.StatusCode)
	}

	env.key = "secret"
	resp, _ = env.do(t, http.MethodGet, "/v1/automations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good key: got %d, want 200", resp.StatusCode)
	}
}

func TestHealthEndpointsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, map[string]string{"secret": "alice"}, nil)
	env.key = ""

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, _ := env.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: got %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRateLimited(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 2})
	env := newTestEnv(t, nil, rl)

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, http.MethodGet, "/v1/healthz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, resp.StatusCode)
		}
	}
	resp, _ := env.do(t, http.MethodGet, "/v1/healthz", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("got %d, want 429", resp.StatusCode)
	}
}

// --- Automations ---

func TestAutomationCRUD(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, data := env.do(t, http.MethodPost, "/v1/automations", greetingAutomation())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d, want 201 (%s)", resp.StatusCode, data)
	}
	created := decode[AutomationResponse](t, data)
	if !created.Enabled {
		t.Error("enabled should default to true")
	}
	if created.ConditionLogic != "and" {
		t.Errorf("conditionLogic: got %q, want and", created.ConditionLogic)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/automations/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got %d", resp.StatusCode)
	}
	if got := decode[AutomationResponse](t, data); got.Name != "greet" {
		t.Errorf("name: got %q, want greet", got.Name)
	}

	resp, data = env.do(t, http.MethodPut, "/v1/automations/"+created.ID, map[string]any{"name": "greet-v2", "priority": 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: got %d (%s)", resp.StatusCode, data)
	}
	updated := decode[AutomationResponse](t, data)
	if updated.Name != "greet-v2" || updated.Priority != 7 {
		t.Errorf("update: got name=%q priority=%d", updated.Name, updated.Priority)
	}
	if updated.TriggerEventType != "message.received" {
		t.Errorf("untouched field changed: %q", updated.TriggerEventType)
	}

	resp, data = env.do(t, http.MethodPost, "/v1/automations/"+created.ID+"/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: got %d", resp.StatusCode)
	}
	if decode[AutomationResponse](t, data).Enabled {
		t.Error("automation should be disabled")
	}

	resp, data = env.do(t, http.MethodGet, "/v1/automations?enabled=false", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d", resp.StatusCode)
	}
	if list := decode[[]AutomationResponse](t, data); len(list) != 1 {
		t.Errorf("disabled list: got %d, want 1", len(list))
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/automations/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/automations/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", resp.StatusCode)
	}
}

func TestAutomationCreateInvalid(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	body := greetingAutomation()
	body["actions"] = []map[string]any{{"type": "teleport"}}
	resp, _ := env.do(t, http.MethodPost, "/v1/automations", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad action: got %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodGet, "/v1/automations/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id: got %d, want 400", resp.StatusCode)
	}
}

func TestAutomationTestAndExecute(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, data := env.do(t, http.MethodPost, "/v1/automations", greetingAutomation())
	id := decode[AutomationResponse](t, data).ID

	event := map[string]any{
		"type":       "message.received",
		"instanceId": "wa-1",
		"payload":    map[string]any{"text": "hello there", "from": "Ana"},
	}

	resp, data := env.do(t, http.MethodPost, "/v1/automations/"+id+"/test", event)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test: got %d (%s)", resp.StatusCode, data)
	}
	dry := decode[automation.TestResult](t, data)
	if !dry.Matched || !dry.DryRun {
		t.Errorf("test: got matched=%v dryRun=%v", dry.Matched, dry.DryRun)
	}

	resp, data = env.do(t, http.MethodPost, "/v1/automations/"+id+"/execute", event)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute: got %d (%s)", resp.StatusCode, data)
	}
	exec := decode[ExecutionResponse](t, data)
	if !exec.Triggered || exec.Status != "success" {
		t.Errorf("execute: got triggered=%v status=%q", exec.Triggered, exec.Status)
	}
	if len(exec.Results) != 1 {
		t.Fatalf("results: got %d, want 1", len(exec.Results))
	}

	resp, data = env.do(t, http.MethodGet, "/v1/automations/"+id+"/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: got %d", resp.StatusCode)
	}
	page := decode[LogPageResponse](t, data)
	if len(page.Items) != 1 || page.Items[0].Status != "success" {
		t.Errorf("logs: got %+v", page.Items)
	}

	event["payload"] = map[string]any{"text": "bye"}
	_, data = env.do(t, http.MethodPost, "/v1/automations/"+id+"/execute", event)
	if exec := decode[ExecutionResponse](t, data); exec.Triggered || exec.Status != "skipped" {
		t.Errorf("non-matching execute: got triggered=%v status=%q", exec.Triggered, exec.Status)
	}
}

func TestLogSearchInvalidQuery(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := env.do(t, http.MethodGet, "/v1/automations/logs?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
}

func TestAutomationMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.do(t, http.MethodPost, "/v1/automations", greetingAutomation())

	resp, data := env.do(t, http.MethodGet, "/v1/automations/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d", resp.StatusCode)
	}
	m := decode[automation.EngineMetrics](t, data)
	if m.State != "running" || m.Automations != 1 {
		t.Errorf("got state=%q automations=%d", m.State, m.Automations)
	}
}

// --- Events ---

func TestEventIngestTriggersAutomation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, data := env.do(t, http.MethodPost, "/v1/automations", greetingAutomation())
	id := decode[AutomationResponse](t, data).ID

	resp, data := env.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type":       "message.received",
		"instanceId": "wa-1",
		"payload":    map[string]any{"text": "hello"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest: got %d (%s)", resp.StatusCode, data)
	}
	if decode[IngestResponse](t, data).EventID == "" {
		t.Error("missing event id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, data = env.do(t, http.MethodGet, "/v1/automations/"+id+"/logs", nil)
		if page := decode[LogPageResponse](t, data); len(page.Items) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("automation did not run for ingested event")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEventIngestRequiresType(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := env.do(t, http.MethodPost, "/v1/events", map[string]any{"payload": map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
}

// --- Agent routes ---

func TestRouteCRUDAndResolve(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	chatRoute := map[string]any{
		"scope":           "chat",
		"chatId":          "group-1",
		"agentProviderId": "support",
		"agentId":         "triage",
		"priority":        5,
	}
	resp, data := env.do(t, http.MethodPost, "/v1/instances/wa-1/routes", chatRoute)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d (%s)", resp.StatusCode, data)
	}
	created := decode[RouteResponse](t, data)
	if !created.IsActive || created.AgentType != "agent" {
		t.Errorf("defaults: got isActive=%v agentType=%q", created.IsActive, created.AgentType)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/instances/wa-1/routes", chatRoute)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: got %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/v1/instances/wa-1/routes", map[string]any{
		"scope":           "user",
		"chatId":          "group-1",
		"agentProviderId": "support",
		"agentId":         "triage",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("user scope with chatId: got %d, want 400", resp.StatusCode)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/instances/wa-1/routes/resolve?chatId=group-1&personId=p-9", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: got %d", resp.StatusCode)
	}
	res := decode[ResolveResponse](t, data)
	if res.Default || res.Route == nil || res.Route.ID != created.ID {
		t.Errorf("resolve: got %+v", res)
	}

	resp, data = env.do(t, http.MethodPut, "/v1/routes/"+created.ID, map[string]any{"agentId": "escalation", "agentTimeout": 30})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: got %d (%s)", resp.StatusCode, data)
	}
	updated := decode[RouteResponse](t, data)
	if updated.AgentID != "escalation" || updated.AgentTimeout == nil || *updated.AgentTimeout != 30 {
		t.Errorf("update: got agentId=%q timeout=%v", updated.AgentID, updated.AgentTimeout)
	}

	_, data = env.do(t, http.MethodGet, "/v1/instances/wa-1/routes/resolve?chatId=group-1", nil)
	if r := decode[ResolveResponse](t, data); r.Route == nil || r.Route.AgentID != "escalation" {
		t.Errorf("resolve after update should see new agent, got %+v", r.Route)
	}

	_, data = env.do(t, http.MethodGet, "/v1/instances/wa-1/routes?scope=chat", nil)
	if list := decode[[]RouteResponse](t, data); len(list) != 1 {
		t.Errorf("list: got %d, want 1", len(list))
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/routes/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	_, data = env.do(t, http.MethodGet, "/v1/instances/wa-1/routes/resolve?chatId=group-1", nil)
	if r := decode[ResolveResponse](t, data); !r.Default {
		t.Errorf("resolve after delete should fall back to default, got %+v", r.Route)
	}

	resp, data = env.do(t, http.MethodGet, "/v1/routes/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: got %d", resp.StatusCode)
	}
	if m := decode[routing.ResolverMetrics](t, data); m.Invalidations == 0 {
		t.Error("mutations should invalidate the resolver cache")
	}
}

func TestRouteListInvalidFilter(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, _ := env.do(t, http.MethodGet, "/v1/instances/wa-1/routes?scope=group", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/instances/wa-1/routes/resolve", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("resolve without keys: got %d, want 400", resp.StatusCode)
	}
}
