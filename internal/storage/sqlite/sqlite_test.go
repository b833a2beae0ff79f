package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/domain"
	"github.com/jkaninda/omni/internal/routing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "omni.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func testAutomation(name string, priority int, enabled bool) *domain.Automation {
	now := time.Now().UTC()
	return &domain.Automation{
		ID:               uuid.New(),
		Name:             name,
		TriggerEventType: "message.received",
		TriggerConditions: []domain.Condition{
			{Field: "payload.text", Operator: domain.OpContains, Value: "hello"},
		},
		ConditionLogic: domain.LogicAnd,
		Actions: []domain.Action{
			{Type: domain.ActionLog, Config: map[string]any{"message": "hi {{payload.from.name}}"}},
		},
		Debounce:  &domain.DebounceConfig{Mode: domain.DebounceFixed, DelayMs: 500},
		Enabled:   enabled,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRoute(instance string, scope domain.RouteScope, key, agent string, priority int) *domain.AgentRoute {
	now := time.Now().UTC()
	r := &domain.AgentRoute{
		ID:              uuid.New(),
		InstanceID:      instance,
		Scope:           scope,
		AgentProviderID: "default",
		AgentID:         agent,
		AgentType:       domain.AgentTypeAgent,
		Priority:        priority,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if scope == domain.ScopeChat {
		r.ChatID = strPtr(key)
	} else {
		r.PersonID = strPtr(key)
	}
	return r
}

// --- Automations ---

func TestAutomations_RoundTrip(t *testing.T) {
	s := testStore(t)
	repo := s.Automations()
	ctx := context.Background()

	a := testAutomation("greet", 1, true)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "greet" || got.TriggerEventType != "message.received" {
		t.Errorf("got %+v", got)
	}
	if len(got.TriggerConditions) != 1 || got.TriggerConditions[0].Operator != domain.OpContains {
		t.Errorf("conditions not preserved: %+v", got.TriggerConditions)
	}
	if len(got.Actions) != 1 || got.Actions[0].Config["message"] != "hi {{payload.from.name}}" {
		t.Errorf("actions not preserved: %+v", got.Actions)
	}
	if got.Debounce == nil || got.Debounce.Mode != domain.DebounceFixed || got.Debounce.DelayMs != 500 {
		t.Errorf("debounce not preserved: %+v", got.Debounce)
	}
}

func TestAutomations_ListUpdateDelete(t *testing.T) {
	s := testStore(t)
	repo := s.Automations()
	ctx := context.Background()

	for _, a := range []*domain.Automation{
		testAutomation("b", 1, true),
		testAutomation("a", 1, false),
		testAutomation("z", 9, true),
	} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.List(ctx, automation.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Name != "z" || all[1].Name != "a" || all[2].Name != "b" {
		t.Errorf("unexpected order: %v %v %v", all[0].Name, all[1].Name, all[2].Name)
	}

	on := true
	enabled, _ := repo.List(ctx, automation.ListFilter{Enabled: &on})
	if len(enabled) != 2 {
		t.Errorf("got %d enabled, want 2", len(enabled))
	}

	// Flipping Enabled to false must persist even though it is a zero value.
	target := all[0]
	target.Enabled = false
	target.Debounce = nil
	if err := repo.Update(ctx, &target); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := repo.Get(ctx, target.ID)
	if got.Enabled || got.Debounce != nil {
		t.Errorf("update not persisted: %+v", got)
	}

	missing := testAutomation("ghost", 0, true)
	if err := repo.Update(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	if err := repo.Delete(ctx, target.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, target.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, target.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// --- Logs ---

func TestAutomationLogs_SearchAndRetention(t *testing.T) {
	s := testStore(t)
	repo := s.AutomationLogs()
	ctx := context.Background()
	id := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		status := domain.StatusSuccess
		if i == 3 {
			status = domain.StatusFailed
		}
		err := repo.Append(ctx, &domain.AutomationLog{
			ID:                uuid.New(),
			AutomationID:      id,
			EventID:           "ev",
			EventType:         "message.received",
			Status:            status,
			ConditionsMatched: true,
			ActionsExecuted: []domain.ActionResult{
				{Action: domain.ActionLog, Status: domain.StatusSuccess, DurationMs: 1},
			},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// Another automation's log must not leak into filtered queries.
	_ = repo.Append(ctx, &domain.AutomationLog{ID: uuid.New(), AutomationID: uuid.New(), Status: domain.StatusSkipped, CreatedAt: base})

	logs, err := repo.Search(ctx, automation.LogQuery{AutomationID: &id, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || !logs[0].CreatedAt.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("got %+v, want newest two", logs)
	}
	if len(logs[1].ActionsExecuted) != 1 || logs[1].ActionsExecuted[0].Action != domain.ActionLog {
		t.Errorf("action results not preserved: %+v", logs[1].ActionsExecuted)
	}

	cursor := &automation.LogCursor{CreatedAt: logs[1].CreatedAt, ID: logs[1].ID}
	older, _ := repo.Search(ctx, automation.LogQuery{AutomationID: &id, Cursor: cursor, Limit: 10})
	if len(older) != 2 {
		t.Errorf("got %d logs after cursor, want 2", len(older))
	}

	failed, _ := repo.Search(ctx, automation.LogQuery{Status: domain.StatusFailed, Limit: 10})
	if len(failed) != 1 {
		t.Errorf("got %d failed logs, want 1", len(failed))
	}

	n, err := repo.DeleteBefore(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d deleted, want 3", n)
	}
}

// --- Routes ---

func TestRoutes_FindActivePrecedence(t *testing.T) {
	s := testStore(t)
	repo := s.Routes()
	ctx := context.Background()

	for _, r := range []*domain.AgentRoute{
		testRoute("i1", domain.ScopeUser, "p1", "user-agent", 100),
		testRoute("i1", domain.ScopeChat, "c1", "chat-agent", 0),
		testRoute("i2", domain.ScopeChat, "c1", "other-instance", 50),
	} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		chat   string
		person string
		want   string
	}{
		{"chat wins over user", "c1", "p1", "chat-agent"},
		{"user fallback", "c9", "p1", "user-agent"},
		{"chat only", "c1", "", "chat-agent"},
		{"no person no chat match", "c9", "", ""},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.FindActive(ctx, "i1", tt.chat, tt.person)
			if err != nil {
				t.Fatal(err)
			}
			var agent string
			if got != nil {
				agent = got.AgentID
			}
			if agent != tt.want {
				t.Errorf("got %q, want %q", agent, tt.want)
			}
		})
	}
}

func TestRoutes_InactiveIgnored(t *testing.T) {
	s := testStore(t)
	repo := s.Routes()
	ctx := context.Background()

	r := testRoute("i1", domain.ScopeChat, "c1", "a", 0)
	r.IsActive = false
	if err := repo.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	got, err := repo.FindActive(ctx, "i1", "c1", "")
	if err != nil || got != nil {
		t.Errorf("got (%+v, %v), want no route", got, err)
	}
}

func TestRoutes_DuplicateConflict(t *testing.T) {
	s := testStore(t)
	repo := s.Routes()
	ctx := context.Background()

	if err := repo.Create(ctx, testRoute("i1", domain.ScopeChat, "c1", "a", 0)); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, testRoute("i1", domain.ScopeChat, "c1", "b", 0)); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
	// A user route in the same instance does not collide with the chat route.
	if err := repo.Create(ctx, testRoute("i1", domain.ScopeUser, "c1", "c", 0)); err != nil {
		t.Errorf("user route: %v", err)
	}
}

func TestRoutes_ServiceIntegration(t *testing.T) {
	s := testStore(t)
	resolver := routing.NewResolver(s.Routes(), routing.ResolverConfig{}, nil, nil, nil)
	svc := routing.NewService(s.Routes(), resolver, nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "i1", &domain.AgentRoute{
		Scope:            domain.ScopeUser,
		PersonID:         strPtr("p1"),
		AgentProviderID:  "default",
		AgentID:          "a",
		AgentReplyFilter: map[string]any{"mode": "mentions"},
		IsActive:         true,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Resolve(ctx, "i1", "", "p1")
	if err != nil || got == nil || got.ID != created.ID {
		t.Fatalf("Resolve: %v %+v", err, got)
	}
	if got.AgentReplyFilter["mode"] != "mentions" {
		t.Errorf("reply filter not preserved: %+v", got.AgentReplyFilter)
	}

	list, _ := svc.List(ctx, "i1", routing.ListFilter{Scope: domain.ScopeUser})
	if len(list) != 1 {
		t.Errorf("got %d routes, want 1", len(list))
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Resolve(ctx, "i1", "", "p1"); got != nil {
		t.Errorf("deleted route still resolved: %+v", got)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, routing.ErrNotFound) {
		t.Errorf("got %v, want routing.ErrNotFound", err)
	}
}

func TestAutomationLogs_CursorSharedTimestamp(t *testing.T) {
	s := testStore(t)
	repo := s.AutomationLogs()
	ctx := context.Background()
	id := uuid.New()
	at := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		err := repo.Append(ctx, &domain.AutomationLog{ID: uuid.New(), AutomationID: id, Status: domain.StatusSuccess, CreatedAt: at})
		if err != nil {
			t.Fatal(err)
		}
	}

	seen := map[uuid.UUID]bool{}
	q := automation.LogQuery{AutomationID: &id, Limit: 2}
	for pages := 0; pages < 5; pages++ {
		logs, err := repo.Search(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) == 0 {
			break
		}
		for _, l := range logs {
			if seen[l.ID] {
				t.Errorf("log %s returned twice", l.ID)
			}
			seen[l.ID] = true
		}
		last := logs[len(logs)-1]
		q.Cursor = &automation.LogCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	if len(seen) != 5 {
		t.Errorf("paged through %d logs, want 5", len(seen))
	}
}
