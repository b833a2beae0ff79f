package automation

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

// --- In-memory stores ---

type memAutomationStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.Automation
}

func newMemAutomationStore() *memAutomationStore {
	return &memAutomationStore{items: map[uuid.UUID]domain.Automation{}}
}

func (m *memAutomationStore) List(_ context.Context, f ListFilter) ([]domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Automation
	for _, a := range m.items {
		if f.Enabled != nil && a.Enabled != *f.Enabled {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Automation) int { return compareAutomations(&a, &b) })
	return out, nil
}

func (m *memAutomationStore) Get(_ context.Context, id uuid.UUID) (*domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *memAutomationStore) Create(_ context.Context, a *domain.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.ID] = *a
	return nil
}

func (m *memAutomationStore) Update(_ context.Context, a *domain.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; !ok {
		return domain.ErrNotFound
	}
	m.items[a.ID] = *a
	return nil
}

func (m *memAutomationStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type memLogStore struct {
	mu   sync.Mutex
	logs []domain.AutomationLog
}

func (m *memLogStore) Append(_ context.Context, l *domain.AutomationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

func (m *memLogStore) Search(_ context.Context, q LogQuery) ([]domain.AutomationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AutomationLog
	for _, l := range m.logs {
		if q.AutomationID != nil && l.AutomationID != *q.AutomationID {
			continue
		}
		if q.Status != "" && l.Status != q.Status {
			continue
		}
		if q.EventType != "" && l.EventType != q.EventType {
			continue
		}
		if q.Cursor != nil && !q.Cursor.Precedes(&l) {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b domain.AutomationLog) int {
		if c := cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano()); c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memLogStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func newTestService(t *testing.T) (*Service, *Engine, *fakeBus) {
	t.Helper()
	engine := NewEngine(EngineConfig{}, Dependencies{AllowPrivateNetworks: true}, nil)
	svc := NewService(newMemAutomationStore(), &memLogStore{}, engine, nil)
	engine.SetLogger(svc.LogExecution)
	bus := newFakeBus()
	if err := engine.Start(context.Background(), bus, nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return svc, engine, bus
}

// --- CRUD ---

func TestService_CreateReloadsEngine(t *testing.T) {
	svc, engine, bus := newTestService(t)
	a := testAutomation("hello", "message.received", 1)
	a.ID = uuid.Nil

	created, err := svc.Create(context.Background(), &a)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == uuid.Nil || created.CreatedAt.IsZero() || created.ConditionLogic != domain.LogicAnd {
		t.Errorf("defaults not applied: %+v", created)
	}
	if engine.Metrics().Automations != 1 {
		t.Fatalf("engine not reloaded")
	}

	bus.publish(domain.Event{ID: "ev-1", Type: "message.received"})
	waitFor(t, func() bool {
		page, _ := svc.GetLogs(context.Background(), created.ID, LogQuery{})
		return page != nil && len(page.Items) == 1
	})
}

func TestService_CreateInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := testAutomation("", "e", 0)
	if _, err := svc.Create(context.Background(), &a); !errors.Is(err, ErrInvalidAutomation) {
		t.Errorf("got %v, want ErrInvalidAutomation", err)
	}
}

func TestService_UpdateEnableDisableDelete(t *testing.T) {
	svc, engine, _ := newTestService(t)
	ctx := context.Background()
	a := testAutomation("toggle", "e", 0)
	created, err := svc.Create(ctx, &a)
	if err != nil {
		t.Fatal(err)
	}

	name := "renamed"
	updated, err := svc.Update(ctx, created.ID, AutomationPatch{Name: &name})
	if err != nil || updated.Name != "renamed" {
		t.Fatalf("Update: %v, %+v", err, updated)
	}

	if _, err := svc.Disable(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if engine.Metrics().Automations != 0 {
		t.Error("disabled automation should leave the engine")
	}
	off := false
	if list, _ := svc.List(ctx, &off); len(list) != 1 {
		t.Errorf("got %d disabled automations, want 1", len(list))
	}
	if _, err := svc.Enable(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if engine.Metrics().Automations != 1 {
		t.Error("enabled automation should join the engine")
	}

	badActions := []domain.Action{}
	if _, err := svc.Update(ctx, created.ID, AutomationPatch{Actions: &badActions}); !errors.Is(err, ErrInvalidAutomation) {
		t.Errorf("got %v, want ErrInvalidAutomation", err)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestService_ListOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, a := range []domain.Automation{
		testAutomation("b", "e", 1),
		testAutomation("a", "e", 1),
		testAutomation("z", "e", 9),
	} {
		if _, err := svc.Create(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}
	list, err := svc.List(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(list); got[0] != "z" || got[1] != "a" || got[2] != "b" {
		t.Errorf("got %v, want [z a b]", got)
	}
}

// --- Test / Execute ---

func TestService_TestAndExecute(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	a := testAutomation("manual", "message.received", 0)
	created, err := svc.Create(ctx, &a)
	if err != nil {
		t.Fatal(err)
	}

	tr, err := svc.Test(ctx, created.ID, domain.Event{Type: "message.received"})
	if err != nil || !tr.Matched || !tr.DryRun {
		t.Fatalf("Test: %v %+v", err, tr)
	}

	res, err := svc.Execute(ctx, created.ID, domain.Event{Type: "message.sent"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Triggered || len(res.Results) != 0 {
		t.Errorf("type mismatch should not trigger: %+v", res)
	}

	res, err = svc.Execute(ctx, created.ID, domain.Event{Type: "message.received"})
	if err != nil || !res.Triggered || res.EventID == "" {
		t.Errorf("Execute: %v %+v", err, res)
	}

	if _, err := svc.Execute(ctx, uuid.New(), domain.Event{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// --- Logs ---

func TestService_SearchLogsPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := domain.StatusSuccess
		if i%2 == 1 {
			status = domain.StatusFailed
		}
		err := svc.LogExecution(ctx, &domain.AutomationLog{
			AutomationID: id,
			EventType:    "e",
			Status:       status,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.SearchLogs(ctx, LogQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || !page.HasMore || page.Cursor == nil {
		t.Fatalf("got %+v", page)
	}
	if !page.Items[0].CreatedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("newest first expected, got %v", page.Items[0].CreatedAt)
	}

	page2, err := svc.SearchLogs(ctx, LogQuery{Limit: 2, Cursor: page.Cursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Items) != 2 || !page2.HasMore {
		t.Fatalf("got %+v", page2)
	}
	page3, _ := svc.SearchLogs(ctx, LogQuery{Limit: 2, Cursor: page2.Cursor})
	if len(page3.Items) != 1 || page3.HasMore || page3.Cursor != nil {
		t.Errorf("got %+v, want last page", page3)
	}

	failed, _ := svc.GetLogs(ctx, id, LogQuery{Status: domain.StatusFailed})
	if len(failed.Items) != 2 {
		t.Errorf("got %d failed logs, want 2", len(failed.Items))
	}

	empty, _ := svc.GetLogs(ctx, uuid.New(), LogQuery{})
	if empty.Items == nil || len(empty.Items) != 0 {
		t.Errorf("got %+v, want empty non-nil items", empty.Items)
	}
}

func TestService_SearchLogsLimitClamp(t *testing.T) {
	logs := &memLogStore{}
	svc := NewService(newMemAutomationStore(), logs, nil, nil)
	for i := 0; i < 120; i++ {
		_ = svc.LogExecution(context.Background(), &domain.AutomationLog{CreatedAt: time.Now().Add(-time.Duration(i) * time.Second)})
	}
	page, _ := svc.SearchLogs(context.Background(), LogQuery{Limit: 1000})
	if len(page.Items) != maxLogLimit || !page.HasMore {
		t.Errorf("got %d items, want %d", len(page.Items), maxLogLimit)
	}
	page, _ = svc.SearchLogs(context.Background(), LogQuery{})
	if len(page.Items) != defaultLogLimit {
		t.Errorf("got %d items, want %d", len(page.Items), defaultLogLimit)
	}
}

func TestService_SearchLogsSharedTimestamp(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	want := map[uuid.UUID]bool{}
	for i := 0; i < 5; i++ {
		l := &domain.AutomationLog{AutomationID: uuid.New(), Status: domain.StatusSuccess, CreatedAt: at}
		if err := svc.LogExecution(ctx, l); err != nil {
			t.Fatal(err)
		}
		want[l.ID] = true
	}

	seen := map[uuid.UUID]bool{}
	q := LogQuery{Limit: 2}
	for pages := 0; pages < 5; pages++ {
		page, err := svc.SearchLogs(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		for _, l := range page.Items {
			if seen[l.ID] {
				t.Errorf("log %s returned twice", l.ID)
			}
			seen[l.ID] = true
		}
		if !page.HasMore {
			break
		}
		q.Cursor = page.Cursor
	}
	if len(seen) != len(want) {
		t.Errorf("paged through %d logs, want %d", len(seen), len(want))
	}
}

func TestLogCursor_TextRoundTrip(t *testing.T) {
	c := LogCursor{CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC), ID: uuid.New()}
	raw, err := c.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var got LogCursor
	if err := got.UnmarshalText(raw); err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Errorf("got %+v, want %+v", got, c)
	}

	bare, err := ParseLogCursor("2026-03-01T10:00:00Z")
	if err != nil || bare.ID != uuid.Nil {
		t.Errorf("bare time cursor: %+v %v", bare, err)
	}
	same := &domain.AutomationLog{ID: uuid.New(), CreatedAt: bare.CreatedAt}
	if bare.Precedes(same) {
		t.Error("bare time cursor must exclude logs at the same instant")
	}
	for _, bad := range []string{"yesterday", "2026-03-01T10:00:00Z_nope"} {
		if _, err := ParseLogCursor(bad); err == nil {
			t.Errorf("ParseLogCursor(%q) should fail", bad)
		}
	}
}
