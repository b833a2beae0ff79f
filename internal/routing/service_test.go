package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

func newTestRouteService() (*Service, *memStore, *Resolver) {
	store := newMemStore()
	resolver := NewResolver(store, ResolverConfig{}, nil, nil, nil)
	return NewService(store, resolver, nil, nil), store, resolver
}

func TestService_CreateDefaults(t *testing.T) {
	svc, _, _ := newTestRouteService()
	r := &domain.AgentRoute{
		Scope:           domain.ScopeChat,
		ChatID:          ptr("c1"),
		AgentProviderID: "p",
		AgentID:         "a",
		IsActive:        true,
	}
	created, err := svc.Create(context.Background(), "i1", r)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == uuid.Nil || created.InstanceID != "i1" || created.AgentType != domain.AgentTypeAgent || created.CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", created)
	}
}

func TestService_CreateConflict(t *testing.T) {
	svc, _, _ := newTestRouteService()
	ctx := context.Background()
	first := chatRoute("", "c1", "a", 0)
	if _, err := svc.Create(ctx, "i1", &first); err != nil {
		t.Fatal(err)
	}
	dup := chatRoute("", "c1", "b", 5)
	if _, err := svc.Create(ctx, "i1", &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
	// Same chat on another instance is fine.
	other := chatRoute("", "c1", "b", 5)
	if _, err := svc.Create(ctx, "i2", &other); err != nil {
		t.Errorf("other instance: %v", err)
	}
}

func TestValidateRoute(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *domain.AgentRoute)
	}{
		{"chat scope without chat", func(r *domain.AgentRoute) { r.ChatID = nil }},
		{"chat scope with person", func(r *domain.AgentRoute) { r.PersonID = ptr("p1") }},
		{"user scope without person", func(r *domain.AgentRoute) { r.Scope = domain.ScopeUser }},
		{"unknown scope", func(r *domain.AgentRoute) { r.Scope = "group" }},
		{"missing agent", func(r *domain.AgentRoute) { r.AgentID = "" }},
		{"missing provider", func(r *domain.AgentRoute) { r.AgentProviderID = "" }},
		{"bad agent type", func(r *domain.AgentRoute) { r.AgentType = "bot" }},
		{"zero timeout", func(r *domain.AgentRoute) { r.AgentTimeout = ptr(0) }},
		{"bad session strategy", func(r *domain.AgentRoute) { r.AgentSessionStrategy = ptr("forever") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chatRoute("i1", "c1", "a", 0)
			tt.mutate(&r)
			if err := ValidateRoute(&r); !errors.Is(err, ErrInvalidRoute) {
				t.Errorf("got %v, want ErrInvalidRoute", err)
			}
		})
	}

	valid := userRoute("i1", "p1", "a", 0)
	valid.AgentSessionStrategy = ptr(string(domain.SessionPerChat))
	if err := ValidateRoute(&valid); err != nil {
		t.Errorf("valid user route rejected: %v", err)
	}
}

func TestService_MutationsInvalidateCache(t *testing.T) {
	svc, store, resolver := newTestRouteService()
	ctx := context.Background()
	r := chatRoute("", "c1", "a", 0)
	created, err := svc.Create(ctx, "i1", &r)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := svc.Resolve(ctx, "i1", "c1", "")
	if got == nil || got.AgentID != "a" {
		t.Fatalf("got %+v", got)
	}

	agent := "b"
	if _, err := svc.Update(ctx, created.ID, RoutePatch{AgentID: &agent}); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Resolve(ctx, "i1", "c1", "")
	if got == nil || got.AgentID != "b" {
		t.Errorf("stale route after update: %+v", got)
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Resolve(ctx, "i1", "c1", ""); got != nil {
		t.Errorf("route should be gone, got %+v", got)
	}
	if store.queryCount() != 3 {
		t.Errorf("got %d store queries, want 3", store.queryCount())
	}
	if m := resolver.Metrics(); m.Invalidations != 3 {
		t.Errorf("got %d invalidations, want 3", m.Invalidations)
	}
}

func TestService_UpdateValidatesAndKeepsScope(t *testing.T) {
	svc, _, _ := newTestRouteService()
	ctx := context.Background()
	r := userRoute("", "p1", "a", 0)
	created, err := svc.Create(ctx, "i1", &r)
	if err != nil {
		t.Fatal(err)
	}

	empty := ""
	if _, err := svc.Update(ctx, created.ID, RoutePatch{AgentID: &empty}); !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("got %v, want ErrInvalidRoute", err)
	}
	inactive := false
	updated, err := svc.Update(ctx, created.ID, RoutePatch{IsActive: &inactive, Priority: ptr(7)})
	if err != nil {
		t.Fatal(err)
	}
	if updated.IsActive || updated.Priority != 7 || updated.Scope != domain.ScopeUser {
		t.Errorf("got %+v", updated)
	}
	if got, _ := svc.Resolve(ctx, "i1", "", "p1"); got != nil {
		t.Errorf("inactive route resolved: %+v", got)
	}
}

func TestService_NotFound(t *testing.T) {
	svc, _, _ := newTestRouteService()
	ctx := context.Background()
	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: got %v", err)
	}
	if _, err := svc.Update(ctx, uuid.New(), RoutePatch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update: got %v", err)
	}
	if err := svc.Delete(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: got %v", err)
	}
}

func TestService_ListFilters(t *testing.T) {
	svc, _, _ := newTestRouteService()
	ctx := context.Background()
	for _, r := range []domain.AgentRoute{
		chatRoute("", "c1", "a", 1),
		chatRoute("", "c2", "b", 9),
		userRoute("", "p1", "c", 5),
	} {
		if _, err := svc.Create(ctx, "i1", &r); err != nil {
			t.Fatal(err)
		}
	}
	all, _ := svc.List(ctx, "i1", ListFilter{})
	if len(all) != 3 || all[0].AgentID != "b" || all[1].AgentID != "c" {
		t.Errorf("unexpected order: %+v", all)
	}
	chats, _ := svc.List(ctx, "i1", ListFilter{Scope: domain.ScopeChat})
	if len(chats) != 2 {
		t.Errorf("got %d chat routes, want 2", len(chats))
	}
	none, _ := svc.List(ctx, "i2", ListFilter{})
	if len(none) != 0 {
		t.Errorf("got %d routes for other instance", len(none))
	}
}
