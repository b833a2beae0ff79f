package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/omni/internal/domain"
	"github.com/jkaninda/omni/internal/routing"
)

// AgentRouteRepository implements agent route persistence with GORM.
type AgentRouteRepository struct {
	db *gorm.DB
}

// NewAgentRouteRepository creates an AgentRouteRepository.
func NewAgentRouteRepository(db *gorm.DB) *AgentRouteRepository {
	return &AgentRouteRepository{db: db}
}

// FindActive returns the best active route for a conversation: chat routes
// first, then user routes, each by priority descending. It returns (nil, nil)
// when nothing matches.
func (r *AgentRouteRepository) FindActive(ctx context.Context, instanceID, chatID, personID string) (*domain.AgentRoute, error) {
	var match *gorm.DB
	switch {
	case chatID != "" && personID != "":
		match = r.db.Where("scope = ? AND chat_id = ?", domain.ScopeChat, chatID).
			Or("scope = ? AND person_id = ?", domain.ScopeUser, personID)
	case chatID != "":
		match = r.db.Where("scope = ? AND chat_id = ?", domain.ScopeChat, chatID)
	case personID != "":
		match = r.db.Where("scope = ? AND person_id = ?", domain.ScopeUser, personID)
	default:
		return nil, nil
	}

	var model AgentRouteModel
	err := r.db.WithContext(ctx).
		Scopes(InstanceScope(instanceID), ActiveScope).
		Where(match).
		Scopes(RoutePrecedence).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active agent route: %w", err)
	}
	return toAgentRouteDomain(&model), nil
}

// List returns the routes of an instance ordered by priority (desc) then creation time.
func (r *AgentRouteRepository) List(ctx context.Context, instanceID string, filter routing.ListFilter) ([]domain.AgentRoute, error) {
	q := r.db.WithContext(ctx).
		Scopes(InstanceScope(instanceID)).
		Order("priority DESC").
		Order("created_at ASC")
	if filter.Scope != "" {
		q = q.Where("scope = ?", string(filter.Scope))
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}
	var models []AgentRouteModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agent routes: %w", err)
	}
	routes := make([]domain.AgentRoute, len(models))
	for i := range models {
		routes[i] = *toAgentRouteDomain(&models[i])
	}
	return routes, nil
}

// Get retrieves a route by ID.
func (r *AgentRouteRepository) Get(ctx context.Context, id uuid.UUID) (*domain.AgentRoute, error) {
	var model AgentRouteModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting agent route %s: %w", id, translateErr(err))
	}
	return toAgentRouteDomain(&model), nil
}

// Create persists a new route. Duplicate chat or person routes wrap domain.ErrConflict.
func (r *AgentRouteRepository) Create(ctx context.Context, route *domain.AgentRoute) error {
	model := toAgentRouteModel(route)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating agent route: %w", translateErr(err))
	}
	return nil
}

// Update overwrites every column of an existing route.
func (r *AgentRouteRepository) Update(ctx context.Context, route *domain.AgentRoute) error {
	model := toAgentRouteModel(route)
	result := r.db.WithContext(ctx).
		Model(&AgentRouteModel{ID: route.ID}).
		Select("*").
		Omit("created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating agent route %s: %w", route.ID, translateErr(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("agent route %s: %w", route.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a route.
func (r *AgentRouteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&AgentRouteModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting agent route %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("agent route %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// compile-time interface check
var _ routing.Store = (*AgentRouteRepository)(nil)
