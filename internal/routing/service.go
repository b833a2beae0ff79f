package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ListFilter narrows route listings. Zero values match everything.
type ListFilter struct {
	Scope    domain.RouteScope
	IsActive *bool
}

// Store persists agent routes. Create returns an error wrapping
// domain.ErrConflict for duplicates; lookups wrap domain.ErrNotFound.
type Store interface {
	RouteStore
	List(ctx context.Context, instanceID string, filter ListFilter) ([]domain.AgentRoute, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.AgentRoute, error)
	Create(ctx context.Context, r *domain.AgentRoute) error
	Update(ctx context.Context, r *domain.AgentRoute) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RoutePatch is a partial update. Nil fields are left unchanged.
type RoutePatch struct {
	AgentProviderID       *string
	AgentID               *string
	AgentType             *domain.AgentType
	AgentTimeout          *int
	AgentStreamMode       *bool
	AgentReplyFilter      map[string]any
	AgentSessionStrategy  *string
	AgentPrefixSenderName *bool
	AgentWaitForMedia     *bool
	AgentSendMediaPath    *bool
	AgentGateEnabled      *bool
	AgentGateModel        *string
	AgentGatePrompt       *string
	Label                 *string
	Priority              *int
	IsActive              *bool
}

// Service manages agent routes and keeps the resolver cache coherent.
type Service struct {
	store    Store
	resolver *Resolver
	metrics  *Metrics
	logger   *slog.Logger
}

// NewService creates a route service.
func NewService(store Store, resolver *Resolver, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, resolver: resolver, metrics: metrics, logger: logger}
}

// List returns the routes of an instance ordered by priority (desc) then creation time.
func (s *Service) List(ctx context.Context, instanceID string, filter ListFilter) ([]domain.AgentRoute, error) {
	routes, err := s.store.List(ctx, instanceID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing agent routes: %w", err)
	}
	return routes, nil
}

// Get returns one route.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.AgentRoute, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err, "getting agent route")
	}
	return r, nil
}

// Create stores a new route for instanceID. AgentType defaults to "agent".
// IsActive is taken as given; callers decoding user input default it to true.
func (s *Service) Create(ctx context.Context, instanceID string, r *domain.AgentRoute) (*domain.AgentRoute, error) {
	r.InstanceID = instanceID
	if r.AgentType == "" {
		r.AgentType = domain.AgentTypeAgent
	}
	if err := ValidateRoute(r); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt, r.UpdatedAt = now, now

	if err := s.store.Create(ctx, r); err != nil {
		return nil, mapErr(err, "creating agent route")
	}
	s.mutated(ctx, "create", r)
	return r, nil
}

// Update applies a patch. Scope, chat and person are immutable.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch RoutePatch) (*domain.AgentRoute, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err, "getting agent route")
	}
	applyPatch(r, patch)
	if err := ValidateRoute(r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, r); err != nil {
		return nil, mapErr(err, "updating agent route")
	}
	s.mutated(ctx, "update", r)
	return r, nil
}

// Delete removes a route.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return mapErr(err, "getting agent route")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return mapErr(err, "deleting agent route")
	}
	s.mutated(ctx, "delete", r)
	return nil
}

// Resolve proxies to the resolver.
func (s *Service) Resolve(ctx context.Context, instanceID, chatID, personID string) (*domain.AgentRoute, error) {
	return s.resolver.Resolve(ctx, instanceID, chatID, personID)
}

// ResolverMetrics returns the resolver cache metrics.
func (s *Service) ResolverMetrics() ResolverMetrics {
	return s.resolver.Metrics()
}

func (s *Service) mutated(ctx context.Context, op string, r *domain.AgentRoute) {
	if s.resolver != nil {
		s.resolver.InvalidateInstance(r.InstanceID)
	}
	if s.metrics != nil {
		s.metrics.RouteMutations.WithLabelValues(op).Inc()
	}
	s.logger.InfoContext(ctx, "agent route "+op+"d",
		slog.String("route_id", r.ID.String()),
		slog.String("instance_id", r.InstanceID),
		slog.String("scope", string(r.Scope)),
	)
}

func applyPatch(r *domain.AgentRoute, p RoutePatch) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&r.AgentProviderID, p.AgentProviderID)
	set(&r.AgentID, p.AgentID)
	set(&r.Label, p.Label)
	if p.AgentType != nil {
		r.AgentType = *p.AgentType
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.AgentTimeout != nil {
		r.AgentTimeout = p.AgentTimeout
	}
	if p.AgentStreamMode != nil {
		r.AgentStreamMode = p.AgentStreamMode
	}
	if p.AgentReplyFilter != nil {
		r.AgentReplyFilter = p.AgentReplyFilter
	}
	if p.AgentSessionStrategy != nil {
		r.AgentSessionStrategy = p.AgentSessionStrategy
	}
	if p.AgentPrefixSenderName != nil {
		r.AgentPrefixSenderName = p.AgentPrefixSenderName
	}
	if p.AgentWaitForMedia != nil {
		r.AgentWaitForMedia = p.AgentWaitForMedia
	}
	if p.AgentSendMediaPath != nil {
		r.AgentSendMediaPath = p.AgentSendMediaPath
	}
	if p.AgentGateEnabled != nil {
		r.AgentGateEnabled = p.AgentGateEnabled
	}
	if p.AgentGateModel != nil {
		r.AgentGateModel = p.AgentGateModel
	}
	if p.AgentGatePrompt != nil {
		r.AgentGatePrompt = p.AgentGatePrompt
	}
}

// ValidateRoute checks field constraints and that exactly the identifier
// matching the scope is set.
func ValidateRoute(r *domain.AgentRoute) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", ErrInvalidRoute, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}

	hasChat := r.ChatID != nil && *r.ChatID != ""
	hasPerson := r.PersonID != nil && *r.PersonID != ""
	switch r.Scope {
	case domain.ScopeChat:
		if !hasChat || r.PersonID != nil {
			return fmt.Errorf("%w: chat scope requires chatId and no personId", ErrInvalidRoute)
		}
	case domain.ScopeUser:
		if !hasPerson || r.ChatID != nil {
			return fmt.Errorf("%w: user scope requires personId and no chatId", ErrInvalidRoute)
		}
	}
	return nil
}

func mapErr(err error, op string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, domain.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
