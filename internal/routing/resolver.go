// Package routing resolves which agent handles a chat or a person within a
// channel instance, backed by a short-lived in-memory cache.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/omni/internal/domain"
)

const (
	DefaultCacheEntries = 1000
	DefaultCacheTTL     = 30 * time.Second
)

var (
	// ErrNotFound is returned when a route does not exist.
	ErrNotFound = errors.New("agent route not found")
	// ErrConflict is returned when a route for the same chat or person already exists.
	ErrConflict = errors.New("agent route already exists")
	// ErrInvalidRoute wraps validation failures.
	ErrInvalidRoute = errors.New("invalid agent route")
)

// RouteStore looks up the best active route. FindActive returns (nil, nil)
// when nothing matches. Chat-scoped routes outrank user-scoped ones; within
// a scope higher priority wins. An empty personID never matches user routes.
type RouteStore interface {
	FindActive(ctx context.Context, instanceID, chatID, personID string) (*domain.AgentRoute, error)
}

// ResolverConfig sizes the resolver cache.
type ResolverConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// ResolverMetrics is a snapshot of cache effectiveness.
type ResolverMetrics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Invalidations int64   `json:"invalidations"`
	LastQueryMs   int64   `json:"lastQueryMs"`
	CacheSize     int     `json:"cacheSize"`
	HitRate       float64 `json:"hitRate"` // percent, two decimals
}

// Resolver answers "which agent handles this conversation".
type Resolver struct {
	store   RouteStore
	cache   *Cache[domain.AgentRoute]
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	lastQueryMs atomic.Int64
}

// NewResolver creates a Resolver.
func NewResolver(store RouteStore, cfg ResolverConfig, metrics *Metrics, tracer trace.Tracer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		cache:   NewCache[domain.AgentRoute](cfg.MaxEntries, cfg.TTL),
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
	}
}

// cacheKey quotes each part so separators inside IDs cannot collide, and an
// absent ID ("") stays distinct from any literal value.
func cacheKey(instanceID, chatID, personID string) string {
	return strconv.Quote(instanceID) + ":" + strconv.Quote(chatID) + ":" + strconv.Quote(personID)
}

// Resolve returns the route for the conversation, or nil when the instance
// default applies. Store errors propagate and are not cached. Only found
// routes are cached, so a route created for a new chat is picked up at once.
func (r *Resolver) Resolve(ctx context.Context, instanceID, chatID, personID string) (*domain.AgentRoute, error) {
	key := cacheKey(instanceID, chatID, personID)
	if route, ok := r.cache.Get(key); ok {
		r.observe("cache", "found")
		return cloneRoute(&route), nil
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "routing.resolve",
			trace.WithAttributes(
				attribute.String("instance.id", instanceID),
				attribute.Bool("routing.has_person", personID != ""),
			))
		defer span.End()
	}

	start := time.Now()
	route, err := r.store.FindActive(ctx, instanceID, chatID, personID)
	elapsed := time.Since(start)
	r.lastQueryMs.Store(elapsed.Milliseconds())
	if r.metrics != nil {
		r.metrics.QueryDuration.Observe(elapsed.Seconds())
	}

	if err != nil {
		r.observe("store", "error")
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("resolving route: %w", err)
	}
	if route == nil {
		r.observe("store", "none")
		r.logger.DebugContext(ctx, "no agent route, using instance default",
			slog.String("instance_id", instanceID),
			slog.String("chat_id", chatID),
		)
		return nil, nil
	}

	r.cache.Set(key, *cloneRoute(route))
	r.observe("store", "found")
	r.logger.DebugContext(ctx, "agent route resolved",
		slog.String("instance_id", instanceID),
		slog.String("route_id", route.ID.String()),
		slog.String("scope", string(route.Scope)),
		slog.Int64("query_ms", elapsed.Milliseconds()),
	)
	return cloneRoute(route), nil
}

// InvalidateRoute drops cached resolutions after a route changed. The cache
// has no reverse index, so everything is cleared.
func (r *Resolver) InvalidateRoute(routeID string) {
	r.invalidate()
	r.logger.Debug("route cache invalidated", slog.String("route_id", routeID))
}

// InvalidateInstance drops cached resolutions of an instance. Like
// InvalidateRoute it clears the whole cache.
func (r *Resolver) InvalidateInstance(instanceID string) {
	r.invalidate()
	r.logger.Debug("instance route cache invalidated", slog.String("instance_id", instanceID))
}

func (r *Resolver) invalidate() {
	r.cache.Clear()
	if r.metrics != nil {
		r.metrics.Invalidations.Inc()
	}
}

// Metrics returns cache counters and the hit rate.
func (r *Resolver) Metrics() ResolverMetrics {
	s := r.cache.Stats()
	var rate float64
	if total := s.Hits + s.Misses; total > 0 {
		rate = math.Round(float64(s.Hits)/float64(total)*10000) / 100
	}
	return ResolverMetrics{
		Hits:          s.Hits,
		Misses:        s.Misses,
		Sets:          s.Sets,
		Invalidations: s.Invalidations,
		LastQueryMs:   r.lastQueryMs.Load(),
		CacheSize:     s.Size,
		HitRate:       rate,
	}
}

func (r *Resolver) observe(source, result string) {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(source, result).Inc()
	}
}

// cloneRoute deep-copies a route so callers cannot mutate cached state.
func cloneRoute(r *domain.AgentRoute) *domain.AgentRoute {
	c := *r
	c.ChatID = clonePtr(r.ChatID)
	c.PersonID = clonePtr(r.PersonID)
	c.AgentTimeout = clonePtr(r.AgentTimeout)
	c.AgentStreamMode = clonePtr(r.AgentStreamMode)
	c.AgentReplyFilter = maps.Clone(r.AgentReplyFilter)
	c.AgentSessionStrategy = clonePtr(r.AgentSessionStrategy)
	c.AgentPrefixSenderName = clonePtr(r.AgentPrefixSenderName)
	c.AgentWaitForMedia = clonePtr(r.AgentWaitForMedia)
	c.AgentSendMediaPath = clonePtr(r.AgentSendMediaPath)
	c.AgentGateEnabled = clonePtr(r.AgentGateEnabled)
	c.AgentGateModel = clonePtr(r.AgentGateModel)
	c.AgentGatePrompt = clonePtr(r.AgentGatePrompt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
