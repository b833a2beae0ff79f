// Package agentcall connects the call_agent action to agent backends.
// A Registry holds named providers (websocket or MCP) and picks one per call.
package agentcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/omni/internal/domain"
)

// ErrUnknownProvider is returned when a call names a provider that is not registered.
var ErrUnknownProvider = errors.New("unknown agent provider")

// Provider runs one agent turn and returns its final response.
type Provider interface {
	Run(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error)
	Close() error
}

// Metrics holds Prometheus metrics for agent calls.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers agent call metrics. Returns nil when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "agentcall",
			Name:      "calls_total",
			Help:      "Agent calls by provider and status.",
		}, []string{"provider", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omni",
			Subsystem: "agentcall",
			Name:      "call_duration_seconds",
			Help:      "Agent call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
	}
	reg.MustRegister(m.Calls, m.Duration)
	return m
}

// Registry dispatches agent calls to registered providers. Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defaultID string

	metrics *Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		providers: make(map[string]Provider),
		metrics:   metrics,
		logger:    logger,
	}
}

// Register adds a provider. The first one registered becomes the default.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
	if r.defaultID == "" {
		r.defaultID = id
	}
}

// SetDefault selects the provider used when a call names none.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownProvider, id)
	}
	r.defaultID = id
	return nil
}

// Providers returns the registered provider IDs, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CallAgent runs req on its provider, or on the default provider when
// req.ProviderID is empty.
func (r *Registry) CallAgent(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error) {
	r.mu.RLock()
	id := req.ProviderID
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, id)
	}

	if req.PrefixSenderName && req.SenderName != "" {
		prefixed := make([]string, len(req.Messages))
		for i, m := range req.Messages {
			prefixed[i] = req.SenderName + ": " + m
		}
		req.Messages = prefixed
	}

	start := time.Now()
	res, err := p.Run(ctx, req)
	elapsed := time.Since(start)

	status := "completed"
	switch {
	case err != nil:
		status = "error"
	case res.Status != domain.AgentRunCompleted:
		status = string(res.Status)
	}
	if r.metrics != nil {
		r.metrics.Calls.WithLabelValues(id, status).Inc()
		r.metrics.Duration.WithLabelValues(id).Observe(elapsed.Seconds())
	}

	attrs := []any{
		slog.String("provider", id),
		slog.String("agent_id", req.AgentID),
		slog.String("session", req.SessionKey()),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if err != nil {
		r.logger.WarnContext(ctx, "agent call failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, fmt.Errorf("calling agent %q on %q: %w", req.AgentID, id, err)
	}
	r.logger.InfoContext(ctx, "agent call finished", append(attrs, slog.String("status", string(res.Status)))...)
	return res, nil
}

// Close closes every provider and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, p := range r.providers {
		if err := p.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing agent provider %q: %w", id, err)
		}
	}
	return first
}
