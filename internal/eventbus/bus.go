// Package eventbus is the in-process publish/subscribe hub that carries
// channel events to the automation engine.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/omni/internal/domain"
)

// ErrInvalidEvent is returned when an event has no type.
var ErrInvalidEvent = errors.New("event type is required")

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, event domain.Event)

// Metrics holds Prometheus metrics for the bus.
type Metrics struct {
	Published *prometheus.CounterVec
	Panics    prometheus.Counter
}

// NewMetrics registers bus metrics. Returns nil when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Events published by type.",
		}, []string{"type"}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "eventbus",
			Name:      "handler_panics_total",
			Help:      "Subscriber handlers that panicked.",
		}),
	}
	reg.MustRegister(m.Published, m.Panics)
	return m
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]subscription
	seq      int

	metrics *Metrics
	logger  *slog.Logger
}

type subscription struct {
	order   int
	handler Handler
}

// New creates an empty bus.
func New(metrics *Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]subscription),
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe registers handler under id, replacing any previous handler with that id.
func (b *Bus) Subscribe(id string, handler func(context.Context, domain.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[id] = subscription{order: b.seq, handler: handler}
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish delivers event to every subscriber. A missing ID or timestamp is
// filled in. A panicking handler is logged and does not affect the others.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if event.Type == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers))
	ids := make(map[int]string, len(b.handlers))
	for id, s := range b.handlers {
		subs = append(subs, s)
		ids[s.order] = id
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].order < subs[j].order })

	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(event.Type).Inc()
	}
	b.logger.DebugContext(ctx, "event published",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.Int("subscribers", len(subs)),
	)

	for _, s := range subs {
		b.deliver(ctx, ids[s.order], s.handler, event)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, id string, h Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.Panics.Inc()
			}
			b.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("subscriber", id),
				slog.String("event_type", event.Type),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	h(ctx, event)
}
