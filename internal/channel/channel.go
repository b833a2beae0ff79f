// Package channel delivers outbound text messages through configured channel
// instances (Telegram bots, Slack workspaces, generic webhooks). It is the
// message sender behind the send_message automation action.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrUnknownInstance is returned when no instance is configured under an ID.
	ErrUnknownInstance = errors.New("unknown channel instance")
	// ErrNoSender is returned when no sender handles an instance's type.
	ErrNoSender = errors.New("no sender for channel type")
)

// Sender is the interface for a single channel backend.
type Sender interface {
	// Type returns the channel type identifier ("telegram", "slack", "webhook").
	Type() string
	// Send delivers text to a recipient of the given instance.
	Send(ctx context.Context, inst *Instance, to, text string) error
}

// Instance is one configured connection to a platform.
type Instance struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Config map[string]string `json:"-"` // bot_token, url, api_base ...
}

// Metrics holds Prometheus metrics for outbound messages.
type Metrics struct {
	MessagesSent *prometheus.CounterVec
}

// NewMetrics registers channel metrics. Returns nil when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omni",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by channel type and status.",
		}, []string{"type", "status"}),
	}
	reg.MustRegister(m.MessagesSent)
	return m
}

// Dispatcher routes messages to the Sender matching an instance's type.
// Thread-safe.
type Dispatcher struct {
	mu        sync.RWMutex
	senders   map[string]Sender
	instances map[string]*Instance

	metrics *Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with no senders or instances.
func NewDispatcher(metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		senders:   make(map[string]Sender),
		instances: make(map[string]*Instance),
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// AddInstance registers or replaces an instance. Its type must have a sender.
func (d *Dispatcher) AddInstance(inst Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("channel instance id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.senders[inst.Type]; !ok {
		return fmt.Errorf("instance %q: %w %q", inst.ID, ErrNoSender, inst.Type)
	}
	d.instances[inst.ID] = &inst
	return nil
}

// RemoveInstance drops an instance. Unknown IDs are ignored.
func (d *Dispatcher) RemoveInstance(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.instances, id)
}

// Instances lists configured instances sorted by ID.
func (d *Dispatcher) Instances() []Instance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendMessage delivers content to a recipient of an instance.
func (d *Dispatcher) SendMessage(ctx context.Context, instanceID, to, content string) error {
	d.mu.RLock()
	inst, ok := d.instances[instanceID]
	var sender Sender
	if ok {
		sender = d.senders[inst.Type]
	}
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownInstance, instanceID)
	}
	if sender == nil {
		return fmt.Errorf("instance %q: %w %q", instanceID, ErrNoSender, inst.Type)
	}

	if err := sender.Send(ctx, inst, to, content); err != nil {
		d.count(inst.Type, "failure")
		d.logger.WarnContext(ctx, "message send failed",
			slog.String("instance_id", instanceID),
			slog.String("type", inst.Type),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.count(inst.Type, "success")
	d.logger.InfoContext(ctx, "message sent",
		slog.String("instance_id", instanceID),
		slog.String("type", inst.Type),
	)
	return nil
}

func (d *Dispatcher) count(channelType, status string) {
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(channelType, status).Inc()
	}
}
