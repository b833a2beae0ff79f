package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/domain"
)

// --- InstrumentedSender ---

// InstrumentedSender wraps an automation.MessageSender with metrics, tracing, and anomaly detection.
type InstrumentedSender struct {
	inner   automation.MessageSender
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSender wraps a message sender with observability.
func NewInstrumentedSender(inner automation.MessageSender, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSender {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSender{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (s *InstrumentedSender) SendMessage(ctx context.Context, instanceID, to, content string) error {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "channel.send_message",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("instance.id", instanceID)))
		defer span.End()
	}

	start := time.Now()
	err := s.inner.SendMessage(ctx, instanceID, to, content)
	observeCall(ctx, s.metrics, s.tracer, s.anomaly, "send_message", "send_message:"+instanceID, start, err)
	return err
}

// --- InstrumentedAgentCaller ---

// InstrumentedAgentCaller wraps an automation.AgentCaller with metrics, tracing, and anomaly detection.
// A run that completes with status failed counts as an error.
type InstrumentedAgentCaller struct {
	inner   automation.AgentCaller
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedAgentCaller wraps an agent caller with observability.
func NewInstrumentedAgentCaller(inner automation.AgentCaller, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAgentCaller {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAgentCaller{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (c *InstrumentedAgentCaller) CallAgent(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "agent.call",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("agent.id", req.AgentID),
				attribute.String("agent.provider", req.ProviderID),
				attribute.String("agent.type", string(req.AgentType)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := c.inner.CallAgent(ctx, req)
	callErr := err
	if callErr == nil && res != nil && res.Status == domain.AgentRunFailed {
		callErr = errAgentRunFailed
	}
	observeCall(ctx, c.metrics, c.tracer, c.anomaly, "call_agent", "call_agent:"+req.AgentID, start, callErr)
	return res, err
}

var errAgentRunFailed = errors.New("agent run failed")

func observeCall(ctx context.Context, metrics *MetricsCollector, tracer trace.Tracer, anomaly *AnomalyDetector, kind, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		anomaly.RecordError(op)
	} else {
		anomaly.RecordSuccess(op)
	}

	if metrics != nil {
		metrics.OutboundCallsTotal.WithLabelValues(kind, status).Inc()
		metrics.OutboundCallDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// --- Execution observer ---

// ObserveExecutions wraps an execution logger so every recorded run feeds the
// anomaly detector under "automation:<id>". Skipped runs are ignored.
func ObserveExecutions(next automation.ExecutionLogger, anomaly *AnomalyDetector) automation.ExecutionLogger {
	if anomaly == nil {
		return next
	}
	return func(ctx context.Context, log *domain.AutomationLog) error {
		op := "automation:" + log.AutomationID.String()
		switch log.Status {
		case domain.StatusFailed:
			anomaly.RecordError(op)
		case domain.StatusSuccess:
			anomaly.RecordSuccess(op)
		}
		if next == nil {
			return nil
		}
		return next(ctx, log)
	}
}

var (
	_ automation.MessageSender = (*InstrumentedSender)(nil)
	_ automation.AgentCaller   = (*InstrumentedAgentCaller)(nil)
)
