package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/omni/internal/domain"
)

// ErrEngineDisabled is returned by Start when no event bus is available.
var ErrEngineDisabled = errors.New("automation engine disabled: no event bus")

const (
	subscriptionID     = "automation-engine"
	defaultStopTimeout = 10 * time.Second
)

// State is the engine lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// EventBus is the subscription side of the event bus.
type EventBus interface {
	Subscribe(id string, handler func(context.Context, domain.Event))
	Unsubscribe(id string)
}

// ExecutionLogger persists the record of an execution attempt.
type ExecutionLogger func(ctx context.Context, log *domain.AutomationLog) error

// EngineConfig configures the automation engine.
type EngineConfig struct {
	Scheduler SchedulerConfig

	// StopTimeout bounds Stop when its context has no deadline. Zero means 10s.
	StopTimeout time.Duration
}

// EngineMetrics is the engine's live queue state.
type EngineMetrics struct {
	State           string               `json:"state"`
	Automations     int                  `json:"automations"`
	DebounceWindows int                  `json:"debounceWindows"`
	InstanceQueues  []InstanceQueueStats `json:"instanceQueues"`
}

// TestCondition is the per-condition outcome of a dry run.
type TestCondition struct {
	Field    string                   `json:"field"`
	Operator domain.ConditionOperator `json:"operator"`
	Matched  bool                     `json:"matched"`
}

// TestAction reports whether an action would run in a dry run.
type TestAction struct {
	Type         domain.ActionType `json:"type"`
	WouldExecute bool              `json:"wouldExecute"`
}

// TestResult is the outcome of TestAutomation. Nothing is executed or logged.
type TestResult struct {
	Matched    bool            `json:"matched"`
	Conditions []TestCondition `json:"conditions"`
	Actions    []TestAction    `json:"actions"`
	DryRun     bool            `json:"dryRun"`
}

// ruleSet is an immutable snapshot of the active automations.
type ruleSet struct {
	automations []domain.Automation
	debouncers  map[uuid.UUID]*Debouncer
}

// Engine subscribes to the event bus and runs matching automations.
type Engine struct {
	cfg       EngineConfig
	executor  *Executor
	scheduler *InstanceScheduler
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	state   atomic.Int32
	rules   atomic.Pointer[ruleSet]
	execLog atomic.Pointer[ExecutionLogger]

	mu     sync.Mutex // guards bus, runCtx and cancel
	bus    EventBus
	runCtx context.Context
	cancel context.CancelFunc
}

// NewEngine creates a stopped engine.
func NewEngine(cfg EngineConfig, deps Dependencies, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		executor:  NewExecutor(deps, logger),
		scheduler: NewInstanceScheduler(cfg.Scheduler, deps.Metrics, logger),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
	}
	e.rules.Store(&ruleSet{debouncers: map[uuid.UUID]*Debouncer{}})
	return e
}

// SetLogger sets the callback that persists execution records.
func (e *Engine) SetLogger(fn ExecutionLogger) {
	if fn == nil {
		e.execLog.Store(nil)
		return
	}
	e.execLog.Store(&fn)
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start subscribes to the bus and activates the given automations.
// Without a bus the engine stays stopped and ErrEngineDisabled is returned.
func (e *Engine) Start(ctx context.Context, bus EventBus, automations []domain.Automation) error {
	if bus == nil {
		e.logger.WarnContext(ctx, "automation engine disabled: event bus unavailable")
		return ErrEngineDisabled
	}
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("automation engine is %s", e.State())
	}

	e.mu.Lock()
	e.bus = bus
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	rs := e.buildRules(automations)
	e.rules.Store(rs)
	bus.Subscribe(subscriptionID, e.handleEvent)
	e.state.Store(int32(StateRunning))

	e.logger.InfoContext(ctx, "automation engine started",
		slog.Int("automations", len(rs.automations)),
		slog.Int("debounced", len(rs.debouncers)),
	)
	return nil
}

// Reload atomically replaces the active automations. Open debounce windows
// of the previous set are flushed. The bus subscription is kept.
func (e *Engine) Reload(automations []domain.Automation) {
	old := e.rules.Swap(e.buildRules(automations))
	if old != nil {
		for _, d := range old.debouncers {
			d.FlushAll()
		}
	}
	e.logger.Info("automations reloaded", slog.Int("automations", len(e.rules.Load().automations)))
}

// Stop unsubscribes, flushes debounce windows and drains queued work until
// ctx is done (or StopTimeout when ctx has no deadline). Work still queued
// after that is abandoned and running work is cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	e.mu.Lock()
	bus, cancel := e.bus, e.cancel
	e.mu.Unlock()

	if bus != nil {
		bus.Unsubscribe(subscriptionID)
	}
	for _, d := range e.rules.Load().debouncers {
		d.FlushAll()
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := e.cfg.StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, timeout)
		defer c()
	}

	err := e.scheduler.Wait(ctx)
	if err != nil {
		dropped := e.scheduler.Abandon()
		e.logger.Warn("automation engine stop deadline reached",
			slog.Int("abandoned", dropped),
			slog.String("error", err.Error()),
		)
		err = fmt.Errorf("draining automation queues: %w", err)
	}
	if cancel != nil {
		cancel()
	}

	e.state.Store(int32(StateStopped))
	e.logger.Info("automation engine stopped")
	return err
}

// Metrics returns the current queue state.
func (e *Engine) Metrics() EngineMetrics {
	rs := e.rules.Load()
	windows := 0
	for _, d := range rs.debouncers {
		windows += d.ActiveWindows()
	}
	return EngineMetrics{
		State:           e.State().String(),
		Automations:     len(rs.automations),
		DebounceWindows: windows,
		InstanceQueues:  e.scheduler.Snapshot(),
	}
}

// TestAutomation evaluates an automation against an event without running it.
// It matches only when the event type equals the trigger type and the
// conditions pass, the same rule Execute applies.
func (e *Engine) TestAutomation(a *domain.Automation, event domain.Event) TestResult {
	report := EvaluateConditions(a.TriggerConditions, a.Logic(), event.Payload)
	matched := event.Type == a.TriggerEventType && report.Matched
	res := TestResult{
		Matched:    matched,
		Conditions: make([]TestCondition, 0, len(report.Conditions)),
		Actions:    make([]TestAction, 0, len(a.Actions)),
		DryRun:     true,
	}
	for _, c := range report.Conditions {
		res.Conditions = append(res.Conditions, TestCondition{Field: c.Field, Operator: c.Operator, Matched: c.Matched})
	}
	for _, act := range a.Actions {
		res.Actions = append(res.Actions, TestAction{Type: act.Type, WouldExecute: matched})
	}
	return res
}

// Execute runs an automation against an event synchronously, through the
// instance scheduler. It ignores Enabled and debounce settings.
func (e *Engine) Execute(ctx context.Context, a *domain.Automation, event domain.Event) (*domain.ExecutionResult, error) {
	res := &domain.ExecutionResult{
		AutomationID:   a.ID,
		AutomationName: a.Name,
		EventID:        event.ID,
		EventType:      event.Type,
		Status:         domain.StatusSkipped,
		Results:        []domain.ActionResult{},
	}
	if event.Type != a.TriggerEventType {
		return res, nil
	}
	report := EvaluateConditions(a.TriggerConditions, a.Logic(), event.Payload)
	if !report.Matched {
		return res, nil
	}

	automation := *a
	tctx := NewTemplateContext(event.Payload, event.InstanceKey())
	done := make(chan *domain.ExecutionResult, 1)
	e.scheduler.Submit(event.InstanceKey(), func() {
		done <- e.run(ctx, &automation, event, tctx)
	})

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Event flow ---

func (e *Engine) buildRules(automations []domain.Automation) *ruleSet {
	rs := &ruleSet{debouncers: make(map[uuid.UUID]*Debouncer)}
	for _, a := range automations {
		if !a.Enabled {
			continue
		}
		rs.automations = append(rs.automations, a)
		if a.Debounce.Active() {
			rs.debouncers[a.ID] = NewDebouncer(*a.Debounce, e.flushFunc(a))
		}
	}
	return rs
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// handleEvent is the bus subscription. It never blocks on execution.
func (e *Engine) handleEvent(ctx context.Context, event domain.Event) {
	if e.State() != StateRunning {
		return
	}
	if e.metrics != nil {
		e.metrics.EventsReceived.Inc()
	}

	rs := e.rules.Load()
	instanceID := event.InstanceKey()
	fromID, fromName := stringAt(event.Payload, "from.id"), stringAt(event.Payload, "from.name")

	if strings.HasPrefix(event.Type, "presence.") && fromID != "" {
		key := ConversationKey(instanceID, fromID)
		for _, d := range rs.debouncers {
			d.Extend(key, event.Type)
		}
	}

	runCtx := trace.ContextWithSpanContext(e.runContext(), trace.SpanContextFromContext(ctx))

	for _, c := range Evaluate(event, rs.automations) {
		a := c.Automation
		if !c.Report.Matched {
			e.scheduler.Submit(instanceID, func() { e.recordSkipped(runCtx, &a, event) })
			continue
		}

		if d, ok := rs.debouncers[a.ID]; ok && fromID != "" {
			d.Add(ConversationKey(instanceID, fromID), debouncedMessage(event), Sender{ID: fromID, Name: fromName}, instanceID)
			continue
		}

		tctx := NewTemplateContext(event.Payload, instanceID)
		e.scheduler.Submit(instanceID, func() { e.run(runCtx, &a, event, tctx) })
	}
}

func debouncedMessage(event domain.Event) DebouncedMessage {
	msgType := firstNonEmpty(stringAt(event.Payload, "content.type"), "unknown")
	text := firstNonEmpty(stringAt(event.Payload, "content.text"), stringAt(event.Payload, "content"), stringAt(event.Payload, "text"))
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return DebouncedMessage{Type: msgType, Text: text, Timestamp: ts.UnixMilli(), Payload: event.Payload}
}

// flushFunc turns a closed debounce window into one execution of a, using the
// last message's payload and exposing all messages to templates.
func (e *Engine) flushFunc(a domain.Automation) FlushFunc {
	return func(_ string, messages []DebouncedMessage, from Sender, instanceID string) {
		if len(messages) == 0 {
			return
		}
		if e.metrics != nil {
			e.metrics.DebounceFlushes.Inc()
		}
		last := messages[len(messages)-1]

		tctx := NewTemplateContext(last.Payload, instanceID)
		tctx.Debounce = &DebounceContext{Messages: messages, From: from, InstanceID: instanceID}

		metaInstance := instanceID
		if metaInstance == domain.GlobalInstance {
			metaInstance = ""
		}
		event := domain.Event{
			ID:      uuid.NewString(),
			Type:    a.TriggerEventType,
			Payload: last.Payload,
			Metadata: domain.EventMetadata{
				CorrelationID: uuid.NewString(),
				InstanceID:    metaInstance,
			},
			Timestamp: time.Now(),
		}

		ctx := e.runContext()
		e.scheduler.Submit(instanceID, func() { e.run(ctx, &a, event, tctx) })
	}
}

// run executes the actions of a and records the outcome. Panics are
// recovered into a failed result.
func (e *Engine) run(ctx context.Context, a *domain.Automation, event domain.Event, tctx *TemplateContext) (res *domain.ExecutionResult) {
	start := time.Now()
	res = &domain.ExecutionResult{
		AutomationID:      a.ID,
		AutomationName:    a.Name,
		EventID:           event.ID,
		EventType:         event.Type,
		Triggered:         true,
		ConditionsMatched: true,
		Results:           []domain.ActionResult{},
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "automation.execute",
			trace.WithAttributes(
				attribute.String("automation.id", a.ID.String()),
				attribute.String("automation.name", a.Name),
				attribute.String("event.type", event.Type),
				attribute.String("instance.id", tctx.InstanceID),
			))
		defer span.End()
	}

	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			e.logger.ErrorContext(ctx, "automation panicked",
				slog.String("automation_id", a.ID.String()),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
		if span != nil && res.Status == domain.StatusFailed {
			span.SetStatus(codes.Error, res.Error)
		}
		e.record(ctx, res)
	}()

	res.Results = e.executor.ExecuteAll(ctx, a.Actions, tctx)
	res.Status = domain.StatusSuccess
	for _, r := range res.Results {
		if r.Status != domain.StatusSuccess {
			res.Status = domain.StatusFailed
			break
		}
	}
	return res
}

func (e *Engine) recordSkipped(ctx context.Context, a *domain.Automation, event domain.Event) {
	e.record(ctx, &domain.ExecutionResult{
		AutomationID:   a.ID,
		AutomationName: a.Name,
		EventID:        event.ID,
		EventType:      event.Type,
		Status:         domain.StatusSkipped,
		Results:        []domain.ActionResult{},
	})
}

// record emits metrics and the structured log line, then hands the result
// to the execution logger. Logger failures are logged and swallowed.
func (e *Engine) record(ctx context.Context, res *domain.ExecutionResult) {
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(res.Status)).Inc()
		if res.Status != domain.StatusSkipped {
			e.metrics.ExecutionDuration.Observe(float64(res.ExecutionTimeMs) / 1000)
		}
	}

	e.logger.InfoContext(ctx, "automation executed",
		slog.String("automation_id", res.AutomationID.String()),
		slog.String("automation_name", res.AutomationName),
		slog.String("event_id", res.EventID),
		slog.String("status", string(res.Status)),
		slog.Bool("conditions_matched", res.ConditionsMatched),
		slog.Int("actions", len(res.Results)),
		slog.Int64("execution_time_ms", res.ExecutionTimeMs),
	)

	fn := e.execLog.Load()
	if fn == nil {
		return
	}
	entry := &domain.AutomationLog{
		ID:                uuid.New(),
		AutomationID:      res.AutomationID,
		EventID:           res.EventID,
		EventType:         res.EventType,
		Status:            res.Status,
		ConditionsMatched: res.ConditionsMatched,
		ActionsExecuted:   res.Results,
		Error:             res.Error,
		ExecutionTimeMs:   res.ExecutionTimeMs,
		CreatedAt:         time.Now().UTC(),
	}
	if err := (*fn)(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WarnContext(ctx, "failed to persist automation log",
			slog.String("automation_id", res.AutomationID.String()),
			slog.String("error", err.Error()),
		)
	}
}
