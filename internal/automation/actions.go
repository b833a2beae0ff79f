package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/omni/internal/domain"
	"github.com/jkaninda/omni/internal/netguard"
)

// DefaultActionTimeout bounds an action that sets no timeout of its own.
const DefaultActionTimeout = 30 * time.Second

const maxWebhookResponse = 1 << 20

// MessageSender delivers a text message through a channel instance.
type MessageSender interface {
	SendMessage(ctx context.Context, instanceID, to, content string) error
}

// AgentCaller runs an agent and waits for its final response.
type AgentCaller interface {
	CallAgent(ctx context.Context, req domain.AgentCallRequest) (*domain.AgentRunResult, error)
}

// EventPublisher publishes events back onto the bus.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Dependencies are the collaborators actions call out to. Nil collaborators
// make the corresponding action fail with a descriptive error.
type Dependencies struct {
	Sender     MessageSender
	Agents     AgentCaller
	Publisher  EventPublisher
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Metrics    *Metrics

	// ActionTimeout applies when an action sets no timeoutMs. Zero means DefaultActionTimeout.
	ActionTimeout time.Duration

	// AllowPrivateNetworks lets webhooks target loopback and private addresses.
	AllowPrivateNetworks bool
}

// Executor runs automation actions.
type Executor struct {
	deps       Dependencies
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExecutor creates an action executor.
func NewExecutor(deps Dependencies, logger *slog.Logger) *Executor {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{
			// Redirects could lead to internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	timeout := deps.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		deps:       deps,
		httpClient: client,
		timeout:    timeout,
		logger:     logger,
	}
}

// --- Typed configs ---

type webhookConfig struct {
	URL             string            `json:"url" validate:"required"`
	Method          string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers         map[string]string `json:"headers,omitempty"`
	BodyTemplate    string            `json:"bodyTemplate,omitempty"`
	WaitForResponse bool              `json:"waitForResponse,omitempty"`
	TimeoutMs       int               `json:"timeoutMs,omitempty" validate:"gte=0"`
	ResponseAs      string            `json:"responseAs,omitempty"`
}

type sendMessageConfig struct {
	InstanceID      string `json:"instanceId,omitempty"`
	To              string `json:"to,omitempty"`
	ContentTemplate string `json:"contentTemplate" validate:"required"`
}

type emitEventConfig struct {
	EventType       string         `json:"eventType" validate:"required"`
	PayloadTemplate map[string]any `json:"payloadTemplate,omitempty"`
}

type logConfig struct {
	Level   string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Message string `json:"message" validate:"required"`
}

type callAgentConfig struct {
	AgentID          string `json:"agentId" validate:"required"`
	ProviderID       string `json:"providerId,omitempty"`
	AgentType        string `json:"agentType,omitempty" validate:"omitempty,oneof=agent team workflow"`
	SessionStrategy  string `json:"sessionStrategy,omitempty" validate:"omitempty,oneof=per_user per_chat per_user_per_chat"`
	PrefixSenderName bool   `json:"prefixSenderName,omitempty"`
	TimeoutMs        int    `json:"timeoutMs,omitempty" validate:"gte=0"`
	ResponseAs       string `json:"responseAs,omitempty"`
}

// decodeConfig converts an action's generic config map into its typed view.
func decodeConfig(raw map[string]any, dst any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding action config: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decoding action config: %w", err)
	}
	return nil
}

// --- Execution ---

type outcome struct {
	result any
	err    error
}

// ExecuteAll runs actions strictly in order. A failed action never stops the
// sequence. Successful webhook and call_agent results are stored under their
// responseAs name for the actions that follow.
func (e *Executor) ExecuteAll(ctx context.Context, actions []domain.Action, tctx *TemplateContext) []domain.ActionResult {
	if tctx == nil {
		tctx = NewTemplateContext(nil, "")
	}
	results := make([]domain.ActionResult, 0, len(actions))
	for _, action := range actions {
		res := e.Execute(ctx, action, tctx)
		results = append(results, res)
		if res.Status == domain.StatusSuccess && res.Result != nil {
			e.storeResponse(action, res.Result, tctx)
		}
	}
	return results
}

func (e *Executor) storeResponse(action domain.Action, result any, tctx *TemplateContext) {
	name, _ := action.Config["responseAs"].(string)
	if name == "" {
		return
	}
	switch action.Type {
	case domain.ActionWebhook:
		tctx.SetVariable(name, result)
	case domain.ActionCallAgent:
		if m, ok := result.(map[string]any); ok {
			tctx.SetVariable(name, m["response"])
		}
	}
}

// Execute runs a single action under its timeout and reports the outcome.
func (e *Executor) Execute(ctx context.Context, action domain.Action, tctx *TemplateContext) domain.ActionResult {
	start := time.Now()
	if tctx == nil {
		tctx = NewTemplateContext(nil, "")
	}

	if e.deps.Tracer != nil {
		var span trace.Span
		ctx, span = e.deps.Tracer.Start(ctx, "automation.action",
			trace.WithAttributes(attribute.String("automation.action", string(action.Type))))
		defer span.End()
	}

	out := e.run(ctx, action, tctx)

	res := domain.ActionResult{
		Action:     action.Type,
		Status:     domain.StatusSuccess,
		Result:     out.result,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if out.err != nil {
		res.Status = domain.StatusFailed
		res.Error = out.err.Error()
		if e.deps.Tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		e.logger.WarnContext(ctx, "automation action failed",
			slog.String("action", string(action.Type)),
			slog.String("error", res.Error),
		)
	}

	if m := e.deps.Metrics; m != nil {
		m.ActionsTotal.WithLabelValues(string(action.Type), string(res.Status)).Inc()
		m.ActionDuration.WithLabelValues(string(action.Type)).Observe(time.Since(start).Seconds())
	}
	return res
}

func (e *Executor) run(ctx context.Context, action domain.Action, tctx *TemplateContext) outcome {
	var handler func(context.Context, *TemplateContext) (any, error)
	timeout := e.timeout

	switch action.Type {
	case domain.ActionWebhook:
		var cfg webhookConfig
		if err := decodeConfig(action.Config, &cfg); err != nil {
			return outcome{err: err}
		}
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		handler = func(ctx context.Context, t *TemplateContext) (any, error) { return e.webhook(ctx, cfg, t) }
	case domain.ActionSendMessage:
		var cfg sendMessageConfig
		if err := decodeConfig(action.Config, &cfg); err != nil {
			return outcome{err: err}
		}
		handler = func(ctx context.Context, t *TemplateContext) (any, error) { return e.sendMessage(ctx, cfg, t) }
	case domain.ActionEmitEvent:
		var cfg emitEventConfig
		if err := decodeConfig(action.Config, &cfg); err != nil {
			return outcome{err: err}
		}
		handler = func(ctx context.Context, t *TemplateContext) (any, error) { return e.emitEvent(ctx, cfg, t) }
	case domain.ActionLog:
		var cfg logConfig
		if err := decodeConfig(action.Config, &cfg); err != nil {
			return outcome{err: err}
		}
		handler = func(ctx context.Context, t *TemplateContext) (any, error) { return e.log(ctx, cfg, t) }
	case domain.ActionCallAgent:
		var cfg callAgentConfig
		if err := decodeConfig(action.Config, &cfg); err != nil {
			return outcome{err: err}
		}
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		handler = func(ctx context.Context, t *TemplateContext) (any, error) { return e.callAgent(ctx, cfg, t) }
	default:
		return outcome{err: fmt.Errorf("unknown action type: %s", action.Type)}
	}

	return runWithTimeout(ctx, timeout, tctx.clone(), handler)
}

// runWithTimeout runs fn in its own goroutine so a handler that ignores its
// context still cannot hold the sequence past the deadline.
func runWithTimeout(ctx context.Context, timeout time.Duration, tctx *TemplateContext, fn func(context.Context, *TemplateContext) (any, error)) (out outcome) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		result, err := fn(ctx, tctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out = <-done:
		return out
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome{err: fmt.Errorf("action timed out after %s", timeout)}
		}
		return outcome{err: ctx.Err()}
	}
}

// clone copies the mutable parts of the context so a handler abandoned on
// timeout never races with later actions.
func (t *TemplateContext) clone() *TemplateContext {
	c := *t
	c.Variables = maps.Clone(t.Variables)
	return &c
}

// --- Handlers ---

func (e *Executor) webhook(ctx context.Context, cfg webhookConfig, tctx *TemplateContext) (any, error) {
	target := tctx.Resolve(cfg.URL)
	validate := netguard.ValidatePublicURL
	if e.deps.AllowPrivateNetworks {
		validate = func(_ context.Context, raw string) error { return netguard.ValidateURL(raw) }
	}
	if err := validate(ctx, target); err != nil {
		return nil, fmt.Errorf("webhook URL rejected: %w", err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet {
		if cfg.BodyTemplate != "" {
			body = strings.NewReader(tctx.Resolve(cfg.BodyTemplate))
		} else {
			raw, err := json.Marshal(tctx.Payload)
			if err != nil {
				return nil, fmt.Errorf("encoding payload: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Omni-Automation/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, tctx.Resolve(v))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	var result any = map[string]any{"status": resp.StatusCode}
	if cfg.WaitForResponse {
		result, err = parseResponse(resp)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return result, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}

func parseResponse(resp *http.Response) (any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding JSON response: %w", err)
		}
		return v, nil
	}
	return string(raw), nil
}

func (e *Executor) sendMessage(ctx context.Context, cfg sendMessageConfig, tctx *TemplateContext) (any, error) {
	if e.deps.Sender == nil {
		return nil, errors.New("message sender not configured")
	}

	instanceID := tctx.InstanceID
	if cfg.InstanceID != "" {
		instanceID = tctx.Resolve(cfg.InstanceID)
	}
	to := tctx.Resolve(cfg.To)
	content := tctx.Resolve(cfg.ContentTemplate)

	switch {
	case instanceID == "" || instanceID == domain.GlobalInstance:
		return nil, errors.New("instanceId is required")
	case to == "":
		return nil, errors.New("to is required")
	case content == "":
		return nil, errors.New("content is empty")
	}

	if err := e.deps.Sender.SendMessage(ctx, instanceID, to, content); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	return map[string]any{
		"instanceId":    instanceID,
		"to":            to,
		"contentLength": len(content),
	}, nil
}

func (e *Executor) emitEvent(ctx context.Context, cfg emitEventConfig, tctx *TemplateContext) (any, error) {
	if e.deps.Publisher == nil {
		return nil, errors.New("event bus not available")
	}

	payload := tctx.Payload
	if cfg.PayloadTemplate != nil {
		resolved, _ := tctx.ResolveValue(cfg.PayloadTemplate).(map[string]any)
		payload = resolved
	}

	eventType := tctx.Resolve(cfg.EventType)
	if eventType == "" {
		return nil, errors.New("eventType is empty")
	}

	correlationID, _ := tctx.Payload["correlationId"].(string)
	instanceID := tctx.InstanceID
	if instanceID == domain.GlobalInstance {
		instanceID = ""
	}
	event := domain.Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Payload: payload,
		Metadata: domain.EventMetadata{
			CorrelationID: correlationID,
			InstanceID:    instanceID,
			Source:        "automation",
		},
		Timestamp: time.Now(),
	}
	if err := e.deps.Publisher.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("publishing event: %w", err)
	}
	return map[string]any{"eventId": event.ID, "eventType": eventType}, nil
}

func (e *Executor) log(ctx context.Context, cfg logConfig, tctx *TemplateContext) (any, error) {
	message := tctx.Resolve(cfg.Message)
	level := cfg.Level
	if level == "" {
		level = "info"
	}

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	e.logger.Log(ctx, lvl, message,
		slog.String("source", "automation"),
		slog.String("instance_id", tctx.InstanceID),
	)
	return map[string]any{"level": level, "message": message}, nil
}

func (e *Executor) callAgent(ctx context.Context, cfg callAgentConfig, tctx *TemplateContext) (any, error) {
	if e.deps.Agents == nil {
		return nil, errors.New("agent caller not configured")
	}

	req, err := buildAgentRequest(cfg, tctx)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "calling agent",
		slog.String("instance_id", req.InstanceID),
		slog.String("chat_id", req.ChatID),
		slog.String("agent_id", req.AgentID),
	)

	run, err := e.deps.Agents.CallAgent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("calling agent: %w", err)
	}

	result := map[string]any{
		"response":  run.FullResponse,
		"runId":     run.RunID,
		"sessionId": run.SessionID,
	}
	if run.Status != domain.AgentRunCompleted {
		return result, errors.New("agent call failed")
	}
	return result, nil
}

// buildAgentRequest extracts chat, sender and content from the trigger payload.
func buildAgentRequest(cfg callAgentConfig, tctx *TemplateContext) (domain.AgentCallRequest, error) {
	p := tctx.Payload

	instanceID := stringAt(p, "instanceId")
	if instanceID == "" {
		instanceID = tctx.InstanceID
	}
	if instanceID == "" || instanceID == domain.GlobalInstance {
		return domain.AgentCallRequest{}, errors.New("instanceId is required")
	}

	fromID, fromName := stringAt(p, "from.id"), stringAt(p, "from.name")
	if tctx.Debounce != nil {
		fromID, fromName = tctx.Debounce.From.ID, tctx.Debounce.From.Name
	}

	chatID := firstNonEmpty(stringAt(p, "chatId"), fromID)
	senderID := firstNonEmpty(fromID, stringAt(p, "senderId"))
	senderName := firstNonEmpty(fromName, stringAt(p, "senderName"))
	if chatID == "" {
		return domain.AgentCallRequest{}, errors.New("chatId not found in payload")
	}
	if senderID == "" {
		return domain.AgentCallRequest{}, errors.New("senderId not found in payload")
	}

	var messages []string
	if tctx.Debounce != nil {
		for _, m := range tctx.Debounce.Messages {
			if m.Text != "" {
				messages = append(messages, m.Text)
			}
		}
	}
	if len(messages) == 0 {
		if content := firstNonEmpty(stringAt(p, "content"), stringAt(p, "content.text"), stringAt(p, "text")); content != "" {
			messages = []string{content}
		}
	}
	if len(messages) == 0 {
		return domain.AgentCallRequest{}, errors.New("message content not found in payload")
	}

	agentID := tctx.Resolve(cfg.AgentID)
	if agentID == "" {
		return domain.AgentCallRequest{}, errors.New("agentId is required")
	}

	agentType := domain.AgentType(cfg.AgentType)
	if agentType == "" {
		agentType = domain.AgentTypeAgent
	}

	return domain.AgentCallRequest{
		InstanceID:       instanceID,
		ProviderID:       tctx.Resolve(cfg.ProviderID),
		AgentID:          agentID,
		AgentType:        agentType,
		SessionStrategy:  domain.SessionStrategy(cfg.SessionStrategy),
		PrefixSenderName: cfg.PrefixSenderName,
		ChatID:           chatID,
		SenderID:         senderID,
		SenderName:       senderName,
		Messages:         messages,
	}, nil
}

// stringAt returns the string at path, or "" when absent or not a string.
func stringAt(payload map[string]any, path string) string {
	v, _ := Lookup(payload, path)
	s, _ := v.(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
