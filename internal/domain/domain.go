// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by stores and services. Wrap them with context.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// GlobalInstance is the instance key used for events that carry no instance.
const GlobalInstance = "global"

// Event is a message flowing through the event bus.
// Payload is an arbitrary JSON-like document (maps, slices, scalars).
type Event struct {
	ID        string
	Type      string
	Payload   map[string]any
	Metadata  EventMetadata
	Timestamp time.Time
}

// EventMetadata carries routing and tracing data for an Event.
type EventMetadata struct {
	CorrelationID string
	InstanceID    string
	PersonID      string
	Source        string
}

// InstanceKey returns the instance the event belongs to, or GlobalInstance.
func (e Event) InstanceKey() string {
	if e.Metadata.InstanceID != "" {
		return e.Metadata.InstanceID
	}
	return GlobalInstance
}

// --- Automations ---

// ConditionOperator is a comparison applied by a Condition.
type ConditionOperator string

const (
	OpEq          ConditionOperator = "eq"
	OpNeq         ConditionOperator = "neq"
	OpGt          ConditionOperator = "gt"
	OpLt          ConditionOperator = "lt"
	OpGte         ConditionOperator = "gte"
	OpLte         ConditionOperator = "lte"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
	OpRegex       ConditionOperator = "regex"
)

// ConditionLogic combines multiple conditions.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// Condition is a single field/operator/value test against an event payload.
type Condition struct {
	Field    string            `json:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=eq neq gt lt gte lte contains not_contains exists not_exists regex"`
	Value    any               `json:"value,omitempty"`
}

// ActionType identifies an action handler.
type ActionType string

const (
	ActionWebhook     ActionType = "webhook"
	ActionSendMessage ActionType = "send_message"
	ActionCallAgent   ActionType = "call_agent"
	ActionLog         ActionType = "log"
	ActionEmitEvent   ActionType = "emit_event"
)

// Action is one step of an automation. Config values may contain {{path}} templates.
type Action struct {
	Type   ActionType     `json:"type" validate:"required,oneof=webhook send_message call_agent log emit_event"`
	Config map[string]any `json:"config"`
}

// DebounceMode selects how repeated triggers are coalesced.
type DebounceMode string

const (
	DebounceNone     DebounceMode = "none"
	DebounceFixed    DebounceMode = "fixed"
	DebounceRange    DebounceMode = "range"
	DebouncePresence DebounceMode = "presence"
)

// DebounceConfig groups rapid messages of one conversation into a single execution.
type DebounceConfig struct {
	Mode           DebounceMode `json:"mode" validate:"required,oneof=none fixed range presence"`
	DelayMs        int          `json:"delayMs,omitempty" validate:"required_if=Mode fixed,gte=0"`
	MinMs          int          `json:"minMs,omitempty" validate:"gte=0"`
	MaxMs          int          `json:"maxMs,omitempty" validate:"required_if=Mode range,gtefield=MinMs"`
	BaseDelayMs    int          `json:"baseDelayMs,omitempty" validate:"required_if=Mode presence,gte=0"`
	MaxWaitMs      int          `json:"maxWaitMs,omitempty" validate:"gte=0"`
	ExtendOnEvents []string     `json:"extendOnEvents,omitempty"`
}

// Active reports whether the config coalesces anything.
func (d *DebounceConfig) Active() bool {
	return d != nil && d.Mode != "" && d.Mode != DebounceNone
}

// Automation is a persisted event-triggered rule.
type Automation struct {
	ID                uuid.UUID
	Name              string          `validate:"required,max=255"`
	Description       string          `validate:"max=2000"`
	TriggerEventType  string          `validate:"required,max=255"`
	TriggerConditions []Condition     `validate:"dive"`
	ConditionLogic    ConditionLogic  `validate:"omitempty,oneof=and or"` // Empty means "and".
	Actions           []Action        `validate:"required,min=1,dive"`
	Debounce          *DebounceConfig `validate:"omitempty"`
	Enabled           bool
	Priority          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Logic returns the effective condition logic.
func (a *Automation) Logic() ConditionLogic {
	if a.ConditionLogic == LogicOr && len(a.TriggerConditions) > 1 {
		return LogicOr
	}
	return LogicAnd
}

// ExecutionStatus is the outcome of an action or an automation run.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
)

// ActionResult is the outcome of a single action.
type ActionResult struct {
	Action     ActionType      `json:"action"`
	Status     ExecutionStatus `json:"status"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// ExecutionResult is the ephemeral outcome of running one automation against one event.
type ExecutionResult struct {
	AutomationID      uuid.UUID
	AutomationName    string
	EventID           string
	EventType         string
	Triggered         bool
	Status            ExecutionStatus
	ConditionsMatched bool
	Results           []ActionResult
	Error             string
	ExecutionTimeMs   int64
}

// AutomationLog is the persisted record of one execution attempt.
type AutomationLog struct {
	ID                uuid.UUID
	AutomationID      uuid.UUID
	EventID           string
	EventType         string
	Status            ExecutionStatus
	ConditionsMatched bool
	ActionsExecuted   []ActionResult
	Error             string
	ExecutionTimeMs   int64
	CreatedAt         time.Time
}

// --- Agent routes ---

// RouteScope selects what an AgentRoute is keyed on.
type RouteScope string

const (
	ScopeChat RouteScope = "chat"
	ScopeUser RouteScope = "user"
)

// AgentType is the kind of agent a route targets.
type AgentType string

const (
	AgentTypeAgent    AgentType = "agent"
	AgentTypeTeam     AgentType = "team"
	AgentTypeWorkflow AgentType = "workflow"
)

// AgentRoute maps a chat or a person within an instance to an agent configuration.
// Nil override fields inherit the instance default.
type AgentRoute struct {
	ID              uuid.UUID
	InstanceID      string     `validate:"required"`
	Scope           RouteScope `validate:"required,oneof=chat user"`
	ChatID          *string    // Set iff Scope == ScopeChat.
	PersonID        *string    // Set iff Scope == ScopeUser.
	AgentProviderID string     `validate:"required"`
	AgentID         string     `validate:"required,max=255"`
	AgentType       AgentType  `validate:"required,oneof=agent team workflow"`

	AgentTimeout          *int `validate:"omitempty,gte=1"` // Seconds.
	AgentStreamMode       *bool
	AgentReplyFilter      map[string]any
	AgentSessionStrategy  *string `validate:"omitempty,oneof=per_user per_chat per_user_per_chat"`
	AgentPrefixSenderName *bool
	AgentWaitForMedia     *bool
	AgentSendMediaPath    *bool
	AgentGateEnabled      *bool
	AgentGateModel        *string
	AgentGatePrompt       *string

	Label     string `validate:"max=255"`
	Priority  int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Agent calls ---

// SessionStrategy controls how agent memory sessions are keyed.
type SessionStrategy string

const (
	SessionPerUser        SessionStrategy = "per_user"
	SessionPerChat        SessionStrategy = "per_chat"
	SessionPerUserPerChat SessionStrategy = "per_user_per_chat"
)

// AgentCallRequest is what the call_agent action hands to an agent provider.
type AgentCallRequest struct {
	InstanceID       string
	ProviderID       string // Empty selects the default provider.
	AgentID          string
	AgentType        AgentType
	SessionStrategy  SessionStrategy
	PrefixSenderName bool
	ChatID           string
	SenderID         string
	SenderName       string
	Messages         []string
}

// SessionKey derives the agent session identifier from the strategy.
func (r AgentCallRequest) SessionKey() string {
	switch r.SessionStrategy {
	case SessionPerUser:
		return r.InstanceID + ":" + r.SenderID
	case SessionPerUserPerChat:
		return r.InstanceID + ":" + r.ChatID + ":" + r.SenderID
	default:
		return r.InstanceID + ":" + r.ChatID
	}
}

// AgentRunStatus is the terminal state of an agent run.
type AgentRunStatus string

const (
	AgentRunCompleted AgentRunStatus = "completed"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRunResult is the response of an agent provider.
type AgentRunResult struct {
	Parts        []string
	FullResponse string
	RunID        string
	SessionID    string
	Status       AgentRunStatus
}
