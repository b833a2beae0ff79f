package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/omni/internal/domain"
)

var (
	// ErrNotFound is returned when an automation does not exist.
	ErrNotFound = errors.New("automation not found")
	// ErrInvalidAutomation wraps validation failures.
	ErrInvalidAutomation = errors.New("invalid automation")
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 100
)

// ListFilter narrows automation listings.
type ListFilter struct {
	Enabled *bool
}

// AutomationStore persists automations. Implementations return an error
// wrapping domain.ErrNotFound for unknown IDs.
type AutomationStore interface {
	List(ctx context.Context, filter ListFilter) ([]domain.Automation, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Automation, error)
	Create(ctx context.Context, a *domain.Automation) error
	Update(ctx context.Context, a *domain.Automation) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// LogQuery filters execution logs. Cursor is the last item of the previous
// page; results sort after it.
type LogQuery struct {
	AutomationID *uuid.UUID
	Status       domain.ExecutionStatus
	EventType    string
	Cursor       *LogCursor
	Limit        int
}

// LogPage is one page of execution logs, newest first.
type LogPage struct {
	Items   []domain.AutomationLog `json:"items"`
	HasMore bool                   `json:"hasMore"`
	Cursor  *LogCursor             `json:"cursor,omitempty"`
}

// LogCursor is a position in the log order: CreatedAt descending, then ID
// descending, so logs sharing a timestamp still page without gaps.
// It encodes as "<RFC 3339 time>_<id>".
type LogCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func cursorOf(l *domain.AutomationLog) *LogCursor {
	return &LogCursor{CreatedAt: l.CreatedAt.UTC(), ID: l.ID}
}

// Precedes reports whether l belongs after the cursor.
func (c LogCursor) Precedes(l *domain.AutomationLog) bool {
	if !l.CreatedAt.Equal(c.CreatedAt) {
		return l.CreatedAt.Before(c.CreatedAt)
	}
	return bytes.Compare(l.ID[:], c.ID[:]) < 0
}

func (c LogCursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "_" + c.ID.String()
}

func (c LogCursor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *LogCursor) UnmarshalText(b []byte) error {
	parsed, err := ParseLogCursor(string(b))
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// ParseLogCursor decodes a cursor. A bare RFC 3339 time selects logs
// strictly older than it.
func ParseLogCursor(s string) (*LogCursor, error) {
	ts, rawID, hasID := strings.Cut(s, "_")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("invalid log cursor time: %w", err)
	}
	c := &LogCursor{CreatedAt: at.UTC()}
	if hasID {
		if c.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("invalid log cursor id: %w", err)
		}
	}
	return c, nil
}

// LogStore persists execution logs. Search returns at most q.Limit rows
// ordered by CreatedAt then ID, both descending.
type LogStore interface {
	Append(ctx context.Context, log *domain.AutomationLog) error
	Search(ctx context.Context, q LogQuery) ([]domain.AutomationLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AutomationPatch is a partial update. Nil fields are left unchanged.
type AutomationPatch struct {
	Name              *string
	Description       *string
	TriggerEventType  *string
	TriggerConditions *[]domain.Condition
	ConditionLogic    *domain.ConditionLogic
	Actions           *[]domain.Action
	Debounce          **domain.DebounceConfig
	Enabled           *bool
	Priority          *int
}

// Service manages automations and keeps the engine in sync with the store.
type Service struct {
	store  AutomationStore
	logs   LogStore
	engine *Engine
	logger *slog.Logger
}

// NewService creates the automation service. engine may be nil, in which
// case Test, Execute and Reload are unavailable.
func NewService(store AutomationStore, logs LogStore, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logs: logs, engine: engine, logger: logger}
}

// List returns automations ordered by priority (desc) then name.
func (s *Service) List(ctx context.Context, enabled *bool) ([]domain.Automation, error) {
	items, err := s.store.List(ctx, ListFilter{Enabled: enabled})
	if err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	return items, nil
}

// Get returns one automation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.mapErr(err, "getting automation")
	}
	return a, nil
}

// Create validates and stores a new automation, then reloads the engine.
func (s *Service) Create(ctx context.Context, a *domain.Automation) (*domain.Automation, error) {
	if a.ConditionLogic == "" {
		a.ConditionLogic = domain.LogicAnd
	}
	if err := Validate(a); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt, a.UpdatedAt = now, now

	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating automation: %w", err)
	}
	s.logger.InfoContext(ctx, "automation created",
		slog.String("automation_id", a.ID.String()),
		slog.String("name", a.Name),
	)
	s.reload(ctx)
	return a, nil
}

// Update applies a patch, validates the result, then reloads the engine.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch AutomationPatch) (*domain.Automation, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.mapErr(err, "getting automation")
	}
	applyPatch(a, patch)
	if err := Validate(a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, a); err != nil {
		return nil, s.mapErr(err, "updating automation")
	}
	s.reload(ctx)
	return a, nil
}

func applyPatch(a *domain.Automation, p AutomationPatch) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.TriggerEventType != nil {
		a.TriggerEventType = *p.TriggerEventType
	}
	if p.TriggerConditions != nil {
		a.TriggerConditions = *p.TriggerConditions
	}
	if p.ConditionLogic != nil {
		a.ConditionLogic = *p.ConditionLogic
	}
	if p.Actions != nil {
		a.Actions = *p.Actions
	}
	if p.Debounce != nil {
		a.Debounce = *p.Debounce
	}
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		a.Priority = *p.Priority
	}
}

// Delete removes an automation, then reloads the engine.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return s.mapErr(err, "deleting automation")
	}
	s.logger.InfoContext(ctx, "automation deleted", slog.String("automation_id", id.String()))
	s.reload(ctx)
	return nil
}

// Enable turns an automation on.
func (s *Service) Enable(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	on := true
	return s.Update(ctx, id, AutomationPatch{Enabled: &on})
}

// Disable turns an automation off.
func (s *Service) Disable(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	off := false
	return s.Update(ctx, id, AutomationPatch{Enabled: &off})
}

// Test dry-runs a stored automation against an event.
func (s *Service) Test(ctx context.Context, id uuid.UUID, event domain.Event) (*TestResult, error) {
	if s.engine == nil {
		return nil, ErrEngineDisabled
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := s.engine.TestAutomation(a, event)
	return &res, nil
}

// Execute runs a stored automation against an event synchronously.
func (s *Service) Execute(ctx context.Context, id uuid.UUID, event domain.Event) (*domain.ExecutionResult, error) {
	if s.engine == nil {
		return nil, ErrEngineDisabled
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return s.engine.Execute(ctx, a, event)
}

// LogExecution persists an execution record. It is the engine's ExecutionLogger.
func (s *Service) LogExecution(ctx context.Context, log *domain.AutomationLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if err := s.logs.Append(ctx, log); err != nil {
		return fmt.Errorf("appending automation log: %w", err)
	}
	return nil
}

// GetLogs returns execution logs of one automation.
func (s *Service) GetLogs(ctx context.Context, automationID uuid.UUID, q LogQuery) (*LogPage, error) {
	q.AutomationID = &automationID
	return s.SearchLogs(ctx, q)
}

// SearchLogs returns one page of logs. It fetches one extra row to decide HasMore.
func (s *Service) SearchLogs(ctx context.Context, q LogQuery) (*LogPage, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	q.Limit = limit + 1

	rows, err := s.logs.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("searching automation logs: %w", err)
	}

	page := &LogPage{Items: rows}
	if len(rows) > limit {
		page.HasMore = true
		page.Items = rows[:limit]
	}
	if page.Items == nil {
		page.Items = []domain.AutomationLog{}
	}
	if page.HasMore {
		page.Cursor = cursorOf(&page.Items[len(page.Items)-1])
	}
	return page, nil
}

// Reload pushes the stored automations into the engine.
func (s *Service) Reload(ctx context.Context) error {
	if s.engine == nil {
		return nil
	}
	items, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}
	s.engine.Reload(items)
	return nil
}

// LoadEnabled returns the automations the engine should start with.
func (s *Service) LoadEnabled(ctx context.Context) ([]domain.Automation, error) {
	on := true
	return s.List(ctx, &on)
}

func (s *Service) reload(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		s.logger.WarnContext(ctx, "automation reload failed", slog.String("error", err.Error()))
	}
}

func (s *Service) mapErr(err error, op string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
