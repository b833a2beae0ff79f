package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/domain"
)

// **** Automation request/response types ****

// AutomationRequest is the JSON body for POST /v1/automations.
type AutomationRequest struct {
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	TriggerEventType  string                 `json:"triggerEventType"`
	TriggerConditions []domain.Condition     `json:"triggerConditions,omitempty"`
	ConditionLogic    domain.ConditionLogic  `json:"conditionLogic,omitempty"`
	Actions           []domain.Action        `json:"actions"`
	Debounce          *domain.DebounceConfig `json:"debounce,omitempty"`
	Enabled           *bool                  `json:"enabled,omitempty"` // Pointer to distinguish absent from false.
	Priority          int                    `json:"priority,omitempty"`
}

// AutomationUpdateRequest is the JSON body for PUT /v1/automations/{id}.
// Absent fields are left unchanged; "debounce": null removes debouncing.
type AutomationUpdateRequest struct {
	Name              *string                `json:"name,omitempty"`
	Description       *string                `json:"description,omitempty"`
	TriggerEventType  *string                `json:"triggerEventType,omitempty"`
	TriggerConditions *[]domain.Condition    `json:"triggerConditions,omitempty"`
	ConditionLogic    *domain.ConditionLogic `json:"conditionLogic,omitempty"`
	Actions           *[]domain.Action       `json:"actions,omitempty"`
	Debounce          json.RawMessage        `json:"debounce,omitempty"`
	Enabled           *bool                  `json:"enabled,omitempty"`
	Priority          *int                   `json:"priority,omitempty"`
}

// AutomationResponse is the JSON response for automation endpoints.
type AutomationResponse struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description"`
	TriggerEventType  string                 `json:"triggerEventType"`
	TriggerConditions []domain.Condition     `json:"triggerConditions"`
	ConditionLogic    domain.ConditionLogic  `json:"conditionLogic"`
	Actions           []domain.Action        `json:"actions"`
	Debounce          *domain.DebounceConfig `json:"debounce,omitempty"`
	Enabled           bool                   `json:"enabled"`
	Priority          int                    `json:"priority"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

func toAutomationResponse(a *domain.Automation) AutomationResponse {
	conds := a.TriggerConditions
	if conds == nil {
		conds = []domain.Condition{}
	}
	return AutomationResponse{
		ID:                a.ID.String(),
		Name:              a.Name,
		Description:       a.Description,
		TriggerEventType:  a.TriggerEventType,
		TriggerConditions: conds,
		ConditionLogic:    a.ConditionLogic,
		Actions:           a.Actions,
		Debounce:          a.Debounce,
		Enabled:           a.Enabled,
		Priority:          a.Priority,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

// EventRequest is the JSON body for event ingestion and for test/execute.
type EventRequest struct {
	ID            string         `json:"id,omitempty"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	InstanceID    string         `json:"instanceId,omitempty"`
	PersonID      string         `json:"personId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

func (r EventRequest) toEvent(source string) domain.Event {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Event{
		ID:      r.ID,
		Type:    r.Type,
		Payload: payload,
		Metadata: domain.EventMetadata{
			CorrelationID: r.CorrelationID,
			InstanceID:    r.InstanceID,
			PersonID:      r.PersonID,
			Source:        source,
		},
	}
}

// ExecutionResponse is the JSON response for POST /v1/automations/{id}/execute.
type ExecutionResponse struct {
	AutomationID      string                `json:"automationId"`
	AutomationName    string                `json:"automationName"`
	EventID           string                `json:"eventId"`
	EventType         string                `json:"eventType"`
	Triggered         bool                  `json:"triggered"`
	Status            string                `json:"status"`
	ConditionsMatched bool                  `json:"conditionsMatched"`
	Results           []domain.ActionResult `json:"results"`
	Error             string                `json:"error,omitempty"`
	ExecutionTimeMs   int64                 `json:"executionTimeMs"`
}

func toExecutionResponse(r *domain.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		AutomationID:      r.AutomationID.String(),
		AutomationName:    r.AutomationName,
		EventID:           r.EventID,
		EventType:         r.EventType,
		Triggered:         r.Triggered,
		Status:            string(r.Status),
		ConditionsMatched: r.ConditionsMatched,
		Results:           r.Results,
		Error:             r.Error,
		ExecutionTimeMs:   r.ExecutionTimeMs,
	}
}

// LogResponse is one execution log entry.
type LogResponse struct {
	ID                string                `json:"id"`
	AutomationID      string                `json:"automationId"`
	EventID           string                `json:"eventId"`
	EventType         string                `json:"eventType"`
	Status            string                `json:"status"`
	ConditionsMatched bool                  `json:"conditionsMatched"`
	ActionsExecuted   []domain.ActionResult `json:"actionsExecuted"`
	Error             string                `json:"error,omitempty"`
	ExecutionTimeMs   int64                 `json:"executionTimeMs"`
	CreatedAt         time.Time             `json:"createdAt"`
}

// LogPageResponse is one page of execution logs, newest first.
type LogPageResponse struct {
	Items   []LogResponse `json:"items"`
	HasMore bool          `json:"hasMore"`
	Cursor  string        `json:"cursor,omitempty"`
}

func toLogPageResponse(p *automation.LogPage) LogPageResponse {
	items := make([]LogResponse, len(p.Items))
	for i, l := range p.Items {
		actions := l.ActionsExecuted
		if actions == nil {
			actions = []domain.ActionResult{}
		}
		items[i] = LogResponse{
			ID:                l.ID.String(),
			AutomationID:      l.AutomationID.String(),
			EventID:           l.EventID,
			EventType:         l.EventType,
			Status:            string(l.Status),
			ConditionsMatched: l.ConditionsMatched,
			ActionsExecuted:   actions,
			Error:             l.Error,
			ExecutionTimeMs:   l.ExecutionTimeMs,
			CreatedAt:         l.CreatedAt,
		}
	}
	resp := LogPageResponse{Items: items, HasMore: p.HasMore}
	if p.Cursor != nil {
		resp.Cursor = p.Cursor.String()
	}
	return resp
}

// **** Routes ****

func (g *Gateway) registerAutomationRoutes() {
	if g.svc.Automations == nil {
		return
	}
	g.group.Get("/automations", g.handleAutomationList,
		okapi.DocSummary("List automations"),
		okapi.DocTags("Automations"),
		okapi.DocResponse([]AutomationResponse{}),
	)
	g.group.Post("/automations", g.handleAutomationCreate,
		okapi.DocSummary("Create an automation"),
		okapi.DocTags("Automations"),
		okapi.DocRequestBody(AutomationRequest{}),
		okapi.DocResponse(http.StatusCreated, AutomationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/automations/metrics", g.handleAutomationMetrics,
		okapi.DocSummary("Automation engine queue metrics"),
		okapi.DocTags("Automations"),
		okapi.DocResponse(automation.EngineMetrics{}),
	)
	g.group.Get("/automations/logs", g.handleLogSearch,
		okapi.DocSummary("Search execution logs across automations"),
		okapi.DocTags("Automations"),
		okapi.DocResponse(LogPageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/automations/{id}", g.handleAutomationGet,
		okapi.DocSummary("Get an automation by ID"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocResponse(AutomationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/automations/{id}", g.handleAutomationUpdate,
		okapi.DocSummary("Update an automation"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocRequestBody(AutomationUpdateRequest{}),
		okapi.DocResponse(AutomationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/automations/{id}", g.handleAutomationDelete,
		okapi.DocSummary("Delete an automation"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/automations/{id}/enable", g.handleAutomationEnable,
		okapi.DocSummary("Enable an automation"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocResponse(AutomationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/automations/{id}/disable", g.handleAutomationDisable,
		okapi.DocSummary("Disable an automation"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocResponse(AutomationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/automations/{id}/test", g.handleAutomationTest,
		okapi.DocSummary("Dry-run an automation against an event"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocRequestBody(EventRequest{}),
		okapi.DocResponse(automation.TestResult{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/automations/{id}/execute", g.handleAutomationExecute,
		okapi.DocSummary("Run an automation against an event and wait for the result"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocRequestBody(EventRequest{}),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/automations/{id}/logs", g.handleAutomationLogs,
		okapi.DocSummary("List execution logs of an automation"),
		okapi.DocTags("Automations"),
		okapi.DocPathParam("id", "string", "Automation ID (UUID)"),
		okapi.DocResponse(LogPageResponse{}),
	)
}

// **** Handlers ****

func (g *Gateway) handleAutomationList(c *okapi.Context) error {
	var enabled *bool
	if v := queryParam(c, "enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "enabled must be true or false")
		}
		enabled = &b
	}

	items, err := g.svc.Automations.List(c.Context(), enabled)
	if err != nil {
		return g.writeError(c, "listing automations", err)
	}
	resp := make([]AutomationResponse, len(items))
	for i := range items {
		resp[i] = toAutomationResponse(&items[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleAutomationCreate(c *okapi.Context) error {
	var req AutomationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	a := &domain.Automation{
		Name:              req.Name,
		Description:       req.Description,
		TriggerEventType:  req.TriggerEventType,
		TriggerConditions: req.TriggerConditions,
		ConditionLogic:    req.ConditionLogic,
		Actions:           req.Actions,
		Debounce:          req.Debounce,
		Enabled:           enabled,
		Priority:          req.Priority,
	}

	created, err := g.svc.Automations.Create(c.Context(), a)
	if err != nil {
		return g.writeError(c, "creating automation", err)
	}

	g.logger.Info("automation created via api",
		slog.String("user_id", c.GetString("userID")),
		slog.String("automation_id", created.ID.String()),
	)
	return c.JSON(http.StatusCreated, toAutomationResponse(created))
}

func (g *Gateway) handleAutomationGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	a, err := g.svc.Automations.Get(c.Context(), id)
	if err != nil {
		return g.writeError(c, "getting automation", err)
	}
	return c.OK(toAutomationResponse(a))
}

func (g *Gateway) handleAutomationUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}

	var req AutomationUpdateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	patch := automation.AutomationPatch{
		Name:              req.Name,
		Description:       req.Description,
		TriggerEventType:  req.TriggerEventType,
		TriggerConditions: req.TriggerConditions,
		ConditionLogic:    req.ConditionLogic,
		Actions:           req.Actions,
		Enabled:           req.Enabled,
		Priority:          req.Priority,
	}
	if len(req.Debounce) > 0 {
		var d *domain.DebounceConfig
		if err := json.Unmarshal(req.Debounce, &d); err != nil {
			return badRequest(c, "invalid debounce")
		}
		patch.Debounce = &d
	}

	a, err := g.svc.Automations.Update(c.Context(), id, patch)
	if err != nil {
		return g.writeError(c, "updating automation", err)
	}
	return c.OK(toAutomationResponse(a))
}

func (g *Gateway) handleAutomationDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	if err := g.svc.Automations.Delete(c.Context(), id); err != nil {
		return g.writeError(c, "deleting automation", err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleAutomationEnable(c *okapi.Context) error {
	return g.toggleAutomation(c, true)
}

func (g *Gateway) handleAutomationDisable(c *okapi.Context) error {
	return g.toggleAutomation(c, false)
}

func (g *Gateway) toggleAutomation(c *okapi.Context, on bool) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	var a *domain.Automation
	if on {
		a, err = g.svc.Automations.Enable(c.Context(), id)
	} else {
		a, err = g.svc.Automations.Disable(c.Context(), id)
	}
	if err != nil {
		return g.writeError(c, "toggling automation", err)
	}
	return c.OK(toAutomationResponse(a))
}

func (g *Gateway) handleAutomationTest(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := g.svc.Automations.Test(c.Context(), id, req.toEvent("api"))
	if err != nil {
		return g.writeError(c, "testing automation", err)
	}
	return c.OK(res)
}

func (g *Gateway) handleAutomationExecute(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := g.svc.Automations.Execute(c.Context(), id, req.toEvent("api"))
	if err != nil {
		return g.writeError(c, "executing automation", err)
	}
	return c.OK(toExecutionResponse(res))
}

func (g *Gateway) handleAutomationLogs(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid automation ID")
	}
	q, err := parseLogQuery(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := g.svc.Automations.GetLogs(c.Context(), id, q)
	if err != nil {
		return g.writeError(c, "listing automation logs", err)
	}
	return c.OK(toLogPageResponse(page))
}

func (g *Gateway) handleLogSearch(c *okapi.Context) error {
	q, err := parseLogQuery(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if v := queryParam(c, "automationId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "invalid automationId")
		}
		q.AutomationID = &id
	}
	page, err := g.svc.Automations.SearchLogs(c.Context(), q)
	if err != nil {
		return g.writeError(c, "searching automation logs", err)
	}
	return c.OK(toLogPageResponse(page))
}

func (g *Gateway) handleAutomationMetrics(c *okapi.Context) error {
	if g.svc.Engine == nil {
		return g.writeError(c, "reading engine metrics", automation.ErrEngineDisabled)
	}
	return c.OK(g.svc.Engine.Metrics())
}

// parseLogQuery reads limit, cursor, status and eventType.
func parseLogQuery(c *okapi.Context) (automation.LogQuery, error) {
	var q automation.LogQuery
	if v := queryParam(c, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errInvalidParam("limit")
		}
		q.Limit = n
	}
	if v := queryParam(c, "cursor"); v != "" {
		cursor, err := automation.ParseLogCursor(v)
		if err != nil {
			return q, errInvalidParam("cursor")
		}
		q.Cursor = cursor
	}
	switch st := domain.ExecutionStatus(queryParam(c, "status")); st {
	case "", domain.StatusSuccess, domain.StatusFailed, domain.StatusSkipped:
		q.Status = st
	default:
		return q, errInvalidParam("status")
	}
	q.EventType = queryParam(c, "eventType")
	return q, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return "invalid " + string(e) }
