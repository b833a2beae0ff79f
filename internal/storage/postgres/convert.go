package postgres

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/jkaninda/omni/internal/domain"
)

func marshalJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return datatypes.JSON(b)
}

// --- Automation ---

func toAutomationModel(a *domain.Automation) AutomationModel {
	conds := a.TriggerConditions
	if conds == nil {
		conds = []domain.Condition{}
	}
	return AutomationModel{
		ID:                a.ID,
		Name:              a.Name,
		Description:       a.Description,
		TriggerEventType:  a.TriggerEventType,
		TriggerConditions: marshalJSON(conds),
		ConditionLogic:    string(a.ConditionLogic),
		Actions:           marshalJSON(a.Actions),
		Debounce:          marshalJSON(a.Debounce),
		Enabled:           a.Enabled,
		Priority:          a.Priority,
		CreatedAt:         a.CreatedAt.UTC(),
		UpdatedAt:         a.UpdatedAt.UTC(),
	}
}

func toAutomationDomain(m *AutomationModel) *domain.Automation {
	a := &domain.Automation{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		TriggerEventType: m.TriggerEventType,
		ConditionLogic:   domain.ConditionLogic(m.ConditionLogic),
		Enabled:          m.Enabled,
		Priority:         m.Priority,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if len(m.TriggerConditions) > 0 {
		_ = json.Unmarshal(m.TriggerConditions, &a.TriggerConditions)
	}
	if len(m.Actions) > 0 {
		_ = json.Unmarshal(m.Actions, &a.Actions)
	}
	if len(m.Debounce) > 0 {
		var d domain.DebounceConfig
		if json.Unmarshal(m.Debounce, &d) == nil {
			a.Debounce = &d
		}
	}
	return a
}

// --- Automation log ---

func toAutomationLogModel(l *domain.AutomationLog) AutomationLogModel {
	results := l.ActionsExecuted
	if results == nil {
		results = []domain.ActionResult{}
	}
	return AutomationLogModel{
		ID:                l.ID,
		AutomationID:      l.AutomationID,
		EventID:           l.EventID,
		EventType:         l.EventType,
		Status:            string(l.Status),
		ConditionsMatched: l.ConditionsMatched,
		ActionsExecuted:   marshalJSON(results),
		Error:             l.Error,
		ExecutionTimeMs:   l.ExecutionTimeMs,
		CreatedAt:         l.CreatedAt.UTC(),
	}
}

func toAutomationLogDomain(m *AutomationLogModel) domain.AutomationLog {
	l := domain.AutomationLog{
		ID:                m.ID,
		AutomationID:      m.AutomationID,
		EventID:           m.EventID,
		EventType:         m.EventType,
		Status:            domain.ExecutionStatus(m.Status),
		ConditionsMatched: m.ConditionsMatched,
		Error:             m.Error,
		ExecutionTimeMs:   m.ExecutionTimeMs,
		CreatedAt:         m.CreatedAt,
	}
	if len(m.ActionsExecuted) > 0 {
		_ = json.Unmarshal(m.ActionsExecuted, &l.ActionsExecuted)
	}
	if l.ActionsExecuted == nil {
		l.ActionsExecuted = []domain.ActionResult{}
	}
	return l
}

// --- Agent route ---

func toAgentRouteModel(r *domain.AgentRoute) AgentRouteModel {
	return AgentRouteModel{
		ID:                    r.ID,
		InstanceID:            r.InstanceID,
		Scope:                 string(r.Scope),
		ChatID:                r.ChatID,
		PersonID:              r.PersonID,
		AgentProviderID:       r.AgentProviderID,
		AgentID:               r.AgentID,
		AgentType:             string(r.AgentType),
		AgentTimeout:          r.AgentTimeout,
		AgentStreamMode:       r.AgentStreamMode,
		AgentReplyFilter:      marshalJSON(r.AgentReplyFilter),
		AgentSessionStrategy:  r.AgentSessionStrategy,
		AgentPrefixSenderName: r.AgentPrefixSenderName,
		AgentWaitForMedia:     r.AgentWaitForMedia,
		AgentSendMediaPath:    r.AgentSendMediaPath,
		AgentGateEnabled:      r.AgentGateEnabled,
		AgentGateModel:        r.AgentGateModel,
		AgentGatePrompt:       r.AgentGatePrompt,
		Label:                 r.Label,
		Priority:              r.Priority,
		IsActive:              r.IsActive,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

func toAgentRouteDomain(m *AgentRouteModel) *domain.AgentRoute {
	r := &domain.AgentRoute{
		ID:                    m.ID,
		InstanceID:            m.InstanceID,
		Scope:                 domain.RouteScope(m.Scope),
		ChatID:                m.ChatID,
		PersonID:              m.PersonID,
		AgentProviderID:       m.AgentProviderID,
		AgentID:               m.AgentID,
		AgentType:             domain.AgentType(m.AgentType),
		AgentTimeout:          m.AgentTimeout,
		AgentStreamMode:       m.AgentStreamMode,
		AgentSessionStrategy:  m.AgentSessionStrategy,
		AgentPrefixSenderName: m.AgentPrefixSenderName,
		AgentWaitForMedia:     m.AgentWaitForMedia,
		AgentSendMediaPath:    m.AgentSendMediaPath,
		AgentGateEnabled:      m.AgentGateEnabled,
		AgentGateModel:        m.AgentGateModel,
		AgentGatePrompt:       m.AgentGatePrompt,
		Label:                 m.Label,
		Priority:              m.Priority,
		IsActive:              m.IsActive,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
	if len(m.AgentReplyFilter) > 0 {
		_ = json.Unmarshal(m.AgentReplyFilter, &r.AgentReplyFilter)
	}
	return r
}
