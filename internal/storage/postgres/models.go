package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AutomationModel maps to the "automations" table.
// JSON columns use datatypes.JSON, which resolves to JSONB on PostgreSQL and JSON on SQLite.
type AutomationModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"size:255;not null"`
	Description       string
	TriggerEventType  string `gorm:"size:255;not null;index"`
	TriggerConditions datatypes.JSON
	ConditionLogic    string `gorm:"size:8;not null"`
	Actions           datatypes.JSON
	Debounce          datatypes.JSON
	Enabled           bool `gorm:"not null;index"`
	Priority          int  `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (AutomationModel) TableName() string { return "automations" }

// AutomationLogModel maps to the "automation_logs" table.
type AutomationLogModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	AutomationID      uuid.UUID `gorm:"type:uuid;not null;index:idx_automation_logs_automation_created,priority:1"`
	EventID           string
	EventType         string `gorm:"size:255;index"`
	Status            string `gorm:"size:16;not null;index"`
	ConditionsMatched bool   `gorm:"not null"`
	ActionsExecuted   datatypes.JSON
	Error             string
	ExecutionTimeMs   int64
	CreatedAt         time.Time `gorm:"not null;index;index:idx_automation_logs_automation_created,priority:2"`
}

func (AutomationLogModel) TableName() string { return "automation_logs" }

// AgentRouteModel maps to the "agent_routes" table.
// NULLs are distinct in unique indexes, so a chat route and a user route never collide.
type AgentRouteModel struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	InstanceID            string    `gorm:"size:255;not null;index:idx_agent_routes_chat,unique;index:idx_agent_routes_person,unique"`
	Scope                 string    `gorm:"size:8;not null"`
	ChatID                *string   `gorm:"size:255;index:idx_agent_routes_chat,unique"`
	PersonID              *string   `gorm:"size:255;index:idx_agent_routes_person,unique"`
	AgentProviderID       string    `gorm:"size:255;not null"`
	AgentID               string    `gorm:"size:255;not null"`
	AgentType             string    `gorm:"size:16;not null"`
	AgentTimeout          *int
	AgentStreamMode       *bool
	AgentReplyFilter      datatypes.JSON
	AgentSessionStrategy  *string `gorm:"size:32"`
	AgentPrefixSenderName *bool
	AgentWaitForMedia     *bool
	AgentSendMediaPath    *bool
	AgentGateEnabled      *bool
	AgentGateModel        *string
	AgentGatePrompt       *string
	Label                 string `gorm:"size:255"`
	Priority              int    `gorm:"not null"`
	IsActive              bool   `gorm:"not null;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (AgentRouteModel) TableName() string { return "agent_routes" }
