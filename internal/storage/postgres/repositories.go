package postgres

import (
	"sync"

	"gorm.io/gorm"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/routing"
)

// Repositories lazily builds the GORM repositories over one connection.
// Both storage backends embed it to satisfy the sub-store accessors of
// storage.Store.
type Repositories struct {
	db *gorm.DB

	mu          sync.Mutex
	automations automation.AutomationStore
	logs        automation.LogStore
	routes      routing.Store
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{db: db}
}

func (r *Repositories) Automations() automation.AutomationStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.automations == nil {
		r.automations = NewAutomationRepository(r.db)
	}
	return r.automations
}

func (r *Repositories) AutomationLogs() automation.LogStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logs == nil {
		r.logs = NewAutomationLogRepository(r.db)
	}
	return r.logs
}

func (r *Repositories) Routes() routing.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes == nil {
		r.routes = NewAgentRouteRepository(r.db)
	}
	return r.routes
}
