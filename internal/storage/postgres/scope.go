package postgres

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/omni/internal/domain"
)

// InstanceScope returns a GORM scope that filters by instance_id.
// Every agent route query is bound to one channel instance.
func InstanceScope(instanceID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("instance_id = ?", instanceID)
	}
}

// ActiveScope keeps only active routes.
func ActiveScope(db *gorm.DB) *gorm.DB {
	return db.Where("is_active = ?", true)
}

// RoutePrecedence orders chat routes before user routes, then by priority
// descending and creation time.
func RoutePrecedence(db *gorm.DB) *gorm.DB {
	return db.Order(clause.OrderBy{Expression: clause.Expr{
		SQL:                "CASE scope WHEN ? THEN 0 ELSE 1 END, priority DESC, created_at ASC",
		Vars:               []any{string(domain.ScopeChat)},
		WithoutParentheses: true,
	}})
}
