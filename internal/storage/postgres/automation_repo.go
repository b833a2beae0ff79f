package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/domain"
)

// AutomationRepository implements automation persistence with GORM.
type AutomationRepository struct {
	db *gorm.DB
}

// NewAutomationRepository creates an AutomationRepository.
func NewAutomationRepository(db *gorm.DB) *AutomationRepository {
	return &AutomationRepository{db: db}
}

// List returns automations ordered by priority (desc) then name.
func (r *AutomationRepository) List(ctx context.Context, filter automation.ListFilter) ([]domain.Automation, error) {
	q := r.db.WithContext(ctx).Order("priority DESC").Order("name ASC")
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", *filter.Enabled)
	}
	var models []AutomationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	items := make([]domain.Automation, len(models))
	for i := range models {
		items[i] = *toAutomationDomain(&models[i])
	}
	return items, nil
}

// Get retrieves an automation by ID.
func (r *AutomationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Automation, error) {
	var model AutomationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting automation %s: %w", id, translateErr(err))
	}
	return toAutomationDomain(&model), nil
}

// Create persists a new automation.
func (r *AutomationRepository) Create(ctx context.Context, a *domain.Automation) error {
	model := toAutomationModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating automation: %w", translateErr(err))
	}
	return nil
}

// Update overwrites every column of an existing automation.
func (r *AutomationRepository) Update(ctx context.Context, a *domain.Automation) error {
	model := toAutomationModel(a)
	result := r.db.WithContext(ctx).
		Model(&AutomationModel{ID: a.ID}).
		Select("*").
		Omit("created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating automation %s: %w", a.ID, translateErr(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("automation %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes an automation. Its logs are kept until the retention sweep.
func (r *AutomationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&AutomationModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting automation %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("automation %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AutomationLogRepository implements execution log persistence with GORM.
type AutomationLogRepository struct {
	db *gorm.DB
}

// NewAutomationLogRepository creates an AutomationLogRepository.
func NewAutomationLogRepository(db *gorm.DB) *AutomationLogRepository {
	return &AutomationLogRepository{db: db}
}

// Append inserts one execution record.
func (r *AutomationLogRepository) Append(ctx context.Context, l *domain.AutomationLog) error {
	model := toAutomationLogModel(l)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending automation log: %w", err)
	}
	return nil
}

// Search returns logs newest first, with id breaking timestamp ties, and
// only those after the cursor when one is set.
func (r *AutomationLogRepository) Search(ctx context.Context, q automation.LogQuery) ([]domain.AutomationLog, error) {
	tx := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if q.AutomationID != nil {
		tx = tx.Where("automation_id = ?", *q.AutomationID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if q.EventType != "" {
		tx = tx.Where("event_type = ?", q.EventType)
	}
	if q.Cursor != nil {
		at := q.Cursor.CreatedAt.UTC()
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, q.Cursor.ID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var models []AutomationLogModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("searching automation logs: %w", err)
	}
	logs := make([]domain.AutomationLog, len(models))
	for i := range models {
		logs[i] = toAutomationLogDomain(&models[i])
	}
	return logs, nil
}

// DeleteBefore removes logs created before cutoff and reports how many were removed.
func (r *AutomationLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&AutomationLogModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting automation logs before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

// compile-time interface checks
var (
	_ automation.AutomationStore = (*AutomationRepository)(nil)
	_ automation.LogStore        = (*AutomationLogRepository)(nil)
)
