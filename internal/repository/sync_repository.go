package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"store-sync-service/internal/models"
)

// SyncRepository handles database operations for sync run history
type SyncRepository struct {
	db *gorm.DB
}

// NewSyncRepository creates a new sync repository
func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// CreateRun records the start of a sync run
func (r *SyncRepository) CreateRun(ctx context.Context, run *models.SyncRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// FinishRun stores the terminal state of a run
func (r *SyncRepository) FinishRun(ctx context.Context, run *models.SyncRun) error {
	now := time.Now()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()

	return r.db.WithContext(ctx).
		Model(&models.SyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":             run.Status,
			"categories_synced":  run.CategoriesSynced,
			"products_synced":    run.ProductsSynced,
			"orders_synced":      run.OrdersSynced,
			"order_items_synced": run.OrderItemsSynced,
			"phase":              run.Phase,
			"error_kind":         run.ErrorKind,
			"error_message":      run.ErrorMessage,
			"completed_at":       run.CompletedAt,
			"duration_ms":        run.DurationMs,
		}).Error
}

// ListRuns returns the most recent runs for a store, newest first
func (r *SyncRepository) ListRuns(ctx context.Context, storeID string, limit int) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	query := r.db.WithContext(ctx).
		Where("store_config_id = ?", storeID).
		Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&runs).Error
	return runs, err
}

// GetSyncStats summarizes runs for a store
func (r *SyncRepository) GetSyncStats(ctx context.Context, storeID string) (*models.SyncStats, error) {
	stats := &models.SyncStats{}

	var statusCounts []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.SyncRun{}).
		Select("status, count(*) as count").
		Where("store_config_id = ?", storeID).
		Group("status").
		Scan(&statusCounts).Error
	if err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		stats.TotalRuns += sc.Count
		switch models.SyncStatus(sc.Status) {
		case models.SyncStatusSuccess:
			stats.SuccessfulRuns = sc.Count
		case models.SyncStatusFailed:
			stats.FailedRuns = sc.Count
		}
	}

	var last models.SyncRun
	result := r.db.WithContext(ctx).
		Where("store_config_id = ?", storeID).
		Order("started_at DESC").
		Limit(1).
		Find(&last)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected > 0 {
		stats.LastRunAt = &last.StartedAt
	}

	return stats, nil
}
