package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"store-sync-service/internal/models"
)

// StoreRepository handles database operations for store configurations
type StoreRepository struct {
	db *gorm.DB
}

// NewStoreRepository creates a new store repository
func NewStoreRepository(db *gorm.DB) *StoreRepository {
	return &StoreRepository{db: db}
}

// Create inserts a new store configuration
func (r *StoreRepository) Create(ctx context.Context, store *models.StoreConfig) error {
	return r.db.WithContext(ctx).Create(store).Error
}

// GetByID retrieves a store configuration by ID
func (r *StoreRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StoreConfig, error) {
	var store models.StoreConfig
	if err := r.db.WithContext(ctx).First(&store, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &store, nil
}

// GetByRemoteStoreID retrieves a store configuration by the platform's store id
func (r *StoreRepository) GetByRemoteStoreID(ctx context.Context, remoteStoreID string) (*models.StoreConfig, error) {
	var store models.StoreConfig
	if err := r.db.WithContext(ctx).Where("remote_store_id = ?", remoteStoreID).First(&store).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &store, nil
}

// List returns every store configuration
func (r *StoreRepository) List(ctx context.Context) ([]models.StoreConfig, error) {
	var stores []models.StoreConfig
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&stores).Error
	return stores, err
}

// UpsertByRemoteStoreID saves credentials and thresholds keyed by remote store
// id and resets the sync status to PENDING. store is reloaded afterwards so its
// ID reflects the persisted row.
func (r *StoreRepository) UpsertByRemoteStoreID(ctx context.Context, store *models.StoreConfig) error {
	store.LastSyncStatus = models.SyncStatusPending

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_store_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "store_name", "encrypted_api_key", "encrypted_access_token",
			"low_stock_threshold_value", "low_stock_threshold_type",
			"over_stock_threshold_value", "over_stock_threshold_type",
			"last_sync_status", "updated_at",
		}),
	}).Create(store).Error
	if err != nil {
		return translateWriteError(err, "store config")
	}

	saved, err := r.GetByRemoteStoreID(ctx, store.RemoteStoreID)
	if err != nil {
		return err
	}
	*store = *saved
	return nil
}

// MarkInProgress moves a store into IN_PROGRESS. It returns ErrStoreNotFound
// when no row matches.
func (r *StoreRepository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"last_sync_status": models.SyncStatusInProgress,
	})
}

// MarkSucceeded moves a store into SUCCESS and stamps lastSyncAt
func (r *StoreRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"last_sync_status": models.SyncStatusSuccess,
		"last_sync_at":     at,
	})
}

// MarkFailed moves a store into FAILED; lastSyncAt is left untouched
func (r *StoreRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.updateStatus(ctx, id, map[string]interface{}{
		"last_sync_status": models.SyncStatusFailed,
	})
}

func (r *StoreRepository) updateStatus(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.StoreConfig{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStoreNotFound
	}
	return nil
}
