package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncStatus is the last known outcome of a store synchronization
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusSuccess    SyncStatus = "SUCCESS"
	SyncStatusFailed     SyncStatus = "FAILED"
)

// ThresholdType is the unit a stock threshold is expressed in
type ThresholdType string

const (
	ThresholdUnits ThresholdType = "UNIT"
	ThresholdDays  ThresholdType = "DAYS"
)

// StoreConfig represents one connected remote store
type StoreConfig struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string    `gorm:"type:varchar(255);index:idx_store_configs_user" json:"userId,omitempty"`
	RemoteStoreID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_store_configs_remote" json:"remoteStoreId"`
	StoreName     string    `gorm:"type:varchar(255)" json:"storeName,omitempty"`

	// Encrypted with encryption.CredentialCipher, never serialized
	EncryptedAPIKey      string `gorm:"type:text;not null" json:"-"`
	EncryptedAccessToken string `gorm:"type:text;not null" json:"-"`

	LowStockThresholdValue  int           `gorm:"not null;default:5" json:"lowStockThresholdValue"`
	LowStockThresholdType   ThresholdType `gorm:"type:varchar(10);not null;default:'UNIT'" json:"lowStockThresholdType"`
	OverStockThresholdValue int           `gorm:"not null;default:90" json:"overStockThresholdValue"`
	OverStockThresholdType  ThresholdType `gorm:"type:varchar(10);not null;default:'DAYS'" json:"overStockThresholdType"`

	LastSyncStatus SyncStatus `gorm:"type:varchar(20);not null;default:'PENDING'" json:"lastSyncStatus"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for StoreConfig
func (StoreConfig) TableName() string {
	return "store_configs"
}

// BeforeCreate assigns an ID when the caller did not
func (s *StoreConfig) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
