package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TriggerType represents what triggered the sync
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
)

// SyncRun records one execution of the sync job processor for a store.
// A retried queue job produces one SyncRun per attempt.
type SyncRun struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	StoreConfigID string      `gorm:"type:varchar(36);not null;index:idx_sync_runs_store" json:"storeConfigId"`
	JobID         string      `gorm:"type:varchar(255);index:idx_sync_runs_job" json:"jobId,omitempty"`
	TriggeredBy   TriggerType `gorm:"type:varchar(20);not null;default:'MANUAL'" json:"triggeredBy"`
	Attempt       int         `gorm:"not null;default:1" json:"attempt"`
	Status        SyncStatus  `gorm:"type:varchar(20);not null;index:idx_sync_runs_status" json:"status"`

	CategoriesSynced int `gorm:"default:0" json:"categoriesSynced"`
	ProductsSynced   int `gorm:"default:0" json:"productsSynced"`
	OrdersSynced     int `gorm:"default:0" json:"ordersSynced"`
	OrderItemsSynced int `gorm:"default:0" json:"orderItemsSynced"`

	Phase        string `gorm:"type:varchar(20)" json:"phase,omitempty"`
	ErrorKind    string `gorm:"type:varchar(50)" json:"errorKind,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`

	StartedAt   time.Time  `gorm:"not null" json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `gorm:"default:0" json:"durationMs"`
}

// TableName specifies the table name for SyncRun
func (SyncRun) TableName() string {
	return "sync_runs"
}

// BeforeCreate assigns an ID when the caller did not
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// SyncStats summarizes sync runs for a store
type SyncStats struct {
	TotalRuns      int64      `json:"totalRuns"`
	SuccessfulRuns int64      `json:"successfulRuns"`
	FailedRuns     int64      `json:"failedRuns"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
}
