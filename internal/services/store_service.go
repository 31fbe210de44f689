package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/clients"
	"store-sync-service/internal/encryption"
	"store-sync-service/internal/jobs"
	"store-sync-service/internal/models"
	"store-sync-service/internal/repository"
)

var (
	// ErrInvalidConfig is returned for incomplete or malformed store settings
	ErrInvalidConfig = errors.New("invalid store config")
	// ErrCredentialsRejected means the remote platform refused the credentials
	ErrCredentialsRejected = errors.New("credentials rejected by remote store")
)

// SyncEnqueuer submits sync jobs
type SyncEnqueuer interface {
	EnqueueOnce(ctx context.Context, storeID string) (*jobs.Job, error)
	EnqueueRecurring(ctx context.Context, storeID, expr string) (*jobs.RepeatEntry, error)
}

// SaveConfigRequest carries credentials and stock thresholds for one store
type SaveConfigRequest struct {
	UserID                  string               `json:"userId"`
	RemoteStoreID           string               `json:"storeId" binding:"required"`
	APIKey                  string               `json:"apiKey" binding:"required"`
	AccessToken             string               `json:"accessToken" binding:"required"`
	StoreName               string               `json:"storeName"`
	LowStockThresholdValue  int                  `json:"lowStockThresholdValue"`
	LowStockThresholdType   models.ThresholdType `json:"lowStockThresholdType"`
	OverStockThresholdValue int                  `json:"overStockThresholdValue"`
	OverStockThresholdType  models.ThresholdType `json:"overStockThresholdType"`
}

// Validate checks credentials are present and thresholds are positive with
// a supported unit: UNIT or DAYS for low stock, DAYS for over stock.
func (r *SaveConfigRequest) Validate() error {
	r.RemoteStoreID = strings.TrimSpace(r.RemoteStoreID)
	if r.RemoteStoreID == "" || r.APIKey == "" || r.AccessToken == "" {
		return fmt.Errorf("%w: store id, api key and access token are required", ErrInvalidConfig)
	}
	if r.LowStockThresholdValue <= 0 || r.OverStockThresholdValue <= 0 {
		return fmt.Errorf("%w: threshold values must be positive", ErrInvalidConfig)
	}
	switch r.LowStockThresholdType {
	case models.ThresholdUnits, models.ThresholdDays:
	default:
		return fmt.Errorf("%w: low stock threshold type must be UNIT or DAYS", ErrInvalidConfig)
	}
	if r.OverStockThresholdType != models.ThresholdDays {
		return fmt.Errorf("%w: over stock threshold type must be DAYS", ErrInvalidConfig)
	}
	return nil
}

// SaveConfigResult is the saved store plus the first sync it queued
type SaveConfigResult struct {
	Store     *models.StoreConfig `json:"store"`
	Job       *jobs.Job           `json:"job,omitempty"`
	Recurring *jobs.RepeatEntry   `json:"recurring,omitempty"`
}

// SyncStatus is the sync state of one store as exposed to collaborators
type SyncStatus struct {
	StoreID        string            `json:"storeId"`
	LastSyncStatus models.SyncStatus `json:"lastSyncStatus"`
	LastSyncAt     *time.Time        `json:"lastSyncAt,omitempty"`
	Stats          *models.SyncStats `json:"stats"`
	RecentRuns     []models.SyncRun  `json:"recentRuns"`
}

// StoreService handles store onboarding and sync status
type StoreService struct {
	stores    *repository.StoreRepository
	runs      *repository.SyncRepository
	cipher    *encryption.CredentialCipher
	newClient clients.ClientFactory
	queue     SyncEnqueuer
	cron      string
	logger    *logrus.Logger
}

// NewStoreService creates a new store service. cron is the recurring sync
// schedule registered for every saved store.
func NewStoreService(
	stores *repository.StoreRepository,
	runs *repository.SyncRepository,
	cipher *encryption.CredentialCipher,
	newClient clients.ClientFactory,
	queue SyncEnqueuer,
	cron string,
	logger *logrus.Logger,
) *StoreService {
	if logger == nil {
		logger = logrus.New()
	}
	return &StoreService{
		stores:    stores,
		runs:      runs,
		cipher:    cipher,
		newClient: newClient,
		queue:     queue,
		cron:      cron,
		logger:    logger,
	}
}

// SaveConfig verifies the credentials against the remote store, stores them
// encrypted with status PENDING and queues an immediate plus a recurring sync.
func (s *StoreService) SaveConfig(ctx context.Context, req SaveConfigRequest) (*SaveConfigResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	client := s.newClient(clients.Credentials{
		StoreID:     req.RemoteStoreID,
		APIKey:      req.APIKey,
		AccessToken: req.AccessToken,
	})
	remote, err := client.GetStore(ctx)
	if err != nil {
		if errors.Is(err, clients.ErrAuthFailure) || errors.Is(err, clients.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsRejected, err)
		}
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}

	encryptedKey, err := s.cipher.Encrypt(req.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt api key: %w", err)
	}
	encryptedToken, err := s.cipher.Encrypt(req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	name := req.StoreName
	if name == "" {
		name = remote.Name.String()
	}

	store := &models.StoreConfig{
		UserID:                  req.UserID,
		RemoteStoreID:           req.RemoteStoreID,
		StoreName:               name,
		EncryptedAPIKey:         encryptedKey,
		EncryptedAccessToken:    encryptedToken,
		LowStockThresholdValue:  req.LowStockThresholdValue,
		LowStockThresholdType:   req.LowStockThresholdType,
		OverStockThresholdValue: req.OverStockThresholdValue,
		OverStockThresholdType:  req.OverStockThresholdType,
	}
	if err := s.stores.UpsertByRemoteStoreID(ctx, store); err != nil {
		return nil, fmt.Errorf("failed to save store config: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"store_id":        store.ID.String(),
		"remote_store_id": store.RemoteStoreID,
	})
	log.Info("Store config saved")

	result := &SaveConfigResult{Store: store}

	result.Job, err = s.queue.EnqueueOnce(ctx, store.ID.String())
	if err != nil {
		return result, fmt.Errorf("failed to enqueue initial sync: %w", err)
	}
	result.Recurring, err = s.queue.EnqueueRecurring(ctx, store.ID.String(), s.cron)
	if err != nil {
		return result, fmt.Errorf("failed to register recurring sync: %w", err)
	}

	log.WithFields(logrus.Fields{
		"job_id": result.Job.ID,
		"cron":   s.cron,
	}).Info("Initial and recurring sync queued")

	return result, nil
}

// ConnectionResult is the outcome of a successful credential check
type ConnectionResult struct {
	Connected     bool   `json:"connected"`
	RemoteStoreID string `json:"remoteStoreId"`
	StoreName     string `json:"storeName"`
}

// GetConfig returns a saved store. Credentials are never included.
func (s *StoreService) GetConfig(ctx context.Context, storeID uuid.UUID) (*models.StoreConfig, error) {
	store, err := s.stores.GetByID(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return store, nil
}

// TestConnection checks the saved credentials still work against the remote
// store. Nothing is written.
func (s *StoreService) TestConnection(ctx context.Context, storeID uuid.UUID) (*ConnectionResult, error) {
	store, err := s.GetConfig(ctx, storeID)
	if err != nil {
		return nil, err
	}

	client, err := clientForStore(s.cipher, s.newClient, store)
	if err != nil {
		return nil, err
	}
	remote, err := client.GetStore(ctx)
	if err != nil {
		if errors.Is(err, clients.ErrAuthFailure) || errors.Is(err, clients.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrCredentialsRejected, err)
		}
		return nil, fmt.Errorf("failed to reach remote store: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"store_id":        store.ID.String(),
		"remote_store_id": store.RemoteStoreID,
	}).Info("Store connection verified")

	return &ConnectionResult{
		Connected:     true,
		RemoteStoreID: store.RemoteStoreID,
		StoreName:     remote.Name.String(),
	}, nil
}

// TriggerSync queues a one-off sync of an existing store
func (s *StoreService) TriggerSync(ctx context.Context, storeID uuid.UUID) (*jobs.Job, error) {
	if _, err := s.stores.GetByID(ctx, storeID); err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	job, err := s.queue.EnqueueOnce(ctx, storeID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue sync: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"store_id": storeID.String(),
		"job_id":   job.ID,
	}).Info("Manual sync queued")
	return job, nil
}

// GetSyncStatus returns the store's sync state and its most recent runs
func (s *StoreService) GetSyncStatus(ctx context.Context, storeID uuid.UUID, recent int) (*SyncStatus, error) {
	store, err := s.stores.GetByID(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	stats, err := s.runs.GetSyncStats(ctx, storeID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load sync stats: %w", err)
	}
	runs, err := s.runs.ListRuns(ctx, storeID.String(), recent)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync runs: %w", err)
	}

	return &SyncStatus{
		StoreID:        store.ID.String(),
		LastSyncStatus: store.LastSyncStatus,
		LastSyncAt:     store.LastSyncAt,
		Stats:          stats,
		RecentRuns:     runs,
	}, nil
}

// RegisterRecurring re-registers the recurring sync for every known store.
// Registration replaces any previous schedule, so it is safe on every start.
func (s *StoreService) RegisterRecurring(ctx context.Context) (int, error) {
	stores, err := s.stores.List(ctx)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, store := range stores {
		if _, err := s.queue.EnqueueRecurring(ctx, store.ID.String(), s.cron); err != nil {
			return registered, fmt.Errorf("failed to register recurring sync for %s: %w", store.ID, err)
		}
		registered++
	}
	return registered, nil
}
