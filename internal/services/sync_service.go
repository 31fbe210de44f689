package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"store-sync-service/internal/clients"
	"store-sync-service/internal/encryption"
	"store-sync-service/internal/jobs"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/models"
	"store-sync-service/internal/repository"
)

var (
	// ErrConfigNotFound means the job references a store that no longer exists
	ErrConfigNotFound = errors.New("store config not found")
	// ErrCredentialsUnreadable means stored credentials could not be decrypted
	ErrCredentialsUnreadable = errors.New("stored credentials cannot be decrypted")
)

// Sync phases, in execution order
const (
	PhaseCategories = "categories"
	PhaseProducts   = "products"
	PhaseOrders     = "orders"
)

// SyncOptions tunes a sync run
type SyncOptions struct {
	PageSize    int
	OrderWindow time.Duration // orders created within this window are synced
	Now         func() time.Time
}

// DefaultSyncOptions returns 50-item pages and a 30 day order window
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		PageSize:    50,
		OrderWindow: 30 * 24 * time.Hour,
		Now:         time.Now,
	}
}

// RunMeta describes what started a run
type RunMeta struct {
	JobID   string
	Trigger models.TriggerType
	Attempt int
}

// SyncService runs full syncs of one store: categories, then products and
// variants, then recent orders with their items.
type SyncService struct {
	stores    *repository.StoreRepository
	catalog   *repository.CatalogRepository
	orders    *repository.OrderRepository
	runs      *repository.SyncRepository
	cipher    *encryption.CredentialCipher
	newClient clients.ClientFactory
	locks     *StoreLocks
	opts      SyncOptions
	logger    *logrus.Logger
}

// NewSyncService creates a new sync service
func NewSyncService(
	stores *repository.StoreRepository,
	catalog *repository.CatalogRepository,
	orders *repository.OrderRepository,
	runs *repository.SyncRepository,
	cipher *encryption.CredentialCipher,
	newClient clients.ClientFactory,
	opts SyncOptions,
	logger *logrus.Logger,
) *SyncService {
	defaults := DefaultSyncOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.OrderWindow <= 0 {
		opts.OrderWindow = defaults.OrderWindow
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &SyncService{
		stores:    stores,
		catalog:   catalog,
		orders:    orders,
		runs:      runs,
		cipher:    cipher,
		newClient: newClient,
		locks:     NewStoreLocks(),
		opts:      opts,
		logger:    logger,
	}
}

// SetStoreLocks replaces the per-store lock set
func (s *SyncService) SetStoreLocks(locks *StoreLocks) {
	s.locks = locks
}

// HandleJob is the queue handler. Failures that cannot succeed on a later
// attempt are marked permanent so the queue does not retry them.
func (s *SyncService) HandleJob(ctx context.Context, job *jobs.Job) error {
	trigger := models.TriggerManual
	if job.Trigger == jobs.TriggerScheduled {
		trigger = models.TriggerScheduled
	}

	_, err := s.Run(ctx, job.StoreID, RunMeta{
		JobID:   job.ID,
		Trigger: trigger,
		Attempt: job.Attempts,
	})
	if err != nil && IsPermanentFailure(err) {
		return jobs.Permanent(err)
	}
	return err
}

// IsPermanentFailure reports whether a sync error will fail again on retry
func IsPermanentFailure(err error) bool {
	switch {
	case errors.Is(err, ErrConfigNotFound),
		errors.Is(err, ErrCredentialsUnreadable),
		errors.Is(err, repository.ErrUpsertConflict):
		return true
	case clients.KindOf(err) != "":
		return !clients.IsRetriable(err)
	}
	return false
}

// Run performs one sync of storeID. The store moves to IN_PROGRESS, then to
// SUCCESS with lastSyncAt stamped, or to FAILED with the error returned.
// Rows written by phases that completed before a failure stay committed.
func (s *SyncService) Run(ctx context.Context, storeID string, meta RunMeta) (*models.SyncRun, error) {
	id, err := uuid.Parse(storeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, storeID)
	}

	release, err := s.locks.Acquire(ctx, storeID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := s.logger.WithFields(logrus.Fields{
		"store_id": storeID,
		"job_id":   meta.JobID,
		"attempt":  meta.Attempt,
	})

	if err := s.stores.MarkInProgress(ctx, id); err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			log.Error("Sync job references a missing store config")
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, storeID)
		}
		return nil, fmt.Errorf("failed to mark sync in progress: %w", err)
	}

	run := &models.SyncRun{
		StoreConfigID: storeID,
		JobID:         meta.JobID,
		TriggeredBy:   meta.Trigger,
		Attempt:       meta.Attempt,
		Status:        models.SyncStatusInProgress,
		StartedAt:     s.opts.Now(),
	}
	if run.TriggeredBy == "" {
		run.TriggeredBy = models.TriggerManual
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to record sync run")
	}

	log.Info("Sync started")

	err = s.runPhases(ctx, id, run, log)
	if err != nil {
		s.finishFailed(id, run, err, log)
		return run, err
	}

	s.finishSucceeded(id, run, log)
	return run, nil
}

func (s *SyncService) runPhases(ctx context.Context, id uuid.UUID, run *models.SyncRun, log *logrus.Entry) error {
	store, err := s.stores.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, id)
		}
		return err
	}

	client, err := s.clientFor(store)
	if err != nil {
		return err
	}

	storeID := id.String()

	run.Phase = PhaseCategories
	if err := s.syncCategories(ctx, client, storeID, run, log); err != nil {
		return fmt.Errorf("%s phase: %w", run.Phase, err)
	}

	run.Phase = PhaseProducts
	if err := s.syncProducts(ctx, client, storeID, run, log); err != nil {
		return fmt.Errorf("%s phase: %w", run.Phase, err)
	}

	run.Phase = PhaseOrders
	if err := s.syncOrders(ctx, client, storeID, run, log); err != nil {
		return fmt.Errorf("%s phase: %w", run.Phase, err)
	}

	return nil
}

func (s *SyncService) clientFor(store *models.StoreConfig) (clients.StoreClient, error) {
	return clientForStore(s.cipher, s.newClient, store)
}

// clientForStore decrypts a store's saved credentials and builds its client
func clientForStore(cipher *encryption.CredentialCipher, newClient clients.ClientFactory, store *models.StoreConfig) (clients.StoreClient, error) {
	apiKey, err := cipher.Decrypt(store.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: api key: %v", ErrCredentialsUnreadable, err)
	}
	accessToken, err := cipher.Decrypt(store.EncryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %v", ErrCredentialsUnreadable, err)
	}

	return newClient(clients.Credentials{
		StoreID:     store.RemoteStoreID,
		APIKey:      apiKey,
		AccessToken: accessToken,
	}), nil
}

// Each phase pages until the remote returns an empty page. The has-next hint
// is not trusted on its own.

func (s *SyncService) syncCategories(ctx context.Context, client clients.StoreClient, storeID string, run *models.SyncRun, log *logrus.Entry) error {
	for page := 1; ; page++ {
		result, err := client.ListCategories(ctx, page, s.opts.PageSize)
		if err != nil {
			return err
		}
		if len(result.Items) == 0 {
			break
		}

		n, err := s.catalog.UpsertCategories(ctx, storeID, MapCategories(result.Items))
		if err != nil {
			s.logUpsertFailure(log, err, "category", page)
			return err
		}
		run.CategoriesSynced += n
	}

	log.WithField("phase", PhaseCategories).WithField("count", run.CategoriesSynced).Info("Categories synced")
	return nil
}

func (s *SyncService) syncProducts(ctx context.Context, client clients.StoreClient, storeID string, run *models.SyncRun, log *logrus.Entry) error {
	for page := 1; ; page++ {
		result, err := client.ListProducts(ctx, page, s.opts.PageSize)
		if err != nil {
			return err
		}
		if len(result.Items) == 0 {
			break
		}

		var rows []repository.ProductUpsert
		for _, p := range result.Items {
			rows = append(rows, MapProduct(p)...)
		}

		n, err := s.catalog.UpsertProducts(ctx, storeID, rows)
		if err != nil {
			s.logUpsertFailure(log, err, "product", page)
			return err
		}
		run.ProductsSynced += n

		log.WithFields(logrus.Fields{
			"phase": PhaseProducts,
			"page":  page,
			"rows":  n,
		}).Debug("Product page synced")
	}

	log.WithField("phase", PhaseProducts).WithField("count", run.ProductsSynced).Info("Products synced")
	return nil
}

func (s *SyncService) syncOrders(ctx context.Context, client clients.StoreClient, storeID string, run *models.SyncRun, log *logrus.Entry) error {
	createdAtMin := s.opts.Now().Add(-s.opts.OrderWindow)

	for page := 1; ; page++ {
		result, err := client.ListOrders(ctx, page, s.opts.PageSize, createdAtMin)
		if err != nil {
			return err
		}
		if len(result.Items) == 0 {
			break
		}

		batch := make([]repository.OrderUpsert, 0, len(result.Items))
		for _, o := range result.Items {
			if row, ok := MapOrder(o); ok {
				batch = append(batch, row)
			}
		}

		orders, items, err := s.orders.UpsertOrders(ctx, storeID, batch)
		if err != nil {
			s.logUpsertFailure(log, err, "order", page)
			return err
		}
		run.OrdersSynced += orders
		run.OrderItemsSynced += items
	}

	log.WithFields(logrus.Fields{
		"phase":        PhaseOrders,
		"count":        run.OrdersSynced,
		"items":        run.OrderItemsSynced,
		"created_from": createdAtMin.Format(time.RFC3339),
	}).Info("Orders synced")
	return nil
}

func (s *SyncService) logUpsertFailure(log *logrus.Entry, err error, entity string, page int) {
	if !errors.Is(err, repository.ErrUpsertConflict) {
		return
	}
	log.WithError(err).WithFields(logrus.Fields{
		"entity": entity,
		"page":   page,
	}).Error("Upsert conflict on natural key")
}

// Terminal writes use a fresh context so a cancelled or timed out job still
// leaves the store in a final state.

func (s *SyncService) finishFailed(id uuid.UUID, run *models.SyncRun, cause error, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.stores.MarkFailed(ctx, id); err != nil {
		log.WithError(err).Error("Failed to mark sync failed")
	}

	now := s.opts.Now()
	run.Status = models.SyncStatusFailed
	run.ErrorKind = errorKind(cause)
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &now
	if err := s.runs.FinishRun(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to record sync run result")
	}

	metrics.RecordSyncRun(string(run.Status), string(run.TriggeredBy), now.Sub(run.StartedAt))

	log.WithError(cause).WithFields(logrus.Fields{
		"phase":      run.Phase,
		"error_kind": run.ErrorKind,
	}).Error("Sync failed")
}

func (s *SyncService) finishSucceeded(id uuid.UUID, run *models.SyncRun, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.opts.Now()
	if err := s.stores.MarkSucceeded(ctx, id, now); err != nil {
		log.WithError(err).Error("Failed to mark sync succeeded")
	}

	run.Status = models.SyncStatusSuccess
	run.Phase = ""
	run.CompletedAt = &now
	if err := s.runs.FinishRun(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to record sync run result")
	}

	metrics.RecordSyncRun(string(run.Status), string(run.TriggeredBy), now.Sub(run.StartedAt))
	metrics.RecordSyncedRecords("categories", run.CategoriesSynced)
	metrics.RecordSyncedRecords("products", run.ProductsSynced)
	metrics.RecordSyncedRecords("orders", run.OrdersSynced)
	metrics.RecordSyncedRecords("order_items", run.OrderItemsSynced)

	log.WithFields(logrus.Fields{
		"categories":  run.CategoriesSynced,
		"products":    run.ProductsSynced,
		"orders":      run.OrdersSynced,
		"order_items": run.OrderItemsSynced,
		"duration_ms": run.DurationMs,
	}).Info("Sync completed successfully")
}

func errorKind(err error) string {
	if kind := clients.KindOf(err); kind != "" {
		return string(kind)
	}
	switch {
	case errors.Is(err, ErrConfigNotFound):
		return "CONFIG_NOT_FOUND"
	case errors.Is(err, ErrCredentialsUnreadable):
		return "CREDENTIALS_UNREADABLE"
	case errors.Is(err, repository.ErrUpsertConflict):
		return "UPSERT_CONFLICT"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	}
	return "INTERNAL"
}
