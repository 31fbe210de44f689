package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"store-sync-service/internal/clients/tiendanube"
	"store-sync-service/internal/jobs"
	"store-sync-service/internal/models"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueOnce(ctx context.Context, storeID string) (*jobs.Job, error) {
	args := m.Called(ctx, storeID)
	job, _ := args.Get(0).(*jobs.Job)
	return job, args.Error(1)
}

func (m *mockEnqueuer) EnqueueRecurring(ctx context.Context, storeID, expr string) (*jobs.RepeatEntry, error) {
	args := m.Called(ctx, storeID, expr)
	entry, _ := args.Get(0).(*jobs.RepeatEntry)
	return entry, args.Error(1)
}

const testCron = "0 */4 * * *"

func newStoreService(h *harness, queue SyncEnqueuer) *StoreService {
	return NewStoreService(h.stores, h.runs, h.cipher, tiendanube.NewFactory(h.clientConfig()), queue, testCron, quietLogger())
}

func validRequest() SaveConfigRequest {
	return SaveConfigRequest{
		UserID:                  "user-1",
		RemoteStoreID:           "123",
		APIKey:                  "api-key",
		AccessToken:             "access-token",
		LowStockThresholdValue:  5,
		LowStockThresholdType:   models.ThresholdUnits,
		OverStockThresholdValue: 90,
		OverStockThresholdType:  models.ThresholdDays,
	}
}

func TestStoreService_SaveConfig(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	svc := newStoreService(h, queue)
	ctx := context.Background()

	queue.On("EnqueueOnce", mock.Anything, mock.AnythingOfType("string")).
		Return(&jobs.Job{ID: "sync-store-x-1-1"}, nil).Once()
	queue.On("EnqueueRecurring", mock.Anything, mock.AnythingOfType("string"), testCron).
		Return(&jobs.RepeatEntry{Key: "sync-store-x-recurring"}, nil).Once()

	result, err := svc.SaveConfig(ctx, validRequest())
	require.NoError(t, err)

	store := result.Store
	assert.Equal(t, "123", store.RemoteStoreID)
	assert.Equal(t, "Tienda Demo", store.StoreName)
	assert.Equal(t, models.SyncStatusPending, store.LastSyncStatus)
	assert.NotEqual(t, "access-token", store.EncryptedAccessToken)

	token, err := h.cipher.Decrypt(store.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-token", token)

	assert.Equal(t, "bearer access-token", h.remote.authHeader())
	assert.Equal(t, "sync-store-x-1-1", result.Job.ID)

	queue.AssertCalled(t, "EnqueueOnce", mock.Anything, store.ID.String())
	queue.AssertCalled(t, "EnqueueRecurring", mock.Anything, store.ID.String(), testCron)
	queue.AssertExpectations(t)
}

func TestStoreService_SaveConfigResetsFailedStore(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	queue.On("EnqueueOnce", mock.Anything, mock.Anything).Return(&jobs.Job{ID: "j"}, nil)
	queue.On("EnqueueRecurring", mock.Anything, mock.Anything, mock.Anything).Return(&jobs.RepeatEntry{}, nil)
	svc := newStoreService(h, queue)
	ctx := context.Background()

	first, err := svc.SaveConfig(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, h.stores.MarkFailed(ctx, first.Store.ID))

	second, err := svc.SaveConfig(ctx, validRequest())
	require.NoError(t, err)

	assert.Equal(t, first.Store.ID, second.Store.ID)
	assert.Equal(t, models.SyncStatusPending, second.Store.LastSyncStatus)
}

func TestStoreService_SaveConfigRejectedCredentials(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	svc := newStoreService(h, queue)
	h.remote.fail("store", 401)

	_, err := svc.SaveConfig(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrCredentialsRejected)

	stores, err := h.stores.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stores)
	queue.AssertNotCalled(t, "EnqueueOnce", mock.Anything, mock.Anything)
}

func TestSaveConfigRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *SaveConfigRequest)
	}{
		{"missing store id", func(r *SaveConfigRequest) { r.RemoteStoreID = "  " }},
		{"missing api key", func(r *SaveConfigRequest) { r.APIKey = "" }},
		{"missing token", func(r *SaveConfigRequest) { r.AccessToken = "" }},
		{"zero low stock", func(r *SaveConfigRequest) { r.LowStockThresholdValue = 0 }},
		{"negative over stock", func(r *SaveConfigRequest) { r.OverStockThresholdValue = -1 }},
		{"bad low stock type", func(r *SaveConfigRequest) { r.LowStockThresholdType = "WEEKS" }},
		{"over stock in units", func(r *SaveConfigRequest) { r.OverStockThresholdType = models.ThresholdUnits }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			assert.ErrorIs(t, req.Validate(), ErrInvalidConfig)
		})
	}

	req := validRequest()
	req.LowStockThresholdType = models.ThresholdDays
	assert.NoError(t, req.Validate())
}

func TestStoreService_TriggerSync(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	svc := newStoreService(h, queue)
	store := h.addStore(t, "123")

	queue.On("EnqueueOnce", mock.Anything, store.ID.String()).Return(&jobs.Job{ID: "job-1"}, nil).Once()

	job, err := svc.TriggerSync(context.Background(), store.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	_, err = svc.TriggerSync(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrConfigNotFound)
	queue.AssertExpectations(t)
}

func TestStoreService_GetSyncStatus(t *testing.T) {
	h := newHarness(t)
	svc := newStoreService(h, &mockEnqueuer{})
	store := h.addStore(t, "123")
	h.remote.setPages("products", productPayloads(0, 2))

	_, err := h.sync.Run(context.Background(), store.ID.String(), RunMeta{JobID: "job-1"})
	require.NoError(t, err)

	status, err := svc.GetSyncStatus(context.Background(), store.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSuccess, status.LastSyncStatus)
	require.NotNil(t, status.LastSyncAt)
	assert.Equal(t, int64(1), status.Stats.SuccessfulRuns)
	require.Len(t, status.RecentRuns, 1)
	assert.Equal(t, 2, status.RecentRuns[0].ProductsSynced)

	_, err = svc.GetSyncStatus(context.Background(), uuid.New(), 5)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestStoreService_GetConfig(t *testing.T) {
	h := newHarness(t)
	svc := newStoreService(h, &mockEnqueuer{})
	store := h.addStore(t, "123")

	got, err := svc.GetConfig(context.Background(), store.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ID, got.ID)
	assert.Equal(t, "123", got.RemoteStoreID)

	_, err = svc.GetConfig(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestStoreService_TestConnection(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	svc := newStoreService(h, queue)
	store := h.addStore(t, "123")
	ctx := context.Background()

	result, err := svc.TestConnection(ctx, store.ID)
	require.NoError(t, err)
	assert.True(t, result.Connected)
	assert.Equal(t, "123", result.RemoteStoreID)
	assert.Equal(t, "Tienda Demo", result.StoreName)
	assert.Equal(t, "bearer access-token", h.remote.authHeader())
	assert.Equal(t, 1, h.remote.requestCount("store"))

	for _, status := range []int{401, 404} {
		h.remote.fail("store", status)
		_, err = svc.TestConnection(ctx, store.ID)
		assert.ErrorIs(t, err, ErrCredentialsRejected, "status %d", status)
	}

	_, err = svc.TestConnection(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrConfigNotFound)

	// Nothing is queued or changed by a connection check
	assert.Equal(t, models.SyncStatusPending, h.status(t, store).LastSyncStatus)
	queue.AssertNotCalled(t, "EnqueueOnce", mock.Anything, mock.Anything)
}

func TestStoreService_TestConnectionUnreadableCredentials(t *testing.T) {
	h := newHarness(t)
	svc := newStoreService(h, &mockEnqueuer{})

	store := &models.StoreConfig{
		RemoteStoreID:        "123",
		EncryptedAPIKey:      "not-ciphertext",
		EncryptedAccessToken: "not-ciphertext",
	}
	require.NoError(t, h.stores.Create(context.Background(), store))

	_, err := svc.TestConnection(context.Background(), store.ID)
	assert.ErrorIs(t, err, ErrCredentialsUnreadable)
	assert.Zero(t, h.remote.requestCount("store"))
}

func TestStoreService_RegisterRecurring(t *testing.T) {
	h := newHarness(t)
	queue := &mockEnqueuer{}
	svc := newStoreService(h, queue)
	a := h.addStore(t, "1")
	b := h.addStore(t, "2")

	queue.On("EnqueueRecurring", mock.Anything, a.ID.String(), testCron).Return(&jobs.RepeatEntry{}, nil).Once()
	queue.On("EnqueueRecurring", mock.Anything, b.ID.String(), testCron).Return(&jobs.RepeatEntry{}, nil).Once()

	n, err := svc.RegisterRecurring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	queue.AssertExpectations(t)
}
