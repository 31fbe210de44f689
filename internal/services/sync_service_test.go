package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-sync-service/internal/clients"
	"store-sync-service/internal/jobs"
	"store-sync-service/internal/models"
)

func TestSyncService_FullRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.addStore(t, "123")
	storeID := store.ID.String()

	h.remote.setPages("categories", []map[string]any{
		{"id": 7, "name": map[string]any{"es": "Remeras"}},
		{"id": 8, "name": "Gorras", "parent": 7},
	})
	h.remote.setPages("products", productPayloads(0, 50), productPayloads(50, 12))
	h.remote.setPages("orders", orderPayloads(3))

	run, err := h.sync.Run(ctx, storeID, RunMeta{JobID: "job-1", Trigger: models.TriggerManual, Attempt: 1})
	require.NoError(t, err)

	products, err := h.catalog.CountProducts(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(62), products)

	categories, err := h.catalog.CountCategories(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), categories)

	orders, err := h.orders.CountOrders(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), orders)

	items, err := h.orders.CountOrderItems(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), items)

	got := h.status(t, store)
	assert.Equal(t, models.SyncStatusSuccess, got.LastSyncStatus)
	require.NotNil(t, got.LastSyncAt)
	assert.WithinDuration(t, h.now, *got.LastSyncAt, time.Second)

	assert.Equal(t, models.SyncStatusSuccess, run.Status)
	assert.Equal(t, 62, run.ProductsSynced)
	assert.Equal(t, 3, run.OrdersSynced)
	assert.Equal(t, 6, run.OrderItemsSynced)

	assert.Equal(t, "bearer access-token", h.remote.authHeader())
	assert.Equal(t, "2024-05-31T12:00:00Z", h.remote.query("orders").Get("created_at_min"))

	order, err := h.orders.GetOrder(ctx, storeID, "500")
	require.NoError(t, err)
	assert.Equal(t, "Ana", order.CustomerName)
	assert.Equal(t, "mercadopago", order.PaymentMethod)
	require.Len(t, order.Items, 2)
	assert.NotNil(t, order.Items[0].ProductID)
	assert.Equal(t, 2, order.Items[1].Quantity)

	runs, err := h.runs.ListRuns(ctx, storeID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "job-1", runs[0].JobID)
	assert.Equal(t, models.SyncStatusSuccess, runs[0].Status)
}

func TestSyncService_PassesThroughInProgress(t *testing.T) {
	h := newHarness(t)
	store := h.addStore(t, "123")

	var (
		mu       sync.Mutex
		observed []models.SyncStatus
	)
	h.remote.setOnRequest(func(resource string) {
		if resource != "categories" {
			return
		}
		got, err := h.stores.GetByID(context.Background(), store.ID)
		if err != nil {
			return
		}
		mu.Lock()
		observed = append(observed, got.LastSyncStatus)
		mu.Unlock()
	})

	_, err := h.sync.Run(context.Background(), store.ID.String(), RunMeta{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	assert.Equal(t, models.SyncStatusInProgress, observed[0])
	assert.Equal(t, models.SyncStatusSuccess, h.status(t, store).LastSyncStatus)
}

func TestSyncService_AuthFailureOnOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.addStore(t, "123")
	storeID := store.ID.String()

	h.remote.setPages("categories", []map[string]any{{"id": 7, "name": "Remeras"}})
	h.remote.setPages("products", productPayloads(0, 50), productPayloads(50, 12))
	h.remote.fail("orders", 401)

	run, err := h.sync.Run(ctx, storeID, RunMeta{JobID: "job-1", Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrAuthFailure)
	assert.True(t, IsPermanentFailure(err))

	products, err := h.catalog.CountProducts(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(62), products, "earlier phases stay committed")

	categories, err := h.catalog.CountCategories(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), categories)

	orders, err := h.orders.CountOrders(ctx, storeID)
	require.NoError(t, err)
	assert.Zero(t, orders)

	got := h.status(t, store)
	assert.Equal(t, models.SyncStatusFailed, got.LastSyncStatus)
	assert.Nil(t, got.LastSyncAt)

	assert.Equal(t, models.SyncStatusFailed, run.Status)
	assert.Equal(t, PhaseOrders, run.Phase)
	assert.Equal(t, string(clients.KindAuthFailure), run.ErrorKind)
	assert.Equal(t, 1, h.remote.requestCount("orders"), "auth failures are not retried")
}

func TestSyncService_ServerErrorIsRetriable(t *testing.T) {
	h := newHarness(t)
	store := h.addStore(t, "123")
	h.remote.fail("products", 503)

	err := h.sync.HandleJob(context.Background(), &jobs.Job{ID: "job-1", StoreID: store.ID.String(), Attempts: 1})
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
	assert.ErrorIs(t, err, clients.ErrServerError)
	assert.Equal(t, models.SyncStatusFailed, h.status(t, store).LastSyncStatus)
}

func TestSyncService_ConfigNotFoundIsPermanent(t *testing.T) {
	h := newHarness(t)

	err := h.sync.HandleJob(context.Background(), &jobs.Job{ID: "job-1", StoreID: uuid.NewString(), Attempts: 1})
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	err = h.sync.HandleJob(context.Background(), &jobs.Job{ID: "job-2", StoreID: "not-a-uuid", Attempts: 1})
	assert.True(t, jobs.IsPermanent(err))
	assert.Zero(t, h.remote.requestCount("categories"))
}

func TestSyncService_UnreadableCredentialsArePermanent(t *testing.T) {
	h := newHarness(t)
	store := &models.StoreConfig{RemoteStoreID: "123", EncryptedAPIKey: "garbage", EncryptedAccessToken: "garbage"}
	require.NoError(t, h.stores.Create(context.Background(), store))

	err := h.sync.HandleJob(context.Background(), &jobs.Job{ID: "job-1", StoreID: store.ID.String(), Attempts: 1})
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	assert.ErrorIs(t, err, ErrCredentialsUnreadable)
	assert.Equal(t, models.SyncStatusFailed, h.status(t, store).LastSyncStatus)
}

func TestSyncService_StopsOnEmptyPageDespiteNextHint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.addStore(t, "123")

	h.remote.setEndlessNext(true)
	h.remote.setPages("products", productPayloads(0, 2))

	_, err := h.sync.Run(ctx, store.ID.String(), RunMeta{})
	require.NoError(t, err)

	assert.Equal(t, 2, h.remote.requestCount("products"))
	assert.Equal(t, 1, h.remote.requestCount("categories"))
	assert.Equal(t, 1, h.remote.requestCount("orders"))
}

func TestSyncService_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.addStore(t, "123")
	storeID := store.ID.String()

	h.remote.setPages("categories", []map[string]any{{"id": 7, "name": "Remeras"}})
	h.remote.setPages("products", productPayloads(0, 3))
	h.remote.setPages("orders", orderPayloads(2))

	for i := 0; i < 2; i++ {
		_, err := h.sync.Run(ctx, storeID, RunMeta{Attempt: 1})
		require.NoError(t, err)
	}

	products, _ := h.catalog.CountProducts(ctx, storeID)
	categories, _ := h.catalog.CountCategories(ctx, storeID)
	orders, _ := h.orders.CountOrders(ctx, storeID)
	items, _ := h.orders.CountOrderItems(ctx, storeID)

	assert.Equal(t, int64(3), products)
	assert.Equal(t, int64(1), categories)
	assert.Equal(t, int64(2), orders)
	assert.Equal(t, int64(4), items)

	stats, err := h.runs.GetSyncStats(ctx, storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.SuccessfulRuns)
}

func TestSyncService_VariantsAndCost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.addStore(t, "123")
	storeID := store.ID.String()

	h.remote.setPages("products", []map[string]any{{
		"id":    1,
		"name":  map[string]any{"pt": "Camisa"},
		"price": 25,
		"cost":  "12.50",
		"categories": []map[string]any{
			{"id": 9, "name": "Ropa"},
		},
		"variants": []map[string]any{
			{"id": 11, "name": "Roja", "stock": "3", "price": "25.00"},
			{"id": 12, "name": "Azul", "stock": nil, "price": "26.00", "cost": 0},
		},
	}})

	_, err := h.sync.Run(ctx, storeID, RunMeta{})
	require.NoError(t, err)

	parent, err := h.catalog.GetProduct(ctx, storeID, "1")
	require.NoError(t, err)
	assert.Equal(t, "Camisa", parent.Name)
	assert.False(t, parent.IsVariant)
	assert.Equal(t, "12.5", parent.Cost.String())
	require.NotNil(t, parent.RemoteCategoryID)
	assert.Equal(t, "9", *parent.RemoteCategoryID)

	red, err := h.catalog.GetProduct(ctx, storeID, "11")
	require.NoError(t, err)
	assert.Equal(t, "Camisa - Roja", red.Name)
	assert.True(t, red.IsVariant)
	assert.Equal(t, 3, red.Stock)
	require.NotNil(t, red.ParentRemoteProductID)
	assert.Equal(t, "1", *red.ParentRemoteProductID)
	assert.Equal(t, "9", *red.RemoteCategoryID)

	blue, err := h.catalog.GetProduct(ctx, storeID, "12")
	require.NoError(t, err)
	assert.Equal(t, 0, blue.Stock)
	assert.True(t, blue.Cost.IsZero())
}

func TestSyncService_SerializesSameStore(t *testing.T) {
	h := newHarness(t)
	store := h.addStore(t, "123")

	locks := NewStoreLocks()
	h.sync.SetStoreLocks(locks)

	release, err := locks.Acquire(context.Background(), store.ID.String())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = h.sync.Run(ctx, store.ID.String(), RunMeta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, models.SyncStatusPending, h.status(t, store).LastSyncStatus)
}
