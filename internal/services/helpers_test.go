package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"store-sync-service/internal/clients/tiendanube"
	"store-sync-service/internal/database"
	"store-sync-service/internal/encryption"
	"store-sync-service/internal/models"
	"store-sync-service/internal/repository"
)

// fakeRemote serves paged collections the way the platform does: pages past
// the end answer 404 "Last page is N".
type fakeRemote struct {
	mu sync.Mutex

	pages    map[string][][]map[string]any
	failures map[string]int // resource -> status code
	// endlessNext keeps advertising a next page on every response
	endlessNext bool
	// onRequest runs before each response
	onRequest func(resource string)

	requests    map[string]int
	lastQueries map[string]url.Values
	lastAuth    string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pages:       make(map[string][][]map[string]any),
		failures:    make(map[string]int),
		requests:    make(map[string]int),
		lastQueries: make(map[string]url.Values),
	}
}

func (f *fakeRemote) setPages(resource string, pages ...[]map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[resource] = pages
}

func (f *fakeRemote) fail(resource string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[resource] = status
}

func (f *fakeRemote) setEndlessNext(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endlessNext = v
}

func (f *fakeRemote) setOnRequest(fn func(resource string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRequest = fn
}

func (f *fakeRemote) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func (f *fakeRemote) requestCount(resource string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[resource]
}

func (f *fakeRemote) query(resource string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQueries[resource]
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	resource := parts[1]

	f.mu.Lock()
	f.requests[resource]++
	f.lastQueries[resource] = r.URL.Query()
	f.lastAuth = r.Header.Get("Authentication")
	status := f.failures[resource]
	pages := f.pages[resource]
	endless := f.endlessNext
	hook := f.onRequest
	f.mu.Unlock()

	if hook != nil {
		hook(resource)
	}

	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"code":%d,"message":"%s"}`, status, http.StatusText(status))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if resource == "store" {
		fmt.Fprintf(w, `{"id":%s,"name":{"es":"Tienda Demo"},"email":"owner@example.com"}`, parts[0])
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))

	if page > len(pages) {
		if endless {
			w.Header().Set("Link", fmt.Sprintf(`<http://remote/%s?page=%d>; rel="next"`, resource, page+1))
			fmt.Fprint(w, `[]`)
			return
		}
		if page > 1 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"code":404,"message":"Not Found","description":"Last page is %d"}`, len(pages))
			return
		}
		fmt.Fprint(w, `[]`)
		return
	}

	if page < len(pages) || endless {
		w.Header().Set("Link", fmt.Sprintf(`<http://remote/%s?page=%d>; rel="next"`, resource, page+1))
	}
	_ = json.NewEncoder(w).Encode(pages[page-1])
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type harness struct {
	db      *gorm.DB
	remote  *fakeRemote
	server  *httptest.Server
	stores  *repository.StoreRepository
	catalog *repository.CatalogRepository
	orders  *repository.OrderRepository
	runs    *repository.SyncRepository
	cipher  *encryption.CredentialCipher
	sync    *SyncService
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	remote := newFakeRemote()
	server := httptest.NewServer(remote)
	t.Cleanup(server.Close)

	cipher, err := encryption.NewCredentialCipher([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	db := newTestDB(t)
	h := &harness{
		db:      db,
		remote:  remote,
		server:  server,
		stores:  repository.NewStoreRepository(db),
		catalog: repository.NewCatalogRepository(db),
		orders:  repository.NewOrderRepository(db),
		runs:    repository.NewSyncRepository(db),
		cipher:  cipher,
		now:     time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
	}

	opts := DefaultSyncOptions()
	opts.Now = func() time.Time { return h.now }
	h.sync = NewSyncService(h.stores, h.catalog, h.orders, h.runs, cipher, tiendanube.NewFactory(h.clientConfig()), opts, quietLogger())
	return h
}

func (h *harness) clientConfig() tiendanube.Config {
	cfg := tiendanube.DefaultConfig()
	cfg.BaseURL = h.server.URL
	cfg.RateLimit = 1000
	cfg.RateBurst = 1000
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func (h *harness) addStore(t *testing.T, remoteID string) *models.StoreConfig {
	t.Helper()
	apiKey, err := h.cipher.Encrypt("api-key")
	require.NoError(t, err)
	token, err := h.cipher.Encrypt("access-token")
	require.NoError(t, err)

	store := &models.StoreConfig{
		RemoteStoreID:        remoteID,
		EncryptedAPIKey:      apiKey,
		EncryptedAccessToken: token,
	}
	require.NoError(t, h.stores.Create(context.Background(), store))
	return store
}

func (h *harness) status(t *testing.T, store *models.StoreConfig) *models.StoreConfig {
	t.Helper()
	got, err := h.stores.GetByID(context.Background(), store.ID)
	require.NoError(t, err)
	return got
}

func productPayloads(from, count int) []map[string]any {
	items := make([]map[string]any, 0, count)
	for i := from; i < from+count; i++ {
		items = append(items, map[string]any{
			"id":          1000 + i,
			"name":        map[string]any{"es": fmt.Sprintf("Producto %d", i)},
			"sku":         fmt.Sprintf("SKU-%d", i),
			"stock":       5,
			"price":       "10.00",
			"category_id": 7,
			"created_at":  "2024-01-01T10:00:00+0000",
			"updated_at":  "2024-06-01T10:00:00+0000",
		})
	}
	return items
}

func orderPayloads(count int) []map[string]any {
	items := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, map[string]any{
			"id":       500 + i,
			"status":   "open",
			"gateway":  "mercadopago",
			"subtotal": "30.00",
			"total":    "30.00",
			"customer": map[string]any{"name": "Ana", "email": "ana@example.com"},
			"products": []map[string]any{
				{"product_id": 1000, "quantity": "1", "price": "10.00"},
				{"product_id": 1001, "quantity": 2, "price": "10.00"},
			},
			"created_at": "2024-06-20T09:00:00+0000",
		})
	}
	return items
}
