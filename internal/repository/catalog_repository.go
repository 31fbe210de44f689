package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"store-sync-service/internal/models"
)

const upsertBatchSize = 100

var categoryUpdateColumns = []string{"name", "updated_at"}

var productUpdateColumns = []string{
	"name", "sku", "stock", "price", "image_url", "remote_category_id",
	"is_variant", "parent_remote_product_id", "updated_at_api", "local_updated_at",
}

var productUpdateColumnsWithCost = append(append([]string{}, productUpdateColumns...), "cost")

// ProductUpsert is one product or variant row to merge. HasCost reports
// whether the remote payload carried a cost; without it the stored cost is kept.
type ProductUpsert struct {
	Product models.Product
	HasCost bool
}

// CatalogRepository merges remote categories and products into local storage
type CatalogRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db, now: time.Now}
}

// UpsertCategories inserts or updates categories by (remote category id, store).
// Only the name is overwritten on conflict.
func (r *CatalogRepository) UpsertCategories(ctx context.Context, storeID string, categories []models.Category) (int, error) {
	rows := dedupeCategories(categories)
	if len(rows) == 0 {
		return 0, nil
	}
	for i := range rows {
		rows[i].ID = 0
		rows[i].StoreConfigID = storeID
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "remote_category_id"}, {Name: "store_config_id"}},
			DoUpdates: clause.AssignmentColumns(categoryUpdateColumns),
		}).CreateInBatches(&rows, upsertBatchSize).Error
	})
	if err != nil {
		return 0, translateWriteError(err, "categories")
	}
	return len(rows), nil
}

// UpsertProducts inserts or updates products and variants by (remote product id,
// store). Rows whose payload carried cost overwrite it; the rest keep the stored
// cost, or 0 on first insert. localUpdatedAt is stamped on every write.
func (r *CatalogRepository) UpsertProducts(ctx context.Context, storeID string, products []ProductUpsert) (int, error) {
	rows := dedupeProducts(products)
	if len(rows) == 0 {
		return 0, nil
	}

	now := r.now()
	var withCost, withoutCost []models.Product
	for _, row := range rows {
		p := row.Product
		p.ID = 0
		p.StoreConfigID = storeID
		p.LocalUpdatedAt = now
		if row.HasCost {
			withCost = append(withCost, p)
		} else {
			p.Cost = decimal.Zero
			withoutCost = append(withoutCost, p)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(withCost) > 0 {
			if err := upsertProductRows(tx, withCost, productUpdateColumnsWithCost); err != nil {
				return err
			}
		}
		if len(withoutCost) > 0 {
			if err := upsertProductRows(tx, withoutCost, productUpdateColumns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, translateWriteError(err, "products")
	}
	return len(rows), nil
}

func upsertProductRows(tx *gorm.DB, rows []models.Product, columns []string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_product_id"}, {Name: "store_config_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).CreateInBatches(&rows, upsertBatchSize).Error
}

// GetProduct retrieves a product by natural key
func (r *CatalogRepository) GetProduct(ctx context.Context, storeID, remoteProductID string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Where("store_config_id = ? AND remote_product_id = ?", storeID, remoteProductID).
		First(&product).Error
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetCategory retrieves a category by natural key
func (r *CatalogRepository) GetCategory(ctx context.Context, storeID, remoteCategoryID string) (*models.Category, error) {
	var category models.Category
	err := r.db.WithContext(ctx).
		Where("store_config_id = ? AND remote_category_id = ?", storeID, remoteCategoryID).
		First(&category).Error
	if err != nil {
		return nil, err
	}
	return &category, nil
}

// CountProducts counts products and variants for a store
func (r *CatalogRepository) CountProducts(ctx context.Context, storeID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Product{}).Where("store_config_id = ?", storeID).Count(&count).Error
	return count, err
}

// CountCategories counts categories for a store
func (r *CatalogRepository) CountCategories(ctx context.Context, storeID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Category{}).Where("store_config_id = ?", storeID).Count(&count).Error
	return count, err
}

// dedupeCategories keeps the last row for each remote id, in first-seen order
func dedupeCategories(categories []models.Category) []models.Category {
	index := make(map[string]int, len(categories))
	rows := make([]models.Category, 0, len(categories))
	for _, c := range categories {
		if i, ok := index[c.RemoteCategoryID]; ok {
			rows[i] = c
			continue
		}
		index[c.RemoteCategoryID] = len(rows)
		rows = append(rows, c)
	}
	return rows
}

// dedupeProducts keeps the last row for each remote id, in first-seen order
func dedupeProducts(products []ProductUpsert) []ProductUpsert {
	index := make(map[string]int, len(products))
	rows := make([]ProductUpsert, 0, len(products))
	for _, p := range products {
		key := p.Product.RemoteProductID
		if i, ok := index[key]; ok {
			rows[i] = p
			continue
		}
		index[key] = len(rows)
		rows = append(rows, p)
	}
	return rows
}
