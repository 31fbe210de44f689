package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"store-sync-service/internal/models"
)

var orderUpdateColumns = []string{
	"status", "payment_status", "shipping_status", "payment_method",
	"customer_name", "customer_email", "subtotal", "total",
	"created_at_api", "updated_at_api", "local_updated_at",
}

// OrderUpsert is one order plus the full set of its remote line items
type OrderUpsert struct {
	Order models.Order
	Items []models.OrderItem
}

// OrderRepository merges remote orders and their items into local storage
type OrderRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

// UpsertOrders inserts or updates orders by (remote order id, store) and
// replaces each order's items with the given set, all in one transaction.
// It returns the number of orders and items written.
func (r *OrderRepository) UpsertOrders(ctx context.Context, storeID string, orders []OrderUpsert) (int, int, error) {
	batch := dedupeOrders(orders)
	if len(batch) == 0 {
		return 0, 0, nil
	}

	now := r.now()
	rows := make([]models.Order, 0, len(batch))
	remoteIDs := make([]string, 0, len(batch))
	for _, o := range batch {
		row := o.Order
		row.ID = 0
		row.Items = nil
		row.StoreConfigID = storeID
		row.LocalUpdatedAt = now
		rows = append(rows, row)
		remoteIDs = append(remoteIDs, row.RemoteOrderID)
	}

	itemCount := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "remote_order_id"}, {Name: "store_config_id"}},
			DoUpdates: clause.AssignmentColumns(orderUpdateColumns),
		}).CreateInBatches(&rows, upsertBatchSize).Error
		if err != nil {
			return err
		}

		var persisted []models.Order
		err = tx.Select("id", "remote_order_id").
			Where("store_config_id = ? AND remote_order_id IN ?", storeID, remoteIDs).
			Find(&persisted).Error
		if err != nil {
			return err
		}
		orderIDs := make(map[string]uint, len(persisted))
		for _, o := range persisted {
			orderIDs[o.RemoteOrderID] = o.ID
		}

		itemsByOrder := make(map[uint][]models.OrderItem, len(batch))
		ids := make([]uint, 0, len(batch))
		for _, o := range batch {
			id, ok := orderIDs[o.Order.RemoteOrderID]
			if !ok {
				return errors.New("upserted order missing after write: " + o.Order.RemoteOrderID)
			}
			ids = append(ids, id)
			itemsByOrder[id] = o.Items
		}

		n, err := replaceItems(tx, storeID, ids, itemsByOrder)
		itemCount = n
		return err
	})
	if err != nil {
		return 0, 0, translateWriteError(err, "orders")
	}
	return len(batch), itemCount, nil
}

// ReplaceOrderItems replaces every item of one order with items
func (r *OrderRepository) ReplaceOrderItems(ctx context.Context, orderID uint, items []models.OrderItem) (int, error) {
	count := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Select("id", "store_config_id").First(&order, orderID).Error; err != nil {
			return err
		}

		n, err := replaceItems(tx, order.StoreConfigID, []uint{orderID}, map[uint][]models.OrderItem{orderID: items})
		count = n
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		return 0, translateWriteError(err, "order items")
	}
	return count, nil
}

// replaceItems deletes the current items of orderIDs and inserts the merged
// replacements, linking each to its local product when one exists.
func replaceItems(tx *gorm.DB, storeID string, orderIDs []uint, itemsByOrder map[uint][]models.OrderItem) (int, error) {
	if err := tx.Where("order_id IN ?", orderIDs).Delete(&models.OrderItem{}).Error; err != nil {
		return 0, err
	}

	var rows []models.OrderItem
	for _, orderID := range orderIDs {
		for _, item := range mergeItems(itemsByOrder[orderID]) {
			item.ID = 0
			item.OrderID = orderID
			rows = append(rows, item)
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	productIDs, err := resolveProducts(tx, storeID, rows)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		rows[i].ProductID = nil
		if rows[i].RemoteVariantID != nil {
			if id, ok := productIDs[*rows[i].RemoteVariantID]; ok {
				rows[i].ProductID = &id
				continue
			}
		}
		if id, ok := productIDs[rows[i].RemoteProductID]; ok {
			rows[i].ProductID = &id
		}
	}

	if err := tx.CreateInBatches(&rows, upsertBatchSize).Error; err != nil {
		return 0, err
	}
	return len(rows), nil
}

// resolveProducts maps remote product and variant ids to local product ids
func resolveProducts(tx *gorm.DB, storeID string, items []models.OrderItem) (map[string]uint, error) {
	seen := make(map[string]struct{})
	var remoteIDs []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		remoteIDs = append(remoteIDs, id)
	}
	for _, item := range items {
		add(item.RemoteProductID)
		if item.RemoteVariantID != nil {
			add(*item.RemoteVariantID)
		}
	}

	resolved := make(map[string]uint, len(remoteIDs))
	if len(remoteIDs) == 0 {
		return resolved, nil
	}

	var products []models.Product
	err := tx.Select("id", "remote_product_id").
		Where("store_config_id = ? AND remote_product_id IN ?", storeID, remoteIDs).
		Find(&products).Error
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		resolved[p.RemoteProductID] = p.ID
	}
	return resolved, nil
}

// mergeItems collapses lines for the same (product, variant) by summing
// quantity and total; the last unit price wins.
func mergeItems(items []models.OrderItem) []models.OrderItem {
	type itemKey struct {
		product string
		variant string
	}

	index := make(map[itemKey]int, len(items))
	merged := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		key := itemKey{product: item.RemoteProductID}
		if item.RemoteVariantID != nil {
			key.variant = *item.RemoteVariantID
		}

		if i, ok := index[key]; ok {
			merged[i].Quantity += item.Quantity
			merged[i].Total = merged[i].Total.Add(item.Total)
			merged[i].UnitPrice = item.UnitPrice
			continue
		}
		index[key] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// dedupeOrders keeps the last entry for each remote order id, in first-seen order
func dedupeOrders(orders []OrderUpsert) []OrderUpsert {
	index := make(map[string]int, len(orders))
	rows := make([]OrderUpsert, 0, len(orders))
	for _, o := range orders {
		key := o.Order.RemoteOrderID
		if i, ok := index[key]; ok {
			rows[i] = o
			continue
		}
		index[key] = len(rows)
		rows = append(rows, o)
	}
	return rows
}

// GetOrder retrieves an order by natural key with its items
func (r *OrderRepository) GetOrder(ctx context.Context, storeID, remoteOrderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("store_config_id = ? AND remote_order_id = ?", storeID, remoteOrderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CountOrders counts orders for a store
func (r *OrderRepository) CountOrders(ctx context.Context, storeID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Order{}).Where("store_config_id = ?", storeID).Count(&count).Error
	return count, err
}

// CountOrderItems counts order items across a store's orders
func (r *OrderRepository) CountOrderItems(ctx context.Context, storeID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.OrderItem{}).
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.store_config_id = ?", storeID).
		Count(&count).Error
	return count, err
}
