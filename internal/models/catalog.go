package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is a remote category scoped to a store.
// Natural key: (RemoteCategoryID, StoreConfigID).
type Category struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RemoteCategoryID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_categories_remote_store,priority:1" json:"remoteCategoryId"`
	StoreConfigID    string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_categories_remote_store,priority:2" json:"storeConfigId"`
	Name             string    `gorm:"type:varchar(255);not null" json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// TableName specifies the table name for Category
func (Category) TableName() string {
	return "categories"
}

// Product is a remote product or variant scoped to a store. Variants live in the
// same table with IsVariant set and ParentRemoteProductID pointing at the parent.
// Natural key: (RemoteProductID, StoreConfigID).
type Product struct {
	ID                    uint            `gorm:"primaryKey" json:"id"`
	RemoteProductID       string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_products_remote_store,priority:1" json:"remoteProductId"`
	StoreConfigID         string          `gorm:"type:varchar(36);not null;uniqueIndex:idx_products_remote_store,priority:2" json:"storeConfigId"`
	Name                  string          `gorm:"type:varchar(512);not null" json:"name"`
	SKU                   string          `gorm:"type:varchar(255);not null;default:'';index:idx_products_sku" json:"sku"`
	Stock                 int             `gorm:"not null;default:0" json:"stock"`
	Price                 decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	Cost                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"cost"`
	ImageURL              string          `gorm:"type:text" json:"imageUrl,omitempty"`
	RemoteCategoryID      *string         `gorm:"type:varchar(64)" json:"remoteCategoryId,omitempty"`
	IsVariant             bool            `gorm:"not null;default:false" json:"isVariant"`
	ParentRemoteProductID *string         `gorm:"type:varchar(64);index:idx_products_parent" json:"parentRemoteProductId,omitempty"`
	CreatedAtAPI          time.Time       `gorm:"index:idx_products_created_at_api" json:"createdAtApi"`
	UpdatedAtAPI          time.Time       `json:"updatedAtApi"`
	LocalUpdatedAt        time.Time       `gorm:"not null" json:"localUpdatedAt"`
}

// TableName specifies the table name for Product
func (Product) TableName() string {
	return "products"
}
