package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a remote order scoped to a store.
// Natural key: (RemoteOrderID, StoreConfigID).
type Order struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	RemoteOrderID  string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_orders_remote_store,priority:1" json:"remoteOrderId"`
	StoreConfigID  string          `gorm:"type:varchar(36);not null;uniqueIndex:idx_orders_remote_store,priority:2" json:"storeConfigId"`
	Status         string          `gorm:"type:varchar(50);not null;default:''" json:"status"`
	PaymentStatus  string          `gorm:"type:varchar(50)" json:"paymentStatus,omitempty"`
	ShippingStatus string          `gorm:"type:varchar(50)" json:"shippingStatus,omitempty"`
	PaymentMethod  string          `gorm:"type:varchar(100)" json:"paymentMethod,omitempty"`
	CustomerName   string          `gorm:"type:varchar(255)" json:"customerName,omitempty"`
	CustomerEmail  string          `gorm:"type:varchar(255)" json:"customerEmail,omitempty"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"subtotal"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total"`
	CreatedAtAPI   time.Time       `gorm:"index:idx_orders_created_at_api" json:"createdAtApi"`
	UpdatedAtAPI   time.Time       `json:"updatedAtApi"`
	LocalUpdatedAt time.Time       `gorm:"not null" json:"localUpdatedAt"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName specifies the table name for Order
func (Order) TableName() string {
	return "orders"
}

// OrderItem is one line of an order. Items are replaced wholesale on every sync of
// their order, so (OrderID, RemoteProductID, RemoteVariantID) is unique by construction.
type OrderItem struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	OrderID         uint            `gorm:"not null;index:idx_order_items_order" json:"orderId"`
	ProductID       *uint           `gorm:"index:idx_order_items_product" json:"productId,omitempty"`
	RemoteProductID string          `gorm:"type:varchar(64);not null;index:idx_order_items_remote_product" json:"remoteProductId"`
	RemoteVariantID *string         `gorm:"type:varchar(64)" json:"remoteVariantId,omitempty"`
	Quantity        int             `gorm:"not null" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"unitPrice"`
	Total           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"total"`
}

// TableName specifies the table name for OrderItem
func (OrderItem) TableName() string {
	return "order_items"
}
