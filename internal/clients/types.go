package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StoreClient defines the remote calls the sync pipeline depends on
type StoreClient interface {
	// GetStore fetches the store profile; used to verify credentials
	GetStore(ctx context.Context) (*RemoteStore, error)

	ListCategories(ctx context.Context, page, pageSize int) (*Page[RemoteCategory], error)
	ListProducts(ctx context.Context, page, pageSize int) (*Page[RemoteProduct], error)
	ListOrders(ctx context.Context, page, pageSize int, createdAtMin time.Time) (*Page[RemoteOrder], error)
}

// Credentials are the decrypted values needed to build a StoreClient
type Credentials struct {
	StoreID     string
	APIKey      string
	AccessToken string
}

// ClientFactory builds a StoreClient for one store
type ClientFactory func(creds Credentials) StoreClient

// Page is one page of a remote collection plus pagination metadata
type Page[T any] struct {
	Items   []T
	Page    int
	HasNext bool
	Total   int // -1 when the remote did not report a total
	NextURL string
	PrevURL string
}

// RawPage is a page whose items have not been decoded yet
type RawPage struct {
	Items   []json.RawMessage
	Page    int
	HasNext bool
	Total   int
	NextURL string
	PrevURL string
}

// Decode converts a RawPage into a typed Page
func Decode[T any](raw *RawPage) (*Page[T], error) {
	page := &Page[T]{
		Items:   make([]T, 0, len(raw.Items)),
		Page:    raw.Page,
		HasNext: raw.HasNext,
		Total:   raw.Total,
		NextURL: raw.NextURL,
		PrevURL: raw.PrevURL,
	}
	for i, item := range raw.Items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("failed to decode item %d of page %d: %w", i, raw.Page, err)
		}
		page.Items = append(page.Items, v)
	}
	return page, nil
}

// ID is a remote identifier. The platform sends ids as numbers or strings;
// both normalize to the canonical decimal string.
type ID string

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(data), err)
	}
	if i, err := n.Int64(); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return fmt.Errorf("invalid id %s", string(data))
	}
	*id = ID(strconv.FormatFloat(f, 'f', 0, 64))
	return nil
}

// String returns the canonical form
func (id ID) String() string {
	return string(id)
}

// Ptr returns nil for an empty id
func (id ID) Ptr() *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}

// LocalizedText is a name that may arrive as a plain string or as a map of
// language code to text.
type LocalizedText string

var languagePreference = []string{"es", "pt", "en"}

// UnmarshalJSON implements json.Unmarshaler
func (t *LocalizedText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = LocalizedText(s)
		return nil
	}

	var byLang map[string]string
	if err := json.Unmarshal(data, &byLang); err != nil {
		return fmt.Errorf("invalid localized text %s: %w", string(data), err)
	}
	for _, lang := range languagePreference {
		if s, ok := byLang[lang]; ok && s != "" {
			*t = LocalizedText(s)
			return nil
		}
	}

	keys := make([]string, 0, len(byLang))
	for k := range byLang {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if byLang[k] != "" {
			*t = LocalizedText(byLang[k])
			return nil
		}
	}
	*t = ""
	return nil
}

// String returns the resolved text
func (t LocalizedText) String() string {
	return string(t)
}

// Quantity is a whole number that may arrive as a number, a numeric string or
// null. Null and empty strings decode to zero.
type Quantity int

// UnmarshalJSON implements json.Unmarshaler
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*q = 0
			return nil
		}
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %s: %w", string(data), err)
	}
	*q = Quantity(int(f))
	return nil
}

// Int returns the value as an int
func (q Quantity) Int() int {
	return int(q)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
}

// Timestamp is a remote timestamp. Null or empty decodes to the zero time.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// RemoteStore is the store profile
type RemoteStore struct {
	ID    ID            `json:"id"`
	Name  LocalizedText `json:"name"`
	Email string        `json:"email"`
}

// RemoteCategory is a category as sent by the platform
type RemoteCategory struct {
	ID       ID            `json:"id"`
	Name     LocalizedText `json:"name"`
	ParentID ID            `json:"parent"`
}

// RemoteProduct is a product with its nested variants
type RemoteProduct struct {
	ID         ID                  `json:"id"`
	Name       LocalizedText       `json:"name"`
	SKU        string              `json:"sku"`
	Stock      Quantity            `json:"stock"`
	Price      decimal.Decimal     `json:"price"`
	Cost       decimal.NullDecimal `json:"cost"`
	ImageURL   string              `json:"image_url"`
	CategoryID ID                  `json:"category_id"`
	Categories []RemoteCategory    `json:"categories"`
	Variants   []RemoteVariant     `json:"variants"`
	CreatedAt  Timestamp           `json:"created_at"`
	UpdatedAt  Timestamp           `json:"updated_at"`
}

// Category returns category_id, falling back to the first listed category
func (p RemoteProduct) Category() ID {
	if p.CategoryID != "" {
		return p.CategoryID
	}
	if len(p.Categories) > 0 {
		return p.Categories[0].ID
	}
	return ""
}

// RemoteVariant is one purchasable variant of a product
type RemoteVariant struct {
	ID        ID                  `json:"id"`
	Name      LocalizedText       `json:"name"`
	SKU       string              `json:"sku"`
	Stock     Quantity            `json:"stock"`
	Price     decimal.Decimal     `json:"price"`
	Cost      decimal.NullDecimal `json:"cost"`
	ImageURL  string              `json:"image_url"`
	CreatedAt Timestamp           `json:"created_at"`
	UpdatedAt Timestamp           `json:"updated_at"`
}

// RemoteCustomer is the buyer attached to an order
type RemoteCustomer struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// RemoteOrder is an order with its line items
type RemoteOrder struct {
	ID             ID                `json:"id"`
	Status         string            `json:"status"`
	PaymentStatus  string            `json:"payment_status"`
	ShippingStatus string            `json:"shipping_status"`
	Gateway        string            `json:"gateway"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Total          decimal.Decimal   `json:"total"`
	Customer       *RemoteCustomer   `json:"customer"`
	Items          []RemoteOrderItem `json:"items"`
	Products       []RemoteOrderItem `json:"products"`
	CreatedAt      Timestamp         `json:"created_at"`
	UpdatedAt      Timestamp         `json:"updated_at"`
}

// LineItems returns items, falling back to the products list some API
// versions use instead.
func (o RemoteOrder) LineItems() []RemoteOrderItem {
	if len(o.Items) > 0 {
		return o.Items
	}
	return o.Products
}

// RemoteOrderItem is one line of an order
type RemoteOrderItem struct {
	ProductID ID              `json:"product_id"`
	VariantID ID              `json:"variant_id"`
	Quantity  Quantity        `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
}

// LineTotal returns total, or price*quantity when the remote omitted it
func (i RemoteOrderItem) LineTotal() decimal.Decimal {
	if !i.Total.IsZero() {
		return i.Total
	}
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
