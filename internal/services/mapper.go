package services

import (
	"strings"

	"store-sync-service/internal/clients"
	"store-sync-service/internal/models"
	"store-sync-service/internal/repository"
)

// MapCategories converts remote categories into local rows
func MapCategories(remote []clients.RemoteCategory) []models.Category {
	rows := make([]models.Category, 0, len(remote))
	for _, c := range remote {
		if c.ID == "" {
			continue
		}
		rows = append(rows, models.Category{
			RemoteCategoryID: c.ID.String(),
			Name:             c.Name.String(),
		})
	}
	return rows
}

// MapProduct flattens a remote product and its variants into upsert rows.
// The parent comes first; each variant is its own row keyed by the variant
// id, inheriting the parent's category.
func MapProduct(p clients.RemoteProduct) []repository.ProductUpsert {
	if p.ID == "" {
		return nil
	}

	name := p.Name.String()
	category := p.Category().Ptr()

	rows := make([]repository.ProductUpsert, 0, 1+len(p.Variants))
	rows = append(rows, repository.ProductUpsert{
		Product: models.Product{
			RemoteProductID:  p.ID.String(),
			Name:             name,
			SKU:              p.SKU,
			Stock:            p.Stock.Int(),
			Price:            p.Price,
			Cost:             p.Cost.Decimal,
			ImageURL:         p.ImageURL,
			RemoteCategoryID: category,
			CreatedAtAPI:     p.CreatedAt.Time,
			UpdatedAtAPI:     p.UpdatedAt.Time,
		},
		HasCost: p.Cost.Valid,
	})

	for _, v := range p.Variants {
		if v.ID == "" {
			continue
		}
		image := v.ImageURL
		if image == "" {
			image = p.ImageURL
		}
		createdAt := v.CreatedAt.Time
		if createdAt.IsZero() {
			createdAt = p.CreatedAt.Time
		}
		updatedAt := v.UpdatedAt.Time
		if updatedAt.IsZero() {
			updatedAt = p.UpdatedAt.Time
		}

		rows = append(rows, repository.ProductUpsert{
			Product: models.Product{
				RemoteProductID:       v.ID.String(),
				Name:                  variantName(name, v.Name.String()),
				SKU:                   v.SKU,
				Stock:                 v.Stock.Int(),
				Price:                 v.Price,
				Cost:                  v.Cost.Decimal,
				ImageURL:              image,
				RemoteCategoryID:      category,
				IsVariant:             true,
				ParentRemoteProductID: p.ID.Ptr(),
				CreatedAtAPI:          createdAt,
				UpdatedAtAPI:          updatedAt,
			},
			HasCost: v.Cost.Valid,
		})
	}
	return rows
}

func variantName(parent, variant string) string {
	variant = strings.TrimSpace(variant)
	if variant == "" || variant == parent {
		return parent
	}
	return parent + " - " + variant
}

// MapOrder converts a remote order and its line items
func MapOrder(o clients.RemoteOrder) (repository.OrderUpsert, bool) {
	if o.ID == "" {
		return repository.OrderUpsert{}, false
	}

	order := models.Order{
		RemoteOrderID:  o.ID.String(),
		Status:         o.Status,
		PaymentStatus:  o.PaymentStatus,
		ShippingStatus: o.ShippingStatus,
		PaymentMethod:  o.Gateway,
		Subtotal:       o.Subtotal,
		Total:          o.Total,
		CreatedAtAPI:   o.CreatedAt.Time,
		UpdatedAtAPI:   o.UpdatedAt.Time,
	}
	if o.Customer != nil {
		order.CustomerName = o.Customer.Name
		order.CustomerEmail = o.Customer.Email
	}

	lines := o.LineItems()
	items := make([]models.OrderItem, 0, len(lines))
	for _, li := range lines {
		if li.ProductID == "" {
			continue
		}
		items = append(items, models.OrderItem{
			RemoteProductID: li.ProductID.String(),
			RemoteVariantID: li.VariantID.Ptr(),
			Quantity:        li.Quantity.Int(),
			UnitPrice:       li.Price,
			Total:           li.LineTotal(),
		})
	}

	return repository.OrderUpsert{Order: order, Items: items}, true
}
