package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/repositories"
)

const productCollection = "products"

type productDocument struct {
	Name        string    `firestore:"name"`
	Price       int64     `firestore:"price"`
	WeightGrams int       `firestore:"weightGrams,omitempty"`
	IsActive    bool      `firestore:"isActive"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(sku string) domain.Product {
	return domain.Product{
		ID:          sku,
		SKU:         sku,
		Name:        d.Name,
		Price:       d.Price,
		WeightGrams: d.WeightGrams,
		IsActive:    d.IsActive,
	}
}

// CatalogRepository is the read-only catalog projection keyed by SKU that the
// order core consults for re-pricing. Catalog management lives in a separate
// service writing the same collection.
type CatalogRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog projection.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	base := pfirestore.NewCollection[productDocument](provider, productCollection)
	return &CatalogRepository{products: base}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// GetProduct loads the product identified by SKU.
func (r *CatalogRepository) GetProduct(ctx context.Context, sku string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	key := strings.TrimSpace(sku)
	if key == "" {
		return domain.Product{}, errors.New("catalog repository: sku is required")
	}
	doc, err := r.products.Get(ctx, key)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// GetProducts loads a batch of products keyed by SKU. Missing SKUs are simply
// absent from the result map.
func (r *CatalogRepository) GetProducts(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("catalog repository not initialised")
	}

	out := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		key := strings.TrimSpace(sku)
		if key == "" {
			continue
		}
		if _, ok := out[key]; ok {
			continue
		}
		product, err := r.GetProduct(ctx, key)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		out[key] = product
	}
	return out, nil
}
