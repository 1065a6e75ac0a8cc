package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/repositories"
)

// Registry bundles every Firestore-backed repository behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	carts     *CartRepository
	stock     *StockRepository
	coupons   *CouponRepository
	orders    *OrderRepository
	payments  *PaymentRepository
	checkout  *CheckoutRepository
	customers *CustomerRepository
	catalog   *CatalogRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithHealthRepository overrides the health repository wired into the registry.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		if health != nil {
			r.health = health
		}
	}
}

// NewRegistry constructs all Firestore repositories on the shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	registry := &Registry{provider: provider}

	var err error
	if registry.carts, err = NewCartRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.stock, err = NewStockRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.coupons, err = NewCouponRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.orders, err = NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.payments, err = NewPaymentRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.checkout, err = NewCheckoutRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.customers, err = NewCustomerRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.catalog, err = NewCatalogRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if registry.counters, err = NewCounterRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Carts() repositories.CartRepository              { return r.carts }
func (r *Registry) Stock() repositories.StockRepository             { return r.stock }
func (r *Registry) Coupons() repositories.CouponRepository          { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository            { return r.orders }
func (r *Registry) OrderPayments() repositories.OrderPaymentRepository {
	return r.payments
}
func (r *Registry) Checkout() repositories.CheckoutRepository  { return r.checkout }
func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.customers }
func (r *Registry) Catalog() repositories.CatalogRepository    { return r.catalog }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }
