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

const cartCollection = "carts"

type cartDocument struct {
	Currency   string             `firestore:"currency,omitempty"`
	CouponCode *string            `firestore:"couponCode,omitempty"`
	Items      []cartItemDocument `firestore:"items"`
	CreatedAt  time.Time          `firestore:"createdAt"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID          string         `firestore:"id"`
	ProductRef  string         `firestore:"productRef"`
	SKU         string         `firestore:"sku"`
	Name        string         `firestore:"name"`
	Quantity    int            `firestore:"quantity"`
	UnitPrice   int64          `firestore:"unitPrice"`
	WeightGrams int            `firestore:"weightGrams,omitempty"`
	Attributes  map[string]any `firestore:"attributes,omitempty"`
	AddedAt     time.Time      `firestore:"addedAt"`
}

func (d cartDocument) toDomain(customerID string) domain.Cart {
	cart := domain.Cart{
		ID:         customerID,
		CustomerID: customerID,
		Currency:   d.Currency,
		CouponCode: d.CouponCode,
		Items:      make([]domain.CartItem, 0, len(d.Items)),
		UpdatedAt:  d.UpdatedAt,
	}
	for _, item := range d.Items {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:          item.ID,
			ProductRef:  item.ProductRef,
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WeightGrams: item.WeightGrams,
			Attributes:  item.Attributes,
			AddedAt:     item.AddedAt,
		})
	}
	return cart
}

func cartToDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		CouponCode: cart.CouponCode,
		Items:      make([]cartItemDocument, 0, len(cart.Items)),
		UpdatedAt:  cart.UpdatedAt.UTC(),
	}
	for _, item := range cart.Items {
		doc.Items = append(doc.Items, cartItemDocument{
			ID:          item.ID,
			ProductRef:  item.ProductRef,
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WeightGrams: item.WeightGrams,
			Attributes:  item.Attributes,
			AddedAt:     item.AddedAt.UTC(),
		})
	}
	return doc
}

// CartRepository persists carts keyed by the owning customer ID so each
// customer holds exactly one active cart.
type CartRepository struct {
	provider *pfirestore.Provider
	carts    *pfirestore.Collection[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewCollection[cartDocument](provider, cartCollection)
	return &CartRepository{
		provider: provider,
		carts:    base,
	}, nil
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// GetCart loads the cart for the given customer.
func (r *CartRepository) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: customer id is required")
	}

	doc, err := r.carts.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	cart := doc.Data.toDomain(doc.ID)
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

// UpsertCart stores the full cart document.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(cart.CustomerID)
	if id == "" {
		id = strings.TrimSpace(cart.ID)
	}
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: customer id is required")
	}

	now := cart.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	doc := cartToDocument(cart)
	doc.UpdatedAt = now
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if err := r.carts.Set(ctx, id, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(id), nil
}

// ReplaceItems swaps the item list while keeping the applied coupon.
func (r *CartRepository) ReplaceItems(ctx context.Context, customerID string, items []domain.CartItem) (domain.Cart, error) {
	cart, err := r.GetCart(ctx, customerID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			cart = domain.Cart{ID: customerID, CustomerID: customerID}
		} else {
			return domain.Cart{}, err
		}
	}
	cart.Items = items
	cart.UpdatedAt = time.Now().UTC()
	return r.UpsertCart(ctx, cart)
}

// SetCoupon applies or removes the coupon code held on the cart.
func (r *CartRepository) SetCoupon(ctx context.Context, customerID string, code *string, now time.Time) (domain.Cart, error) {
	cart, err := r.GetCart(ctx, customerID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.CouponCode = code
	if now.IsZero() {
		now = time.Now()
	}
	cart.UpdatedAt = now.UTC()
	return r.UpsertCart(ctx, cart)
}

// ClearCart removes the cart document entirely.
func (r *CartRepository) ClearCart(ctx context.Context, customerID string, now time.Time) error {
	if r == nil || r.carts == nil {
		return errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return errors.New("cart repository: customer id is required")
	}
	ref, err := r.carts.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}
