package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

const cartItemIDPrefix = "itm_"

var (
	// ErrCartInvalidInput signals the caller provided invalid cart data.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartItemNotFound indicates the referenced line does not exist in the cart.
	ErrCartItemNotFound = errors.New("cart: item not found")
	// ErrCartProductUnavailable indicates the SKU cannot be carted.
	ErrCartProductUnavailable = errors.New("cart: product unavailable")
	// ErrCartCouponInvalid indicates the coupon failed validation against the cart.
	ErrCartCouponInvalid = errors.New("cart: coupon invalid")
)

// CartServiceDeps bundles collaborators required to construct the cart service.
type CartServiceDeps struct {
	Carts       repositories.CartRepository
	Catalog     repositories.CatalogRepository
	Coupons     CouponService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts   repositories.CartRepository
	catalog repositories.CatalogRepository
	coupons CouponService
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cart service: catalog repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:   deps.Carts,
		catalog: deps.Catalog,
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *cartService) GetOrCreateCart(ctx context.Context, customerID string) (Cart, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, id)
	if err == nil {
		return cart, nil
	}
	if !isRepoNotFound(err) {
		return Cart{}, err
	}

	return s.carts.UpsertCart(ctx, domain.Cart{
		ID:         id,
		CustomerID: id,
		Currency:   defaultCurrency,
		UpdatedAt:  s.clock(),
	})
}

// AddOrUpdateItem carts a SKU, snapshotting the live catalog price. Lines for
// an already-carted SKU are updated in place rather than duplicated.
func (s *cartService) AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	sku := strings.TrimSpace(cmd.SKU)
	if sku == "" {
		return Cart{}, fmt.Errorf("%w: sku is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	product, err := s.catalog.GetProduct(ctx, sku)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, sku)
		}
		return Cart{}, err
	}
	if !product.IsActive {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartProductUnavailable, sku)
	}

	cart, err := s.GetOrCreateCart(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	updated := false
	items := make([]CartItem, len(cart.Items))
	copy(items, cart.Items)

	for i := range items {
		match := items[i].SKU == sku
		if cmd.ItemID != nil {
			match = items[i].ID == strings.TrimSpace(*cmd.ItemID)
		}
		if !match {
			continue
		}
		items[i].SKU = sku
		items[i].ProductRef = product.ID
		items[i].Name = product.Name
		items[i].Quantity = cmd.Quantity
		items[i].UnitPrice = product.Price
		items[i].WeightGrams = product.WeightGrams
		items[i].Attributes = cloneMap(cmd.Attributes)
		updated = true
		break
	}

	if !updated {
		if cmd.ItemID != nil {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartItemNotFound, *cmd.ItemID)
		}
		items = append(items, CartItem{
			ID:          cartItemIDPrefix + s.newID(),
			ProductRef:  product.ID,
			SKU:         sku,
			Name:        product.Name,
			Quantity:    cmd.Quantity,
			UnitPrice:   product.Price,
			WeightGrams: product.WeightGrams,
			Attributes:  cloneMap(cmd.Attributes),
			AddedAt:     now,
		})
	}

	return s.carts.ReplaceItems(ctx, customerID, items)
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if customerID == "" || itemID == "" {
		return Cart{}, fmt.Errorf("%w: customer id and item id are required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, customerID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartItemNotFound, itemID)
		}
		return Cart{}, err
	}

	items := make([]CartItem, 0, len(cart.Items))
	found := false
	for _, item := range cart.Items {
		if item.ID == itemID {
			found = true
			continue
		}
		items = append(items, item)
	}
	if !found {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartItemNotFound, itemID)
	}

	return s.carts.ReplaceItems(ctx, customerID, items)
}

// ApplyCoupon previews the coupon against the current cart subtotal and pins
// the code on the cart. Consumption happens at checkout, not here.
func (s *cartService) ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	code := strings.TrimSpace(cmd.Code)
	if customerID == "" || code == "" {
		return Cart{}, fmt.Errorf("%w: customer id and coupon code are required", ErrCartInvalidInput)
	}
	if s.coupons == nil {
		return Cart{}, errors.New("cart service: coupon service not configured")
	}

	cart, err := s.carts.GetCart(ctx, customerID)
	if err != nil {
		return Cart{}, err
	}

	var subtotal int64
	for _, item := range cart.Items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	validation, err := s.coupons.Validate(ctx, CouponValidateCommand{Code: code, OrderAmount: subtotal})
	if err != nil {
		return Cart{}, err
	}
	if !validation.Eligible {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartCouponInvalid, validation.Reason)
	}

	return s.carts.SetCoupon(ctx, customerID, &code, s.clock())
}

func (s *cartService) RemoveCoupon(ctx context.Context, customerID string) (Cart, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return Cart{}, fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	return s.carts.SetCoupon(ctx, id, nil, s.clock())
}

func (s *cartService) ClearCart(ctx context.Context, customerID string) error {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return fmt.Errorf("%w: customer id is required", ErrCartInvalidInput)
	}
	if err := s.carts.ClearCart(ctx, id, s.clock()); err != nil && !isRepoNotFound(err) {
		return err
	}
	return nil
}
