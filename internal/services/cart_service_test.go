package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

func newCartServiceForTest(t *testing.T, carts *stubCartRepo, catalog *stubCatalogRepo, coupons CouponService, now time.Time) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:   carts,
		Catalog: catalog,
		Coupons: coupons,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func cartCatalog() *stubCatalogRepo {
	return &stubCatalogRepo{products: map[string]domain.Product{
		"TEA-001": {ID: "prd_teapot", SKU: "TEA-001", Name: "Cast iron teapot", Price: 250_000, WeightGrams: 500, IsActive: true},
		"TEA-002": {ID: "prd_cups", SKU: "TEA-002", Name: "Cup set", Price: 120_000, WeightGrams: 300, IsActive: false},
	}}
}

func TestGetOrCreateCartCreatesOnMiss(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var created domain.Cart
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{}, stubNotFoundError{}
		},
		upsertFn: func(_ context.Context, cart domain.Cart) (domain.Cart, error) {
			created = cart
			return cart, nil
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	cart, err := svc.GetOrCreateCart(context.Background(), "cus_1")
	if err != nil {
		t.Fatalf("GetOrCreateCart: %v", err)
	}
	if cart.ID != "cus_1" || cart.CustomerID != "cus_1" {
		t.Fatalf("cart identity %+v", cart)
	}
	if created.Currency != defaultCurrency {
		t.Fatalf("currency = %q", created.Currency)
	}
}

func TestAddItemSnapshotsCatalogPrice(t *testing.T) {
	now := time.Now().UTC()
	var replaced []domain.CartItem
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{ID: "cus_1", CustomerID: "cus_1", Currency: "VND"}, nil
		},
		replaceFn: func(_ context.Context, _ string, items []domain.CartItem) (domain.Cart, error) {
			replaced = items
			return domain.Cart{ID: "cus_1", CustomerID: "cus_1", Items: items}, nil
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	cart, err := svc.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		CustomerID: "cus_1",
		SKU:        "TEA-001",
		Quantity:   2,
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("items = %d", len(cart.Items))
	}
	item := replaced[0]
	if item.UnitPrice != 250_000 || item.Name != "Cast iron teapot" || item.WeightGrams != 500 {
		t.Fatalf("catalog snapshot %+v", item)
	}
	if item.ID == "" || item.ID[:len(cartItemIDPrefix)] != cartItemIDPrefix {
		t.Fatalf("item id %q", item.ID)
	}
}

func TestAddItemUpdatesExistingLine(t *testing.T) {
	now := time.Now().UTC()
	var replaced []domain.CartItem
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:         "cus_1",
				CustomerID: "cus_1",
				Items: []domain.CartItem{{
					ID: "itm_1", SKU: "TEA-001", Quantity: 1, UnitPrice: 240_000,
				}},
			}, nil
		},
		replaceFn: func(_ context.Context, _ string, items []domain.CartItem) (domain.Cart, error) {
			replaced = items
			return domain.Cart{Items: items}, nil
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	_, err := svc.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		CustomerID: "cus_1",
		SKU:        "TEA-001",
		Quantity:   3,
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}
	if len(replaced) != 1 {
		t.Fatalf("line duplicated: %+v", replaced)
	}
	if replaced[0].Quantity != 3 || replaced[0].UnitPrice != 250_000 {
		t.Fatalf("line not refreshed: %+v", replaced[0])
	}
}

func TestAddItemRejectsInactiveProduct(t *testing.T) {
	now := time.Now().UTC()
	svc := newCartServiceForTest(t, &stubCartRepo{}, cartCatalog(), nil, now)

	_, err := svc.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		CustomerID: "cus_1",
		SKU:        "TEA-002",
		Quantity:   1,
	})
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected ErrCartProductUnavailable, got %v", err)
	}
}

func TestAddItemUnknownItemID(t *testing.T) {
	now := time.Now().UTC()
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{ID: "cus_1", CustomerID: "cus_1"}, nil
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	itemID := "itm_missing"
	_, err := svc.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		CustomerID: "cus_1",
		ItemID:     &itemID,
		SKU:        "TEA-001",
		Quantity:   1,
	})
	if !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
}

func TestRemoveItem(t *testing.T) {
	now := time.Now().UTC()
	var replaced []domain.CartItem
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:         "cus_1",
				CustomerID: "cus_1",
				Items: []domain.CartItem{
					{ID: "itm_1", SKU: "TEA-001", Quantity: 1},
					{ID: "itm_2", SKU: "TEA-002", Quantity: 2},
				},
			}, nil
		},
		replaceFn: func(_ context.Context, _ string, items []domain.CartItem) (domain.Cart, error) {
			replaced = items
			return domain.Cart{Items: items}, nil
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	_, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{CustomerID: "cus_1", ItemID: "itm_1"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(replaced) != 1 || replaced[0].ID != "itm_2" {
		t.Fatalf("remaining items %+v", replaced)
	}

	_, err = svc.RemoveItem(context.Background(), RemoveCartItemCommand{CustomerID: "cus_1", ItemID: "itm_zzz"})
	if !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
}

func TestApplyCouponValidatesAgainstSubtotal(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	minOrder := int64(600_000)

	var pinned *string
	carts := &stubCartRepo{
		getFn: func(context.Context, string) (domain.Cart, error) {
			return domain.Cart{
				ID:         "cus_1",
				CustomerID: "cus_1",
				Items:      []domain.CartItem{{ID: "itm_1", SKU: "TEA-001", Quantity: 2, UnitPrice: 250_000}},
			}, nil
		},
		couponFn: func(_ context.Context, _ string, code *string, _ time.Time) (domain.Cart, error) {
			pinned = code
			return domain.Cart{CouponCode: code}, nil
		},
	}
	coupons := newCouponServiceForTest(t, &stubCouponRepo{
		findFn: func(context.Context, string) (domain.Coupon, error) {
			coupon := activeCoupon(now)
			coupon.MinOrderAmount = &minOrder
			return coupon, nil
		},
	}, now)
	svc := newCartServiceForTest(t, carts, cartCatalog(), coupons, now)

	// Subtotal 500k is below the 600k floor.
	_, err := svc.ApplyCoupon(context.Background(), CartCouponCommand{CustomerID: "cus_1", Code: "SPRING10"})
	if !errors.Is(err, ErrCartCouponInvalid) {
		t.Fatalf("expected ErrCartCouponInvalid, got %v", err)
	}
	if pinned != nil {
		t.Fatal("ineligible coupon must not be pinned")
	}

	minOrder = 400_000
	cart, err := svc.ApplyCoupon(context.Background(), CartCouponCommand{CustomerID: "cus_1", Code: "SPRING10"})
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if cart.CouponCode == nil || *cart.CouponCode != "SPRING10" {
		t.Fatalf("coupon not pinned: %+v", cart.CouponCode)
	}
}

func TestClearCartToleratesMissingCart(t *testing.T) {
	now := time.Now().UTC()
	carts := &stubCartRepo{
		clearFn: func(context.Context, string, time.Time) error {
			return stubNotFoundError{}
		},
	}
	svc := newCartServiceForTest(t, carts, cartCatalog(), nil, now)

	if err := svc.ClearCart(context.Background(), "cus_1"); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
}

var _ repositories.RepositoryError = stubNotFoundError{}
