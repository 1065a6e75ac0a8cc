package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/services"
)

type stubCartService struct {
	getOrCreateFn  func(ctx context.Context, customerID string) (services.Cart, error)
	addOrUpdateFn  func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error)
	removeItemFn   func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error)
	applyCouponFn  func(ctx context.Context, cmd services.CartCouponCommand) (services.Cart, error)
	removeCouponFn func(ctx context.Context, customerID string) (services.Cart, error)
	clearFn        func(ctx context.Context, customerID string) error
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, customerID string) (services.Cart, error) {
	return s.getOrCreateFn(ctx, customerID)
}

func (s *stubCartService) AddOrUpdateItem(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
	return s.addOrUpdateFn(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	return s.removeItemFn(ctx, cmd)
}

func (s *stubCartService) ApplyCoupon(ctx context.Context, cmd services.CartCouponCommand) (services.Cart, error) {
	return s.applyCouponFn(ctx, cmd)
}

func (s *stubCartService) RemoveCoupon(ctx context.Context, customerID string) (services.Cart, error) {
	return s.removeCouponFn(ctx, customerID)
}

func (s *stubCartService) ClearCart(ctx context.Context, customerID string) error {
	return s.clearFn(ctx, customerID)
}

func cartRouter(service services.CartService) chi.Router {
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func asCustomer(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestCartHandlersGetCart(t *testing.T) {
	now := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	coupon := "TET2026"

	service := &stubCartService{
		getOrCreateFn: func(ctx context.Context, customerID string) (services.Cart, error) {
			if customerID != "cus-7" {
				t.Fatalf("unexpected customer id %q", customerID)
			}
			return services.Cart{
				ID:         "cus-7",
				CustomerID: "cus-7",
				Currency:   "VND",
				CouponCode: &coupon,
				Items: []services.CartItem{
					{
						ID:        "itm_01",
						SKU:       "mug-classic",
						Name:      "Classic Mug",
						Quantity:  2,
						UnitPrice: 95000,
						AddedAt:   now,
					},
				},
				UpdatedAt: now,
			}, nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/cart", nil), "cus-7")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp cartPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "cus-7" || resp.CouponCode != "TET2026" {
		t.Fatalf("unexpected cart payload: %+v", resp)
	}
	if len(resp.Items) != 1 || resp.Items[0].SKU != "mug-classic" {
		t.Fatalf("unexpected items: %+v", resp.Items)
	}
}

func TestCartHandlersGetCartRequiresIdentity(t *testing.T) {
	service := &stubCartService{
		getOrCreateFn: func(context.Context, string) (services.Cart, error) {
			t.Fatal("service should not be called without identity")
			return services.Cart{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersUpsertItem(t *testing.T) {
	service := &stubCartService{
		addOrUpdateFn: func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
			if cmd.CustomerID != "cus-7" || cmd.SKU != "teapot-iron" || cmd.Quantity != 3 {
				t.Fatalf("unexpected command: %+v", cmd)
			}
			if cmd.ItemID != nil {
				t.Fatalf("expected nil item id for new items, got %v", *cmd.ItemID)
			}
			return services.Cart{ID: "cus-7", CustomerID: "cus-7", Currency: "VND"}, nil
		},
	}

	body := `{"sku":"teapot-iron","quantity":3}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCartHandlersUpdateItemPassesItemID(t *testing.T) {
	service := &stubCartService{
		addOrUpdateFn: func(ctx context.Context, cmd services.UpsertCartItemCommand) (services.Cart, error) {
			if cmd.ItemID == nil || *cmd.ItemID != "itm_42" {
				t.Fatalf("expected item id itm_42, got %v", cmd.ItemID)
			}
			return services.Cart{ID: "cus-7"}, nil
		},
	}

	body := `{"sku":"teapot-iron","quantity":1}`
	req := asCustomer(httptest.NewRequest(http.MethodPut, "/cart/items/itm_42", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	service := &stubCartService{
		removeItemFn: func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartItemNotFound
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodDelete, "/cart/items/itm_404", nil), "cus-7")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "cart_item_not_found")
}

func TestCartHandlersApplyInvalidCoupon(t *testing.T) {
	service := &stubCartService{
		applyCouponFn: func(ctx context.Context, cmd services.CartCouponCommand) (services.Cart, error) {
			return services.Cart{}, fmt.Errorf("apply coupon: %w", services.ErrCartCouponInvalid)
		},
	}

	body := `{"code":"EXPIRED"}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/cart/coupon", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "coupon_invalid")
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := false
	service := &stubCartService{
		clearFn: func(ctx context.Context, customerID string) error {
			cleared = true
			return nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodDelete, "/cart", nil), "cus-7")
	rr := httptest.NewRecorder()
	cartRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !cleared {
		t.Fatal("expected ClearCart to be invoked")
	}
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
