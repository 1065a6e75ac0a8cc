package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/services"
)

type stubCheckoutService struct {
	placeOrderFn func(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error)
}

func (s *stubCheckoutService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error) {
	return s.placeOrderFn(ctx, cmd)
}

func checkoutRouter(service services.CheckoutService) chi.Router {
	handler := NewCheckoutHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)
	return router
}

func TestCheckoutHandlersPlaceOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	service := &stubCheckoutService{
		placeOrderFn: func(ctx context.Context, cmd services.PlaceOrderCommand) (services.Order, error) {
			if cmd.CustomerID != "cus-7" {
				t.Fatalf("unexpected customer id %q", cmd.CustomerID)
			}
			if cmd.ShippingAddressID != "addr-1" {
				t.Fatalf("unexpected shipping address %q", cmd.ShippingAddressID)
			}
			if cmd.CouponCode == nil || *cmd.CouponCode != "TET2026" {
				t.Fatalf("expected coupon TET2026, got %v", cmd.CouponCode)
			}
			if cmd.PaymentMethod != domain.PaymentMethodBankTransfer {
				t.Fatalf("unexpected payment method %q", cmd.PaymentMethod)
			}
			if cmd.Gift == nil || !cmd.Gift.Wrap {
				t.Fatalf("expected gift wrap, got %+v", cmd.Gift)
			}
			return services.Order{
				ID:            "ord_01",
				CustomerID:    "cus-7",
				OrderNumber:   "SAKURA000042",
				Status:        domain.OrderStatusPending,
				PaymentStatus: domain.PaymentStatusPending,
				PaymentMethod: domain.PaymentMethodBankTransfer,
				Currency:      "VND",
				Totals:        domain.OrderTotals{Subtotal: 190000, Shipping: 30000, Discount: 19000, Total: 201000},
				CreatedAt:     now,
				UpdatedAt:     now,
			}, nil
		},
	}

	body := `{
		"shippingAddressId": "addr-1",
		"couponCode": "TET2026",
		"paymentMethod": "bank_transfer",
		"deliverySpeed": "standard",
		"gift": {"wrap": true, "message": "happy new year"}
	}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OrderNumber != "SAKURA000042" || resp.Status != string(domain.OrderStatusPending) {
		t.Fatalf("unexpected order payload: %+v", resp)
	}
	if resp.Totals.Total != 201000 {
		t.Fatalf("expected total 201000, got %d", resp.Totals.Total)
	}
}

func TestCheckoutHandlersRequiresShippingAddress(t *testing.T) {
	service := &stubCheckoutService{
		placeOrderFn: func(context.Context, services.PlaceOrderCommand) (services.Order, error) {
			t.Fatal("service should not be called without a shipping address")
			return services.Order{}, nil
		},
	}

	body := `{"paymentMethod":"bank_transfer"}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "invalid_request")
}

func TestCheckoutHandlersMapsServiceFailures(t *testing.T) {
	cases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"empty cart", services.ErrCheckoutEmptyCart, http.StatusConflict, "empty_cart"},
		{"insufficient stock", services.ErrCheckoutInsufficientStock, http.StatusConflict, "insufficient_stock"},
		{"price changed", services.ErrCheckoutPriceChanged, http.StatusConflict, "price_changed"},
		{"address not found", services.ErrCheckoutAddressNotFound, http.StatusUnprocessableEntity, "address_not_found"},
		{"transient", services.ErrCheckoutTransient, http.StatusServiceUnavailable, "checkout_transient"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubCheckoutService{
				placeOrderFn: func(context.Context, services.PlaceOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}

			body := `{"shippingAddressId":"addr-1","paymentMethod":"bank_transfer"}`
			req := asCustomer(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), "cus-7")
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			checkoutRouter(service).ServeHTTP(rr, req)

			if rr.Code != tc.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.expectedStatus, rr.Code, rr.Body.String())
			}
			assertErrorCode(t, rr.Body.Bytes(), tc.expectedCode)
		})
	}
}

func TestCheckoutHandlersValidationFailureListsEveryLine(t *testing.T) {
	price := int64(90000)
	service := &stubCheckoutService{
		placeOrderFn: func(context.Context, services.PlaceOrderCommand) (services.Order, error) {
			return services.Order{}, &services.CheckoutValidationError{Lines: []services.CheckoutLineError{
				{SKU: "TEA-001", Reason: "unavailable"},
				{SKU: "CUP-002", Reason: "price_changed", CurrentPrice: &price},
			}}
		},
	}

	body := `{"shippingAddressId":"addr-1","paymentMethod":"bank_transfer"}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorCode(t, rr.Body.Bytes(), "order_validation_failed")

	var resp struct {
		Lines []struct {
			SKU          string `json:"sku"`
			Reason       string `json:"reason"`
			CurrentPrice *int64 `json:"currentPrice"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %+v", resp.Lines)
	}
	if resp.Lines[0].SKU != "TEA-001" || resp.Lines[0].Reason != "unavailable" {
		t.Fatalf("unexpected first line: %+v", resp.Lines[0])
	}
	if resp.Lines[1].Reason != "price_changed" || resp.Lines[1].CurrentPrice == nil || *resp.Lines[1].CurrentPrice != 90000 {
		t.Fatalf("unexpected second line: %+v", resp.Lines[1])
	}
}

func TestCheckoutHandlersRequiresIdentity(t *testing.T) {
	service := &stubCheckoutService{
		placeOrderFn: func(context.Context, services.PlaceOrderCommand) (services.Order, error) {
			t.Fatal("service should not be called without identity")
			return services.Order{}, nil
		},
	}

	body := `{"shippingAddressId":"addr-1"}`
	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
