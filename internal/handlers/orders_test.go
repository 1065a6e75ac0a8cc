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

type stubOrderService struct {
	listFn          func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	getFn           func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error)
	getBySequenceFn func(ctx context.Context, sequence int64) (services.Order, error)
	listHistoryFn   func(ctx context.Context, orderID string) ([]services.OrderStatusHistory, error)
	transitionFn    func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFn        func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	return s.listFn(ctx, filter)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
	return s.getFn(ctx, orderID, opts)
}

func (s *stubOrderService) GetBySequence(ctx context.Context, sequence int64) (services.Order, error) {
	return s.getBySequenceFn(ctx, sequence)
}

func (s *stubOrderService) ListHistory(ctx context.Context, orderID string) ([]services.OrderStatusHistory, error) {
	return s.listHistoryFn(ctx, orderID)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	return s.transitionFn(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	return s.cancelFn(ctx, cmd)
}

type stubPaymentService struct {
	createFn         func(ctx context.Context, cmd services.CreatePaymentCommand) (services.PaymentTransaction, error)
	listFn           func(ctx context.Context, orderID string) ([]services.PaymentTransaction, error)
	paymentCodeFn    func(order services.Order) string
	processWebhookFn func(ctx context.Context, cmd services.PaymentWebhookCommand) (services.PaymentWebhookResult, error)
}

func (s *stubPaymentService) CreatePayment(ctx context.Context, cmd services.CreatePaymentCommand) (services.PaymentTransaction, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubPaymentService) ListPayments(ctx context.Context, orderID string) ([]services.PaymentTransaction, error) {
	return s.listFn(ctx, orderID)
}

func (s *stubPaymentService) PaymentCode(order services.Order) string {
	if s.paymentCodeFn == nil {
		return ""
	}
	return s.paymentCodeFn(order)
}

func (s *stubPaymentService) ProcessWebhook(ctx context.Context, cmd services.PaymentWebhookCommand) (services.PaymentWebhookResult, error) {
	return s.processWebhookFn(ctx, cmd)
}

func orderRouter(orders services.OrderService, payments services.PaymentService) chi.Router {
	handler := NewOrderHandlers(nil, orders, payments)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func ownedOrder(id, customerID string) services.Order {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return services.Order{
		ID:            id,
		CustomerID:    customerID,
		OrderNumber:   "SAKURA000042",
		Status:        domain.OrderStatusConfirmed,
		PaymentStatus: domain.PaymentStatusPaid,
		PaymentMethod: domain.PaymentMethodBankTransfer,
		Currency:      "VND",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderHandlersListOrdersAppliesFilter(t *testing.T) {
	orders := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			if filter.CustomerID != "cus-7" {
				t.Fatalf("expected filter scoped to cus-7, got %q", filter.CustomerID)
			}
			if len(filter.Status) != 2 || filter.Status[0] != domain.OrderStatusPending || filter.Status[1] != domain.OrderStatusConfirmed {
				t.Fatalf("unexpected status filter: %v", filter.Status)
			}
			if filter.Pagination.PageSize != 10 {
				t.Fatalf("expected page size 10, got %d", filter.Pagination.PageSize)
			}
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{ownedOrder("ord_01", "cus-7")},
				NextPageToken: "next-token",
			}, nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/orders?status=pending,confirmed&pageSize=10", nil), "cus-7")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp listOrdersResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].OrderNumber != "SAKURA000042" {
		t.Fatalf("unexpected orders: %+v", resp.Orders)
	}
	if resp.NextPageToken != "next-token" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}
}

func TestOrderHandlersGetOrderWithIncludes(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			if orderID != "ord_01" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			if !opts.IncludePayments || !opts.IncludeHistory {
				t.Fatalf("expected both expansions, got %+v", opts)
			}
			order := ownedOrder("ord_01", "cus-7")
			order.History = []domain.OrderStatusHistory{
				{ID: "hist_01", NewStatus: domain.OrderStatusPending, CreatedAt: order.CreatedAt},
			}
			return order, nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_01?include=payments,history", nil), "cus-7")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.History) != 1 || resp.History[0].NewStatus != string(domain.OrderStatusPending) {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}

func TestOrderHandlersForeignOrderReadsAsNotFound(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return ownedOrder("ord_01", "someone-else"), nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_01", nil), "cus-7")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "order_not_found")
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return ownedOrder("ord_01", "cus-7"), nil
		},
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.OrderID != "ord_01" || cmd.ActorID != "cus-7" || cmd.Reason != "changed my mind" {
				t.Fatalf("unexpected cancel command: %+v", cmd)
			}
			order := ownedOrder("ord_01", "cus-7")
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}

	body := `{"reason":"changed my mind"}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_01/cancel", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected cancelled status, got %q", resp.Status)
	}
}

func TestOrderHandlersCancelNotCancellable(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			order := ownedOrder("ord_01", "cus-7")
			order.Status = domain.OrderStatusShipped
			return order, nil
		},
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotCancellable
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_01/cancel", strings.NewReader(`{}`)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "order_not_cancellable")
}

func TestOrderHandlersListPayments(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	gateway := "vietqr"

	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return ownedOrder("ord_01", "cus-7"), nil
		},
	}
	payments := &stubPaymentService{
		listFn: func(ctx context.Context, orderID string) ([]services.PaymentTransaction, error) {
			if orderID != "ord_01" {
				t.Fatalf("unexpected order id %q", orderID)
			}
			return []services.PaymentTransaction{
				{
					ID:            "pay_01",
					OrderID:       "ord_01",
					TransactionID: "txn_abc",
					Method:        domain.PaymentMethodBankTransfer,
					Amount:        201000,
					Currency:      "VND",
					Status:        domain.PaymentTransactionPaid,
					GatewayName:   &gateway,
					CreatedAt:     now,
					PaidAt:        &now,
				},
			}, nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_01/payments", nil), "cus-7")
	rr := httptest.NewRecorder()
	orderRouter(orders, payments).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Payments []paymentPayload `json:"payments"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Payments) != 1 || resp.Payments[0].TransactionID != "txn_abc" {
		t.Fatalf("unexpected payments: %+v", resp.Payments)
	}
	if resp.Payments[0].GatewayName != "vietqr" {
		t.Fatalf("expected gateway vietqr, got %q", resp.Payments[0].GatewayName)
	}
}

func TestOrderHandlersCreatePayment(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return ownedOrder("ord_01", "cus-7"), nil
		},
	}
	payments := &stubPaymentService{
		createFn: func(ctx context.Context, cmd services.CreatePaymentCommand) (services.PaymentTransaction, error) {
			if cmd.OrderID != "ord_01" || cmd.Method != domain.PaymentMethodBankTransfer || cmd.ActorID != "cus-7" {
				t.Fatalf("unexpected create command: %+v", cmd)
			}
			return services.PaymentTransaction{
				ID:            "pay_02",
				OrderID:       "ord_01",
				TransactionID: "txn_def",
				Method:        cmd.Method,
				Amount:        201000,
				Currency:      "VND",
				Status:        domain.PaymentTransactionPending,
				CreatedAt:     time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC),
			}, nil
		},
	}

	body := `{"method":"bank_transfer"}`
	req := asCustomer(httptest.NewRequest(http.MethodPost, "/orders/ord_01/payments", strings.NewReader(body)), "cus-7")
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	orderRouter(orders, payments).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp paymentPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != string(domain.PaymentTransactionPending) {
		t.Fatalf("expected pending attempt, got %q", resp.Status)
	}
}

func TestOrderHandlersListHistory(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string, opts services.OrderReadOptions) (services.Order, error) {
			return ownedOrder("ord_01", "cus-7"), nil
		},
		listHistoryFn: func(ctx context.Context, orderID string) ([]services.OrderStatusHistory, error) {
			return []services.OrderStatusHistory{
				{ID: "hist_01", NewStatus: domain.OrderStatusPending, CreatedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
				{ID: "hist_02", OldStatus: domain.OrderStatusPending, NewStatus: domain.OrderStatusConfirmed, Note: "payment settled", CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
			}, nil
		},
	}

	req := asCustomer(httptest.NewRequest(http.MethodGet, "/orders/ord_01/history", nil), "cus-7")
	rr := httptest.NewRecorder()
	orderRouter(orders, &stubPaymentService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		History []orderHistoryPayload `json:"history"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.History) != 2 || resp.History[1].Note != "payment settled" {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}
