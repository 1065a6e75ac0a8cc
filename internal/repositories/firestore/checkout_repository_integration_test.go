//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	pconfig "github.com/sakura-shop/api/internal/platform/config"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/repositories"
)

// startEmulatorProvider boots a throwaway Firestore emulator container and
// returns a provider pointed at it. Skips when docker is unavailable.
func startEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    projectID,
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})
	return provider
}

func seedCheckoutFixtures(ctx context.Context, t *testing.T, provider *pfirestore.Provider, customers []string, stock int) {
	t.Helper()

	stocks, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}
	if _, err := stocks.Configure(ctx, domain.StockLevel{SKU: "TEA-001", Stock: stock}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	if _, err := client.Collection(productCollection).Doc("TEA-001").Set(ctx, productDocument{
		Name:        "Cast iron teapot",
		Price:       250_000,
		WeightGrams: 500,
		IsActive:    true,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	carts, err := NewCartRepository(provider)
	if err != nil {
		t.Fatalf("new cart repository: %v", err)
	}
	for _, customerID := range customers {
		if _, err := carts.UpsertCart(ctx, domain.Cart{
			CustomerID: customerID,
			Currency:   "VND",
			Items: []domain.CartItem{{
				ID:        "itm_1",
				SKU:       "TEA-001",
				Quantity:  1,
				UnitPrice: 250_000,
			}},
		}); err != nil {
			t.Fatalf("seed cart %s: %v", customerID, err)
		}
	}
}

func placementRequest(customerID string, seq int, now time.Time) repositories.PlaceOrderRequest {
	orderID := fmt.Sprintf("ord_%s", customerID)
	return repositories.PlaceOrderRequest{
		Order: domain.Order{
			ID:            orderID,
			OrderNumber:   fmt.Sprintf("SO-2026-%06d", seq),
			Sequence:      int64(seq),
			CustomerID:    customerID,
			Status:        domain.OrderStatusPending,
			PaymentStatus: domain.PaymentStatusPending,
			PaymentMethod: domain.PaymentMethodBankTransfer,
			Currency:      "VND",
			Totals:        domain.OrderTotals{Subtotal: 250_000, Total: 250_000},
			Items: []domain.OrderLineItem{{
				SKU:       "TEA-001",
				Name:      "Cast iron teapot",
				Quantity:  1,
				UnitPrice: 250_000,
				Total:     250_000,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		},
		History: domain.OrderStatusHistory{
			ID:        "his_created",
			OrderID:   orderID,
			OldStatus: domain.OrderStatusPending,
			NewStatus: domain.OrderStatusPending,
			Note:      "order created",
			CreatedAt: now,
		},
		StockLines:  []repositories.StockLine{{SKU: "TEA-001", Quantity: 1}},
		PriceChecks: []repositories.PriceCheck{{ProductRef: "TEA-001", ExpectedPrice: 250_000, ExpectedOpen: true}},
		CartID:      customerID,
		CustomerID:  customerID,
		Now:         now,
	}
}

// placeWithRetry retries PlaceOrder on transaction contention the way the
// checkout service does, so only business outcomes bubble up.
func placeWithRetry(ctx context.Context, repo *CheckoutRepository, req repositories.PlaceOrderRequest) error {
	var lastErr error
	for attempt := 0; attempt < 25; attempt++ {
		_, err := repo.PlaceOrder(ctx, req)
		if err == nil {
			return nil
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

func TestCheckoutRepositoryConcurrentPlacementDrainsStockExactly(t *testing.T) {
	provider := startEmulatorProvider(t, "checkout-race-test")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	const workers = 8
	const available = 5

	customers := make([]string, workers)
	for i := range customers {
		customers[i] = fmt.Sprintf("cus_%d", i)
	}
	seedCheckoutFixtures(ctx, t, provider, customers, available)

	repo, err := NewCheckoutRepository(provider)
	if err != nil {
		t.Fatalf("new checkout repository: %v", err)
	}

	now := time.Now().UTC()
	results := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = placeWithRetry(ctx, repo, placementRequest(customers[idx], idx+1, now))
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for i, err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var stockErr *repositories.StockError
			if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
				t.Fatalf("worker %d: unexpected error %v", i, err)
			}
			insufficient++
		}
	}
	if succeeded != available {
		t.Fatalf("placements succeeded = %d, want %d", succeeded, available)
	}
	if insufficient != workers-available {
		t.Fatalf("insufficient-stock rejections = %d, want %d", insufficient, workers-available)
	}

	stocks, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}
	level, err := stocks.Get(ctx, "TEA-001")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.Stock != 0 {
		t.Fatalf("remaining stock = %d, want 0", level.Stock)
	}
}

func TestCouponRepositoryUsageLimitUnderRace(t *testing.T) {
	provider := startEmulatorProvider(t, "coupon-race-test")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	repo, err := NewCouponRepository(provider)
	if err != nil {
		t.Fatalf("new coupon repository: %v", err)
	}

	now := time.Now().UTC()
	limit := 1
	if _, err := repo.Upsert(ctx, domain.Coupon{
		Code:       "LASTONE",
		Type:       domain.CouponTypeFixed,
		Value:      10_000,
		UsageLimit: &limit,
		IsActive:   true,
		StartDate:  now.Add(-time.Hour),
		EndDate:    now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed coupon: %v", err)
	}

	const workers = 2
	outcomes := make([]bool, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for attempt := 0; attempt < 25; attempt++ {
				consumed, err := repo.TryConsume(ctx, "LASTONE", now)
				if err == nil {
					outcomes[idx] = consumed
					return
				}
				var repoErr repositories.RepositoryError
				if errors.As(err, &repoErr) && repoErr.IsConflict() {
					time.Sleep(20 * time.Millisecond)
					continue
				}
				t.Errorf("try consume(%d): %v", idx, err)
				return
			}
			t.Errorf("try consume(%d): retries exhausted", idx)
		}(i)
	}
	wg.Wait()

	consumed := 0
	for _, ok := range outcomes {
		if ok {
			consumed++
		}
	}
	if consumed != 1 {
		t.Fatalf("consumptions = %d, want exactly 1", consumed)
	}

	coupon, err := repo.FindByCode(ctx, "LASTONE")
	if err != nil {
		t.Fatalf("find coupon: %v", err)
	}
	if coupon.UsedCount != 1 {
		t.Fatalf("used count = %d, want 1", coupon.UsedCount)
	}
}

func TestOrderRepositoryCancelVoidsPendingPayment(t *testing.T) {
	provider := startEmulatorProvider(t, "order-cancel-test")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	seedCheckoutFixtures(ctx, t, provider, []string{"cus_9"}, 5)

	checkout, err := NewCheckoutRepository(provider)
	if err != nil {
		t.Fatalf("new checkout repository: %v", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	payments, err := NewPaymentRepository(provider)
	if err != nil {
		t.Fatalf("new payment repository: %v", err)
	}

	now := time.Now().UTC()
	req := placementRequest("cus_9", 9, now)
	req.Payment = &domain.PaymentTransaction{
		ID:            "pay_1",
		OrderID:       req.Order.ID,
		TransactionID: "TXN-20260301-0009",
		Method:        domain.PaymentMethodBankTransfer,
		Amount:        250_000,
		Currency:      "VND",
		Status:        domain.PaymentTransactionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := checkout.PlaceOrder(ctx, req); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if _, err := payments.FindPending(ctx, req.Order.ID); err != nil {
		t.Fatalf("expected a pending payment after placement, got %v", err)
	}

	cancelled := req.Order
	cancelled.Status = domain.OrderStatusCancelled
	cancelled.CancelledAt = &now
	cancelled.UpdatedAt = now
	if _, err := orders.Cancel(ctx, repositories.OrderCancelRequest{
		OrderID:        req.Order.ID,
		ExpectedStatus: domain.OrderStatusPending,
		Order:          cancelled,
		History: domain.OrderStatusHistory{
			ID:        "his_cancelled",
			OrderID:   req.Order.ID,
			OldStatus: domain.OrderStatusPending,
			NewStatus: domain.OrderStatusCancelled,
			Note:      "cancelled by customer",
			CreatedAt: now,
		},
		StockLines: []repositories.StockLine{{SKU: "TEA-001", Quantity: 1}},
		CustomerID: "cus_9",
		SpentDelta: 250_000,
		Now:        now,
	}); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	// A bank webhook arriving after the cancel must find nothing to settle.
	_, err = payments.ConfirmPending(ctx, repositories.PaymentConfirmRequest{
		OrderID:        req.Order.ID,
		Method:         domain.PaymentMethodBankTransfer,
		ExpectedAmount: 250_000,
		Epsilon:        0.01,
		GatewayName:    "bank",
		GatewayRef:     "stmt-0009",
		Now:            now.Add(time.Second),
	})
	var paymentErr *repositories.PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Code != repositories.PaymentErrorNoPending {
		t.Fatalf("expected no-pending payment error, got %v", err)
	}

	order, err := orders.FindByID(ctx, req.Order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want cancelled", order.Status)
	}

	attempts, err := payments.ListByOrder(ctx, req.Order.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != domain.PaymentTransactionCancelled {
		t.Fatalf("payment attempts %+v, want a single cancelled transaction", attempts)
	}

	stocks, err := NewStockRepository(provider)
	if err != nil {
		t.Fatalf("new stock repository: %v", err)
	}
	level, err := stocks.Get(ctx, "TEA-001")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if level.Stock != 5 {
		t.Fatalf("restored stock = %d, want 5", level.Stock)
	}
}
