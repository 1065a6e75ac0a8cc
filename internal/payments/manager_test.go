package payments

import (
	"context"
	"errors"
	"testing"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/services"
)

type stubProvider struct {
	createFn func(context.Context, IntentRequest) (Intent, error)
	calls    int
	lastReq  IntentRequest
}

func (s *stubProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	s.calls++
	s.lastReq = req
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return Intent{IntentID: "pi_test", ClientSecret: "secret_test", Status: StatusPending}, nil
}

func testOrder() services.Order {
	return services.Order{
		ID:          "ord_1",
		OrderNumber: "SO-2026-000042",
		CustomerID:  "cus_1",
		Currency:    "VND",
		Totals:      domain.OrderTotals{Total: 490_000},
	}
}

func TestManagerRoutesCardToStripe(t *testing.T) {
	provider := &stubProvider{}
	manager, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	intent, err := manager.CreateIntent(context.Background(), testOrder(), "TXN-1", domain.PaymentMethodCard)
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent == nil || intent.Gateway != "stripe" || intent.Reference != "pi_test" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if secret, ok := intent.Metadata["clientSecret"]; !ok || secret != "secret_test" {
		t.Fatalf("client secret missing from metadata: %+v", intent.Metadata)
	}

	req := provider.lastReq
	if req.Amount != 490_000 || req.Currency != "VND" {
		t.Fatalf("intent request %+v", req)
	}
	if req.IdempotencyKey != "TXN-1" {
		t.Fatalf("idempotency key = %q", req.IdempotencyKey)
	}
	if req.Metadata["orderNumber"] != "SO-2026-000042" {
		t.Fatalf("metadata %+v", req.Metadata)
	}
}

func TestManagerSkipsOutOfBandMethods(t *testing.T) {
	provider := &stubProvider{}
	manager, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, method := range []domain.PaymentMethod{domain.PaymentMethodCOD, domain.PaymentMethodBankTransfer} {
		intent, err := manager.CreateIntent(context.Background(), testOrder(), "TXN-1", method)
		if err != nil {
			t.Fatalf("CreateIntent(%s): %v", method, err)
		}
		if intent != nil {
			t.Fatalf("%s must not open a gateway intent, got %+v", method, intent)
		}
	}
	if provider.calls != 0 {
		t.Fatalf("provider invoked %d times", provider.calls)
	}
}

func TestManagerUnknownRoute(t *testing.T) {
	manager, err := NewManager(
		map[string]Provider{"stripe": &stubProvider{}},
		WithMethodRoutes(map[domain.PaymentMethod]string{domain.PaymentMethodCard: "adyen"}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = manager.CreateIntent(context.Background(), testOrder(), "TXN-1", domain.PaymentMethodCard)
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerPropagatesProviderError(t *testing.T) {
	boom := errors.New("stripe down")
	provider := &stubProvider{
		createFn: func(context.Context, IntentRequest) (Intent, error) {
			return Intent{}, boom
		},
	}
	manager, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := manager.CreateIntent(context.Background(), testOrder(), "TXN-1", domain.PaymentMethodCard); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}
