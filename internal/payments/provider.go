package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/services"
)

// Status enumerates the normalised intent states shared across providers.
type Status string

const (
	// StatusPending indicates the intent is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// IntentRequest captures the payload required to open a payment intent.
type IntentRequest struct {
	Amount         int64
	Currency       string
	OrderID        string
	OrderNumber    string
	TransactionID  string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the PSP-side handle for a payment attempt.
type Intent struct {
	IntentID     string
	ClientSecret string
	Status       Status
	Raw          map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// Manager routes payment methods that need a gateway-side intent to their
// provider. Methods settled out of band, cash on delivery and manual bank
// transfer, have no route and yield a nil intent.
type Manager struct {
	providers    map[string]Provider
	methodRoutes map[domain.PaymentMethod]string
	logger       func(ctx context.Context, event string, fields map[string]any)
}

var _ services.PaymentGatewayManager = (*Manager)(nil)

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithMethodRoutes overrides the payment-method to provider mapping.
func WithMethodRoutes(routes map[domain.PaymentMethod]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		m.methodRoutes = make(map[domain.PaymentMethod]string, len(routes))
		for method, provider := range routes {
			m.methodRoutes[method] = strings.TrimSpace(strings.ToLower(provider))
		}
	}
}

// WithLogger attaches structured logging to manager operations.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the supplied providers. By default the
// card method routes to the "stripe" provider when one is registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}

	m := &Manager{
		providers:    copyMap,
		methodRoutes: map[domain.PaymentMethod]string{},
		logger:       func(context.Context, string, map[string]any) {},
	}
	if _, ok := copyMap["stripe"]; ok {
		m.methodRoutes[domain.PaymentMethodCard] = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateIntent opens a gateway intent for the order's payment attempt, or
// returns nil when the method needs none.
func (m *Manager) CreateIntent(ctx context.Context, order services.Order, transactionID string, method services.PaymentMethod) (*services.GatewayIntent, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	key, ok := m.methodRoutes[method]
	if !ok {
		return nil, nil
	}
	provider, ok := m.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}

	intent, err := provider.CreateIntent(ctx, IntentRequest{
		Amount:        order.Totals.Total,
		Currency:      order.Currency,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		TransactionID: transactionID,
		CustomerID:    order.CustomerID,
		Description:   fmt.Sprintf("Order %s", order.OrderNumber),
		Metadata: map[string]string{
			"orderId":       order.ID,
			"orderNumber":   order.OrderNumber,
			"transactionId": transactionID,
		},
		IdempotencyKey: transactionID,
	})
	if err != nil {
		return nil, err
	}

	m.logger(ctx, "payments.intent.created", map[string]any{
		"provider": key,
		"order":    order.ID,
		"intent":   intent.IntentID,
	})

	metadata := map[string]any{
		"status": string(intent.Status),
	}
	if intent.ClientSecret != "" {
		metadata["clientSecret"] = intent.ClientSecret
	}
	for k, v := range intent.Raw {
		metadata[k] = v
	}
	return &services.GatewayIntent{
		Gateway:   key,
		Reference: intent.IntentID,
		Metadata:  metadata,
	}, nil
}
