package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

const (
	// defaultPaymentCodePrefix tags bank-transfer memos so inbound credits can
	// be correlated back to an order without a gateway-native reference.
	defaultPaymentCodePrefix = "SAKURA"
	// defaultAmountEpsilon tolerates sub-unit rounding between the gateway's
	// JSON number and the recorded integer amount.
	defaultAmountEpsilon = 0.5

	webhookDirectionIn = "in"

	webhookStatusPaid    = "paid"
	webhookStatusIgnored = "ignored"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid payment data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentOrderNotFound indicates the referenced order does not exist.
	ErrPaymentOrderNotFound = errors.New("payment: order not found")
	// ErrPaymentAlreadyPaid indicates the order has already been settled.
	ErrPaymentAlreadyPaid = errors.New("payment: order already paid")
	// ErrPaymentUnauthorized indicates the webhook secret did not match.
	ErrPaymentUnauthorized = errors.New("payment: unauthorized")
	// ErrPaymentMalformedCode indicates the transfer memo carries no usable payment code.
	ErrPaymentMalformedCode = errors.New("payment: malformed payment code")
	// ErrPaymentAmountMismatch indicates the webhook amount diverges from the pending transaction.
	ErrPaymentAmountMismatch = errors.New("payment: amount mismatch")
)

// PaymentGatewayManager creates gateway-side payment intents for methods that
// need one. Methods settled out of band return a nil intent.
type PaymentGatewayManager interface {
	CreateIntent(ctx context.Context, order Order, transactionID string, method PaymentMethod) (*GatewayIntent, error)
}

// GatewayIntent is the gateway-assigned handle stored on a payment transaction.
type GatewayIntent struct {
	Gateway   string
	Reference string
	Metadata  map[string]any
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.OrderPaymentRepository
	Gateways    PaymentGatewayManager
	Realtime    RealtimeNotifier
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	WebhookKey  string
	CodePrefix  string
	Epsilon     float64
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	payments   repositories.OrderPaymentRepository
	gateways   PaymentGatewayManager
	realtime   RealtimeNotifier
	events     OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	webhookKey string
	codePrefix string
	codeRegexp *regexp.Regexp
	epsilon    float64
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if strings.TrimSpace(deps.WebhookKey) == "" {
		return nil, errors.New("payment service: webhook key is required")
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

	prefix := strings.ToUpper(strings.TrimSpace(deps.CodePrefix))
	if prefix == "" {
		prefix = defaultPaymentCodePrefix
	}

	epsilon := deps.Epsilon
	if epsilon <= 0 {
		epsilon = defaultAmountEpsilon
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:   deps.Orders,
		payments: deps.Payments,
		gateways: deps.Gateways,
		realtime: deps.Realtime,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		webhookKey: deps.WebhookKey,
		codePrefix: prefix,
		codeRegexp: regexp.MustCompile(regexp.QuoteMeta(prefix) + `(\d{6})`),
		epsilon:    epsilon,
		logger:     logger,
	}, nil
}

// CreatePayment opens a fresh pending transaction for the order, superseding
// any prior pending attempt. A cash-on-delivery method needs no external
// confirmation, so the order's payment status advances to confirmed at once.
func (s *paymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (PaymentTransaction, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentTransaction{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	method, err := normalisePaymentMethod(cmd.Method)
	if err != nil {
		return PaymentTransaction{}, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentTransaction{}, s.mapRepositoryError(err)
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return PaymentTransaction{}, fmt.Errorf("%w: %s", ErrPaymentAlreadyPaid, orderID)
	}

	now := s.clock()
	transaction := PaymentTransaction{
		ID:            paymentIDPrefix + s.newID(),
		OrderID:       order.ID,
		TransactionID: "TXN-" + s.newID(),
		Method:        method,
		Amount:        order.Totals.Total,
		Currency:      order.Currency,
		Status:        domain.PaymentTransactionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if s.gateways != nil {
		intent, err := s.gateways.CreateIntent(ctx, order, transaction.TransactionID, method)
		if err != nil {
			return PaymentTransaction{}, fmt.Errorf("payment: gateway intent: %w", err)
		}
		if intent != nil {
			transaction.GatewayName = valuePtr(intent.Gateway)
			transaction.GatewayRef = valuePtr(intent.Reference)
			transaction.Raw = cloneMap(intent.Metadata)
		}
	}

	var orderPaymentStatus *domain.PaymentStatus
	if method == domain.PaymentMethodCOD {
		orderPaymentStatus = valuePtr(domain.PaymentStatusConfirmed)
	}

	result, err := s.payments.Create(ctx, repositories.PaymentCreateRequest{
		Transaction:        transaction,
		OrderPaymentStatus: orderPaymentStatus,
		Now:                now,
	})
	if err != nil {
		return PaymentTransaction{}, s.mapRepositoryError(err)
	}

	if result.Superseded != nil {
		s.logger(ctx, "payment.superseded", map[string]any{
			"order":    orderID,
			"previous": result.Superseded.ID,
			"current":  result.Transaction.ID,
		})
	}
	return result.Transaction, nil
}

func (s *paymentService) ListPayments(ctx context.Context, orderID string) ([]PaymentTransaction, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	payments, err := s.payments.ListByOrder(ctx, id)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return payments, nil
}

// PaymentCode renders the memo code customers put on a bank transfer so the
// inbound credit can be matched back to the order.
func (s *paymentService) PaymentCode(order Order) string {
	return fmt.Sprintf("%s%06d", s.codePrefix, order.Sequence)
}

// ProcessWebhook reconciles an inbound gateway notification against the
// order's pending transaction. Replays are safe: once the transaction is
// settled a second delivery finds nothing pending and is acknowledged as a
// no-op instead of double-crediting.
func (s *paymentService) ProcessWebhook(ctx context.Context, cmd PaymentWebhookCommand) (PaymentWebhookResult, error) {
	if subtle.ConstantTimeCompare([]byte(cmd.AuthKey), []byte(s.webhookKey)) != 1 {
		return PaymentWebhookResult{}, ErrPaymentUnauthorized
	}

	direction := strings.ToLower(strings.TrimSpace(cmd.Direction))
	if direction != webhookDirectionIn {
		return PaymentWebhookResult{
			Success: true,
			Message: "ignored: not an inbound credit",
			Status:  webhookStatusIgnored,
		}, nil
	}

	sequence, err := s.parsePaymentCode(cmd.Memo)
	if err != nil {
		return PaymentWebhookResult{}, err
	}

	order, err := s.orders.FindBySequence(ctx, sequence)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return PaymentWebhookResult{}, fmt.Errorf("%w: no order for sequence %d", ErrPaymentMalformedCode, sequence)
		}
		return PaymentWebhookResult{}, err
	}

	now := s.clock()
	confirm, err := s.payments.ConfirmPending(ctx, repositories.PaymentConfirmRequest{
		OrderID:        order.ID,
		Method:         domain.PaymentMethodBankTransfer,
		ExpectedAmount: cmd.Amount,
		Epsilon:        s.epsilon,
		GatewayName:    strings.TrimSpace(cmd.GatewayName),
		GatewayRef:     strings.TrimSpace(cmd.ExternalID),
		Raw:            cloneMap(cmd.Raw),
		Now:            now,
	})
	if err != nil {
		var payErr *repositories.PaymentError
		if errors.As(err, &payErr) {
			switch payErr.Code {
			case repositories.PaymentErrorNoPending:
				// The pending attempt was already settled or cancelled, e.g.
				// by a replayed delivery or a racing cancellation.
				s.logger(ctx, "payment.webhook.no_pending", map[string]any{
					"order":    order.ID,
					"external": cmd.ExternalID,
				})
				return PaymentWebhookResult{
					Success:     true,
					Message:     "no pending payment",
					OrderNumber: order.OrderNumber,
					Status:      webhookStatusIgnored,
				}, nil
			case repositories.PaymentErrorAmountMismatch:
				return PaymentWebhookResult{}, fmt.Errorf("%w: %s", ErrPaymentAmountMismatch, payErr.Message)
			case repositories.PaymentErrorOrderNotFound:
				return PaymentWebhookResult{}, fmt.Errorf("%w: %s", ErrPaymentOrderNotFound, order.ID)
			}
		}
		return PaymentWebhookResult{}, s.mapRepositoryError(err)
	}

	s.notifyPaymentConfirmed(ctx, confirm.Order)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentConfirmed,
		OrderID:       confirm.Order.ID,
		OrderNumber:   confirm.Order.OrderNumber,
		CustomerID:    confirm.Order.CustomerID,
		CurrentStatus: confirm.Order.Status,
		PaymentStatus: confirm.Order.PaymentStatus,
		OccurredAt:    now,
		Metadata: map[string]any{
			"transactionId": confirm.Transaction.TransactionID,
			"gateway":       strings.TrimSpace(cmd.GatewayName),
		},
	})

	return PaymentWebhookResult{
		Success:       true,
		Message:       "payment recorded",
		TransactionID: confirm.Transaction.TransactionID,
		OrderNumber:   confirm.Order.OrderNumber,
		Status:        webhookStatusPaid,
	}, nil
}

// parsePaymentCode extracts the order sequence from a free-form transfer
// memo. Banks prepend and append their own text, so the code is located
// anywhere in the memo rather than anchored.
func (s *paymentService) parsePaymentCode(memo string) (int64, error) {
	match := s.codeRegexp.FindStringSubmatch(strings.ToUpper(memo))
	if match == nil {
		return 0, fmt.Errorf("%w: memo %q", ErrPaymentMalformedCode, strings.TrimSpace(memo))
	}
	sequence, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || sequence <= 0 {
		return 0, fmt.Errorf("%w: memo %q", ErrPaymentMalformedCode, strings.TrimSpace(memo))
	}
	return sequence, nil
}

func (s *paymentService) notifyPaymentConfirmed(ctx context.Context, order Order) {
	if s.realtime == nil {
		return
	}
	if err := s.realtime.NotifyPaymentConfirmed(ctx, order.CustomerID, order.OrderNumber); err != nil {
		s.logger(ctx, "payment.realtime.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (s *paymentService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *paymentService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var payErr *repositories.PaymentError
	if errors.As(err, &payErr) && payErr.Code == repositories.PaymentErrorOrderNotFound {
		return fmt.Errorf("%w: %s", ErrPaymentOrderNotFound, payErr.Message)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}
	return err
}

func normalisePaymentMethod(method PaymentMethod) (PaymentMethod, error) {
	normalised := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(method))))
	switch normalised {
	case domain.PaymentMethodCOD, domain.PaymentMethodBankTransfer, domain.PaymentMethodCard:
		return normalised, nil
	default:
		return "", fmt.Errorf("%w: unknown payment method %q", ErrPaymentInvalidInput, method)
	}
}
