package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

const (
	orderEventCreated          = "order.created"
	orderEventStatusChanged    = "order.status.changed"
	orderEventCancelled        = "order.cancelled"
	orderEventPaymentConfirmed = "order.payment.confirmed"

	orderIDPrefix   = "ord_"
	historyIDPrefix = "osh_"
	paymentIDPrefix = "pay_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates an illegal status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderNotCancellable indicates the order has progressed past the point of cancellation.
	ErrOrderNotCancellable = errors.New("order: not cancellable")
	// ErrOrderConflict indicates the stored order changed underneath the caller.
	ErrOrderConflict = errors.New("order: conflict")
)

// orderStateTransitions encodes the forward-only fulfillment state machine.
// Cancellation is handled separately through Cancel because it compensates
// stock, coupon and customer statistics.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing},
	domain.OrderStatusProcessing: {domain.OrderStatusPacked},
	domain.OrderStatusPacked:     {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
	domain.OrderStatusReturned:   {domain.OrderStatusRefunded},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusConfirmed,
	domain.OrderStatusProcessing,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	CustomerID     string
	PreviousStatus domain.OrderStatus
	CurrentStatus  domain.OrderStatus
	PaymentStatus  domain.PaymentStatus
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// TextSanitizer strips unsafe markup from free-text customer input before it
// is persisted on the order.
type TextSanitizer interface {
	Sanitize(input string) string
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Payments    repositories.OrderPaymentRepository
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Sanitizer   TextSanitizer
	TierFor     func(totalSpent int64) domain.CustomerTier
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	payments repositories.OrderPaymentRepository
	clock    func() time.Time
	newID    func() string
	events   OrderEventPublisher
	sanitize func(string) string
	tierFor  func(int64) domain.CustomerTier
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
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

	sanitize := func(input string) string { return input }
	if deps.Sanitizer != nil {
		sanitize = deps.Sanitizer.Sanitize
	}

	tierFor := deps.TierFor
	if tierFor == nil {
		tierFor = TierForSpend
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:   deps.Orders,
		payments: deps.Payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		events:   deps.Events,
		sanitize: sanitize,
		tierFor:  tierFor,
		logger:   logger,
	}, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if opts.IncludeHistory {
		history, err := s.orders.ListHistory(ctx, id)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		order.History = history
	}

	if opts.IncludePayments {
		if s.payments == nil {
			return Order{}, errors.New("order service: payment repository not configured")
		}
		payments, err := s.payments.ListByOrder(ctx, id)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		order.Payments = payments
	}

	return order, nil
}

func (s *orderService) GetBySequence(ctx context.Context, sequence int64) (Order, error) {
	if sequence <= 0 {
		return Order{}, fmt.Errorf("%w: sequence must be positive", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindBySequence(ctx, sequence)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	history, err := s.orders.ListHistory(ctx, id)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return history, nil
}

// TransitionStatus advances the fulfillment status along the state machine.
// Illegal transitions are rejected before any write is attempted so the
// history log never records a transition that did not happen.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if target == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: cancellation must go through Cancel", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: order is %s, expected %s", ErrOrderConflict, order.Status, *cmd.ExpectedStatus)
	}
	if !canTransition(order.Status, target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, target)
	}

	now := s.now()
	previous := order.Status
	updated := order
	updated.Status = target
	updated.UpdatedAt = now
	s.stampMilestone(&updated, target, now)
	s.applyPaymentStatusRules(&updated, target, now)

	note := strings.TrimSpace(cmd.Note)
	if note == "" {
		note = fmt.Sprintf("status changed to %s", target)
	}

	saved, err := s.orders.ApplyTransition(ctx, repositories.OrderTransitionRequest{
		OrderID:        id,
		ExpectedStatus: previous,
		Order:          updated,
		History: domain.OrderStatusHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   id,
			OldStatus: previous,
			NewStatus: target,
			Note:      note,
			CreatedAt: now,
		},
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        saved.ID,
		OrderNumber:    saved.OrderNumber,
		CustomerID:     saved.CustomerID,
		PreviousStatus: previous,
		CurrentStatus:  saved.Status,
		PaymentStatus:  saved.PaymentStatus,
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
	})

	return saved, nil
}

// Cancel stops an order that has not shipped yet and compensates its side
// effects in one transaction: stock is restored, an unused coupon is
// reverted, the customer's aggregate statistics are rolled back, and any
// pending payment transaction is voided so a late webhook finds nothing
// left to settle.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := strings.TrimSpace(s.sanitize(cmd.Reason))
	if reason == "" {
		return Order{}, fmt.Errorf("%w: cancellation reason is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
		return Order{}, fmt.Errorf("%w: order is %s, expected %s", ErrOrderConflict, order.Status, *cmd.ExpectedStatus)
	}
	if !slices.Contains(cancellableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
	}

	now := s.now()
	previous := order.Status
	updated := order
	updated.Status = domain.OrderStatusCancelled
	updated.CancelReason = &reason
	updated.CancelledAt = &now
	updated.UpdatedAt = now
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		updated.PaymentStatus = domain.PaymentStatusFailed
	}

	lines := make([]repositories.StockLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, repositories.StockLine{SKU: item.SKU, Quantity: item.Quantity})
	}

	// A coupon is only handed back when the order was never paid.
	var revertCoupon *string
	if order.CouponCode != nil && order.PaymentStatus != domain.PaymentStatusPaid {
		revertCoupon = order.CouponCode
	}

	result, err := s.orders.Cancel(ctx, repositories.OrderCancelRequest{
		OrderID:        id,
		ExpectedStatus: previous,
		Order:          updated,
		History: domain.OrderStatusHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   id,
			OldStatus: previous,
			NewStatus: domain.OrderStatusCancelled,
			Note:      reason,
			CreatedAt: now,
		},
		StockLines: lines,
		CouponCode: revertCoupon,
		CustomerID: order.CustomerID,
		SpentDelta: order.Totals.Total,
		TierFor:    s.tierFor,
		Now:        now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        result.Order.ID,
		OrderNumber:    result.Order.OrderNumber,
		CustomerID:     result.Order.CustomerID,
		PreviousStatus: previous,
		CurrentStatus:  result.Order.Status,
		PaymentStatus:  result.Order.PaymentStatus,
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"reason": reason},
	})

	return result.Order, nil
}

func (s *orderService) stampMilestone(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		order.ConfirmedAt = &now
	case domain.OrderStatusProcessing:
		order.ProcessingAt = &now
	case domain.OrderStatusPacked:
		order.PackedAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusReturned:
		order.ReturnedAt = &now
	case domain.OrderStatusRefunded:
		order.RefundedAt = &now
	}
}

// applyPaymentStatusRules encodes the fulfillment-to-payment cross influence:
// confirming an order acknowledges a still-pending payment arrangement, and
// delivery settles it (COD funds change hands at the door).
func (s *orderService) applyPaymentStatusRules(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		if order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusConfirmed
		}
	case domain.OrderStatusDelivered:
		if order.PaymentStatus != domain.PaymentStatusPaid {
			order.PaymentStatus = domain.PaymentStatusPaid
			if order.PaidAt == nil {
				order.PaidAt = &now
			}
		}
	case domain.OrderStatusRefunded:
		order.PaymentStatus = domain.PaymentStatusRefunded
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": string(event.CurrentStatus),
		})
	}
}

// TierForSpend buckets customers by lifetime spend in minor currency units.
func TierForSpend(totalSpent int64) domain.CustomerTier {
	switch {
	case totalSpent >= 50_000_000:
		return domain.TierPlatinum
	case totalSpent >= 20_000_000:
		return domain.TierGold
	case totalSpent >= 5_000_000:
		return domain.TierSilver
	default:
		return domain.TierBronze
	}
}

func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}
