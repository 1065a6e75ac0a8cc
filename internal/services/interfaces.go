package services

import (
	"context"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination             = domain.Pagination
	SortOrder              = domain.SortOrder
	Order                  = domain.Order
	OrderTotals            = domain.OrderTotals
	OrderLineItem          = domain.OrderLineItem
	OrderStatus            = domain.OrderStatus
	OrderStatusHistory     = domain.OrderStatusHistory
	OrderContact           = domain.OrderContact
	GiftOptions            = domain.GiftOptions
	DeliverySpeed          = domain.DeliverySpeed
	PaymentStatus          = domain.PaymentStatus
	PaymentMethod          = domain.PaymentMethod
	PaymentTransaction     = domain.PaymentTransaction
	Coupon                 = domain.Coupon
	CouponType             = domain.CouponType
	CouponValidationResult = domain.CouponValidationResult
	StockLevel             = domain.StockLevel
	StockEvent             = domain.StockEvent
	Cart                   = domain.Cart
	CartItem               = domain.CartItem
	Product                = domain.Product
	Customer               = domain.Customer
	CustomerTier           = domain.CustomerTier
	Address                = domain.Address
	SystemHealthReport     = domain.SystemHealthReport
)

// CartService manages mutable cart state for a customer ahead of checkout.
type CartService interface {
	GetOrCreateCart(ctx context.Context, customerID string) (Cart, error)
	AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ApplyCoupon(ctx context.Context, cmd CartCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, customerID string) (Cart, error)
	ClearCart(ctx context.Context, customerID string) error
}

// CouponService evaluates and maintains discount coupons with a shared usage
// counter.
type CouponService interface {
	Validate(ctx context.Context, cmd CouponValidateCommand) (CouponValidationResult, error)
	CalculateDiscount(coupon Coupon, orderAmount int64) int64
	Consume(ctx context.Context, code string) error
	Revert(ctx context.Context, code string) error
	GetByCode(ctx context.Context, code string) (Coupon, error)
	ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error)
	UpsertCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	DeleteCoupon(ctx context.Context, code string) error
}

// StockService exposes per-SKU stock reads, restocks, and admin configuration.
// Sale-time decrements run inside the checkout transaction, not here.
type StockService interface {
	GetStock(ctx context.Context, sku string) (StockLevel, error)
	CheckAvailable(ctx context.Context, sku string, quantity int) (bool, error)
	Restore(ctx context.Context, cmd StockRestoreCommand) (map[string]StockLevel, error)
	Configure(ctx context.Context, cmd ConfigureStockCommand) (StockLevel, error)
	ListLowStock(ctx context.Context, filter StockLowStockFilter) (domain.CursorPage[StockLevel], error)
}

// OrderService encapsulates order reads and the lifecycle state machine,
// including cancellation with its compensating side effects.
type OrderService interface {
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	GetBySequence(ctx context.Context, sequence int64) (Order, error)
	ListHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// CheckoutService turns a customer's cart into a confirmed order as one
// retryable atomic unit.
type CheckoutService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
}

// PaymentService manages payment attempts against orders and reconciles
// inbound gateway webhooks against pending transactions.
type PaymentService interface {
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (PaymentTransaction, error)
	ListPayments(ctx context.Context, orderID string) ([]PaymentTransaction, error)
	PaymentCode(order Order) string
	ProcessWebhook(ctx context.Context, cmd PaymentWebhookCommand) (PaymentWebhookResult, error)
}

// CustomerService serves customer profiles, aggregate statistics and the
// address book consumed by checkout.
type CustomerService interface {
	GetProfile(ctx context.Context, customerID string) (Customer, error)
	UpsertProfile(ctx context.Context, cmd UpsertCustomerCommand) (Customer, error)
	ListAddresses(ctx context.Context, customerID string) ([]Address, error)
	GetAddress(ctx context.Context, customerID string, addressID string) (Address, error)
}

// CounterService hands out transaction-safe sequence values and formatted
// order numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (OrderNumber, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// NotificationEnqueuer hands a customer-facing notification to the async
// delivery pipeline. Failures are logged by callers and never surfaced.
type NotificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, notification OrderNotification) error
}

// RealtimeNotifier pushes a one-shot event to an open client session.
type RealtimeNotifier interface {
	NotifyPaymentConfirmed(ctx context.Context, customerID string, orderNumber string) error
}

// Command and DTO definitions ------------------------------------------------

type UpsertCartItemCommand struct {
	CustomerID string
	ItemID     *string
	SKU        string
	Quantity   int
	Attributes map[string]any
}

type RemoveCartItemCommand struct {
	CustomerID string
	ItemID     string
}

type CartCouponCommand struct {
	CustomerID string
	Code       string
}

type CouponValidateCommand struct {
	Code        string
	OrderAmount int64
}

type CouponListFilter = repositories.CouponListFilter

type UpsertCouponCommand struct {
	Coupon  Coupon
	ActorID string
}

type StockRestoreCommand struct {
	OrderRef string
	Lines    []StockAdjustmentLine
}

type StockAdjustmentLine struct {
	SKU      string
	Quantity int
}

type ConfigureStockCommand struct {
	SKU            string
	ProductRef     string
	Stock          int
	AllowBackorder bool
	ActorID        string
}

type StockLowStockFilter struct {
	Threshold  int
	Pagination Pagination
}

type OrderListFilter = repositories.OrderListFilter

type OrderReadOptions struct {
	IncludePayments bool
	IncludeHistory  bool
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Note           string
	ExpectedStatus *OrderStatus
}

type CancelOrderCommand struct {
	OrderID        string
	ActorID        string
	Reason         string
	ExpectedStatus *OrderStatus
}

type PlaceOrderCommand struct {
	CustomerID        string
	ShippingAddressID string
	BillingAddressID  *string
	CouponCode        *string
	PaymentMethod     PaymentMethod
	DeliverySpeed     DeliverySpeed
	Gift              *GiftOptions
	Note              *string
}

type CreatePaymentCommand struct {
	OrderID string
	Method  PaymentMethod
	ActorID string
}

// PaymentWebhookCommand is the parsed inbound gateway notification.
type PaymentWebhookCommand struct {
	AuthKey     string
	ExternalID  string
	Amount      float64
	Direction   string
	Memo        string
	GatewayName string
	Timestamp   time.Time
	Raw         map[string]any
}

// PaymentWebhookResult is the structured acknowledgement returned to the
// gateway.
type PaymentWebhookResult struct {
	Success       bool
	Message       string
	TransactionID string
	OrderNumber   string
	Status        string
}

type UpsertCustomerCommand struct {
	Customer Customer
	ActorID  string
}

// OrderNotification describes a customer-facing message queued after a
// lifecycle event committed.
type OrderNotification struct {
	Type        string
	CustomerID  string
	OrderID     string
	OrderNumber string
	Locale      string
	OccurredAt  time.Time
	Data        map[string]any
}

type CounterCommand struct {
	CounterID string
	Step      int64
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue reports a generated sequence value and its formatted rendering.
type CounterValue struct {
	Value     int64
	Formatted string
}

// OrderNumber pairs the monotonic order sequence with its human-facing form.
type OrderNumber struct {
	Sequence int64
	Number   string
}
