package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates fulfillment lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been created and awaits confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the order has been accepted for fulfillment.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPacked indicates the order is packed and awaits carrier handoff.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusShipped indicates the order has left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order has reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before shipment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned indicates the delivered order was sent back by the customer.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusRefunded indicates the returned order has been refunded. Terminal.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus enumerates payment settlement states tracked independently of
// the fulfillment status.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been confirmed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusConfirmed indicates the payment arrangement is accepted (e.g. COD).
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	// PaymentStatusPaid indicates funds have been received.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the payment attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates funds were returned to the customer.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod identifies how an order is paid.
type PaymentMethod string

const (
	// PaymentMethodCOD is cash on delivery, collected by the carrier.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodBankTransfer is a manual transfer reconciled via gateway webhooks.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	// PaymentMethodCard is a card payment processed through the PSP.
	PaymentMethodCard PaymentMethod = "card"
)

// DeliverySpeed selects the shipping service level for an order.
type DeliverySpeed string

const (
	// DeliveryStandard is the default ground service.
	DeliveryStandard DeliverySpeed = "standard"
	// DeliveryExpress is the expedited service.
	DeliveryExpress DeliverySpeed = "express"
)

// Order captures the order aggregate returned to handlers/services.
type Order struct {
	ID              string
	OrderNumber     string
	Sequence        int64
	CustomerID      string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	Currency        string
	Totals          OrderTotals
	CouponCode      *string
	Items           []OrderLineItem
	ShippingAddress *Address
	BillingAddress  *Address
	Contact         *OrderContact
	DeliverySpeed   DeliverySpeed
	Gift            *GiftOptions
	Note            *string
	CancelReason    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time
	ProcessingAt    *time.Time
	PackedAt        *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	ReturnedAt      *time.Time
	RefundedAt      *time.Time
	PaidAt          *time.Time
	History         []OrderStatusHistory
	Payments        []PaymentTransaction
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
// Total is always Subtotal + Shipping + Tax - Discount.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// OrderLineItem snapshots product name/SKU/price at the time of purchase.
// Line items are never recomputed from the live catalog afterwards.
type OrderLineItem struct {
	ProductRef  string
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   int64
	Total       int64
	WeightGrams int
	Attributes  map[string]any
}

// OrderContact stores the customer contact snapshot used for notifications.
type OrderContact struct {
	Email  string
	Phone  string
	Locale string
}

// GiftOptions stores gift wrapping preferences for an order.
type GiftOptions struct {
	Wrap    bool
	Message string
}

// OrderStatusHistory is one append-only log entry per status transition,
// including the initial creation row.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	OldStatus OrderStatus
	NewStatus OrderStatus
	Note      string
	CreatedAt time.Time
}

// PaymentTransactionStatus enumerates terminal and in-flight states for a
// single payment attempt.
type PaymentTransactionStatus string

const (
	// PaymentTransactionPending indicates the attempt awaits gateway confirmation.
	PaymentTransactionPending PaymentTransactionStatus = "pending"
	// PaymentTransactionPaid indicates the attempt settled successfully.
	PaymentTransactionPaid PaymentTransactionStatus = "paid"
	// PaymentTransactionFailed indicates the gateway rejected the attempt.
	PaymentTransactionFailed PaymentTransactionStatus = "failed"
	// PaymentTransactionCancelled indicates the attempt was superseded or withdrawn.
	PaymentTransactionCancelled PaymentTransactionStatus = "cancelled"
	// PaymentTransactionRefunded indicates settled funds were returned.
	PaymentTransactionRefunded PaymentTransactionStatus = "refunded"
)

// PaymentTransaction records one payment attempt against an order. An order
// may accumulate several attempts but holds at most one pending attempt at a
// time.
type PaymentTransaction struct {
	ID            string
	OrderID       string
	TransactionID string
	Method        PaymentMethod
	Amount        int64
	Currency      string
	Status        PaymentTransactionStatus
	GatewayName   *string
	GatewayRef    *string
	Raw           map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
	CancelledAt   *time.Time
}

// CouponType distinguishes percentage discounts from fixed-amount discounts.
type CouponType string

const (
	// CouponTypePercentage discounts a percentage of the order amount.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixed discounts a fixed amount.
	CouponTypeFixed CouponType = "fixed"
)

// Coupon describes a discount code with a bounded usage counter.
type Coupon struct {
	ID                string
	Code              string
	Type              CouponType
	Value             int64
	MinOrderAmount    *int64
	MaxDiscountAmount *int64
	UsageLimit        *int
	UsedCount         int
	IsActive          bool
	StartDate         time.Time
	EndDate           time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CouponValidationResult is returned when a coupon is evaluated for an order
// amount. Reason carries the first failing check when Eligible is false.
type CouponValidationResult struct {
	Code           string
	Eligible       bool
	Reason         string
	DiscountAmount int64
}

// StockLevel represents the sellable quantity tracked per SKU.
type StockLevel struct {
	SKU            string
	ProductRef     string
	Stock          int
	AllowBackorder bool
	UpdatedAt      time.Time
}

// StockEvent captures stock adjustments for downstream analytics/audit.
type StockEvent struct {
	Type       string
	OrderRef   string
	SKU        string
	Delta      int
	Stock      int
	OccurredAt time.Time
	Metadata   map[string]any
}

// Cart aggregates the mutable shopping cart state for a customer.
type Cart struct {
	ID         string
	CustomerID string
	Currency   string
	CouponCode *string
	Items      []CartItem
	UpdatedAt  time.Time
}

// CartItem stores a single SKU entry within a cart. Prices held here are
// advisory only and re-read from the catalog at order time.
type CartItem struct {
	ID          string
	ProductRef  string
	SKU         string
	Name        string
	Quantity    int
	UnitPrice   int64
	WeightGrams int
	Attributes  map[string]any
	AddedAt     time.Time
}

// Product is the catalog projection the order core consumes for re-pricing.
type Product struct {
	ID          string
	SKU         string
	Name        string
	Price       int64
	WeightGrams int
	IsActive    bool
}

// CustomerTier buckets customers by lifetime spend.
type CustomerTier string

const (
	// TierBronze is the default tier for new customers.
	TierBronze CustomerTier = "bronze"
	// TierSilver is reached at moderate lifetime spend.
	TierSilver CustomerTier = "silver"
	// TierGold is reached at high lifetime spend.
	TierGold CustomerTier = "gold"
	// TierPlatinum is the top tier.
	TierPlatinum CustomerTier = "platinum"
)

// Customer carries the aggregate purchase statistics maintained by the order
// core. Profile management lives outside this service.
type Customer struct {
	ID                string
	Email             string
	DisplayName       string
	Phone             string
	PreferredLanguage string
	Tier              CustomerTier
	TotalOrders       int
	TotalSpent        int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Address represents postal address structures shared by customer and order
// layers. Orders hold copies taken at creation time.
type Address struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
