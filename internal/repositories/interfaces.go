package repositories

import (
	"context"
	"time"

	domain "github.com/sakura-shop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Stock() StockRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	OrderPayments() OrderPaymentRepository
	Checkout() CheckoutRepository
	Customers() CustomerRepository
	Addresses() AddressRepository
	Catalog() CatalogRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository owns cart header + items persistence for a customer.
type CartRepository interface {
	GetCart(ctx context.Context, customerID string) (domain.Cart, error)
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	ReplaceItems(ctx context.Context, customerID string, items []domain.CartItem) (domain.Cart, error)
	SetCoupon(ctx context.Context, customerID string, code *string, now time.Time) (domain.Cart, error)
	ClearCart(ctx context.Context, customerID string, now time.Time) error
}

// StockRepository manages per-SKU stock levels. Decrement and Restore are
// conditional updates applied inside storage transactions.
type StockRepository interface {
	Get(ctx context.Context, sku string) (domain.StockLevel, error)
	CheckAvailable(ctx context.Context, sku string, quantity int) (bool, error)
	Decrement(ctx context.Context, req StockDecrementRequest) (StockDecrementResult, error)
	Restore(ctx context.Context, req StockRestoreRequest) (StockRestoreResult, error)
	Configure(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error)
	ListLowStock(ctx context.Context, query StockLowQuery) (domain.CursorPage[domain.StockLevel], error)
}

// StockDecrementRequest removes sold quantity from one or more SKUs as a unit.
type StockDecrementRequest struct {
	OrderRef string
	Lines    []StockLine
	Now      time.Time
}

// StockDecrementResult reports post-decrement levels keyed by SKU.
type StockDecrementResult struct {
	Stocks map[string]domain.StockLevel
}

// StockRestoreRequest returns cancelled quantity to one or more SKUs.
type StockRestoreRequest struct {
	OrderRef string
	Lines    []StockLine
	Now      time.Time
}

// StockRestoreResult reports post-restore levels keyed by SKU.
type StockRestoreResult struct {
	Stocks map[string]domain.StockLevel
}

// StockLine carries a per-SKU quantity for decrement/restore requests.
type StockLine struct {
	SKU      string
	Quantity int
}

// StockLowQuery controls pagination and threshold filtering for low stock listings.
type StockLowQuery struct {
	Threshold int
	PageSize  int
	PageToken string
}

// CouponRepository maintains coupon definitions and the shared usage counter.
// TryConsume and Revert mutate UsedCount inside a storage transaction.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error)
	Delete(ctx context.Context, code string) error
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	TryConsume(ctx context.Context, code string, now time.Time) (bool, error)
	Revert(ctx context.Context, code string, now time.Time) error
}

// CouponListFilter narrows coupon listings for admin surfaces.
type CouponListFilter struct {
	Active     *bool
	Pagination domain.Pagination
}

// OrderRepository persists order aggregates and applies lifecycle transitions
// transactionally together with their history rows.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindBySequence(ctx context.Context, sequence int64) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
	ApplyTransition(ctx context.Context, req OrderTransitionRequest) (domain.Order, error)
	Cancel(ctx context.Context, req OrderCancelRequest) (OrderCancelResult, error)
}

// OrderListFilter narrows order listings per customer or admin view.
type OrderListFilter struct {
	CustomerID string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

/// OrderTransitionRequest applies a pre-validated status transition: the order
// document is updated and one history row is appended in the same transaction.
// The repository rejects the write when the stored status no longer matches
// ExpectedStatus.
type OrderTransitionRequest struct {
	OrderID        string
	ExpectedStatus domain.OrderStatus
	Order          domain.Order
	History        domain.OrderStatusHistory
}

// OrderCancelRequest cancels an order and compensates its side effects in one
// transaction: status + history, stock restores, optional coupon revert,
// customer statistics rollback, and cancellation of any pending payment
// transaction so a concurrent webhook cannot settle it afterwards.
type OrderCancelRequest struct {
	OrderID        string
	ExpectedStatus domain.OrderStatus
	Order          domain.Order
	History        domain.OrderStatusHistory
	StockLines     []StockLine
	CouponCode     *string
	CustomerID     string
	SpentDelta     int64
	TierFor        func(totalSpent int64) domain.CustomerTier
	Now            time.Time
}

// OrderCancelResult reports the cancelled order and the restored stock levels.
type OrderCancelResult struct {
	Order  domain.Order
	Stocks map[string]domain.StockLevel
}

// OrderPaymentRepository stores payment transactions underneath an order
// document and applies the pending-transaction exclusivity rule.
type OrderPaymentRepository interface {
	Create(ctx context.Context, req PaymentCreateRequest) (PaymentCreateResult, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error)
	FindPending(ctx context.Context, orderID string) (domain.PaymentTransaction, error)
	ConfirmPending(ctx context.Context, req PaymentConfirmRequest) (PaymentConfirmResult, error)
	CancelPending(ctx context.Context, orderID string, now time.Time) error
}

// PaymentCreateRequest inserts a new pending transaction, cancelling any prior
// pending transaction for the order in the same transaction. When
// OrderPaymentStatus is set the order document is stamped with it as well.
type PaymentCreateRequest struct {
	Transaction        domain.PaymentTransaction
	OrderPaymentStatus *domain.PaymentStatus
	Now                time.Time
}

// PaymentCreateResult returns the stored transaction and any superseded one.
type PaymentCreateResult struct {
	Transaction domain.PaymentTransaction
	Superseded  *domain.PaymentTransaction
}

// PaymentConfirmRequest settles the newest pending transaction for an order.
// The amount check runs inside the transaction so a mismatch never mutates
// state. ExpectedAmount is compared against the stored amount with Epsilon
// tolerance.
type PaymentConfirmRequest struct {
	OrderID        string
	Method         domain.PaymentMethod
	ExpectedAmount float64
	Epsilon        float64
	GatewayName    string
	GatewayRef     string
	Raw            map[string]any
	Now            time.Time
}

// PaymentConfirmResult reports the settled transaction and the updated order.
type PaymentConfirmResult struct {
	Transaction domain.PaymentTransaction
	Order       domain.Order
}

// CheckoutRepository executes the order-placement unit of work as a single
// storage transaction: conditional stock decrements, coupon consumption,
// order + line items + initial history creation, cart clearing and customer
// statistics, all or nothing.
type CheckoutRepository interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
}

// PlaceOrderRequest carries the fully priced order prepared by the checkout
// service plus the preconditions the transaction re-verifies before writing.
type PlaceOrderRequest struct {
	Order         domain.Order
	History       domain.OrderStatusHistory
	Payment       *domain.PaymentTransaction
	StockLines    []StockLine
	PriceChecks   []PriceCheck
	CouponCode    *string
	CartID        string
	CartUpdatedAt time.Time
	CustomerID    string
	TierFor       func(totalSpent int64) domain.CustomerTier
	Now           time.Time
}

// PriceCheck pins a product's price and availability observed during pricing.
// A divergence aborts the transaction with a conflict so the caller can
// re-price and retry.
type PriceCheck struct {
	ProductRef    string
	ExpectedPrice int64
	ExpectedOpen  bool
}

// PlaceOrderResult reports the committed order and post-decrement stock levels.
type PlaceOrderResult struct {
	Order  domain.Order
	Stocks map[string]domain.StockLevel
}

// CustomerRepository stores customer purchase statistics and contact snapshots.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	Upsert(ctx context.Context, customer domain.Customer) (domain.Customer, error)
}

// AddressRepository reads addresses owned by a customer.
type AddressRepository interface {
	Get(ctx context.Context, customerID string, addressID string) (domain.Address, error)
	List(ctx context.Context, customerID string) ([]domain.Address, error)
}

// CatalogRepository is the narrow catalog projection used for re-pricing.
type CatalogRepository interface {
	GetProduct(ctx context.Context, sku string) (domain.Product, error)
	GetProducts(ctx context.Context, skus []string) (map[string]domain.Product, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
