package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/repositories"
)

const (
	defaultCurrency            = "VND"
	defaultCheckoutMaxAttempts = 3

	notificationOrderPlaced = "order.placed"
)

var (
	// ErrCheckoutInvalidInput signals the caller provided invalid checkout data.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates there is nothing to order.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutAddressNotFound indicates the customer does not own the referenced address.
	ErrCheckoutAddressNotFound = errors.New("checkout: address not found")
	// ErrCheckoutProductUnavailable indicates a cart line references a product
	// that no longer exists or is no longer sold.
	ErrCheckoutProductUnavailable = errors.New("checkout: product unavailable")
	// ErrCheckoutPriceChanged indicates the catalog price moved since the item was carted.
	ErrCheckoutPriceChanged = errors.New("checkout: price changed")
	// ErrCheckoutCouponInvalid indicates the coupon failed validation.
	ErrCheckoutCouponInvalid = errors.New("checkout: coupon invalid")
	// ErrCheckoutInsufficientStock indicates a line cannot be covered by the stock ledger.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutTransient indicates storage contention persisted across every
	// retry attempt; the caller may safely retry the whole request.
	ErrCheckoutTransient = errors.New("checkout: transient failure, please retry")
)

// ShippingRateTable prices delivery from parcel weight and destination.
type ShippingRateTable struct {
	BaseUrban        int64
	BaseRegional     int64
	UrbanCities      []string
	IncludedWeightG  int
	PerKgSurcharge   int64
	ExpressSurcharge int64
}

// DefaultShippingRates returns the domestic rate card used when no override
// is configured.
func DefaultShippingRates() ShippingRateTable {
	return ShippingRateTable{
		BaseUrban:        30_000,
		BaseRegional:     40_000,
		UrbanCities:      []string{"hanoi", "ho chi minh city", "da nang"},
		IncludedWeightG:  2_000,
		PerKgSurcharge:   5_000,
		ExpressSurcharge: 20_000,
	}
}

// Fee prices one parcel. Every started kilogram above the included weight
// adds the per-kg surcharge.
func (t ShippingRateTable) Fee(weightGrams int, city string, speed DeliverySpeed) int64 {
	fee := t.BaseRegional
	normalised := strings.ToLower(strings.TrimSpace(city))
	for _, urban := range t.UrbanCities {
		if normalised == urban {
			fee = t.BaseUrban
			break
		}
	}

	if weightGrams > t.IncludedWeightG && t.PerKgSurcharge > 0 {
		excess := weightGrams - t.IncludedWeightG
		steps := int64((excess + 999) / 1000)
		fee += steps * t.PerKgSurcharge
	}

	if speed == domain.DeliveryExpress {
		fee += t.ExpressSurcharge
	}
	return fee
}

// CheckoutServiceDeps bundles collaborators required to construct the checkout service.
type CheckoutServiceDeps struct {
	Carts         repositories.CartRepository
	Catalog       repositories.CatalogRepository
	Addresses     repositories.AddressRepository
	Customers     repositories.CustomerRepository
	Checkout      repositories.CheckoutRepository
	Counters      CounterService
	Coupons       CouponService
	Gateways      PaymentGatewayManager
	Events        OrderEventPublisher
	Notifications NotificationEnqueuer
	Sanitizer     TextSanitizer
	Clock         func() time.Time
	IDGenerator   func() string
	TierFor       func(totalSpent int64) domain.CustomerTier
	Shipping      *ShippingRateTable
	TaxRateBP     int64
	MaxAttempts   int
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts         repositories.CartRepository
	catalog       repositories.CatalogRepository
	addresses     repositories.AddressRepository
	customers     repositories.CustomerRepository
	checkout      repositories.CheckoutRepository
	counters      CounterService
	coupons       CouponService
	gateways      PaymentGatewayManager
	events        OrderEventPublisher
	notifications NotificationEnqueuer
	sanitize      func(string) string
	clock         func() time.Time
	newID         func() string
	tierFor       func(int64) domain.CustomerTier
	shipping      ShippingRateTable
	taxRateBP     int64
	maxAttempts   int
	logger        func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("checkout service: catalog repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("checkout service: address repository is required")
	}
	if deps.Checkout == nil {
		return nil, errors.New("checkout service: checkout repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter service is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service: coupon service is required")
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

	shipping := DefaultShippingRates()
	if deps.Shipping != nil {
		shipping = *deps.Shipping
	}

	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultCheckoutMaxAttempts
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:         deps.Carts,
		catalog:       deps.Catalog,
		addresses:     deps.Addresses,
		customers:     deps.Customers,
		checkout:      deps.Checkout,
		counters:      deps.Counters,
		coupons:       deps.Coupons,
		gateways:      deps.Gateways,
		events:        deps.Events,
		notifications: deps.Notifications,
		sanitize:      sanitize,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		tierFor:     tierFor,
		shipping:    shipping,
		taxRateBP:   deps.TaxRateBP,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// PlaceOrder runs the full checkout flow as one atomic unit. Contention on
// the shared stock and coupon rows aborts the storage transaction; the whole
// flow is then re-run from the cart read, bounded by MaxAttempts. Business
// failures are returned to the caller immediately and never retried.
func (s *checkoutService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.ShippingAddressID) == "" {
		return Order{}, fmt.Errorf("%w: shipping address is required", ErrCheckoutInvalidInput)
	}
	method, err := normalisePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	cmd.PaymentMethod = method

	// One gateway intent serves every attempt: a contention retry re-runs the
	// storage transaction, not the gateway call, so no orphaned intents pile
	// up at the provider.
	intent := &gatewayIntentMemo{transactionID: "TXN-" + s.newID()}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		order, err := s.placeOrderOnce(ctx, cmd, intent)
		if err == nil {
			return order, nil
		}
		if !isRetryableCheckoutError(err) {
			return Order{}, err
		}
		lastErr = err
		s.logger(ctx, "checkout.retry", map[string]any{
			"customer": customerID,
			"attempt":  attempt,
			"error":    err.Error(),
		})
	}
	return Order{}, fmt.Errorf("%w: %v", ErrCheckoutTransient, lastErr)
}

// gatewayIntentMemo carries the single payment intent for one PlaceOrder call
// across contention retries. The intent is only re-created when the priced
// total moved between attempts.
type gatewayIntentMemo struct {
	transactionID string
	amount        int64
	intent        *GatewayIntent
	created       bool
}

func (m *gatewayIntentMemo) intentFor(ctx context.Context, gateways PaymentGatewayManager, order Order, method PaymentMethod) (*GatewayIntent, error) {
	if m.created && m.amount == order.Totals.Total {
		return m.intent, nil
	}
	intent, err := gateways.CreateIntent(ctx, order, m.transactionID, method)
	if err != nil {
		return nil, err
	}
	m.intent = intent
	m.amount = order.Totals.Total
	m.created = true
	return intent, nil
}

func (s *checkoutService) placeOrderOnce(ctx context.Context, cmd PlaceOrderCommand, gatewayIntent *gatewayIntentMemo) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	now := s.clock()

	cart, err := s.carts.GetCart(ctx, customerID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrCheckoutEmptyCart
		}
		return Order{}, err
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrCheckoutEmptyCart
	}

	items, priceChecks, weight, err := s.repriceLines(ctx, cart.Items)
	if err != nil {
		return Order{}, err
	}

	shippingAddr, err := s.loadAddress(ctx, customerID, cmd.ShippingAddressID)
	if err != nil {
		return Order{}, err
	}
	billingAddr := shippingAddr
	if cmd.BillingAddressID != nil && strings.TrimSpace(*cmd.BillingAddressID) != "" {
		billingAddr, err = s.loadAddress(ctx, customerID, *cmd.BillingAddressID)
		if err != nil {
			return Order{}, err
		}
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.Total
	}
	shippingFee := s.shipping.Fee(weight, shippingAddr.City, cmd.DeliverySpeed)
	tax := subtotal * s.taxRateBP / 10_000

	couponCode := normaliseCouponCode(cmd.CouponCode, cart.CouponCode)
	var discount int64
	if couponCode != nil {
		validation, err := s.coupons.Validate(ctx, CouponValidateCommand{Code: *couponCode, OrderAmount: subtotal})
		if err != nil {
			return Order{}, err
		}
		if !validation.Eligible {
			return Order{}, fmt.Errorf("%w: %s", ErrCheckoutCouponInvalid, validation.Reason)
		}
		discount = validation.DiscountAmount
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	currency := strings.TrimSpace(cart.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	order := Order{
		ID:            orderIDPrefix + s.newID(),
		OrderNumber:   number.Number,
		Sequence:      number.Sequence,
		CustomerID:    customerID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: cmd.PaymentMethod,
		Currency:      currency,
		Totals: OrderTotals{
			Subtotal: subtotal,
			Shipping: shippingFee,
			Tax:      tax,
			Discount: discount,
			Total:    subtotal + shippingFee + tax - discount,
		},
		CouponCode:      couponCode,
		Items:           items,
		ShippingAddress: cloneAddress(&shippingAddr),
		BillingAddress:  cloneAddress(&billingAddr),
		DeliverySpeed:   deliverySpeedOrDefault(cmd.DeliverySpeed),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cmd.Gift != nil {
		order.Gift = &GiftOptions{
			Wrap:    cmd.Gift.Wrap,
			Message: strings.TrimSpace(s.sanitize(cmd.Gift.Message)),
		}
	}
	if cmd.Note != nil {
		order.Note = optionalString(strings.TrimSpace(s.sanitize(*cmd.Note)))
	}
	if contact := s.contactSnapshot(ctx, customerID); contact != nil {
		order.Contact = contact
	}

	// Cash on delivery needs no external confirmation.
	if cmd.PaymentMethod == domain.PaymentMethodCOD {
		order.PaymentStatus = domain.PaymentStatusConfirmed
	}

	payment := PaymentTransaction{
		ID:            paymentIDPrefix + s.newID(),
		OrderID:       order.ID,
		TransactionID: gatewayIntent.transactionID,
		Method:        cmd.PaymentMethod,
		Amount:        order.Totals.Total,
		Currency:      currency,
		Status:        domain.PaymentTransactionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.gateways != nil {
		intent, err := gatewayIntent.intentFor(ctx, s.gateways, order, cmd.PaymentMethod)
		if err != nil {
			return Order{}, fmt.Errorf("checkout: gateway intent: %w", err)
		}
		if intent != nil {
			payment.GatewayName = valuePtr(intent.Gateway)
			payment.GatewayRef = valuePtr(intent.Reference)
			payment.Raw = cloneMap(intent.Metadata)
		}
	}

	stockLines := make([]repositories.StockLine, 0, len(items))
	for _, item := range items {
		stockLines = append(stockLines, repositories.StockLine{SKU: item.SKU, Quantity: item.Quantity})
	}

	result, err := s.checkout.PlaceOrder(ctx, repositories.PlaceOrderRequest{
		Order:   order,
		Payment: &payment,
		History: domain.OrderStatusHistory{
			ID:        historyIDPrefix + s.newID(),
			OrderID:   order.ID,
			OldStatus: domain.OrderStatusPending,
			NewStatus: domain.OrderStatusPending,
			Note:      "order created",
			CreatedAt: now,
		},
		StockLines:    stockLines,
		PriceChecks:   priceChecks,
		CouponCode:    couponCode,
		CartID:        cart.ID,
		CartUpdatedAt: cart.UpdatedAt,
		CustomerID:    customerID,
		TierFor:       s.tierFor,
		Now:           now,
	})
	if err != nil {
		return Order{}, s.mapPlacementError(err)
	}

	placed := result.Order
	placed.Payments = []PaymentTransaction{payment}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       placed.ID,
		OrderNumber:   placed.OrderNumber,
		CustomerID:    placed.CustomerID,
		CurrentStatus: placed.Status,
		PaymentStatus: placed.PaymentStatus,
		ActorID:       customerID,
		OccurredAt:    now,
	})
	locale := notificationLocale("")
	if placed.Contact != nil {
		locale = placed.Contact.Locale
	}
	s.enqueueNotification(ctx, OrderNotification{
		Type:        notificationOrderPlaced,
		CustomerID:  placed.CustomerID,
		OrderID:     placed.ID,
		OrderNumber: placed.OrderNumber,
		Locale:      locale,
		OccurredAt:  now,
		Data: map[string]any{
			"total":    placed.Totals.Total,
			"currency": placed.Currency,
			"method":   string(placed.PaymentMethod),
		},
	})

	return placed, nil
}

const (
	checkoutLineUnavailable  = "unavailable"
	checkoutLinePriceChanged = "price_changed"
)

// CheckoutLineError reports one cart line that failed revalidation.
type CheckoutLineError struct {
	SKU          string
	Reason       string
	CurrentPrice *int64
}

// CheckoutValidationError aggregates every failing cart line so the customer
// can fix the whole cart in one pass instead of one line per request.
type CheckoutValidationError struct {
	Lines []CheckoutLineError
}

func (e *CheckoutValidationError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, line.SKU+" "+line.Reason)
	}
	return "checkout: cart validation failed: " + strings.Join(parts, ", ")
}

// Unwrap exposes the per-reason sentinels so errors.Is keeps working on the
// aggregate.
func (e *CheckoutValidationError) Unwrap() []error {
	var unavailable, repriced bool
	for _, line := range e.Lines {
		switch line.Reason {
		case checkoutLineUnavailable:
			unavailable = true
		case checkoutLinePriceChanged:
			repriced = true
		}
	}
	errs := make([]error, 0, 2)
	if unavailable {
		errs = append(errs, ErrCheckoutProductUnavailable)
	}
	if repriced {
		errs = append(errs, ErrCheckoutPriceChanged)
	}
	return errs
}

// repriceLines re-reads every cart line against the live catalog. Carted
// prices are advisory only; a drift is a hard validation failure so the
// customer sees the new price instead of silently paying it. Every failing
// line is collected before returning.
func (s *checkoutService) repriceLines(ctx context.Context, cartItems []CartItem) ([]OrderLineItem, []repositories.PriceCheck, int, error) {
	skus := make([]string, 0, len(cartItems))
	for _, item := range cartItems {
		skus = append(skus, item.SKU)
	}
	products, err := s.catalog.GetProducts(ctx, skus)
	if err != nil {
		return nil, nil, 0, err
	}

	items := make([]OrderLineItem, 0, len(cartItems))
	checks := make([]repositories.PriceCheck, 0, len(cartItems))
	seen := make(map[string]bool, len(cartItems))
	var lineErrs []CheckoutLineError
	var weight int

	for _, item := range cartItems {
		sku := strings.TrimSpace(item.SKU)
		if sku == "" || item.Quantity <= 0 {
			return nil, nil, 0, fmt.Errorf("%w: cart line %q is malformed", ErrCheckoutInvalidInput, item.ID)
		}
		product, ok := products[sku]
		if !ok || !product.IsActive {
			lineErrs = append(lineErrs, CheckoutLineError{SKU: sku, Reason: checkoutLineUnavailable})
			continue
		}
		if item.UnitPrice != product.Price {
			lineErrs = append(lineErrs, CheckoutLineError{SKU: sku, Reason: checkoutLinePriceChanged, CurrentPrice: valuePtr(product.Price)})
			continue
		}

		items = append(items, OrderLineItem{
			ProductRef:  product.ID,
			SKU:         sku,
			Name:        product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
			Total:       product.Price * int64(item.Quantity),
			WeightGrams: product.WeightGrams,
			Attributes:  cloneMap(item.Attributes),
		})
		weight += product.WeightGrams * item.Quantity

		if !seen[sku] {
			seen[sku] = true
			checks = append(checks, repositories.PriceCheck{
				ProductRef:    sku,
				ExpectedPrice: product.Price,
				ExpectedOpen:  true,
			})
		}
	}

	if len(lineErrs) > 0 {
		return nil, nil, 0, &CheckoutValidationError{Lines: lineErrs}
	}
	return items, checks, weight, nil
}

func (s *checkoutService) loadAddress(ctx context.Context, customerID, addressID string) (Address, error) {
	addr, err := s.addresses.Get(ctx, customerID, strings.TrimSpace(addressID))
	if err != nil {
		if isRepoNotFound(err) {
			return Address{}, fmt.Errorf("%w: %s", ErrCheckoutAddressNotFound, addressID)
		}
		return Address{}, err
	}
	return addr, nil
}

// contactSnapshot copies the customer's contact details onto the order so
// notifications survive later profile edits. Missing profiles are tolerated.
func (s *checkoutService) contactSnapshot(ctx context.Context, customerID string) *OrderContact {
	if s.customers == nil {
		return nil
	}
	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		if !isRepoNotFound(err) {
			s.logger(ctx, "checkout.contact.lookup_failed", map[string]any{
				"customer": customerID,
				"error":    err.Error(),
			})
		}
		return nil
	}
	if customer.Email == "" && customer.Phone == "" {
		return nil
	}
	return &OrderContact{
		Email:  customer.Email,
		Phone:  customer.Phone,
		Locale: notificationLocale(customer.PreferredLanguage),
	}
}

func (s *checkoutService) mapPlacementError(err error) error {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: %s", ErrCheckoutInsufficientStock, stockErr.SKU)
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: %s", ErrCheckoutProductUnavailable, stockErr.SKU)
		}
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		switch couponErr.Code {
		case repositories.CouponErrorNotFound:
			return fmt.Errorf("%w: %s", ErrCheckoutCouponInvalid, couponReasonNotFound)
		case repositories.CouponErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCheckoutCouponInvalid, couponReasonExhausted)
		}
	}
	return err
}

func (s *checkoutService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "checkout.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func (s *checkoutService) enqueueNotification(ctx context.Context, notification OrderNotification) {
	if s.notifications == nil {
		return
	}
	if err := s.notifications.EnqueueNotification(ctx, notification); err != nil {
		s.logger(ctx, "checkout.notification.failed", map[string]any{
			"type":  notification.Type,
			"order": notification.OrderID,
			"error": err.Error(),
		})
	}
}

func isRetryableCheckoutError(err error) bool {
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		return false
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		return false
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func normaliseCouponCode(requested *string, carted *string) *string {
	candidates := []*string{requested, carted}
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		code := strings.TrimSpace(*candidate)
		if code != "" {
			return &code
		}
	}
	return nil
}

func deliverySpeedOrDefault(speed DeliverySpeed) DeliverySpeed {
	if speed == domain.DeliveryExpress {
		return domain.DeliveryExpress
	}
	return domain.DeliveryStandard
}
