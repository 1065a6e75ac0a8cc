package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
)

// requireCustomer resolves the authenticated customer or writes a 401. The
// Firebase middleware normally guarantees an identity; this guards direct
// handler invocations.
func requireCustomer(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || identity.UID == "" {
		httpx.WriteError(ctx, w, httpx.Unauthorized("unauthenticated", "authentication required"))
		return nil, false
	}
	return identity, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return formatTime(*t)
}

type addressPayload struct {
	ID         string `json:"id,omitempty"`
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func toAddressPayload(addr domain.Address) addressPayload {
	payload := addressPayload{
		ID:         addr.ID,
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		City:       addr.City,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
	if addr.Line2 != nil {
		payload.Line2 = *addr.Line2
	}
	if addr.State != nil {
		payload.State = *addr.State
	}
	if addr.Phone != nil {
		payload.Phone = *addr.Phone
	}
	return payload
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderLinePayload struct {
	ProductRef string         `json:"productRef"`
	SKU        string         `json:"sku"`
	Name       string         `json:"name"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unitPrice"`
	Total      int64          `json:"total"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type orderHistoryPayload struct {
	ID        string `json:"id"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type paymentPayload struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Method        string `json:"method"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	GatewayName   string `json:"gatewayName,omitempty"`
	GatewayRef    string `json:"gatewayRef,omitempty"`
	CreatedAt     string `json:"createdAt"`
	PaidAt        string `json:"paidAt,omitempty"`
}

func toPaymentPayload(tx domain.PaymentTransaction) paymentPayload {
	payload := paymentPayload{
		ID:            tx.ID,
		TransactionID: tx.TransactionID,
		Method:        string(tx.Method),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		CreatedAt:     formatTime(tx.CreatedAt),
		PaidAt:        formatTimePtr(tx.PaidAt),
	}
	if tx.GatewayName != nil {
		payload.GatewayName = *tx.GatewayName
	}
	if tx.GatewayRef != nil {
		payload.GatewayRef = *tx.GatewayRef
	}
	return payload
}

type giftPayload struct {
	Wrap    bool   `json:"wrap"`
	Message string `json:"message,omitempty"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"orderNumber"`
	Status          string                `json:"status"`
	PaymentStatus   string                `json:"paymentStatus"`
	PaymentMethod   string                `json:"paymentMethod"`
	Currency        string                `json:"currency"`
	Totals          orderTotalsPayload    `json:"totals"`
	CouponCode      string                `json:"couponCode,omitempty"`
	Items           []orderLinePayload    `json:"items"`
	ShippingAddress *addressPayload       `json:"shippingAddress,omitempty"`
	BillingAddress  *addressPayload       `json:"billingAddress,omitempty"`
	DeliverySpeed   string                `json:"deliverySpeed"`
	Gift            *giftPayload          `json:"gift,omitempty"`
	Note            string                `json:"note,omitempty"`
	CancelReason    string                `json:"cancelReason,omitempty"`
	CreatedAt       string                `json:"createdAt"`
	UpdatedAt       string                `json:"updatedAt"`
	PaidAt          string                `json:"paidAt,omitempty"`
	CancelledAt     string                `json:"cancelledAt,omitempty"`
	History         []orderHistoryPayload `json:"history,omitempty"`
	Payments        []paymentPayload      `json:"payments,omitempty"`
}

func toOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      order.Currency,
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		DeliverySpeed: string(order.DeliverySpeed),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		PaidAt:        formatTimePtr(order.PaidAt),
		CancelledAt:   formatTimePtr(order.CancelledAt),
	}
	if order.CouponCode != nil {
		payload.CouponCode = *order.CouponCode
	}
	if order.Note != nil {
		payload.Note = *order.Note
	}
	if order.CancelReason != nil {
		payload.CancelReason = *order.CancelReason
	}
	if order.Gift != nil {
		payload.Gift = &giftPayload{Wrap: order.Gift.Wrap, Message: order.Gift.Message}
	}
	if order.ShippingAddress != nil {
		addr := toAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	if order.BillingAddress != nil {
		addr := toAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &addr
	}

	payload.Items = make([]orderLinePayload, 0, len(order.Items))
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderLinePayload{
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Attributes: item.Attributes,
		})
	}
	for _, entry := range order.History {
		payload.History = append(payload.History, toHistoryPayload(entry))
	}
	for _, tx := range order.Payments {
		payload.Payments = append(payload.Payments, toPaymentPayload(tx))
	}
	return payload
}

func toHistoryPayload(entry domain.OrderStatusHistory) orderHistoryPayload {
	return orderHistoryPayload{
		ID:        entry.ID,
		OldStatus: string(entry.OldStatus),
		NewStatus: string(entry.NewStatus),
		Note:      entry.Note,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}

type cartItemPayload struct {
	ID         string         `json:"id"`
	ProductRef string         `json:"productRef"`
	SKU        string         `json:"sku"`
	Name       string         `json:"name"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unitPrice"`
	Attributes map[string]any `json:"attributes,omitempty"`
	AddedAt    string         `json:"addedAt"`
}

type cartPayload struct {
	ID         string            `json:"id"`
	Currency   string            `json:"currency"`
	CouponCode string            `json:"couponCode,omitempty"`
	Items      []cartItemPayload `json:"items"`
	UpdatedAt  string            `json:"updatedAt"`
}

func toCartPayload(cart domain.Cart) cartPayload {
	payload := cartPayload{
		ID:        cart.ID,
		Currency:  cart.Currency,
		Items:     make([]cartItemPayload, 0, len(cart.Items)),
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
	if cart.CouponCode != nil {
		payload.CouponCode = *cart.CouponCode
	}
	for _, item := range cart.Items {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:         item.ID,
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Attributes: item.Attributes,
			AddedAt:    formatTime(item.AddedAt),
		})
	}
	return payload
}

type stockLevelPayload struct {
	SKU            string `json:"sku"`
	ProductRef     string `json:"productRef,omitempty"`
	Stock          int    `json:"stock"`
	AllowBackorder bool   `json:"allowBackorder"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

func toStockLevelPayload(level domain.StockLevel) stockLevelPayload {
	payload := stockLevelPayload{
		SKU:            level.SKU,
		ProductRef:     level.ProductRef,
		Stock:          level.Stock,
		AllowBackorder: level.AllowBackorder,
	}
	if !level.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(level.UpdatedAt)
	}
	return payload
}

type couponPayload struct {
	Code              string `json:"code"`
	Type              string `json:"type"`
	Value             int64  `json:"value"`
	MinOrderAmount    *int64 `json:"minOrderAmount,omitempty"`
	MaxDiscountAmount *int64 `json:"maxDiscountAmount,omitempty"`
	UsageLimit        *int   `json:"usageLimit,omitempty"`
	UsedCount         int    `json:"usedCount"`
	IsActive          bool   `json:"isActive"`
	StartDate         string `json:"startDate"`
	EndDate           string `json:"endDate"`
	UpdatedAt         string `json:"updatedAt,omitempty"`
}

func toCouponPayload(coupon domain.Coupon) couponPayload {
	payload := couponPayload{
		Code:              coupon.Code,
		Type:              string(coupon.Type),
		Value:             coupon.Value,
		MinOrderAmount:    coupon.MinOrderAmount,
		MaxDiscountAmount: coupon.MaxDiscountAmount,
		UsageLimit:        coupon.UsageLimit,
		UsedCount:         coupon.UsedCount,
		IsActive:          coupon.IsActive,
		StartDate:         formatTime(coupon.StartDate),
		EndDate:           formatTime(coupon.EndDate),
	}
	if !coupon.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(coupon.UpdatedAt)
	}
	return payload
}
