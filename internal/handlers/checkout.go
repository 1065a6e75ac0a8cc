package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers turns the authenticated customer's cart into an order.
// The router wraps this group with the idempotency-key middleware so retried
// POSTs replay the stored order instead of placing a second one.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, checkout: checkout}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.placeOrder)
}

type placeOrderRequest struct {
	ShippingAddressID string       `json:"shippingAddressId"`
	BillingAddressID  *string      `json:"billingAddressId"`
	CouponCode        *string      `json:"couponCode"`
	PaymentMethod     string       `json:"paymentMethod"`
	DeliverySpeed     string       `json:"deliverySpeed"`
	Gift              *giftPayload `json:"gift"`
	Note              *string      `json:"note"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxCheckoutRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	if strings.TrimSpace(req.ShippingAddressID) == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "shippingAddressId is required"))
		return
	}

	cmd := services.PlaceOrderCommand{
		CustomerID:        identity.UID,
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		BillingAddressID:  trimPtr(req.BillingAddressID),
		CouponCode:        trimPtr(req.CouponCode),
		PaymentMethod:     domain.PaymentMethod(strings.TrimSpace(req.PaymentMethod)),
		DeliverySpeed:     domain.DeliverySpeed(strings.TrimSpace(req.DeliverySpeed)),
		Note:              req.Note,
	}
	if req.Gift != nil {
		cmd.Gift = &domain.GiftOptions{Wrap: req.Gift.Wrap, Message: req.Gift.Message}
	}

	order, err := h.checkout.PlaceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toOrderPayload(order))
}

func trimPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
