package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/services"
)

const maxCartRequestBody = 16 * 1024

// CartHandlers exposes the authenticated customer's cart.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs cart handlers guarded by Firebase authentication.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{authn: authn, carts: carts}
}

// Routes registers cart endpoints under the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.getCart)
	group.Delete("/", h.clearCart)
	group.Post("/items", h.upsertItem)
	group.Put("/items/{itemID}", h.updateItem)
	group.Delete("/items/{itemID}", h.removeItem)
	group.Post("/coupon", h.applyCoupon)
	group.Delete("/coupon", h.removeCoupon)
}

type cartItemRequest struct {
	SKU        string         `json:"sku"`
	Quantity   int            `json:"quantity"`
	Attributes map[string]any `json:"attributes"`
}

type cartCouponRequest struct {
	Code string `json:"code"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCartPayload(cart))
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, identity.UID); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) upsertItem(w http.ResponseWriter, r *http.Request) {
	h.writeItem(w, r, nil)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(r.Context(), w, httpx.BadRequest("invalid_request", "item id is required"))
		return
	}
	h.writeItem(w, r, &itemID)
}

func (h *CartHandlers) writeItem(w http.ResponseWriter, r *http.Request, itemID *string) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req cartItemRequest
	if err := httpx.DecodeJSON(r, &req, maxCartRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	cart, err := h.carts.AddOrUpdateItem(ctx, services.UpsertCartItemCommand{
		CustomerID: identity.UID,
		ItemID:     itemID,
		SKU:        strings.TrimSpace(req.SKU),
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCartPayload(cart))
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "item id is required"))
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		CustomerID: identity.UID,
		ItemID:     itemID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCartPayload(cart))
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req cartCouponRequest
	if err := httpx.DecodeJSON(r, &req, maxCartRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "code is required"))
		return
	}

	cart, err := h.carts.ApplyCoupon(ctx, services.CartCouponCommand{
		CustomerID: identity.UID,
		Code:       code,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCartPayload(cart))
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveCoupon(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCartPayload(cart))
}
