package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/platform/pagination"
	"github.com/sakura-shop/api/internal/services"
)

const maxOrderRequestBody = 8 * 1024

// OrderHandlers exposes the customer-facing order surface: listing, detail
// with optional expansions, the transition history, cancellation, and payment
// attempts. Every route is scoped to the authenticated customer's own orders.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs order handlers guarded by Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders, payments: payments}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.listOrders)
	group.Get("/{orderID}", h.getOrder)
	group.Get("/{orderID}/history", h.listHistory)
	group.Post("/{orderID}/cancel", h.cancelOrder)
	group.Get("/{orderID}/payments", h.listPayments)
	group.Post("/{orderID}/payments", h.createPayment)
}

type listOrdersResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	filter := services.OrderListFilter{
		CustomerID: identity.UID,
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, raw := range r.URL.Query()["status"] {
		for _, status := range strings.Split(raw, ",") {
			status = strings.TrimSpace(status)
			if status != "" {
				filter.Status = append(filter.Status, domain.OrderStatus(status))
			}
		}
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := listOrdersResponse{
		Orders:        make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Orders = append(resp.Orders, toOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	opts := services.OrderReadOptions{}
	for _, raw := range r.URL.Query()["include"] {
		for _, part := range strings.Split(raw, ",") {
			switch strings.TrimSpace(part) {
			case "payments":
				opts.IncludePayments = true
			case "history":
				opts.IncludeHistory = true
			}
		}
	}

	order, ok := h.loadOwnedOrder(w, r, identity, opts)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(order))
}

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity, services.OrderReadOptions{})
	if !ok {
		return
	}

	history, err := h.orders.ListHistory(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	entries := make([]orderHistoryPayload, 0, len(history))
	for _, entry := range history {
		entries = append(entries, toHistoryPayload(entry))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity, services.OrderReadOptions{})
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: order.ID,
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(cancelled))
}

func (h *OrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity, services.OrderReadOptions{})
	if !ok {
		return
	}

	transactions, err := h.payments.ListPayments(ctx, order.ID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := make([]paymentPayload, 0, len(transactions))
	for _, tx := range transactions {
		payload = append(payload, toPaymentPayload(tx))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"payments": payload})
}

type createPaymentRequest struct {
	Method string `json:"method"`
}

// createPayment opens a fresh payment attempt, e.g. retrying a bank transfer
// after a cancelled attempt. The ledger cancels any prior pending attempt.
func (h *OrderHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(w, r, identity, services.OrderReadOptions{})
	if !ok {
		return
	}

	var req createPaymentRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	tx, err := h.payments.CreatePayment(ctx, services.CreatePaymentCommand{
		OrderID: order.ID,
		Method:  domain.PaymentMethod(strings.TrimSpace(req.Method)),
		ActorID: identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toPaymentPayload(tx))
}

// loadOwnedOrder fetches the order and verifies ownership. Foreign orders
// yield the same 404 as missing ones so order IDs cannot be probed.
func (h *OrderHandlers) loadOwnedOrder(w http.ResponseWriter, r *http.Request, identity *auth.Identity, opts services.OrderReadOptions) (services.Order, bool) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "order id is required"))
		return services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, orderID, opts)
	if err != nil {
		writeServiceError(ctx, w, err)
		return services.Order{}, false
	}
	if order.CustomerID != identity.UID {
		httpx.WriteError(ctx, w, httpx.NotFound("order_not_found", "order not found"))
		return services.Order{}, false
	}
	return order, true
}
