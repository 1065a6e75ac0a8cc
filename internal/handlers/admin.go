package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/platform/pagination"
	"github.com/sakura-shop/api/internal/services"
)

const maxAdminRequestBody = 32 * 1024

// AdminHandlers exposes the back-office surface used by fulfillment staff:
// order status transitions, stock configuration, and coupon management. The
// router guards the whole group with the OIDC middleware.
type AdminHandlers struct {
	orders  services.OrderService
	stock   services.StockService
	coupons services.CouponService
}

// NewAdminHandlers constructs the back-office handlers.
func NewAdminHandlers(orders services.OrderService, stock services.StockService, coupons services.CouponService) *AdminHandlers {
	return &AdminHandlers{orders: orders, stock: stock, coupons: coupons}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/status", h.transitionOrder)
	r.Get("/stock/low", h.listLowStock)
	r.Post("/stock/{sku}", h.configureStock)
	r.Get("/coupons", h.listCoupons)
	r.Post("/coupons", h.createCoupon)
	r.Get("/coupons/{code}", h.getCoupon)
	r.Put("/coupons/{code}", h.updateCoupon)
	r.Delete("/coupons/{code}", h.deleteCoupon)
}

// actorID identifies the staff member for audit trails.
func actorID(ctx context.Context) string {
	if staff, ok := auth.StaffIdentityFromContext(ctx); ok {
		if staff.Email != "" {
			return staff.Email
		}
		return staff.Subject
	}
	return "system"
}

type transitionOrderRequest struct {
	TargetStatus   string `json:"targetStatus"`
	Note           string `json:"note"`
	ExpectedStatus string `json:"expectedStatus"`
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "order id is required"))
		return
	}

	var req transitionOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxAdminRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}
	if strings.TrimSpace(req.TargetStatus) == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "targetStatus is required"))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: domain.OrderStatus(strings.TrimSpace(req.TargetStatus)),
		ActorID:      actorID(ctx),
		Note:         strings.TrimSpace(req.Note),
	}
	if expected := strings.TrimSpace(req.ExpectedStatus); expected != "" {
		status := domain.OrderStatus(expected)
		cmd.ExpectedStatus = &status
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	filter := services.StockLowStockFilter{
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "threshold must be a non-negative integer"))
			return
		}
		filter.Threshold = threshold
	}

	page, err := h.stock.ListLowStock(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	levels := make([]stockLevelPayload, 0, len(page.Items))
	for _, level := range page.Items {
		levels = append(levels, toStockLevelPayload(level))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"levels":        levels,
		"nextPageToken": page.NextPageToken,
	})
}

type configureStockRequest struct {
	ProductRef     string `json:"productRef"`
	Stock          int    `json:"stock"`
	AllowBackorder bool   `json:"allowBackorder"`
}

func (h *AdminHandlers) configureStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sku := strings.TrimSpace(chi.URLParam(r, "sku"))
	if sku == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "sku is required"))
		return
	}

	var req configureStockRequest
	if err := httpx.DecodeJSON(r, &req, maxAdminRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	level, err := h.stock.Configure(ctx, services.ConfigureStockCommand{
		SKU:            sku,
		ProductRef:     strings.TrimSpace(req.ProductRef),
		Stock:          req.Stock,
		AllowBackorder: req.AllowBackorder,
		ActorID:        actorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toStockLevelPayload(level))
}

func (h *AdminHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	filter := services.CouponListFilter{
		Pagination: domain.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "active must be a boolean"))
			return
		}
		filter.Active = &active
	}

	page, err := h.coupons.ListCoupons(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	coupons := make([]couponPayload, 0, len(page.Items))
	for _, coupon := range page.Items {
		coupons = append(coupons, toCouponPayload(coupon))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"coupons":       coupons,
		"nextPageToken": page.NextPageToken,
	})
}

type upsertCouponRequest struct {
	Code              string `json:"code"`
	Type              string `json:"type"`
	Value             int64  `json:"value"`
	MinOrderAmount    *int64 `json:"minOrderAmount"`
	MaxDiscountAmount *int64 `json:"maxDiscountAmount"`
	UsageLimit        *int   `json:"usageLimit"`
	IsActive          bool   `json:"isActive"`
	StartDate         string `json:"startDate"`
	EndDate           string `json:"endDate"`
}

func (h *AdminHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	h.upsertCoupon(w, r, "")
}

func (h *AdminHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.WriteError(r.Context(), w, httpx.BadRequest("invalid_request", "coupon code is required"))
		return
	}
	h.upsertCoupon(w, r, code)
}

func (h *AdminHandlers) upsertCoupon(w http.ResponseWriter, r *http.Request, pathCode string) {
	ctx := r.Context()

	var req upsertCouponRequest
	if err := httpx.DecodeJSON(r, &req, maxAdminRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	code := strings.TrimSpace(req.Code)
	if pathCode != "" {
		code = pathCode
	}
	if code == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "code is required"))
		return
	}

	startDate, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartDate))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "startDate must be RFC 3339"))
		return
	}
	endDate, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EndDate))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "endDate must be RFC 3339"))
		return
	}

	coupon, err := h.coupons.UpsertCoupon(ctx, services.UpsertCouponCommand{
		Coupon: domain.Coupon{
			Code:              code,
			Type:              domain.CouponType(strings.TrimSpace(req.Type)),
			Value:             req.Value,
			MinOrderAmount:    req.MinOrderAmount,
			MaxDiscountAmount: req.MaxDiscountAmount,
			UsageLimit:        req.UsageLimit,
			IsActive:          req.IsActive,
			StartDate:         startDate,
			EndDate:           endDate,
		},
		ActorID: actorID(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if pathCode == "" {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, toCouponPayload(coupon))
}

func (h *AdminHandlers) getCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "coupon code is required"))
		return
	}

	coupon, err := h.coupons.GetByCode(ctx, code)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCouponPayload(coupon))
}

func (h *AdminHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "coupon code is required"))
		return
	}

	if err := h.coupons.DeleteCoupon(ctx, code); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
