package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/services"
)

const maxCouponRequestBody = 4 * 1024

// CouponHandlers exposes the public coupon preview endpoint. Validation never
// consumes usage; the checkout transaction does that.
type CouponHandlers struct {
	coupons services.CouponService
	limiter rateLimiter
}

// NewCouponHandlers constructs the public coupon handlers.
func NewCouponHandlers(coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{
		coupons: coupons,
		limiter: newFixedWindowLimiter(30, time.Minute, nil),
	}
}

// Routes registers coupon endpoints under the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/validate", h.validate)
}

type couponValidateRequest struct {
	Code        string `json:"code"`
	OrderAmount int64  `json:"orderAmount"`
}

type couponValidateResponse struct {
	Code           string `json:"code"`
	Eligible       bool   `json:"eligible"`
	Reason         string `json:"reason,omitempty"`
	DiscountAmount int64  `json:"discountAmount"`
}

func (h *CouponHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many validation requests", http.StatusTooManyRequests))
		return
	}

	var req couponValidateRequest
	if err := httpx.DecodeJSON(r, &req, maxCouponRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "code is required"))
		return
	}
	if req.OrderAmount < 0 {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "orderAmount must not be negative"))
		return
	}

	result, err := h.coupons.Validate(ctx, services.CouponValidateCommand{
		Code:        code,
		OrderAmount: req.OrderAmount,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, couponValidateResponse{
		Code:           result.Code,
		Eligible:       result.Eligible,
		Reason:         result.Reason,
		DiscountAmount: result.DiscountAmount,
	})
}
