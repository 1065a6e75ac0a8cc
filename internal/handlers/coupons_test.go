package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/services"
)

type stubCouponService struct {
	validateFn          func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error)
	calculateDiscountFn func(coupon services.Coupon, orderAmount int64) int64
	consumeFn           func(ctx context.Context, code string) error
	revertFn            func(ctx context.Context, code string) error
	getByCodeFn         func(ctx context.Context, code string) (services.Coupon, error)
	listFn              func(ctx context.Context, filter services.CouponListFilter) (domain.CursorPage[services.Coupon], error)
	upsertFn            func(ctx context.Context, cmd services.UpsertCouponCommand) (services.Coupon, error)
	deleteFn            func(ctx context.Context, code string) error
}

func (s *stubCouponService) Validate(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
	return s.validateFn(ctx, cmd)
}

func (s *stubCouponService) CalculateDiscount(coupon services.Coupon, orderAmount int64) int64 {
	if s.calculateDiscountFn == nil {
		return 0
	}
	return s.calculateDiscountFn(coupon, orderAmount)
}

func (s *stubCouponService) Consume(ctx context.Context, code string) error {
	return s.consumeFn(ctx, code)
}

func (s *stubCouponService) Revert(ctx context.Context, code string) error {
	return s.revertFn(ctx, code)
}

func (s *stubCouponService) GetByCode(ctx context.Context, code string) (services.Coupon, error) {
	return s.getByCodeFn(ctx, code)
}

func (s *stubCouponService) ListCoupons(ctx context.Context, filter services.CouponListFilter) (domain.CursorPage[services.Coupon], error) {
	return s.listFn(ctx, filter)
}

func (s *stubCouponService) UpsertCoupon(ctx context.Context, cmd services.UpsertCouponCommand) (services.Coupon, error) {
	return s.upsertFn(ctx, cmd)
}

func (s *stubCouponService) DeleteCoupon(ctx context.Context, code string) error {
	return s.deleteFn(ctx, code)
}

func couponRouter(service services.CouponService) chi.Router {
	handler := NewCouponHandlers(service)
	router := chi.NewRouter()
	router.Route("/coupons", handler.Routes)
	return router
}

func TestCouponHandlersValidateEligible(t *testing.T) {
	service := &stubCouponService{
		validateFn: func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
			if cmd.Code != "TET2026" || cmd.OrderAmount != 250000 {
				t.Fatalf("unexpected command: %+v", cmd)
			}
			return services.CouponValidationResult{
				Code:           "TET2026",
				Eligible:       true,
				DiscountAmount: 25000,
			}, nil
		},
	}

	body := `{"code":"TET2026","orderAmount":250000}`
	req := httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	couponRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp couponValidateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Eligible || resp.DiscountAmount != 25000 {
		t.Fatalf("unexpected validation response: %+v", resp)
	}
}

func TestCouponHandlersValidateIneligibleIsStillOK(t *testing.T) {
	service := &stubCouponService{
		validateFn: func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
			return services.CouponValidationResult{
				Code:     cmd.Code,
				Eligible: false,
				Reason:   "minimum order amount not met",
			}, nil
		},
	}

	body := `{"code":"TET2026","orderAmount":1000}`
	req := httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	couponRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for ineligible coupons, got %d", rr.Code)
	}

	var resp couponValidateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Eligible || resp.Reason == "" {
		t.Fatalf("expected ineligible with reason, got %+v", resp)
	}
}

func TestCouponHandlersValidateUnknownCoupon(t *testing.T) {
	service := &stubCouponService{
		validateFn: func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
			return services.CouponValidationResult{}, services.ErrCouponNotFound
		},
	}

	body := `{"code":"NOPE","orderAmount":1000}`
	req := httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	couponRouter(service).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "coupon_not_found")
}

func TestCouponHandlersValidateRejectsBadInput(t *testing.T) {
	service := &stubCouponService{
		validateFn: func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
			t.Fatal("service should not be called for invalid input")
			return services.CouponValidationResult{}, nil
		},
	}

	for _, body := range []string{`{"orderAmount":1000}`, `{"code":"TET2026","orderAmount":-1}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		couponRouter(service).ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 for body %q, got %d", body, rr.Code)
		}
	}
}

func TestCouponHandlersValidateRateLimited(t *testing.T) {
	service := &stubCouponService{
		validateFn: func(ctx context.Context, cmd services.CouponValidateCommand) (services.CouponValidationResult, error) {
			return services.CouponValidationResult{Code: cmd.Code, Eligible: true}, nil
		},
	}

	handler := NewCouponHandlers(service)
	handler.limiter = newFixedWindowLimiter(2, time.Minute, nil)
	router := chi.NewRouter()
	router.Route("/coupons", handler.Routes)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/coupons/validate", strings.NewReader(`{"code":"TET2026","orderAmount":1000}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.9:4711"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 on the third request, got %d", last.Code)
	}
	assertErrorCode(t, last.Body.Bytes(), "rate_limited")
}
