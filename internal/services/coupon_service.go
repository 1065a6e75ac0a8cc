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

const couponIDPrefix = "cpn_"

var (
	// ErrCouponInvalidInput signals the caller provided invalid coupon data.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponExhausted indicates the usage limit has been reached.
	ErrCouponExhausted = errors.New("coupon: usage limit reached")
)

// Validation failure reasons reported through CouponValidationResult.
const (
	couponReasonNotFound   = "coupon not found"
	couponReasonInactive   = "coupon is not active"
	couponReasonNotStarted = "coupon is not yet valid"
	couponReasonExpired    = "coupon has expired"
	couponReasonExhausted  = "coupon usage limit reached"
	couponReasonMinOrder   = "order amount below coupon minimum"
)

// CouponServiceDeps bundles collaborators required to construct the coupon service.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
	newID   func() string
	logger  func(context.Context, string, map[string]any)
}

// NewCouponService wires dependencies into a concrete CouponService implementation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
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

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Validate evaluates a coupon against an order amount without consuming it.
// Checks run in a fixed order and the first failure becomes the Reason:
// existence, active flag, validity window, usage limit, minimum order amount.
func (s *couponService) Validate(ctx context.Context, cmd CouponValidateCommand) (CouponValidationResult, error) {
	code := strings.TrimSpace(cmd.Code)
	if code == "" {
		return CouponValidationResult{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.OrderAmount < 0 {
		return CouponValidationResult{}, fmt.Errorf("%w: order amount must be non-negative", ErrCouponInvalidInput)
	}

	result := CouponValidationResult{Code: code}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if isCouponMissing(err) {
			result.Reason = couponReasonNotFound
			return result, nil
		}
		return CouponValidationResult{}, err
	}

	now := s.clock()
	switch {
	case !coupon.IsActive:
		result.Reason = couponReasonInactive
	case now.Before(coupon.StartDate):
		result.Reason = couponReasonNotStarted
	case now.After(coupon.EndDate):
		result.Reason = couponReasonExpired
	case coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit:
		result.Reason = couponReasonExhausted
	case coupon.MinOrderAmount != nil && cmd.OrderAmount < *coupon.MinOrderAmount:
		result.Reason = couponReasonMinOrder
	default:
		result.Eligible = true
		result.DiscountAmount = s.CalculateDiscount(coupon, cmd.OrderAmount)
	}

	return result, nil
}

// CalculateDiscount computes the discount a coupon grants on an order amount.
// Percentage coupons are capped by MaxDiscountAmount; the discount never
// exceeds the order amount itself.
func (s *couponService) CalculateDiscount(coupon Coupon, orderAmount int64) int64 {
	if orderAmount <= 0 {
		return 0
	}

	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount = orderAmount * coupon.Value / 100
		if coupon.MaxDiscountAmount != nil && discount > *coupon.MaxDiscountAmount {
			discount = *coupon.MaxDiscountAmount
		}
	case domain.CouponTypeFixed:
		discount = coupon.Value
	default:
		return 0
	}

	if discount > orderAmount {
		discount = orderAmount
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// Consume increments the coupon usage counter atomically against the usage
// limit.
func (s *couponService) Consume(ctx context.Context, code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}

	consumed, err := s.coupons.TryConsume(ctx, trimmed, s.clock())
	if err != nil {
		if isCouponMissing(err) {
			return fmt.Errorf("%w: %s", ErrCouponNotFound, trimmed)
		}
		return err
	}
	if !consumed {
		return fmt.Errorf("%w: %s", ErrCouponExhausted, trimmed)
	}
	return nil
}

// Revert hands one use back after a cancellation. The counter floors at zero.
func (s *couponService) Revert(ctx context.Context, code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}

	if err := s.coupons.Revert(ctx, trimmed, s.clock()); err != nil {
		if isCouponMissing(err) {
			return fmt.Errorf("%w: %s", ErrCouponNotFound, trimmed)
		}
		return err
	}
	return nil
}

func (s *couponService) GetByCode(ctx context.Context, code string) (Coupon, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	coupon, err := s.coupons.FindByCode(ctx, trimmed)
	if err != nil {
		if isCouponMissing(err) {
			return Coupon{}, fmt.Errorf("%w: %s", ErrCouponNotFound, trimmed)
		}
		return Coupon{}, err
	}
	return coupon, nil
}

func (s *couponService) ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	return s.coupons.List(ctx, filter)
}

func (s *couponService) UpsertCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon := cmd.Coupon
	coupon.Code = strings.TrimSpace(coupon.Code)
	if coupon.Code == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	switch coupon.Type {
	case domain.CouponTypePercentage:
		if coupon.Value <= 0 || coupon.Value > 100 {
			return Coupon{}, fmt.Errorf("%w: percentage value must be between 1 and 100", ErrCouponInvalidInput)
		}
	case domain.CouponTypeFixed:
		if coupon.Value <= 0 {
			return Coupon{}, fmt.Errorf("%w: fixed value must be positive", ErrCouponInvalidInput)
		}
	default:
		return Coupon{}, fmt.Errorf("%w: unknown coupon type %q", ErrCouponInvalidInput, coupon.Type)
	}
	if coupon.MinOrderAmount != nil && *coupon.MinOrderAmount < 0 {
		return Coupon{}, fmt.Errorf("%w: minimum order amount must be non-negative", ErrCouponInvalidInput)
	}
	if coupon.MaxDiscountAmount != nil && *coupon.MaxDiscountAmount <= 0 {
		return Coupon{}, fmt.Errorf("%w: maximum discount must be positive", ErrCouponInvalidInput)
	}
	if coupon.UsageLimit != nil && *coupon.UsageLimit <= 0 {
		return Coupon{}, fmt.Errorf("%w: usage limit must be positive", ErrCouponInvalidInput)
	}
	if !coupon.EndDate.IsZero() && coupon.EndDate.Before(coupon.StartDate) {
		return Coupon{}, fmt.Errorf("%w: end date precedes start date", ErrCouponInvalidInput)
	}

	if strings.TrimSpace(coupon.ID) == "" {
		coupon.ID = couponIDPrefix + s.newID()
	}

	saved, err := s.coupons.Upsert(ctx, coupon)
	if err != nil {
		return Coupon{}, err
	}

	s.logger(ctx, "coupon.upserted", map[string]any{
		"code":  saved.Code,
		"type":  string(saved.Type),
		"actor": cmd.ActorID,
	})
	return saved, nil
}

func (s *couponService) DeleteCoupon(ctx context.Context, code string) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if err := s.coupons.Delete(ctx, trimmed); err != nil {
		if isCouponMissing(err) {
			return fmt.Errorf("%w: %s", ErrCouponNotFound, trimmed)
		}
		return err
	}
	return nil
}

func isCouponMissing(err error) bool {
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) && couponErr.Code == repositories.CouponErrorNotFound {
		return true
	}
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
