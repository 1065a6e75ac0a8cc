package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sakura-shop/api/internal/domain"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/platform/pagination"
	"github.com/sakura-shop/api/internal/repositories"
)

const couponCollection = "coupons"

type couponDocument struct {
	Code              string    `firestore:"code"`
	Type              string    `firestore:"type"`
	Value             int64     `firestore:"value"`
	MinOrderAmount    *int64    `firestore:"minOrderAmount,omitempty"`
	MaxDiscountAmount *int64    `firestore:"maxDiscountAmount,omitempty"`
	UsageLimit        *int      `firestore:"usageLimit,omitempty"`
	UsedCount         int       `firestore:"usedCount"`
	IsActive          bool      `firestore:"isActive"`
	StartDate         time.Time `firestore:"startDate"`
	EndDate           time.Time `firestore:"endDate"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:                id,
		Code:              d.Code,
		Type:              domain.CouponType(d.Type),
		Value:             d.Value,
		MinOrderAmount:    d.MinOrderAmount,
		MaxDiscountAmount: d.MaxDiscountAmount,
		UsageLimit:        d.UsageLimit,
		UsedCount:         d.UsedCount,
		IsActive:          d.IsActive,
		StartDate:         d.StartDate,
		EndDate:           d.EndDate,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

// CouponRepository implements repositories.CouponRepository. Coupons are
// keyed by their normalised (lowercase) code so lookups stay case-insensitive
// and the usage counter lives on a single contended document.
type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.Collection[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewCollection[couponDocument](provider, couponCollection)
	return &CouponRepository{
		provider: provider,
		coupons:  base,
	}, nil
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// FindByCode loads the coupon identified by the case-insensitive code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	key, err := couponKey(code)
	if err != nil {
		return domain.Coupon{}, err
	}

	doc, err := r.coupons.Get(ctx, key)
	if err != nil {
		return domain.Coupon{}, wrapCouponError("coupons.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert stores the coupon definition. UsedCount is preserved on updates so
// administrative edits cannot reset the consumption counter.
func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	key, err := couponKey(coupon.Code)
	if err != nil {
		return domain.Coupon{}, err
	}

	now := time.Now().UTC()
	var saved couponDocument

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, key)
		if err != nil {
			return err
		}

		doc := couponDocument{
			Code:              strings.TrimSpace(coupon.Code),
			Type:              string(coupon.Type),
			Value:             coupon.Value,
			MinOrderAmount:    coupon.MinOrderAmount,
			MaxDiscountAmount: coupon.MaxDiscountAmount,
			UsageLimit:        coupon.UsageLimit,
			IsActive:          coupon.IsActive,
			StartDate:         coupon.StartDate.UTC(),
			EndDate:           coupon.EndDate.UTC(),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			// first write keeps the zero counter
		case codes.OK:
			var existing couponDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return fmt.Errorf("firestore coupons decode %s: %w", key, err)
			}
			doc.UsedCount = existing.UsedCount
			doc.CreatedAt = existing.CreatedAt
		default:
			return err
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc
		return nil
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.upsert", err)
	}
	return saved.toDomain(key), nil
}

// Delete removes the coupon definition.
func (r *CouponRepository) Delete(ctx context.Context, code string) error {
	if r == nil || r.coupons == nil {
		return errors.New("coupon repository not initialised")
	}
	key, err := couponKey(code)
	if err != nil {
		return err
	}
	ref, err := r.coupons.DocumentRef(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	return nil
}

// List returns coupons for admin surfaces ordered by creation time.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.coupons == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	docs, err := r.coupons.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Active != nil {
			q = q.Where("isActive", "==", *filter.Active)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	page := domain.CursorPage[domain.Coupon]{Items: make([]domain.Coupon, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{docs[i-1].Data.CreatedAt, docs[i-1].ID}})
			if err != nil {
				return domain.CursorPage[domain.Coupon]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// TryConsume atomically increments UsedCount only when the result stays within
// the usage limit. Returns false without mutating when the limit is reached.
func (r *CouponRepository) TryConsume(ctx context.Context, code string, now time.Time) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("coupon repository not initialised")
	}
	key, err := couponKey(code)
	if err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now()
	}

	consumed := false
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, key)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", key), err)
		}
		if err != nil {
			return err
		}
		var doc couponDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore coupons decode %s: %w", key, err)
		}

		if doc.UsageLimit != nil && doc.UsedCount+1 > *doc.UsageLimit {
			consumed = false
			return nil
		}

		doc.UsedCount++
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			return false, couponErr
		}
		return false, pfirestore.WrapError("coupons.consume", err)
	}
	return consumed, nil
}

// Revert decrements UsedCount by one, flooring at zero.
func (r *CouponRepository) Revert(ctx context.Context, code string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	key, err := couponKey(code)
	if err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now()
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.coupons.DocumentRef(ctx, key)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", key), err)
		}
		if err != nil {
			return err
		}
		var doc couponDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore coupons decode %s: %w", key, err)
		}
		if doc.UsedCount == 0 {
			return nil
		}
		doc.UsedCount--
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			return couponErr
		}
		return pfirestore.WrapError("coupons.revert", err)
	}
	return nil
}

func couponKey(code string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(code))
	if key == "" {
		return "", errors.New("coupon repository: code is required")
	}
	return key, nil
}

func wrapCouponError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return repositories.NewCouponError(repositories.CouponErrorNotFound, "coupon not found", err)
	}
	return pfirestore.WrapError(op, err)
}
