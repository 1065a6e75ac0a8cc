package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

const stockCollection = "stock_levels"

type stockDocument struct {
	ProductRef     string    `firestore:"productRef,omitempty"`
	Stock          int       `firestore:"stock"`
	AllowBackorder bool      `firestore:"allowBackorder"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func (d stockDocument) toDomain(sku string) domain.StockLevel {
	return domain.StockLevel{
		SKU:            sku,
		ProductRef:     d.ProductRef,
		Stock:          d.Stock,
		AllowBackorder: d.AllowBackorder,
		UpdatedAt:      d.UpdatedAt,
	}
}

// StockRepository implements repositories.StockRepository with conditional
// decrements executed inside Firestore transactions.
type StockRepository struct {
	provider *pfirestore.Provider
	levels   *pfirestore.Collection[stockDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	base := pfirestore.NewCollection[stockDocument](provider, stockCollection)
	return &StockRepository{
		provider: provider,
		levels:   base,
	}, nil
}

var _ repositories.StockRepository = (*StockRepository)(nil)

// Get loads the stock level for the given SKU.
func (r *StockRepository) Get(ctx context.Context, sku string) (domain.StockLevel, error) {
	if r == nil || r.levels == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	key := strings.TrimSpace(sku)
	if key == "" {
		return domain.StockLevel{}, errors.New("stock repository: sku is required")
	}

	doc, err := r.levels.Get(ctx, key)
	if err != nil {
		return domain.StockLevel{}, wrapStockError("stock.get", key, err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// CheckAvailable reports whether the SKU can currently satisfy the quantity.
func (r *StockRepository) CheckAvailable(ctx context.Context, sku string, quantity int) (bool, error) {
	level, err := r.Get(ctx, sku)
	if err != nil {
		return false, err
	}
	if quantity <= 0 {
		return false, errors.New("stock repository: quantity must be positive")
	}
	return level.AllowBackorder || level.Stock >= quantity, nil
}

// Decrement removes sold quantity from every requested SKU or none of them.
// The write is conditional: a line whose SKU disallows backorder fails the
// whole transaction when the remaining stock would go negative.
func (r *StockRepository) Decrement(ctx context.Context, req repositories.StockDecrementRequest) (repositories.StockDecrementResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockDecrementResult{}, errors.New("stock repository not initialised")
	}
	lines, err := normaliseStockLines(req.Lines)
	if err != nil {
		return repositories.StockDecrementResult{}, err
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	stocks := make(map[string]domain.StockLevel, len(lines))

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, len(lines))
		docs := make([]stockDocument, len(lines))
		for i, line := range lines {
			ref, err := r.levels.DocumentRef(ctx, line.SKU)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorNotFound, line.SKU, fmt.Sprintf("no stock record for sku %s", line.SKU), err)
			}
			if err != nil {
				return err
			}
			var doc stockDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore stock decode %s: %w", line.SKU, err)
			}
			if !doc.AllowBackorder && doc.Stock < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, line.SKU, fmt.Sprintf("sku %s has %d units, requested %d", line.SKU, doc.Stock, line.Quantity), nil)
			}
			refs[i] = ref
			docs[i] = doc
		}

		for i, line := range lines {
			doc := docs[i]
			doc.Stock -= line.Quantity
			doc.UpdatedAt = now
			if err := tx.Set(refs[i], doc); err != nil {
				return err
			}
			stocks[line.SKU] = doc.toDomain(line.SKU)
		}
		return nil
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return repositories.StockDecrementResult{}, stockErr
		}
		return repositories.StockDecrementResult{}, pfirestore.WrapError("stock.decrement", err)
	}
	return repositories.StockDecrementResult{Stocks: stocks}, nil
}

// Restore returns cancelled quantity to every requested SKU. Missing stock
// records are created so a restore never fails on an absent document.
func (r *StockRepository) Restore(ctx context.Context, req repositories.StockRestoreRequest) (repositories.StockRestoreResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockRestoreResult{}, errors.New("stock repository not initialised")
	}
	lines, err := normaliseStockLines(req.Lines)
	if err != nil {
		return repositories.StockRestoreResult{}, err
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	stocks := make(map[string]domain.StockLevel, len(lines))

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, len(lines))
		docs := make([]stockDocument, len(lines))
		for i, line := range lines {
			ref, err := r.levels.DocumentRef(ctx, line.SKU)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(ref)
			switch status.Code(err) {
			case codes.NotFound:
				docs[i] = stockDocument{}
			case codes.OK:
				if err := snapshot.DataTo(&docs[i]); err != nil {
					return fmt.Errorf("firestore stock decode %s: %w", line.SKU, err)
				}
			default:
				return err
			}
			refs[i] = ref
		}

		for i, line := range lines {
			doc := docs[i]
			doc.Stock += line.Quantity
			doc.UpdatedAt = now
			if err := tx.Set(refs[i], doc); err != nil {
				return err
			}
			stocks[line.SKU] = doc.toDomain(line.SKU)
		}
		return nil
	})
	if err != nil {
		return repositories.StockRestoreResult{}, pfirestore.WrapError("stock.restore", err)
	}
	return repositories.StockRestoreResult{Stocks: stocks}, nil
}

// Configure upserts the stock record for a SKU.
func (r *StockRepository) Configure(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error) {
	if r == nil || r.levels == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	sku := strings.TrimSpace(level.SKU)
	if sku == "" {
		return domain.StockLevel{}, errors.New("stock repository: sku is required")
	}
	if level.Stock < 0 && !level.AllowBackorder {
		return domain.StockLevel{}, errors.New("stock repository: stock must be non-negative unless backorder is allowed")
	}

	now := level.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	doc := stockDocument{
		ProductRef:     strings.TrimSpace(level.ProductRef),
		Stock:          level.Stock,
		AllowBackorder: level.AllowBackorder,
		UpdatedAt:      now,
	}
	if err := r.levels.Set(ctx, sku, doc); err != nil {
		return domain.StockLevel{}, wrapStockError("stock.configure", sku, err)
	}
	return doc.toDomain(sku), nil
}

// ListLowStock returns SKUs whose stock is at or below the threshold, ordered
// by document ID for stable cursors.
func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.StockLowQuery) (domain.CursorPage[domain.StockLevel], error) {
	if r == nil || r.levels == nil {
		return domain.CursorPage[domain.StockLevel]{}, errors.New("stock repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	cursor, err := pagination.DecodeToken(query.PageToken)
	if err != nil {
		return domain.CursorPage[domain.StockLevel]{}, err
	}

	docs, err := r.levels.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("stock", "<=", query.Threshold).OrderBy("stock", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.StockLevel]{}, err
	}

	page := domain.CursorPage[domain.StockLevel]{Items: make([]domain.StockLevel, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{docs[i-1].Data.Stock, docs[i-1].ID}})
			if err != nil {
				return domain.CursorPage[domain.StockLevel]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

func normaliseStockLines(lines []repositories.StockLine) ([]repositories.StockLine, error) {
	if len(lines) == 0 {
		return nil, errors.New("stock repository: at least one line is required")
	}
	merged := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			return nil, errors.New("stock repository: line sku is required")
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("stock repository: quantity for sku %s must be positive", sku)
		}
		merged[sku] += line.Quantity
	}
	out := make([]repositories.StockLine, 0, len(merged))
	for sku, qty := range merged {
		out = append(out, repositories.StockLine{SKU: sku, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func wrapStockError(op string, sku string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return repositories.NewStockError(repositories.StockErrorNotFound, sku, fmt.Sprintf("no stock record for sku %s", sku), err)
	}
	return pfirestore.WrapError(op, err)
}
