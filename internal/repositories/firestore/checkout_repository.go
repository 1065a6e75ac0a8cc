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
	"github.com/sakura-shop/api/internal/repositories"
)

// CheckoutRepository executes order placement as one Firestore transaction.
// Firestore requires every read to precede the first write, so the
// transaction gathers the cart, product, stock, coupon and customer
// snapshots up front, validates them, and only then performs the writes.
type CheckoutRepository struct {
	provider *pfirestore.Provider
}

// NewCheckoutRepository constructs the transactional checkout repository.
func NewCheckoutRepository(provider *pfirestore.Provider) (*CheckoutRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout repository requires firestore provider")
	}
	return &CheckoutRepository{provider: provider}, nil
}

var _ repositories.CheckoutRepository = (*CheckoutRepository)(nil)

// PlaceOrder commits the prepared order atomically: conditional stock
// decrements, coupon consumption, order + initial history creation, cart
// clearing and the customer statistics update all take effect together or
// not at all. Contention and precondition drift surface as conflict errors
// for the caller's retry wrapper; insufficient stock and coupon exhaustion
// surface as their typed business errors.
func (r *CheckoutRepository) PlaceOrder(ctx context.Context, req repositories.PlaceOrderRequest) (repositories.PlaceOrderResult, error) {
	if r == nil || r.provider == nil {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository not initialised")
	}
	orderID := strings.TrimSpace(req.Order.ID)
	if orderID == "" {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository: order id is required")
	}
	if strings.TrimSpace(req.History.ID) == "" {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository: history id is required")
	}
	if req.Payment != nil && strings.TrimSpace(req.Payment.ID) == "" {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository: payment id is required")
	}
	cartID := strings.TrimSpace(req.CartID)
	if cartID == "" {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository: cart id is required")
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return repositories.PlaceOrderResult{}, errors.New("checkout repository: customer id is required")
	}
	lines, err := normaliseStockLines(req.StockLines)
	if err != nil {
		return repositories.PlaceOrderResult{}, err
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.PlaceOrderResult{}, err
	}

	result := repositories.PlaceOrderResult{
		Order:  req.Order,
		Stocks: make(map[string]domain.StockLevel, len(lines)),
	}

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		// reads ------------------------------------------------------------

		cartRef := client.Collection(cartCollection).Doc(cartID)
		cartSnap, err := tx.Get(cartRef)
		if status.Code(err) == codes.NotFound {
			return status.Errorf(codes.Aborted, "cart %s disappeared during checkout", cartID)
		}
		if err != nil {
			return err
		}
		var cart cartDocument
		if err := cartSnap.DataTo(&cart); err != nil {
			return fmt.Errorf("firestore carts decode %s: %w", cartID, err)
		}
		if !req.CartUpdatedAt.IsZero() && !cart.UpdatedAt.Equal(req.CartUpdatedAt.UTC()) {
			return status.Errorf(codes.Aborted, "cart %s changed during checkout", cartID)
		}

		for _, check := range req.PriceChecks {
			sku := strings.TrimSpace(check.ProductRef)
			if sku == "" {
				continue
			}
			productSnap, err := tx.Get(client.Collection(productCollection).Doc(sku))
			if status.Code(err) == codes.NotFound {
				return status.Errorf(codes.Aborted, "product %s disappeared during checkout", sku)
			}
			if err != nil {
				return err
			}
			var product productDocument
			if err := productSnap.DataTo(&product); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", sku, err)
			}
			if product.Price != check.ExpectedPrice || product.IsActive != check.ExpectedOpen {
				return status.Errorf(codes.Aborted, "product %s changed during checkout", sku)
			}
		}

		stockRefs := make([]*firestore.DocumentRef, len(lines))
		stockDocs := make([]stockDocument, len(lines))
		for i, line := range lines {
			ref := client.Collection(stockCollection).Doc(line.SKU)
			snapshot, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorNotFound, line.SKU, fmt.Sprintf("no stock record for sku %s", line.SKU), err)
			}
			if err != nil {
				return err
			}
			if err := snapshot.DataTo(&stockDocs[i]); err != nil {
				return fmt.Errorf("firestore stock decode %s: %w", line.SKU, err)
			}
			if !stockDocs[i].AllowBackorder && stockDocs[i].Stock < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, line.SKU,
					fmt.Sprintf("sku %s has %d units, requested %d", line.SKU, stockDocs[i].Stock, line.Quantity), nil)
			}
			stockRefs[i] = ref
		}

		var couponRef *firestore.DocumentRef
		var coupon couponDocument
		consumeCoupon := false
		if req.CouponCode != nil {
			key := strings.ToLower(strings.TrimSpace(*req.CouponCode))
			if key != "" {
				couponRef = client.Collection(couponCollection).Doc(key)
				couponSnap, err := tx.Get(couponRef)
				if status.Code(err) == codes.NotFound {
					return repositories.NewCouponError(repositories.CouponErrorNotFound, fmt.Sprintf("coupon %s not found", key), err)
				}
				if err != nil {
					return err
				}
				if err := couponSnap.DataTo(&coupon); err != nil {
					return fmt.Errorf("firestore coupons decode %s: %w", key, err)
				}
				if coupon.UsageLimit != nil && coupon.UsedCount+1 > *coupon.UsageLimit {
					return repositories.NewCouponError(repositories.CouponErrorExhausted, fmt.Sprintf("coupon %s usage limit reached", key), nil)
				}
				consumeCoupon = true
			}
		}

		customerRef := client.Collection(customerCollection).Doc(customerID)
		var customer customerDocument
		customerSnap, err := tx.Get(customerRef)
		switch status.Code(err) {
		case codes.NotFound:
			customer = customerDocument{Tier: string(domain.TierBronze), CreatedAt: now}
		case codes.OK:
			if err := customerSnap.DataTo(&customer); err != nil {
				return fmt.Errorf("firestore customers decode %s: %w", customerID, err)
			}
		default:
			return err
		}

		// writes -----------------------------------------------------------

		orderRef := client.Collection(orderCollection).Doc(orderID)
		if err := tx.Create(orderRef, orderToDocument(req.Order)); err != nil {
			return err
		}
		historyRef := orderRef.Collection(orderHistoryCollection).Doc(req.History.ID)
		if err := tx.Create(historyRef, orderHistoryDocument{
			OldStatus: string(req.History.OldStatus),
			NewStatus: string(req.History.NewStatus),
			Note:      req.History.Note,
			CreatedAt: req.History.CreatedAt.UTC(),
		}); err != nil {
			return err
		}

		if req.Payment != nil {
			paymentRef := orderRef.Collection(orderPaymentCollection).Doc(req.Payment.ID)
			if err := tx.Create(paymentRef, paymentToDocument(*req.Payment)); err != nil {
				return err
			}
		}

		for i, line := range lines {
			doc := stockDocs[i]
			doc.Stock -= line.Quantity
			doc.UpdatedAt = now
			if err := tx.Set(stockRefs[i], doc); err != nil {
				return err
			}
			result.Stocks[line.SKU] = doc.toDomain(line.SKU)
		}

		if consumeCoupon {
			coupon.UsedCount++
			coupon.UpdatedAt = now
			if err := tx.Set(couponRef, coupon); err != nil {
				return err
			}
		}

		if err := tx.Delete(cartRef); err != nil {
			return err
		}

		customer.TotalOrders++
		customer.TotalSpent += req.Order.Totals.Total
		if req.TierFor != nil {
			customer.Tier = string(req.TierFor(customer.TotalSpent))
		}
		customer.UpdatedAt = now
		if customer.CreatedAt.IsZero() {
			customer.CreatedAt = now
		}
		return tx.Set(customerRef, customer)
	})
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return repositories.PlaceOrderResult{}, stockErr
		}
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			return repositories.PlaceOrderResult{}, couponErr
		}
		return repositories.PlaceOrderResult{}, err
	}
	result.Order.ID = orderID
	return result, nil
}
