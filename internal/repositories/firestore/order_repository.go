package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sakura-shop/api/internal/domain"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/platform/pagination"
	"github.com/sakura-shop/api/internal/repositories"
)

const (
	orderCollection        = "orders"
	orderHistoryCollection = "history"
	customerCollection     = "customers"
)

type orderDocument struct {
	OrderNumber     string               `firestore:"orderNumber"`
	Sequence        int64                `firestore:"sequence"`
	CustomerID      string               `firestore:"customerId"`
	Status          string               `firestore:"status"`
	PaymentStatus   string               `firestore:"paymentStatus"`
	PaymentMethod   string               `firestore:"paymentMethod"`
	Currency        string               `firestore:"currency"`
	Totals          orderTotalsDocument  `firestore:"totals"`
	CouponCode      *string              `firestore:"couponCode,omitempty"`
	Items           []orderItemDocument  `firestore:"items"`
	ShippingAddress *addressDocument     `firestore:"shippingAddress,omitempty"`
	BillingAddress  *addressDocument     `firestore:"billingAddress,omitempty"`
	Contact         *orderContactDoc     `firestore:"contact,omitempty"`
	DeliverySpeed   string               `firestore:"deliverySpeed,omitempty"`
	Gift            *orderGiftDocument   `firestore:"gift,omitempty"`
	Note            *string              `firestore:"note,omitempty"`
	CancelReason    *string              `firestore:"cancelReason,omitempty"`
	CreatedAt       time.Time            `firestore:"createdAt"`
	UpdatedAt       time.Time            `firestore:"updatedAt"`
	Milestones      orderMilestoneFields `firestore:"milestones"`
}

type orderMilestoneFields struct {
	ConfirmedAt  *time.Time `firestore:"confirmedAt,omitempty"`
	ProcessingAt *time.Time `firestore:"processingAt,omitempty"`
	PackedAt     *time.Time `firestore:"packedAt,omitempty"`
	ShippedAt    *time.Time `firestore:"shippedAt,omitempty"`
	DeliveredAt  *time.Time `firestore:"deliveredAt,omitempty"`
	CancelledAt  *time.Time `firestore:"cancelledAt,omitempty"`
	ReturnedAt   *time.Time `firestore:"returnedAt,omitempty"`
	RefundedAt   *time.Time `firestore:"refundedAt,omitempty"`
	PaidAt       *time.Time `firestore:"paidAt,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type orderItemDocument struct {
	ProductRef  string         `firestore:"productRef"`
	SKU         string         `firestore:"sku"`
	Name        string         `firestore:"name"`
	Quantity    int            `firestore:"quantity"`
	UnitPrice   int64          `firestore:"unitPrice"`
	Total       int64          `firestore:"total"`
	WeightGrams int            `firestore:"weightGrams,omitempty"`
	Attributes  map[string]any `firestore:"attributes,omitempty"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type orderContactDoc struct {
	Email  string `firestore:"email,omitempty"`
	Phone  string `firestore:"phone,omitempty"`
	Locale string `firestore:"locale,omitempty"`
}

type orderGiftDocument struct {
	Wrap    bool   `firestore:"wrap"`
	Message string `firestore:"message,omitempty"`
}

type orderHistoryDocument struct {
	OldStatus string    `firestore:"oldStatus"`
	NewStatus string    `firestore:"newStatus"`
	Note      string    `firestore:"note,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type customerDocument struct {
	Email             string    `firestore:"email,omitempty"`
	DisplayName       string    `firestore:"displayName,omitempty"`
	Phone             string    `firestore:"phone,omitempty"`
	PreferredLanguage string    `firestore:"preferredLanguage,omitempty"`
	Tier              string    `firestore:"tier"`
	TotalOrders       int       `firestore:"totalOrders"`
	TotalSpent        int64     `firestore:"totalSpent"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d customerDocument) toDomain(id string) domain.Customer {
	return domain.Customer{
		ID:                id,
		Email:             d.Email,
		DisplayName:       d.DisplayName,
		Phone:             d.Phone,
		PreferredLanguage: d.PreferredLanguage,
		Tier:              domain.CustomerTier(d.Tier),
		TotalOrders:       d.TotalOrders,
		TotalSpent:        d.TotalSpent,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func orderToDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   order.OrderNumber,
		Sequence:      order.Sequence,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		CouponCode:    order.CouponCode,
		DeliverySpeed: string(order.DeliverySpeed),
		Note:          order.Note,
		CancelReason:  order.CancelReason,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		Milestones: orderMilestoneFields{
			ConfirmedAt:  order.ConfirmedAt,
			ProcessingAt: order.ProcessingAt,
			PackedAt:     order.PackedAt,
			ShippedAt:    order.ShippedAt,
			DeliveredAt:  order.DeliveredAt,
			CancelledAt:  order.CancelledAt,
			ReturnedAt:   order.ReturnedAt,
			RefundedAt:   order.RefundedAt,
			PaidAt:       order.PaidAt,
		},
	}

	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductRef:  item.ProductRef,
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
			WeightGrams: item.WeightGrams,
			Attributes:  item.Attributes,
		})
	}
	doc.ShippingAddress = addressToDocument(order.ShippingAddress)
	doc.BillingAddress = addressToDocument(order.BillingAddress)
	if order.Contact != nil {
		doc.Contact = &orderContactDoc{Email: order.Contact.Email, Phone: order.Contact.Phone, Locale: order.Contact.Locale}
	}
	if order.Gift != nil {
		doc.Gift = &orderGiftDocument{Wrap: order.Gift.Wrap, Message: order.Gift.Message}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		Sequence:      d.Sequence,
		CustomerID:    d.CustomerID,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		Currency:      d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Discount: d.Totals.Discount,
			Total:    d.Totals.Total,
		},
		CouponCode:    d.CouponCode,
		DeliverySpeed: domain.DeliverySpeed(d.DeliverySpeed),
		Note:          d.Note,
		CancelReason:  d.CancelReason,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		ConfirmedAt:   d.Milestones.ConfirmedAt,
		ProcessingAt:  d.Milestones.ProcessingAt,
		PackedAt:      d.Milestones.PackedAt,
		ShippedAt:     d.Milestones.ShippedAt,
		DeliveredAt:   d.Milestones.DeliveredAt,
		CancelledAt:   d.Milestones.CancelledAt,
		ReturnedAt:    d.Milestones.ReturnedAt,
		RefundedAt:    d.Milestones.RefundedAt,
		PaidAt:        d.Milestones.PaidAt,
	}

	order.Items = make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductRef:  item.ProductRef,
			SKU:         item.SKU,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
			WeightGrams: item.WeightGrams,
			Attributes:  item.Attributes,
		})
	}
	order.ShippingAddress = addressToDomain(d.ShippingAddress)
	order.BillingAddress = addressToDomain(d.BillingAddress)
	if d.Contact != nil {
		order.Contact = &domain.OrderContact{Email: d.Contact.Email, Phone: d.Contact.Phone, Locale: d.Contact.Locale}
	}
	if d.Gift != nil {
		order.Gift = &domain.GiftOptions{Wrap: d.Gift.Wrap, Message: d.Gift.Message}
	}
	return order
}

func addressToDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func addressToDomain(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  doc.Recipient,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
	}
}

// OrderRepository implements repositories.OrderRepository. Each order stores
// its status history in an append-only subcollection so transition rows are
// written in the same transaction as the order document itself.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewCollection[orderDocument](provider, orderCollection)
	return &OrderRepository{
		provider: provider,
		orders:   base,
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// FindByID loads the order aggregate without its subcollections.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindBySequence resolves an order by its numeric sequence, used when a
// payment code is reconciled back to an order.
func (r *OrderRepository) FindBySequence(ctx context.Context, sequence int64) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if sequence <= 0 {
		return domain.Order{}, errors.New("order repository: sequence must be positive")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("sequence", "==", sequence).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findBySequence", status.Errorf(codes.NotFound, "order with sequence %d not found", sequence))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		switch len(filter.Status) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Status[0]))
		default:
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
		if len(cursor.StartAfter) > 0 {
			q = q.StartAfter(cursor.StartAfter...)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{docs[i-1].Data.CreatedAt, docs[i-1].ID}})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

// ListHistory returns the append-only transition log, oldest first.
func (r *OrderRepository) ListHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("order repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	iter := client.Collection(orderCollection).Doc(id).Collection(orderHistoryCollection).
		OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var entries []domain.OrderStatusHistory
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.history", err)
		}
		var doc orderHistoryDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore order history decode %s: %w", snapshot.Ref.ID, err)
		}
		entries = append(entries, domain.OrderStatusHistory{
			ID:        snapshot.Ref.ID,
			OrderID:   id,
			OldStatus: domain.OrderStatus(doc.OldStatus),
			NewStatus: domain.OrderStatus(doc.NewStatus),
			Note:      doc.Note,
			CreatedAt: doc.CreatedAt,
		})
	}
	return entries, nil
}

// ApplyTransition writes the transitioned order and its history row in one
// transaction. The stored status must still equal ExpectedStatus or the write
// aborts with a conflict.
func (r *OrderRepository) ApplyTransition(ctx context.Context, req repositories.OrderTransitionRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if strings.TrimSpace(req.History.ID) == "" {
		return domain.Order{}, errors.New("order repository: history id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	saved := req.Order
	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(orderCollection).Doc(id)
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snapshot.DataTo(&current); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		if current.Status != string(req.ExpectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "order %s status is %s, expected %s", id, current.Status, req.ExpectedStatus)
		}

		if err := tx.Set(orderRef, orderToDocument(req.Order)); err != nil {
			return err
		}
		historyRef := orderRef.Collection(orderHistoryCollection).Doc(req.History.ID)
		return tx.Create(historyRef, orderHistoryDocument{
			OldStatus: string(req.History.OldStatus),
			NewStatus: string(req.History.NewStatus),
			Note:      req.History.Note,
			CreatedAt: req.History.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	saved.ID = id
	return saved, nil
}

// Cancel cancels an order and compensates its side effects in a single
// transaction: the status flip and history row, stock restores for every
// line, the optional coupon usage revert, the customer statistics rollback,
// and cancellation of any still-pending payment transaction. Voiding the
// pending payment inside the same transaction closes the window where a
// racing webhook could settle a payment against an order that no longer
// holds its stock. All reads run before any write per Firestore transaction
// rules.
func (r *OrderRepository) Cancel(ctx context.Context, req repositories.OrderCancelRequest) (repositories.OrderCancelResult, error) {
	if r == nil || r.provider == nil {
		return repositories.OrderCancelResult{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		return repositories.OrderCancelResult{}, errors.New("order repository: order id is required")
	}
	lines, err := normaliseStockLines(req.StockLines)
	if err != nil {
		return repositories.OrderCancelResult{}, err
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.OrderCancelResult{}, err
	}

	result := repositories.OrderCancelResult{
		Order:  req.Order,
		Stocks: make(map[string]domain.StockLevel, len(lines)),
	}

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(orderCollection).Doc(id)
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snapshot.DataTo(&current); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		if current.Status != string(req.ExpectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "order %s status is %s, expected %s", id, current.Status, req.ExpectedStatus)
		}

		stockRefs := make([]*firestore.DocumentRef, len(lines))
		stockDocs := make([]stockDocument, len(lines))
		for i, line := range lines {
			ref := client.Collection(stockCollection).Doc(line.SKU)
			stockSnap, err := tx.Get(ref)
			switch status.Code(err) {
			case codes.NotFound:
				stockDocs[i] = stockDocument{}
			case codes.OK:
				if err := stockSnap.DataTo(&stockDocs[i]); err != nil {
					return fmt.Errorf("firestore stock decode %s: %w", line.SKU, err)
				}
			default:
				return err
			}
			stockRefs[i] = ref
		}

		var couponRef *firestore.DocumentRef
		var couponDoc couponDocument
		hasCoupon := false
		if req.CouponCode != nil {
			key := strings.ToLower(strings.TrimSpace(*req.CouponCode))
			if key != "" {
				couponRef = client.Collection(couponCollection).Doc(key)
				couponSnap, err := tx.Get(couponRef)
				switch status.Code(err) {
				case codes.NotFound:
					// coupon deleted since the order was placed, nothing to revert
				case codes.OK:
					if err := couponSnap.DataTo(&couponDoc); err != nil {
						return fmt.Errorf("firestore coupons decode %s: %w", key, err)
					}
					hasCoupon = true
				default:
					return err
				}
			}
		}

		var customerRef *firestore.DocumentRef
		var customer customerDocument
		hasCustomer := false
		if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
			customerRef = client.Collection(customerCollection).Doc(customerID)
			customerSnap, err := tx.Get(customerRef)
			switch status.Code(err) {
			case codes.NotFound:
			case codes.OK:
				if err := customerSnap.DataTo(&customer); err != nil {
					return fmt.Errorf("firestore customers decode %s: %w", customerID, err)
				}
				hasCustomer = true
			default:
				return err
			}
		}

		pending, err := pendingPayments(ctx, tx, orderRef, "")
		if err != nil {
			return err
		}

		// all reads done, writes below

		if err := tx.Set(orderRef, orderToDocument(req.Order)); err != nil {
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

		for _, entry := range pending {
			doc := entry.doc
			doc.Status = string(domain.PaymentTransactionCancelled)
			doc.CancelledAt = &now
			doc.UpdatedAt = now
			if err := tx.Set(entry.ref, doc); err != nil {
				return err
			}
		}

		for i, line := range lines {
			doc := stockDocs[i]
			doc.Stock += line.Quantity
			doc.UpdatedAt = now
			if err := tx.Set(stockRefs[i], doc); err != nil {
				return err
			}
			result.Stocks[line.SKU] = doc.toDomain(line.SKU)
		}

		if hasCoupon && couponDoc.UsedCount > 0 {
			couponDoc.UsedCount--
			couponDoc.UpdatedAt = now
			if err := tx.Set(couponRef, couponDoc); err != nil {
				return err
			}
		}

		if hasCustomer {
			if customer.TotalOrders > 0 {
				customer.TotalOrders--
			}
			customer.TotalSpent -= req.SpentDelta
			if customer.TotalSpent < 0 {
				customer.TotalSpent = 0
			}
			if req.TierFor != nil {
				customer.Tier = string(req.TierFor(customer.TotalSpent))
			}
			customer.UpdatedAt = now
			if err := tx.Set(customerRef, customer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return repositories.OrderCancelResult{}, err
	}
	result.Order.ID = id
	return result, nil
}
