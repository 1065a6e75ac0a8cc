package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sakura-shop/api/internal/domain"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/repositories"
)

const orderPaymentCollection = "payments"

type paymentDocument struct {
	TransactionID string         `firestore:"transactionId"`
	Method        string         `firestore:"method"`
	Amount        int64          `firestore:"amount"`
	Currency      string         `firestore:"currency"`
	Status        string         `firestore:"status"`
	GatewayName   *string        `firestore:"gatewayName,omitempty"`
	GatewayRef    *string        `firestore:"gatewayRef,omitempty"`
	Raw           map[string]any `firestore:"raw,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
	PaidAt        *time.Time     `firestore:"paidAt,omitempty"`
	CancelledAt   *time.Time     `firestore:"cancelledAt,omitempty"`
}

func (d paymentDocument) toDomain(id string, orderID string) domain.PaymentTransaction {
	return domain.PaymentTransaction{
		ID:            id,
		OrderID:       orderID,
		TransactionID: d.TransactionID,
		Method:        domain.PaymentMethod(d.Method),
		Amount:        d.Amount,
		Currency:      d.Currency,
		Status:        domain.PaymentTransactionStatus(d.Status),
		GatewayName:   d.GatewayName,
		GatewayRef:    d.GatewayRef,
		Raw:           d.Raw,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		PaidAt:        d.PaidAt,
		CancelledAt:   d.CancelledAt,
	}
}

func paymentToDocument(txn domain.PaymentTransaction) paymentDocument {
	return paymentDocument{
		TransactionID: txn.TransactionID,
		Method:        string(txn.Method),
		Amount:        txn.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(txn.Currency)),
		Status:        string(txn.Status),
		GatewayName:   txn.GatewayName,
		GatewayRef:    txn.GatewayRef,
		Raw:           txn.Raw,
		CreatedAt:     txn.CreatedAt.UTC(),
		UpdatedAt:     txn.UpdatedAt.UTC(),
		PaidAt:        txn.PaidAt,
		CancelledAt:   txn.CancelledAt,
	}
}

// PaymentRepository implements repositories.OrderPaymentRepository. Payment
// transactions live in a subcollection beneath their order so the pending
// exclusivity rule and the settle path can run inside one transaction with
// the order document.
type PaymentRepository struct {
	provider *pfirestore.Provider
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{provider: provider}, nil
}

var _ repositories.OrderPaymentRepository = (*PaymentRepository)(nil)

// Create inserts a new pending transaction and cancels any prior pending
// transaction for the order in the same transaction.
func (r *PaymentRepository) Create(ctx context.Context, req repositories.PaymentCreateRequest) (repositories.PaymentCreateResult, error) {
	if r == nil || r.provider == nil {
		return repositories.PaymentCreateResult{}, errors.New("payment repository not initialised")
	}
	orderID := strings.TrimSpace(req.Transaction.OrderID)
	if orderID == "" {
		return repositories.PaymentCreateResult{}, errors.New("payment repository: order id is required")
	}
	if strings.TrimSpace(req.Transaction.ID) == "" {
		return repositories.PaymentCreateResult{}, errors.New("payment repository: transaction id is required")
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.PaymentCreateResult{}, err
	}

	result := repositories.PaymentCreateResult{Transaction: req.Transaction}

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(orderCollection).Doc(orderID)
		orderSnap, err := tx.Get(orderRef)
		if status.Code(err) == codes.NotFound {
			return repositories.NewPaymentError(repositories.PaymentErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		if err != nil {
			return err
		}
		var order orderDocument
		if err := orderSnap.DataTo(&order); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}

		pending, err := pendingPayments(ctx, tx, orderRef, "")
		if err != nil {
			return err
		}

		for _, prior := range pending {
			doc := prior.doc
			doc.Status = string(domain.PaymentTransactionCancelled)
			doc.CancelledAt = &now
			doc.UpdatedAt = now
			if err := tx.Set(prior.ref, doc); err != nil {
				return err
			}
			superseded := doc.toDomain(prior.ref.ID, orderID)
			result.Superseded = &superseded
		}

		newDoc := paymentToDocument(req.Transaction)
		newDoc.CreatedAt = now
		newDoc.UpdatedAt = now
		newRef := orderRef.Collection(orderPaymentCollection).Doc(req.Transaction.ID)
		if err := tx.Create(newRef, newDoc); err != nil {
			return err
		}
		result.Transaction = newDoc.toDomain(req.Transaction.ID, orderID)

		if req.OrderPaymentStatus != nil {
			order.PaymentStatus = string(*req.OrderPaymentStatus)
			order.UpdatedAt = now
			if err := tx.Set(orderRef, order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var paymentErr *repositories.PaymentError
		if errors.As(err, &paymentErr) {
			return repositories.PaymentCreateResult{}, paymentErr
		}
		return repositories.PaymentCreateResult{}, err
	}
	return result, nil
}

// ListByOrder returns all payment attempts for an order, newest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.PaymentTransaction, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("payment repository: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	iter := client.Collection(orderCollection).Doc(id).Collection(orderPaymentCollection).
		OrderBy("createdAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var payments []domain.PaymentTransaction
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("payments.list", err)
		}
		var doc paymentDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore payments decode %s: %w", snapshot.Ref.ID, err)
		}
		payments = append(payments, doc.toDomain(snapshot.Ref.ID, id))
	}
	return payments, nil
}

// FindPending returns the newest pending transaction for the order.
func (r *PaymentRepository) FindPending(ctx context.Context, orderID string) (domain.PaymentTransaction, error) {
	payments, err := r.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.PaymentTransaction{}, err
	}
	for _, payment := range payments {
		if payment.Status == domain.PaymentTransactionPending {
			return payment, nil
		}
	}
	return domain.PaymentTransaction{}, repositories.NewPaymentError(repositories.PaymentErrorNoPending, fmt.Sprintf("order %s has no pending payment", orderID), nil)
}

// ConfirmPending settles the newest pending transaction for the order. The
// amount comparison happens inside the transaction so a mismatch rejects
// without mutating anything. When no pending transaction remains the call
// fails with PaymentErrorNoPending, which callers treat as the idempotent
// replay outcome.
func (r *PaymentRepository) ConfirmPending(ctx context.Context, req repositories.PaymentConfirmRequest) (repositories.PaymentConfirmResult, error) {
	if r == nil || r.provider == nil {
		return repositories.PaymentConfirmResult{}, errors.New("payment repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.PaymentConfirmResult{}, errors.New("payment repository: order id is required")
	}
	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	epsilon := req.Epsilon
	if epsilon <= 0 {
		epsilon = 0.5
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.PaymentConfirmResult{}, err
	}

	var result repositories.PaymentConfirmResult

	err = pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(orderCollection).Doc(orderID)
		orderSnap, err := tx.Get(orderRef)
		if status.Code(err) == codes.NotFound {
			return repositories.NewPaymentError(repositories.PaymentErrorOrderNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		if err != nil {
			return err
		}
		var order orderDocument
		if err := orderSnap.DataTo(&order); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}

		pending, err := pendingPayments(ctx, tx, orderRef, string(req.Method))
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return repositories.NewPaymentError(repositories.PaymentErrorNoPending, fmt.Sprintf("order %s has no pending payment", orderID), nil)
		}

		target := pending[0]
		if math.Abs(req.ExpectedAmount-float64(target.doc.Amount)) > epsilon {
			return repositories.NewPaymentError(repositories.PaymentErrorAmountMismatch,
				fmt.Sprintf("webhook amount %.2f does not match transaction amount %d", req.ExpectedAmount, target.doc.Amount), nil)
		}

		doc := target.doc
		doc.Status = string(domain.PaymentTransactionPaid)
		doc.PaidAt = &now
		doc.UpdatedAt = now
		if name := strings.TrimSpace(req.GatewayName); name != "" {
			doc.GatewayName = &name
		}
		if ref := strings.TrimSpace(req.GatewayRef); ref != "" {
			doc.GatewayRef = &ref
		}
		if len(req.Raw) > 0 {
			doc.Raw = req.Raw
		}
		if err := tx.Set(target.ref, doc); err != nil {
			return err
		}

		order.PaymentStatus = string(domain.PaymentStatusPaid)
		order.Milestones.PaidAt = &now
		order.UpdatedAt = now
		if err := tx.Set(orderRef, order); err != nil {
			return err
		}

		result.Transaction = doc.toDomain(target.ref.ID, orderID)
		result.Order = order.toDomain(orderID)
		return nil
	})
	if err != nil {
		var paymentErr *repositories.PaymentError
		if errors.As(err, &paymentErr) {
			return repositories.PaymentConfirmResult{}, paymentErr
		}
		return repositories.PaymentConfirmResult{}, err
	}
	return result, nil
}

// CancelPending cancels every pending transaction for the order, used when
// the order itself is cancelled.
func (r *PaymentRepository) CancelPending(ctx context.Context, orderID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("payment repository: order id is required")
	}
	ts := now.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}

	return pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef := client.Collection(orderCollection).Doc(id)
		pending, err := pendingPayments(ctx, tx, orderRef, "")
		if err != nil {
			return err
		}
		for _, entry := range pending {
			doc := entry.doc
			doc.Status = string(domain.PaymentTransactionCancelled)
			doc.CancelledAt = &ts
			doc.UpdatedAt = ts
			if err := tx.Set(entry.ref, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

type pendingPayment struct {
	ref *firestore.DocumentRef
	doc paymentDocument
}

// pendingPayments reads all pending transactions within the transaction,
// newest first, optionally narrowed to a payment method. Shared with the
// order cancel transaction, which voids them alongside the status flip.
func pendingPayments(ctx context.Context, tx *firestore.Transaction, orderRef *firestore.DocumentRef, method string) ([]pendingPayment, error) {
	query := orderRef.Collection(orderPaymentCollection).
		Where("status", "==", string(domain.PaymentTransactionPending))
	if method != "" {
		query = query.Where("method", "==", method)
	}
	query = query.OrderBy("createdAt", firestore.Desc)

	iter := tx.Documents(query)
	defer iter.Stop()

	var out []pendingPayment
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc paymentDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore payments decode %s: %w", snapshot.Ref.ID, err)
		}
		out = append(out, pendingPayment{ref: snapshot.Ref, doc: doc})
	}
	return out, nil
}
