package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/sakura-shop/api/internal/domain"
	pfirestore "github.com/sakura-shop/api/internal/platform/firestore"
	"github.com/sakura-shop/api/internal/repositories"
)

const customerAddressCollection = "addresses"

// CustomerRepository stores customer statistics and the address book consumed
// by checkout. The aggregate counters on the customer document are only
// mutated by the checkout and cancellation transactions.
type CustomerRepository struct {
	provider  *pfirestore.Provider
	customers *pfirestore.Collection[customerDocument]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	base := pfirestore.NewCollection[customerDocument](provider, customerCollection)
	return &CustomerRepository{
		provider:  provider,
		customers: base,
	}, nil
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)
var _ repositories.AddressRepository = (*CustomerRepository)(nil)

// FindByID loads the customer aggregate.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if r == nil || r.customers == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return domain.Customer{}, errors.New("customer repository: customer id is required")
	}
	doc, err := r.customers.Get(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert stores the customer profile snapshot while preserving the aggregate
// counters maintained by checkout.
func (r *CustomerRepository) Upsert(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if r == nil || r.provider == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	id := strings.TrimSpace(customer.ID)
	if id == "" {
		return domain.Customer{}, errors.New("customer repository: customer id is required")
	}

	now := time.Now().UTC()
	var saved customerDocument

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.customers.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc := customerDocument{
			Email:             strings.TrimSpace(customer.Email),
			DisplayName:       strings.TrimSpace(customer.DisplayName),
			Phone:             strings.TrimSpace(customer.Phone),
			PreferredLanguage: strings.TrimSpace(customer.PreferredLanguage),
			Tier:              string(customer.Tier),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if doc.Tier == "" {
			doc.Tier = string(domain.TierBronze)
		}

		snapshot, err := tx.Get(ref)
		if err == nil {
			var existing customerDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return fmt.Errorf("firestore customers decode %s: %w", id, err)
			}
			doc.TotalOrders = existing.TotalOrders
			doc.TotalSpent = existing.TotalSpent
			doc.Tier = existing.Tier
			doc.CreatedAt = existing.CreatedAt
		} else if !isNotFound(err) {
			return err
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc
		return nil
	})
	if err != nil {
		return domain.Customer{}, pfirestore.WrapError("customers.upsert", err)
	}
	return saved.toDomain(id), nil
}

// Get loads a single address owned by the customer.
func (r *CustomerRepository) Get(ctx context.Context, customerID string, addressID string) (domain.Address, error) {
	if r == nil || r.provider == nil {
		return domain.Address{}, errors.New("customer repository not initialised")
	}
	cid := strings.TrimSpace(customerID)
	aid := strings.TrimSpace(addressID)
	if cid == "" || aid == "" {
		return domain.Address{}, errors.New("customer repository: customer id and address id are required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Address{}, err
	}
	snapshot, err := client.Collection(customerCollection).Doc(cid).Collection(customerAddressCollection).Doc(aid).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("customers.address", err)
	}
	var doc addressDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("firestore addresses decode %s: %w", aid, err)
	}
	addr := addressToDomain(&doc)
	addr.ID = snapshot.Ref.ID
	return *addr, nil
}

// List returns every address owned by the customer.
func (r *CustomerRepository) List(ctx context.Context, customerID string) ([]domain.Address, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("customer repository not initialised")
	}
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, errors.New("customer repository: customer id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	iter := client.Collection(customerCollection).Doc(cid).Collection(customerAddressCollection).Documents(ctx)
	defer iter.Stop()

	var addresses []domain.Address
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("customers.addresses", err)
		}
		var doc addressDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore addresses decode %s: %w", snapshot.Ref.ID, err)
		}
		addr := addressToDomain(&doc)
		addr.ID = snapshot.Ref.ID
		addresses = append(addresses, *addr)
	}
	return addresses, nil
}
