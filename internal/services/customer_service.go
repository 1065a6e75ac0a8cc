package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakura-shop/api/internal/repositories"
)

var (
	// ErrCustomerInvalidInput signals the caller provided invalid customer data.
	ErrCustomerInvalidInput = errors.New("customer: invalid input")
	// ErrCustomerNotFound indicates the customer could not be located.
	ErrCustomerNotFound = errors.New("customer: not found")
	// ErrCustomerAddressNotFound indicates the customer does not own the address.
	ErrCustomerAddressNotFound = errors.New("customer: address not found")
)

// CustomerServiceDeps bundles collaborators required to construct the customer service.
type CustomerServiceDeps struct {
	Customers repositories.CustomerRepository
	Addresses repositories.AddressRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type customerService struct {
	customers repositories.CustomerRepository
	addresses repositories.AddressRepository
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewCustomerService wires dependencies into a concrete CustomerService implementation.
func NewCustomerService(deps CustomerServiceDeps) (CustomerService, error) {
	if deps.Customers == nil {
		return nil, errors.New("customer service: customer repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("customer service: address repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &customerService{
		customers: deps.Customers,
		addresses: deps.Addresses,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *customerService) GetProfile(ctx context.Context, customerID string) (Customer, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return Customer{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	customer, err := s.customers.FindByID(ctx, id)
	if err != nil {
		if isRepoNotFound(err) {
			return Customer{}, fmt.Errorf("%w: %s", ErrCustomerNotFound, id)
		}
		return Customer{}, err
	}
	return customer, nil
}

// UpsertProfile stores contact details and preferences. The aggregate spend
// counters and tier are owned by the checkout and cancellation transactions
// and survive profile edits untouched.
func (s *customerService) UpsertProfile(ctx context.Context, cmd UpsertCustomerCommand) (Customer, error) {
	customer := cmd.Customer
	customer.ID = strings.TrimSpace(customer.ID)
	if customer.ID == "" {
		return Customer{}, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	if strings.TrimSpace(customer.Email) == "" {
		return Customer{}, fmt.Errorf("%w: email is required", ErrCustomerInvalidInput)
	}
	lang, err := canonicalLanguageTag(customer.PreferredLanguage)
	if err != nil {
		return Customer{}, fmt.Errorf("%w: invalid language tag %q", ErrCustomerInvalidInput, customer.PreferredLanguage)
	}
	customer.PreferredLanguage = lang

	saved, err := s.customers.Upsert(ctx, customer)
	if err != nil {
		return Customer{}, err
	}

	s.logger(ctx, "customer.upserted", map[string]any{
		"customer": saved.ID,
		"actor":    cmd.ActorID,
	})
	return saved, nil
}

func (s *customerService) ListAddresses(ctx context.Context, customerID string) ([]Address, error) {
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}
	return s.addresses.List(ctx, id)
}

func (s *customerService) GetAddress(ctx context.Context, customerID string, addressID string) (Address, error) {
	cid := strings.TrimSpace(customerID)
	aid := strings.TrimSpace(addressID)
	if cid == "" || aid == "" {
		return Address{}, fmt.Errorf("%w: customer id and address id are required", ErrCustomerInvalidInput)
	}
	addr, err := s.addresses.Get(ctx, cid, aid)
	if err != nil {
		if isRepoNotFound(err) {
			return Address{}, fmt.Errorf("%w: %s", ErrCustomerAddressNotFound, aid)
		}
		return Address{}, err
	}
	return addr, nil
}
