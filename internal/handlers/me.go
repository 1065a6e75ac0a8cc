package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/domain"
	"github.com/sakura-shop/api/internal/platform/auth"
	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/services"
)

const maxProfileRequestBody = 16 * 1024

// MeHandlers serves the authenticated customer's profile, purchase statistics
// and address book.
type MeHandlers struct {
	authn     *auth.Authenticator
	customers services.CustomerService
}

// NewMeHandlers constructs profile handlers guarded by Firebase authentication.
func NewMeHandlers(authn *auth.Authenticator, customers services.CustomerService) *MeHandlers {
	return &MeHandlers{authn: authn, customers: customers}
}

// Routes registers profile endpoints under the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Get("/", h.getProfile)
	group.Put("/", h.upsertProfile)
	group.Get("/addresses", h.listAddresses)
	group.Get("/addresses/{addressID}", h.getAddress)
}

type customerProfilePayload struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	DisplayName       string `json:"displayName,omitempty"`
	Phone             string `json:"phone,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
	Tier              string `json:"tier"`
	TotalOrders       int    `json:"totalOrders"`
	TotalSpent        int64  `json:"totalSpent"`
}

func toCustomerProfilePayload(customer domain.Customer) customerProfilePayload {
	return customerProfilePayload{
		ID:                customer.ID,
		Email:             customer.Email,
		DisplayName:       customer.DisplayName,
		Phone:             customer.Phone,
		PreferredLanguage: customer.PreferredLanguage,
		Tier:              string(customer.Tier),
		TotalOrders:       customer.TotalOrders,
		TotalSpent:        customer.TotalSpent,
	}
}

func (h *MeHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	customer, err := h.customers.GetProfile(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCustomerProfilePayload(customer))
}

type upsertProfileRequest struct {
	Email             string `json:"email"`
	DisplayName       string `json:"displayName"`
	Phone             string `json:"phone"`
	PreferredLanguage string `json:"preferredLanguage"`
}

func (h *MeHandlers) upsertProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req upsertProfileRequest
	if err := httpx.DecodeJSON(r, &req, maxProfileRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "request body must be valid JSON"))
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = identity.Email
	}

	customer, err := h.customers.UpsertProfile(ctx, services.UpsertCustomerCommand{
		Customer: domain.Customer{
			ID:                identity.UID,
			Email:             email,
			DisplayName:       strings.TrimSpace(req.DisplayName),
			Phone:             strings.TrimSpace(req.Phone),
			PreferredLanguage: strings.TrimSpace(req.PreferredLanguage),
		},
		ActorID: identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toCustomerProfilePayload(customer))
}

func (h *MeHandlers) listAddresses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	addresses, err := h.customers.ListAddresses(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := make([]addressPayload, 0, len(addresses))
	for _, addr := range addresses {
		payload = append(payload, toAddressPayload(addr))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"addresses": payload})
}

func (h *MeHandlers) getAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireCustomer(ctx, w)
	if !ok {
		return
	}

	addressID := strings.TrimSpace(chi.URLParam(r, "addressID"))
	if addressID == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("invalid_request", "address id is required"))
		return
	}

	address, err := h.customers.GetAddress(ctx, identity.UID, addressID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAddressPayload(address))
}
