package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/platform/pagination"
	"github.com/sakura-shop/api/internal/repositories"
	"github.com/sakura-shop/api/internal/services"
)

type errorMapping struct {
	sentinel error
	code     string
	status   int
}

// Service sentinels mapped to wire codes. Validation failures are 4xx with a
// specific reason; contention surfaces as 409 so clients retry deliberately.
var serviceErrorMappings = []errorMapping{
	{services.ErrCartInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrCartItemNotFound, "cart_item_not_found", http.StatusNotFound},
	{services.ErrCartProductUnavailable, "product_unavailable", http.StatusConflict},
	{services.ErrCartCouponInvalid, "coupon_invalid", http.StatusUnprocessableEntity},

	{services.ErrCheckoutInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrCheckoutEmptyCart, "empty_cart", http.StatusConflict},
	{services.ErrCheckoutAddressNotFound, "address_not_found", http.StatusUnprocessableEntity},
	{services.ErrCheckoutProductUnavailable, "product_unavailable", http.StatusConflict},
	{services.ErrCheckoutPriceChanged, "price_changed", http.StatusConflict},
	{services.ErrCheckoutCouponInvalid, "coupon_invalid", http.StatusUnprocessableEntity},
	{services.ErrCheckoutInsufficientStock, "insufficient_stock", http.StatusConflict},
	{services.ErrCheckoutTransient, "checkout_transient", http.StatusServiceUnavailable},

	{services.ErrCouponInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrCouponNotFound, "coupon_not_found", http.StatusNotFound},
	{services.ErrCouponExhausted, "coupon_exhausted", http.StatusConflict},

	{services.ErrStockInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrStockNotFound, "stock_not_found", http.StatusNotFound},
	{services.ErrStockInsufficient, "insufficient_stock", http.StatusConflict},

	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrOrderInvalidTransition, "invalid_transition", http.StatusConflict},
	{services.ErrOrderNotCancellable, "order_not_cancellable", http.StatusConflict},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict},

	{services.ErrCustomerInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrCustomerNotFound, "customer_not_found", http.StatusNotFound},
	{services.ErrCustomerAddressNotFound, "address_not_found", http.StatusNotFound},

	{services.ErrPaymentInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrPaymentOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrPaymentAlreadyPaid, "order_already_paid", http.StatusConflict},
	{services.ErrPaymentUnauthorized, "unauthorized", http.StatusUnauthorized},
	{services.ErrPaymentMalformedCode, "malformed_payment_code", http.StatusBadRequest},
	{services.ErrPaymentAmountMismatch, "amount_mismatch", http.StatusConflict},

	{pagination.ErrInvalidPageSize, "invalid_page_size", http.StatusBadRequest},
	{pagination.ErrInvalidPageToken, "invalid_page_token", http.StatusBadRequest},
}

// writeServiceError translates service and repository errors into the JSON
// error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var validationErr *services.CheckoutValidationError
	if errors.As(err, &validationErr) {
		lines := make([]map[string]any, 0, len(validationErr.Lines))
		for _, line := range validationErr.Lines {
			entry := map[string]any{"sku": line.SKU, "reason": line.Reason}
			if line.CurrentPrice != nil {
				entry["currentPrice"] = *line.CurrentPrice
			}
			lines = append(lines, entry)
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_validation_failed", validationErr.Error(), http.StatusConflict).
			WithDetails(map[string]any{"lines": lines}))
		return
	}

	for _, mapping := range serviceErrorMappings {
		if errors.Is(err, mapping.sentinel) {
			httpx.WriteError(ctx, w, httpx.NewError(mapping.code, err.Error(), mapping.status))
			return
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NotFound("not_found", "resource not found"))
		case repoErr.IsConflict():
			httpx.WriteError(ctx, w, httpx.Conflict("conflict", "resource was modified concurrently; retry"))
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "backend temporarily unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.Internal())
		}
		return
	}

	httpx.WriteError(ctx, w, httpx.Internal())
}
