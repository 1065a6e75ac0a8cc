package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakura-shop/api/internal/platform/httpx"
	"github.com/sakura-shop/api/internal/services"
)

const (
	maxWebhookRequestBody = 64 * 1024
	apikeyScheme          = "apikey"
)

// WebhookHandlers receives payment gateway callbacks. The bank webhook
// authenticates with a static shared key and answers with the gateway's
// structured acknowledgement envelope rather than the API error envelope.
type WebhookHandlers struct {
	payments services.PaymentService
	limiter  rateLimiter
}

// NewWebhookHandlers constructs the gateway callback handlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{
		payments: payments,
		limiter:  newFixedWindowLimiter(120, time.Minute, nil),
	}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/bank", h.bankTransfer)
}

type bankWebhookRequest struct {
	ExternalID  string  `json:"externalId"`
	Amount      float64 `json:"amount"`
	Direction   string  `json:"direction"`
	Memo        string  `json:"memo"`
	GatewayName string  `json:"gatewayName"`
	Timestamp   string  `json:"timestamp"`
}

type webhookAckResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TransactionID string `json:"transactionId,omitempty"`
	OrderNumber   string `json:"orderNumber,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (h *WebhookHandlers) bankTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteJSON(w, http.StatusTooManyRequests, webhookAckResponse{Success: false, Message: "rate limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookRequestBody))
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, webhookAckResponse{Success: false, Message: "unable to read payload"})
		return
	}

	var req bankWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, webhookAckResponse{Success: false, Message: "payload must be valid JSON"})
		return
	}

	// The raw payload is archived on the settled transaction for audits.
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	cmd := services.PaymentWebhookCommand{
		AuthKey:     apikeyFromHeader(r.Header.Get("Authorization")),
		ExternalID:  strings.TrimSpace(req.ExternalID),
		Amount:      req.Amount,
		Direction:   strings.TrimSpace(req.Direction),
		Memo:        strings.TrimSpace(req.Memo),
		GatewayName: strings.TrimSpace(req.GatewayName),
		Raw:         raw,
	}
	if ts := strings.TrimSpace(req.Timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			cmd.Timestamp = parsed
		}
	}

	result, err := h.payments.ProcessWebhook(ctx, cmd)
	if err != nil {
		h.writeWebhookError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, webhookAckResponse{
		Success:       result.Success,
		Message:       result.Message,
		TransactionID: result.TransactionID,
		OrderNumber:   result.OrderNumber,
		Status:        result.Status,
	})
}

func (h *WebhookHandlers) writeWebhookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentUnauthorized):
		httpx.WriteJSON(w, http.StatusUnauthorized, webhookAckResponse{Success: false, Message: "unauthorized"})
	case errors.Is(err, services.ErrPaymentMalformedCode):
		httpx.WriteJSON(w, http.StatusBadRequest, webhookAckResponse{Success: false, Message: "malformed payment code"})
	case errors.Is(err, services.ErrPaymentAmountMismatch):
		httpx.WriteJSON(w, http.StatusConflict, webhookAckResponse{Success: false, Message: "amount mismatch"})
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteJSON(w, http.StatusNotFound, webhookAckResponse{Success: false, Message: "order not found"})
	default:
		httpx.WriteJSON(w, http.StatusInternalServerError, webhookAckResponse{Success: false, Message: "internal error"})
	}
}

func apikeyFromHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	scheme, key, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), apikeyScheme) {
		return ""
	}
	return strings.TrimSpace(key)
}
