package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
)

type invoiceRequest struct {
	ProductID int64             `json:"product_id"`
	Payer     model.UserProfile `json:"payer"`
}

// CreateInvoice выставляет счёт на товар.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	if req.ProductID <= 0 || req.Payer.ID <= 0 {
		writeError(w, http.StatusBadRequest)
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), "invoice:"+strconv.FormatInt(req.Payer.ID, 10))
		if err != nil {
			// недоступность счётчика не блокирует продажи
			h.logger.Warn("rate limiter error", zap.Error(err))
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests)
			return
		}
	}

	inv, err := h.service.CreatePurchaseIntent(r.Context(), req.ProductID, req.Payer)
	if err != nil {
		h.fail(w, "create invoice error", err, zap.Int64("product_id", req.ProductID), zap.Int64("payer_id", req.Payer.ID))
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}

// PreAuthorize отвечает провайдеру, можно ли списать средства.
func (h *Handler) PreAuthorize(w http.ResponseWriter, r *http.Request) {
	var req model.PreAuthorization
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	verdict, err := h.service.PreAuthorize(r.Context(), req)
	if err != nil {
		h.fail(w, "pre-authorize error", err, zap.Int64("payer_id", req.PayerID))
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// ConfirmPayment обрабатывает уведомление об успешном платеже.
// 503 означает, что уведомление нужно повторить с тем же charge_id.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentConfirmation
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	res, err := h.service.ConfirmPayment(r.Context(), req)
	if err != nil {
		h.fail(w, "confirm payment error", err, zap.String("charge_id", req.ChargeID))
		return
	}

	writeJSON(w, http.StatusOK, res)
}
