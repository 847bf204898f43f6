package handler

import (
	"net/http"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
)

const qrSize = 256

type registerRequest struct {
	model.UserProfile
	ReferralCode string `json:"referral_code"`
}

// RegisterUser создаёт пользователя при первом обращении.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	user, created, err := h.service.RegisterUser(r.Context(), req.UserProfile, req.ReferralCode)
	if err != nil {
		h.fail(w, "register user error", err, zap.Int64("user_id", req.ID))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, user)
}

// GetUserOrders возвращает историю покупок пользователя.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}

	orders, err := h.service.UserOrders(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, "get user orders error", err, zap.Int64("user_id", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetReferralQR возвращает QR-код реферальной ссылки пользователя.
func (h *Handler) GetReferralQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}

	link, err := h.service.ReferralLink(r.Context(), userID)
	if err != nil {
		h.fail(w, "referral link error", err, zap.Int64("user_id", userID))
		return
	}

	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		h.logger.Error("encode qr error", zap.Error(err), zap.Int64("user_id", userID))
		writeError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Referral-Link", link)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
