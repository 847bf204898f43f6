// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/middleware"
	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePurchaseIntent(ctx context.Context, productID int64, payer model.UserProfile) (*model.Invoice, error)
	PreAuthorize(ctx context.Context, req model.PreAuthorization) (model.Verdict, error)
	ConfirmPayment(ctx context.Context, c model.PaymentConfirmation) (*model.FulfillmentResult, error)

	RegisterUser(ctx context.Context, profile model.UserProfile, referralToken string) (*model.User, bool, error)
	UserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	ReferralLink(ctx context.Context, userID int64) (string, error)

	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	DeferredOrders(ctx context.Context) ([]model.Order, error)
	ResolveDelivery(ctx context.Context, orderID int64, content string) (*model.Order, error)
	SalesStats(ctx context.Context) (*model.SalesStats, error)
	ListSecurityLogs(ctx context.Context, f model.SecurityLogFilter) ([]model.SecurityLog, error)
	CreateProduct(ctx context.Context, np model.NewProduct) (*model.Product, error)
	GetProductDetails(ctx context.Context, productID int64) (*model.ProductDetails, error)
	AddCodes(ctx context.Context, productID int64, codes []string) (int64, error)
}

// RateLimiter ограничивает частоту выставления счетов.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service Service
	limiter RateLimiter
	logger  *zap.Logger
	auth    *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. limiter может быть nil.
func NewHandler(s Service, limiter RateLimiter, logger *zap.Logger, auth *middleware.AdminAuth) *Handler {
	return &Handler{
		service: s,
		limiter: limiter,
		logger:  logger,
		auth:    auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int) {
	http.Error(w, http.StatusText(status), status)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// statusFor сопоставляет ошибки бизнес-логики кодам ответа.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProductUnavailable),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrOutOfStock),
		errors.Is(err, service.ErrAlreadyDelivered):
		return http.StatusConflict
	case errors.Is(err, service.ErrUserBanned):
		return http.StatusForbidden
	case errors.Is(err, service.ErrFulfillmentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	writeError(w, status)
}
