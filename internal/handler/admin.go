package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ListOrders возвращает заказы по фильтру из параметров запроса.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}

	f := model.OrderFilter{
		Status:         model.OrderStatus(q.Get("status")),
		DeliveryStatus: model.DeliveryStatus(q.Get("delivery_status")),
		Limit:          limit,
	}
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
		f.UserID = id
	}

	orders, err := h.service.ListOrders(r.Context(), f)
	if err != nil {
		h.fail(w, "list orders error", err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ExportDeferredOrders выгружает заказы с отложенной выдачей в XLSX.
func (h *Handler) ExportDeferredOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.DeferredOrders(r.Context())
	if err != nil {
		h.fail(w, "deferred orders error", err)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteOrdersXLSX(&buf, orders); err != nil {
		h.logger.Error("write xlsx error", zap.Error(err))
		writeError(w, http.StatusInternalServerError)
		return
	}

	name := fmt.Sprintf("deferred_orders_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type resolveRequest struct {
	Content string `json:"content"`
}

// ResolveOrder закрывает отложенный заказ содержимым от оператора.
func (h *Handler) ResolveOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	order, err := h.service.ResolveDelivery(r.Context(), orderID, req.Content)
	if err != nil {
		h.fail(w, "resolve order error", err, zap.Int64("order_id", orderID))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetStats возвращает статистику продаж.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.SalesStats(r.Context())
	if err != nil {
		h.fail(w, "sales stats error", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListSecurityLogs возвращает журнал безопасности.
func (h *Handler) ListSecurityLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}
	f := model.SecurityLogFilter{
		Type:     model.LogType(r.URL.Query().Get("type")),
		Severity: model.Severity(r.URL.Query().Get("severity")),
		Limit:    limit,
	}

	logs, err := h.service.ListSecurityLogs(r.Context(), f)
	if err != nil {
		h.fail(w, "list security logs error", err)
		return
	}
	if logs == nil {
		logs = []model.SecurityLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req model.NewProduct
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), req)
	if err != nil {
		h.fail(w, "create product error", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProduct возвращает товар с числом свободных кодов.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}

	p, err := h.service.GetProductDetails(r.Context(), productID)
	if err != nil {
		h.fail(w, "get product error", err, zap.Int64("product_id", productID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type addCodesRequest struct {
	Codes []string `json:"codes"`
}

type addCodesResponse struct {
	Added int64 `json:"added"`
}

// AddCodes добавляет коды товару.
func (h *Handler) AddCodes(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}
	var req addCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	n, err := h.service.AddCodes(r.Context(), productID, req.Codes)
	if err != nil {
		h.fail(w, "add codes error", err, zap.Int64("product_id", productID))
		return
	}
	writeJSON(w, http.StatusCreated, addCodesResponse{Added: n})
}
