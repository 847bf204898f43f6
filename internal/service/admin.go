package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/validation"
)

// ListOrders возвращает заказы по фильтру.
func (s *Service) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	orders, err := s.store.ListOrders(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// UserOrders возвращает историю покупок пользователя.
func (s *Service) UserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error) {
	return s.ListOrders(ctx, model.OrderFilter{UserID: userID, Limit: limit})
}

// DeferredOrders возвращает заказы, ожидающие ручной выдачи: с неудачной
// выдачей и оплаченные заказы, ещё не выданные покупателю.
func (s *Service) DeferredOrders(ctx context.Context) ([]model.Order, error) {
	failed, err := s.store.ListOrders(ctx, model.OrderFilter{DeliveryStatus: model.DeliveryStatusFailed})
	if err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	pending, err := s.store.ListOrders(ctx, model.OrderFilter{
		Status:         model.OrderStatusCompleted,
		DeliveryStatus: model.DeliveryStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}

	orders := append(failed, pending...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// GetProductDetails возвращает товар вместе с числом свободных кодов.
func (s *Service) GetProductDetails(ctx context.Context, productID int64) (*model.ProductDetails, error) {
	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrProductUnavailable
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	details := &model.ProductDetails{Product: *p}
	if p.Type == model.ProductTypeCode {
		details.UnusedCodes, err = s.store.CountUnusedCodes(ctx, productID)
		if err != nil {
			return nil, fmt.Errorf("count codes: %w", err)
		}
	}
	return details, nil
}

// SalesStats возвращает статистику продаж на текущий момент.
func (s *Service) SalesStats(ctx context.Context) (*model.SalesStats, error) {
	st, err := s.store.SalesStats(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("sales stats: %w", err)
	}
	return st, nil
}

// ListSecurityLogs возвращает записи журнала безопасности.
func (s *Service) ListSecurityLogs(ctx context.Context, f model.SecurityLogFilter) ([]model.SecurityLog, error) {
	logs, err := s.store.ListSecurityLogs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list security logs: %w", err)
	}
	return logs, nil
}

// ResolveDelivery закрывает отложенный заказ содержимым, выданным оператором,
// и отправляет его покупателю.
func (s *Service) ResolveDelivery(ctx context.Context, orderID int64, content string) (*model.Order, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	kind := model.ProductTypeText
	if p, err := s.store.GetProduct(ctx, order.ProductID); err == nil {
		kind = p.Type
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("get product: %w", err)
	}

	// пополнение баланса выдаётся зачислением суммы, указанной оператором
	var credit int64
	if kind == model.ProductTypeBalance {
		credit, err = strconv.ParseInt(content, 10, 64)
		if err != nil || credit <= 0 {
			return nil, fmt.Errorf("%w: balance amount must be a positive integer", ErrInvalidInput)
		}
		content = strconv.FormatInt(credit, 10)
	}

	ok, err := s.store.MarkDelivered(ctx, orderID, content, credit)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyDelivered
	}

	s.securityLog(ctx, model.SecurityLog{
		Type:     model.LogTypeDelivery,
		UserID:   userRef(order.UserID),
		Action:   "manual_delivery",
		Details:  fmt.Sprintf("order %d resolved by operator", orderID),
		Severity: model.SeverityInfo,
	})

	d := model.Delivery{
		UserID:      order.UserID,
		OrderID:     order.ID,
		ProductName: order.ProductName,
		Kind:        kind,
		Content:     content,
		Price:       order.Price,
	}
	if err := s.notifier.NotifyDelivery(ctx, d); err != nil {
		s.logger.Warn("notify manual delivery error", zap.Error(err), zap.Int64("order_id", orderID))
	}

	resolved, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return resolved, nil
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, np model.NewProduct) (*model.Product, error) {
	np.Name = strings.TrimSpace(np.Name)
	if err := validation.ValidateNewProduct(np); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	p, err := s.store.CreateProduct(ctx, np)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.logger.Info("product created",
		zap.Int64("product_id", p.ID),
		zap.String("type", string(p.Type)),
	)
	return p, nil
}

// AddCodes добавляет коды товару типа code. Остаток увеличивается на
// число добавленных кодов.
func (s *Service) AddCodes(ctx context.Context, productID int64, codes []string) (int64, error) {
	normalized, err := validation.NormalizeCodes(codes)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return 0, ErrProductUnavailable
		}
		return 0, fmt.Errorf("get product: %w", err)
	}
	if p.Type != model.ProductTypeCode {
		return 0, fmt.Errorf("%w: product %d is not a code product", ErrInvalidInput, productID)
	}

	n, err := s.store.AddCodes(ctx, productID, normalized)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return 0, ErrProductUnavailable
		}
		return 0, fmt.Errorf("add codes: %w", err)
	}
	s.logger.Info("codes added", zap.Int64("product_id", productID), zap.Int64("count", n))
	return n, nil
}
