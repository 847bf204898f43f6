package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
)

const redeliveryBatch = 50

// afterCommit выполняет внешние эффекты записанного заказа: событие,
// сообщение покупателю и уведомление операторов. Ошибки здесь не меняют
// итог, заказ уже зафиксирован.
func (s *Service) afterCommit(ctx context.Context, f fulfillment) *model.FulfillmentResult {
	order := f.order
	s.publish(ctx, order, f.product)

	if f.exhausted {
		s.logger.Warn("stock exhausted after charge",
			zap.Int64("order_id", order.ID),
			zap.Int64("product_id", order.ProductID),
			zap.String("charge_id", order.ChargeID),
		)
		s.notifyDeferred(ctx, order)
		s.alertOperators(ctx, fmt.Sprintf("Заказ #%d оплачен, но товар %d закончился. Требуется ручная обработка.", order.ID, order.ProductID))
		return &model.FulfillmentResult{State: model.StateDeliveryDeferred, Exhausted: true, Order: order}
	}

	out := f.outcome
	if out.deferred {
		s.logger.Warn("delivery deferred",
			zap.Int64("order_id", order.ID),
			zap.String("note", out.note),
		)
		s.notifyDeferred(ctx, order)
		s.alertOperators(ctx, fmt.Sprintf("Заказ #%d (%s) ожидает ручной выдачи: %s", order.ID, order.ProductName, out.note))
		return &model.FulfillmentResult{State: model.StateDeliveryDeferred, Order: order}
	}

	d := model.Delivery{
		UserID:      order.UserID,
		OrderID:     order.ID,
		ProductName: f.product.Name,
		Kind:        f.product.Type,
		Content:     out.content,
		Price:       order.Price,
	}

	if !out.awaitTransport {
		// содержимое уже записано в заказ, сбой отправки не меняет статус выдачи
		if err := s.notifier.NotifyDelivery(ctx, d); err != nil {
			s.logger.Warn("notify delivery error", zap.Error(err), zap.Int64("order_id", order.ID))
		}
		s.logger.Info("order delivered",
			zap.Int64("order_id", order.ID),
			zap.Int64("user_id", order.UserID),
			zap.String("type", string(f.product.Type)),
		)
		return &model.FulfillmentResult{State: model.StateDelivered, Order: order}
	}

	delivered, err := s.sendContent(ctx, d)
	if err != nil {
		return &model.FulfillmentResult{State: model.StateDeliveryDeferred, Order: order}
	}
	if delivered != nil {
		order = delivered
	}
	return &model.FulfillmentResult{State: model.StateDelivered, Order: order}
}

// sendContent отправляет файл или изображение и фиксирует результат попытки.
func (s *Service) sendContent(ctx context.Context, d model.Delivery) (*model.Order, error) {
	if err := s.notifier.NotifyDelivery(ctx, d); err != nil {
		status, ferr := s.store.RecordDeliveryFailure(ctx, d.OrderID, s.opts.DeliveryMaxAttempts)
		if ferr != nil {
			s.logger.Error("record delivery failure error", zap.Error(ferr), zap.Int64("order_id", d.OrderID))
		}
		s.logger.Warn("content delivery failed",
			zap.Error(err),
			zap.Int64("order_id", d.OrderID),
			zap.String("delivery_status", string(status)),
		)
		if status == model.DeliveryStatusFailed {
			s.securityLog(ctx, model.SecurityLog{
				Type:     model.LogTypeDelivery,
				UserID:   userRef(d.UserID),
				Action:   "delivery_failed",
				Details:  fmt.Sprintf("order %d: %v", d.OrderID, err),
				Severity: model.SeverityHigh,
			})
			s.alertOperators(ctx, fmt.Sprintf("Не удалось отправить заказ #%d после %d попыток", d.OrderID, s.opts.DeliveryMaxAttempts))
		}
		return nil, err
	}

	if _, err := s.store.MarkDelivered(ctx, d.OrderID, d.Content, 0); err != nil {
		s.logger.Error("mark delivered error", zap.Error(err), zap.Int64("order_id", d.OrderID))
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, d.OrderID)
	if err != nil {
		return nil, nil
	}
	return order, nil
}

// RedeliverPending повторяет отправку файлов и изображений, не дошедших
// до покупателя. Возвращает число успешно выданных заказов.
func (s *Service) RedeliverPending(ctx context.Context) (int, error) {
	before := s.now().Add(-s.opts.RedeliveryGrace)
	pending, err := s.store.ListPendingDeliveries(ctx, before, s.opts.DeliveryMaxAttempts, redeliveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending deliveries: %w", err)
	}

	delivered := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		d := model.Delivery{
			UserID:      p.Order.UserID,
			OrderID:     p.Order.ID,
			ProductName: p.Product.Name,
			Kind:        p.Product.Type,
			Content:     strings.TrimSpace(p.Product.Content),
			Price:       p.Order.Price,
		}
		if _, err := s.sendContent(ctx, d); err == nil {
			delivered++
		}
	}

	if len(pending) > 0 {
		s.logger.Info("redelivery finished",
			zap.Int("pending", len(pending)),
			zap.Int("delivered", delivered),
		)
	}
	return delivered, nil
}

// ReportDeferred отправляет операторам сводку заказов с отложенной выдачей.
// Возвращает число таких заказов.
func (s *Service) ReportDeferred(ctx context.Context) (int, error) {
	orders, err := s.DeferredOrders(ctx)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Заказов с отложенной выдачей: %d\n", len(orders))
	for i, o := range orders {
		if i == 10 {
			fmt.Fprintf(&b, "... и ещё %d", len(orders)-i)
			break
		}
		fmt.Fprintf(&b, "#%d %s, пользователь %d, %d XTR\n", o.ID, o.ProductName, o.UserID, o.Price)
	}
	s.alertOperators(ctx, b.String())
	return len(orders), nil
}

func (s *Service) notifyDeferred(ctx context.Context, order *model.Order) {
	d := model.Delivery{
		UserID:      order.UserID,
		OrderID:     order.ID,
		ProductName: order.ProductName,
		Price:       order.Price,
		Deferred:    true,
	}
	if err := s.notifier.NotifyDelivery(ctx, d); err != nil {
		s.logger.Warn("notify deferred delivery error", zap.Error(err), zap.Int64("order_id", order.ID))
	}
}

func (s *Service) publish(ctx context.Context, order *model.Order, product *model.Product) {
	e := model.OrderEvent{
		OrderID:        order.ID,
		ChargeID:       order.ChargeID,
		UserID:         order.UserID,
		ProductID:      order.ProductID,
		Price:          order.Price,
		Status:         order.Status,
		DeliveryStatus: order.DeliveryStatus,
		OccurredAt:     s.now().UTC(),
	}
	if product != nil {
		e.ProductType = product.Type
	}
	if err := s.events.PublishOrder(ctx, e); err != nil {
		s.logger.Warn("publish order event error", zap.Error(err), zap.Int64("order_id", order.ID))
	}
}
