package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/validation"
)

// allocation результат резервирования единицы товара.
type allocation struct {
	product     *model.Product
	code        *model.Code
	codeMissing bool
	exhausted   bool
}

// outcome итог разрешения содержимого заказа.
type outcome struct {
	settlement model.Settlement
	credit     int64
	content    string
	// awaitTransport файл или изображение, выдача подтверждается после отправки
	awaitTransport bool
	deferred       bool
	note           string
}

// fulfillment то, что транзакция оставила после себя для шагов после фиксации.
type fulfillment struct {
	duplicate bool
	orderID   int64
	order     *model.Order
	product   *model.Product
	outcome   outcome
	exhausted bool
}

// ConfirmPayment обрабатывает подтверждённый платёж: проверка, захват
// идентификатора платежа, списание остатка, запись заказа и выдача.
// Повторный вызов с тем же ChargeID не меняет состояние и возвращает
// StateDuplicateIgnored. Ошибка ErrFulfillmentUnavailable означает, что
// транзакция не была зафиксирована и вызов можно повторить.
func (s *Service) ConfirmPayment(ctx context.Context, c model.PaymentConfirmation) (*model.FulfillmentResult, error) {
	if !validation.IsValidChargeID(c.ChargeID) {
		return nil, fmt.Errorf("%w: charge id", ErrInvalidInput)
	}

	// быстрый путь для повторных уведомлений, окончательно уникальность
	// проверяется вставкой заказа в транзакции
	if existing, err := s.store.GetOrderByChargeID(ctx, c.ChargeID); err == nil {
		return s.duplicate(ctx, c, existing), nil
	}

	verdict, _, corr, err := s.validate(ctx, checkRequest{
		Payload: c.Payload,
		PayerID: c.PayerID,
		Amount:  c.Amount,
		Stage:   stagePostCharge,
	})
	if err != nil {
		return nil, s.fulfillmentFailure(ctx, c, err)
	}
	if !verdict.Approved {
		s.alertOperators(ctx, fmt.Sprintf("Платёж %s от %d отклонён после списания: %s", c.ChargeID, c.PayerID, verdict.Reason))
		return &model.FulfillmentResult{State: model.StateRejectedAfterCharge, Reason: verdict.Reason}, nil
	}

	if _, _, err := s.RegisterUser(ctx, model.UserProfile{ID: c.PayerID}, ""); err != nil {
		return nil, s.fulfillmentFailure(ctx, c, err)
	}

	var f fulfillment
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		f, err = s.fulfill(ctx, tx, c, corr)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPayloadReused) {
			s.securityLog(ctx, model.SecurityLog{
				Type:     model.LogTypeFraud,
				UserID:   userRef(c.PayerID),
				Action:   string(model.RejectPayloadReused),
				Details:  fmt.Sprintf("charge %s reuses payload %s", c.ChargeID, c.Payload),
				Severity: model.SeverityCritical,
			})
			s.alertOperators(ctx, fmt.Sprintf("Платёж %s повторно использует счёт %s, заказ не создан", c.ChargeID, c.Payload))
			return &model.FulfillmentResult{State: model.StateRejectedAfterCharge, Reason: model.RejectPayloadReused}, nil
		}
		return nil, s.fulfillmentFailure(ctx, c, err)
	}

	if f.duplicate {
		existing, err := s.store.GetOrder(ctx, f.orderID)
		if err != nil {
			existing = nil
		}
		return s.duplicate(ctx, c, existing), nil
	}

	return s.afterCommit(ctx, f), nil
}

// fulfill выполняется внутри транзакции и может быть вызвана повторно.
// Первые записи транзакции: захват платежа и условное списание остатка.
func (s *Service) fulfill(ctx context.Context, tx ledger.Tx, c model.PaymentConfirmation, corr correlation) (fulfillment, error) {
	orderID, claimed, err := tx.ClaimCharge(ctx, model.OrderClaim{
		UserID:    c.PayerID,
		ProductID: corr.ProductID,
		PaymentID: c.Payload,
		ChargeID:  c.ChargeID,
		Price:     c.Amount,
	})
	if err != nil {
		return fulfillment{}, err
	}
	if !claimed {
		return fulfillment{duplicate: true, orderID: orderID}, nil
	}

	alloc, err := s.reserve(ctx, tx, corr.ProductID, c.PayerID)
	if err != nil {
		return fulfillment{}, err
	}

	if alloc.exhausted {
		order, err := tx.SettleOrder(ctx, orderID, model.Settlement{
			Status:         model.OrderStatusFailed,
			DeliveryStatus: model.DeliveryStatusFailed,
		})
		if err != nil {
			return fulfillment{}, fmt.Errorf("settle exhausted order: %w", err)
		}
		err = tx.AppendSecurityLog(ctx, model.SecurityLog{
			Type:     model.LogTypeDelivery,
			UserID:   userRef(c.PayerID),
			Action:   "stock_exhausted_after_charge",
			Details:  fmt.Sprintf("order %d, product %d, charge %s", orderID, corr.ProductID, c.ChargeID),
			Severity: model.SeverityHigh,
		})
		if err != nil {
			return fulfillment{}, err
		}
		return fulfillment{order: order, exhausted: true}, nil
	}

	out := resolveContent(alloc)
	if out.credit > 0 {
		if err := tx.CreditBalance(ctx, c.PayerID, out.credit); err != nil {
			return fulfillment{}, fmt.Errorf("credit balance: %w", err)
		}
	}

	order, err := tx.SettleOrder(ctx, orderID, out.settlement)
	if err != nil {
		return fulfillment{}, fmt.Errorf("settle order: %w", err)
	}

	if err := tx.ApplyPurchase(ctx, c.PayerID, c.Amount); err != nil {
		return fulfillment{}, fmt.Errorf("apply purchase: %w", err)
	}

	entry := model.SecurityLog{
		Type:     model.LogTypePurchase,
		UserID:   userRef(c.PayerID),
		Action:   "purchase_completed",
		Details:  fmt.Sprintf("order %d, product %d, amount %d", orderID, alloc.product.ID, c.Amount),
		Severity: model.SeverityInfo,
	}
	if out.deferred {
		entry.Type = model.LogTypeDelivery
		entry.Action = "delivery_deferred"
		entry.Details += ": " + out.note
		entry.Severity = model.SeverityHigh
	}
	if err := tx.AppendSecurityLog(ctx, entry); err != nil {
		return fulfillment{}, err
	}

	return fulfillment{order: order, product: alloc.product, outcome: out}, nil
}

// reserve списывает единицу товара и для товаров-кодов занимает один код.
func (s *Service) reserve(ctx context.Context, tx ledger.Tx, productID, userID int64) (allocation, error) {
	product, ok, err := tx.ReserveStock(ctx, productID)
	if err != nil {
		return allocation{}, err
	}
	if !ok {
		return allocation{exhausted: true}, nil
	}

	a := allocation{product: product}
	if product.Type != model.ProductTypeCode || !product.AutoDelivery {
		return a, nil
	}

	code, err := tx.ClaimCode(ctx, productID, userID)
	switch {
	case err == nil:
		a.code = code
	case errors.Is(err, ledger.ErrNotFound):
		// остаток есть, а кодов нет: продажа состоялась, выдача откладывается
		a.codeMissing = true
	default:
		return allocation{}, err
	}
	return a, nil
}

// resolveContent определяет выдаваемое содержимое по типу товара.
func resolveContent(a allocation) outcome {
	p := a.product
	delivered := func(content string) outcome {
		return outcome{
			settlement: model.Settlement{
				Status:           model.OrderStatusCompleted,
				DeliveryStatus:   model.DeliveryStatusDelivered,
				DeliveredContent: &content,
			},
			content: content,
		}
	}
	deferred := func(status model.DeliveryStatus, note string) outcome {
		return outcome{
			settlement: model.Settlement{Status: model.OrderStatusCompleted, DeliveryStatus: status},
			deferred:   true,
			note:       note,
		}
	}

	if !p.AutoDelivery {
		return deferred(model.DeliveryStatusPending, "manual delivery")
	}

	content := strings.TrimSpace(p.Content)
	switch p.Type {
	case model.ProductTypeCode:
		if a.codeMissing || a.code == nil {
			return deferred(model.DeliveryStatusFailed, "no unused codes")
		}
		return delivered(a.code.Value)
	case model.ProductTypeBalance:
		amount, err := strconv.ParseInt(content, 10, 64)
		if err != nil || amount <= 0 {
			return deferred(model.DeliveryStatusFailed, "invalid balance amount")
		}
		out := delivered(strconv.FormatInt(amount, 10))
		out.credit = amount
		return out
	case model.ProductTypeFile, model.ProductTypeImage:
		if content == "" {
			return deferred(model.DeliveryStatusFailed, "empty content reference")
		}
		return outcome{
			settlement: model.Settlement{
				Status:         model.OrderStatusCompleted,
				DeliveryStatus: model.DeliveryStatusPending,
			},
			content:        content,
			awaitTransport: true,
		}
	default:
		if content == "" {
			return deferred(model.DeliveryStatusFailed, "empty content")
		}
		return delivered(content)
	}
}

func (s *Service) duplicate(ctx context.Context, c model.PaymentConfirmation, existing *model.Order) *model.FulfillmentResult {
	s.logger.Info("duplicate payment confirmation ignored",
		zap.String("charge_id", c.ChargeID),
		zap.Int64("payer_id", c.PayerID),
	)
	s.securityLog(ctx, model.SecurityLog{
		Type:     model.LogTypePayment,
		UserID:   userRef(c.PayerID),
		Action:   "duplicate_confirmation",
		Details:  fmt.Sprintf("charge %s", c.ChargeID),
		Severity: model.SeverityWarning,
	})
	return &model.FulfillmentResult{State: model.StateDuplicateIgnored, Order: existing}
}

// fulfillmentFailure фиксирует сбой обработки оплаченного платежа. Заказ не записан,
// повтор с тем же ChargeID безопасен.
func (s *Service) fulfillmentFailure(ctx context.Context, c model.PaymentConfirmation, err error) error {
	s.logger.Error("payment fulfillment error",
		zap.Error(err),
		zap.String("charge_id", c.ChargeID),
		zap.Int64("payer_id", c.PayerID),
	)
	s.securityLog(ctx, model.SecurityLog{
		Type:     model.LogTypeError,
		UserID:   userRef(c.PayerID),
		Action:   "fulfillment_failed",
		Details:  fmt.Sprintf("charge %s: %v", c.ChargeID, err),
		Severity: model.SeverityHigh,
	})
	return fmt.Errorf("%w: %w", ErrFulfillmentUnavailable, err)
}
