// Package telegram связывает магазин с Telegram Bot API: принимает команды
// и платежи покупателей и доставляет им купленные товары.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
)

// botAPI подмножество методов tgbotapi.BotAPI, используемое пакетом.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Notifier доставляет товары покупателям и уведомления операторам через бота.
type Notifier struct {
	api      botAPI
	adminIDs []int64
	logger   *zap.Logger
}

// NewNotifier создаёт отправителя уведомлений.
func NewNotifier(api botAPI, adminIDs []int64, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		api:      api,
		adminIDs: adminIDs,
		logger:   logger,
	}
}

// NotifyDelivery отправляет покупателю содержимое заказа или сообщение об отложенной выдаче.
func (n *Notifier) NotifyDelivery(_ context.Context, d model.Delivery) error {
	c, err := deliveryMessage(d)
	if err != nil {
		return err
	}

	if _, err := n.api.Send(c); err != nil {
		return fmt.Errorf("send delivery for order %d: %w", d.OrderID, err)
	}

	n.logger.Debug("delivery sent",
		zap.Int64("order_id", d.OrderID),
		zap.Int64("user_id", d.UserID),
		zap.String("kind", string(d.Kind)),
		zap.Bool("deferred", d.Deferred),
	)
	return nil
}

func deliveryMessage(d model.Delivery) (tgbotapi.Chattable, error) {
	if d.Deferred {
		text := fmt.Sprintf("Оплата заказа #%d (%s) получена. Товар будет выдан оператором в ближайшее время.", d.OrderID, d.ProductName)
		return tgbotapi.NewMessage(d.UserID, text), nil
	}

	caption := fmt.Sprintf("Заказ #%d: %s", d.OrderID, d.ProductName)

	switch d.Kind {
	case model.ProductTypeFile:
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("order %d: empty file reference", d.OrderID)
		}
		doc := tgbotapi.NewDocument(d.UserID, tgbotapi.FileID(d.Content))
		doc.Caption = caption
		return doc, nil
	case model.ProductTypeImage:
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("order %d: empty image reference", d.OrderID)
		}
		photo := tgbotapi.NewPhoto(d.UserID, tgbotapi.FileID(d.Content))
		photo.Caption = caption
		return photo, nil
	case model.ProductTypeBalance:
		text := fmt.Sprintf("%s\nНа баланс зачислено %s ⭐.", caption, d.Content)
		return tgbotapi.NewMessage(d.UserID, text), nil
	default:
		text := fmt.Sprintf("%s\n\n%s", caption, d.Content)
		return tgbotapi.NewMessage(d.UserID, text), nil
	}
}

// NotifyOperators рассылает сообщение всем операторам. Ошибки отдельных
// получателей объединяются, остальным сообщение всё равно отправляется.
func (n *Notifier) NotifyOperators(ctx context.Context, text string) error {
	var errs []error
	for _, id := range n.adminIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := n.api.Send(tgbotapi.NewMessage(id, text)); err != nil {
			errs = append(errs, fmt.Errorf("notify operator %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
