// Package service реализует бизнес-логику магазина: проверку платежей,
// выдачу товаров и реферальные начисления.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

// Notifier доставляет результат покупки пользователю и уведомления операторам.
// Ошибки доставки не отменяют записанный заказ.
type Notifier interface {
	NotifyDelivery(ctx context.Context, d model.Delivery) error
	NotifyOperators(ctx context.Context, text string) error
}

// EventPublisher публикует события о записанных заказах.
type EventPublisher interface {
	PublishOrder(ctx context.Context, e model.OrderEvent) error
}

// Options параметры бизнес-логики.
type Options struct {
	// ReferralReward используется, если в настройках магазина нет referral_reward.
	ReferralReward int64
	// DeliveryMaxAttempts число попыток отправки файла до перевода заказа в failed.
	DeliveryMaxAttempts int
	// RedeliveryGrace минимальный возраст заказа для повторной отправки.
	RedeliveryGrace time.Duration
	BotUsername     string
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		ReferralReward:      10,
		DeliveryMaxAttempts: 5,
		RedeliveryGrace:     time.Minute,
	}
}

// Service содержит бизнес-логику магазина.
type Service struct {
	store    ledger.Store
	notifier Notifier
	events   EventPublisher
	logger   *zap.Logger
	opts     Options

	now     func() time.Time
	newCode func() string
}

// NewService создаёт сервис поверх хранилища. notifier и events могут быть nil.
func NewService(store ledger.Store, notifier Notifier, events EventPublisher, logger *zap.Logger, opts Options) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DeliveryMaxAttempts <= 0 {
		opts.DeliveryMaxAttempts = DefaultOptions().DeliveryMaxAttempts
	}

	return &Service{
		store:    store,
		notifier: notifier,
		events:   events,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		newCode:  newReferralCode,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// securityLog пишет запись журнала вне транзакции. Ошибка записи только логируется.
func (s *Service) securityLog(ctx context.Context, entry model.SecurityLog) {
	if err := s.store.AppendSecurityLog(ctx, entry); err != nil {
		s.logger.Error("append security log error",
			zap.Error(err),
			zap.String("type", string(entry.Type)),
			zap.String("action", entry.Action),
		)
	}
}

func (s *Service) alertOperators(ctx context.Context, text string) {
	if err := s.notifier.NotifyOperators(ctx, text); err != nil {
		s.logger.Warn("notify operators error", zap.Error(err))
	}
}

func userRef(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

type nopNotifier struct{}

func (nopNotifier) NotifyDelivery(context.Context, model.Delivery) error { return nil }
func (nopNotifier) NotifyOperators(context.Context, string) error        { return nil }

type nopPublisher struct{}

func (nopPublisher) PublishOrder(context.Context, model.OrderEvent) error { return nil }
