package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"go.uber.org/zap"

	"github.com/mmeshcher/starshop/internal/model"
	"github.com/mmeshcher/starshop/internal/service"
)

const (
	ordersPageSize = 10
	pollTimeout    = 60
)

// Service определяет операции магазина, доступные из чата.
type Service interface {
	CreatePurchaseIntent(ctx context.Context, productID int64, payer model.UserProfile) (*model.Invoice, error)
	PreAuthorize(ctx context.Context, req model.PreAuthorization) (model.Verdict, error)
	ConfirmPayment(ctx context.Context, c model.PaymentConfirmation) (*model.FulfillmentResult, error)
	RegisterUser(ctx context.Context, profile model.UserProfile, referralToken string) (*model.User, bool, error)
	UserOrders(ctx context.Context, userID int64, limit int) ([]model.Order, error)
	ReferralLink(ctx context.Context, userID int64) (string, error)
}

// RateLimiter ограничивает частоту выставления счетов одному покупателю.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type updatesAPI interface {
	botAPI
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot обрабатывает обновления Telegram: команды, pre-checkout запросы и успешные платежи.
type Bot struct {
	api     updatesAPI
	service Service
	limiter RateLimiter
	logger  *zap.Logger

	// confirmRetries задержки между повторами подтверждения платежа,
	// если хранилище временно недоступно.
	confirmRetries []time.Duration
}

// NewBot создаёт обработчик обновлений. limiter может быть nil.
func NewBot(api updatesAPI, s Service, limiter RateLimiter, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:            api,
		service:        s,
		limiter:        limiter,
		logger:         logger,
		confirmRetries: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	}
}

// Run читает обновления long polling до отмены контекста.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("telegram polling started")
	defer b.logger.Info("telegram polling stopped")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate обрабатывает одно обновление.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	}
}

func profileOf(u *tgbotapi.User) model.UserProfile {
	if u == nil {
		return model.UserProfile{}
	}
	return model.UserProfile{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
	}
}

func (b *Bot) handlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	payer := profileOf(q.From)

	verdict, err := b.service.PreAuthorize(ctx, model.PreAuthorization{
		Payload: q.InvoicePayload,
		PayerID: payer.ID,
		Amount:  int64(q.TotalAmount),
	})
	if err != nil {
		b.logger.Error("pre-authorize error", zap.Error(err), zap.String("query_id", q.ID))
		verdict = model.Rejected(model.RejectUnavailable)
	}

	params := tgbotapi.Params{
		"pre_checkout_query_id": q.ID,
		"ok":                    strconv.FormatBool(verdict.Approved),
	}
	if !verdict.Approved {
		params["error_message"] = rejectionText(verdict.Reason)
	}

	if _, err := b.api.MakeRequest("answerPreCheckoutQuery", params); err != nil {
		b.logger.Error("answer pre-checkout query error", zap.Error(err), zap.String("query_id", q.ID))
	}
}

func rejectionText(reason model.RejectReason) string {
	switch reason {
	case model.RejectOutOfStock:
		return "Товар закончился."
	case model.RejectPriceMismatch:
		return "Цена товара изменилась, оформите покупку заново."
	case model.RejectBanned:
		return "Покупки для вашего аккаунта недоступны."
	case model.RejectUnavailable:
		return "Товар недоступен."
	default:
		return "Платёж не может быть принят."
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	p := msg.SuccessfulPayment
	c := model.PaymentConfirmation{
		Payload:  p.InvoicePayload,
		ChargeID: p.TelegramPaymentChargeID,
		PayerID:  profileOf(msg.From).ID,
		Amount:   int64(p.TotalAmount),
		Currency: p.Currency,
	}

	res, err := b.confirm(ctx, c)
	if err != nil {
		b.logger.Error("confirm payment error", zap.Error(err), zap.String("charge_id", c.ChargeID))
		b.reply(msg.Chat.ID, fmt.Sprintf("Платёж %s получен, но заказ не удалось обработать. Обратитесь в поддержку, указав этот номер.", c.ChargeID))
		return
	}

	switch res.State {
	case model.StateRejectedAfterCharge:
		b.reply(msg.Chat.ID, fmt.Sprintf("Платёж %s не прошёл проверку. Обратитесь в поддержку, указав этот номер.", c.ChargeID))
	case model.StateDuplicateIgnored:
		b.logger.Info("duplicate payment update", zap.String("charge_id", c.ChargeID))
	}
}

// confirm повторяет подтверждение, пока хранилище недоступно. Повтор
// безопасен, так как заказ записывается не более одного раза на платёж.
func (b *Bot) confirm(ctx context.Context, c model.PaymentConfirmation) (*model.FulfillmentResult, error) {
	res, err := b.service.ConfirmPayment(ctx, c)
	for _, delay := range b.confirmRetries {
		if err == nil || !errors.Is(err, service.ErrFulfillmentUnavailable) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		res, err = b.service.ConfirmPayment(ctx, c)
	}
	return res, err
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	profile := profileOf(msg.From)
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg.Chat.ID, profile, args)
	case "buy":
		b.handleBuy(ctx, msg.Chat.ID, profile, args)
	case "orders":
		b.handleOrders(ctx, msg.Chat.ID, profile)
	case "ref":
		b.handleRef(ctx, msg.Chat.ID, profile)
	default:
		b.reply(msg.Chat.ID, "Доступные команды: /buy <id>, /orders, /ref")
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID int64, profile model.UserProfile, code string) {
	u, _, err := b.service.RegisterUser(ctx, profile, code)
	if err != nil {
		b.logger.Error("register user error", zap.Error(err), zap.Int64("user_id", profile.ID))
		b.reply(chatID, "Сервис временно недоступен, попробуйте позже.")
		return
	}

	text := "Добро пожаловать в магазин! Купить товар: /buy <id>, история заказов: /orders."
	if link, err := b.service.ReferralLink(ctx, u.ID); err == nil {
		text += "\nВаша реферальная ссылка: " + link
	}
	b.reply(chatID, text)
}

func (b *Bot) handleBuy(ctx context.Context, chatID int64, profile model.UserProfile, arg string) {
	productID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || productID <= 0 {
		b.reply(chatID, "Укажите номер товара: /buy <id>")
		return
	}

	if !b.allowInvoice(ctx, profile.ID) {
		b.reply(chatID, "Слишком много запросов, попробуйте через минуту.")
		return
	}

	inv, err := b.service.CreatePurchaseIntent(ctx, productID, profile)
	switch {
	case errors.Is(err, service.ErrProductUnavailable):
		b.reply(chatID, "Товар недоступен.")
		return
	case errors.Is(err, service.ErrOutOfStock):
		b.reply(chatID, "Товар закончился.")
		return
	case errors.Is(err, service.ErrUserBanned):
		b.reply(chatID, "Покупки для вашего аккаунта недоступны.")
		return
	case err != nil:
		b.logger.Error("create purchase intent error", zap.Error(err), zap.Int64("product_id", productID))
		b.reply(chatID, "Сервис временно недоступен, попробуйте позже.")
		return
	}

	if err := b.sendInvoice(chatID, inv); err != nil {
		b.logger.Error("send invoice error", zap.Error(err), zap.Int64("product_id", productID))
	}
}

// allowInvoice проверяет общий для всех экземпляров счётчик счетов покупателя.
// Недоступность счётчика не блокирует покупки.
func (b *Bot) allowInvoice(ctx context.Context, payerID int64) bool {
	if b.limiter == nil {
		return true
	}
	allowed, err := b.limiter.Allow(ctx, "invoice:"+strconv.FormatInt(payerID, 10))
	if err != nil {
		b.logger.Warn("rate limiter error", zap.Error(err), zap.Int64("user_id", payerID))
		return true
	}
	return allowed
}

type labeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

func (b *Bot) sendInvoice(chatID int64, inv *model.Invoice) error {
	prices, err := json.Marshal([]labeledPrice{{Label: inv.Title, Amount: inv.Amount}})
	if err != nil {
		return err
	}

	description := inv.Description
	if description == "" {
		description = inv.Title
	}

	params := tgbotapi.Params{
		"chat_id":        strconv.FormatInt(chatID, 10),
		"title":          inv.Title,
		"description":    description,
		"payload":        inv.Payload,
		"currency":       inv.Currency,
		"prices":         string(prices),
		"provider_token": "",
	}
	_, err = b.api.MakeRequest("sendInvoice", params)
	return err
}

func (b *Bot) handleOrders(ctx context.Context, chatID int64, profile model.UserProfile) {
	orders, err := b.service.UserOrders(ctx, profile.ID, ordersPageSize)
	if err != nil {
		b.logger.Error("user orders error", zap.Error(err), zap.Int64("user_id", profile.ID))
		b.reply(chatID, "Сервис временно недоступен, попробуйте позже.")
		return
	}
	if len(orders) == 0 {
		b.reply(chatID, "У вас пока нет заказов.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Ваши заказы:")
	for _, o := range orders {
		fmt.Fprintf(&sb, "\n#%d %s, %d ⭐, %s", o.ID, o.ProductName, o.Price, orderStatusText(o))
	}
	b.reply(chatID, sb.String())
}

func orderStatusText(o model.Order) string {
	switch {
	case o.DeliveryStatus == model.DeliveryStatusDelivered:
		return "выдан"
	case o.Status == model.OrderStatusFailed || o.DeliveryStatus == model.DeliveryStatusFailed:
		return "ожидает оператора"
	default:
		return "в обработке"
	}
}

func (b *Bot) handleRef(ctx context.Context, chatID int64, profile model.UserProfile) {
	link, err := b.service.ReferralLink(ctx, profile.ID)
	if errors.Is(err, service.ErrUserNotFound) {
		b.reply(chatID, "Сначала выполните /start.")
		return
	}
	if err != nil {
		b.logger.Error("referral link error", zap.Error(err), zap.Int64("user_id", profile.ID))
		b.reply(chatID, "Сервис временно недоступен, попробуйте позже.")
		return
	}
	b.reply(chatID, "Ваша реферальная ссылка: "+link)
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send message error", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}
