// Package ledger описывает контракт хранилища заказов, остатков и пользователей.
//
// Все изменения остатков и кодов выполняются условными атомарными записями
// внутри Tx. Хранилище обязано обеспечивать уникальность идентификатора
// платежа на уровне схемы.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mmeshcher/starshop/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrPayloadReused возвращается, если корреляционный токен уже привязан к другому платежу.
	ErrPayloadReused = errors.New("payment payload already used by another charge")
	// ErrDuplicate возвращается при нарушении уникальности.
	ErrDuplicate = errors.New("duplicate record")
)

// Tx набор операций, выполняемых в одной транзакции.
type Tx interface {
	// ClaimCharge записывает заказ в статусе pending. Возвращает false,
	// если заказ с этим chargeID уже существует.
	ClaimCharge(ctx context.Context, claim model.OrderClaim) (orderID int64, claimed bool, err error)
	// ReserveStock условно списывает единицу товара и возвращает строку товара
	// после списания. Возвращает false, если остаток исчерпан.
	ReserveStock(ctx context.Context, productID int64) (*model.Product, bool, error)
	// ClaimCode помечает один свободный код использованным. ErrNotFound, если кодов нет.
	ClaimCode(ctx context.Context, productID, userID int64) (*model.Code, error)
	SettleOrder(ctx context.Context, orderID int64, s model.Settlement) (*model.Order, error)
	ApplyPurchase(ctx context.Context, userID, amount int64) error
	CreditBalance(ctx context.Context, userID, amount int64) error
	AppendSecurityLog(ctx context.Context, entry model.SecurityLog) error

	// InsertUser возвращает false, если пользователь или реферальный код уже заняты.
	InsertUser(ctx context.Context, u model.NewUser) (bool, error)
	TouchUser(ctx context.Context, p model.UserProfile) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	UserIDByReferralCode(ctx context.Context, code string) (int64, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// Store хранилище магазина.
type Store interface {
	// InTx выполняет fn в транзакции. fn может быть вызвана повторно при
	// конфликте сериализации, поэтому не должна иметь внешних эффектов.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error

	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByChargeID(ctx context.Context, chargeID string) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	ListPendingDeliveries(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]model.PendingDelivery, error)
	ListSecurityLogs(ctx context.Context, f model.SecurityLogFilter) ([]model.SecurityLog, error)
	CountUnusedCodes(ctx context.Context, productID int64) (int64, error)
	SalesStats(ctx context.Context, now time.Time) (*model.SalesStats, error)

	AppendSecurityLog(ctx context.Context, entry model.SecurityLog) error
	// MarkDelivered переводит заказ в delivered и, если credit > 0, в той же
	// транзакции зачисляет credit на баланс покупателя. Возвращает false, если заказ уже выдан.
	MarkDelivered(ctx context.Context, orderID int64, content string, credit int64) (bool, error)
	// RecordDeliveryFailure увеличивает счётчик попыток и переводит выдачу в failed
	// после maxAttempts попыток.
	RecordDeliveryFailure(ctx context.Context, orderID int64, maxAttempts int) (model.DeliveryStatus, error)
	CreateProduct(ctx context.Context, p model.NewProduct) (*model.Product, error)
	// AddCodes добавляет коды и увеличивает остаток лимитированного товара на их число.
	AddCodes(ctx context.Context, productID int64, codes []string) (int64, error)
}
