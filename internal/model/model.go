// Package model содержит доменные сущности магазина цифровых товаров.
package model

import "time"

// ProductType определяет способ выдачи товара после оплаты.
type ProductType string

const (
	ProductTypeText    ProductType = "text"
	ProductTypeCode    ProductType = "code"
	ProductTypeFile    ProductType = "file"
	ProductTypeImage   ProductType = "image"
	ProductTypeBalance ProductType = "balance"
)

// Valid сообщает, относится ли тип к поддерживаемым.
func (t ProductType) Valid() bool {
	switch t {
	case ProductTypeText, ProductTypeCode, ProductTypeFile, ProductTypeImage, ProductTypeBalance:
		return true
	}
	return false
}

// UnlimitedStock обозначает товар без учёта остатков.
const UnlimitedStock int64 = -1

// Product описывает позицию каталога.
type Product struct {
	ID                 int64       `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	PriceStars         int64       `json:"price_stars"`
	Type               ProductType `json:"type"`
	Content            string      `json:"-"`
	Stock              int64       `json:"stock"`
	SoldCount          int64       `json:"sold_count"`
	IsLimited          bool        `json:"is_limited"`
	IsActive           bool        `json:"is_active"`
	AutoDelivery       bool        `json:"auto_delivery"`
	DiscountPercentage int         `json:"discount_percentage"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// FinalPrice возвращает цену с учётом скидки, дробная часть отбрасывается.
func (p *Product) FinalPrice() int64 {
	return p.PriceStars * int64(100-p.DiscountPercentage) / 100
}

// InStock сообщает, есть ли товар в наличии на момент чтения.
func (p *Product) InStock() bool {
	return !p.IsLimited || p.Stock > 0
}

// NewProduct содержит поля для создания позиции каталога.
type NewProduct struct {
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	PriceStars         int64       `json:"price_stars"`
	Type               ProductType `json:"type"`
	Content            string      `json:"content"`
	Stock              int64       `json:"stock"`
	IsLimited          bool        `json:"is_limited"`
	AutoDelivery       bool        `json:"auto_delivery"`
	DiscountPercentage int         `json:"discount_percentage"`
}

// ProductDetails дополняет товар числом свободных кодов.
type ProductDetails struct {
	Product
	UnusedCodes int64 `json:"unused_codes"`
}

// Code описывает одноразовый код, выдаваемый покупателю.
type Code struct {
	ID        int64
	ProductID int64
	Value     string
	IsUsed    bool
	UsedBy    *int64
	UsedAt    *time.Time
	CreatedAt time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// DeliveryStatus описывает статус выдачи товара по заказу.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Order описывает оплаченный заказ.
type Order struct {
	ID               int64          `json:"id"`
	UserID           int64          `json:"user_id"`
	ProductID        int64          `json:"product_id"`
	PaymentID        string         `json:"payment_id"`
	ChargeID         string         `json:"telegram_payment_charge_id"`
	Price            int64          `json:"price"`
	Status           OrderStatus    `json:"status"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status"`
	DeliveredContent *string        `json:"delivered_content,omitempty"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ProductName      string         `json:"product_name,omitempty"`
}

// OrderClaim содержит данные для первичной записи заказа по подтверждённому платежу.
type OrderClaim struct {
	UserID    int64
	ProductID int64
	PaymentID string
	ChargeID  string
	Price     int64
}

// Settlement описывает итог обработки заказа внутри транзакции.
type Settlement struct {
	Status           OrderStatus
	DeliveryStatus   DeliveryStatus
	DeliveredContent *string
}

// OrderFilter задаёт условия выборки заказов для отчётов.
type OrderFilter struct {
	UserID         int64
	Status         OrderStatus
	DeliveryStatus DeliveryStatus
	Limit          int
}

// PendingDelivery описывает заказ с файлом или изображением, ожидающий отправки.
type PendingDelivery struct {
	Order   Order
	Product Product
}

// User описывает покупателя.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	FirstName      string    `json:"first_name"`
	Balance        int64     `json:"balance"`
	TotalSpent     int64     `json:"total_spent"`
	TotalPurchases int64     `json:"total_purchases"`
	ReferralCode   string    `json:"referral_code"`
	ReferredBy     *int64    `json:"referred_by,omitempty"`
	IsBanned       bool      `json:"is_banned"`
	BanReason      string    `json:"ban_reason,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// UserProfile содержит данные пользователя, известные транспорту.
type UserProfile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// NewUser содержит поля для создания пользователя.
type NewUser struct {
	UserProfile
	ReferralCode string
	ReferredBy   *int64
}

// LogType классифицирует записи журнала безопасности.
type LogType string

const (
	LogTypeFraud    LogType = "fraud"
	LogTypePayment  LogType = "payment"
	LogTypePurchase LogType = "purchase"
	LogTypeReferral LogType = "referral"
	LogTypeDelivery LogType = "delivery"
	LogTypeError    LogType = "error"
)

// Severity задаёт уровень важности записи журнала безопасности.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityLog запись журнала безопасности, только добавляется.
type SecurityLog struct {
	ID        int64     `json:"id"`
	Type      LogType   `json:"type"`
	UserID    *int64    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// SecurityLogFilter задаёт условия выборки журнала безопасности.
type SecurityLogFilter struct {
	Type     LogType
	Severity Severity
	Limit    int
}

// TopProduct строка рейтинга продаж.
type TopProduct struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SoldCount int64  `json:"sold_count"`
}

// SalesStats агрегированная статистика магазина.
type SalesStats struct {
	TotalUsers     int64        `json:"total_users"`
	NewUsersToday  int64        `json:"new_users_today"`
	OrdersToday    int64        `json:"orders_today"`
	RevenueToday   int64        `json:"revenue_today"`
	OrdersMonth    int64        `json:"orders_month"`
	RevenueMonth   int64        `json:"revenue_month"`
	TotalRevenue   int64        `json:"total_revenue"`
	DeferredOrders int64        `json:"deferred_orders"`
	TopProducts    []TopProduct `json:"top_products"`
}
