package model

import "time"

// StarsCurrency код внутренней валюты платформы.
const StarsCurrency = "XTR"

// Invoice описывает счёт, который транспорт выставляет покупателю.
type Invoice struct {
	ProductID   int64  `json:"product_id"`
	PayerID     int64  `json:"payer_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Payload     string `json:"payload"`
}

// PreAuthorization запрос провайдера перед списанием средств.
type PreAuthorization struct {
	Payload string `json:"payload"`
	PayerID int64  `json:"payer_id"`
	Amount  int64  `json:"amount"`
}

// PaymentConfirmation уведомление об успешном списании средств.
type PaymentConfirmation struct {
	Payload  string `json:"payload"`
	ChargeID string `json:"charge_id"`
	PayerID  int64  `json:"payer_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// RejectReason причина отказа проверки платежа.
type RejectReason string

const (
	RejectUnavailable      RejectReason = "unavailable"
	RejectOutOfStock       RejectReason = "out_of_stock"
	RejectPriceMismatch    RejectReason = "price_mismatch"
	RejectIdentityMismatch RejectReason = "identity_mismatch"
	RejectMalformedPayload RejectReason = "malformed_payload"
	RejectBanned           RejectReason = "banned"
	RejectPayloadReused    RejectReason = "payload_reused"
)

// Verdict результат проверки платежа.
type Verdict struct {
	Approved bool         `json:"approved"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// Approved возвращает положительный вердикт.
func Approved() Verdict {
	return Verdict{Approved: true}
}

// Rejected возвращает отказ с указанной причиной.
func Rejected(reason RejectReason) Verdict {
	return Verdict{Reason: reason}
}

// FulfillmentState конечное состояние обработки подтверждённого платежа.
type FulfillmentState string

const (
	StateDelivered            FulfillmentState = "delivered"
	StateDeliveryDeferred     FulfillmentState = "delivery_deferred"
	StateDuplicateIgnored     FulfillmentState = "duplicate_ignored"
	StateRejectedBeforeCharge FulfillmentState = "rejected_before_charge"
	StateRejectedAfterCharge  FulfillmentState = "rejected_after_charge"
)

// FulfillmentResult итог обработки платежа для отображения транспортом.
type FulfillmentResult struct {
	State     FulfillmentState `json:"state"`
	Reason    RejectReason     `json:"reason,omitempty"`
	Exhausted bool             `json:"exhausted,omitempty"`
	Order     *Order           `json:"order,omitempty"`
}

// Delivery описывает сообщение о выдаче товара покупателю.
type Delivery struct {
	UserID      int64
	OrderID     int64
	ProductName string
	Kind        ProductType
	Content     string
	Price       int64
	Deferred    bool
}

// OrderEvent событие о записанном заказе для внешних потребителей.
type OrderEvent struct {
	OrderID        int64          `json:"order_id"`
	ChargeID       string         `json:"charge_id"`
	UserID         int64          `json:"user_id"`
	ProductID      int64          `json:"product_id"`
	ProductType    ProductType    `json:"product_type"`
	Price          int64          `json:"price"`
	Status         OrderStatus    `json:"status"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
