package service

import "errors"

var (
	// ErrProductUnavailable возвращается, если товар не найден или снят с продажи.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrOutOfStock возвращается, если остаток товара исчерпан.
	ErrOutOfStock = errors.New("product out of stock")
	// ErrUserBanned возвращается для заблокированного покупателя.
	ErrUserBanned = errors.New("user is banned")
	// ErrInvalidInput возвращается при некорректных входных данных.
	ErrInvalidInput = errors.New("invalid input")
	// ErrFulfillmentUnavailable возвращается, если обработать платёж не удалось
	// и его нужно повторить с тем же идентификатором платежа.
	ErrFulfillmentUnavailable = errors.New("fulfillment temporarily unavailable")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAlreadyDelivered возвращается при попытке повторно закрыть выданный заказ.
	ErrAlreadyDelivered = errors.New("order already delivered")
)
