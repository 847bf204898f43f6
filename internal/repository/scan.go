package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/starshop/internal/model"
)

// querier общий набор методов пула и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, name, description, price_stars, type, content, stock, sold_count,
	is_limited, is_active, auto_delivery, discount_percentage, created_at, updated_at`

func scanProduct(row scanner) (*model.Product, error) {
	var (
		p   model.Product
		typ string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceStars, &typ, &p.Content, &p.Stock, &p.SoldCount,
		&p.IsLimited, &p.IsActive, &p.AutoDelivery, &p.DiscountPercentage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Type = model.ProductType(typ)
	return &p, nil
}

// orderReturning перечень колонок заказа вместе с названием товара.
// Используется и в SELECT по таблице orders, и в RETURNING.
const orderReturning = `id, user_id, product_id, payment_id, telegram_payment_charge_id, price, status,
	delivery_status, delivered_content, delivery_attempts, created_at, completed_at,
	COALESCE((SELECT p.name FROM products p WHERE p.id = orders.product_id), '')`

func scanOrder(row scanner) (*model.Order, error) {
	var (
		o              model.Order
		status         string
		deliveryStatus string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.PaymentID, &o.ChargeID, &o.Price, &status,
		&deliveryStatus, &o.DeliveredContent, &o.DeliveryAttempts, &o.CreatedAt, &o.CompletedAt, &o.ProductName)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	o.DeliveryStatus = model.DeliveryStatus(deliveryStatus)
	return &o, nil
}

const userColumns = `user_id, username, first_name, balance, total_spent, total_purchases,
	referral_code, referred_by, is_banned, ban_reason, joined_at, last_activity`

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Balance, &u.TotalSpent, &u.TotalPurchases,
		&u.ReferralCode, &u.ReferredBy, &u.IsBanned, &u.BanReason, &u.JoinedAt, &u.LastActivity)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const securityLogColumns = `id, log_type, user_id, action, details, severity, created_at`

func scanSecurityLog(row scanner) (*model.SecurityLog, error) {
	var (
		l        model.SecurityLog
		logType  string
		severity string
	)
	if err := row.Scan(&l.ID, &logType, &l.UserID, &l.Action, &l.Details, &severity, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Type = model.LogType(logType)
	l.Severity = model.Severity(severity)
	return &l, nil
}

func appendSecurityLog(ctx context.Context, q querier, entry model.SecurityLog) error {
	_, err := q.Exec(ctx,
		`INSERT INTO security_logs (log_type, user_id, action, details, severity) VALUES ($1, $2, $3, $4, $5)`,
		string(entry.Type), entry.UserID, entry.Action, entry.Details, string(entry.Severity),
	)
	if err != nil {
		return err
	}
	return nil
}
