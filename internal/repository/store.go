package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

const defaultListLimit = 100

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, r.pool, id)
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return r.getOrderBy(ctx, "id", id)
}

// GetOrderByChargeID возвращает заказ по идентификатору платежа.
func (r *PostgresRepository) GetOrderByChargeID(ctx context.Context, chargeID string) (*model.Order, error) {
	return r.getOrderBy(ctx, "telegram_payment_charge_id", chargeID)
}

func (r *PostgresRepository) getOrderBy(ctx context.Context, column string, value any) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderReturning+` FROM orders WHERE `+column+` = $1`, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders возвращает заказы по фильтру, новые первыми.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != 0 {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.DeliveryStatus != "" {
		args = append(args, string(f.DeliveryStatus))
		conds = append(conds, fmt.Sprintf("delivery_status = $%d", len(args)))
	}

	query := `SELECT ` + orderReturning + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ListPendingDeliveries возвращает оплаченные заказы файлов и изображений,
// которые ещё не удалось отправить покупателю.
func (r *PostgresRepository) ListPendingDeliveries(ctx context.Context, createdBefore time.Time, maxAttempts, limit int) ([]model.PendingDelivery, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderReturning+`
		 FROM orders
		 WHERE status = $1 AND delivery_status = $2 AND delivery_attempts < $3 AND created_at < $4
		   AND product_id IN (SELECT id FROM products WHERE auto_delivery AND type IN ($5, $6))
		 ORDER BY created_at
		 LIMIT $7`,
		string(model.OrderStatusCompleted), string(model.DeliveryStatusPending), maxAttempts, createdBefore,
		string(model.ProductTypeFile), string(model.ProductTypeImage), listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select pending deliveries: %w", err)
	}

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	res := make([]model.PendingDelivery, 0, len(orders))
	for _, o := range orders {
		p, err := r.GetProduct(ctx, o.ProductID)
		if err != nil {
			return nil, err
		}
		res = append(res, model.PendingDelivery{Order: o, Product: *p})
	}

	return res, nil
}

// ListSecurityLogs возвращает записи журнала безопасности, новые первыми.
func (r *PostgresRepository) ListSecurityLogs(ctx context.Context, f model.SecurityLogFilter) ([]model.SecurityLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+securityLogColumns+`
		 FROM security_logs
		 WHERE ($1 = '' OR log_type = $1) AND ($2 = '' OR severity = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		string(f.Type), string(f.Severity), listLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select security logs: %w", err)
	}
	defer rows.Close()

	var res []model.SecurityLog
	for rows.Next() {
		l, err := scanSecurityLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security log: %w", err)
		}
		res = append(res, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountUnusedCodes возвращает число свободных кодов товара.
func (r *PostgresRepository) CountUnusedCodes(ctx context.Context, productID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM codes WHERE product_id = $1 AND NOT is_used`,
		productID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count codes: %w", err)
	}
	return n, nil
}

// SalesStats собирает статистику продаж на момент now.
func (r *PostgresRepository) SalesStats(ctx context.Context, now time.Time) (*model.SalesStats, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var s model.SalesStats
	err := r.pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM users),
		     (SELECT COUNT(*) FROM users WHERE joined_at >= $1),
		     (SELECT COUNT(*) FROM orders WHERE status = $3 AND created_at >= $1),
		     (SELECT COALESCE(SUM(price), 0) FROM orders WHERE status = $3 AND created_at >= $1),
		     (SELECT COUNT(*) FROM orders WHERE status = $3 AND created_at >= $2),
		     (SELECT COALESCE(SUM(price), 0) FROM orders WHERE status = $3 AND created_at >= $2),
		     (SELECT COALESCE(SUM(price), 0) FROM orders WHERE status = $3),
		     (SELECT COUNT(*) FROM orders WHERE delivery_status = $4)`,
		dayStart, monthStart, string(model.OrderStatusCompleted), string(model.DeliveryStatusFailed),
	).Scan(&s.TotalUsers, &s.NewUsersToday, &s.OrdersToday, &s.RevenueToday,
		&s.OrdersMonth, &s.RevenueMonth, &s.TotalRevenue, &s.DeferredOrders)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, sold_count FROM products WHERE sold_count > 0 ORDER BY sold_count DESC, id LIMIT 5`,
	)
	if err != nil {
		return nil, fmt.Errorf("select top products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tp model.TopProduct
		if err := rows.Scan(&tp.ID, &tp.Name, &tp.SoldCount); err != nil {
			return nil, fmt.Errorf("scan top product: %w", err)
		}
		s.TopProducts = append(s.TopProducts, tp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &s, nil
}

// AppendSecurityLog добавляет запись журнала безопасности.
func (r *PostgresRepository) AppendSecurityLog(ctx context.Context, entry model.SecurityLog) error {
	if err := appendSecurityLog(ctx, r.pool, entry); err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	return nil
}

// MarkDelivered фиксирует выдачу товара. Заказ, не выданный из-за исчерпания
// остатка, при ручной выдаче становится завершённым и учитывается в показателях покупателя.
// credit зачисляется на баланс покупателя в той же транзакции.
func (r *PostgresRepository) MarkDelivered(ctx context.Context, orderID int64, content string, credit int64) (bool, error) {
	var delivered bool
	err := r.InTx(ctx, func(ctx context.Context, ltx ledger.Tx) error {
		q := ltx.(*pgTx).q

		var (
			userID         int64
			price          int64
			status         string
			deliveryStatus string
		)
		err := q.QueryRow(ctx,
			`SELECT user_id, price, status, delivery_status FROM orders WHERE id = $1 FOR UPDATE`,
			orderID,
		).Scan(&userID, &price, &status, &deliveryStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ledger.ErrNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		delivered = false
		if model.DeliveryStatus(deliveryStatus) == model.DeliveryStatusDelivered {
			return nil
		}
		prev := model.OrderStatus(status)
		if prev != model.OrderStatusCompleted && prev != model.OrderStatusFailed {
			return nil
		}

		_, err = q.Exec(ctx,
			`UPDATE orders
			 SET status = $2, delivery_status = $3, delivered_content = $4,
			     completed_at = COALESCE(completed_at, NOW())
			 WHERE id = $1`,
			orderID, string(model.OrderStatusCompleted), string(model.DeliveryStatusDelivered), content,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		if prev == model.OrderStatusFailed {
			if err := ltx.ApplyPurchase(ctx, userID, price); err != nil {
				return err
			}
		}
		if credit > 0 {
			if err := ltx.CreditBalance(ctx, userID, credit); err != nil {
				return err
			}
		}

		delivered = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return delivered, nil
}

// RecordDeliveryFailure учитывает неудачную попытку отправки.
func (r *PostgresRepository) RecordDeliveryFailure(ctx context.Context, orderID int64, maxAttempts int) (model.DeliveryStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET delivery_attempts = delivery_attempts + 1,
		     last_delivery_attempt_at = NOW(),
		     delivery_status = CASE WHEN delivery_attempts + 1 >= $2 THEN $3 ELSE delivery_status END
		 WHERE id = $1 AND delivery_status = $4
		 RETURNING delivery_status`,
		orderID, maxAttempts, string(model.DeliveryStatusFailed), string(model.DeliveryStatusPending),
	).Scan(&status)
	if err == nil {
		return model.DeliveryStatus(status), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("record delivery failure: %w", err)
	}

	o, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.DeliveryStatus, nil
}

// CreateProduct создаёт позицию каталога.
func (r *PostgresRepository) CreateProduct(ctx context.Context, np model.NewProduct) (*model.Product, error) {
	stock := np.Stock
	if !np.IsLimited {
		stock = model.UnlimitedStock
	}

	p, err := scanProduct(r.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price_stars, type, content, stock, is_limited, auto_delivery, discount_percentage)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+productColumns,
		np.Name, np.Description, np.PriceStars, string(np.Type), np.Content, stock,
		np.IsLimited, np.AutoDelivery, np.DiscountPercentage,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s", ledger.ErrDuplicate, np.Name)
		}
		return nil, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

// AddCodes добавляет коды товара и увеличивает остаток на их число в одной транзакции.
func (r *PostgresRepository) AddCodes(ctx context.Context, productID int64, codes []string) (int64, error) {
	var added int64
	err := r.InTx(ctx, func(ctx context.Context, ltx ledger.Tx) error {
		q := ltx.(*pgTx).q

		var exists bool
		err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("select product: %w", err)
		}
		if !exists {
			return ledger.ErrNotFound
		}

		tag, err := q.Exec(ctx,
			`INSERT INTO codes (product_id, code_value) SELECT $1, unnest($2::text[])`,
			productID, codes,
		)
		if err != nil {
			return fmt.Errorf("insert codes: %w", err)
		}
		added = tag.RowsAffected()

		_, err = q.Exec(ctx,
			`UPDATE products SET stock = stock + $2, updated_at = NOW() WHERE id = $1 AND is_limited`,
			productID, added,
		)
		if err != nil {
			return fmt.Errorf("restock product: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
