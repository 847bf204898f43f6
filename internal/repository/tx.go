package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/starshop/internal/ledger"
	"github.com/mmeshcher/starshop/internal/model"
)

// pgTx реализует ledger.Tx поверх транзакции pgx.
type pgTx struct {
	q querier
}

// ClaimCharge записывает заказ первой записью транзакции. Уникальный индекс по
// telegram_payment_charge_id гарантирует единственный заказ на платёж: параллельная
// транзакция с тем же chargeID ждёт фиксации первой и получает конфликт.
func (t *pgTx) ClaimCharge(ctx context.Context, c model.OrderClaim) (int64, bool, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO orders (user_id, product_id, payment_id, telegram_payment_charge_id, price, status, delivery_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		c.UserID, c.ProductID, c.PaymentID, c.ChargeID, c.Price,
		string(model.OrderStatusPending), string(model.DeliveryStatusPending),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert order: %w", err)
	}

	err = t.q.QueryRow(ctx,
		`SELECT id FROM orders WHERE telegram_payment_charge_id = $1`,
		c.ChargeID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// конфликт по payment_id: тот же счёт оплачен другим платежом
			return 0, false, ledger.ErrPayloadReused
		}
		return 0, false, fmt.Errorf("select claimed order: %w", err)
	}

	return id, false, nil
}

// ReserveStock списывает единицу товара условным UPDATE. Для безлимитного товара
// меняется только sold_count.
func (t *pgTx) ReserveStock(ctx context.Context, productID int64) (*model.Product, bool, error) {
	row := t.q.QueryRow(ctx,
		`UPDATE products
		 SET stock = CASE WHEN is_limited THEN stock - 1 ELSE stock END,
		     sold_count = sold_count + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND (NOT is_limited OR stock > 0)
		 RETURNING `+productColumns,
		productID,
	)

	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reserve stock: %w", err)
	}
	return p, true, nil
}

// ClaimCode занимает один свободный код. SKIP LOCKED не даёт параллельным
// покупателям ждать на одной и той же строке.
func (t *pgTx) ClaimCode(ctx context.Context, productID, userID int64) (*model.Code, error) {
	var c model.Code
	err := t.q.QueryRow(ctx,
		`UPDATE codes
		 SET is_used = TRUE, used_by = $2, used_at = NOW()
		 WHERE id = (
		     SELECT id FROM codes
		     WHERE product_id = $1 AND NOT is_used
		     ORDER BY id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 ) AND NOT is_used
		 RETURNING id, product_id, code_value, is_used, used_by, used_at, created_at`,
		productID, userID,
	).Scan(&c.ID, &c.ProductID, &c.Value, &c.IsUsed, &c.UsedBy, &c.UsedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("claim code: %w", err)
	}
	return &c, nil
}

// SettleOrder фиксирует итоговый статус заказа и выданное содержимое.
func (t *pgTx) SettleOrder(ctx context.Context, orderID int64, s model.Settlement) (*model.Order, error) {
	row := t.q.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2::text,
		     delivery_status = $3,
		     delivered_content = $4,
		     completed_at = CASE WHEN $2::text = 'completed' THEN NOW() ELSE completed_at END
		 WHERE id = $1
		 RETURNING `+orderReturning,
		orderID, string(s.Status), string(s.DeliveryStatus), s.DeliveredContent,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("settle order: %w", err)
	}
	return o, nil
}

// ApplyPurchase обновляет накопительные показатели покупателя.
func (t *pgTx) ApplyPurchase(ctx context.Context, userID, amount int64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users
		 SET total_spent = total_spent + $2, total_purchases = total_purchases + 1, last_activity = NOW()
		 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("apply purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// CreditBalance атомарно увеличивает баланс пользователя.
func (t *pgTx) CreditBalance(ctx context.Context, userID, amount int64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// AppendSecurityLog добавляет запись журнала в рамках транзакции.
func (t *pgTx) AppendSecurityLog(ctx context.Context, entry model.SecurityLog) error {
	if err := appendSecurityLog(ctx, t.q, entry); err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	return nil
}

// InsertUser создаёт пользователя. Конфликт по идентификатору или реферальному
// коду не прерывает транзакцию и возвращает false.
func (t *pgTx) InsertUser(ctx context.Context, u model.NewUser) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO users (user_id, username, first_name, referral_code, referred_by)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.FirstName, u.ReferralCode, u.ReferredBy,
	)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchUser обновляет профиль и время последней активности.
func (t *pgTx) TouchUser(ctx context.Context, p model.UserProfile) error {
	_, err := t.q.Exec(ctx,
		`UPDATE users
		 SET username = COALESCE(NULLIF($2, ''), username),
		     first_name = COALESCE(NULLIF($3, ''), first_name),
		     last_activity = NOW()
		 WHERE user_id = $1`,
		p.ID, p.Username, p.FirstName,
	)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя в рамках транзакции.
func (t *pgTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, t.q, id)
}

// UserIDByReferralCode находит владельца реферального кода.
func (t *pgTx) UserIDByReferralCode(ctx context.Context, code string) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `SELECT user_id FROM users WHERE referral_code = $1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrNotFound
		}
		return 0, fmt.Errorf("select referrer: %w", err)
	}
	return id, nil
}

// GetSetting возвращает значение настройки магазина.
func (t *pgTx) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := t.q.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ledger.ErrNotFound
		}
		return "", fmt.Errorf("select setting: %w", err)
	}
	return value, nil
}

func getUser(ctx context.Context, q querier, id int64) (*model.User, error) {
	u, err := scanUser(q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
