// Package repository содержит реализацию хранилища магазина в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/starshop/internal/ledger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options параметры транзакций хранилища.
type Options struct {
	TxTimeout time.Duration
	Isolation pgx.TxIsoLevel
}

// DefaultOptions возвращает параметры по умолчанию.
func DefaultOptions() Options {
	return Options{
		TxTimeout: 5 * time.Second,
		Isolation: pgx.ReadCommitted,
	}
}

// ParseIsolation преобразует название уровня изоляции из конфигурации.
func ParseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read_committed", "read committed":
		return pgx.ReadCommitted, nil
	case "repeatable_read", "repeatable read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", s)
}

// PostgresRepository предоставляет доступ к хранилищу магазина в PostgreSQL.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	txTimeout time.Duration
	isolation pgx.TxIsoLevel
	// задержки между повторами транзакции при конфликте сериализации
	retryDelays []time.Duration
}

var _ ledger.Store = (*PostgresRepository)(nil)

// NewPostgresRepository создаёт репозиторий и применяет миграции схемы.
func NewPostgresRepository(dsn string, opts Options) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opts.TxTimeout <= 0 {
		opts.TxTimeout = DefaultOptions().TxTimeout
	}
	if opts.Isolation == "" {
		opts.Isolation = pgx.ReadCommitted
	}

	r := &PostgresRepository{
		pool:        pool,
		txTimeout:   opts.TxTimeout,
		isolation:   opts.Isolation,
		retryDelays: []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond, time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в транзакции с настроенным уровнем изоляции и таймаутом.
// При конфликте сериализации или взаимной блокировке транзакция повторяется целиком.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return r.withRetry(ctx, func() error {
		txCtx, cancel := context.WithTimeout(ctx, r.txTimeout)
		defer cancel()

		tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: r.isolation})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(txCtx)

		if err := fn(txCtx, &pgTx{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(txCtx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// ошибка контекста не повторяется
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
