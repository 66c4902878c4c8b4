// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/sethvargo/go-retry"

	"github.com/avolkov/loyaltypos/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrItemNotFound возвращается, если позиция каталога не найдена.
var (
	ErrItemNotFound = errors.New("menu item not found")
	// ErrAccountNotFound возвращается, если учётная запись не найдена.
	ErrAccountNotFound = errors.New("account not found")
	// ErrReservationNotFound возвращается, если бронь не найдена.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrStatusConflict возвращается при попытке перевести бронь из финального статуса.
	ErrStatusConflict = errors.New("reservation status already final")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

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

	r := &PostgresRepository{pool: pool}

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

// withRetry повторяет операцию при сериализационных сбоях, дедлоках и
// сетевых ошибках. Бизнес-ошибки не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateItem сохраняет новую позицию каталога.
func (r *PostgresRepository) CreateItem(ctx context.Context, item *model.MenuItem) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO menu_items (id, name, stock, price) VALUES ($1, $2, $3, $4) RETURNING created_at`,
			item.ID, item.Name, item.Stock, item.Price,
		).Scan(&item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert menu item: %w", err)
		}
		return nil
	})
}

// GetItem возвращает позицию каталога по идентификатору.
func (r *PostgresRepository) GetItem(ctx context.Context, id string) (*model.MenuItem, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, stock, price, created_at FROM menu_items WHERE id = $1`,
		id,
	)

	var it model.MenuItem
	err := row.Scan(&it.ID, &it.Name, &it.Stock, &it.Price, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get menu item: %w", err)
	}

	return &it, nil
}

// ListItems возвращает все позиции каталога в порядке создания.
func (r *PostgresRepository) ListItems(ctx context.Context) ([]model.MenuItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, stock, price, created_at FROM menu_items ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var it model.MenuItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Stock, &it.Price, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// UpdateItemStock устанавливает остаток позиции. Отрицательные значения
// обрезаются до нуля на стороне сервера.
func (r *PostgresRepository) UpdateItemStock(ctx context.Context, id string, stock int64) (*model.MenuItem, error) {
	var it model.MenuItem
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`UPDATE menu_items SET stock = GREATEST($2, 0) WHERE id = $1
			 RETURNING id, name, stock, price, created_at`,
			id, stock,
		).Scan(&it.ID, &it.Name, &it.Stock, &it.Price, &it.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("update stock: %w", err)
	}

	return &it, nil
}

// UpdateItemPrice устанавливает цену позиции.
func (r *PostgresRepository) UpdateItemPrice(ctx context.Context, id string, price int64) (*model.MenuItem, error) {
	var it model.MenuItem
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`UPDATE menu_items SET price = GREATEST($2, 0) WHERE id = $1
			 RETURNING id, name, stock, price, created_at`,
			id, price,
		).Scan(&it.ID, &it.Name, &it.Stock, &it.Price, &it.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("update price: %w", err)
	}

	return &it, nil
}

// DecrementItemStock атомарно уменьшает остаток, не опуская его ниже нуля.
func (r *PostgresRepository) DecrementItemStock(ctx context.Context, id string, qty int64) (*model.MenuItem, error) {
	var it model.MenuItem
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`UPDATE menu_items SET stock = GREATEST(stock - $2, 0) WHERE id = $1
			 RETURNING id, name, stock, price, created_at`,
			id, qty,
		).Scan(&it.ID, &it.Name, &it.Stock, &it.Price, &it.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	return &it, nil
}

// DeleteItem удаляет позицию каталога.
func (r *PostgresRepository) DeleteItem(ctx context.Context, id string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx, `DELETE FROM menu_items WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete menu item: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrItemNotFound
		}
		return nil
	})
}

// GetAccount возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, role, name, email, points, created_at FROM accounts WHERE id = $1`,
		id,
	)

	var a model.Account
	err := row.Scan(&a.ID, &a.Role, &a.Name, &a.Email, &a.Points, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// FindAccountsByName возвращает учётные записи с точным совпадением имени.
func (r *PostgresRepository) FindAccountsByName(ctx context.Context, name string) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, role, name, email, points, created_at FROM accounts WHERE name = $1`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Role, &a.Name, &a.Email, &a.Points, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return accounts, nil
}

// UpsertAccount зеркалирует запись из сервиса идентификации. Баланс баллов
// при обновлении существующей записи не затрагивается.
func (r *PostgresRepository) UpsertAccount(ctx context.Context, acc *model.Account) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO accounts (id, role, name, email, points)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET role = $2, name = $3, email = $4`,
			acc.ID, string(acc.Role), acc.Name, acc.Email, acc.Points,
		)
		if err != nil {
			return fmt.Errorf("upsert account: %w", err)
		}
		return nil
	})
}

// AdjustPoints атомарно изменяет баланс баллов и пишет запись в журнал
// в одной транзакции. Дельта применяется на стороне сервера, поэтому
// параллельные изменения от разных акторов складываются корректно.
func (r *PostgresRepository) AdjustPoints(ctx context.Context, accountID string, delta int64, reason model.PointReason, ref string) (*model.Account, error) {
	var a model.Account
	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`UPDATE accounts SET points = points + $2 WHERE id = $1
			 RETURNING id, role, name, email, points, created_at`,
			accountID, delta,
		).Scan(&a.ID, &a.Role, &a.Name, &a.Email, &a.Points, &a.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("adjust points: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO point_entries (account_id, delta, reason, ref) VALUES ($1, $2, $3, $4)`,
			accountID, delta, string(reason), ref,
		)
		if err != nil {
			return fmt.Errorf("insert point entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &a, nil
}

// GetPointEntries возвращает журнал движения баллов учётной записи.
func (r *PostgresRepository) GetPointEntries(ctx context.Context, accountID string) ([]model.PointEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, delta, reason, ref, created_at
		 FROM point_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select point entries: %w", err)
	}
	defer rows.Close()

	var entries []model.PointEntry
	for rows.Next() {
		var e model.PointEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// CreateReservation сохраняет новую бронь.
func (r *PostgresRepository) CreateReservation(ctx context.Context, res *model.Reservation) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO reservations (id, customer_id, customer_name, item_id, item_name, date, time_slot, quantity, status, points_awarded)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING created_at`,
			res.ID, res.CustomerID, res.CustomerName, res.ItemID, res.ItemName,
			res.Date, res.TimeSlot, res.Quantity, string(res.Status), res.PointsAwarded,
		).Scan(&res.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
}

// GetReservation возвращает бронь по идентификатору.
func (r *PostgresRepository) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, customer_name, item_id, item_name, date, time_slot, quantity, status, points_awarded, created_at
		 FROM reservations WHERE id = $1`,
		id,
	)

	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	return res, nil
}

// ListReservations возвращает все брони, новые первыми.
func (r *PostgresRepository) ListReservations(ctx context.Context) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, customer_name, item_id, item_name, date, time_slot, quantity, status, points_awarded, created_at
		 FROM reservations
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	return collectReservations(rows)
}

// ListReservationsByCustomer возвращает брони одного клиента, новые первыми.
func (r *PostgresRepository) ListReservationsByCustomer(ctx context.Context, customerID string) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, customer_name, item_id, item_name, date, time_slot, quantity, status, points_awarded, created_at
		 FROM reservations
		 WHERE customer_id = $1
		 ORDER BY created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	return collectReservations(rows)
}

// TransitionReservation условно переводит бронь из pending в указанный
// статус. Переход не применяется, если статус уже финальный: pending —
// единственное нефинальное состояние, поэтому условие по нему и является
// проверкой предусловия.
func (r *PostgresRepository) TransitionReservation(ctx context.Context, id string, to model.ReservationStatus) (*model.Reservation, error) {
	var res *model.Reservation
	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`UPDATE reservations SET status = $2
			 WHERE id = $1 AND status = $3
			 RETURNING id, customer_id, customer_name, item_id, item_name, date, time_slot, quantity, status, points_awarded, created_at`,
			id, string(to), string(model.ReservationPending),
		)

		updated, err := scanReservation(row)
		if err == nil {
			res = updated
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transition reservation: %w", err)
		}

		// Переход не применился: различаем отсутствие брони и финальный статус.
		var status string
		err = r.pool.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("check reservation status: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrStatusConflict, status)
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		res    model.Reservation
		status string
	)
	err := row.Scan(&res.ID, &res.CustomerID, &res.CustomerName, &res.ItemID, &res.ItemName,
		&res.Date, &res.TimeSlot, &res.Quantity, &status, &res.PointsAwarded, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	res.Status = model.ReservationStatus(status)
	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]model.Reservation, error) {
	var reservations []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, *res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reservations, nil
}
