// Package repository содержит реализации доступа к данным: PostgreSQL и in-memory.
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
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCartItemNotFound возвращается, если позиции нет в корзине пользователя.
	ErrCartItemNotFound = errors.New("cart item not found")
	// ErrProductNotFound возвращается, если у товара нет партий с остатком.
	ErrProductNotFound = errors.New("product not found")
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

// withRetry повторяет транзакцию целиком, если PostgreSQL прервал её из-за конфликта сериализации
// или взаимной блокировки, а также при обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
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
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, user_type, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Login, u.PasswordHash, string(u.Type), u.Role,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return r.getUser(ctx, `WHERE login = $1`, login)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return r.getUser(ctx, `WHERE id = $1`, id)
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, user_type, role, created_at FROM users `+where,
		arg,
	)

	var (
		u        model.User
		userType string
	)
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &userType, &u.Role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Type = model.UserType(userType)

	return &u, nil
}

// GrantPermission выдаёт пользователю право. Повторная выдача ничего не меняет.
func (r *PostgresRepository) GrantPermission(ctx context.Context, userID int64, permission string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_permissions (user_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, permission,
	)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

// HasPermission сообщает, выдано ли пользователю право.
func (r *PostgresRepository) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_permissions WHERE user_id = $1 AND permission = $2)`,
		userID, permission,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return ok, nil
}

// UsersWithRole возвращает идентификаторы пользователей с ролью.
func (r *PostgresRepository) UsersWithRole(ctx context.Context, role string) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY id`, role)
}

// UsersWithPermission возвращает идентификаторы пользователей с правом.
func (r *PostgresRepository) UsersWithPermission(ctx context.Context, permission string) ([]int64, error) {
	return r.queryIDs(ctx, `SELECT user_id FROM user_permissions WHERE permission = $1 ORDER BY user_id`, permission)
}

func (r *PostgresRepository) queryIDs(ctx context.Context, query string, arg any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select user ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect user ids: %w", err)
	}
	return ids, nil
}

// AddCartItem добавляет позицию в корзину; повторное добавление того же товара суммирует количество.
func (r *PostgresRepository) AddCartItem(ctx context.Context, item model.CartItem) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cart_items (user_id, product_id, category, quantity, unit_price)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric)
		 ON CONFLICT (user_id, product_id, category) DO UPDATE
		 SET quantity = cart_items.quantity + EXCLUDED.quantity,
		     unit_price = EXCLUDED.unit_price
		 RETURNING id`,
		item.UserID, item.ProductID, item.Category, item.Quantity.String(), item.UnitPrice.String(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add cart item: %w", err)
	}
	return id, nil
}

// ListCart возвращает содержимое корзины пользователя.
func (r *PostgresRepository) ListCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, product_id, category, quantity::text, unit_price::text
		 FROM cart_items
		 WHERE user_id = $1
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}
	defer rows.Close()

	var items []model.CartItem
	for rows.Next() {
		var (
			it         model.CartItem
			qty, price string
		)
		if err := rows.Scan(&it.ID, &it.UserID, &it.ProductID, &it.Category, &qty, &price); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		if it.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// DeleteCartItem удаляет позицию из корзины пользователя.
func (r *PostgresRepository) DeleteCartItem(ctx context.Context, userID, itemID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cart_items WHERE id = $1 AND user_id = $2`, itemID, userID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCartItemNotFound
	}
	return nil
}

// CreateLot сохраняет новую партию товара участника.
func (r *PostgresRepository) CreateLot(ctx context.Context, lot model.StockLot) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO stock_lots (product_id, category, member_id, remaining, unit_price, created_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		 RETURNING id`,
		lot.ProductID, lot.Category, lot.MemberID, lot.Remaining.String(), lot.UnitPrice.String(), lot.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create lot: %w", err)
	}
	return id, nil
}

// QuotePrice возвращает цену старейшей партии товара с положительным остатком.
func (r *PostgresRepository) QuotePrice(ctx context.Context, productID int64, category string) (decimal.Decimal, error) {
	var price string
	err := r.pool.QueryRow(ctx,
		`SELECT unit_price::text
		 FROM stock_lots
		 WHERE product_id = $1 AND category = $2 AND remaining > 0
		 ORDER BY created_at, id
		 LIMIT 1`,
		productID, category,
	).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrProductNotFound
		}
		return decimal.Zero, fmt.Errorf("quote price: %w", err)
	}
	return decimal.NewFromString(price)
}

// LockKey берёт сессионную advisory-блокировку по ключу. Блокировка живёт на выделенном
// соединении пула до вызова unlock и действует для всех экземпляров сервиса.
func (r *PostgresRepository) LockKey(ctx context.Context, key string) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			// Соединение с неснятой блокировкой не должно вернуться в пул.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

const orderColumns = `id, customer_id, total::text, status, created_at, is_suspicious, suspicious_reason`

// GetOrdersByCustomer возвращает заказы покупателя вместе со строками, новые первыми.
func (r *PostgresRepository) GetOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error) {
	orders, err := queryOrders(ctx, r.pool,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`,
		customerID,
	)
	if err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListSuspiciousOrders возвращает помеченные заказы для очереди ручной проверки.
func (r *PostgresRepository) ListSuspiciousOrders(ctx context.Context) ([]model.Order, error) {
	return queryOrders(ctx, r.pool,
		`SELECT `+orderColumns+` FROM orders WHERE is_suspicious ORDER BY created_at DESC, id DESC`,
	)
}

func (r *PostgresRepository) attachItems(ctx context.Context, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(orders))
	pos := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids = append(ids, o.ID)
		pos[o.ID] = i
	}

	rows, err := r.pool.Query(ctx,
		`SELECT order_id, product_id, category, quantity::text, unit_price::text
		 FROM order_items
		 WHERE order_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID    int64
			it         model.OrderItem
			qty, price string
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Category, &qty, &price); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if it.Quantity, err = decimal.NewFromString(qty); err != nil {
			return fmt.Errorf("parse quantity: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("parse unit price: %w", err)
		}
		i := pos[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryOrders(ctx context.Context, q querier, query string, args ...any) ([]model.Order, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		total  string
		status string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &total, &status, &o.CreatedAt, &o.IsSuspicious, &o.SuspiciousReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	var err error
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse order total: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// SaveNotification сохраняет уведомление пользователя.
func (r *PostgresRepository) SaveNotification(ctx context.Context, n model.Notification) (int64, error) {
	orderIDs := n.OrderIDs
	if orderIDs == nil {
		orderIDs = []int64{}
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notifications (user_id, kind, title, body, order_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		n.UserID, n.Kind, n.Title, n.Body, orderIDs, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

// ListNotifications возвращает уведомления пользователя, новые первыми.
func (r *PostgresRepository) ListNotifications(ctx context.Context, userID int64) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, title, body, order_ids, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.OrderIDs, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
