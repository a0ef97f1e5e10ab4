package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

// pgTx общая обёртка над pgx.Tx с безопасным повторным Rollback.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	pgTx
}

// BeginLedger открывает транзакцию над партиями, корзиной и заказами.
func (r *PostgresRepository) BeginLedger(ctx context.Context) (ports.LedgerTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &ledgerTx{pgTx{tx: tx}}, nil
}

// LockAvailableLots блокирует партии товара с положительным остатком в порядке FIFO.
// Параллельная транзакция ждёт на FOR UPDATE и после коммита первой перечитывает остатки.
func (t *ledgerTx) LockAvailableLots(ctx context.Context, productID int64, category string) ([]model.StockLot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, product_id, category, member_id, remaining::text, unit_price::text, created_at
		 FROM stock_lots
		 WHERE product_id = $1 AND category = $2 AND remaining > 0
		 ORDER BY created_at, id
		 FOR UPDATE`,
		productID, category,
	)
	if err != nil {
		return nil, fmt.Errorf("select lots for update: %w", err)
	}
	defer rows.Close()

	var lots []model.StockLot
	for rows.Next() {
		var (
			lot              model.StockLot
			remaining, price string
		)
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.Category, &lot.MemberID, &remaining, &price, &lot.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		if lot.Remaining, err = decimal.NewFromString(remaining); err != nil {
			return nil, fmt.Errorf("parse remaining: %w", err)
		}
		if lot.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lots, nil
}

func (t *ledgerTx) SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	if remaining.IsNegative() {
		return fmt.Errorf("lot %d: remaining must not be negative, got %s", lotID, remaining.String())
	}
	_, err := t.tx.Exec(ctx, `UPDATE stock_lots SET remaining = $2::numeric WHERE id = $1`, lotID, remaining.String())
	if err != nil {
		return fmt.Errorf("update lot remaining: %w", err)
	}
	return nil
}

func (t *ledgerTx) ClearCart(ctx context.Context, userID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (t *ledgerTx) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (customer_id, total, status, created_at)
		 VALUES ($1, $2::numeric, $3, $4)
		 RETURNING id`,
		o.CustomerID, o.Total.String(), string(o.Status), o.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO order_items (order_id, product_id, category, quantity, unit_price)
			 VALUES ($1, $2, $3, $4::numeric, $5::numeric)`,
			id, it.ProductID, it.Category, it.Quantity.String(), it.UnitPrice.String(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert order item: %w", err)
		}
	}

	return id, nil
}

type orderTx struct {
	pgTx
}

// BeginOrders открывает транзакцию над историей заказов.
func (r *PostgresRepository) BeginOrders(ctx context.Context) (ports.OrderTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &orderTx{pgTx{tx: tx}}, nil
}

func (t *orderTx) LockCustomer(ctx context.Context, customerID int64) error {
	_, err := t.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('suspicion:' || $1::text, 0))`,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("acquire customer lock: %w", err)
	}
	return nil
}

func (t *orderTx) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (t *orderTx) LatestSuspicious(ctx context.Context, customerID int64, statuses []model.OrderStatus, before time.Time, excludeID int64) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE customer_id = $1 AND is_suspicious AND status = ANY($2)
		   AND created_at <= $3 AND id <> $4
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		customerID, statusStrings(statuses), before, excludeID,
	))
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

func (t *orderTx) OrdersBetween(ctx context.Context, customerID int64, statuses []model.OrderStatus, from, to time.Time, excludeID int64) ([]model.Order, error) {
	return queryOrders(ctx, t.tx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE customer_id = $1 AND status = ANY($2)
		   AND created_at >= $3 AND created_at <= $4 AND id <> $5
		 ORDER BY created_at, id`,
		customerID, statusStrings(statuses), from, to, excludeID,
	)
}

func (t *orderTx) MarkSuspicious(ctx context.Context, orderIDs []int64, reason string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET is_suspicious = TRUE, suspicious_reason = $2 WHERE id = ANY($1)`,
		orderIDs, reason,
	)
	if err != nil {
		return fmt.Errorf("mark orders suspicious: %w", err)
	}
	return nil
}

func (t *orderTx) ClearSuspicious(ctx context.Context, orderID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET is_suspicious = FALSE, suspicious_reason = NULL WHERE id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("clear suspicious order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func statusStrings(statuses []model.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
