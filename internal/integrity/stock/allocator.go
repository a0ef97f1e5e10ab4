// Package stock распределяет заказанное количество по партиям участников в порядке FIFO.
package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

// ErrInvalidQuantity возвращается для позиций с неположительным количеством.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// ErrEmptyCheckout возвращается, если в запросе нет ни одной позиции.
var ErrEmptyCheckout = errors.New("checkout has no lines")

// InsufficientStockError сообщает, что позицию нельзя удовлетворить из доступных партий.
type InsufficientStockError struct {
	ProductID int64
	Category  string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %s, available %s",
		e.ProductID, e.Category, e.Requested.String(), e.Available.String())
}

// Line задаёт запрошенное количество товара одной категории.
type Line struct {
	ProductID int64
	Category  string
	Quantity  decimal.Decimal
}

// Deduction описывает списание с одной партии.
type Deduction struct {
	LotID     int64
	MemberID  int64
	ProductID int64
	Category  string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Remaining decimal.Decimal
}

// Cost возвращает стоимость списанного количества по цене партии.
func (d Deduction) Cost() decimal.Decimal {
	return d.Quantity.Mul(d.UnitPrice)
}

// Allocation содержит результат успешного распределения.
type Allocation struct {
	Deductions []Deduction
}

// Total возвращает стоимость всех списаний, округлённую до копеек.
func (a *Allocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, d := range a.Deductions {
		total = total.Add(d.Cost())
	}
	return total.Round(2)
}

// Recorder получает события распределителя для метрик.
type Recorder interface {
	IncInsufficientStock()
}

// Allocator списывает товар с партий в одной транзакции.
type Allocator struct {
	ledger   ports.LotLedger
	recorder Recorder
}

// NewAllocator создаёт распределитель поверх книги партий.
func NewAllocator(ledger ports.LotLedger, recorder Recorder) *Allocator {
	return &Allocator{ledger: ledger, recorder: recorder}
}

// Checkout списывает все позиции и очищает корзину покупателя либо не меняет ничего.
func (a *Allocator) Checkout(ctx context.Context, customerID int64, lines []Line) (*Allocation, error) {
	tx, err := a.ledger.BeginLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	alloc, err := a.AllocateIn(ctx, tx, customerID, lines)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	return alloc, nil
}

// AllocateIn выполняет списание внутри транзакции вызывающего. Фиксация остаётся за ним;
// при ошибке транзакцию нужно откатить.
func (a *Allocator) AllocateIn(ctx context.Context, tx ports.LedgerTx, customerID int64, lines []Line) (*Allocation, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{}
	for _, line := range merged {
		lots, err := tx.LockAvailableLots(ctx, line.ProductID, line.Category)
		if err != nil {
			return nil, fmt.Errorf("lock lots for product %d: %w", line.ProductID, err)
		}

		deductions, err := Plan(lots, line.Quantity)
		if err != nil {
			var insufficient *InsufficientStockError
			if errors.As(err, &insufficient) {
				insufficient.ProductID = line.ProductID
				insufficient.Category = line.Category
				if a.recorder != nil {
					a.recorder.IncInsufficientStock()
				}
			}
			return nil, err
		}

		for _, d := range deductions {
			if err := tx.SetLotRemaining(ctx, d.LotID, d.Remaining); err != nil {
				return nil, fmt.Errorf("update lot %d: %w", d.LotID, err)
			}
		}
		alloc.Deductions = append(alloc.Deductions, deductions...)
	}

	if err := tx.ClearCart(ctx, customerID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	return alloc, nil
}

// Plan распределяет need по партиям lots, которые уже упорядочены от старых к новым.
// Если суммарного остатка не хватает, возвращается *InsufficientStockError и ни одного списания.
func Plan(lots []model.StockLot, need decimal.Decimal) ([]Deduction, error) {
	if !need.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	available := decimal.Zero
	for _, lot := range lots {
		if lot.Remaining.IsPositive() {
			available = available.Add(lot.Remaining)
		}
	}
	if available.LessThan(need) {
		return nil, &InsufficientStockError{Requested: need, Available: available}
	}

	var out []Deduction
	left := need
	for _, lot := range lots {
		if !left.IsPositive() {
			break
		}
		if !lot.Remaining.IsPositive() {
			continue
		}

		take := decimal.Min(lot.Remaining, left)
		left = left.Sub(take)
		out = append(out, Deduction{
			LotID:     lot.ID,
			MemberID:  lot.MemberID,
			ProductID: lot.ProductID,
			Category:  lot.Category,
			Quantity:  take,
			UnitPrice: lot.UnitPrice,
			Remaining: lot.Remaining.Sub(take),
		})
	}

	return out, nil
}

// mergeLines складывает повторяющиеся позиции и упорядочивает их, чтобы параллельные
// оформления блокировали партии в одном и том же порядке.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCheckout
	}

	type lineKey struct {
		productID int64
		category  string
	}
	idx := make(map[lineKey]int, len(lines))
	var merged []Line
	for _, l := range lines {
		if !l.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: product %d (%s)", ErrInvalidQuantity, l.ProductID, l.Category)
		}
		k := lineKey{l.ProductID, l.Category}
		if i, ok := idx[k]; ok {
			merged[i].Quantity = merged[i].Quantity.Add(l.Quantity)
			continue
		}
		idx[k] = len(merged)
		merged = append(merged, l)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ProductID != merged[j].ProductID {
			return merged[i].ProductID < merged[j].ProductID
		}
		return merged[i].Category < merged[j].Category
	})

	return merged, nil
}
