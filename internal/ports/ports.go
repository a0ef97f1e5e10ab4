// Package ports описывает контракты хранилища, общие для механизмов контроля целостности.
// PostgreSQL- и in-memory-репозитории реализуют их одинаково.
package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
)

// LotLedger открывает единицы работы над партиями товара.
type LotLedger interface {
	BeginLedger(ctx context.Context) (LedgerTx, error)
}

// LedgerTx объединяет работу с партиями, корзиной и заказами в одну транзакцию.
// Rollback после Commit ничего не делает, поэтому его можно вызывать в defer.
type LedgerTx interface {
	// LockAvailableLots возвращает партии с положительным остатком, старые первыми,
	// и блокирует их до конца транзакции.
	LockAvailableLots(ctx context.Context, productID int64, category string) ([]model.StockLot, error)
	SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error
	ClearCart(ctx context.Context, userID int64) error
	CreateOrder(ctx context.Context, order *model.Order) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// KeyLocker выдаёт взаимоисключающую блокировку по строковому ключу.
// Возвращённая функция снимает блокировку и вызывается ровно один раз.
type KeyLocker interface {
	LockKey(ctx context.Context, key string) (unlock func(), err error)
}

// TimedCounter хранит журнал событий по ключу и считает их в скользящем окне.
type TimedCounter interface {
	Append(ctx context.Context, key string, at time.Time) error
	// CountSince возвращает число событий ключа не раньше since и время самого старого из них.
	CountSince(ctx context.Context, key string, since time.Time) (int, time.Time, error)
	Reset(ctx context.Context, key string) error
	PruneKey(ctx context.Context, key string, before time.Time) (int64, error)
	Prune(ctx context.Context, prefix string, before time.Time) (int64, error)
}

// LoginAttemptStore хранит состояния блокировок входа.
type LoginAttemptStore interface {
	Get(ctx context.Context, key model.LoginKey) (*model.LoginAttemptState, error)
	// Apply атомарно читает состояние (нулевое, если записи нет), передаёт его в fn
	// и сохраняет результат. Конкурентные Apply для одного ключа выполняются по очереди.
	Apply(ctx context.Context, key model.LoginKey, fn func(cur model.LoginAttemptState) (model.LoginAttemptState, error)) (*model.LoginAttemptState, error)
	Delete(ctx context.Context, key model.LoginKey) error
}

// OrderHistory открывает транзакции над историей заказов покупателя.
type OrderHistory interface {
	BeginOrders(ctx context.Context) (OrderTx, error)
}

// OrderTx ищет и помечает подозрительные заказы в одной транзакции.
type OrderTx interface {
	// LockCustomer сериализует оценку заказов одного покупателя.
	LockCustomer(ctx context.Context, customerID int64) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	// LatestSuspicious возвращает последний помеченный заказ покупателя в статусах statuses,
	// созданный не позже before, кроме excludeID, или nil.
	LatestSuspicious(ctx context.Context, customerID int64, statuses []model.OrderStatus, before time.Time, excludeID int64) (*model.Order, error)
	// OrdersBetween возвращает заказы покупателя в статусах statuses с CreatedAt в [from, to], кроме excludeID.
	OrdersBetween(ctx context.Context, customerID int64, statuses []model.OrderStatus, from, to time.Time, excludeID int64) ([]model.Order, error)
	MarkSuspicious(ctx context.Context, orderIDs []int64, reason string) error
	ClearSuspicious(ctx context.Context, orderID int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Directory отвечает на вопрос, кто из пользователей имеет роль или право.
type Directory interface {
	UsersWithRole(ctx context.Context, role string) ([]int64, error)
	UsersWithPermission(ctx context.Context, permission string) ([]int64, error)
}
