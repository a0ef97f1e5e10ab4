// Package model содержит доменные сущности сервиса агромаркета.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UserType описывает тип учётной записи, под которым выполняется вход.
type UserType string

const (
	UserTypeCustomer UserType = "customer"
	UserTypeMember   UserType = "member"
	UserTypeStaff    UserType = "staff"
)

// RoleAdministrator даёт сотруднику полный доступ к заказам.
const RoleAdministrator = "administrator"

// PermissionViewOrders разрешает просмотр заказов без роли администратора.
const PermissionViewOrders = "view orders"

// User представляет зарегистрированного пользователя маркетплейса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Type         UserType
	Role         string
	CreatedAt    time.Time
}

// StockLot описывает партию товара, внесённую одним участником кооператива.
// Остаток никогда не бывает отрицательным; партия с нулевым остатком не удаляется.
type StockLot struct {
	ID        int64
	ProductID int64
	Category  string
	MemberID  int64
	Remaining decimal.Decimal
	UnitPrice decimal.Decimal
	CreatedAt time.Time
}

// CartItem описывает позицию корзины, ожидающую оформления.
// UnitPrice здесь только ориентир: цена старейшей доступной партии на момент добавления.
// Итог заказа считается по ценам партий, с которых товар фактически списан.
type CartItem struct {
	ID        int64
	UserID    int64
	ProductID int64
	Category  string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Subtotal возвращает стоимость позиции.
func (c CartItem) Subtotal() decimal.Decimal {
	return c.Quantity.Mul(c.UnitPrice)
}

// CheckoutAttempt фиксирует успешное оформление заказа для ограничителя частоты.
type CheckoutAttempt struct {
	UserID int64
	At     time.Time
}

// LoginKey идентифицирует серию попыток входа.
type LoginKey struct {
	Identifier string
	UserType   UserType
	Source     string
}

// String возвращает ключ в виде, пригодном для хранилища счётчиков.
// Логин и источник экранируются: оба могут содержать ':'.
func (k LoginKey) String() string {
	return fmt.Sprintf("login:%s:%q:%q", k.UserType, k.Identifier, k.Source)
}

// LoginAttemptState хранит состояние блокировки для ключа попыток входа.
// Неудачные попытки текущего цикла считаются начиная с CycleStart.
type LoginAttemptState struct {
	Key         LoginKey
	Failures    int
	Level       int
	LockedUntil *time.Time
	CycleStart  time.Time
	UpdatedAt   time.Time
}

// IsLocked сообщает, действует ли блокировка в момент now.
func (s LoginAttemptState) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusApproved  OrderStatus = "approved"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusDelayed   OrderStatus = "delayed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusMerged    OrderStatus = "merged"
)

// OpenOrderStatuses перечисляет статусы, в которых заказ участвует в поиске подозрительных серий.
var OpenOrderStatuses = []OrderStatus{OrderStatusPending, OrderStatusDelayed}

// IsOpen сообщает, ожидает ли заказ ещё обработки.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusDelayed
}

// Order описывает заказ покупателя.
type Order struct {
	ID               int64
	CustomerID       int64
	Total            decimal.Decimal
	Status           OrderStatus
	CreatedAt        time.Time
	IsSuspicious     bool
	SuspiciousReason *string
	Items            []OrderItem
}

// OrderItem хранит строку заказа, зафиксированную при оформлении.
type OrderItem struct {
	ProductID int64
	Category  string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Notification описывает уведомление пользователю внутри приложения.
type Notification struct {
	ID        int64
	UserID    int64
	Kind      string
	Title     string
	Body      string
	OrderIDs  []int64
	CreatedAt time.Time
}
