package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/integrity/stock"
	"github.com/mmeshcher/agromarket/internal/model"
)

// AddToCart добавляет товар в корзину; повторное добавление суммирует количество.
// Цена позиции берётся из партий и служит ориентиром до оформления.
func (s *Service) AddToCart(ctx context.Context, userID, productID int64, category string, quantity decimal.Decimal) (int64, error) {
	if !quantity.IsPositive() {
		return 0, stock.ErrInvalidQuantity
	}
	unitPrice, err := s.repo.QuotePrice(ctx, productID, category)
	if err != nil {
		return 0, err
	}
	return s.repo.AddCartItem(ctx, model.CartItem{
		UserID:    userID,
		ProductID: productID,
		Category:  category,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	})
}

// GetCart возвращает корзину пользователя.
func (s *Service) GetCart(ctx context.Context, userID int64) ([]model.CartItem, error) {
	return s.repo.ListCart(ctx, userID)
}

// RemoveFromCart удаляет позицию из корзины.
func (s *Service) RemoveFromCart(ctx context.Context, userID, itemID int64) error {
	return s.repo.DeleteCartItem(ctx, userID, itemID)
}

// AddLot регистрирует партию товара участника кооператива по заданной им цене.
func (s *Service) AddLot(ctx context.Context, memberID, productID int64, category string, quantity, unitPrice decimal.Decimal) (*model.StockLot, error) {
	if !quantity.IsPositive() {
		return nil, stock.ErrInvalidQuantity
	}
	if unitPrice.IsNegative() {
		return nil, ErrInvalidPrice
	}

	lot := model.StockLot{
		ProductID: productID,
		Category:  category,
		MemberID:  memberID,
		Remaining: quantity,
		UnitPrice: unitPrice,
		CreatedAt: s.now(),
	}
	id, err := s.repo.CreateLot(ctx, lot)
	if err != nil {
		return nil, err
	}
	lot.ID = id
	return &lot, nil
}

// Checkout оформляет корзину пользователя в заказ.
//
// Порядок: проверка лимита, списание партий и создание заказа одной транзакцией, запись попытки
// в журнал лимита, оценка заказа детектором. Неудачное оформление не расходует лимит.
// Стоимость считается по ценам списанных партий. От проверки лимита до записи попытки
// держится блокировка оформлений пользователя.
func (s *Service) Checkout(ctx context.Context, userID int64) (*CheckoutResult, error) {
	unlock, err := s.controls.Limiter.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	decision, err := s.controls.Limiter.Check(ctx, userID)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	lines := make([]stock.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, stock.Line{ProductID: it.ProductID, Category: it.Category, Quantity: it.Quantity})
	}

	tx, err := s.repo.BeginLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	alloc, err := s.controls.Allocator.AllocateIn(ctx, tx, userID, lines)
	if err != nil {
		return nil, err
	}

	order := model.Order{
		CustomerID: userID,
		Total:      alloc.Total(),
		Status:     model.OrderStatusPending,
		CreatedAt:  s.now(),
		Items:      orderItems(alloc.Deductions),
	}

	order.ID, err = tx.CreateOrder(ctx, &order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit checkout: %w", err)
	}

	// Заказ уже создан: ошибки ниже журналируются, но не отменяют оформление.
	if err := s.controls.Limiter.Record(ctx, userID); err != nil {
		s.logger.Error("record checkout attempt error", zap.Error(err), zap.Int64("userID", userID))
	}

	verdict, err := s.controls.Detector.Evaluate(ctx, order.ID)
	if err != nil {
		s.logger.Error("suspicion evaluation error", zap.Error(err), zap.Int64("orderID", order.ID))
		if s.recorder != nil {
			s.recorder.IncDetectionFailure()
		}
	} else if verdict.Flagged {
		order.IsSuspicious = true
		reason := verdict.Reason
		order.SuspiciousReason = &reason
	}

	return &CheckoutResult{
		Order:      order,
		Allocation: alloc,
		Remaining:  decision.Remaining - 1,
		ResetAt:    decision.ResetAt,
	}, nil
}

// orderItems сворачивает списания в строки заказа: по одной на товар, категорию и цену.
func orderItems(deductions []stock.Deduction) []model.OrderItem {
	type itemKey struct {
		productID int64
		category  string
		price     string
	}
	idx := make(map[itemKey]int, len(deductions))
	var items []model.OrderItem
	for _, d := range deductions {
		k := itemKey{d.ProductID, d.Category, d.UnitPrice.String()}
		if i, ok := idx[k]; ok {
			items[i].Quantity = items[i].Quantity.Add(d.Quantity)
			continue
		}
		idx[k] = len(items)
		items = append(items, model.OrderItem{
			ProductID: d.ProductID,
			Category:  d.Category,
			Quantity:  d.Quantity,
			UnitPrice: d.UnitPrice,
		})
	}
	return items
}

// GetOrdersByUser возвращает заказы покупателя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByCustomer(ctx, userID)
}

// GetNotifications возвращает уведомления пользователя.
func (s *Service) GetNotifications(ctx context.Context, userID int64) ([]model.Notification, error) {
	return s.repo.ListNotifications(ctx, userID)
}

// CanViewOrders сообщает, может ли пользователь работать с очередью проверки заказов:
// нужна роль администратора или право "view orders".
func (s *Service) CanViewOrders(ctx context.Context, userID int64) (bool, error) {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("get user: %w", err)
	}
	if u.Role == model.RoleAdministrator {
		return true, nil
	}
	return s.repo.HasPermission(ctx, userID, model.PermissionViewOrders)
}

// GetSuspiciousOrders возвращает очередь помеченных заказов.
func (s *Service) GetSuspiciousOrders(ctx context.Context, staffID int64) ([]model.Order, error) {
	if err := s.requireViewOrders(ctx, staffID); err != nil {
		return nil, err
	}
	return s.repo.ListSuspiciousOrders(ctx)
}

// ClearSuspicion снимает пометку с одного заказа.
func (s *Service) ClearSuspicion(ctx context.Context, staffID, orderID int64) error {
	if err := s.requireViewOrders(ctx, staffID); err != nil {
		return err
	}
	if err := s.controls.Detector.Clear(ctx, orderID); err != nil {
		return err
	}
	s.logger.Info("suspicion cleared", zap.Int64("orderID", orderID), zap.Int64("staffID", staffID))
	return nil
}

// GrantViewOrders выдаёт сотруднику право на просмотр заказов. Доступно только администратору.
func (s *Service) GrantViewOrders(ctx context.Context, adminID, userID int64) error {
	admin, err := s.repo.GetUserByID(ctx, adminID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if admin.Role != model.RoleAdministrator {
		return ErrForbidden
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Type != model.UserTypeStaff {
		return ErrForbidden
	}
	return s.repo.GrantPermission(ctx, userID, model.PermissionViewOrders)
}

func (s *Service) requireViewOrders(ctx context.Context, userID int64) error {
	ok, err := s.CanViewOrders(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// IsRetryableCheckoutError сообщает, может ли пользователь повторить оформление позже без изменений.
func IsRetryableCheckoutError(err error) bool {
	var insufficient *stock.InsufficientStockError
	return errors.As(err, &insufficient)
}
