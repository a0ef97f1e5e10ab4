package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и при запуске без DATABASE_URI.
//
// mu защищает сами данные и берётся на короткое время. ledgerMu и ordersMu удерживаются
// открытой транзакцией до Commit или Rollback, loginMu удерживается на время Apply.
type MemoryRepository struct {
	mu       sync.Mutex
	ledgerMu sync.Mutex
	ordersMu sync.Mutex
	loginMu  sync.Mutex

	now    func() time.Time
	nextID int64

	users         map[int64]model.User
	logins        map[string]int64
	permissions   map[int64]map[string]struct{}
	cart          map[int64]model.CartItem
	lots          map[int64]model.StockLot
	orders        map[int64]model.Order
	events        map[string][]time.Time
	loginStates   map[model.LoginKey]model.LoginAttemptState
	notifications []model.Notification
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:         time.Now,
		users:       make(map[int64]model.User),
		logins:      make(map[string]int64),
		permissions: make(map[int64]map[string]struct{}),
		cart:        make(map[int64]model.CartItem),
		lots:        make(map[int64]model.StockLot),
		orders:      make(map[int64]model.Order),
		events:      make(map[string][]time.Time),
		loginStates: make(map[model.LoginKey]model.LoginAttemptState),
	}
}

// Close ничего не освобождает.
func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryRepository) CreateUser(_ context.Context, u model.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logins[u.Login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Login)
	}
	u.ID = m.id()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = u
	m.logins[u.Login] = u.ID
	return u.ID, nil
}

func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.logins[login]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := m.users[id]
	return &u, nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryRepository) GrantPermission(_ context.Context, userID int64, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	if m.permissions[userID] == nil {
		m.permissions[userID] = make(map[string]struct{})
	}
	m.permissions[userID][permission] = struct{}{}
	return nil
}

func (m *MemoryRepository) HasPermission(_ context.Context, userID int64, permission string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.permissions[userID][permission]
	return ok, nil
}

func (m *MemoryRepository) UsersWithRole(_ context.Context, role string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, u := range m.users {
		if u.Role == role {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (m *MemoryRepository) UsersWithPermission(_ context.Context, permission string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, perms := range m.permissions {
		if _, ok := perms[permission]; ok {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (m *MemoryRepository) AddCartItem(_ context.Context, item model.CartItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cur := range m.cart {
		if cur.UserID == item.UserID && cur.ProductID == item.ProductID && cur.Category == item.Category {
			cur.Quantity = cur.Quantity.Add(item.Quantity)
			cur.UnitPrice = item.UnitPrice
			m.cart[id] = cur
			return id, nil
		}
	}

	item.ID = m.id()
	m.cart[item.ID] = item
	return item.ID, nil
}

func (m *MemoryRepository) ListCart(_ context.Context, userID int64) ([]model.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []model.CartItem
	for _, it := range m.cart {
		if it.UserID == userID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemoryRepository) DeleteCartItem(_ context.Context, userID, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.cart[itemID]
	if !ok || it.UserID != userID {
		return ErrCartItemNotFound
	}
	delete(m.cart, itemID)
	return nil
}

func (m *MemoryRepository) CreateLot(_ context.Context, lot model.StockLot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lot.Remaining.IsNegative() {
		return 0, fmt.Errorf("create lot: remaining must not be negative")
	}
	if lot.UnitPrice.IsNegative() {
		return 0, fmt.Errorf("create lot: unit price must not be negative")
	}
	lot.ID = m.id()
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = m.now()
	}
	m.lots[lot.ID] = lot
	return lot.ID, nil
}

// QuotePrice возвращает цену старейшей партии товара с положительным остатком.
func (m *MemoryRepository) QuotePrice(_ context.Context, productID int64, category string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		oldest model.StockLot
		found  bool
	)
	for _, lot := range m.lots {
		if lot.ProductID != productID || lot.Category != category || !lot.Remaining.IsPositive() {
			continue
		}
		if !found || lot.CreatedAt.Before(oldest.CreatedAt) ||
			(lot.CreatedAt.Equal(oldest.CreatedAt) && lot.ID < oldest.ID) {
			oldest, found = lot, true
		}
	}
	if !found {
		return decimal.Zero, ErrProductNotFound
	}
	return oldest.UnitPrice, nil
}

// Lot возвращает партию по идентификатору.
func (m *MemoryRepository) Lot(id int64) (model.StockLot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lot, ok := m.lots[id]
	return lot, ok
}

func (m *MemoryRepository) GetOrdersByCustomer(_ context.Context, customerID int64) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, cloneOrder(o))
		}
	}
	sortOrdersDesc(out)
	return out, nil
}

func (m *MemoryRepository) ListSuspiciousOrders(_ context.Context) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	for _, o := range m.orders {
		if o.IsSuspicious {
			o.Items = nil
			out = append(out, cloneOrder(o))
		}
	}
	sortOrdersDesc(out)
	return out, nil
}

func (m *MemoryRepository) SaveNotification(_ context.Context, n model.Notification) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.ID = m.id()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	n.OrderIDs = append([]int64(nil), n.OrderIDs...)
	m.notifications = append(m.notifications, n)
	return n.ID, nil
}

func (m *MemoryRepository) ListNotifications(_ context.Context, userID int64) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID == userID {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

func (m *MemoryRepository) Append(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[key] = append(m.events[key], at)
	return nil
}

func (m *MemoryRepository) CountSince(_ context.Context, key string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		count  int
		oldest time.Time
	)
	for _, at := range m.events[key] {
		if at.Before(since) {
			continue
		}
		if count == 0 || at.Before(oldest) {
			oldest = at
		}
		count++
	}
	return count, oldest, nil
}

func (m *MemoryRepository) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.events, key)
	return nil
}

func (m *MemoryRepository) PruneKey(_ context.Context, key string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pruneKeyLocked(key, before), nil
}

func (m *MemoryRepository) Prune(_ context.Context, prefix string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key := range m.events {
		if strings.HasPrefix(key, prefix) {
			n += m.pruneKeyLocked(key, before)
		}
	}
	return n, nil
}

func (m *MemoryRepository) pruneKeyLocked(key string, before time.Time) int64 {
	events := m.events[key]
	kept := events[:0]
	for _, at := range events {
		if !at.Before(before) {
			kept = append(kept, at)
		}
	}
	n := int64(len(events) - len(kept))
	if len(kept) == 0 {
		delete(m.events, key)
	} else {
		m.events[key] = kept
	}
	return n
}

func (m *MemoryRepository) Get(_ context.Context, key model.LoginKey) (*model.LoginAttemptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.loginStates[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryRepository) Apply(_ context.Context, key model.LoginKey, fn func(cur model.LoginAttemptState) (model.LoginAttemptState, error)) (*model.LoginAttemptState, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	cur, ok := m.loginStates[key]
	m.mu.Unlock()
	if !ok {
		cur = model.LoginAttemptState{Key: key}
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	next.Key = key

	m.mu.Lock()
	m.loginStates[key] = next
	m.mu.Unlock()
	return &next, nil
}

func (m *MemoryRepository) Delete(_ context.Context, key model.LoginKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.loginStates, key)
	return nil
}

// BeginLedger открывает транзакцию над партиями. Транзакции выполняются строго по очереди.
func (m *MemoryRepository) BeginLedger(ctx context.Context) (ports.LedgerTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.ledgerMu.Lock()
	return &memLedgerTx{
		repo:      m,
		remaining: make(map[int64]decimal.Decimal),
	}, nil
}

type memLedgerTx struct {
	repo       *MemoryRepository
	done       bool
	remaining  map[int64]decimal.Decimal
	clearCarts []int64
	orders     []model.Order
}

func (t *memLedgerTx) LockAvailableLots(_ context.Context, productID int64, category string) ([]model.StockLot, error) {
	if t.done {
		return nil, errTxDone
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	var lots []model.StockLot
	for _, lot := range t.repo.lots {
		if lot.ProductID != productID || lot.Category != category {
			continue
		}
		if staged, ok := t.remaining[lot.ID]; ok {
			lot.Remaining = staged
		}
		if lot.Remaining.IsPositive() {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].CreatedAt.Before(lots[j].CreatedAt)
	})
	return lots, nil
}

func (t *memLedgerTx) SetLotRemaining(_ context.Context, lotID int64, remaining decimal.Decimal) error {
	if t.done {
		return errTxDone
	}
	if remaining.IsNegative() {
		return fmt.Errorf("lot %d: remaining must not be negative, got %s", lotID, remaining.String())
	}
	t.remaining[lotID] = remaining
	return nil
}

func (t *memLedgerTx) ClearCart(_ context.Context, userID int64) error {
	if t.done {
		return errTxDone
	}
	t.clearCarts = append(t.clearCarts, userID)
	return nil
}

func (t *memLedgerTx) CreateOrder(_ context.Context, o *model.Order) (int64, error) {
	if t.done {
		return 0, errTxDone
	}

	t.repo.mu.Lock()
	id := t.repo.id()
	t.repo.mu.Unlock()

	staged := cloneOrder(*o)
	staged.ID = id
	t.orders = append(t.orders, staged)
	return id, nil
}

func (t *memLedgerTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.repo.ledgerMu.Unlock()

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for id, rem := range t.remaining {
		lot := t.repo.lots[id]
		lot.Remaining = rem
		t.repo.lots[id] = lot
	}
	for _, uid := range t.clearCarts {
		for id, it := range t.repo.cart {
			if it.UserID == uid {
				delete(t.repo.cart, id)
			}
		}
	}
	for _, o := range t.orders {
		t.repo.orders[o.ID] = o
	}
	return nil
}

func (t *memLedgerTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.ledgerMu.Unlock()
	return nil
}

// BeginOrders открывает транзакцию над историей заказов. Транзакции выполняются строго по очереди,
// поэтому LockCustomer ничего не делает.
func (m *MemoryRepository) BeginOrders(ctx context.Context) (ports.OrderTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.ordersMu.Lock()
	return &memOrderTx{repo: m, marks: make(map[int64]*string)}, nil
}

type memOrderTx struct {
	repo *MemoryRepository
	done bool
	// marks: непустая причина помечает заказ, nil снимает пометку.
	marks map[int64]*string
}

func (t *memOrderTx) LockCustomer(_ context.Context, _ int64) error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *memOrderTx) view(o model.Order) model.Order {
	if reason, ok := t.marks[o.ID]; ok {
		o.IsSuspicious = reason != nil
		o.SuspiciousReason = reason
	}
	o.Items = nil
	return cloneOrder(o)
}

func (t *memOrderTx) GetOrder(_ context.Context, orderID int64) (*model.Order, error) {
	if t.done {
		return nil, errTxDone
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	o, ok := t.repo.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	v := t.view(o)
	return &v, nil
}

func (t *memOrderTx) LatestSuspicious(_ context.Context, customerID int64, statuses []model.OrderStatus, before time.Time, excludeID int64) (*model.Order, error) {
	if t.done {
		return nil, errTxDone
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	var latest *model.Order
	for _, o := range t.repo.orders {
		v := t.view(o)
		if v.CustomerID != customerID || v.ID == excludeID || !v.IsSuspicious {
			continue
		}
		if !hasStatus(statuses, v.Status) || v.CreatedAt.After(before) {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) ||
			(v.CreatedAt.Equal(latest.CreatedAt) && v.ID > latest.ID) {
			latest = &v
		}
	}
	return latest, nil
}

func (t *memOrderTx) OrdersBetween(_ context.Context, customerID int64, statuses []model.OrderStatus, from, to time.Time, excludeID int64) ([]model.Order, error) {
	if t.done {
		return nil, errTxDone
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	var out []model.Order
	for _, o := range t.repo.orders {
		if o.CustomerID != customerID || o.ID == excludeID || !hasStatus(statuses, o.Status) {
			continue
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(to) {
			continue
		}
		out = append(out, t.view(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memOrderTx) MarkSuspicious(_ context.Context, orderIDs []int64, reason string) error {
	if t.done {
		return errTxDone
	}
	for _, id := range orderIDs {
		r := reason
		t.marks[id] = &r
	}
	return nil
}

func (t *memOrderTx) ClearSuspicious(_ context.Context, orderID int64) error {
	if t.done {
		return errTxDone
	}

	t.repo.mu.Lock()
	_, ok := t.repo.orders[orderID]
	t.repo.mu.Unlock()
	if !ok {
		return ErrOrderNotFound
	}
	t.marks[orderID] = nil
	return nil
}

func (t *memOrderTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.repo.ordersMu.Unlock()

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for id, reason := range t.marks {
		o, ok := t.repo.orders[id]
		if !ok {
			continue
		}
		o.IsSuspicious = reason != nil
		o.SuspiciousReason = reason
		t.repo.orders[id] = o
	}
	return nil
}

func (t *memOrderTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.ordersMu.Unlock()
	return nil
}

var errTxDone = errors.New("transaction already closed")

func hasStatus(statuses []model.OrderStatus, s model.OrderStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func cloneOrder(o model.Order) model.Order {
	if o.SuspiciousReason != nil {
		r := *o.SuspiciousReason
		o.SuspiciousReason = &r
	}
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

func sortOrdersDesc(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
