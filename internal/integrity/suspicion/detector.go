// Package suspicion помечает серии почти одновременных заказов одного покупателя
// для ручной проверки и оповещает сотрудников.
package suspicion

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

// NotificationKind обозначает уведомления о подозрительных заказах.
const NotificationKind = "suspicious_orders"

// Notifier доставляет уведомление пользователю. Ошибки доставки журналирует сам.
type Notifier interface {
	Dispatch(ctx context.Context, userID int64, n model.Notification)
}

// Recorder получает события детектора для метрик.
type Recorder interface {
	AddOrdersFlagged(n int)
}

// Detector оценивает новые заказы и помечает подозрительные серии.
type Detector struct {
	history   ports.OrderHistory
	directory ports.Directory
	notifier  Notifier
	policy    Policy
	logger    *zap.Logger
	recorder  Recorder
}

// Option настраивает Detector.
type Option func(*Detector)

// WithLogger подключает журналирование.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithRecorder подключает метрики.
func WithRecorder(r Recorder) Option {
	return func(d *Detector) {
		d.recorder = r
	}
}

// New создаёт детектор.
func New(history ports.OrderHistory, directory ports.Directory, notifier Notifier, p Policy, opts ...Option) (*Detector, error) {
	if history == nil {
		return nil, fmt.Errorf("order history is required")
	}
	if p.Window <= 0 || p.MinCluster < 2 {
		return nil, fmt.Errorf("suspicion policy requires positive window and cluster of at least 2")
	}

	d := &Detector{
		history:   history,
		directory: directory,
		notifier:  notifier,
		policy:    p,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Evaluate оценивает только что созданный заказ. Пометка всей серии сохраняется одной транзакцией,
// уведомления отправляются после коммита и на результат не влияют.
func (d *Detector) Evaluate(ctx context.Context, orderID int64) (*Verdict, error) {
	tx, err := d.history.BeginOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin orders tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}

	if err := tx.LockCustomer(ctx, order.CustomerID); err != nil {
		return nil, fmt.Errorf("lock customer %d: %w", order.CustomerID, err)
	}

	// После блокировки статус мог измениться.
	order, err = tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("reload order %d: %w", orderID, err)
	}
	if order.Status != model.OrderStatusPending {
		return &Verdict{}, nil
	}

	latest, err := tx.LatestSuspicious(ctx, order.CustomerID, model.OpenOrderStatuses, order.CreatedAt, order.ID)
	if err != nil {
		return nil, fmt.Errorf("latest suspicious order: %w", err)
	}

	candidates, err := tx.OrdersBetween(ctx, order.CustomerID, model.OpenOrderStatuses,
		order.CreatedAt.Add(-d.policy.Window), order.CreatedAt, order.ID)
	if err != nil {
		return nil, fmt.Errorf("orders in window: %w", err)
	}

	v := Cluster(*order, latest, candidates, d.policy)
	if !v.Flagged {
		return &v, nil
	}

	if err := tx.MarkSuspicious(ctx, v.OrderIDs, v.Reason); err != nil {
		return nil, fmt.Errorf("mark suspicious: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit orders tx: %w", err)
	}

	d.logger.Info("suspicious orders flagged",
		zap.Int64("customerID", order.CustomerID),
		zap.Int64s("orders", v.OrderIDs),
		zap.String("reason", v.Reason),
	)
	if d.recorder != nil {
		d.recorder.AddOrdersFlagged(len(v.OrderIDs))
	}

	d.notifyStaff(ctx, order.CustomerID, v)
	return &v, nil
}

// Clear снимает пометку с одного заказа. Соседние заказы серии не меняются.
func (d *Detector) Clear(ctx context.Context, orderID int64) error {
	tx, err := d.history.BeginOrders(ctx)
	if err != nil {
		return fmt.Errorf("begin orders tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.ClearSuspicious(ctx, orderID); err != nil {
		return fmt.Errorf("clear suspicious order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit orders tx: %w", err)
	}
	return nil
}

func (d *Detector) notifyStaff(ctx context.Context, customerID int64, v Verdict) {
	if d.directory == nil || d.notifier == nil {
		return
	}

	recipients, err := d.recipients(ctx)
	if err != nil {
		d.logger.Error("resolve suspicious order recipients", zap.Error(err))
		return
	}

	n := model.Notification{
		Kind:     NotificationKind,
		Title:    "Suspicious orders detected",
		Body:     fmt.Sprintf("Customer #%d: %s", customerID, v.Reason),
		OrderIDs: v.OrderIDs,
	}
	for _, uid := range recipients {
		d.notifier.Dispatch(ctx, uid, n)
	}
}

func (d *Detector) recipients(ctx context.Context) ([]int64, error) {
	admins, err := d.directory.UsersWithRole(ctx, model.RoleAdministrator)
	if err != nil {
		return nil, fmt.Errorf("users with role: %w", err)
	}
	viewers, err := d.directory.UsersWithPermission(ctx, model.PermissionViewOrders)
	if err != nil {
		return nil, fmt.Errorf("users with permission: %w", err)
	}

	seen := make(map[int64]struct{}, len(admins)+len(viewers))
	var out []int64
	for _, id := range append(admins, viewers...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
