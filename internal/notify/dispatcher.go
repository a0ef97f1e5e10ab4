package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/model"
)

// Store сохраняет уведомления.
type Store interface {
	SaveNotification(ctx context.Context, n model.Notification) (int64, error)
}

// Sender доставляет уже сохранённое уведомление во внешнюю систему.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// Dispatcher сохраняет уведомление и передаёт его отправителю. Ошибки только журналируются:
// недоставленное уведомление не должно влиять на вызывающую операцию.
type Dispatcher struct {
	store  Store
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher создаёт диспетчер. sender может быть nil.
func NewDispatcher(store Store, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// Dispatch доставляет уведомление пользователю userID.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, n model.Notification) {
	n.UserID = userID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}

	id, err := d.store.SaveNotification(ctx, n)
	if err != nil {
		d.logger.Error("save notification error",
			zap.Error(err),
			zap.Int64("userID", userID),
			zap.String("kind", n.Kind),
		)
		return
	}
	n.ID = id

	if d.sender == nil {
		return
	}
	if err := d.sender.Send(ctx, n); err != nil {
		d.logger.Warn("webhook delivery error",
			zap.Error(err),
			zap.Int64("userID", userID),
			zap.Int64("notificationID", id),
		)
	}
}
