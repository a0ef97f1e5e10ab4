// Package service реализует бизнес-логику сервиса агромаркета поверх механизмов контроля целостности.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/integrity/ratelimit"
	"github.com/mmeshcher/agromarket/internal/integrity/stock"
	"github.com/mmeshcher/agromarket/internal/integrity/suspicion"
	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmptyCart возвращается при попытке оформить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrForbidden возвращается, если у пользователя нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrUserTypeNotAllowed возвращается при попытке самостоятельно зарегистрировать сотрудника.
	ErrUserTypeNotAllowed = errors.New("user type is not allowed for self-registration")
	// ErrInvalidPrice возвращается для отрицательной цены партии.
	ErrInvalidPrice = errors.New("unit price must not be negative")
)

// InvalidCredentialsError сообщает о неудачной попытке входа и числе оставшихся попыток.
type InvalidCredentialsError struct {
	AttemptsRemaining int
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d attempt(s) remaining", e.AttemptsRemaining)
}

func (e *InvalidCredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	ports.LotLedger

	Close() error
	CreateUser(ctx context.Context, u model.User) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GrantPermission(ctx context.Context, userID int64, permission string) error
	HasPermission(ctx context.Context, userID int64, permission string) (bool, error)
	AddCartItem(ctx context.Context, item model.CartItem) (int64, error)
	ListCart(ctx context.Context, userID int64) ([]model.CartItem, error)
	DeleteCartItem(ctx context.Context, userID, itemID int64) error
	CreateLot(ctx context.Context, lot model.StockLot) (int64, error)
	QuotePrice(ctx context.Context, productID int64, category string) (decimal.Decimal, error)
	GetOrdersByCustomer(ctx context.Context, customerID int64) ([]model.Order, error)
	ListSuspiciousOrders(ctx context.Context) ([]model.Order, error)
	ListNotifications(ctx context.Context, userID int64) ([]model.Notification, error)
}

// Recorder получает события сервиса для метрик.
type Recorder interface {
	IncDetectionFailure()
}

// Controls объединяет механизмы контроля целостности, которыми пользуется сервис.
type Controls struct {
	Allocator *stock.Allocator
	Limiter   *ratelimit.Limiter
	Guard     *lockout.Guard
	Detector  *suspicion.Detector
}

// CheckoutResult содержит результат успешного оформления.
type CheckoutResult struct {
	Order      model.Order
	Allocation *stock.Allocation
	Remaining  int
	ResetAt    time.Time
}

// Service содержит бизнес-логику сервиса агромаркета.
type Service struct {
	repo     Repository
	controls Controls
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	bcryptCost int
	dummyHash  []byte
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRecorder подключает метрики.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithBcryptCost задаёт стоимость bcrypt. В тестах используется bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

// NewService создаёт сервис. Все механизмы контроля обязательны.
func NewService(repo Repository, controls Controls, logger *zap.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if controls.Allocator == nil || controls.Limiter == nil || controls.Guard == nil || controls.Detector == nil {
		return nil, fmt.Errorf("all integrity controls are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:       repo,
		controls:   controls,
		logger:     logger,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Сравнивается с паролем, когда настоящего хеша у пользователя нет.
	dummy, err := bcrypt.GenerateFromPassword([]byte("agromarket-timing-equalizer"), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	s.dummyHash = dummy

	return s, nil
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}
