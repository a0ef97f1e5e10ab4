package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/agromarket/internal/integrity/lockout"
	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/repository"
)

// RegisterUser регистрирует покупателя или участника кооператива.
func (s *Service) RegisterUser(ctx context.Context, login, password string, userType model.UserType) (*model.User, error) {
	if userType != model.UserTypeCustomer && userType != model.UserTypeMember {
		return nil, ErrUserTypeNotAllowed
	}
	return s.createUser(ctx, login, password, userType, "")
}

// EnsureAdmin создаёт сотрудника с ролью администратора, если логин ещё свободен.
func (s *Service) EnsureAdmin(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}
	return s.createUser(ctx, login, password, model.UserTypeStaff, model.RoleAdministrator)
}

func (s *Service) createUser(ctx context.Context, login, password string, userType model.UserType, role string) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := model.User{
		Login:        login,
		PasswordHash: hash,
		Type:         userType,
		Role:         role,
		CreatedAt:    s.now(),
	}
	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	u.ID = id
	return &u, nil
}

// AuthenticateUser проверяет логин и пароль с учётом блокировки по ключу (логин, тип, адрес).
// Возвращает *lockout.LockedError, пока ключ заблокирован, и *InvalidCredentialsError при неудаче.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string, userType model.UserType, source string) (*model.User, error) {
	key := model.LoginKey{Identifier: login, UserType: userType, Source: source}

	if _, err := s.controls.Guard.Check(ctx, key); err != nil {
		var locked *lockout.LockedError
		if errors.As(err, &locked) {
			s.equalizeTiming(password)
			return nil, locked
		}
		return nil, fmt.Errorf("check login lockout: %w", err)
	}

	u, err := s.repo.GetUserByLogin(ctx, login)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		s.equalizeTiming(password)
		return nil, s.loginFailed(ctx, key)
	case err != nil:
		return nil, fmt.Errorf("get user: %w", err)
	}

	if u.Type != userType {
		s.equalizeTiming(password)
		return nil, s.loginFailed(ctx, key)
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, s.loginFailed(ctx, key)
	}

	if err := s.controls.Guard.Clear(ctx, key); err != nil {
		s.logger.Error("clear login lockout error", zap.Error(err), zap.Int64("userID", u.ID))
	}

	return u, nil
}

func (s *Service) loginFailed(ctx context.Context, key model.LoginKey) error {
	st, err := s.controls.Guard.RecordFailure(ctx, key)
	if err != nil {
		var locked *lockout.LockedError
		if errors.As(err, &locked) {
			return locked
		}
		return fmt.Errorf("record login failure: %w", err)
	}
	return &InvalidCredentialsError{AttemptsRemaining: st.AttemptsRemaining}
}

func (s *Service) equalizeTiming(password string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}
