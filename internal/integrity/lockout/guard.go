// Package lockout реализует прогрессивную блокировку входа после серии неудачных попыток.
package lockout

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/ports"
)

const keyPrefix = "login:"

// LockedError возвращается, пока ключ заблокирован. Содержит данные для обратного отсчёта.
type LockedError struct {
	RemainingSeconds int
	Attempts         int
	Level            int
	LockedUntil      time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed login attempts, try again in %d seconds", e.RemainingSeconds)
}

// Status описывает состояние незаблокированного ключа.
type Status struct {
	Attempts          int
	AttemptsRemaining int
	Level             int
}

// Recorder получает события блокировщика для метрик.
type Recorder interface {
	IncLoginFailure()
	IncLockout(level int)
}

// Guard блокирует вход по хранилищу состояний и журналу неудач.
type Guard struct {
	states   ports.LoginAttemptStore
	failures ports.TimedCounter
	policy   Policy
	now      func() time.Time
	logger   *zap.Logger
	recorder Recorder
}

// Option настраивает Guard.
type Option func(*Guard)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger подключает журналирование блокировок.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithRecorder подключает метрики.
func WithRecorder(r Recorder) Option {
	return func(g *Guard) {
		g.recorder = r
	}
}

// New создаёт блокировщик.
func New(states ports.LoginAttemptStore, failures ports.TimedCounter, p Policy, opts ...Option) (*Guard, error) {
	if states == nil || failures == nil {
		return nil, fmt.Errorf("lockout stores are required")
	}
	if p.MaxAttempts <= 0 || len(p.Durations) == 0 {
		return nil, fmt.Errorf("lockout policy requires max attempts and durations")
	}

	g := &Guard{
		states:   states,
		failures: failures,
		policy:   p,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Check вызывается до сравнения пароля. Для заблокированного ключа возвращает *LockedError.
func (g *Guard) Check(ctx context.Context, key model.LoginKey) (*Status, error) {
	now := g.now()
	cur, err := g.states.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get login attempt state: %w", err)
	}

	s := model.LoginAttemptState{Key: key}
	if cur != nil {
		s = *cur
	}
	s = Effective(s, now)
	if s.IsLocked(now) {
		_, out := Next(s, Event{Kind: EventCheck}, now, g.policy)
		return nil, lockedError(out, now)
	}

	n, _, err := g.failures.CountSince(ctx, key.String(), s.CycleStart)
	if err != nil {
		return nil, fmt.Errorf("count login failures: %w", err)
	}
	s.Failures = n

	_, out := Next(s, Event{Kind: EventCheck}, now, g.policy)
	return &Status{Attempts: out.Attempts, AttemptsRemaining: out.AttemptsRemaining, Level: out.Level}, nil
}

// RecordFailure фиксирует неудачную попытку и при достижении порога блокирует ключ
// на следующий уровень. Если именно эта попытка привела к блокировке, возвращает *LockedError.
func (g *Guard) RecordFailure(ctx context.Context, key model.LoginKey) (*Status, error) {
	now := g.now()
	if err := g.failures.Append(ctx, key.String(), now); err != nil {
		return nil, fmt.Errorf("append login failure: %w", err)
	}
	if g.recorder != nil {
		g.recorder.IncLoginFailure()
	}

	var out Outcome
	_, err := g.states.Apply(ctx, key, func(cur model.LoginAttemptState) (model.LoginAttemptState, error) {
		cur.Key = key
		s := Effective(cur, now)
		if s.IsLocked(now) {
			next, o := Next(s, Event{Kind: EventFailure}, now, g.policy)
			out = o
			return next, nil
		}

		n, _, err := g.failures.CountSince(ctx, key.String(), s.CycleStart)
		if err != nil {
			return cur, fmt.Errorf("count login failures: %w", err)
		}
		next, o := Next(s, Event{Kind: EventFailure, Failures: n}, now, g.policy)
		out = o
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply login failure: %w", err)
	}

	if out.JustLocked {
		g.logger.Info("login lockout triggered",
			zap.String("identifier", key.Identifier),
			zap.String("user_type", string(key.UserType)),
			zap.String("source", key.Source),
			zap.Int("level", out.Level),
			zap.Time("locked_until", out.LockedUntil),
		)
		if g.recorder != nil {
			g.recorder.IncLockout(out.Level)
		}
	}
	if out.Locked {
		return nil, lockedError(out, now)
	}

	return &Status{Attempts: out.Attempts, AttemptsRemaining: out.AttemptsRemaining, Level: out.Level}, nil
}

// Clear сбрасывает состояние ключа после успешного входа, включая уровень.
func (g *Guard) Clear(ctx context.Context, key model.LoginKey) error {
	if err := g.states.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete login attempt state: %w", err)
	}
	if err := g.failures.Reset(ctx, key.String()); err != nil {
		return fmt.Errorf("reset login failures: %w", err)
	}
	return nil
}

// Prune забывает неудачные попытки старше FailureTTL. Уровни блокировок не трогает.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	if g.policy.FailureTTL <= 0 {
		return 0, nil
	}
	n, err := g.failures.Prune(ctx, keyPrefix, g.now().Add(-g.policy.FailureTTL))
	if err != nil {
		return 0, fmt.Errorf("prune login failures: %w", err)
	}
	return n, nil
}

func lockedError(out Outcome, now time.Time) *LockedError {
	return &LockedError{
		RemainingSeconds: int(math.Ceil(out.LockedUntil.Sub(now).Seconds())),
		Attempts:         out.Attempts,
		Level:            out.Level,
		LockedUntil:      out.LockedUntil,
	}
}
