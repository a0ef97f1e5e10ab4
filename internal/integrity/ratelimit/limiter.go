// Package ratelimit ограничивает число оформлений заказа пользователем в скользящем окне.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mmeshcher/agromarket/internal/ports"
)

const keyPrefix = "checkout:"

// Policy задаёт потолок оформлений в окне.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy допускает три оформления за десять минут.
func DefaultPolicy() Policy {
	return Policy{Limit: 3, Window: 10 * time.Minute}
}

// Decision содержит результат проверки.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ExceededError возвращается, когда потолок исчерпан.
type ExceededError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Now       time.Time
}

func (e *ExceededError) Error() string {
	return Message(e.ResetAt.Sub(e.Now))
}

// RetryAfter возвращает время до освобождения слота, не меньше секунды.
func (e *ExceededError) RetryAfter() time.Duration {
	d := e.ResetAt.Sub(e.Now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// Recorder получает события ограничителя для метрик.
type Recorder interface {
	IncCheckoutDecision(allowed bool)
}

// Limiter ограничивает частоту оформлений по журналу событий.
type Limiter struct {
	counter  ports.TimedCounter
	policy   Policy
	now      func() time.Time
	recorder Recorder
	locker   ports.KeyLocker
}

// Option настраивает Limiter.
type Option func(*Limiter)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithRecorder подключает метрики.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		l.recorder = r
	}
}

// WithLocker задаёт блокировку, общую для всех экземпляров сервиса.
// По умолчанию оформления сериализуются только внутри процесса.
func WithLocker(locker ports.KeyLocker) Option {
	return func(l *Limiter) {
		l.locker = locker
	}
}

// New создаёт ограничитель с политикой p.
func New(counter ports.TimedCounter, p Policy, opts ...Option) (*Limiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("rate limit counter is required")
	}
	if p.Limit <= 0 || p.Window <= 0 {
		return nil, fmt.Errorf("rate limit policy must be positive, got %d per %s", p.Limit, p.Window)
	}

	l := &Limiter{counter: counter, policy: p, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.locker == nil {
		l.locker = newLocalLocker()
	}
	return l, nil
}

// Lock захватывает блокировку оформлений пользователя. Её держат от Check до Record,
// иначе параллельные оформления увидят один и тот же счётчик.
func (l *Limiter) Lock(ctx context.Context, userID int64) (func(), error) {
	unlock, err := l.locker.LockKey(ctx, key(userID))
	if err != nil {
		return nil, fmt.Errorf("lock checkout of user %d: %w", userID, err)
	}
	return unlock, nil
}

// Check проверяет, может ли пользователь оформить ещё один заказ. Ничего не записывает.
func (l *Limiter) Check(ctx context.Context, userID int64) (*Decision, error) {
	now := l.now()
	count, oldest, err := l.counter.CountSince(ctx, key(userID), windowStart(now, l.policy.Window))
	if err != nil {
		return nil, fmt.Errorf("count checkout attempts: %w", err)
	}

	d := Evaluate(count, oldest, now, l.policy)
	if l.recorder != nil {
		l.recorder.IncCheckoutDecision(d.Allowed)
	}
	if !d.Allowed {
		return &d, &ExceededError{Limit: d.Limit, Remaining: 0, ResetAt: d.ResetAt, Now: now}
	}
	return &d, nil
}

// Record фиксирует успешное оформление. Вызывается только после коммита списания,
// поэтому неудачные попытки не расходуют лимит.
func (l *Limiter) Record(ctx context.Context, userID int64) error {
	now := l.now()
	k := key(userID)
	if err := l.counter.Append(ctx, k, now); err != nil {
		return fmt.Errorf("record checkout attempt: %w", err)
	}
	if _, err := l.counter.PruneKey(ctx, k, now.Add(-2*l.policy.Window)); err != nil {
		return fmt.Errorf("prune checkout attempts: %w", err)
	}
	return nil
}

// Prune удаляет записи всех пользователей старше двух окон.
func (l *Limiter) Prune(ctx context.Context) (int64, error) {
	n, err := l.counter.Prune(ctx, keyPrefix, l.now().Add(-2*l.policy.Window))
	if err != nil {
		return 0, fmt.Errorf("prune checkout attempts: %w", err)
	}
	return n, nil
}

// windowStart возвращает первый момент окна (now-window, now]. Событие ровно в now-window
// уже не считается, поэтому в объявленный ResetAt слот свободен. Шаг равен точности timestamptz.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window).Add(time.Microsecond)
}

// Evaluate решает, разрешено ли оформление при count событиях в окне, старшее из которых oldest.
func Evaluate(count int, oldest, now time.Time, p Policy) Decision {
	if count >= p.Limit {
		return Decision{
			Allowed:   false,
			Limit:     p.Limit,
			Remaining: 0,
			ResetAt:   oldest.Add(p.Window),
		}
	}

	resetAt := now.Add(p.Window)
	if count > 0 {
		resetAt = oldest.Add(p.Window)
	}
	return Decision{
		Allowed:   true,
		Limit:     p.Limit,
		Remaining: p.Limit - count,
		ResetAt:   resetAt,
	}
}

// Message формирует текст отказа с правильной единицей времени и числом.
func Message(wait time.Duration) string {
	return "Too many checkout attempts. Please try again in " + humanize(wait) + "."
}

func humanize(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	if seconds < 60 {
		return plural(seconds, "second")
	}
	minutes := int(math.Ceil(float64(seconds) / 60))
	return plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}
