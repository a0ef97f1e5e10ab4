package lockout

import (
	"time"

	"github.com/mmeshcher/agromarket/internal/model"
)

// EventKind задаёт вид события для машины состояний блокировки.
type EventKind int

const (
	EventCheck EventKind = iota
	EventFailure
	EventSuccess
)

// Event подаётся на вход машины состояний. Для EventFailure поле Failures содержит число неудачных попыток
// с начала текущего цикла, включая только что зафиксированную.
type Event struct {
	Kind     EventKind
	Failures int
}

// Outcome описывает наблюдаемый результат перехода.
type Outcome struct {
	Locked            bool
	JustLocked        bool
	Level             int
	Attempts          int
	AttemptsRemaining int
	LockedUntil       time.Time
}

// Policy задаёт порог и длительности блокировок по уровням.
type Policy struct {
	MaxAttempts int
	Durations   []time.Duration
	FailureTTL  time.Duration
}

// DefaultPolicy допускает пять попыток, затем блокирует от минут до суток.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Durations: []time.Duration{
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		},
		FailureTTL: 24 * time.Hour,
	}
}

// Duration возвращает длительность блокировки уровня level; последний уровень повторяется.
func (p Policy) Duration(level int) time.Duration {
	if len(p.Durations) == 0 {
		return 0
	}
	if level < 1 {
		level = 1
	}
	if level > len(p.Durations) {
		level = len(p.Durations)
	}
	return p.Durations[level-1]
}

// Effective переводит состояние с истёкшей блокировкой в новый цикл попыток.
// Уровень сохраняется: он сбрасывается только успешным входом.
func Effective(s model.LoginAttemptState, now time.Time) model.LoginAttemptState {
	if s.LockedUntil == nil || now.Before(*s.LockedUntil) {
		return s
	}
	s.CycleStart = *s.LockedUntil
	s.LockedUntil = nil
	s.Failures = 0
	return s
}

// Next вычисляет переход (state, event, now) -> (state, outcome) без побочных эффектов.
func Next(s model.LoginAttemptState, ev Event, now time.Time, p Policy) (model.LoginAttemptState, Outcome) {
	if ev.Kind == EventSuccess {
		return model.LoginAttemptState{Key: s.Key, UpdatedAt: now}, Outcome{AttemptsRemaining: p.MaxAttempts}
	}

	s = Effective(s, now)
	if s.IsLocked(now) {
		return s, lockedOutcome(s, false)
	}

	if ev.Kind == EventCheck {
		return s, Outcome{
			Level:             s.Level,
			Attempts:          s.Failures,
			AttemptsRemaining: remaining(p.MaxAttempts, s.Failures),
		}
	}

	s.Failures = ev.Failures
	s.UpdatedAt = now
	if s.Failures < p.MaxAttempts {
		return s, Outcome{
			Level:             s.Level,
			Attempts:          s.Failures,
			AttemptsRemaining: remaining(p.MaxAttempts, s.Failures),
		}
	}

	s.Level++
	until := now.Add(p.Duration(s.Level))
	s.LockedUntil = &until
	return s, lockedOutcome(s, true)
}

func lockedOutcome(s model.LoginAttemptState, just bool) Outcome {
	return Outcome{
		Locked:      true,
		JustLocked:  just,
		Level:       s.Level,
		Attempts:    s.Failures,
		LockedUntil: *s.LockedUntil,
	}
}

func remaining(limit, failures int) int {
	if failures >= limit {
		return 0
	}
	return limit - failures
}
