package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/agromarket/internal/model"
)

// Append добавляет событие в журнал ключа одной вставкой.
func (r *PostgresRepository) Append(ctx context.Context, key string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO timed_events (key, occurred_at) VALUES ($1, $2)`, key, at)
	if err != nil {
		return fmt.Errorf("insert timed event: %w", err)
	}
	return nil
}

// CountSince возвращает число событий ключа начиная с since и время самого старого из них.
func (r *PostgresRepository) CountSince(ctx context.Context, key string, since time.Time) (int, time.Time, error) {
	var (
		count  int
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(occurred_at) FROM timed_events WHERE key = $1 AND occurred_at >= $2`,
		key, since,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count timed events: %w", err)
	}
	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

// Reset удаляет все события ключа.
func (r *PostgresRepository) Reset(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM timed_events WHERE key = $1`, key); err != nil {
		return fmt.Errorf("reset timed events: %w", err)
	}
	return nil
}

// PruneKey удаляет события ключа старше before.
func (r *PostgresRepository) PruneKey(ctx context.Context, key string, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM timed_events WHERE key = $1 AND occurred_at < $2`, key, before)
	if err != nil {
		return 0, fmt.Errorf("prune timed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Prune удаляет события всех ключей с префиксом prefix старше before.
func (r *PostgresRepository) Prune(ctx context.Context, prefix string, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM timed_events WHERE starts_with(key, $1) AND occurred_at < $2`,
		prefix, before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune timed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

const loginStateColumns = `identifier, user_type, source, failures, lock_level, locked_until, cycle_start, updated_at`

// Get возвращает состояние блокировки ключа или nil, если попыток не было.
func (r *PostgresRepository) Get(ctx context.Context, key model.LoginKey) (*model.LoginAttemptState, error) {
	s, err := scanLoginState(r.pool.QueryRow(ctx,
		`SELECT `+loginStateColumns+` FROM login_attempts
		 WHERE identifier = $1 AND user_type = $2 AND source = $3`,
		key.Identifier, string(key.UserType), key.Source,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get login attempt state: %w", err)
	}
	return s, nil
}

// Apply изменяет состояние ключа под блокировкой строки.
func (r *PostgresRepository) Apply(ctx context.Context, key model.LoginKey, fn func(cur model.LoginAttemptState) (model.LoginAttemptState, error)) (*model.LoginAttemptState, error) {
	var out *model.LoginAttemptState
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO login_attempts (identifier, user_type, source, cycle_start)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			key.Identifier, string(key.UserType), key.Source, time.Time{},
		)
		if err != nil {
			return fmt.Errorf("ensure login attempt state: %w", err)
		}

		cur, err := scanLoginState(tx.QueryRow(ctx,
			`SELECT `+loginStateColumns+` FROM login_attempts
			 WHERE identifier = $1 AND user_type = $2 AND source = $3
			 FOR UPDATE`,
			key.Identifier, string(key.UserType), key.Source,
		))
		if err != nil {
			return fmt.Errorf("lock login attempt state: %w", err)
		}

		next, err := fn(*cur)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE login_attempts
			 SET failures = $4, lock_level = $5, locked_until = $6, cycle_start = $7, updated_at = $8
			 WHERE identifier = $1 AND user_type = $2 AND source = $3`,
			key.Identifier, string(key.UserType), key.Source,
			next.Failures, next.Level, next.LockedUntil, next.CycleStart, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update login attempt state: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		next.Key = key
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete удаляет состояние ключа.
func (r *PostgresRepository) Delete(ctx context.Context, key model.LoginKey) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM login_attempts WHERE identifier = $1 AND user_type = $2 AND source = $3`,
		key.Identifier, string(key.UserType), key.Source,
	)
	if err != nil {
		return fmt.Errorf("delete login attempt state: %w", err)
	}
	return nil
}

func scanLoginState(row pgx.Row) (*model.LoginAttemptState, error) {
	var (
		s        model.LoginAttemptState
		userType string
	)
	err := row.Scan(&s.Key.Identifier, &userType, &s.Key.Source,
		&s.Failures, &s.Level, &s.LockedUntil, &s.CycleStart, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Key.UserType = model.UserType(userType)
	return &s, nil
}
