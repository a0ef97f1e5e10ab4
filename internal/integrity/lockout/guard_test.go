package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/agromarket/internal/model"
	"github.com/mmeshcher/agromarket/internal/repository"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type lockRecorder struct {
	failures int
	levels   []int
}

func (r *lockRecorder) IncLoginFailure() { r.failures++ }

func (r *lockRecorder) IncLockout(level int) { r.levels = append(r.levels, level) }

var testKey = model.LoginKey{Identifier: "farmer@example.com", UserType: model.UserTypeCustomer, Source: "10.0.0.1"}

func newGuard(t *testing.T) (*Guard, *fakeClock, *repository.MemoryRepository, *lockRecorder) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository()
	rec := &lockRecorder{}
	g, err := New(repo, repo, DefaultPolicy(), WithClock(clock.Now), WithRecorder(rec))
	require.NoError(t, err)
	return g, clock, repo, rec
}

func failUntilLocked(t *testing.T, g *Guard, clock *fakeClock) *LockedError {
	t.Helper()

	ctx := context.Background()
	for i := 1; i < 5; i++ {
		st, err := g.RecordFailure(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, 5-i, st.AttemptsRemaining)
		clock.Advance(10 * time.Second)
	}

	_, err := g.RecordFailure(ctx, testKey)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	return locked
}

func TestGuard_EscalatesLevels(t *testing.T) {
	g, clock, _, rec := newGuard(t)
	ctx := context.Background()

	first := failUntilLocked(t, g, clock)
	assert.Equal(t, 1, first.Level)
	assert.Equal(t, 300, first.RemainingSeconds)
	assert.Equal(t, 5, first.Attempts)

	clock.Advance(2 * time.Minute)
	_, err := g.Check(ctx, testKey)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 180, locked.RemainingSeconds)

	clock.Advance(3 * time.Minute)
	st, err := g.Check(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 5, st.AttemptsRemaining)
	assert.Equal(t, 1, st.Level)

	second := failUntilLocked(t, g, clock)
	assert.Equal(t, 2, second.Level)
	assert.Equal(t, 900, second.RemainingSeconds)
	assert.Greater(t, second.RemainingSeconds, first.RemainingSeconds)

	assert.Equal(t, []int{1, 2}, rec.levels)
	assert.Equal(t, 10, rec.failures)
}

func TestGuard_SuccessResetsLevel(t *testing.T) {
	g, clock, repo, _ := newGuard(t)
	ctx := context.Background()

	failUntilLocked(t, g, clock)
	clock.Advance(5 * time.Minute)

	require.NoError(t, g.Clear(ctx, testKey))

	st, err := g.Check(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Level)
	assert.Equal(t, 5, st.AttemptsRemaining)

	state, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, state)

	// После сброса следующая блокировка снова первого уровня.
	locked := failUntilLocked(t, g, clock)
	assert.Equal(t, 1, locked.Level)
}

func TestGuard_KeysAreIndependent(t *testing.T) {
	g, clock, _, _ := newGuard(t)
	ctx := context.Background()

	failUntilLocked(t, g, clock)

	other := testKey
	other.Source = "10.0.0.2"
	st, err := g.Check(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 5, st.AttemptsRemaining)

	member := testKey
	member.UserType = model.UserTypeMember
	_, err = g.Check(ctx, member)
	assert.NoError(t, err)
}

func TestGuard_FailuresWhileLockedDoNotCarryOver(t *testing.T) {
	g, clock, _, _ := newGuard(t)
	ctx := context.Background()

	failUntilLocked(t, g, clock)
	clock.Advance(time.Minute)

	_, err := g.RecordFailure(ctx, testKey)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 1, locked.Level)

	clock.Advance(4 * time.Minute)
	st, err := g.Check(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Attempts)
}

func TestGuard_PruneKeepsLevel(t *testing.T) {
	g, clock, repo, _ := newGuard(t)
	ctx := context.Background()

	failUntilLocked(t, g, clock)
	clock.Advance(25 * time.Hour)

	n, err := g.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	state, err := repo.Get(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.Level)
}

func TestNext(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	expired := now.Add(-time.Minute)

	tests := []struct {
		name      string
		state     model.LoginAttemptState
		event     Event
		wantLevel int
		wantLock  bool
		wantJust  bool
	}{
		{
			name:      "failure below threshold",
			state:     model.LoginAttemptState{},
			event:     Event{Kind: EventFailure, Failures: 4},
			wantLevel: 0,
		},
		{
			name:      "failure reaches threshold",
			state:     model.LoginAttemptState{},
			event:     Event{Kind: EventFailure, Failures: 5},
			wantLevel: 1,
			wantLock:  true,
			wantJust:  true,
		},
		{
			name:      "check while locked",
			state:     model.LoginAttemptState{Level: 2, LockedUntil: &until},
			event:     Event{Kind: EventCheck},
			wantLevel: 2,
			wantLock:  true,
		},
		{
			name:      "expired lock keeps level",
			state:     model.LoginAttemptState{Level: 2, Failures: 5, LockedUntil: &expired},
			event:     Event{Kind: EventCheck},
			wantLevel: 2,
		},
		{
			name:      "escalation from level two",
			state:     model.LoginAttemptState{Level: 2, LockedUntil: &expired},
			event:     Event{Kind: EventFailure, Failures: 5},
			wantLevel: 3,
			wantLock:  true,
			wantJust:  true,
		},
		{
			name:      "success resets",
			state:     model.LoginAttemptState{Level: 4, LockedUntil: &until},
			event:     Event{Kind: EventSuccess},
			wantLevel: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, out := Next(tt.state, tt.event, now, p)
			assert.Equal(t, tt.wantLevel, next.Level)
			assert.Equal(t, tt.wantLock, out.Locked)
			assert.Equal(t, tt.wantJust, out.JustLocked)
			if tt.wantJust {
				require.NotNil(t, next.LockedUntil)
				assert.Equal(t, now.Add(p.Duration(tt.wantLevel)), *next.LockedUntil)
			}
		})
	}
}

func TestPolicyDuration(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5*time.Minute, p.Duration(1))
	assert.Equal(t, 15*time.Minute, p.Duration(2))
	assert.Equal(t, time.Hour, p.Duration(3))
	assert.Equal(t, 6*time.Hour, p.Duration(4))
	assert.Equal(t, 24*time.Hour, p.Duration(5))
	assert.Equal(t, 24*time.Hour, p.Duration(9))
}
