package access

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/procmon/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.Local)
}

func setup() (*Controller, *storage.State) {
	return NewController(zerolog.Nop()), storage.NewState("2024-03-01")
}

func TestLock_WithExpiryReEnablesExactlyAtExpiry(t *testing.T) {
	c, state := setup()
	lockedAt := at(14, 0)

	tr, err := c.Lock(state, "alice", "homework", 2*time.Hour, "root", lockedAt)
	require.NoError(t, err)
	assert.True(t, tr.Locks())
	assert.Equal(t, storage.AccessLocked, state.Access["alice"].State)

	// One second before expiry nothing changes.
	assert.Empty(t, c.Evaluate(state, lockedAt.Add(2*time.Hour-time.Second)))
	assert.Equal(t, storage.AccessLocked, state.Access["alice"].State)

	transitions := c.Evaluate(state, lockedAt.Add(2*time.Hour))
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Unlocks())

	rec := state.Access["alice"]
	assert.Equal(t, storage.AccessActive, rec.State)
	assert.Nil(t, rec.ExpiresAt)
	assert.Nil(t, rec.LockedAt)
	assert.Empty(t, rec.Reason)
}

func TestLock_WithoutExpiryPersists(t *testing.T) {
	c, state := setup()

	_, err := c.Lock(state, "alice", "", 0, "root", at(9, 0))
	require.NoError(t, err)
	assert.Equal(t, "locked by administrator", state.Access["alice"].Reason)

	for _, now := range []time.Time{at(10, 0), at(23, 59), at(9, 0).AddDate(0, 0, 30)} {
		assert.Empty(t, c.Evaluate(state, now))
	}
	assert.Equal(t, storage.AccessLocked, state.Access["alice"].State)

	tr, err := c.Unlock(state, "alice", "root", at(11, 0))
	require.NoError(t, err)
	assert.True(t, tr.Unlocks())
	assert.Equal(t, storage.AccessActive, state.Access["alice"].State)
}

func TestLock_Validation(t *testing.T) {
	c, state := setup()

	_, err := c.Lock(state, "", "x", 0, "root", at(9, 0))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = c.Lock(state, "alice", "x", -time.Minute, "root", at(9, 0))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = c.Unlock(state, "alice", "root", at(9, 0))
	assert.True(t, errors.Is(err, ErrNotLocked))
}

func TestAllowedHours_LockAndUnlock(t *testing.T) {
	c, state := setup()
	require.NoError(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 8, End: 21}))

	assert.Empty(t, c.Evaluate(state, at(20, 59)))

	transitions := c.Evaluate(state, at(21, 0))
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Locks())
	assert.Equal(t, ReasonOutsideHours, transitions[0].Reason)
	rec := state.Access["bob"]
	assert.Equal(t, storage.AccessScheduleLocked, rec.State)
	assert.Nil(t, rec.ExpiresAt)

	// Still outside the window overnight.
	assert.Empty(t, c.Evaluate(state, at(23, 0)))
	assert.Empty(t, c.Evaluate(state, at(7, 59).AddDate(0, 0, 1)))

	transitions = c.Evaluate(state, at(8, 0).AddDate(0, 0, 1))
	require.Len(t, transitions, 1)
	assert.True(t, transitions[0].Unlocks())
	assert.Equal(t, storage.AccessActive, state.Access["bob"].State)
	require.NotNil(t, state.Access["bob"].Hours)
}

func TestAllowedHours_ManualLockTakesPrecedence(t *testing.T) {
	c, state := setup()
	require.NoError(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 8, End: 21}))

	require.Len(t, c.Evaluate(state, at(22, 0)), 1)

	_, err := c.Lock(state, "bob", "grounded", 0, "root", at(22, 30))
	require.NoError(t, err)

	// Inside the window a manual lock is not lifted.
	assert.Empty(t, c.Evaluate(state, at(9, 0).AddDate(0, 0, 1)))
	assert.Equal(t, storage.AccessLocked, state.Access["bob"].State)
}

func TestAllowedHours_UnlockOutsideWindowIsReapplied(t *testing.T) {
	c, state := setup()
	require.NoError(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 8, End: 21}))
	require.Len(t, c.Evaluate(state, at(22, 0)), 1)

	_, err := c.Unlock(state, "bob", "root", at(22, 5))
	require.NoError(t, err)
	assert.Equal(t, storage.AccessActive, state.Access["bob"].State)

	require.Len(t, c.Evaluate(state, at(22, 6)), 1)
	assert.Equal(t, storage.AccessScheduleLocked, state.Access["bob"].State)
}

func TestClearHours_LiftsScheduleLock(t *testing.T) {
	c, state := setup()
	require.NoError(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 8, End: 21}))
	require.Len(t, c.Evaluate(state, at(22, 0)), 1)

	tr, ok := c.ClearHours(state, "bob", at(22, 10))
	require.True(t, ok)
	assert.True(t, tr.Unlocks())
	assert.Nil(t, state.Access["bob"].Hours)
	assert.Empty(t, c.Evaluate(state, at(23, 0)))

	_, ok = c.ClearHours(state, "nobody", at(22, 10))
	assert.False(t, ok)
}

func TestSetHours_RejectsInvalidWindow(t *testing.T) {
	c, state := setup()
	assert.ErrorIs(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 9, End: 9}), ErrInvalid)
	assert.ErrorIs(t, c.SetHours(state, "bob", storage.AllowedHours{Start: 25, End: 9}), ErrInvalid)
	assert.NotContains(t, state.Access, "bob")
}

func TestLock_ProtectedAccountLeavesStateUntouched(t *testing.T) {
	c, state := setup()

	_, err := c.Lock(state, "root", "x", 0, "admin", at(9, 0))
	assert.ErrorIs(t, err, ErrProtected)
	assert.ErrorIs(t, c.SetHours(state, "root", storage.AllowedHours{Start: 8, End: 21}), ErrProtected)
	assert.NotContains(t, state.Access, "root")
	assert.Empty(t, c.Evaluate(state, at(23, 0)))
}

func TestStatusOf(t *testing.T) {
	c, state := setup()

	s := c.StatusOf(state, "nobody", at(12, 0))
	assert.Equal(t, storage.AccessActive, s.State)
	assert.True(t, s.InWindow)

	_, err := c.Lock(state, "alice", "homework", time.Hour, "root", at(12, 0))
	require.NoError(t, err)

	s = c.StatusOf(state, "alice", at(12, 15))
	assert.Equal(t, storage.AccessLocked, s.State)
	assert.Equal(t, 45*time.Minute, s.Remaining)
	assert.Equal(t, "root", s.LockedBy)

	assert.Equal(t, []string{"alice"}, c.Locked(state))
	assert.Len(t, c.Statuses(state, at(12, 15)), 1)
}
