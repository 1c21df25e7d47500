package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/notify"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/goodtune/procmon/internal/process"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/goodtune/procmon/internal/storage/file"
	"github.com/goodtune/procmon/internal/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
monitor:
  check_interval: 5s
  monitored_users: [alice]
  blocked_processes: [torrent]
  limited_processes:
    firefox: 1
  process_groups:
    games: [minecraft, steam]
  group_limits:
    games: 2
  warning_intervals: [30]
  usage_log_interval: 0s
access:
  enabled: true
  check_interval: 1m
storage:
  path: %[1]s/state.json
history:
  enabled: true
  path: %[1]s/history.db
admin:
  socket: %[1]s/admin.sock
`

type fakeSampler struct {
	mu    sync.Mutex
	obs   []policy.Observation
	err   error
	calls int
}

func (f *fakeSampler) Sample(ctx context.Context) ([]policy.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]policy.Observation(nil), f.obs...), f.err
}

func (f *fakeSampler) set(obs ...policy.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = obs
}

func (f *fakeSampler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTerminator struct {
	mu   sync.Mutex
	pids []int32
	errs map[int32]error
}

func (f *fakeTerminator) Terminate(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[pid]; ok {
		return err
	}
	f.pids = append(f.pids, pid)
	return nil
}

func (f *fakeTerminator) terminated() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.pids...)
}

type sentWarning struct {
	user string
	msg  notify.Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentWarning
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, user string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentWarning{user, msg})
	return f.err
}

type fakeAccounts struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAccounts) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeAccounts) Lock(ctx context.Context, user, reason string) error {
	f.record("lock:" + user)
	return nil
}

func (f *fakeAccounts) Unlock(ctx context.Context, user string) error {
	f.record("unlock:" + user)
	return nil
}

func (f *fakeAccounts) TerminateSessions(ctx context.Context, user string) error {
	f.record("logout:" + user)
	return nil
}

func (f *fakeAccounts) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

// flakyStore is a file store whose saves can be made to fail.
type flakyStore struct {
	*file.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) Save(ctx context.Context, state *storage.State) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, state)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

type fixture struct {
	m        *Monitor
	cfg      *config.Manager
	store    *flakyStore
	history  *database.DB
	sampler  *fakeSampler
	term     *fakeTerminator
	notifier *fakeNotifier
	accounts *fakeAccounts
	clock    *policy.TestClock
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "procmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dir)), 0644))
	cfg, err := config.NewManager(path, zerolog.Nop())
	require.NoError(t, err)

	fs, err := file.Open(cfg.Current().Storage.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	db, err := database.New(cfg.Current().History.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		cfg:      cfg,
		store:    &flakyStore{Store: fs},
		history:  db,
		sampler:  &fakeSampler{},
		term:     &fakeTerminator{},
		notifier: &fakeNotifier{},
		accounts: &fakeAccounts{},
		clock:    policy.NewTestClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)),
		dir:      dir,
	}

	f.m, err = New(context.Background(), Options{
		Config:     cfg,
		Store:      f.store,
		History:    db,
		Sampler:    f.sampler,
		Terminator: f.term,
		Notifier:   f.notifier,
		Accounts:   f.accounts,
		Clock:      f.clock,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

// ticks runs n enforcement ticks, advancing the clock by the tick length
// before each.
func (f *fixture) ticks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.clock.Advance(5 * time.Second)
		require.NoError(t, f.m.EnforceTick(context.Background()))
	}
}

func (f *fixture) saved(t *testing.T) *storage.State {
	t.Helper()
	state, err := file.Read(f.store.Path())
	require.NoError(t, err)
	return state
}

func obs(user, name string, pid int32) policy.Observation {
	return policy.Observation{User: user, Name: name, PID: pid}
}

func TestNew_MissingCollaborator(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestEnforceTick_AccruesAndPersists(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(
		obs("alice", "firefox", 100),
		obs("alice", "firefox-bin", 101),
		obs("bob", "firefox", 200),
	)

	f.ticks(t, 3)

	stats := f.m.Usage("alice")
	require.NotEmpty(t, stats)
	assert.Equal(t, "app:firefox", stats[0].Scope)
	assert.Equal(t, 15*time.Second, stats[0].Used)
	assert.Equal(t, 45*time.Second, stats[0].Remaining)

	saved := f.saved(t)
	assert.Equal(t, int64(15), saved.Usage["alice"]["app:firefox"].Seconds)
	assert.NotContains(t, saved.Usage, "bob", "unmonitored users are not accounted")
}

func TestEnforceTick_WarnsOnceThenTerminates(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "firefox", 100))

	f.ticks(t, 5)
	assert.Empty(t, f.notifier.sent)

	f.ticks(t, 1) // 30s used, 30s remaining
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "alice", f.notifier.sent[0].user)
	assert.Contains(t, f.notifier.sent[0].msg.Body, "firefox")

	f.ticks(t, 5)
	assert.Empty(t, f.term.terminated())

	f.ticks(t, 1) // 60s used
	assert.Equal(t, []int32{100}, f.term.terminated())
	assert.Len(t, f.notifier.sent, 1, "a threshold fires once per day")
}

func TestEnforceTick_GroupLimitKeepsIndividualSiblingsRunning(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "minecraft", 300), obs("alice", "steam", 301), obs("alice", "code", 302))

	f.ticks(t, 24) // 2 minutes of group time

	assert.ElementsMatch(t, []int32{300, 301}, f.term.terminated())
	stats := f.m.Usage("alice")
	var group usage.Stats
	for _, s := range stats {
		if s.Scope == "group:games" {
			group = s
		}
	}
	assert.Equal(t, 2*time.Minute, group.Used, "group time is wall-clock, not the sum of members")
	assert.True(t, group.Exceeded)
}

func TestEnforceTick_BlockedNotAccrued(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "torrent-client", 400))

	f.ticks(t, 1)

	assert.Equal(t, []int32{400}, f.term.terminated())
	assert.Empty(t, f.m.Usage(""))
}

func TestEnforceTick_TerminationFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.term.errs = map[int32]error{
		400: process.ErrNotFound,
		401: process.ErrPermission,
	}
	f.sampler.set(obs("alice", "torrent", 400), obs("alice", "torrent", 401), obs("alice", "torrent", 402))

	f.ticks(t, 1)
	assert.Equal(t, []int32{402}, f.term.terminated())
}

func TestEnforceTick_SampleError(t *testing.T) {
	f := newFixture(t)
	f.sampler.err = errors.New("proc unavailable")

	assert.Error(t, f.m.EnforceTick(context.Background()))
}

func TestEnforceTick_PersistFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "firefox", 100))

	f.ticks(t, 1)
	f.store.setFail(true)

	f.clock.Advance(5 * time.Second)
	require.Error(t, f.m.EnforceTick(context.Background()))
	assert.Equal(t, int64(5), f.saved(t).Usage["alice"]["app:firefox"].Seconds, "durable copy is the previous snapshot")

	f.store.setFail(false)
	f.ticks(t, 1)
	assert.Equal(t, int64(15), f.saved(t).Usage["alice"]["app:firefox"].Seconds)
}

func TestEnforceTick_ReloadAfterFailedSaveIsConsistent(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "firefox", 100), obs("alice", "minecraft", 101))

	f.ticks(t, 2)
	before := f.saved(t)

	f.store.setFail(true)
	f.clock.Advance(5 * time.Second)
	_ = f.m.EnforceTick(context.Background())

	after := f.saved(t)
	assert.Equal(t, before.Usage, after.Usage)
	assert.Equal(t, before.Warnings, after.Warnings)
}

func TestEnforceTick_DisabledMonitoring(t *testing.T) {
	f := newFixture(t)
	_, err := f.cfg.Update(func(c *config.Config) error {
		c.Monitor.Enabled = false
		return nil
	})
	require.NoError(t, err)

	f.sampler.set(obs("alice", "torrent", 400), obs("alice", "firefox", 100))
	f.ticks(t, 2)

	assert.Empty(t, f.term.terminated())
	assert.Empty(t, f.m.Usage(""))
}

func TestEnforceTick_ConfigChangeTakesEffectNextTick(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "code", 500))

	f.ticks(t, 1)
	assert.Empty(t, f.term.terminated())

	_, err := f.cfg.Update(func(c *config.Config) error {
		c.Monitor.BlockedProcesses = append(c.Monitor.BlockedProcesses, "code")
		return nil
	})
	require.NoError(t, err)

	f.ticks(t, 1)
	assert.Equal(t, []int32{500}, f.term.terminated())
}

func TestRollover_ArchivesAndResets(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "firefox", 100))
	f.ticks(t, 6)
	require.Len(t, f.notifier.sent, 1)

	f.clock.Set(time.Date(2026, 3, 3, 0, 0, 1, 0, time.Local))
	f.sampler.set()
	require.NoError(t, f.m.EnforceTick(context.Background()))

	assert.Empty(t, f.m.Usage(""))
	saved := f.saved(t)
	assert.Equal(t, "2026-03-03", saved.Day)
	assert.Empty(t, saved.Warnings)

	rows, err := f.m.UsageHistory(context.Background(), database.UsageFilter{User: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-03-02", rows[0].Date)
	assert.Equal(t, int64(30), rows[0].Seconds)
	assert.Equal(t, int64(60), rows[0].LimitSeconds)

	// Warnings fire again on the new day.
	f.sampler.set(obs("alice", "firefox", 100))
	f.ticks(t, 6)
	assert.Len(t, f.notifier.sent, 2)
}

func TestAccessTick_AllowedHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.SetHours(ctx, "alice", storage.AllowedHours{Start: 8, End: 21})
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, 3, 2, 20, 59, 0, 0, time.Local))
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Empty(t, f.accounts.take())

	f.clock.Set(time.Date(2026, 3, 2, 21, 0, 0, 0, time.Local))
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Equal(t, []string{"lock:alice", "logout:alice"}, f.accounts.take())
	assert.Equal(t, storage.AccessScheduleLocked, f.m.AccessStatus("alice").State)

	// Locks are reasserted while the condition persists.
	f.clock.Set(time.Date(2026, 3, 2, 23, 0, 0, 0, time.Local))
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Equal(t, []string{"lock:alice", "logout:alice"}, f.accounts.take())

	f.clock.Set(time.Date(2026, 3, 3, 8, 0, 0, 0, time.Local))
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Equal(t, []string{"unlock:alice"}, f.accounts.take())
	assert.Equal(t, storage.AccessActive, f.m.AccessStatus("alice").State)

	events, err := f.m.AccessHistory(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLock_ExpiresAfterDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.m.Lock(ctx, "alice", "homework", 2*time.Hour, "parent")
	require.NoError(t, err)
	assert.Equal(t, storage.AccessLocked, status.State)
	assert.Equal(t, "parent", status.LockedBy)
	assert.Equal(t, []string{"lock:alice", "logout:alice"}, f.accounts.take())

	// Administrative commands persist before returning.
	saved := f.saved(t)
	require.Contains(t, saved.Access, "alice")
	assert.Equal(t, storage.AccessLocked, saved.Access["alice"].State)

	f.clock.Advance(2*time.Hour - time.Second)
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Equal(t, storage.AccessLocked, f.m.AccessStatus("alice").State)
	f.accounts.take()

	f.clock.Advance(time.Second)
	require.NoError(t, f.m.AccessTick(ctx))
	assert.Equal(t, storage.AccessActive, f.m.AccessStatus("alice").State)
	assert.Equal(t, []string{"unlock:alice"}, f.accounts.take())
}

func TestLock_RootIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.Lock(ctx, "root", "", 0, "admin")
	assert.ErrorIs(t, err, access.ErrProtected)
	assert.Empty(t, f.accounts.take())
	assert.Empty(t, f.m.AccessStatuses())

	require.NoError(t, f.m.AccessTick(ctx))
	assert.Empty(t, f.accounts.take())
}

func TestUnlockAndClearHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.Unlock(ctx, "alice", "admin")
	assert.Error(t, err, "alice is not locked")

	_, err = f.m.ClearHours(ctx, "alice")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = f.m.SetHours(ctx, "alice", storage.AllowedHours{Start: 8, End: 9})
	require.NoError(t, err)
	require.NoError(t, f.m.AccessTick(ctx))
	require.Equal(t, storage.AccessScheduleLocked, f.m.AccessStatus("alice").State)
	f.accounts.take()

	status, err := f.m.ClearHours(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.AccessActive, status.State)
	assert.Nil(t, status.Hours)
	assert.Equal(t, []string{"unlock:alice"}, f.accounts.take())
}

func TestAccessDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.cfg.Update(func(c *config.Config) error {
		c.Access.Enabled = false
		return nil
	})
	require.NoError(t, err)

	_, err = f.m.Lock(context.Background(), "alice", "", 0, "admin")
	assert.ErrorIs(t, err, ErrAccessDisabled)
	_, err = f.m.SetHours(context.Background(), "alice", storage.AllowedHours{Start: 8, End: 21})
	assert.ErrorIs(t, err, ErrAccessDisabled)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.sampler.set(obs("alice", "firefox", 100))
	f.ticks(t, 2)

	assert.ErrorIs(t, f.m.Reset(context.Background(), "nobody"), ErrUnknownUser)
	require.NoError(t, f.m.Reset(context.Background(), "alice"))

	assert.Empty(t, f.saved(t).Usage)
	stats := f.m.Usage("alice")
	for _, s := range stats {
		assert.Zero(t, s.Used)
	}
}

func TestRun_StopsAndFlushes(t *testing.T) {
	f := newFixture(t)
	_, err := f.cfg.Update(func(c *config.Config) error {
		c.Monitor.CheckInterval = "10ms"
		c.Access.CheckInterval = "10ms"
		return nil
	})
	require.NoError(t, err)
	f.sampler.set(obs("alice", "torrent", 400))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	require.Eventually(t, func() bool { return f.sampler.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotEmpty(t, f.term.terminated())
	assert.Equal(t, "2026-03-02", f.saved(t).Day)
}
