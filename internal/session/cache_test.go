package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newStore(t *testing.T) repository.Store {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCache(t *testing.T, store repository.Store, cfg Config, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{WithTokenCounter(HeuristicCounter{})}, opts...)
	return NewCache(store, cfg, opts...)
}

func msg(t *testing.T, role domain.Role, content string) *domain.Message {
	t.Helper()
	m, err := domain.NewMessage(role, content)
	require.NoError(t, err)
	return &m
}

func TestGetOrCreateMintsSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())

	id, sess, err := c.GetOrCreate(ctx, "", "u1")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^session_[0-9a-f]{12}$`), id)
	require.Equal(t, id, sess.ID)
	require.Equal(t, "u1", sess.Owner)
	require.Empty(t, sess.Messages)

	rec, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "u1", rec.Owner)

	again, _, err := c.GetOrCreate(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, uint64(1), c.Stats().Created)
}

func TestGetOrCreateUsesGivenUnknownID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())

	id, _, err := c.GetOrCreate(ctx, "s-custom", "")
	require.NoError(t, err)
	require.Equal(t, "s-custom", id)

	_, err = store.GetSession(ctx, "s-custom")
	require.NoError(t, err)
}

func TestGetOrCreateRestoresRecentWindow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateSession(ctx, &domain.SessionRecord{ID: "s1", Owner: "u1"}))
	for i := 1; i <= 30; i++ {
		require.NoError(t, store.AppendMessage(ctx, "s1", msg(t, domain.RoleUser, fmt.Sprintf("m%d", i))))
	}

	c := newCache(t, store, DefaultConfig())
	_, sess, err := c.GetOrCreate(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 20)
	require.Equal(t, "m11", sess.Messages[0].Content)
	require.Equal(t, "m30", sess.Messages[19].Content)
	require.Equal(t, uint64(1), c.Stats().Restored)
}

func TestGetOrCreateReturnsClones(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, newStore(t), DefaultConfig())

	id, sess, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)
	sess.Messages = append(sess.Messages, domain.Message{Content: "mutated"})

	cached, ok := c.Get(id)
	require.True(t, ok)
	require.Empty(t, cached.Messages)
}

type failingStore struct {
	repository.Store
	err error
}

func (f failingStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	return nil, f.err
}

func TestGetOrCreateStoreUnavailable(t *testing.T) {
	store := failingStore{Store: newStore(t), err: errors.New("disk on fire")}
	c := newCache(t, store, DefaultConfig())

	_, _, err := c.GetOrCreate(context.Background(), "s1", "")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, 0, c.Stats().ActiveCount)
}

// racingStore reports a miss once, then loses the creation race.
type racingStore struct {
	repository.Store
	missed bool
}

func (r *racingStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	if !r.missed {
		r.missed = true
		return nil, domain.ErrNotFound
	}
	return r.Store.GetSession(ctx, id)
}

func TestGetOrCreateAdoptsDuplicate(t *testing.T) {
	ctx := context.Background()
	inner := newStore(t)
	require.NoError(t, inner.CreateSession(ctx, &domain.SessionRecord{ID: "s1", Owner: "first"}))
	require.NoError(t, inner.AppendMessage(ctx, "s1", msg(t, domain.RoleUser, "earlier")))

	c := newCache(t, &racingStore{Store: inner}, DefaultConfig())
	_, sess, err := c.GetOrCreate(ctx, "s1", "second")
	require.NoError(t, err)
	require.Equal(t, "first", sess.Owner)
	require.Len(t, sess.Messages, 1)
}

func TestConcurrentGetOrCreateCreatesOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCreate(ctx, "shared", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sessions, err := store.ListSessions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, uint64(1), c.Stats().Created)
}

func TestCommitTurnPersistsAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	user := msg(t, domain.RoleUser, "hello")
	require.NoError(t, c.RecordUserMessage(ctx, id, user))
	require.Equal(t, int64(1), user.Seq)

	reply := msg(t, domain.RoleAssistant, "hi there")
	reply.Capability = "general"
	reply.Attributes = map[string]any{domain.MetaConfidence: 0.5}
	require.NoError(t, c.CommitTurn(ctx, id, user, reply))
	require.Equal(t, int64(2), reply.Seq)

	history, err := store.GetHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	rec, err := store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, rec.TurnCount)
	routes, ok := rec.Metadata[domain.MetaRouteHistory].([]any)
	require.True(t, ok)
	require.Len(t, routes, 1)

	cached, ok := c.Get(id)
	require.True(t, ok)
	require.Len(t, cached.Messages, 2)
	require.Equal(t, 1, cached.TurnCount)
}

func TestCommitTurnAppendsUnrecordedUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, c.CommitTurn(ctx, id, msg(t, domain.RoleUser, "q"), msg(t, domain.RoleAssistant, "a")))
	history, err := store.GetHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.RoleUser, history[0].Role)
}

func TestCommitTurnUnknownSession(t *testing.T) {
	c := newCache(t, newStore(t), DefaultConfig())
	err := c.CommitTurn(context.Background(), "ghost", nil, msg(t, domain.RoleAssistant, "a"))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	require.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestWindowTrim(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxWindow = 6
	cfg.TrimWindow = 4
	cfg.TokenBudget = 0
	store := newStore(t)
	c := newCache(t, store, cfg)
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.CommitTurn(ctx, id, msg(t, domain.RoleUser, fmt.Sprintf("q%d", i)), msg(t, domain.RoleAssistant, fmt.Sprintf("a%d", i))))
	}
	cached, _ := c.Get(id)
	// 8 messages overflow 6 at the 7th, leaving 4, then one more is appended.
	require.Len(t, cached.Messages, 5)
	require.Equal(t, "a3", cached.Messages[4].Content)

	history, err := store.GetHistory(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 8)
}

func TestWindowTokenBudget(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.TokenBudget = 10
	c := newCache(t, newStore(t), cfg)
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	// 16 ASCII characters count as 4 tokens each.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordUserMessage(ctx, id, msg(t, domain.RoleUser, fmt.Sprintf("sixteen chars %02d", i))))
	}
	cached, _ := c.Get(id)
	require.Len(t, cached.Messages, 2)
	require.Equal(t, "sixteen chars 02", cached.Messages[1].Content)
}

func TestEvictIdleKeepsStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig(), WithClock(clock.Now))

	idle, _, err := c.GetOrCreate(ctx, "idle", "")
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, _, err = c.GetOrCreate(ctx, "fresh", "")
	require.NoError(t, err)
	clock.Advance(15 * time.Minute)

	require.Equal(t, 1, c.EvictIdle(clock.Now()))
	_, ok := c.Get(idle)
	require.False(t, ok)
	_, ok = c.Get("fresh")
	require.True(t, ok)

	_, err = store.GetSession(ctx, idle)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c.Stats().Evicted)
}

func TestEvictIdleSkipsBusySession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCache(t, newStore(t), DefaultConfig(), WithClock(clock.Now))
	_, _, err := c.GetOrCreate(ctx, "busy", "")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	unlock := c.locks.Lock("busy")
	require.Equal(t, 0, c.EvictIdle(clock.Now()))
	unlock()
	require.Equal(t, 1, c.EvictIdle(clock.Now()))
}

func TestCommitAfterEvictionRestores(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	user := msg(t, domain.RoleUser, "q")
	require.NoError(t, c.RecordUserMessage(ctx, id, user))
	require.Equal(t, 1, c.EvictAll())

	require.NoError(t, c.CommitTurn(ctx, id, user, msg(t, domain.RoleAssistant, "a")))
	cached, ok := c.Get(id)
	require.True(t, ok)
	require.Len(t, cached.Messages, 2)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newCache(t, newStore(t), DefaultConfig(), WithClock(clock.Now))

	_, _, err := c.GetOrCreate(ctx, "a", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, _, err = c.GetOrCreate(ctx, "b", "")
	require.NoError(t, err)

	st := c.Stats()
	require.Equal(t, 2, st.ActiveCount)
	require.Equal(t, clock.Now().Add(-time.Minute), st.OldestLastActive)
}

func TestReadsDuringCommits(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, newStore(t), DefaultConfig())
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = c.Stats()
			if s, ok := c.Get(id); ok {
				_ = len(s.Messages)
				_ = s.Metadata[domain.MetaRouteHistory]
			}
		}
	}()

	for i := 0; i < 50; i++ {
		reply := msg(t, domain.RoleAssistant, fmt.Sprintf("a%d", i))
		reply.Capability = "general"
		require.NoError(t, c.CommitTurn(ctx, id, msg(t, domain.RoleUser, fmt.Sprintf("q%d", i)), reply))
	}
	close(done)
	wg.Wait()

	cached, ok := c.Get(id)
	require.True(t, ok)
	require.Equal(t, 50, cached.TurnCount)
}

func TestDeleteRemovesStoreAndCache(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig())
	id, _, err := c.GetOrCreate(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, id))
	_, ok := c.Get(id)
	require.False(t, ok)
	_, err = store.GetSession(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, c.Delete(ctx, id))
}

func TestPurgeDropsCachedCopies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newStore(t)
	c := newCache(t, store, DefaultConfig(), WithClock(clock.Now))

	_, _, err := c.GetOrCreate(ctx, "old", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, _, err = c.GetOrCreate(ctx, "recent", "")
	require.NoError(t, err)

	n, err := c.Purge(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := c.Get("old")
	require.False(t, ok, "purged session still cached")
	_, ok = c.Get("recent")
	require.True(t, ok)
	require.Equal(t, 1, c.Stats().ActiveCount)
}

func TestEvictionLoopStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Millisecond
	cfg.EvictionInterval = 5 * time.Millisecond
	c := newCache(t, newStore(t), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := c.GetOrCreate(ctx, "s1", "")
	require.NoError(t, err)

	c.StartEvictionLoop(ctx)
	c.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return c.Stats().ActiveCount == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return !c.evictRunning
	}, time.Second, 5*time.Millisecond)
}
