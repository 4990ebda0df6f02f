// Package session keeps active conversations in memory on top of the
// durable conversation store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/keylock"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
)

// Config bounds the cache.
type Config struct {
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	// RestoreWindow is how many recent messages a restored session loads.
	RestoreWindow int
	// When a window grows past MaxWindow it is cut back to TrimWindow.
	MaxWindow  int
	TrimWindow int
	// TokenBudget caps the window by token count. Zero disables it.
	TokenBudget int
	// RouteHistory caps the route_history metadata list.
	RouteHistory int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Minute,
		EvictionInterval: time.Minute,
		RestoreWindow:    20,
		MaxWindow:        50,
		TrimWindow:       30,
		TokenBudget:      8000,
		RouteHistory:     10,
	}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	ActiveCount      int       `json:"active_count"`
	OldestLastActive time.Time `json:"oldest_last_active,omitzero"`
	Created          uint64    `json:"created"`
	Restored         uint64    `json:"restored"`
	Evicted          uint64    `json:"evicted"`
}

type entry struct {
	session *domain.Session
	tokens  []int
	// lastAccess moves on every cache operation, including reads.
	lastAccess time.Time
}

// Cache owns the mutable in-memory sessions. Callers only ever receive
// clones.
type Cache struct {
	store   repository.Store
	cfg     Config
	counter TokenCounter
	locks   *keylock.Map
	now     func() time.Time
	newID   func() string

	mu      sync.RWMutex
	entries map[string]*entry

	evictRunning bool

	created  atomic.Uint64
	restored atomic.Uint64
	evicted  atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTokenCounter overrides the token counter.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Cache) {
		c.counter = tc
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithIDGenerator overrides how new session ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(c *Cache) {
		c.newID = gen
	}
}

// NewCache creates a cache in front of store.
func NewCache(store repository.Store, cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.RestoreWindow <= 0 {
		cfg.RestoreWindow = def.RestoreWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.TrimWindow <= 0 || cfg.TrimWindow > cfg.MaxWindow {
		cfg.TrimWindow = cfg.MaxWindow
	}
	if cfg.RouteHistory <= 0 {
		cfg.RouteHistory = def.RouteHistory
	}

	c := &Cache{
		store:   store,
		cfg:     cfg,
		locks:   keylock.New(),
		now:     time.Now,
		newID:   NewSessionID,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		c.counter = NewTokenCounter()
	}
	return c
}

// NewSessionID mints "session_" followed by 12 hex characters.
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func persistenceFailure(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrPersistenceFailure, err)
}

// GetOrCreate resolves id to a session, restoring it from the store or
// creating it when unknown. An empty id mints a new one. Only a failing
// store produces an error, wrapped as domain.ErrStoreUnavailable.
func (c *Cache) GetOrCreate(ctx context.Context, id, owner string) (string, *domain.Session, error) {
	if id == "" {
		id = c.newID()
	}
	unlock := c.locks.Lock(id)
	defer unlock()

	if e := c.lookup(id); e != nil {
		return id, e.session.Clone(), nil
	}
	e, err := c.load(ctx, id, owner)
	if err != nil {
		return "", nil, err
	}
	return id, e.session.Clone(), nil
}

func (c *Cache) lookup(id string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[id]
	if e != nil {
		e.lastAccess = c.now()
	}
	return e
}

// load restores or creates id. The caller holds id's lock.
func (c *Cache) load(ctx context.Context, id, owner string) (*entry, error) {
	rec, err := c.store.GetSession(ctx, id)
	switch {
	case err == nil:
		return c.restore(ctx, rec)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, unavailable(err)
	}

	now := c.now().UTC()
	rec = &domain.SessionRecord{ID: id, Owner: owner, CreatedAt: now, LastActiveAt: now}
	err = c.store.CreateSession(ctx, rec)
	if errors.Is(err, domain.ErrDuplicateSession) {
		// Lost a creation race with another process; adopt its record.
		existing, err := c.store.GetSession(ctx, id)
		if err != nil {
			return nil, unavailable(err)
		}
		return c.restore(ctx, existing)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	e := &entry{session: &domain.Session{SessionRecord: *rec, Messages: []domain.Message{}}}
	c.put(id, e)
	c.created.Add(1)
	log.Info().Str("session_id", id).Str("owner", owner).Msg("session created")
	return e, nil
}

func (c *Cache) restore(ctx context.Context, rec *domain.SessionRecord) (*entry, error) {
	history, err := c.store.GetHistory(ctx, rec.ID, c.cfg.RestoreWindow)
	if err != nil {
		return nil, unavailable(err)
	}
	e := &entry{session: &domain.Session{SessionRecord: *rec, Messages: make([]domain.Message, 0, len(history))}}
	c.appendWindow(e, history...)
	c.put(rec.ID, e)
	c.restored.Add(1)
	log.Info().Str("session_id", rec.ID).Int("messages", len(history)).Msg("session restored")
	return e, nil
}

func (c *Cache) put(id string, e *entry) {
	e.lastAccess = c.now()
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// appendWindow adds messages not yet in the window and trims it. Writers
// hold the session's key lock; the window itself is swapped under c.mu so
// Get and Stats never observe a partial update.
func (c *Cache) appendWindow(e *entry, msgs ...domain.Message) {
	counts := make([]int, len(msgs))
	for i, m := range msgs {
		counts[i] = c.counter.Count(m.Content)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := e.session
	for i, m := range msgs {
		if last, ok := s.LastMessage(); ok && m.Seq != 0 && m.Seq <= last.Seq {
			continue
		}
		s.Messages = append(s.Messages, m)
		e.tokens = append(e.tokens, counts[i])
	}

	if len(s.Messages) > c.cfg.MaxWindow {
		drop := len(s.Messages) - c.cfg.TrimWindow
		s.Messages = append([]domain.Message(nil), s.Messages[drop:]...)
		e.tokens = append([]int(nil), e.tokens[drop:]...)
	}

	if c.cfg.TokenBudget <= 0 {
		return
	}
	total := 0
	for _, n := range e.tokens {
		total += n
	}
	drop := 0
	for total > c.cfg.TokenBudget && len(s.Messages)-drop > 1 {
		total -= e.tokens[drop]
		drop++
	}
	if drop > 0 {
		s.Messages = append([]domain.Message(nil), s.Messages[drop:]...)
		e.tokens = append([]int(nil), e.tokens[drop:]...)
	}
}

// ensure returns id's entry, restoring it if it was evicted. The caller
// holds id's lock.
func (c *Cache) ensure(ctx context.Context, id string) (*entry, error) {
	if e := c.lookup(id); e != nil {
		return e, nil
	}
	rec, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.restore(ctx, rec)
}

// RecordUserMessage persists msg before the turn is classified so the
// user's input survives any later failure. msg.Seq is set on success.
func (c *Cache) RecordUserMessage(ctx context.Context, id string, msg *domain.Message) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if err := c.store.AppendMessage(ctx, id, msg); err != nil {
		return persistenceFailure(err)
	}
	e, err := c.ensure(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("failed to refresh cached session")
		return nil
	}
	c.appendWindow(e, *msg)
	return nil
}

// CommitTurn appends whichever of user and assistant is not yet durable
// in one store transaction, then refreshes last_active_at and turn_count.
// Commits for one session are ordered by arrival.
func (c *Cache) CommitTurn(ctx context.Context, id string, user, assistant *domain.Message) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	var pending []*domain.Message
	for _, m := range []*domain.Message{user, assistant} {
		if m != nil && !m.Persisted() {
			pending = append(pending, m)
		}
	}
	if err := c.store.AppendMessages(ctx, id, pending...); err != nil {
		return persistenceFailure(err)
	}
	if err := c.store.TouchSession(ctx, id); err != nil {
		return persistenceFailure(err)
	}

	// A commit on an evicted session brings it back.
	e, err := c.ensure(ctx, id)
	if err != nil {
		return persistenceFailure(err)
	}
	for _, m := range []*domain.Message{user, assistant} {
		if m != nil {
			c.appendWindow(e, *m)
		}
	}

	rec, err := c.store.GetSession(ctx, id)
	if err != nil {
		return persistenceFailure(err)
	}
	c.mu.Lock()
	e.session.LastActiveAt = rec.LastActiveAt
	e.session.TurnCount = rec.TurnCount
	c.mu.Unlock()

	if assistant != nil {
		if err := c.recordRoute(ctx, e, assistant); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to record route history")
		}
	}
	return nil
}

func (c *Cache) recordRoute(ctx context.Context, e *entry, assistant *domain.Message) error {
	s := e.session
	meta := make(map[string]any, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		meta[k] = v
	}

	var history []any
	if prev, ok := meta[domain.MetaRouteHistory].([]any); ok {
		history = append(history, prev...)
	}
	route := map[string]any{
		"capability": assistant.Capability,
		"at":         assistant.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if conf, ok := assistant.Attributes[domain.MetaConfidence]; ok {
		route["confidence"] = conf
	}
	history = append(history, route)
	if len(history) > c.cfg.RouteHistory {
		history = history[len(history)-c.cfg.RouteHistory:]
	}
	meta[domain.MetaRouteHistory] = history

	if err := c.store.UpdateMetadata(ctx, s.ID, meta); err != nil {
		return err
	}
	c.mu.Lock()
	s.Metadata = meta
	c.mu.Unlock()
	return nil
}

// Get returns a clone of a cached session without touching the store.
func (c *Cache) Get(id string) (*domain.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// Delete removes id from the store and then from the cache while holding
// id's lock, so no turn can restore the row in between. Deleting an
// unknown id is not an error.
func (c *Cache) Delete(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if err := c.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	c.drop(id)
	return nil
}

// Purge deletes sessions inactive since before olderThan from the store and
// drops cached copies whose rows are gone.
func (c *Cache) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := c.store.PurgeInactive(ctx, olderThan)
	if err != nil || n == 0 {
		return n, err
	}

	c.mu.RLock()
	var stale []string
	for id, e := range c.entries {
		if e.session.LastActiveAt.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range stale {
		c.dropIfPurged(ctx, id)
	}
	return n, nil
}

func (c *Cache) dropIfPurged(ctx context.Context, id string) {
	unlock := c.locks.Lock(id)
	defer unlock()
	if _, err := c.store.GetSession(ctx, id); errors.Is(err, domain.ErrNotFound) {
		c.drop(id)
		log.Debug().Str("session_id", id).Msg("dropped purged session from cache")
	}
}

func (c *Cache) drop(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Stats reports the number of cached sessions and the oldest activity.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		ActiveCount: len(c.entries),
		Created:     c.created.Load(),
		Restored:    c.restored.Load(),
		Evicted:     c.evicted.Load(),
	}
	for _, e := range c.entries {
		last := e.session.LastActiveAt
		if st.OldestLastActive.IsZero() || last.Before(st.OldestLastActive) {
			st.OldestLastActive = last
		}
	}
	return st
}
