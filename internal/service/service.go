// Package service is the facade the transports call: turns, session
// management and health.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
	"github.com/xiaot623/gogo/turnrouter/internal/router"
	"github.com/xiaot623/gogo/turnrouter/internal/session"
)

// DefaultRetention is how long inactive sessions are kept in the store.
const DefaultRetention = 30 * 24 * time.Hour

type Service struct {
	store     repository.Store
	cache     *session.Cache
	registry  *handlers.Registry
	router    *router.Router
	retention time.Duration
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store repository.Store, cache *session.Cache, registry *handlers.Registry, r *router.Router, opts ...Option) *Service {
	s := &Service{
		store:     store,
		cache:     cache,
		registry:  registry,
		router:    r,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitTurn validates req and runs it through the router. A non-nil error
// with a usable result means the store was unavailable.
func (s *Service) SubmitTurn(ctx context.Context, req domain.TurnRequest) (domain.TurnResult, error) {
	msg, err := domain.ValidateUserMessage(req.Message)
	if err != nil {
		return domain.TurnResult{}, err
	}
	req.Message = msg
	return s.router.Submit(ctx, req)
}

// StreamTurn validates req and streams it through emit.
func (s *Service) StreamTurn(ctx context.Context, req domain.TurnRequest, emit router.EmitFunc) (domain.TurnResult, error) {
	msg, err := domain.ValidateUserMessage(req.Message)
	if err != nil {
		return domain.TurnResult{}, err
	}
	req.Message = msg
	return s.router.Stream(ctx, req, emit)
}

// GetHistory returns up to limit most recent messages, oldest first.
func (s *Service) GetHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	msgs, err := s.store.GetHistory(ctx, sessionID, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return msgs, nil
}

// GetStats summarises a session from its full durable history.
func (s *Service) GetStats(ctx context.Context, sessionID string) (*domain.SessionStats, error) {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeError(err)
	}
	msgs, err := s.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, storeError(err)
	}

	stats := &domain.SessionStats{
		SessionID:        rec.ID,
		Owner:            rec.Owner,
		CreatedAt:        rec.CreatedAt,
		LastActiveAt:     rec.LastActiveAt,
		TurnCount:        rec.TurnCount,
		MessageCount:     len(msgs),
		CapabilitiesUsed: map[string]int{},
	}
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			stats.UserMessages++
		case domain.RoleAssistant:
			stats.AssistantMessages++
			if m.Capability != "" {
				stats.CapabilitiesUsed[m.Capability]++
				stats.LastCapability = m.Capability
			}
		}
	}
	_, stats.Cached = s.cache.Get(sessionID)
	return stats, nil
}

// DeleteSession removes a session from the cache and the store.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		return storeError(err)
	}
	log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// CleanupResult reports one cleanup pass.
type CleanupResult struct {
	Purged  int `json:"purged"`
	Evicted int `json:"evicted"`
}

// CleanupInactive purges sessions idle longer than the retention period and
// evicts idle cache entries.
func (s *Service) CleanupInactive(ctx context.Context) (CleanupResult, error) {
	now := s.now()
	evicted := s.cache.EvictIdle(now)
	purged, err := s.cache.Purge(ctx, now.Add(-s.retention))
	if err != nil {
		return CleanupResult{Evicted: evicted}, storeError(err)
	}
	if purged > 0 {
		log.Info().Int("purged", purged).Dur("retention", s.retention).Msg("purged inactive sessions")
	}
	return CleanupResult{Purged: purged, Evicted: evicted}, nil
}

// ListSessions returns the most recently active sessions of owner.
func (s *Service) ListSessions(ctx context.Context, owner string, limit int) ([]domain.SessionRecord, error) {
	recs, err := s.store.ListSessions(ctx, owner, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return recs, nil
}

// Capabilities describes every registered handler.
func (s *Service) Capabilities() []handlers.Info {
	return s.registry.Describe()
}

// ValidateCapability builds the named handler and checks its schema.
func (s *Service) ValidateCapability(ctx context.Context, name string) error {
	if !s.registry.Has(name) {
		return fmt.Errorf("%w: %s", handlers.ErrNotRegistered, name)
	}
	return s.registry.Validate(ctx, name)
}

// ResetCapability drops the built handler so the next turn rebuilds it.
func (s *Service) ResetCapability(name string) error {
	if !s.registry.Has(name) {
		return fmt.Errorf("%w: %s", handlers.ErrNotRegistered, name)
	}
	s.registry.Reset(name)
	log.Info().Str("capability", name).Msg("handler reset")
	return nil
}

// CacheStats reports the session cache.
func (s *Service) CacheStats() session.Stats {
	return s.cache.Stats()
}

// Health is the readiness report.
type Health struct {
	Status   string                     `json:"status"`
	Store    string                     `json:"store"`
	Handlers map[string]handlers.Status `json:"handlers"`
	Cache    session.Stats              `json:"cache"`
}

// Health pings the store and collects handler and cache state.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Store:    "ok",
		Handlers: s.registry.Health(),
		Cache:    s.cache.Stats(),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}
	return h
}

// storeError keeps not-found errors and marks the rest as unavailability.
func storeError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return err
	case errors.Is(err, domain.ErrUnknownSession):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
