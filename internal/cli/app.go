package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/config"
	"github.com/xiaot623/gogo/turnrouter/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnrouter/internal/classifier"
	"github.com/xiaot623/gogo/turnrouter/internal/events"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
	"github.com/xiaot623/gogo/turnrouter/internal/router"
	"github.com/xiaot623/gogo/turnrouter/internal/service"
	"github.com/xiaot623/gogo/turnrouter/internal/session"
	"github.com/xiaot623/gogo/turnrouter/policy"
)

// app is the wired turn router.
type app struct {
	cfg      *config.Config
	store    repository.Store
	cache    *session.Cache
	registry *handlers.Registry
	policy   *policy.Engine
	bus      *events.Bus
	service  *service.Service
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	store, err := repository.New(ctx, repository.Driver(cfg.StoreDriver),
		repository.WithDSN(cfg.DatabaseURL),
		repository.WithRedisAddr(cfg.RedisAddr),
		repository.WithRedisTTL(cfg.RedisTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	return store, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.IdleTimeout = cfg.SessionIdleTimeout
	sc.EvictionInterval = cfg.EvictionInterval
	sc.RestoreWindow = cfg.RestoreWindow
	sc.MaxWindow = cfg.WindowMax
	sc.TrimWindow = cfg.WindowTrim
	sc.TokenBudget = cfg.WindowTokenBudget
	return sc
}

// newApp wires every component for serving turns.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := llm.NewLLMClient(ctx, llm.Settings{
		Provider:     llm.Provider(cfg.LLMProvider),
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		GeminiAPIKey: cfg.GeminiAPIKey,
		Model:        cfg.LLMModel,
		Timeout:      cfg.HandlerTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := handlers.NewRegistry(handlers.WithTimeout(cfg.HandlerTimeout))
	if err := handlers.RegisterGeneral(registry, client, cfg.LLMModel); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := handlers.RegisterDeclarations(registry, cfg.Capabilities, nil); err != nil {
		_ = store.Close()
		return nil, err
	}

	engine, err := loadPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := session.NewCache(store, sessionConfig(cfg), session.WithTokenCounter(session.NewTokenCounter()))
	bus := events.NewBus()
	adapter := classifier.New(classifier.NewLLMOracle(client, cfg.LLMModel), classifier.WithTimeout(cfg.ClassifierTimeout))
	r := router.New(cache, adapter, registry,
		router.WithPolicy(engine),
		router.WithPublisher(bus),
	)

	svc := service.New(store, cache, registry, r, service.WithRetention(cfg.RetentionPeriod))

	log.Info().
		Str("store", cfg.StoreDriver).
		Str("llm_provider", cfg.LLMProvider).
		Int("capabilities", len(cfg.Capabilities)).
		Msg("turn router wired")

	return &app{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		registry: registry,
		policy:   engine,
		bus:      bus,
		service:  svc,
	}, nil
}

func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewEngine(ctx, policy.DefaultPolicy)
	}
	return policy.LoadFile(ctx, path)
}

func (a *app) Close() error {
	if err := a.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close event bus")
	}
	return a.store.Close()
}
