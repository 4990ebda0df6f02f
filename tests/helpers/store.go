package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/turnrouter/internal/adapter/llm"
	"github.com/xiaot623/gogo/turnrouter/internal/classifier"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
	"github.com/xiaot623/gogo/turnrouter/internal/router"
	"github.com/xiaot623/gogo/turnrouter/internal/session"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// Stack is a fully wired router over an in-memory store, using the mock LLM
// for classification and the general handler.
type Stack struct {
	Store    *repository.SQLiteStore
	Cache    *session.Cache
	Registry *handlers.Registry
	Router   *router.Router
}

func NewTestStack(t *testing.T, decls ...handlers.Declaration) *Stack {
	t.Helper()
	return NewTestStackWithRouter(t, nil, decls...)
}

// NewTestStackWithRouter is NewTestStack with extra router options.
func NewTestStackWithRouter(t *testing.T, opts []router.Option, decls ...handlers.Declaration) *Stack {
	t.Helper()

	store := NewTestSQLiteStore(t)
	cache := session.NewCache(store, session.DefaultConfig(), session.WithTokenCounter(session.HeuristicCounter{}))

	client := llm.NewMockClient()
	reg := handlers.NewRegistry()
	if err := handlers.RegisterGeneral(reg, client, "mock"); err != nil {
		t.Fatalf("failed to register general handler: %v", err)
	}
	if err := handlers.RegisterDeclarations(reg, decls, nil); err != nil {
		t.Fatalf("failed to register capabilities: %v", err)
	}
	if _, err := reg.GetOrBuild(context.Background(), handlers.GeneralCapability); err != nil {
		t.Fatalf("failed to build general handler: %v", err)
	}

	r := router.New(cache, classifier.New(classifier.NewLLMOracle(client, "mock")), reg, opts...)
	return &Stack{Store: store, Cache: cache, Registry: reg, Router: r}
}
