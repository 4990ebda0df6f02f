package router

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

	"github.com/xiaot623/gogo/turnrouter/internal/classifier"
	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/internal/repository"
	"github.com/xiaot623/gogo/turnrouter/internal/session"
	"github.com/xiaot623/gogo/turnrouter/policy"
)

func TestMain(m *testing.M) {
	// OPA's opencensus dependency starts its stats worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type oracleFunc func(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) (classifier.Reply, error)

func (f oracleFunc) Select(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) (classifier.Reply, error) {
	return f(ctx, message, history, catalogue)
}

func selecting(capability, args string) classifier.Oracle {
	return oracleFunc(func(context.Context, string, []domain.Message, []domain.CapabilityDescriptor) (classifier.Reply, error) {
		return classifier.Reply{Capability: capability, Arguments: args}, nil
	})
}

func answering(text string) classifier.Oracle {
	return oracleFunc(func(context.Context, string, []domain.Message, []domain.CapabilityDescriptor) (classifier.Reply, error) {
		return classifier.Reply{Text: text}, nil
	})
}

var failingOracle = oracleFunc(func(context.Context, string, []domain.Message, []domain.CapabilityDescriptor) (classifier.Reply, error) {
	return classifier.Reply{}, errors.New("oracle offline")
})

type env struct {
	store    repository.Store
	cache    *session.Cache
	registry *handlers.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := handlers.NewRegistry(handlers.WithTimeout(time.Second))
	reg.MustRegister(handlers.GeneralDescriptor, handlers.Singleton(handlers.Static("general: {{message}}")), handlers.Hidden())

	return &env{
		store:    store,
		cache:    session.NewCache(store, session.DefaultConfig(), session.WithTokenCounter(session.HeuristicCounter{})),
		registry: reg,
	}
}

func (e *env) router(oracle classifier.Oracle, opts ...Option) *Router {
	return New(e.cache, classifier.New(oracle), e.registry, opts...)
}

func (e *env) history(t *testing.T, id string) []domain.Message {
	t.Helper()
	msgs, err := e.store.GetHistory(context.Background(), id, 0)
	require.NoError(t, err)
	return msgs
}

func TestHelloScenario(t *testing.T) {
	e := newEnv(t)
	r := e.router(answering("Hello! How can I help you today?"))

	res, _ := r.Submit(context.Background(), domain.TurnRequest{Message: "hello"})
	require.Empty(t, res.Error)
	require.Regexp(t, regexp.MustCompile(`^session_[0-9a-f]{12}$`), res.SessionID)
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Equal(t, "Hello! How can I help you today?", res.Text)
	require.Equal(t, true, res.Metadata[domain.MetaIsFallback])
	require.Equal(t, 0.5, res.Metadata[domain.MetaConfidence])

	history := e.history(t, res.SessionID)
	require.Len(t, history, 2)
	require.Equal(t, domain.RoleUser, history[0].Role)
	require.Equal(t, domain.RoleAssistant, history[1].Role)
}

func TestHelloWithoutOracle(t *testing.T) {
	e := newEnv(t)
	res, _ := New(e.cache, classifier.New(nil), e.registry).Submit(context.Background(), domain.TurnRequest{Message: "hello"})
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Equal(t, "general: hello", res.Text)
	require.Len(t, e.history(t, res.SessionID), 2)
}

func seed(t *testing.T, store repository.Store, id string, contents ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(ctx, &domain.SessionRecord{ID: id, CreatedAt: now, LastActiveAt: now}))
	for i, c := range contents {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		m, err := domain.NewMessage(role, c)
		require.NoError(t, err)
		require.NoError(t, store.AppendMessage(ctx, id, &m))
	}
}

func TestFindDocumentScenario(t *testing.T) {
	e := newEnv(t)
	seed(t, e.store, "s1", "hi", "hello, how can I help?")

	var gotArgs map[string]any
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "doc_search", Description: "Search documents"},
		handlers.Singleton(handlers.HandlerFunc(func(_ context.Context, args map[string]any, _ string) (domain.HandlerResult, error) {
			gotArgs = args
			return domain.HandlerResult{
				Text:     "Document X is in the onboarding folder.",
				Evidence: []domain.Evidence{{Kind: "document", Payload: map[string]any{"id": "X"}}},
			}, nil
		})))

	r := e.router(selecting("doc_search", `{"query":"X"}`))
	res, _ := r.Submit(context.Background(), domain.TurnRequest{SessionID: "s1", Message: "find document X"})

	require.Equal(t, "doc_search", res.Capability)
	require.Equal(t, "s1", res.SessionID)
	require.Equal(t, 1.0, res.Metadata[domain.MetaConfidence])
	require.Equal(t, false, res.Metadata[domain.MetaIsFallback])
	require.Len(t, res.Evidence, 1)
	require.Equal(t, "X", gotArgs["query"])

	history := e.history(t, "s1")
	require.Len(t, history, 4)
	require.Equal(t, domain.RoleUser, history[2].Role)
	require.Equal(t, "find document X", history[2].Content)
	require.Equal(t, "doc_search", history[3].Capability)
	require.Equal(t, "Document X is in the onboarding folder.", history[3].Content)

	rec, err := e.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, rec.TurnCount)
}

func TestFailingHandlerFallsBackOnce(t *testing.T) {
	e := newEnv(t)
	var calls int
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "doc_search"},
		handlers.Singleton(handlers.HandlerFunc(func(context.Context, map[string]any, string) (domain.HandlerResult, error) {
			calls++
			return domain.HandlerResult{Failed: true, Error: "index unavailable"}, nil
		})))

	res, _ := e.router(selecting("doc_search", `{"query":"X"}`)).Submit(context.Background(), domain.TurnRequest{Message: "find document X"})

	require.Equal(t, 1, calls)
	require.NotEmpty(t, res.Text)
	require.Equal(t, "general: find document X", res.Text)
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Contains(t, res.Metadata[domain.MetaError], "index unavailable")
	require.Equal(t, "doc_search", res.Metadata[domain.MetaFallbackFrom])
	require.Equal(t, true, res.Metadata[domain.MetaIsFallback])
	require.Len(t, e.history(t, res.SessionID), 2)
}

func TestApologyWhenFallbackFails(t *testing.T) {
	e := newEnv(t)
	reg := handlers.NewRegistry()
	var generalCalls int
	reg.MustRegister(handlers.GeneralDescriptor, handlers.Singleton(handlers.HandlerFunc(func(context.Context, map[string]any, string) (domain.HandlerResult, error) {
		generalCalls++
		return domain.HandlerResult{}, errors.New("llm quota exceeded")
	})), handlers.Hidden())
	reg.MustRegister(domain.CapabilityDescriptor{Name: "doc_search"}, handlers.Singleton(handlers.HandlerFunc(func(context.Context, map[string]any, string) (domain.HandlerResult, error) {
		panic("corrupt index")
	})))

	r := New(e.cache, classifier.New(selecting("doc_search", "")), reg)
	res, _ := r.Submit(context.Background(), domain.TurnRequest{Message: "find document X"})

	require.Equal(t, 1, generalCalls)
	require.Equal(t, ApologyText, res.Text)
	require.Contains(t, res.Error, "corrupt index")
	require.Contains(t, res.Error, "llm quota exceeded")
	require.Equal(t, res.Error, res.Metadata[domain.MetaError])

	history := e.history(t, res.SessionID)
	require.Len(t, history, 2)
	require.Equal(t, ApologyText, history[1].Content)
}

func TestFallbackGuarantee(t *testing.T) {
	e := newEnv(t)
	r := e.router(failingOracle)

	for _, msg := range []string{"hello", "what is the weather", "find document X"} {
		res, _ := r.Submit(context.Background(), domain.TurnRequest{Message: msg})
		require.Empty(t, res.Error, msg)
		require.NotEmpty(t, res.Text, msg)
		require.Equal(t, true, res.Metadata[domain.MetaIsFallback], msg)
		require.Equal(t, string(domain.SourceHeuristic), res.Metadata[domain.MetaRoutingSource], msg)
	}
}

func TestEmptyAnswerFallsBack(t *testing.T) {
	e := newEnv(t)
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "doc_search"},
		handlers.Singleton(handlers.HandlerFunc(func(context.Context, map[string]any, string) (domain.HandlerResult, error) {
			return domain.HandlerResult{}, nil
		})))

	res, err := e.router(selecting("doc_search", `{"query":"X"}`)).Submit(context.Background(), domain.TurnRequest{Message: "find document X"})
	require.NoError(t, err)
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Equal(t, "general: find document X", res.Text)
	require.Equal(t, "doc_search", res.Metadata[domain.MetaFallbackFrom])
	require.Contains(t, res.Metadata[domain.MetaError], "empty answer")
}

func TestPriorTurnsReachOracleAndHandler(t *testing.T) {
	e := newEnv(t)
	seed(t, e.store, "s1", "my name is Ana", "Nice to meet you, Ana.")

	var oracleSaw, handlerSaw []string
	oracle := oracleFunc(func(_ context.Context, _ string, history []domain.Message, _ []domain.CapabilityDescriptor) (classifier.Reply, error) {
		for _, m := range history {
			oracleSaw = append(oracleSaw, m.Content)
		}
		return classifier.Reply{Capability: "profile"}, nil
	})
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "profile"},
		handlers.Singleton(handlers.HandlerFunc(func(ctx context.Context, _ map[string]any, _ string) (domain.HandlerResult, error) {
			for _, m := range handlers.HistoryFrom(ctx) {
				handlerSaw = append(handlerSaw, m.Content)
			}
			return domain.HandlerResult{Text: "You are Ana."}, nil
		})))

	res, _ := e.router(oracle).Submit(context.Background(), domain.TurnRequest{SessionID: "s1", Message: "what is my name?"})
	require.Equal(t, "You are Ana.", res.Text)
	want := []string{"my name is Ana", "Nice to meet you, Ana."}
	require.Equal(t, want, oracleSaw)
	require.Equal(t, want, handlerSaw)

	oracleSaw, handlerSaw = nil, nil
	_, _ = e.router(oracle).Submit(context.Background(), domain.TurnRequest{SessionID: "s1", Message: "thanks"})
	require.Equal(t, []string{"my name is Ana", "Nice to meet you, Ana.", "what is my name?", "You are Ana."}, oracleSaw)
	require.Equal(t, oracleSaw, handlerSaw)
}

func TestUnregisteredCapability(t *testing.T) {
	e := newEnv(t)
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "weather"}, handlers.Singleton(handlers.Static("sunny")))
	oracle := oracleFunc(func(context.Context, string, []domain.Message, []domain.CapabilityDescriptor) (classifier.Reply, error) {
		return classifier.Reply{Capability: "weather"}, nil
	})
	r := e.router(oracle)
	require.NoError(t, e.registry.Validate(context.Background(), "weather"))

	// A dispatcher whose catalogue still lists a capability it can no longer run.
	r.handlers = staleDispatcher{Registry: e.registry, gone: "weather"}
	res, _ := r.Submit(context.Background(), domain.TurnRequest{Message: "weather today?"})
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Equal(t, "weather", res.Metadata[domain.MetaFallbackFrom])
	require.Contains(t, res.Error, "not registered")
}

type staleDispatcher struct {
	*handlers.Registry
	gone string
}

func (d staleDispatcher) Has(name string) bool {
	return name != d.gone && d.Registry.Has(name)
}

func TestDefaultArgumentsFilled(t *testing.T) {
	e := newEnv(t)
	var gotArgs map[string]any
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "db_agent"},
		handlers.Singleton(handlers.HandlerFunc(func(_ context.Context, args map[string]any, _ string) (domain.HandlerResult, error) {
			gotArgs = args
			return domain.HandlerResult{Text: "ok"}, nil
		})),
		handlers.WithDefaults(handlers.TemplateDefaults(map[string]any{"query": "{{message}}", "search_type": "semantic"})))

	res, _ := e.router(selecting("db_agent", "")).Submit(context.Background(), domain.TurnRequest{Message: "policies on travel"})
	require.Equal(t, "db_agent", res.Capability)
	require.Equal(t, map[string]any{"query": "policies on travel", "search_type": "semantic"}, gotArgs)
}

func TestPolicyDenyRoutesToGeneral(t *testing.T) {
	e := newEnv(t)
	var docCalls int
	e.registry.MustRegister(domain.CapabilityDescriptor{Name: "doc_search", Keywords: []string{"search", "document"}},
		handlers.Singleton(handlers.HandlerFunc(func(context.Context, map[string]any, string) (domain.HandlerResult, error) {
			docCalls++
			return domain.HandlerResult{Text: "docs"}, nil
		})))
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	r := e.router(failingOracle, WithPolicy(engine))

	res, _ := r.Submit(context.Background(), domain.TurnRequest{Message: "search"})
	require.Equal(t, 0, docCalls)
	require.Equal(t, handlers.GeneralCapability, res.Capability)
	require.Empty(t, res.Error)
	require.Equal(t, map[string]any{"allow": false, "reason": "weak keyword match"}, res.Metadata[domain.MetaPolicyDecision])

	res, _ = r.Submit(context.Background(), domain.TurnRequest{Message: "search the document archive"})
	require.Equal(t, 1, docCalls)
	require.Equal(t, "doc_search", res.Capability)
}

func TestStoreUnavailableAbortsTurn(t *testing.T) {
	e := newEnv(t)
	sessions := brokenSessions{Sessions: e.cache, resolveErr: fmt.Errorf("%w: disk I/O error", domain.ErrStoreUnavailable)}
	res, err := New(sessions, classifier.New(nil), e.registry).Submit(context.Background(), domain.TurnRequest{SessionID: "s9", Message: "hello"})

	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, UnavailableText, res.Text)
	require.Contains(t, res.Error, "unavailable")
	require.NotNil(t, res.Metadata[domain.MetaError])
	_, err = e.store.GetSession(context.Background(), "s9")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPersistenceFailureIsWarning(t *testing.T) {
	e := newEnv(t)
	sessions := brokenSessions{Sessions: e.cache, commitErr: fmt.Errorf("%w: database is locked", domain.ErrPersistenceFailure)}
	res, _ := New(sessions, classifier.New(nil), e.registry).Submit(context.Background(), domain.TurnRequest{Message: "hello"})

	require.Equal(t, "general: hello", res.Text)
	require.Empty(t, res.Error)
	require.Contains(t, res.Warning, "database is locked")
	require.Contains(t, res.Metadata[domain.MetaPersistenceWarning], "database is locked")

	history := e.history(t, res.SessionID)
	require.Len(t, history, 1, "user message was recorded before classification")
}

type brokenSessions struct {
	Sessions
	resolveErr error
	commitErr  error
}

func (b brokenSessions) GetOrCreate(ctx context.Context, id, owner string) (string, *domain.Session, error) {
	if b.resolveErr != nil {
		return "", nil, b.resolveErr
	}
	return b.Sessions.GetOrCreate(ctx, id, owner)
}

func (b brokenSessions) CommitTurn(ctx context.Context, id string, user, assistant *domain.Message) error {
	if b.commitErr != nil {
		return b.commitErr
	}
	return b.Sessions.CommitTurn(ctx, id, user, assistant)
}

type cancellingClassifier struct {
	cancel context.CancelFunc
}

func (c cancellingClassifier) Classify(context.Context, string, []domain.Message, []domain.CapabilityDescriptor) domain.RoutingDecision {
	c.cancel()
	return domain.RoutingDecision{Capability: "doc_search", Confidence: 1, Source: domain.SourceOracle}
}

func TestCancelledBeforeDispatchKeepsUserMessage(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, _ := New(e.cache, cancellingClassifier{cancel: cancel}, e.registry).Submit(ctx, domain.TurnRequest{SessionID: "s2", Message: "find document X"})
	require.Equal(t, CancelledText, res.Text)
	require.Contains(t, res.Error, "cancelled")

	history := e.history(t, "s2")
	require.Len(t, history, 1)
	require.Equal(t, "find document X", history[0].Content)
}

func TestAtMostOneWriter(t *testing.T) {
	e := newEnv(t)
	r := e.router(nil)
	const n = 10

	var wg sync.WaitGroup
	results := make(chan domain.TurnResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _ := r.Submit(context.Background(), domain.TurnRequest{SessionID: "shared", Message: fmt.Sprintf("message %d", i)})
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)
	for res := range results {
		require.Empty(t, res.Error)
		require.Empty(t, res.Warning)
	}

	sessions, err := e.store.ListSessions(context.Background(), "", 100)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, n, sessions[0].TurnCount)

	history := e.history(t, "shared")
	require.Len(t, history, 2*n)
	seen := map[string]int{}
	for i, m := range history {
		require.Equal(t, int64(i+1), m.Seq)
		seen[string(m.Role)+":"+m.Content]++
	}
	for i := 0; i < n; i++ {
		require.Equal(t, 1, seen[fmt.Sprintf("user:message %d", i)])
		require.Equal(t, 1, seen[fmt.Sprintf("assistant:general: message %d", i)])
	}
}

func TestRestoreAfterEviction(t *testing.T) {
	e := newEnv(t)
	r := e.router(nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, _ := r.Submit(ctx, domain.TurnRequest{SessionID: "s3", Message: fmt.Sprintf("turn %d", i)})
		require.Empty(t, res.Error)
	}
	require.Equal(t, 1, e.cache.EvictAll())
	_, cached := e.cache.Get("s3")
	require.False(t, cached)

	res, _ := r.Submit(ctx, domain.TurnRequest{SessionID: "s3", Message: "turn 4"})
	require.Empty(t, res.Error)

	history := e.history(t, "s3")
	require.Len(t, history, 8)
	for i, m := range history {
		turn := i/2 + 1
		if i%2 == 0 {
			require.Equal(t, domain.RoleUser, m.Role)
			require.Equal(t, fmt.Sprintf("turn %d", turn), m.Content)
		} else {
			require.Equal(t, domain.RoleAssistant, m.Role)
			require.Equal(t, fmt.Sprintf("general: turn %d", turn), m.Content)
		}
	}

	sess, ok := e.cache.Get("s3")
	require.True(t, ok)
	require.Len(t, sess.Messages, 8)
	require.Equal(t, 4, sess.TurnCount)
	routes, _ := sess.Metadata[domain.MetaRouteHistory].([]any)
	require.Len(t, routes, 4)
}
