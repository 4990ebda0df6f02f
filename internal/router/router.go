// Package router drives one user turn through session resolution,
// classification, dispatch, composition and persistence.
package router

import (
	"context"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/policy"
)

// User-visible texts for degraded turns.
const (
	UnavailableText = "Sorry, the service is temporarily unavailable. Please try again in a moment."
	ApologyText     = "Sorry, I couldn't process your request right now. Please try again or rephrase your question."
	CancelledText   = "The request was cancelled before it could be answered."
)

// Sessions is the session cache as seen by the router.
type Sessions interface {
	GetOrCreate(ctx context.Context, id, owner string) (string, *domain.Session, error)
	RecordUserMessage(ctx context.Context, id string, msg *domain.Message) error
	CommitTurn(ctx context.Context, id string, user, assistant *domain.Message) error
}

// Classifier produces a routing decision and never fails. history holds
// the session's windowed prior turns, oldest first.
type Classifier interface {
	Classify(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) domain.RoutingDecision
}

// Dispatcher executes capability handlers.
type Dispatcher interface {
	Catalogue() []domain.CapabilityDescriptor
	Has(name string) bool
	DefaultArguments(name, raw string) map[string]any
	Execute(ctx context.Context, name string, args map[string]any, raw string) domain.HandlerResult
}

// Policy approves routing decisions before dispatch.
type Policy interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Publisher receives streamed turn events.
type Publisher interface {
	Publish(ctx context.Context, ev domain.TurnEvent) error
}

// Router is stateless across turns; everything it needs is injected.
type Router struct {
	sessions   Sessions
	classifier Classifier
	handlers   Dispatcher
	policy     Policy
	publisher  Publisher
	general    string
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy gates dispatch with p.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithPublisher mirrors streamed events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Router) { r.publisher = p }
}

// WithFallbackCapability overrides the general handler name.
func WithFallbackCapability(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.general = name
		}
	}
}

// New creates a Router.
func New(sessions Sessions, classifier Classifier, dispatcher Dispatcher, opts ...Option) *Router {
	r := &Router{
		sessions:   sessions,
		classifier: classifier,
		handlers:   dispatcher,
		general:    handlers.GeneralCapability,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit runs one turn to completion. The error is set only when the
// session could not be resolved; the result then still carries an apology.
// Every later failure degrades into a valid result.
func (r *Router) Submit(ctx context.Context, req domain.TurnRequest) (domain.TurnResult, error) {
	t := newTurn(req)
	r.run(ctx, t, nil)
	return t.out, t.fatal
}
