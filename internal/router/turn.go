package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
	"github.com/xiaot623/gogo/turnrouter/internal/handlers"
	"github.com/xiaot623/gogo/turnrouter/policy"
)

// turn carries the state of one message through the machine.
type turn struct {
	req   domain.TurnRequest
	state domain.TurnState

	sessionID string
	user      *domain.Message
	decision  domain.RoutingDecision

	// history is the cached window before this turn's user message.
	history []domain.Message

	capability   string
	result       domain.HandlerResult
	fallbackFrom string
	failure      string
	policy       *policy.Decision

	assistant *domain.Message
	warning   string
	out       domain.TurnResult
	fatal     error
}

func newTurn(req domain.TurnRequest) *turn {
	return &turn{req: req, state: domain.StateStart, sessionID: req.SessionID}
}

// run steps t until a terminal state. onResolved fires once the session is
// known.
func (r *Router) run(ctx context.Context, t *turn, onResolved func(sessionID string)) {
	for !t.state.Terminal() {
		from := t.state
		t.state = r.step(ctx, t)
		log.Debug().
			Str("session_id", t.sessionID).
			Str("from", string(from)).
			Str("to", string(t.state)).
			Msg("turn transition")
		if t.state == domain.StateSessionResolved && onResolved != nil {
			onResolved(t.sessionID)
		}
	}
}

func (r *Router) step(ctx context.Context, t *turn) domain.TurnState {
	switch t.state {
	case domain.StateStart:
		return r.resolveSession(ctx, t)
	case domain.StateSessionResolved:
		return r.classify(ctx, t)
	case domain.StateClassified:
		return r.dispatch(ctx, t)
	case domain.StateDispatched:
		return r.compose(t)
	case domain.StateResponseComposed:
		return r.persist(ctx, t)
	case domain.StatePersisted:
		return r.finish(t)
	}
	t.out = errored(t.sessionID, UnavailableText, fmt.Errorf("turn in unexpected state %q", t.state))
	return domain.StateErrored
}

func (r *Router) resolveSession(ctx context.Context, t *turn) domain.TurnState {
	id, sess, err := r.sessions.GetOrCreate(ctx, t.req.SessionID, t.req.OwnerID)
	if err != nil {
		log.Error().Err(err).Str("session_id", t.req.SessionID).Msg("failed to resolve session")
		t.fatal = err
		t.out = errored(t.req.SessionID, UnavailableText, err)
		return domain.StateErrored
	}
	t.sessionID = id
	if sess != nil {
		t.history = sess.Messages
	}
	return domain.StateSessionResolved
}

// classify records the user message first so it survives any later failure.
func (r *Router) classify(ctx context.Context, t *turn) domain.TurnState {
	user, err := domain.NewMessage(domain.RoleUser, t.req.Message)
	if err != nil {
		t.out = errored(t.sessionID, ApologyText, err)
		return domain.StateErrored
	}
	t.user = &user
	if err := r.sessions.RecordUserMessage(ctx, t.sessionID, t.user); err != nil {
		log.Warn().Err(err).Str("session_id", t.sessionID).Msg("failed to record user message")
		t.warning = err.Error()
	}

	if err := ctx.Err(); err != nil {
		return r.abandon(t, err)
	}
	t.decision = r.classifier.Classify(ctx, t.req.Message, t.history, r.handlers.Catalogue())
	if t.decision.Arguments == nil {
		t.decision.Arguments = map[string]any{}
	}
	log.Debug().
		Str("session_id", t.sessionID).
		Str("capability", t.decision.Capability).
		Float64("confidence", t.decision.Confidence).
		Str("source", string(t.decision.Source)).
		Msg("turn classified")
	return domain.StateClassified
}

func (r *Router) dispatch(ctx context.Context, t *turn) domain.TurnState {
	if t.decision.HasDirectAnswer() {
		t.capability = r.general
		t.result = domain.HandlerResult{Text: t.decision.Answer}
		return domain.StateDispatched
	}
	if err := ctx.Err(); err != nil {
		return r.abandon(t, err)
	}

	name := t.decision.Capability
	switch {
	case name == "" || name == r.general:
		// Nothing specific was chosen; the general handler is the first and
		// only attempt.
		r.execute(ctx, t, r.general, nil)
		if t.result.Failed {
			t.failure = t.result.Error
			r.apologize(t)
		}
		return domain.StateDispatched
	case !r.handlers.Has(name):
		t.failure = fmt.Sprintf("capability %q is not registered", name)
	case !r.allowed(ctx, t, name):
		// denied decisions take the general retry below
	default:
		r.execute(ctx, t, name, t.decision.Arguments)
		if !t.result.Failed {
			return domain.StateDispatched
		}
		t.failure = t.result.Error
	}

	// Exactly one retry, on the general handler.
	t.fallbackFrom = name
	log.Info().
		Str("session_id", t.sessionID).
		Str("capability", name).
		Str("reason", t.failure).
		Msg("falling back to general handler")
	r.execute(ctx, t, r.general, nil)
	if t.result.Failed {
		t.failure = strings.TrimPrefix(strings.Join([]string{t.failure, t.result.Error}, "; "), "; ")
		r.apologize(t)
	}
	return domain.StateDispatched
}

func (r *Router) execute(ctx context.Context, t *turn, name string, args map[string]any) {
	if len(args) == 0 {
		args = r.handlers.DefaultArguments(name, t.req.Message)
	}
	t.capability = name
	t.result = r.handlers.Execute(handlers.WithHistory(ctx, t.history), name, args, t.req.Message)
}

func (r *Router) allowed(ctx context.Context, t *turn, name string) bool {
	if r.policy == nil {
		return true
	}
	d, err := r.policy.Evaluate(ctx, policy.Input{
		Capability: name,
		Confidence: t.decision.Confidence,
		IsFallback: t.decision.IsFallback,
		Source:     string(t.decision.Source),
		Owner:      t.req.OwnerID,
		SessionID:  t.sessionID,
	})
	if err != nil {
		log.Warn().Err(err).Str("capability", name).Msg("dispatch policy failed, allowing")
		return true
	}
	if !d.Allow {
		t.policy = &d
		log.Info().Str("session_id", t.sessionID).Str("capability", name).Str("reason", d.Reason).Msg("dispatch denied by policy")
	}
	return d.Allow
}

func (r *Router) apologize(t *turn) {
	t.result = domain.HandlerResult{Text: ApologyText, Failed: true, Error: t.failure}
}

func (r *Router) compose(t *turn) domain.TurnState {
	assistant, err := domain.NewMessage(domain.RoleAssistant, t.result.Text)
	if err != nil {
		t.out = errored(t.sessionID, ApologyText, err)
		return domain.StateErrored
	}
	assistant.Capability = t.capability
	assistant.Evidence = t.result.Evidence

	attrs := make(map[string]any, len(t.result.Metadata)+8)
	for k, v := range t.result.Metadata {
		attrs[k] = v
	}
	attrs[domain.MetaCapability] = t.capability
	attrs[domain.MetaConfidence] = t.decision.Confidence
	attrs[domain.MetaIsFallback] = t.decision.IsFallback || t.fallbackFrom != ""
	attrs[domain.MetaRoutingSource] = string(t.decision.Source)
	if t.fallbackFrom != "" {
		attrs[domain.MetaFallbackFrom] = t.fallbackFrom
	}
	if t.failure != "" {
		attrs[domain.MetaError] = t.failure
	}
	if t.policy != nil {
		attrs[domain.MetaPolicyDecision] = map[string]any{"allow": t.policy.Allow, "reason": t.policy.Reason}
	}
	assistant.Attributes = attrs
	t.assistant = &assistant
	return domain.StateResponseComposed
}

// persist commits even when the caller has gone away; the answer exists.
func (r *Router) persist(ctx context.Context, t *turn) domain.TurnState {
	if err := r.sessions.CommitTurn(context.WithoutCancel(ctx), t.sessionID, t.user, t.assistant); err != nil {
		log.Warn().Err(err).Str("session_id", t.sessionID).Msg("failed to persist turn")
		t.warning = err.Error()
		t.assistant.Attributes[domain.MetaPersistenceWarning] = err.Error()
	}
	return domain.StatePersisted
}

func (r *Router) finish(t *turn) domain.TurnState {
	evidence := t.assistant.Evidence
	if evidence == nil {
		evidence = []domain.Evidence{}
	}
	t.out = domain.TurnResult{
		Text:       t.assistant.Content,
		Capability: t.capability,
		Evidence:   evidence,
		Metadata:   t.assistant.Attributes,
		SessionID:  t.sessionID,
		Error:      t.failure,
		Warning:    t.warning,
	}
	return domain.StateDone
}

func (r *Router) abandon(t *turn, err error) domain.TurnState {
	log.Info().Err(err).Str("session_id", t.sessionID).Msg("turn abandoned")
	t.out = errored(t.sessionID, CancelledText, err)
	t.out.Warning = t.warning
	return domain.StateErrored
}

func errored(sessionID, text string, err error) domain.TurnResult {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "turn cancelled: " + msg
	}
	return domain.TurnResult{
		Text:      text,
		Evidence:  []domain.Evidence{},
		Metadata:  map[string]any{domain.MetaError: msg},
		SessionID: sessionID,
		Error:     msg,
	}
}
