// Package classifier turns a user message into a RoutingDecision. An external
// oracle is consulted first; any failure falls back to a local keyword
// heuristic so that classification never fails.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// DefaultTimeout bounds one oracle call.
const DefaultTimeout = 10 * time.Second

// Reply is the raw oracle output. Exactly one of Capability or Text is
// expected to be set; Arguments holds the JSON-encoded call arguments.
type Reply struct {
	Capability string
	Arguments  string
	Text       string
}

// Oracle selects a capability for a message. history holds the prior turns
// of the conversation, oldest first.
type Oracle interface {
	Select(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) (Reply, error)
}

// Adapter wraps an Oracle with validation and heuristic fallback.
type Adapter struct {
	oracle  Oracle
	timeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// New creates an Adapter. A nil oracle classifies with the heuristic only.
func New(oracle Oracle, opts ...Option) *Adapter {
	a := &Adapter{oracle: oracle, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify always returns a decision.
func (a *Adapter) Classify(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) domain.RoutingDecision {
	if a.oracle == nil {
		return Heuristic(message, catalogue)
	}

	reply, err := a.ask(ctx, message, history, catalogue)
	if err == nil {
		var decision domain.RoutingDecision
		decision, err = interpret(reply, catalogue)
		if err == nil {
			return decision
		}
	}

	decision := Heuristic(message, catalogue)
	log.Warn().
		Err(err).
		Str("heuristic_capability", decision.Capability).
		Float64("confidence", decision.Confidence).
		Msg("classification failed, using keyword heuristic")
	return decision
}

// ask gives up at the timeout even if the oracle ignores ctx.
func (a *Adapter) ask(ctx context.Context, message string, history []domain.Message, catalogue []domain.CapabilityDescriptor) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type answer struct {
		reply Reply
		err   error
	}
	done := make(chan answer, 1)
	go func() {
		var out answer
		defer func() {
			if r := recover(); r != nil {
				out = answer{err: fmt.Errorf("oracle panic: %v", r)}
			}
			done <- out
		}()
		out.reply, out.err = a.oracle.Select(ctx, message, history, catalogue)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Reply{}, fmt.Errorf("%w: %w", domain.ErrClassificationFailure, out.err)
		}
		return out.reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("%w: %w", domain.ErrClassificationFailure, ctx.Err())
	}
}

func interpret(reply Reply, catalogue []domain.CapabilityDescriptor) (domain.RoutingDecision, error) {
	if reply.Capability == "" {
		text := strings.TrimSpace(reply.Text)
		if text == "" {
			return domain.RoutingDecision{}, fmt.Errorf("%w: empty oracle reply", domain.ErrClassificationFailure)
		}
		return domain.RoutingDecision{
			Arguments:  map[string]any{},
			Confidence: 0.5,
			IsFallback: true,
			Answer:     text,
			Source:     domain.SourceDirect,
		}, nil
	}

	desc, ok := find(catalogue, reply.Capability)
	if !ok {
		return domain.RoutingDecision{}, fmt.Errorf("%w: unknown capability %q", domain.ErrClassificationFailure, reply.Capability)
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(reply.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return domain.RoutingDecision{}, fmt.Errorf("%w: malformed arguments for %s: %w", domain.ErrClassificationFailure, desc.Name, err)
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	ApplyDefaults(desc.Schema, args)
	if err := ValidateArguments(desc.Schema, args); err != nil {
		return domain.RoutingDecision{}, fmt.Errorf("%w: arguments for %s: %w", domain.ErrClassificationFailure, desc.Name, err)
	}

	return domain.RoutingDecision{
		Capability: desc.Name,
		Arguments:  args,
		Confidence: 1.0,
		Source:     domain.SourceOracle,
	}, nil
}

func find(catalogue []domain.CapabilityDescriptor, name string) (domain.CapabilityDescriptor, bool) {
	for _, d := range catalogue {
		if d.Name == name {
			return d, true
		}
	}
	return domain.CapabilityDescriptor{}, false
}
