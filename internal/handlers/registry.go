package handlers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// DefaultTimeout bounds one handler execution.
const DefaultTimeout = 30 * time.Second

var (
	ErrNotRegistered = errors.New("handler not registered")
	ErrDuplicate     = errors.New("handler already registered")
)

type entry struct {
	desc     domain.CapabilityDescriptor
	build    Constructor
	defaults DefaultArgsFunc
	routable bool

	instance Handler
	buildErr error
	stats    Stats
}

// Registry maps capability names to lazily built handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
	timeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterOption configures one registration.
type RegisterOption func(*entry)

// WithDefaults sets the default-arguments function.
func WithDefaults(fn DefaultArgsFunc) RegisterOption {
	return func(e *entry) { e.defaults = fn }
}

// Hidden keeps the handler out of the classifier catalogue.
func Hidden() RegisterOption {
	return func(e *entry) { e.routable = false }
}

// Register adds a handler constructor under desc.Name.
func (r *Registry) Register(desc domain.CapabilityDescriptor, build Constructor, opts ...RegisterOption) error {
	if desc.Name == "" {
		return fmt.Errorf("handler name is required")
	}
	if build == nil {
		return fmt.Errorf("constructor is required")
	}
	e := &entry{desc: desc, build: build, routable: true}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, desc.Name)
	}
	r.entries[desc.Name] = e
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(desc domain.CapabilityDescriptor, build Constructor, opts ...RegisterOption) {
	if err := r.Register(desc, build, opts...); err != nil {
		panic(err)
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// GetOrBuild returns the handler singleton, building it on first use.
// A failed build is remembered and retried on the next call.
func (r *Registry) GetOrBuild(ctx context.Context, name string) (Handler, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var h Handler
	if ok {
		h = e.instance
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if h != nil {
		return h, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		existing := e.instance
		r.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		built, err := construct(ctx, e.build)

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			e.buildErr = err
			return nil, err
		}
		e.instance, e.buildErr = built, nil
		return built, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("handler", name).Msg("handler construction failed")
		return nil, fmt.Errorf("failed to build handler %s: %w", name, err)
	}
	return v.(Handler), nil
}

func construct(ctx context.Context, build Constructor) (h Handler, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("constructor panic: %v", rec)
		}
	}()
	h, err = build(ctx)
	if err == nil && h == nil {
		err = errors.New("constructor returned nil handler")
	}
	return h, err
}

// Execute runs the named handler. It never returns an error: unknown names,
// build failures, handler errors, panics and timeouts all come back as a
// failed HandlerResult.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, raw string) domain.HandlerResult {
	h, err := r.GetOrBuild(ctx, name)
	if err != nil {
		result := domain.FailedResult(fmt.Errorf("%w: %w", domain.ErrHandlerFailure, err))
		r.record(name, result)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan domain.HandlerResult, 1)
	go func() {
		done <- invoke(ctx, name, h, args, raw)
	}()

	var result domain.HandlerResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = domain.FailedResult(fmt.Errorf("%w: %s: %w", domain.ErrHandlerFailure, name, ctx.Err()))
	}
	r.record(name, result)
	return result
}

func invoke(ctx context.Context, name string, h Handler, args map[string]any, raw string) (result domain.HandlerResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("handler", name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			result = domain.FailedResult(fmt.Errorf("%w: %s panicked: %v", domain.ErrHandlerFailure, name, rec))
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	res, err := h.Handle(ctx, args, raw)
	if err != nil {
		return domain.FailedResult(fmt.Errorf("%w: %s: %w", domain.ErrHandlerFailure, name, err))
	}
	if res.Failed && res.Error == "" {
		res.Error = fmt.Sprintf("%s reported failure", name)
	}
	if !res.Failed && strings.TrimSpace(res.Text) == "" {
		return domain.FailedResult(fmt.Errorf("%w: %s returned an empty answer", domain.ErrHandlerFailure, name))
	}
	return res
}

func (r *Registry) record(name string, result domain.HandlerResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.stats.Executions++
	e.stats.LastExecution = time.Now()
	if result.Failed {
		e.stats.Failures++
		e.stats.LastError = result.Error
	}
}

// DefaultArguments derives arguments for a direct invocation of name.
func (r *Registry) DefaultArguments(name, raw string) map[string]any {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok && e.defaults != nil {
		if args := e.defaults(raw); args != nil {
			return args
		}
	}
	return map[string]any{"query": raw}
}

// Catalogue lists the routable descriptors sorted by name.
func (r *Registry) Catalogue() []domain.CapabilityDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CapabilityDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.routable {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe reports every handler with its status and counters.
func (r *Registry) Describe() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{Descriptor: e.desc, Routable: e.routable, Stats: e.stats}
		switch {
		case e.instance != nil:
			info.Status = StatusReady
		case e.buildErr != nil:
			info.Status = StatusError
			info.BuildError = e.buildErr.Error()
		default:
			info.Status = StatusNotBuilt
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// Health maps each handler to its status.
func (r *Registry) Health() map[string]Status {
	infos := r.Describe()
	out := make(map[string]Status, len(infos))
	for _, info := range infos {
		out[info.Descriptor.Name] = info.Status
	}
	return out
}

// Validate builds the handler and checks its argument schema.
func (r *Registry) Validate(ctx context.Context, name string) error {
	if _, err := r.GetOrBuild(ctx, name); err != nil {
		return err
	}
	r.mu.RLock()
	s := r.entries[name].desc.Schema
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	if s.Type != "" && s.Type != "object" {
		return fmt.Errorf("handler %s: argument schema must be an object, got %q", name, s.Type)
	}
	for _, req := range s.Required {
		if _, ok := s.Properties[req]; !ok {
			return fmt.Errorf("handler %s: required argument %q has no property", name, req)
		}
	}
	return nil
}

// Reset drops the cached singleton so the next use rebuilds it.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.instance, e.buildErr = nil, nil
	}
}
