package errs

import (
	"context"
	"sync"
)

const recentErrorsCap = 100

// Handler processes an error routed to it. Handlers must not panic; a
// panicking handler is recovered by the Router and recorded as a secondary
// ring entry rather than propagated.
type Handler func(ctx context.Context, err *Error, routeContext map[string]any)

// RecentEntry is one record in the Router's bounded history, used for
// introspection (dashboards, health checks, tests) rather than dispatch.
type RecentEntry struct {
	Err     *Error
	Context map[string]any
	// Phase is "handled" for a normal dispatch, or "error-handling" when the
	// entry records a handler itself failing.
	Phase string
}

// Integration lets an external framework (an HTTP server, say) plug into
// the Router without the Router importing that framework directly: it maps
// the framework's native errors into *Error, serializes an *Error back into
// a wire format that framework expects, and supplies a default handler to
// install for unmapped kinds.
type Integration interface {
	MapError(extErr error) *Error
	Serialize(err *Error, env string) []byte
	DefaultHandler() Handler
}

// Router dispatches errors to kind-specific handlers, falling back to a
// registered "*" handler, and keeps a bounded ring of recently handled
// errors for introspection. It is safe for concurrent use.
type Router struct {
	mu           sync.Mutex
	handlers     map[Kind]Handler
	fallback     Handler
	recent       []RecentEntry
	recentHead   int
	recentFilled bool
	logger       logger
	integrations map[string]Integration
}

// logger is the minimal subset of the root Logger interface this package
// needs, kept local to avoid an import cycle with the root package.
type logger interface {
	Error(msg string, args ...any)
}

// NewRouter constructs an empty Router. logger may be nil, in which case
// handler panics are recovered silently.
func NewRouter(log logger) *Router {
	return &Router{
		handlers:     make(map[Kind]Handler),
		recent:       make([]RecentEntry, recentErrorsCap),
		logger:       log,
		integrations: make(map[string]Integration),
	}
}

// RegisterHandler installs handler for kind. Passing "*" registers the
// fallback handler used when no kind-specific handler matches.
func (r *Router) RegisterHandler(kind Kind, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == "*" {
		r.fallback = handler
		return
	}
	r.handlers[kind] = handler
}

// RegisterIntegration stores a named framework Integration and installs its
// DefaultHandler as the fallback if none has been registered yet.
func (r *Router) RegisterIntegration(name string, integration Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrations[name] = integration
	if r.fallback == nil {
		r.fallback = integration.DefaultHandler()
	}
}

// Integration retrieves a previously registered Integration by name.
func (r *Router) Integration(name string) (Integration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.integrations[name]
	return i, ok
}

// CreateError is a convenience that builds an *Error and immediately routes
// it through HandleError, returning the error so callers can also return it
// from their own function.
func (r *Router) CreateError(ctx context.Context, kind Kind, code, message string, routeContext map[string]any, opts ...Option) *Error {
	err := New(kind, code, message, opts...)
	r.HandleError(ctx, err, routeContext)
	return err
}

// HandleError dispatches err to the handler registered for err.Kind, or the
// fallback handler if none matches, and records the dispatch in the recent
// ring. A handler that panics is recovered and recorded as a second,
// "error-handling" phase entry instead of crashing the caller.
func (r *Router) HandleError(ctx context.Context, err *Error, routeContext map[string]any) {
	if err == nil {
		return
	}
	r.mu.Lock()
	handler := r.handlers[err.Kind]
	if handler == nil {
		handler = r.fallback
	}
	r.mu.Unlock()

	r.record(RecentEntry{Err: err, Context: routeContext, Phase: "handled"})

	if handler == nil {
		return
	}
	r.invoke(ctx, handler, err, routeContext)
}

func (r *Router) invoke(ctx context.Context, handler Handler, err *Error, routeContext map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			secondary := NewModule("HANDLER_PANIC", "error handler panicked", WithDetails(map[string]any{
				"recovered": rec,
				"kind":      err.Kind,
				"code":      err.Code,
			}))
			r.record(RecentEntry{Err: secondary, Context: routeContext, Phase: "error-handling"})
			if r.logger != nil {
				r.logger.Error("error handler panicked", "kind", err.Kind, "code", err.Code, "recovered", rec)
			}
		}
	}()
	handler(ctx, err, routeContext)
}

func (r *Router) record(entry RecentEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent[r.recentHead] = entry
	r.recentHead = (r.recentHead + 1) % recentErrorsCap
	if r.recentHead == 0 {
		r.recentFilled = true
	}
}

// RecentErrors returns the recorded entries in oldest-to-newest order,
// capped at the last 100.
func (r *Router) RecentErrors() []RecentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recentFilled {
		out := make([]RecentEntry, r.recentHead)
		copy(out, r.recent[:r.recentHead])
		return out
	}
	out := make([]RecentEntry, recentErrorsCap)
	copy(out, r.recent[r.recentHead:])
	copy(out[recentErrorsCap-r.recentHead:], r.recent[:r.recentHead])
	return out
}
